package backend

import (
	"context"
	"image"

	"github.com/e7canasta/framereel/internal/codec"
	"github.com/e7canasta/framereel/internal/surface"
)

// Local decodes on the calling side.
type Local struct {
	opts Options
}

// Mode implements Backend.
func (b *Local) Mode() Mode { return ModeLocal }

// Mount implements Backend.
func (b *Local) Mount(ctx context.Context, source string) (*surface.Surface, error) {
	img, err := b.Decode(ctx, source)
	if err != nil {
		return nil, err
	}
	return mountDecoded(b.opts.Pool, surface.KindOnScreen, img)
}

// Unmount implements Backend.
func (b *Local) Unmount(s *surface.Surface) error {
	b.opts.Pool.Release(s)
	return nil
}

type loadResult struct {
	img image.Image
	err error
}

// Decode loads source through a pooled scratch handle. The returned Raster
// keeps the handle until Release.
func (b *Local) Decode(ctx context.Context, source string) (DecodedImage, error) {
	pool := b.opts.Pool
	sc := pool.AcquireScratch()
	sc.Source = codec.Bust(source, b.opts.Now())

	result := make(chan loadResult, 1)
	sc.OnLoad = func(img image.Image) { result <- loadResult{img: img} }
	sc.OnError = func(err error) { result <- loadResult{err: err} }

	done := make(chan struct{})
	go func() {
		defer close(done)
		b.load(ctx, sc)
	}()

	select {
	case r := <-result:
		<-done
		if r.err != nil {
			pool.ReleaseScratch(sc)
			return DecodedImage{}, r.err
		}
		return Raster(r.img, func() { pool.ReleaseScratch(sc) }), nil
	case <-ctx.Done():
		// The handle goes back only once the load stopped touching it.
		go func() {
			<-done
			pool.ReleaseScratch(sc)
		}()
		return DecodedImage{}, ctx.Err()
	}
}

func (b *Local) load(ctx context.Context, sc *surface.Scratch) {
	img, err := codec.Load(ctx, b.opts.Fetcher, b.opts.Negotiator, sc.Source, b.opts.ImageType, &sc.Data)
	if err != nil {
		sc.OnError(err)
		return
	}
	sc.OnLoad(img)
}
