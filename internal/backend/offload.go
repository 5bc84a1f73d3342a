package backend

import (
	"context"
	"errors"

	"github.com/e7canasta/framereel/internal/codec"
	"github.com/e7canasta/framereel/internal/surface"
)

// WorkerDecode has the worker decode and adopts the returned bitmap.
type WorkerDecode struct {
	opts Options
}

// Mode implements Backend.
func (b *WorkerDecode) Mode() Mode { return ModeWorkerDecodeOnly }

// Mount implements Backend.
func (b *WorkerDecode) Mount(ctx context.Context, source string) (*surface.Surface, error) {
	bitmap, err := b.opts.Client.Decode(ctx, codec.Bust(source, b.opts.Now()), b.opts.ImageType)
	if err != nil {
		return nil, err
	}
	return mountDecoded(b.opts.Pool, surface.KindHeadless, Bitmap(bitmap))
}

// Unmount implements Backend.
func (b *WorkerDecode) Unmount(s *surface.Surface) error {
	b.opts.Pool.Release(s)
	return nil
}

// WorkerTransfer hands surfaces to the worker, which paints them directly.
// Each surface is transferred at most once; the registry remembers it.
type WorkerTransfer struct {
	opts Options
}

// Mode implements Backend.
func (b *WorkerTransfer) Mode() Mode { return ModeWorkerTransfer }

// Mount implements Backend.
func (b *WorkerTransfer) Mount(ctx context.Context, source string) (*surface.Surface, error) {
	s := b.opts.Pool.Acquire(surface.KindTransferred)
	entry, first, err := b.opts.Registry.TransferOrReuse(s)
	if err != nil {
		b.opts.Pool.Release(s)
		return nil, err
	}
	if first {
		b.opts.Logger.Debug("surface transferred to worker", "surface_id", entry.ID)
	}

	err = b.opts.Client.Render(ctx, entry.ID, entry.Offscreen, codec.Bust(source, b.opts.Now()), b.opts.ImageType)
	if err != nil {
		return nil, errors.Join(err, b.Unmount(s))
	}
	return s, nil
}

// Unmount implements Backend. The worker shrinks the surface; locally it
// only goes back to the transferred free list.
func (b *WorkerTransfer) Unmount(s *surface.Surface) error {
	err := b.opts.Registry.Release(s)
	b.opts.Pool.Release(s)
	return err
}
