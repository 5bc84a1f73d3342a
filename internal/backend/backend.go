// Package backend turns an image source into a mounted surface.
//
// Three strategies exist:
//
//	local              - fetch and decode on the calling side through a
//	                     pooled scratch handle, blit into a local surface
//	worker-decode-only - the worker decodes and moves the bitmap back; the
//	                     bitmap becomes the backing store of a headless surface
//	worker-transfer    - the surface itself is transferred to the worker once
//	                     and the worker paints it directly
//
// Every fetch is cache-busted with a time query parameter.
package backend

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"time"

	"github.com/e7canasta/framereel/internal/codec"
	"github.com/e7canasta/framereel/internal/registry"
	"github.com/e7canasta/framereel/internal/surface"
	"github.com/e7canasta/framereel/internal/worker"
)

// ErrUnsupportedOperation is returned for decode modes the current setup
// cannot serve.
var ErrUnsupportedOperation = errors.New("backend: unsupported operation")

// Mode selects a decode strategy.
type Mode uint8

const (
	ModeLocal Mode = iota
	ModeWorkerTransfer
	ModeWorkerDecodeOnly
)

func (m Mode) String() string {
	switch m {
	case ModeLocal:
		return "local"
	case ModeWorkerTransfer:
		return "worker-transfer"
	case ModeWorkerDecodeOnly:
		return "worker-decode-only"
	default:
		return fmt.Sprintf("mode(%d)", uint8(m))
	}
}

// UsesWorker reports whether m needs a running decode worker.
func (m Mode) UsesWorker() bool {
	return m == ModeWorkerTransfer || m == ModeWorkerDecodeOnly
}

// ParseMode parses the textual mode names. The empty string is local.
func ParseMode(s string) (Mode, error) {
	switch s {
	case "", "local":
		return ModeLocal, nil
	case "worker-transfer":
		return ModeWorkerTransfer, nil
	case "worker-decode-only":
		return ModeWorkerDecodeOnly, nil
	default:
		return 0, fmt.Errorf("%w: decode mode %q", ErrUnsupportedOperation, s)
	}
}

// Backend mounts and unmounts frame surfaces.
type Backend interface {
	Mode() Mode
	// Mount decodes source into a pooled surface sized to the image.
	Mount(ctx context.Context, source string) (*surface.Surface, error)
	// Unmount gives the surface back. It never blocks on the worker.
	Unmount(s *surface.Surface) error
}

// Options carries the collaborators shared by all backends.
type Options struct {
	Pool       *surface.Pool
	Fetcher    codec.Fetcher
	Negotiator *codec.Negotiator
	ImageType  string
	Logger     *slog.Logger

	// Client and Registry are required by the worker modes.
	Client   *worker.Client
	Registry *registry.Registry

	// Now stamps cache-busting parameters. Defaults to time.Now.
	Now func() time.Time
}

// New returns the backend for mode.
func New(mode Mode, opts Options) (Backend, error) {
	if opts.Pool == nil {
		return nil, errors.New("backend: pool is required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	switch mode {
	case ModeLocal:
		if opts.Fetcher == nil {
			return nil, errors.New("backend: fetcher is required")
		}
		if opts.Negotiator == nil {
			opts.Negotiator = codec.NewNegotiator()
		}
		return &Local{opts: opts}, nil
	case ModeWorkerDecodeOnly:
		if opts.Client == nil {
			return nil, fmt.Errorf("%w: %s without a decode worker", ErrUnsupportedOperation, mode)
		}
		return &WorkerDecode{opts: opts}, nil
	case ModeWorkerTransfer:
		if opts.Client == nil || opts.Registry == nil {
			return nil, fmt.Errorf("%w: %s without a decode worker", ErrUnsupportedOperation, mode)
		}
		return &WorkerTransfer{opts: opts}, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedOperation, mode)
	}
}

type imageKind uint8

const (
	kindBitmap imageKind = iota + 1
	kindRaster
)

// DecodedImage is the result of a decode: either a Bitmap that can become a
// surface's backing store as is, or a Raster still held by a scratch handle
// that must be copied out before Release.
type DecodedImage struct {
	kind    imageKind
	bitmap  *image.RGBA
	raster  image.Image
	release func()
}

// Bitmap wraps a bitmap moved from the worker.
func Bitmap(img *image.RGBA) DecodedImage {
	return DecodedImage{kind: kindBitmap, bitmap: img}
}

// Raster wraps an image owned by a scratch handle. release returns the
// handle to its pool.
func Raster(img image.Image, release func()) DecodedImage {
	return DecodedImage{kind: kindRaster, raster: img, release: release}
}

// IsBitmap reports whether d is a Bitmap.
func (d DecodedImage) IsBitmap() bool { return d.kind == kindBitmap }

// Image returns the pixels regardless of the variant.
func (d DecodedImage) Image() image.Image {
	if d.kind == kindBitmap {
		return d.bitmap
	}
	return d.raster
}

// Width returns the natural width in pixels.
func (d DecodedImage) Width() int {
	if img := d.Image(); img != nil {
		return img.Bounds().Dx()
	}
	return 0
}

// Height returns the natural height in pixels.
func (d DecodedImage) Height() int {
	if img := d.Image(); img != nil {
		return img.Bounds().Dy()
	}
	return 0
}

// Release frees whatever holds the pixels. It is safe to call twice.
func (d *DecodedImage) Release() {
	if d.release != nil {
		d.release()
		d.release = nil
	}
}

// mountDecoded places img into a surface of the given kind acquired from
// pool and releases img.
func mountDecoded(pool *surface.Pool, kind surface.Kind, img DecodedImage) (*surface.Surface, error) {
	defer img.Release()

	s := pool.Acquire(kind)
	var err error
	if img.IsBitmap() {
		err = s.Adopt(img.bitmap)
	} else {
		err = s.Blit(img.raster)
	}
	if err != nil {
		pool.Release(s)
		return nil, err
	}
	return s, nil
}
