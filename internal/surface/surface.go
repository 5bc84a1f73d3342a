// Package surface implements drawable pixel surfaces and the pool that
// recycles them across frame slots.
//
// A Surface is owned by exactly one party at a time. Surfaces created as
// KindOnScreen may hand their draw rights to the decode worker once through
// TransferControl; after that the origin side may still read (composite or
// view) the pixels but every local draw call fails with ErrTransferred.
package surface

import (
	"errors"
	"image"
	"image/draw"
	"sync"

	xdraw "golang.org/x/image/draw"
)

var (
	// ErrTransferred is returned by local draw calls on a surface whose
	// draw rights belong to the worker.
	ErrTransferred = errors.New("surface: draw rights transferred to worker")

	// ErrAlreadyTransferred is returned by a second TransferControl call.
	ErrAlreadyTransferred = errors.New("surface: control already transferred")

	// ErrNotTransferable is returned when a headless surface is transferred.
	ErrNotTransferable = errors.New("surface: only on-screen surfaces can be transferred")
)

// Kind classifies a surface by who may draw into it.
type Kind uint8

const (
	// KindOnScreen is a local surface that can be bound to a display and
	// transferred to the worker.
	KindOnScreen Kind = iota
	// KindHeadless is a local surface that never leaves the calling side.
	KindHeadless
	// KindTransferred is an on-screen surface whose draw rights moved to
	// the worker.
	KindTransferred
)

func (k Kind) String() string {
	switch k {
	case KindOnScreen:
		return "on_screen"
	case KindHeadless:
		return "headless"
	case KindTransferred:
		return "transferred"
	default:
		return "unknown"
	}
}

// Surface is a drawable RGBA target. Zero area is the released state.
type Surface struct {
	mu   sync.RWMutex
	kind Kind
	img  *image.RGBA
}

// New returns an empty surface of the given kind.
func New(kind Kind) *Surface {
	return &Surface{kind: kind, img: &image.RGBA{}}
}

// NewSized returns a cleared surface with the given dimensions.
func NewSized(kind Kind, width, height int) *Surface {
	s := New(kind)
	resize(s.img, width, height)
	return s
}

// Kind reports the current kind of the surface.
func (s *Surface) Kind() Kind {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.kind
}

// Size returns the surface dimensions in pixels.
func (s *Surface) Size() (width, height int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.img.Rect.Dx(), s.img.Rect.Dy()
}

// Empty reports whether the surface has zero area.
func (s *Surface) Empty() bool {
	w, h := s.Size()
	return w == 0 || h == 0
}

// Bytes returns the capacity of the backing pixel buffer.
func (s *Surface) Bytes() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return cap(s.img.Pix)
}

// Resize sets new dimensions and clears the content, reusing the backing
// buffer when it is large enough.
func (s *Surface) Resize(width, height int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.kind == KindTransferred {
		return ErrTransferred
	}
	resize(s.img, width, height)
	return nil
}

// Reset shrinks the surface to zero area. The buffer capacity is kept.
func (s *Surface) Reset() error {
	return s.Resize(0, 0)
}

// Clear makes every pixel transparent.
func (s *Surface) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.kind == KindTransferred {
		return ErrTransferred
	}
	clear(s.img.Pix)
	return nil
}

// Blit resizes the surface to the source dimensions and copies the
// source pixels to the origin.
func (s *Surface) Blit(src image.Image) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.kind == KindTransferred {
		return ErrTransferred
	}
	blit(s.img, src)
	return nil
}

// Adopt replaces the backing buffer with img without copying. The caller
// must not touch img afterwards.
func (s *Surface) Adopt(img *image.RGBA) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.kind == KindTransferred {
		return ErrTransferred
	}
	adopt(s.img, img)
	return nil
}

// Composite draws src scaled into the rectangle dr of s. Parts of dr
// outside the surface are clipped.
func (s *Surface) Composite(src *Surface, dr image.Rectangle) error {
	if s == src {
		return errors.New("surface: cannot composite a surface onto itself")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.kind == KindTransferred {
		return ErrTransferred
	}
	src.mu.RLock()
	defer src.mu.RUnlock()
	if src.img.Rect.Empty() || s.img.Rect.Empty() {
		return nil
	}
	xdraw.ApproxBiLinear.Scale(s.img, dr, src.img, src.img.Rect, draw.Over, nil)
	return nil
}

// View calls fn with read access to the pixels. fn must not retain img.
func (s *Surface) View(fn func(img *image.RGBA)) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	fn(s.img)
}

// TransferControl hands the draw rights to the worker side. It succeeds at
// most once per surface.
func (s *Surface) TransferControl() (*Offscreen, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.kind {
	case KindTransferred:
		return nil, ErrAlreadyTransferred
	case KindHeadless:
		return nil, ErrNotTransferable
	}
	s.kind = KindTransferred
	return &Offscreen{s: s}, nil
}

// Offscreen is the worker-side handle of a transferred surface.
type Offscreen struct {
	s *Surface
}

// Size returns the dimensions of the underlying surface.
func (o *Offscreen) Size() (width, height int) { return o.s.Size() }

// Resize is the worker-side equivalent of Surface.Resize.
func (o *Offscreen) Resize(width, height int) {
	o.s.mu.Lock()
	resize(o.s.img, width, height)
	o.s.mu.Unlock()
}

// Reset shrinks the surface to zero area.
func (o *Offscreen) Reset() { o.Resize(0, 0) }

// Blit is the worker-side equivalent of Surface.Blit.
func (o *Offscreen) Blit(src image.Image) {
	o.s.mu.Lock()
	blit(o.s.img, src)
	o.s.mu.Unlock()
}

func resize(img *image.RGBA, width, height int) {
	if width <= 0 || height <= 0 {
		img.Rect = image.Rectangle{}
		img.Stride = 0
		img.Pix = img.Pix[:0]
		return
	}
	needed := width * height * 4
	if cap(img.Pix) < needed {
		img.Pix = make([]byte, needed)
	} else {
		img.Pix = img.Pix[:needed]
		clear(img.Pix)
	}
	img.Stride = width * 4
	img.Rect = image.Rect(0, 0, width, height)
}

func blit(dst *image.RGBA, src image.Image) {
	b := src.Bounds()
	resize(dst, b.Dx(), b.Dy())
	if dst.Rect.Empty() {
		return
	}
	draw.Draw(dst, dst.Rect, src, b.Min, draw.Src)
}

func adopt(dst, img *image.RGBA) {
	if img == nil {
		resize(dst, 0, 0)
		return
	}
	*dst = *img
	if dst.Rect.Min != (image.Point{}) {
		dst.Rect = dst.Rect.Sub(dst.Rect.Min)
		dst.Pix = img.Pix[img.PixOffset(img.Rect.Min.X, img.Rect.Min.Y):]
	}
}
