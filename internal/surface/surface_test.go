package surface

import (
	"errors"
	"image"
	"image/color"
	"testing"
)

func solid(w, h int, c color.RGBA) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for i := 0; i < len(img.Pix); i += 4 {
		img.Pix[i], img.Pix[i+1], img.Pix[i+2], img.Pix[i+3] = c.R, c.G, c.B, c.A
	}
	return img
}

func TestSurfaceBlitAndReset(t *testing.T) {
	s := New(KindOnScreen)
	if !s.Empty() {
		t.Fatal("new surface should be empty")
	}

	if err := s.Blit(solid(4, 3, color.RGBA{255, 0, 0, 255})); err != nil {
		t.Fatalf("Blit() failed: %v", err)
	}
	if w, h := s.Size(); w != 4 || h != 3 {
		t.Fatalf("size after blit = %dx%d, want 4x3", w, h)
	}
	capBefore := s.Bytes()

	if err := s.Reset(); err != nil {
		t.Fatalf("Reset() failed: %v", err)
	}
	if !s.Empty() {
		t.Fatal("surface not empty after Reset")
	}
	if s.Bytes() != capBefore {
		t.Errorf("Reset dropped the buffer: cap %d -> %d", capBefore, s.Bytes())
	}
}

func TestSurfaceTransferOnce(t *testing.T) {
	s := NewSized(KindOnScreen, 2, 2)

	off, err := s.TransferControl()
	if err != nil {
		t.Fatalf("first TransferControl() failed: %v", err)
	}
	if s.Kind() != KindTransferred {
		t.Fatalf("kind = %v, want transferred", s.Kind())
	}
	if _, err := s.TransferControl(); !errors.Is(err, ErrAlreadyTransferred) {
		t.Fatalf("second TransferControl() err = %v, want ErrAlreadyTransferred", err)
	}
	if err := s.Blit(solid(1, 1, color.RGBA{A: 255})); !errors.Is(err, ErrTransferred) {
		t.Fatalf("local Blit after transfer err = %v, want ErrTransferred", err)
	}

	off.Blit(solid(5, 6, color.RGBA{G: 255, A: 255}))
	if w, h := s.Size(); w != 5 || h != 6 {
		t.Fatalf("worker blit not visible: %dx%d", w, h)
	}
	off.Reset()
	if !s.Empty() {
		t.Fatal("worker reset did not shrink surface")
	}
}

func TestHeadlessNotTransferable(t *testing.T) {
	s := New(KindHeadless)
	if _, err := s.TransferControl(); !errors.Is(err, ErrNotTransferable) {
		t.Fatalf("err = %v, want ErrNotTransferable", err)
	}
}

func TestCompositeScalesAndClips(t *testing.T) {
	out := NewSized(KindOnScreen, 10, 10)
	src := New(KindHeadless)
	if err := src.Blit(solid(2, 2, color.RGBA{0, 0, 255, 255})); err != nil {
		t.Fatal(err)
	}

	// Larger than the output on every side; the whole output gets covered.
	if err := out.Composite(src, image.Rect(-1, -1, 11, 11)); err != nil {
		t.Fatalf("Composite() failed: %v", err)
	}
	out.View(func(img *image.RGBA) {
		for _, p := range []image.Point{{0, 0}, {5, 5}, {9, 9}} {
			if got := img.RGBAAt(p.X, p.Y); got.B == 0 || got.A != 255 {
				t.Errorf("pixel %v = %v, want opaque blue", p, got)
			}
		}
	})

	if err := out.Composite(out, out.img.Rect); err == nil {
		t.Error("self composite should fail")
	}
}

func TestAdoptTakesBuffer(t *testing.T) {
	s := New(KindHeadless)
	img := solid(3, 2, color.RGBA{1, 2, 3, 255})
	if err := s.Adopt(img); err != nil {
		t.Fatal(err)
	}
	s.View(func(got *image.RGBA) {
		if &got.Pix[0] != &img.Pix[0] {
			t.Error("Adopt copied pixels")
		}
	})
}
