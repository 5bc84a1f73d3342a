// Package slot implements the per-frame lifecycle unit.
//
// State machine:
//
//	Unmounted → Mounting → Mounted → Unmounting → Unmounted
//	    ↑           │
//	    └── error ──┘
//
// At most one operation is in flight per slot. A Mount issued while another
// Mount runs waits for it and returns its result instead of decoding again.
// An Unmount issued while a Mount runs waits for the mount to settle and
// then tears the result down, so a slot is never released mid-mount.
package slot

import (
	"context"
	"image"
	"math"
	"sync"

	"github.com/e7canasta/framereel/internal/surface"
)

// State is the lifecycle state of a slot.
type State uint8

const (
	Unmounted State = iota
	Mounting
	Mounted
	Unmounting
)

func (s State) String() string {
	switch s {
	case Unmounted:
		return "unmounted"
	case Mounting:
		return "mounting"
	case Mounted:
		return "mounted"
	case Unmounting:
		return "unmounting"
	default:
		return "unknown"
	}
}

// Mounter produces and takes back frame surfaces. backend.Backend
// implements it.
type Mounter interface {
	Mount(ctx context.Context, source string) (*surface.Surface, error)
	Unmount(s *surface.Surface) error
}

// ZoomFactor is the extra scale reached at the end of a frame's dwell time.
const ZoomFactor = 0.2

type operation struct {
	done chan struct{}
	err  error
}

// Slot owns at most one surface for one frame index.
type Slot struct {
	index int

	mu      sync.Mutex
	state   State
	surf    *surface.Surface
	mounter Mounter
	op      *operation
}

// New returns an unmounted slot for frame index.
func New(index int) *Slot {
	return &Slot{index: index}
}

// Index returns the frame index of the slot.
func (s *Slot) Index() int { return s.index }

// State returns the current state.
func (s *Slot) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// IsMounted reports whether the slot can be rendered.
func (s *Slot) IsMounted() bool { return s.State() == Mounted }

// IsMounting reports whether a mount is in flight.
func (s *Slot) IsMounting() bool { return s.State() == Mounting }

// Surface returns the owned surface, or nil unless Mounted.
func (s *Slot) Surface() *surface.Surface {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != Mounted {
		return nil
	}
	return s.surf
}

// Size returns the dimensions of the owned surface; zero unless Mounted.
func (s *Slot) Size() (width, height int) {
	if surf := s.Surface(); surf != nil {
		return surf.Size()
	}
	return 0, 0
}

// Mount decodes source with m into the slot. It returns immediately when
// already mounted and joins the in-flight mount when one is running.
// ctx bounds only the wait of a joining caller and the decode itself.
func (s *Slot) Mount(ctx context.Context, m Mounter, source string) error {
	for {
		s.mu.Lock()
		switch s.state {
		case Mounted:
			s.mu.Unlock()
			return nil

		case Mounting, Unmounting:
			op, joining := s.op, s.state == Mounting
			s.mu.Unlock()
			select {
			case <-op.done:
			case <-ctx.Done():
				return ctx.Err()
			}
			if joining {
				return op.err
			}

		case Unmounted:
			op := &operation{done: make(chan struct{})}
			s.state, s.op, s.mounter = Mounting, op, m
			s.mu.Unlock()

			surf, err := m.Mount(ctx, source)

			s.mu.Lock()
			if err != nil {
				s.state, s.mounter = Unmounted, nil
			} else {
				s.state, s.surf = Mounted, surf
			}
			s.op, op.err = nil, err
			close(op.done)
			s.mu.Unlock()
			return err
		}
	}
}

// Unmount releases the owned surface. It is a no-op on an unmounted slot and
// waits for an in-flight mount before tearing its result down.
func (s *Slot) Unmount() error {
	for {
		s.mu.Lock()
		switch s.state {
		case Unmounted:
			s.mu.Unlock()
			return nil

		case Mounting:
			op := s.op
			s.mu.Unlock()
			<-op.done

		case Unmounting:
			op := s.op
			s.mu.Unlock()
			<-op.done
			return nil

		case Mounted:
			op := &operation{done: make(chan struct{})}
			surf, m := s.surf, s.mounter
			s.state, s.op, s.surf, s.mounter = Unmounting, op, nil, nil
			s.mu.Unlock()

			err := m.Unmount(surf)

			s.mu.Lock()
			s.state, s.op, op.err = Unmounted, nil, err
			close(op.done)
			s.mu.Unlock()
			return err
		}
	}
}

// Render clears out and draws the slot surface over it, zoomed by
// 1 + progress*ZoomFactor and centered. progress is the position within
// the frame in [0, 1]. It reports false, leaving out untouched, when the
// slot has nothing to show.
func (s *Slot) Render(out *surface.Surface, progress float64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != Mounted || s.surf == nil || s.surf.Empty() {
		return false, nil
	}

	if err := out.Clear(); err != nil {
		return false, err
	}
	w, h := out.Size()
	if err := out.Composite(s.surf, ZoomRect(w, h, progress)); err != nil {
		return false, err
	}
	return true, nil
}

// ZoomRect returns the destination rectangle of a w×h output scaled by
// 1 + progress*ZoomFactor and centered on the output.
func ZoomRect(w, h int, progress float64) image.Rectangle {
	progress = min(max(progress, 0), 1)
	scale := 1 + progress*ZoomFactor
	sw := int(math.Round(float64(w) * scale))
	sh := int(math.Round(float64(h) * scale))
	x := (w - sw) / 2
	y := (h - sh) / 2
	return image.Rect(x, y, x+sw, y+sh)
}
