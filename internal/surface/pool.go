package surface

import (
	"bytes"
	"image"
	"sync"
)

// Scratch is a reusable decode handle: the fetched bytes of one source plus
// the completion callbacks of the load in progress.
type Scratch struct {
	Source  string
	Data    bytes.Buffer
	OnLoad  func(img image.Image)
	OnError func(err error)
}

// Reset clears the source, the buffered bytes and the callbacks.
func (sc *Scratch) Reset() {
	sc.Source = ""
	sc.Data.Reset()
	sc.OnLoad = nil
	sc.OnError = nil
}

// PoolStats is a snapshot of pool activity.
type PoolStats struct {
	SurfacesCreated uint64
	SurfacesReused  uint64
	SurfacesFree    int
	ScratchCreated  uint64
	ScratchReused   uint64
	ScratchFree     int
	FreeBytes       int
}

// Pool recycles surfaces per kind and scratch handles. It is the only place
// new surfaces are constructed, so its size settles at the number of slots
// ever mounted at the same time. There is no upper bound.
//
// Thread-safety: all methods are safe for concurrent use.
type Pool struct {
	mu      sync.Mutex
	free    map[Kind][]*Surface
	scratch []*Scratch
	stats   PoolStats
}

// NewPool returns an empty pool.
func NewPool() *Pool {
	return &Pool{free: make(map[Kind][]*Surface)}
}

// Acquire returns a free surface of the given kind or constructs one.
// Asking for KindTransferred on an empty list yields a fresh on-screen
// surface that the caller is expected to transfer.
func (p *Pool) Acquire(kind Kind) *Surface {
	p.mu.Lock()
	defer p.mu.Unlock()

	if list := p.free[kind]; len(list) > 0 {
		s := list[len(list)-1]
		list[len(list)-1] = nil
		p.free[kind] = list[:len(list)-1]
		p.stats.SurfacesReused++
		return s
	}

	p.stats.SurfacesCreated++
	if kind == KindTransferred {
		return New(KindOnScreen)
	}
	return New(kind)
}

// Release resets s to zero area and returns it to the free list of its
// kind. Transferred surfaces are returned untouched: only the worker may
// shrink them.
func (p *Pool) Release(s *Surface) {
	if s == nil {
		return
	}
	kind := s.Kind()
	if kind != KindTransferred {
		_ = s.Reset()
	}

	p.mu.Lock()
	p.free[kind] = append(p.free[kind], s)
	p.mu.Unlock()
}

// AcquireScratch returns a free scratch handle or constructs one.
func (p *Pool) AcquireScratch() *Scratch {
	p.mu.Lock()
	defer p.mu.Unlock()

	if n := len(p.scratch); n > 0 {
		sc := p.scratch[n-1]
		p.scratch[n-1] = nil
		p.scratch = p.scratch[:n-1]
		p.stats.ScratchReused++
		return sc
	}
	p.stats.ScratchCreated++
	return &Scratch{}
}

// ReleaseScratch clears sc and returns it to the free list.
func (p *Pool) ReleaseScratch(sc *Scratch) {
	if sc == nil {
		return
	}
	sc.Reset()

	p.mu.Lock()
	p.scratch = append(p.scratch, sc)
	p.mu.Unlock()
}

// Stats returns a snapshot of pool counters.
func (p *Pool) Stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()

	st := p.stats
	for _, list := range p.free {
		st.SurfacesFree += len(list)
		for _, s := range list {
			st.FreeBytes += s.Bytes()
		}
	}
	st.ScratchFree = len(p.scratch)
	for _, sc := range p.scratch {
		st.FreeBytes += sc.Data.Cap()
	}
	return st
}
