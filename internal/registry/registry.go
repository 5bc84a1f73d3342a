// Package registry tracks surfaces whose draw rights were handed to the
// decode worker.
//
// A transfer cannot be undone, so an entry lives as long as its surface.
// The first TransferOrReuse for a surface performs the transfer; later calls
// return the recorded id and no handle, meaning the worker already holds it.
package registry

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/e7canasta/framereel/internal/surface"
)

// Entry is the registry record of one transferred surface.
type Entry struct {
	ID string

	// Offscreen is set only on the first transfer. A nil Offscreen means the
	// worker already owns the surface and it must not be sent again.
	Offscreen *surface.Offscreen
}

// NotifyFunc tells the worker to shrink the surface registered under id.
type NotifyFunc func(id string) error

// Registry maps surfaces to their transfer ids.
type Registry struct {
	mu      sync.Mutex
	entries map[*surface.Surface]string
	notify  NotifyFunc

	transfers atomic.Uint64
}

// New returns an empty registry. notify may be nil, in which case Release
// only validates the surface.
func New(notify NotifyFunc) *Registry {
	return &Registry{
		entries: make(map[*surface.Surface]string),
		notify:  notify,
	}
}

// TransferOrReuse transfers s on first use and returns its entry. first
// reports whether this call performed the transfer.
func (r *Registry) TransferOrReuse(s *surface.Surface) (e Entry, first bool, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if id, ok := r.entries[s]; ok {
		return Entry{ID: id}, false, nil
	}

	off, err := s.TransferControl()
	if err != nil {
		return Entry{}, false, fmt.Errorf("transfer surface: %w", err)
	}
	id := uuid.NewString()
	r.entries[s] = id
	r.transfers.Add(1)
	return Entry{ID: id, Offscreen: off}, true, nil
}

// Release asks the worker to shrink s to zero area. The entry stays.
func (r *Registry) Release(s *surface.Surface) error {
	id, ok := r.Lookup(s)
	if !ok {
		return fmt.Errorf("release: surface was never transferred")
	}
	if r.notify == nil {
		return nil
	}
	return r.notify(id)
}

// Lookup returns the id recorded for s.
func (r *Registry) Lookup(s *surface.Surface) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.entries[s]
	return id, ok
}

// Len returns the number of transferred surfaces.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Transfers returns how many transfers were performed.
func (r *Registry) Transfers() uint64 { return r.transfers.Load() }
