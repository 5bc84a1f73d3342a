// Package eventbus fans playback events out to subscribers.
//
// Publish is called from the refresh loop and must never block it: channel
// subscribers lose events when their buffer is full (DropNew), latest-value
// subscribers only ever see the newest event (DropOld).
package eventbus

import (
	"sync"
	"sync/atomic"
)

type subscriber struct {
	policy  DropPolicy
	sent    atomic.Uint64
	dropped atomic.Uint64

	ch     chan<- Event
	latest *latestHolder
}

type bus struct {
	mu          sync.RWMutex
	subscribers map[string]*subscriber
	published   atomic.Uint64
	closed      bool
}

// New creates an empty bus.
func New() Bus {
	return &bus{subscribers: make(map[string]*subscriber)}
}

func (b *bus) add(id string, sub *subscriber) error {
	if b.closed {
		return ErrBusClosed
	}
	if _, exists := b.subscribers[id]; exists {
		return ErrSubscriberExists
	}
	b.subscribers[id] = sub
	return nil
}

// Subscribe registers ch with DropNew policy.
func (b *bus) Subscribe(id string, ch chan<- Event) error {
	if ch == nil {
		return ErrNilChannel
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.add(id, &subscriber{policy: DropNew, ch: ch})
}

// SubscribeLatest registers a DropOld subscriber.
func (b *bus) SubscribeLatest(id string) (Receiver, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	h := newLatestHolder()
	if err := b.add(id, &subscriber{policy: DropOld, latest: h}); err != nil {
		return nil, err
	}
	return h, nil
}

// Publish delivers ev to every subscriber.
func (b *bus) Publish(ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	b.published.Add(1)

	for _, sub := range b.subscribers {
		switch sub.policy {
		case DropNew:
			select {
			case sub.ch <- ev:
				sub.sent.Add(1)
			default:
				sub.dropped.Add(1)
			}
		case DropOld:
			if sub.latest.set(ev) == nil {
				sub.sent.Add(1)
			}
		}
	}
}

// Unsubscribe removes a subscriber. Channels are never closed by the bus.
func (b *bus) Unsubscribe(id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	sub, ok := b.subscribers[id]
	if !ok {
		return ErrSubscriberNotFound
	}
	if sub.latest != nil {
		sub.latest.Close()
	}
	delete(b.subscribers, id)
	return nil
}

// Stats returns delivery counters for id.
func (b *bus) Stats(id string) (SubscriberStats, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	sub, ok := b.subscribers[id]
	if !ok {
		return SubscriberStats{}, ErrSubscriberNotFound
	}
	return SubscriberStats{Sent: sub.sent.Load(), Dropped: sub.dropped.Load()}, nil
}

// Published returns the number of published events.
func (b *bus) Published() uint64 { return b.published.Load() }

// Close drops every subscriber. Later publishes are ignored.
func (b *bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, sub := range b.subscribers {
		if sub.latest != nil {
			sub.latest.Close()
		}
	}
	b.subscribers = nil
}

type latestHolder struct {
	mu     sync.Mutex
	cond   *sync.Cond
	ev     Event
	seq    uint64
	read   uint64
	closed bool
}

func newLatestHolder() *latestHolder {
	h := &latestHolder{}
	h.cond = sync.NewCond(&h.mu)
	return h
}

func (h *latestHolder) set(ev Event) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return ErrReceiverClosed
	}
	h.ev = ev
	h.seq++
	h.cond.Broadcast()
	return nil
}

func (h *latestHolder) Receive() (Event, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for h.seq == h.read && !h.closed {
		h.cond.Wait()
	}
	if h.closed {
		return Event{}, false
	}
	h.read = h.seq
	return h.ev, true
}

func (h *latestHolder) TryReceive() (Event, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.seq == 0 {
		return Event{}, false
	}
	h.read = h.seq
	return h.ev, true
}

func (h *latestHolder) Close() {
	h.mu.Lock()
	h.closed = true
	h.cond.Broadcast()
	h.mu.Unlock()
}
