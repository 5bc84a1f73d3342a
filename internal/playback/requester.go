package playback

import (
	"sync"
	"time"
)

// FrameRequester schedules a one-shot callback for the next display
// refresh. The callback receives the refresh timestamp, measured from an
// arbitrary but fixed origin.
type FrameRequester interface {
	RequestFrame(cb func(ts time.Duration))
}

// callbacks is a one-shot callback queue shared by the requesters.
type callbacks struct {
	mu      sync.Mutex
	pending []func(time.Duration)
}

func (c *callbacks) add(cb func(time.Duration)) {
	c.mu.Lock()
	c.pending = append(c.pending, cb)
	c.mu.Unlock()
}

// fire runs the callbacks queued before the call. Callbacks queued while
// firing wait for the next refresh.
func (c *callbacks) fire(ts time.Duration) int {
	c.mu.Lock()
	due := c.pending
	c.pending = nil
	c.mu.Unlock()

	for _, cb := range due {
		cb(ts)
	}
	return len(due)
}

func (c *callbacks) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// ManualRequester fires callbacks only when told to. It drives tests and
// external render loops that own the refresh, such as a window.
type ManualRequester struct {
	cbs callbacks
}

// NewManualRequester returns an idle manual requester.
func NewManualRequester() *ManualRequester {
	return &ManualRequester{}
}

// RequestFrame implements FrameRequester.
func (r *ManualRequester) RequestFrame(cb func(time.Duration)) { r.cbs.add(cb) }

// Fire runs the pending callbacks with ts and returns how many ran.
func (r *ManualRequester) Fire(ts time.Duration) int { return r.cbs.fire(ts) }

// Pending returns the number of callbacks waiting for a refresh.
func (r *ManualRequester) Pending() int { return r.cbs.len() }

// TickerRequester fires callbacks from a time.Ticker at a fixed rate.
type TickerRequester struct {
	cbs   callbacks
	start time.Time

	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// NewTickerRequester starts a refresh loop at hz refreshes per second.
func NewTickerRequester(hz int) *TickerRequester {
	if hz <= 0 {
		hz = 60
	}
	r := &TickerRequester{
		start: time.Now(),
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}
	go r.loop(time.Second / time.Duration(hz))
	return r
}

func (r *TickerRequester) loop(interval time.Duration) {
	defer close(r.done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-r.stop:
			return
		case now := <-ticker.C:
			r.cbs.fire(now.Sub(r.start))
		}
	}
}

// RequestFrame implements FrameRequester.
func (r *TickerRequester) RequestFrame(cb func(time.Duration)) { r.cbs.add(cb) }

// Stop ends the refresh loop. Pending callbacks never run.
func (r *TickerRequester) Stop() {
	r.stopOnce.Do(func() { close(r.stop) })
	<-r.done
}
