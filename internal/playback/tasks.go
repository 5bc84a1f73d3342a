package playback

import "sync"

// TaskSet tracks fire-and-forget background work so that it can be waited
// for. After Shutdown no new task starts.
type TaskSet struct {
	mu     sync.Mutex
	wg     sync.WaitGroup
	closed bool
}

// Go runs fn in a new goroutine. It reports false, without running fn,
// once Shutdown was called.
func (t *TaskSet) Go(fn func()) bool {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return false
	}
	t.wg.Add(1)
	t.mu.Unlock()

	go func() {
		defer t.wg.Done()
		fn()
	}()
	return true
}

// Shutdown refuses new tasks and waits for the running ones.
func (t *TaskSet) Shutdown() {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
	t.wg.Wait()
}
