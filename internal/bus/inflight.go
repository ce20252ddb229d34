package bus

import "sync"

// inflight tracks running deliveries. Once closed, enter refuses new work so the
// WaitGroup is never incremented concurrently with Wait.
type inflight struct {
	mu      sync.Mutex
	stopped bool
	wg      sync.WaitGroup
}

// enter registers a delivery. It returns false after close has begun.
func (f *inflight) enter() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.stopped {
		return false
	}
	f.wg.Add(1)
	return true
}

func (f *inflight) done() {
	f.wg.Done()
}

// close rejects further deliveries and waits for the registered ones.
func (f *inflight) close() {
	f.mu.Lock()
	f.stopped = true
	f.mu.Unlock()
	f.wg.Wait()
}
