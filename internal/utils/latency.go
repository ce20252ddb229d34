package utils

import (
	"sort"
	"sync"
	"time"
)

// LatencyWindow keeps the most recent durations in a ring and answers percentile queries.
type LatencyWindow struct {
	mu      sync.Mutex
	samples []time.Duration
	next    int
	full    bool
}

// NewLatencyWindow creates a window holding up to size samples.
func NewLatencyWindow(size int) *LatencyWindow {
	if size <= 0 {
		size = 512
	}
	return &LatencyWindow{samples: make([]time.Duration, size)}
}

// Observe records a new duration, overwriting the oldest sample once full.
func (l *LatencyWindow) Observe(d time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.samples[l.next] = d
	l.next++
	if l.next == len(l.samples) {
		l.next = 0
		l.full = true
	}
}

// Percentile returns the nearest-rank percentile (0-100). Zero when empty.
func (l *LatencyWindow) Percentile(p float64) time.Duration {
	l.mu.Lock()
	sorted := append([]time.Duration(nil), l.window()...)
	l.mu.Unlock()

	if len(sorted) == 0 {
		return 0
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	switch {
	case p <= 0:
		return sorted[0]
	case p >= 100:
		return sorted[len(sorted)-1]
	}
	return sorted[int((p/100.0)*float64(len(sorted)-1))]
}

// Count returns number of samples currently held.
func (l *LatencyWindow) Count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.window())
}

// Reset drops all samples.
func (l *LatencyWindow) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.next = 0
	l.full = false
}

func (l *LatencyWindow) window() []time.Duration {
	if l.full {
		return l.samples
	}
	return l.samples[:l.next]
}
