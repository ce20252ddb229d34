package bus

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrClosed is returned when sending on a closed MemoryBus.
var ErrClosed = errors.New("bus closed")

// MemoryBus is an in-process transport with the same delivery contract as the
// JetStream consumer: asynchronous, redelivered on Nak up to maxDeliver times.
type MemoryBus struct {
	mu     sync.RWMutex
	subs   []memorySubscription
	closed bool

	maxDeliver int
	retryDelay time.Duration
	logger     *slog.Logger
	wg         sync.WaitGroup
}

type memorySubscription struct {
	patterns   []string
	dispatcher *Dispatcher
}

// NewMemoryBus constructs a bus. maxDeliver <= 0 means a single attempt.
func NewMemoryBus(maxDeliver int, retryDelay time.Duration, logger *slog.Logger) *MemoryBus {
	if maxDeliver <= 0 {
		maxDeliver = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &MemoryBus{maxDeliver: maxDeliver, retryDelay: retryDelay, logger: logger}
}

// Subscribe registers a dispatcher for subjects matching any of patterns.
func (b *MemoryBus) Subscribe(patterns []string, dispatcher *Dispatcher) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = append(b.subs, memorySubscription{patterns: append([]string(nil), patterns...), dispatcher: dispatcher})
}

// Send delivers data to every matching subscription in the background.
func (b *MemoryBus) Send(_ context.Context, subject, msgID string, data []byte) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrClosed
	}
	for _, sub := range b.subs {
		if !sub.matches(subject) {
			continue
		}
		b.wg.Add(1)
		go b.deliver(sub.dispatcher, subject, msgID, append([]byte(nil), data...))
	}
	return nil
}

// Wait blocks until every in-flight delivery has settled.
func (b *MemoryBus) Wait() {
	b.wg.Wait()
}

// Close rejects further sends and waits for in-flight deliveries.
func (b *MemoryBus) Close() {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	b.wg.Wait()
}

func (b *MemoryBus) deliver(d *Dispatcher, subject, msgID string, data []byte) {
	defer b.wg.Done()
	for attempt := 1; attempt <= b.maxDeliver; attempt++ {
		disposition := d.Dispatch(context.Background(), data)
		if disposition != Nak {
			return
		}
		if attempt < b.maxDeliver && b.retryDelay > 0 {
			time.Sleep(b.retryDelay)
		}
	}
	b.logger.Warn("delivery exhausted",
		slog.String("subject", subject),
		slog.String("event_id", msgID),
		slog.Int("attempts", b.maxDeliver))
}

func (s memorySubscription) matches(subject string) bool {
	for _, pattern := range s.patterns {
		if subjectMatches(pattern, subject) {
			return true
		}
	}
	return false
}
