// Package ratelimit enforces a minimum spacing between outbound upstream calls.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Limiter serializes callers and guarantees at least minInterval between the
// moments consecutive Wait calls return. Waiters are served in arrival order.
type Limiter struct {
	interval time.Duration

	gate chan struct{}

	mu   sync.Mutex
	last time.Time

	closeOnce sync.Once
	closed    chan struct{}
}

// New creates a limiter with the given minimum interval between releases.
func New(minInterval time.Duration) *Limiter {
	l := &Limiter{
		interval: minInterval,
		gate:     make(chan struct{}, 1),
		closed:   make(chan struct{}),
	}
	l.gate <- struct{}{}
	return l
}

// NewMs creates a limiter from an interval in milliseconds.
func NewMs(minIntervalMs int64) *Limiter {
	return New(time.Duration(minIntervalMs) * time.Millisecond)
}

// Wait blocks until at least the configured interval has elapsed since the
// previous Wait returned. It returns early with an error when ctx is
// cancelled or the limiter is closed.
func (l *Limiter) Wait(ctx context.Context) error {
	select {
	case <-l.gate:
	case <-ctx.Done():
		return ctx.Err()
	case <-l.closed:
		return context.Canceled
	}
	defer func() { l.gate <- struct{}{} }()

	l.mu.Lock()
	wait := l.interval - time.Since(l.last)
	l.mu.Unlock()

	if wait > 0 {
		timer := time.NewTimer(wait)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return ctx.Err()
		case <-l.closed:
			return context.Canceled
		}
	}

	l.mu.Lock()
	l.last = time.Now()
	l.mu.Unlock()
	return nil
}

// Close releases all pending and future waiters with an error. Idempotent.
func (l *Limiter) Close() {
	l.closeOnce.Do(func() { close(l.closed) })
}
