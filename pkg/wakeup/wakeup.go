// Package wakeup provides a coalescing cross-goroutine wakeup signal.
//
// A Signal interrupts a goroutine blocked in a select over several readiness
// sources. Notifications are level-independent: any number of Notify calls
// made before the waiter looks collapse into a single pending wakeup, and a
// Notify issued before the wait starts is never lost.
package wakeup

import (
	"context"
	"time"
)

// Signal is a single-slot wakeup primitive.
type Signal struct {
	ch chan struct{}
}

// New creates a signal with no pending wakeup.
func New() *Signal {
	return &Signal{ch: make(chan struct{}, 1)}
}

// Notify makes one wakeup pending. It never blocks.
func (s *Signal) Notify() {
	select {
	case s.ch <- struct{}{}:
	default:
	}
}

// C returns the wait handle. A receive consumes the pending wakeup.
func (s *Signal) C() <-chan struct{} {
	return s.ch
}

// Drain consumes a pending wakeup and reports whether there was one.
func (s *Signal) Drain() bool {
	select {
	case <-s.ch:
		return true
	default:
		return false
	}
}

// Wait blocks until a wakeup arrives, the timeout elapses or ctx is done.
// It reports whether it was woken by Notify. A non-positive timeout waits
// without a deadline.
func (s *Signal) Wait(ctx context.Context, timeout time.Duration) bool {
	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case <-s.ch:
		return true
	case <-expired:
		return false
	case <-ctx.Done():
		return false
	}
}
