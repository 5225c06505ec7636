// Package wakeup implements the scheduler's wake-up notification: a single
// background goroutine waits on it, and any number of callers can signal it
// without blocking. Signals that arrive while the loop is already awake and
// working coalesce into at most one extra wake-up, so a burst of Register
// calls never queues more work than the loop can see by just running tick
// again.
package wakeup

// Signal is an auto-reset, coalescing notifier built on the standard Go
// idiom for this shape: a buffered channel of size 1, written to with a
// non-blocking send.
type Signal struct {
	ch chan struct{}
}

// New returns a Signal with no pending wake-up.
func New() *Signal {
	return &Signal{ch: make(chan struct{}, 1)}
}

// Set requests a wake-up. If one is already pending, this is a no-op: the
// waiter will still wake exactly once, which is enough, since it will see
// whatever new work arrived alongside this extra signal.
func (s *Signal) Set() {
	select {
	case s.ch <- struct{}{}:
	default:
	}
}

// Wait blocks until a wake-up is pending, then consumes it.
func (s *Signal) Wait() {
	<-s.ch
}

// WaitChan exposes the underlying channel for use in a select alongside a
// context's Done channel or a shutdown signal.
func (s *Signal) WaitChan() <-chan struct{} {
	return s.ch
}
