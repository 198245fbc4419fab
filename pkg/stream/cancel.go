package stream

import "sync/atomic"

// Flag is a cancellation token shared between the copy pipeline and an
// external interrupt source, typically a signal handler. The zero value is
// ready to use and starts out not cancelled.
type Flag struct {
	cancelled atomic.Bool
}

// Cancel marks the flag. It is safe to call from any goroutine and may be
// called more than once.
func (f *Flag) Cancel() {
	f.cancelled.Store(true)
}

// Cancelled reports whether Cancel has been called. A nil flag is never
// cancelled, so callers that do not need cancellation can pass nil.
func (f *Flag) Cancelled() bool {
	if f == nil {
		return false
	}
	return f.cancelled.Load()
}
