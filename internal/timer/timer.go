// Package timer provides cancellable scheduled tasks. Every timeout in the
// broker (interest fallback, reconnection grace, typing debounce, inactivity)
// is a Task owned by the entity it protects and stopped when that entity
// changes state.
package timer

import "time"

// Task is a scheduled callback that can be cancelled.
type Task interface {
	// Stop cancels the task. It reports whether the call prevented the
	// callback from running.
	Stop() bool
}

// Scheduler creates tasks and reports the current time.
type Scheduler interface {
	Now() time.Time
	AfterFunc(d time.Duration, fn func()) Task
}

// Real is the wall-clock Scheduler backed by time.AfterFunc.
type Real struct{}

// Now returns time.Now().
func (Real) Now() time.Time { return time.Now() }

// AfterFunc runs fn in its own goroutine after d.
func (Real) AfterFunc(d time.Duration, fn func()) Task {
	return time.AfterFunc(d, fn)
}

// Stop stops t if it is non-nil. It is safe to call on a nil Task.
func Stop(t Task) {
	if t != nil {
		t.Stop()
	}
}
