package clock

import "time"

// Clock is the subset of the time package used by the sync layer.
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// After delivers the current time on the returned channel once d
	// has elapsed.
	After(d time.Duration) <-chan time.Time

	// AfterFunc calls f in its own goroutine (Real) or synchronously
	// from Advance (Fake) once d has elapsed.
	AfterFunc(d time.Duration, f func()) Timer
}

// Timer is a pending AfterFunc call.
type Timer interface {
	// Stop prevents the call from running. Reports false if the call
	// already ran or was already stopped.
	Stop() bool
}

// Real returns a Clock backed by the time package.
func Real() Clock { return realClock{} }

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

func (realClock) AfterFunc(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }
