// Package clock abstracts the time source so expiry logic can be driven
// deterministically in tests.
package clock

import "time"

// Clock defines the time operations used by timeout-driven components.
type Clock interface {
	// Now returns the current local time.
	Now() time.Time

	// AfterFunc waits for the duration to elapse and then calls f in its own
	// goroutine. The returned Timer can cancel the call.
	AfterFunc(d time.Duration, f func()) Timer
}

// Timer is a cancellable pending callback.
type Timer interface {
	// Stop prevents the Timer from firing. It returns false if the timer has
	// already fired or been stopped.
	Stop() bool
}

type standardClock struct{}

// NewStandardClock returns a Clock backed by the time package.
func NewStandardClock() Clock {
	return standardClock{}
}

func (standardClock) Now() time.Time {
	return time.Now()
}

func (standardClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}
