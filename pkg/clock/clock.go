// Package clock abstracts wall-clock time and one-shot scheduling so the
// phase-timer engine can be driven deterministically in tests.
package clock

import "time"

// CancelFunc stops a scheduled callback. Calling it more than once is safe.
type CancelFunc func()

// Clock provides the current time.
type Clock interface {
	Now() time.Time
}

// Scheduler schedules a callback to run once after the given delay.
// The returned CancelFunc prevents the callback from firing if it has
// not fired yet.
type Scheduler interface {
	AfterFunc(d time.Duration, fn func()) CancelFunc
}

// SystemClock reads the real wall clock.
type SystemClock struct{}

// Now returns the current UTC time.
func (SystemClock) Now() time.Time {
	return time.Now().UTC()
}

// SystemScheduler schedules callbacks on the Go runtime timer heap.
type SystemScheduler struct{}

// AfterFunc schedules fn after d using time.AfterFunc.
func (SystemScheduler) AfterFunc(d time.Duration, fn func()) CancelFunc {
	t := time.AfterFunc(d, fn)

	return func() { t.Stop() }
}
