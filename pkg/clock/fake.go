package clock

import (
	"sort"
	"sync"
	"time"
)

// Fake is a deterministic Clock + Scheduler for tests. Time only moves
// when Advance is called; due callbacks fire synchronously on the
// advancing goroutine, in scheduled order.
type Fake struct {
	mu      sync.Mutex
	now     time.Time
	nextID  int
	pending []*fakeTimer
}

type fakeTimer struct {
	id       int
	deadline time.Time
	fn       func()
	stopped  bool
}

// NewFake creates a fake clock starting at the given instant.
func NewFake(start time.Time) *Fake {
	return &Fake{now: start}
}

// Now returns the fake current time.
func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.now
}

// AfterFunc registers fn to fire once the fake clock has advanced past d.
func (f *Fake) AfterFunc(d time.Duration, fn func()) CancelFunc {
	f.mu.Lock()
	defer f.mu.Unlock()

	t := &fakeTimer{
		id:       f.nextID,
		deadline: f.now.Add(d),
		fn:       fn,
	}
	f.nextID++
	f.pending = append(f.pending, t)

	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()

		t.stopped = true
	}
}

// Advance moves the fake clock forward by d, firing due callbacks in
// deadline order. Callbacks may schedule further callbacks (the timer
// registry re-arms itself every tick); those fire too if they fall
// within the advanced window.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	target := f.now.Add(d)
	f.mu.Unlock()

	for {
		t := f.popDue(target)
		if t == nil {
			break
		}

		t.fn()
	}

	f.mu.Lock()
	f.now = target
	f.mu.Unlock()
}

// Tick advances the clock by one second. Shorthand for the 1 Hz cadence
// the phase timers run on.
func (f *Fake) Tick() {
	f.Advance(time.Second)
}

// popDue removes and returns the earliest unstopped timer with a deadline
// at or before target, moving the fake now to that deadline so callbacks
// observe a consistent clock. Returns nil when nothing is due.
func (f *Fake) popDue(target time.Time) *fakeTimer {
	f.mu.Lock()
	defer f.mu.Unlock()

	sort.SliceStable(f.pending, func(i, j int) bool {
		if f.pending[i].deadline.Equal(f.pending[j].deadline) {
			return f.pending[i].id < f.pending[j].id
		}

		return f.pending[i].deadline.Before(f.pending[j].deadline)
	})

	for i, t := range f.pending {
		if t.stopped {
			continue
		}

		if t.deadline.After(target) {
			break
		}

		f.pending = append(f.pending[:i:i], f.pending[i+1:]...)
		f.now = t.deadline

		return t
	}

	return nil
}
