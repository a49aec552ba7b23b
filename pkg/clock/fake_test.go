package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFakeAdvanceFiresInOrder(t *testing.T) {
	f := NewFake(time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC))

	var fired []string

	f.AfterFunc(2*time.Second, func() { fired = append(fired, "b") })
	f.AfterFunc(1*time.Second, func() { fired = append(fired, "a") })
	f.AfterFunc(5*time.Second, func() { fired = append(fired, "c") })

	f.Advance(3 * time.Second)

	assert.Equal(t, []string{"a", "b"}, fired)

	f.Advance(2 * time.Second)

	assert.Equal(t, []string{"a", "b", "c"}, fired)
}

func TestFakeCancelPreventsFire(t *testing.T) {
	f := NewFake(time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC))

	fired := false
	cancel := f.AfterFunc(time.Second, func() { fired = true })

	cancel()
	f.Advance(5 * time.Second)

	assert.False(t, fired)
}

func TestFakeRearmingCallbackChains(t *testing.T) {
	f := NewFake(time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC))

	// A callback that re-arms itself every second, like the timer
	// registry's tick loop.
	ticks := 0

	var arm func()
	arm = func() {
		f.AfterFunc(time.Second, func() {
			ticks++

			arm()
		})
	}
	arm()

	f.Advance(10 * time.Second)

	assert.Equal(t, 10, ticks)
}

func TestFakeNowAdvances(t *testing.T) {
	start := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	f := NewFake(start)

	f.Advance(90 * time.Second)

	assert.Equal(t, start.Add(90*time.Second), f.Now())
}
