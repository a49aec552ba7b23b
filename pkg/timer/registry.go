// Package timer implements the phase-timer registry: one independently
// ticking countdown/count-up timer per phase id, with pause/resume/reset
// and chemical over-exposure detection.
package timer

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/facilityops/steritrack/pkg/clock"
	"github.com/facilityops/steritrack/pkg/events"
	"github.com/facilityops/steritrack/pkg/phase"
)

const (
	// tickInterval is the cadence every active timer runs on.
	tickInterval = time.Second

	// maxDurationSeconds rejects misconfigured phase durations. Phases
	// run for minutes, not hours.
	maxDurationSeconds = 2 * 60 * 60
)

// ErrInvalidDuration is returned when a timer is started with a duration
// outside the accepted range.
var ErrInvalidDuration = errors.New("invalid timer duration")

// Snapshot is a point-in-time read of a single phase timer.
type Snapshot struct {
	PhaseID             string `json:"phase_id"`
	Duration            int    `json:"duration"`
	TimeRemaining       int    `json:"time_remaining"`
	ElapsedTime         int    `json:"elapsed_time"`
	IsRunning           bool   `json:"is_running"`
	Overexposed         bool   `json:"overexposed"`
	OverexposureSeconds int    `json:"overexposure_seconds"`
}

// Registry owns all phase timers. Operations on distinct phase ids are
// independent; starting a timer for an id atomically replaces any
// previous tick source for that id.
type Registry struct {
	log      logrus.FieldLogger
	clk      clock.Clock
	sched    clock.Scheduler
	notifier events.Notifier

	mu     sync.Mutex
	timers map[string]*phaseTimer
}

// phaseTimer is the registry's internal per-phase state. All fields are
// guarded by the registry mutex. gen invalidates ticks scheduled by a
// replaced or cancelled tick source.
type phaseTimer struct {
	id            string
	duration      int
	remaining     int
	elapsed       int
	running       bool
	overexposed   bool
	completeFired bool
	gen           uint64
	cancel        clock.CancelFunc
}

// NewRegistry creates an empty phase-timer registry.
func NewRegistry(
	log logrus.FieldLogger,
	clk clock.Clock,
	sched clock.Scheduler,
	notifier events.Notifier,
) *Registry {
	return &Registry{
		log:      log.WithField("component", "timer"),
		clk:      clk,
		sched:    sched,
		notifier: notifier,
		timers:   make(map[string]*phaseTimer),
	}
}

// Start creates or replaces the timer for phaseID and begins ticking.
// Drying counts up from zero open-ended and ignores duration; all other
// phases count down from duration (seconds). A pre-existing tick source
// for the same id is cancelled before the new one is armed.
func (r *Registry) Start(phaseID string, duration int) error {
	countsUp := phase.CountsUp(phaseID)

	if !countsUp && (duration <= 0 || duration > maxDurationSeconds) {
		return fmt.Errorf(
			"%w: phase %q duration %ds (want 1..%d)",
			ErrInvalidDuration, phaseID, duration, maxDurationSeconds,
		)
	}

	if countsUp {
		duration = 0
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if prev, ok := r.timers[phaseID]; ok {
		prev.stop()
	}

	t := &phaseTimer{
		id:        phaseID,
		duration:  duration,
		remaining: duration,
		running:   true,
	}
	r.timers[phaseID] = t

	r.armLocked(t)

	r.log.WithFields(logrus.Fields{
		"phase_id": phaseID,
		"duration": duration,
	}).Debug("Timer started")

	return nil
}

// Pause stops ticking for phaseID while preserving remaining and elapsed
// time. No-op when the timer does not exist or is already paused.
func (r *Registry) Pause(phaseID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.timers[phaseID]
	if !ok || !t.running {
		return
	}

	t.stop()
	t.running = false
}

// Resume restarts ticking from the preserved state. No-op when the timer
// does not exist or is already running.
func (r *Registry) Resume(phaseID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.timers[phaseID]
	if !ok || t.running {
		return
	}

	t.running = true
	r.armLocked(t)
}

// Reset stops the timer and restores its pristine state: full remaining
// time (zero for drying), zero elapsed, over-exposure cleared.
func (r *Registry) Reset(phaseID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.timers[phaseID]
	if !ok {
		return
	}

	t.stop()
	t.running = false
	t.remaining = t.duration
	t.elapsed = 0
	t.overexposed = false
	t.completeFired = false
}

// Get returns a snapshot of the timer for phaseID.
func (r *Registry) Get(phaseID string) (Snapshot, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.timers[phaseID]
	if !ok {
		return Snapshot{}, false
	}

	return t.snapshot(), true
}

// Snapshots returns all timers ordered by phase id.
func (r *Registry) Snapshots() []Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Snapshot, 0, len(r.timers))
	for _, t := range r.timers {
		out = append(out, t.snapshot())
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].PhaseID < out[j].PhaseID
	})

	return out
}

// StopAll cancels every tick source. Used on shutdown.
func (r *Registry) StopAll() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, t := range r.timers {
		t.stop()
		t.running = false
	}
}

// armLocked schedules the next tick for t. Caller holds r.mu.
func (r *Registry) armLocked(t *phaseTimer) {
	gen := t.gen
	id := t.id

	t.cancel = r.sched.AfterFunc(tickInterval, func() {
		r.tick(id, gen)
	})
}

// tick applies one second of progress to the timer identified by id,
// provided the tick source that scheduled it is still current. Events
// are emitted outside the lock; a panicking notifier is logged and
// ticking continues.
func (r *Registry) tick(id string, gen uint64) {
	var emit []events.Event

	r.mu.Lock()

	t, ok := r.timers[id]
	if !ok || t.gen != gen || !t.running {
		r.mu.Unlock()

		return
	}

	t.elapsed++

	if !phase.CountsUp(id) && t.remaining > 0 {
		t.remaining--
	}

	if phase.IsBath(id) && !t.overexposed && t.elapsed > t.duration {
		t.overexposed = true
		emit = append(emit, events.Event{
			Type:     events.TypePhaseOverexposed,
			PhaseID:  id,
			Detail:   fmt.Sprintf("%s exceeded its %ds soak time", phase.DisplayName(id), t.duration),
			Critical: true,
		})
	}

	if id == phase.Autoclave && !t.completeFired && t.elapsed == t.duration {
		t.completeFired = true
		emit = append(emit, events.Event{
			Type:    events.TypeCycleSterilizationComplete,
			PhaseID: id,
			Detail:  "autoclave sterilization time reached",
		})
	}

	r.armLocked(t)
	r.mu.Unlock()

	for _, ev := range emit {
		ev.Timestamp = r.clk.Now()
		r.notify(ev)
	}
}

// notify forwards an event to the notifier, recovering from panics so a
// misbehaving subscriber cannot stop the tick loop.
func (r *Registry) notify(ev events.Event) {
	defer func() {
		if rec := recover(); rec != nil {
			r.log.WithField("panic", rec).
				WithField("type", ev.Type).
				Error("Notifier panicked handling timer event")
		}
	}()

	r.notifier.Notify(ev)
}

// stop cancels the pending tick and invalidates any tick already in
// flight for this source.
func (t *phaseTimer) stop() {
	if t.cancel != nil {
		t.cancel()
		t.cancel = nil
	}

	t.gen++
}

func (t *phaseTimer) snapshot() Snapshot {
	s := Snapshot{
		PhaseID:       t.id,
		Duration:      t.duration,
		TimeRemaining: t.remaining,
		ElapsedTime:   t.elapsed,
		IsRunning:     t.running,
		Overexposed:   t.overexposed,
	}

	if phase.IsBath(t.id) && t.elapsed > t.duration {
		s.OverexposureSeconds = t.elapsed - t.duration
	}

	return s
}
