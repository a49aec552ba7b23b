// Package events carries engine notifications to alerting and
// presentation layers. The engine only emits; it never formats.
package events

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Event types emitted by the engine.
const (
	TypePhaseOverexposed           = "phase_overexposed"
	TypeCycleSterilizationComplete = "cycle_sterilization_complete"
	TypeBITestOverdue              = "bi_test_overdue"
	TypeBITestFailedCritical       = "bi_test_failed_critical"
	TypeToolRetirementDue          = "tool_retirement_due"
)

// Event is a single engine notification.
type Event struct {
	Type      string    `json:"type"`
	PhaseID   string    `json:"phase_id,omitempty"`
	CycleID   string    `json:"cycle_id,omitempty"`
	ToolID    string    `json:"tool_id,omitempty"`
	Detail    string    `json:"detail,omitempty"`
	Critical  bool      `json:"critical"`
	Timestamp time.Time `json:"timestamp"`
}

// Notifier receives engine events. Implementations must not block.
type Notifier interface {
	Notify(ev Event)
}

// NotifierFunc adapts a function to the Notifier interface.
type NotifierFunc func(ev Event)

// Notify calls fn(ev).
func (fn NotifierFunc) Notify(ev Event) { fn(ev) }

// LogNotifier writes events to the structured log.
type LogNotifier struct {
	log logrus.FieldLogger
}

// NewLogNotifier creates a notifier that logs every event.
func NewLogNotifier(log logrus.FieldLogger) *LogNotifier {
	return &LogNotifier{log: log.WithField("component", "events")}
}

// Notify logs the event, at warning level when critical.
func (n *LogNotifier) Notify(ev Event) {
	entry := n.log.WithFields(logrus.Fields{
		"type":     ev.Type,
		"phase_id": ev.PhaseID,
		"cycle_id": ev.CycleID,
		"tool_id":  ev.ToolID,
	})

	if ev.Critical {
		entry.Warn(ev.Detail)

		return
	}

	entry.Info(ev.Detail)
}

// Bus fans events out to subscribers and retains a bounded window of
// recent events for the alerts read model.
type Bus struct {
	mu       sync.Mutex
	sinks    []Notifier
	recent   []Event
	capacity int
}

// NewBus creates a bus retaining up to capacity recent events.
func NewBus(capacity int, sinks ...Notifier) *Bus {
	if capacity <= 0 {
		capacity = 100
	}

	return &Bus{sinks: sinks, capacity: capacity}
}

// Subscribe adds a notifier that will receive all future events.
func (b *Bus) Subscribe(n Notifier) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.sinks = append(b.sinks, n)
}

// Notify records the event and forwards it to all subscribers.
func (b *Bus) Notify(ev Event) {
	b.mu.Lock()

	b.recent = append(b.recent, ev)
	if len(b.recent) > b.capacity {
		b.recent = b.recent[len(b.recent)-b.capacity:]
	}

	sinks := make([]Notifier, len(b.sinks))
	copy(sinks, b.sinks)

	b.mu.Unlock()

	for _, s := range sinks {
		dispatch(s, ev)
	}
}

// dispatch forwards one event to one sink, recovering from panics so a
// misbehaving subscriber cannot take down the emitter.
func dispatch(n Notifier, ev Event) {
	defer func() {
		if rec := recover(); rec != nil {
			logrus.WithFields(logrus.Fields{
				"type":  ev.Type,
				"panic": rec,
			}).Error("Event subscriber panicked")
		}
	}()

	n.Notify(ev)
}

// Recent returns the retained events, newest last.
func (b *Bus) Recent() []Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]Event, len(b.recent))
	copy(out, b.recent)

	return out
}
