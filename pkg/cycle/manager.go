package cycle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/facilityops/steritrack/pkg/clock"
	"github.com/facilityops/steritrack/pkg/events"
	"github.com/facilityops/steritrack/pkg/phase"
	"github.com/facilityops/steritrack/pkg/timer"
)

// ErrCycleNotComplete is returned by FinalizeCycle when tools are still
// occupying phases.
var ErrCycleNotComplete = errors.New("cycle has tools still in progress")

// ErrNoCurrentCycle is returned by FinalizeCycle when no cycle exists.
var ErrNoCurrentCycle = errors.New("no current cycle")

// DefaultOperator is recorded when a cycle is created implicitly by a
// tool scan rather than an explicit start.
const DefaultOperator = "system"

// Manager owns the single current cycle and serializes every mutation
// of its phase and tool collections.
type Manager struct {
	log       logrus.FieldLogger
	clk       clock.Clock
	store     Store
	tools     ToolRegistry
	timers    *timer.Registry
	notifier  events.Notifier
	gate      ComplianceGate
	durations map[string]int

	mu      sync.Mutex
	current *Cycle
	history []Cycle

	facilityID string
	loadGen    atomic.Uint64
}

// NewManager creates a cycle manager. durations maps phase ids to their
// nominal seconds; the gate may be nil when compliance checks are not
// wanted (tests).
func NewManager(
	log logrus.FieldLogger,
	clk clock.Clock,
	store Store,
	tools ToolRegistry,
	timers *timer.Registry,
	notifier events.Notifier,
	gate ComplianceGate,
	facilityID string,
	durations map[string]int,
) *Manager {
	return &Manager{
		log:        log.WithField("component", "cycle"),
		clk:        clk,
		store:      store,
		tools:      tools,
		timers:     timers,
		notifier:   notifier,
		gate:       gate,
		facilityID: facilityID,
		durations:  durations,
	}
}

// StartNewCycle replaces the current cycle with a fresh one. The cycle
// number is CYCLE-{YYYYMMDD}-{seq} where seq is a per-day counter from
// the store-backed sequence allocator.
func (m *Manager) StartNewCycle(ctx context.Context, operator string) (*Cycle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, err := m.startCycleLocked(ctx, operator)
	if err != nil {
		return nil, err
	}

	return c.clone(), nil
}

// startCycleLocked allocates and installs a fresh current cycle. Caller
// holds m.mu; the sequence allocation happens under the lock so two
// concurrent creators cannot both install a cycle.
func (m *Manager) startCycleLocked(ctx context.Context, operator string) (*Cycle, error) {
	if operator == "" {
		operator = DefaultOperator
	}

	now := m.clk.Now()
	dateKey := now.Format("20060102")

	seq, err := m.store.NextSequence(ctx, dateKey)
	if err != nil {
		return nil, fmt.Errorf("allocating cycle sequence: %w", err)
	}

	c := &Cycle{
		ID:          uuid.NewString(),
		CycleNumber: fmt.Sprintf("CYCLE-%s-%d", dateKey, seq),
		FacilityID:  m.facilityID,
		Operator:    operator,
		StartTime:   now,
		Phases:      []Phase{},
		Tools:       []string{},
	}

	m.current = c
	m.persistLocked(ctx)

	m.log.WithFields(logrus.Fields{
		"cycle_number": c.CycleNumber,
		"operator":     operator,
	}).Info("Cycle started")

	return c, nil
}

// AddTool appends a tool to the current cycle and places it in bath1,
// creating a cycle first when none exists. Adding an id already on the
// cycle is a no-op. The whole scan runs under the manager mutex so two
// near-simultaneous scans cannot each create an implicit cycle.
func (m *Manager) AddTool(ctx context.Context, toolID, operator string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current == nil {
		if _, err := m.startCycleLocked(ctx, operator); err != nil {
			return err
		}
	}

	c := m.current

	if c.hasTool(toolID) {
		return nil
	}

	c.Tools = append(c.Tools, toolID)

	idx := m.ensurePhaseLocked(phase.Bath1)
	c.Phases[idx].Tools = append(c.Phases[idx].Tools, toolID)

	if err := m.tools.UpdateToolPhase(ctx, toolID, phase.Bath1); err != nil {
		m.log.WithError(err).WithField("tool_id", toolID).
			Warn("Failed to update tool phase record")
	}

	m.persistLocked(ctx)

	return nil
}

// StartPhase activates a phase on the current cycle, creating it with
// the configured duration on first reference, and starts its timer.
// The compliance gate is consulted first; a gate error blocks the start.
func (m *Manager) StartPhase(ctx context.Context, phaseID string) error {
	if !phase.Known(phaseID) {
		return nil
	}

	if m.gate != nil {
		if err := m.gate.CheckPhaseStart(ctx, phaseID); err != nil {
			return fmt.Errorf("compliance gate: %w", err)
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current == nil {
		return nil
	}

	idx := m.ensurePhaseLocked(phaseID)
	p := &m.current.Phases[idx]

	if p.Status == StatusFailed {
		// Externally-reported terminal state; not restartable here.
		return nil
	}

	now := m.clk.Now()
	p.Status = StatusActive
	p.IsActive = true
	p.StartTime = &now
	p.EndTime = nil

	if err := m.timers.Start(phaseID, p.Duration); err != nil {
		return fmt.Errorf("starting phase timer: %w", err)
	}

	m.persistLocked(ctx)

	return nil
}

// CompletePhase marks a phase completed. Tools stay put; moving them is
// explicit via MoveToolToNextPhase or AdvancePhaseTools.
func (m *Manager) CompletePhase(ctx context.Context, phaseID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	idx := m.phaseIndexLocked(phaseID)
	if idx < 0 {
		return
	}

	now := m.clk.Now()
	p := &m.current.Phases[idx]
	p.Status = StatusCompleted
	p.IsActive = false
	p.EndTime = &now

	m.persistLocked(ctx)
}

// PausePhase suspends an active phase and its timer without losing
// elapsed time.
func (m *Manager) PausePhase(ctx context.Context, phaseID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	idx := m.phaseIndexLocked(phaseID)
	if idx < 0 {
		return
	}

	p := &m.current.Phases[idx]
	if p.Status != StatusActive {
		return
	}

	p.Status = StatusPaused
	p.IsActive = false

	m.timers.Pause(phaseID)
	m.persistLocked(ctx)
}

// ResumePhase reactivates a paused phase and its timer from the state
// preserved at pause time.
func (m *Manager) ResumePhase(ctx context.Context, phaseID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	idx := m.phaseIndexLocked(phaseID)
	if idx < 0 {
		return
	}

	p := &m.current.Phases[idx]
	if p.Status != StatusPaused {
		return
	}

	p.Status = StatusActive
	p.IsActive = true

	m.timers.Resume(phaseID)
	m.persistLocked(ctx)
}

// ResetPhase returns a phase slot to pristine pending state after its
// tools have moved on.
func (m *Manager) ResetPhase(ctx context.Context, phaseID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	idx := m.phaseIndexLocked(phaseID)
	if idx < 0 {
		return
	}

	m.resetPhaseLocked(idx)
	m.persistLocked(ctx)
}

// MoveToolToNextPhase advances a tool along the fixed phase order.
// P2-status tools terminate after drying instead of entering the
// autoclave; tools at the terminal phase are marked complete. A tool
// found in no phase is a no-op.
func (m *Manager) MoveToolToNextPhase(ctx context.Context, toolID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.moveToolLocked(ctx, toolID)
}

func (m *Manager) moveToolLocked(ctx context.Context, toolID string) error {
	if m.current == nil {
		return nil
	}

	c := m.current

	from := c.phaseContaining(toolID)
	if from < 0 {
		return nil
	}

	if c.Phases[from].Status == StatusFailed {
		// Terminal, non-advanceable.
		return nil
	}

	next, hasNext := phase.Next(c.Phases[from].ID)

	// A failed lookup leaves the tool where it is. Advancing on stale
	// data would let a P2 tool slip into the autoclave.
	tool, err := m.tools.FindTool(ctx, toolID)
	if err != nil {
		m.log.WithError(err).WithField("tool_id", toolID).
			Warn("Tool lookup failed, not advancing")

		return nil
	}

	skipsAutoclave := tool.IsP2Status && next == phase.Autoclave

	if !hasNext || skipsAutoclave {
		m.removeToolLocked(from, toolID)
		m.finishToolLocked(ctx, toolID, tool)
		m.persistLocked(ctx)

		return nil
	}

	m.removeToolLocked(from, toolID)

	idx := m.ensurePhaseLocked(next)
	c.Phases[idx].Tools = append(c.Phases[idx].Tools, toolID)

	if err := m.tools.UpdateToolPhase(ctx, toolID, next); err != nil {
		m.log.WithError(err).WithField("tool_id", toolID).
			Warn("Failed to update tool phase record")
	}

	m.persistLocked(ctx)

	return nil
}

// AdvancePhaseTools moves every tool currently in phaseID to its next
// phase, then resets the phase slot and its timer for the next batch.
// Failed phases are left untouched: their tools stay in place for audit
// until the cycle is cancelled.
func (m *Manager) AdvancePhaseTools(ctx context.Context, phaseID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	idx := m.phaseIndexLocked(phaseID)
	if idx < 0 {
		return nil
	}

	if m.current.Phases[idx].Status == StatusFailed {
		return nil
	}

	ids := append([]string(nil), m.current.Phases[idx].Tools...)
	for _, toolID := range ids {
		if err := m.moveToolLocked(ctx, toolID); err != nil {
			return err
		}
	}

	// Reset the slot only once every tool actually left it; a tool held
	// back by a failed lookup must not be wiped from the phase.
	if len(m.current.Phases[idx].Tools) == 0 {
		m.resetPhaseLocked(idx)
	}

	m.persistLocked(ctx)

	return nil
}

// CancelPhase fully unwinds the workflow: the cancelled phase's timer is
// stopped and reset synchronously, every tool is cleared from the entire
// cycle, and every phase returns to pending. Partial clears would leave
// orphaned tool state that blocks restarting with a fresh batch.
func (m *Manager) CancelPhase(ctx context.Context, phaseID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current == nil {
		return
	}

	m.timers.Reset(phaseID)

	cleared := map[string]struct{}{}

	for i := range m.current.Phases {
		for _, toolID := range m.current.Phases[i].Tools {
			cleared[toolID] = struct{}{}
		}

		m.resetPhaseLocked(i)
	}

	m.current.Tools = m.current.Tools[:0]

	for toolID := range cleared {
		if err := m.tools.UpdateToolPhase(ctx, toolID, phase.ToolPhaseNone); err != nil {
			m.log.WithError(err).WithField("tool_id", toolID).
				Warn("Failed to clear tool phase record")
		}
	}

	m.persistLocked(ctx)

	m.log.WithFields(logrus.Fields{
		"phase_id":      phaseID,
		"tools_cleared": len(cleared),
	}).Info("Phase cancelled, cycle unwound")
}

// FinalizeCycle completes the current cycle once no tools occupy any
// phase, moves it to history, and clears the current reference.
func (m *Manager) FinalizeCycle(ctx context.Context) (*Cycle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current == nil {
		return nil, ErrNoCurrentCycle
	}

	if m.current.activeToolCount() > 0 {
		return nil, ErrCycleNotComplete
	}

	now := m.clk.Now()
	m.current.CompletedAt = &now

	m.persistLocked(ctx)

	done := m.current.clone()
	m.history = append(m.history, *m.current.clone())
	m.current = nil

	m.log.WithField("cycle_number", done.CycleNumber).Info("Cycle finalized")

	return done, nil
}

// CurrentCycle returns a copy of the current cycle, or nil.
func (m *Manager) CurrentCycle() *Cycle {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current == nil {
		return nil
	}

	return m.current.clone()
}

// History returns a copy of the loaded cycle history plus cycles
// finalized this session.
func (m *Manager) History() []Cycle {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Cycle, len(m.history))
	copy(out, m.history)

	return out
}

// LoadHistory hydrates cycle history from storage. Concurrent calls are
// last-writer-wins by request order: results of a superseded load are
// discarded even if they arrive later. Storage errors leave the previous
// in-memory history untouched.
func (m *Manager) LoadHistory(ctx context.Context, facilityID string) error {
	gen := m.loadGen.Add(1)

	cycles, err := m.store.LoadCycles(ctx, facilityID)
	if err != nil {
		m.log.WithError(err).Warn("Cycle history load failed, keeping previous state")

		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if gen != m.loadGen.Load() {
		m.log.WithField("generation", gen).Debug("Discarding stale history load")

		return nil
	}

	m.history = cycles

	return nil
}

// --- internals (callers hold m.mu) ---

// ensurePhaseLocked returns the index of phaseID on the current cycle,
// creating it in pending state with the configured duration if missing.
func (m *Manager) ensurePhaseLocked(phaseID string) int {
	if idx := m.current.findPhase(phaseID); idx >= 0 {
		return idx
	}

	m.current.Phases = append(m.current.Phases, Phase{
		ID:       phaseID,
		Name:     phase.DisplayName(phaseID),
		Duration: m.durations[phaseID],
		Status:   StatusPending,
		Tools:    []string{},
	})

	return len(m.current.Phases) - 1
}

// phaseIndexLocked returns the index of phaseID, or -1 when there is no
// current cycle or the phase does not exist on it.
func (m *Manager) phaseIndexLocked(phaseID string) int {
	if m.current == nil {
		return -1
	}

	return m.current.findPhase(phaseID)
}

func (m *Manager) resetPhaseLocked(idx int) {
	p := &m.current.Phases[idx]
	p.Status = StatusPending
	p.IsActive = false
	p.StartTime = nil
	p.EndTime = nil
	p.Tools = p.Tools[:0]

	m.timers.Reset(p.ID)
}

func (m *Manager) removeToolLocked(phaseIdx int, toolID string) {
	tools := m.current.Phases[phaseIdx].Tools
	for i, id := range tools {
		if id == toolID {
			m.current.Phases[phaseIdx].Tools = append(tools[:i], tools[i+1:]...)

			return
		}
	}
}

// finishToolLocked marks a tool's run complete: cycle count incremented,
// phase record set to complete, retirement warning when the count hits
// the tool's maximum.
func (m *Manager) finishToolLocked(ctx context.Context, toolID string, tool *Tool) {
	if err := m.tools.UpdateToolPhase(ctx, toolID, phase.ToolPhaseComplete); err != nil {
		m.log.WithError(err).WithField("tool_id", toolID).
			Warn("Failed to mark tool complete")
	}

	count, err := m.tools.IncrementCycleCount(ctx, toolID)
	if err != nil {
		m.log.WithError(err).WithField("tool_id", toolID).
			Warn("Failed to increment tool cycle count")

		return
	}

	if tool != nil && tool.MaxCycles > 0 && count >= tool.MaxCycles {
		m.notifier.Notify(events.Event{
			Type:      events.TypeToolRetirementDue,
			ToolID:    toolID,
			CycleID:   m.current.ID,
			Detail:    fmt.Sprintf("tool %s reached %d of %d rated cycles", toolID, count, tool.MaxCycles),
			Timestamp: m.clk.Now(),
		})
	}
}

// persistLocked writes the current cycle through the storage
// collaborator, logging rather than failing on persistence errors.
func (m *Manager) persistLocked(ctx context.Context) {
	if m.current == nil {
		return
	}

	if err := m.store.PersistCycle(ctx, m.current); err != nil {
		m.log.WithError(err).Warn("Failed to persist cycle")
	}
}
