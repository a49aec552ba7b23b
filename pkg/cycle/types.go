// Package cycle models sterilization cycles: the per-phase state machine
// and the manager that owns the single current cycle.
package cycle

import (
	"context"
	"time"
)

// Phase statuses.
const (
	StatusPending   = "pending"
	StatusActive    = "active"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusPaused    = "paused"
)

// Phase is one step of a cycle and the set of tools currently in it.
type Phase struct {
	ID        string     `json:"id"`
	Name      string     `json:"name"`
	Duration  int        `json:"duration"`
	Status    string     `json:"status"`
	IsActive  bool       `json:"is_active"`
	StartTime *time.Time `json:"start_time,omitempty"`
	EndTime   *time.Time `json:"end_time,omitempty"`
	Tools     []string   `json:"tools"`
}

// Cycle is one batch run of tools through the phase sequence.
type Cycle struct {
	ID          string     `json:"id"`
	CycleNumber string     `json:"cycle_number"`
	FacilityID  string     `json:"facility_id"`
	Phases      []Phase    `json:"phases"`
	Tools       []string   `json:"tools"`
	Operator    string     `json:"operator"`
	StartTime   time.Time  `json:"start_time"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	BatchID     string     `json:"batch_id,omitempty"`
}

// Tool is the engine's view of a tool record. Identity fields are
// read-only here; only phase occupancy and cycle count are mutated
// through the ToolRegistry.
type Tool struct {
	ID           string     `json:"id"`
	Name         string     `json:"name"`
	Category     string     `json:"category"`
	CurrentPhase string     `json:"current_phase"`
	CycleCount   int        `json:"cycle_count"`
	MaxCycles    int        `json:"max_cycles,omitempty"`
	StartTime    *time.Time `json:"start_time,omitempty"`
	EndTime      *time.Time `json:"end_time,omitempty"`
	IsP2Status   bool       `json:"is_p2_status"`
}

// Store is the persistence collaborator for cycles.
type Store interface {
	LoadCycles(ctx context.Context, facilityID string) ([]Cycle, error)
	PersistCycle(ctx context.Context, c *Cycle) error
	NextSequence(ctx context.Context, dateKey string) (int, error)
}

// ToolRegistry is the tool-record collaborator.
type ToolRegistry interface {
	FindTool(ctx context.Context, id string) (*Tool, error)
	UpdateToolPhase(ctx context.Context, id, phaseID string) error
	IncrementCycleCount(ctx context.Context, id string) (int, error)
}

// ComplianceGate is consulted before phase starts. An error blocks the
// phase; nil allows it (possibly after emitting warnings).
type ComplianceGate interface {
	CheckPhaseStart(ctx context.Context, phaseID string) error
}

// findPhase returns the index of the phase with the given id, or -1.
func (c *Cycle) findPhase(id string) int {
	for i := range c.Phases {
		if c.Phases[i].ID == id {
			return i
		}
	}

	return -1
}

// phaseContaining returns the index of the phase whose tool set contains
// toolID, or -1. A tool id appears in at most one phase at a time.
func (c *Cycle) phaseContaining(toolID string) int {
	for i := range c.Phases {
		for _, id := range c.Phases[i].Tools {
			if id == toolID {
				return i
			}
		}
	}

	return -1
}

// hasTool reports whether toolID is on the cycle's union tool list.
func (c *Cycle) hasTool(toolID string) bool {
	for _, id := range c.Tools {
		if id == toolID {
			return true
		}
	}

	return false
}

// activeToolCount returns the number of tool ids across all phase sets.
func (c *Cycle) activeToolCount() int {
	n := 0
	for i := range c.Phases {
		n += len(c.Phases[i].Tools)
	}

	return n
}

// clone returns a deep copy safe to hand to callers.
func (c *Cycle) clone() *Cycle {
	out := *c

	out.Tools = append([]string(nil), c.Tools...)
	out.Phases = make([]Phase, len(c.Phases))

	for i := range c.Phases {
		p := c.Phases[i]
		p.Tools = append([]string(nil), p.Tools...)
		out.Phases[i] = p
	}

	return &out
}
