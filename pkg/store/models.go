package store

import (
	"time"
)

// CycleRecord is the persisted form of a sterilization cycle. Phase and
// tool collections are stored as JSON documents so that partial or
// malformed records degrade to empty collections on load instead of
// failing the whole hydration.
type CycleRecord struct {
	ID          string     `gorm:"primaryKey" json:"id"`
	CycleNumber string     `gorm:"uniqueIndex;not null" json:"cycle_number"`
	FacilityID  string     `gorm:"index;not null" json:"facility_id"`
	Operator    string     `gorm:"not null" json:"operator"`
	StartTime   time.Time  `gorm:"not null" json:"start_time"`
	CompletedAt *time.Time `json:"completed_at"`
	BatchID     string     `json:"batch_id"`
	PhasesJSON  string     `gorm:"type:text" json:"-"`
	ToolsJSON   string     `gorm:"type:text" json:"-"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// BITestRecord is one entry of the append-only BI test log.
type BITestRecord struct {
	ID         uint      `gorm:"primaryKey" json:"id"`
	FacilityID string    `gorm:"index;not null" json:"facility_id"`
	Date       time.Time `gorm:"index;not null" json:"date"`
	Status     string    `gorm:"not null" json:"status"`
	Operator   string    `gorm:"not null" json:"operator"`
	CycleID    string    `json:"cycle_id"`
	CreatedAt  time.Time `json:"created_at"`
}

// ToolRecord is a facility tool. Identity fields are owned by the
// inventory module; the engine only mutates phase occupancy, cycle
// count, and the occupancy timestamps.
type ToolRecord struct {
	ID           string     `gorm:"primaryKey" json:"id"`
	FacilityID   string     `gorm:"index;not null" json:"facility_id"`
	Name         string     `gorm:"not null" json:"name"`
	Category     string     `json:"category"`
	CurrentPhase string     `gorm:"not null" json:"current_phase"`
	CycleCount   int        `gorm:"not null" json:"cycle_count"`
	MaxCycles    int        `json:"max_cycles"`
	IsP2Status   bool       `json:"is_p2_status"`
	StartTime    *time.Time `json:"start_time"`
	EndTime      *time.Time `json:"end_time"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// CycleSequence backs the per-day cycle-number allocator.
type CycleSequence struct {
	DateKey string `gorm:"primaryKey" json:"date_key"`
	Counter int    `gorm:"not null" json:"counter"`
}
