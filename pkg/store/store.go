// Package store provides gorm-backed persistence for cycles, BI test
// results, tools, and the per-day cycle sequence counter.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/facilityops/steritrack/pkg/bi"
	"github.com/facilityops/steritrack/pkg/clock"
	"github.com/facilityops/steritrack/pkg/config"
	"github.com/facilityops/steritrack/pkg/cycle"
	"github.com/facilityops/steritrack/pkg/phase"
)

// Store persists engine state. It implements the cycle manager's Store
// and ToolRegistry collaborators, the BI gate's Store, and the stats
// service's Source.
type Store interface {
	Start(ctx context.Context) error
	Stop() error

	// Cycles.
	LoadCycles(ctx context.Context, facilityID string) ([]cycle.Cycle, error)
	PersistCycle(ctx context.Context, c *cycle.Cycle) error
	NextSequence(ctx context.Context, dateKey string) (int, error)

	// BI test log.
	AppendBITestResult(ctx context.Context, r *bi.TestResult) error
	LoadBITestHistory(ctx context.Context, facilityID string, window time.Duration) ([]bi.TestResult, error)

	// Tool registry.
	FindTool(ctx context.Context, id string) (*cycle.Tool, error)
	ListTools(ctx context.Context, facilityID string) ([]cycle.Tool, error)
	UpdateToolPhase(ctx context.Context, id, phaseID string) error
	IncrementCycleCount(ctx context.Context, id string) (int, error)

	// Seeding from config.
	SeedTools(ctx context.Context, facilityID string, seeds []config.ToolSeed) error
}

// Compile-time interface check.
var _ Store = (*store)(nil)

type store struct {
	log logrus.FieldLogger
	cfg *config.DatabaseConfig
	clk clock.Clock
	db  *gorm.DB
}

// NewStore creates a new Store backed by the configured database driver.
func NewStore(
	log logrus.FieldLogger,
	cfg *config.DatabaseConfig,
	clk clock.Clock,
) Store {
	return &store{
		log: log.WithField("component", "store"),
		cfg: cfg,
		clk: clk,
	}
}

// Start opens the database connection and runs migrations.
func (s *store) Start(ctx context.Context) error {
	var dialector gorm.Dialector

	gormCfg := &gorm.Config{
		Logger: logger.Discard,
	}

	switch s.cfg.Driver {
	case "sqlite":
		dialector = sqlite.Open(s.cfg.SQLite.Path)
	case "postgres":
		dsn := fmt.Sprintf(
			"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			s.cfg.Postgres.Host,
			s.cfg.Postgres.Port,
			s.cfg.Postgres.User,
			s.cfg.Postgres.Password,
			s.cfg.Postgres.Database,
			s.cfg.Postgres.SSLMode,
		)
		dialector = postgres.Open(dsn)
	default:
		return fmt.Errorf("unsupported database driver: %s", s.cfg.Driver)
	}

	db, err := gorm.Open(dialector, gormCfg)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}

	s.db = db

	if err := s.db.WithContext(ctx).AutoMigrate(
		&CycleRecord{},
		&BITestRecord{},
		&ToolRecord{},
		&CycleSequence{},
	); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}

	s.log.WithField("driver", s.cfg.Driver).Info("Database connected")

	return nil
}

// Stop closes the underlying database connection.
func (s *store) Stop() error {
	if s.db == nil {
		return nil
	}

	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("getting underlying db: %w", err)
	}

	return sqlDB.Close()
}

// --- Cycles ---

// LoadCycles returns the facility's cycle history, newest last. Records
// with malformed phase or tool documents hydrate with empty collections.
func (s *store) LoadCycles(
	ctx context.Context, facilityID string,
) ([]cycle.Cycle, error) {
	var records []CycleRecord
	if err := s.db.WithContext(ctx).
		Where("facility_id = ?", facilityID).
		Order("start_time ASC").
		Find(&records).Error; err != nil {
		return nil, fmt.Errorf("loading cycles: %w", err)
	}

	cycles := make([]cycle.Cycle, 0, len(records))
	for i := range records {
		cycles = append(cycles, s.toCycle(&records[i]))
	}

	return cycles, nil
}

// PersistCycle upserts a cycle by id.
func (s *store) PersistCycle(ctx context.Context, c *cycle.Cycle) error {
	phases, err := json.Marshal(c.Phases)
	if err != nil {
		return fmt.Errorf("encoding phases: %w", err)
	}

	tools, err := json.Marshal(c.Tools)
	if err != nil {
		return fmt.Errorf("encoding tools: %w", err)
	}

	rec := CycleRecord{
		ID:          c.ID,
		CycleNumber: c.CycleNumber,
		FacilityID:  c.FacilityID,
		Operator:    c.Operator,
		StartTime:   c.StartTime,
		CompletedAt: c.CompletedAt,
		BatchID:     c.BatchID,
		PhasesJSON:  string(phases),
		ToolsJSON:   string(tools),
	}

	if err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			UpdateAll: true,
		}).
		Create(&rec).Error; err != nil {
		return fmt.Errorf("persisting cycle: %w", err)
	}

	return nil
}

// NextSequence atomically increments and returns the per-day cycle
// counter for dateKey. Counters for past days are left to accumulate;
// each new day starts at 1.
func (s *store) NextSequence(
	ctx context.Context, dateKey string,
) (int, error) {
	var next int

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var seq CycleSequence

		if err := tx.
			Where(CycleSequence{DateKey: dateKey}).
			FirstOrCreate(&seq).Error; err != nil {
			return fmt.Errorf("loading sequence: %w", err)
		}

		seq.Counter++
		next = seq.Counter

		if err := tx.Save(&seq).Error; err != nil {
			return fmt.Errorf("saving sequence: %w", err)
		}

		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("allocating sequence %q: %w", dateKey, err)
	}

	return next, nil
}

// --- BI test log ---

func (s *store) AppendBITestResult(
	ctx context.Context, r *bi.TestResult,
) error {
	rec := BITestRecord{
		FacilityID: r.FacilityID,
		Date:       r.Date,
		Status:     r.Status,
		Operator:   r.Operator,
		CycleID:    r.CycleID,
	}

	if err := s.db.WithContext(ctx).Create(&rec).Error; err != nil {
		return fmt.Errorf("appending BI test result: %w", err)
	}

	r.ID = fmt.Sprintf("%d", rec.ID)

	return nil
}

func (s *store) LoadBITestHistory(
	ctx context.Context, facilityID string, window time.Duration,
) ([]bi.TestResult, error) {
	var records []BITestRecord

	cutoff := s.clk.Now().Add(-window)

	if err := s.db.WithContext(ctx).
		Where("facility_id = ? AND date >= ?", facilityID, cutoff).
		Order("date ASC").
		Find(&records).Error; err != nil {
		return nil, fmt.Errorf("loading BI test history: %w", err)
	}

	results := make([]bi.TestResult, 0, len(records))
	for _, rec := range records {
		results = append(results, bi.TestResult{
			ID:         fmt.Sprintf("%d", rec.ID),
			FacilityID: rec.FacilityID,
			Date:       rec.Date,
			Status:     rec.Status,
			Operator:   rec.Operator,
			CycleID:    rec.CycleID,
		})
	}

	return results, nil
}

// --- Tool registry ---

func (s *store) FindTool(
	ctx context.Context, id string,
) (*cycle.Tool, error) {
	var rec ToolRecord
	if err := s.db.WithContext(ctx).
		First(&rec, "id = ?", id).Error; err != nil {
		return nil, fmt.Errorf("finding tool %q: %w", id, err)
	}

	t := toTool(&rec)

	return &t, nil
}

func (s *store) ListTools(
	ctx context.Context, facilityID string,
) ([]cycle.Tool, error) {
	var records []ToolRecord
	if err := s.db.WithContext(ctx).
		Where("facility_id = ?", facilityID).
		Order("id ASC").
		Find(&records).Error; err != nil {
		return nil, fmt.Errorf("listing tools: %w", err)
	}

	tools := make([]cycle.Tool, 0, len(records))
	for i := range records {
		tools = append(tools, toTool(&records[i]))
	}

	return tools, nil
}

// UpdateToolPhase sets a tool's phase occupancy and maintains its
// occupancy timestamps: entering a workflow phase stamps a new start,
// finishing stamps the end, clearing wipes both.
func (s *store) UpdateToolPhase(
	ctx context.Context, id, phaseID string,
) error {
	now := s.clk.Now()

	updates := map[string]any{"current_phase": phaseID}

	switch {
	case phase.Known(phaseID):
		if phaseID == phase.Bath1 {
			updates["start_time"] = now
			updates["end_time"] = nil
		}
	case phaseID == phase.ToolPhaseComplete,
		phaseID == phase.ToolPhaseFailed:
		updates["end_time"] = now
	case phaseID == phase.ToolPhaseNone:
		updates["start_time"] = nil
		updates["end_time"] = nil
	}

	if err := s.db.WithContext(ctx).
		Model(&ToolRecord{}).
		Where("id = ?", id).
		Updates(updates).Error; err != nil {
		return fmt.Errorf("updating tool phase: %w", err)
	}

	return nil
}

func (s *store) IncrementCycleCount(
	ctx context.Context, id string,
) (int, error) {
	var count int

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var rec ToolRecord

		if err := tx.First(&rec, "id = ?", id).Error; err != nil {
			return fmt.Errorf("finding tool: %w", err)
		}

		rec.CycleCount++
		count = rec.CycleCount

		if err := tx.Model(&ToolRecord{}).
			Where("id = ?", id).
			Update("cycle_count", rec.CycleCount).Error; err != nil {
			return fmt.Errorf("updating cycle count: %w", err)
		}

		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("incrementing cycle count for %q: %w", id, err)
	}

	return count, nil
}

// SeedTools upserts config-sourced tool records, preserving runtime
// fields (phase occupancy, cycle counts) of existing rows.
func (s *store) SeedTools(
	ctx context.Context, facilityID string, seeds []config.ToolSeed,
) error {
	for _, seed := range seeds {
		rec := ToolRecord{
			ID:           seed.ID,
			FacilityID:   facilityID,
			Name:         seed.Name,
			Category:     seed.Category,
			MaxCycles:    seed.MaxCycles,
			IsP2Status:   seed.IsP2Status,
			CurrentPhase: phase.ToolPhaseNone,
		}

		if err := s.db.WithContext(ctx).
			Where("id = ?", seed.ID).
			Assign(map[string]any{
				"name":         seed.Name,
				"category":     seed.Category,
				"max_cycles":   seed.MaxCycles,
				"is_p2_status": seed.IsP2Status,
			}).
			FirstOrCreate(&rec).Error; err != nil {
			return fmt.Errorf("seeding tool %q: %w", seed.ID, err)
		}
	}

	if len(seeds) > 0 {
		s.log.WithField("count", len(seeds)).
			Info("Seeded tools from config")
	}

	return nil
}

// --- conversions ---

// toCycle hydrates a domain cycle, substituting empty collections for
// missing or malformed phase and tool documents.
func (s *store) toCycle(rec *CycleRecord) cycle.Cycle {
	c := cycle.Cycle{
		ID:          rec.ID,
		CycleNumber: rec.CycleNumber,
		FacilityID:  rec.FacilityID,
		Operator:    rec.Operator,
		StartTime:   rec.StartTime,
		CompletedAt: rec.CompletedAt,
		BatchID:     rec.BatchID,
		Phases:      []cycle.Phase{},
		Tools:       []string{},
	}

	if rec.PhasesJSON != "" {
		if err := json.Unmarshal([]byte(rec.PhasesJSON), &c.Phases); err != nil {
			s.log.WithError(err).
				WithField("cycle_number", rec.CycleNumber).
				Warn("Malformed phase document, defaulting to empty")

			c.Phases = []cycle.Phase{}
		}
	}

	if rec.ToolsJSON != "" {
		if err := json.Unmarshal([]byte(rec.ToolsJSON), &c.Tools); err != nil {
			s.log.WithError(err).
				WithField("cycle_number", rec.CycleNumber).
				Warn("Malformed tool document, defaulting to empty")

			c.Tools = []string{}
		}
	}

	for i := range c.Phases {
		if c.Phases[i].Tools == nil {
			c.Phases[i].Tools = []string{}
		}
	}

	return c
}

func toTool(rec *ToolRecord) cycle.Tool {
	return cycle.Tool{
		ID:           rec.ID,
		Name:         rec.Name,
		Category:     rec.Category,
		CurrentPhase: rec.CurrentPhase,
		CycleCount:   rec.CycleCount,
		MaxCycles:    rec.MaxCycles,
		StartTime:    rec.StartTime,
		EndTime:      rec.EndTime,
		IsP2Status:   rec.IsP2Status,
	}
}
