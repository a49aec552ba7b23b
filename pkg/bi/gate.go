// Package bi implements the biological-indicator compliance gate: the
// daily test log, the office-hours due-time calculation, and the
// blocking signal a failed test raises against autoclave progression.
package bi

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/facilityops/steritrack/pkg/clock"
	"github.com/facilityops/steritrack/pkg/events"
	"github.com/facilityops/steritrack/pkg/phase"
)

// Test result statuses.
const (
	StatusPass       = "pass"
	StatusFail       = "fail"
	StatusSkip       = "skip"
	StatusInProgress = "in_progress"
)

// ErrAlreadyTestedToday rejects a second authoritative submission on the
// same calendar day.
var ErrAlreadyTestedToday = errors.New("a BI test result is already recorded for today")

// ErrFailBlocked blocks autoclave progression while the most recent
// authoritative result is a fail. Tools sterilized since the last pass
// are suspect until the failure is cleared by a new pass.
var ErrFailBlocked = errors.New("last BI test failed, autoclave progression blocked")

// TestResult is one entry of the append-only BI test log.
type TestResult struct {
	ID         string    `json:"id"`
	FacilityID string    `json:"facility_id"`
	Date       time.Time `json:"date"`
	Status     string    `json:"status"`
	Operator   string    `json:"operator"`
	CycleID    string    `json:"cycle_id,omitempty"`
}

// Status is the gate's read model.
type Status struct {
	TestedToday bool        `json:"tested_today"`
	Overdue     bool        `json:"overdue"`
	Blocked     bool        `json:"blocked"`
	LastResult  *TestResult `json:"last_result,omitempty"`
	NextDue     *time.Time  `json:"next_due,omitempty"`
}

// OfficeHours describes when the facility operates. Hours are 24h
// integers; a test due outside them snaps forward to the next working
// window.
type OfficeHours struct {
	WorkingDays map[time.Weekday]bool
	StartHour   int
	EndHour     int
}

// DefaultOfficeHours is Monday through Friday, 08:00-17:00.
func DefaultOfficeHours() OfficeHours {
	return OfficeHours{
		WorkingDays: map[time.Weekday]bool{
			time.Monday:    true,
			time.Tuesday:   true,
			time.Wednesday: true,
			time.Thursday:  true,
			time.Friday:    true,
		},
		StartHour: 8,
		EndHour:   17,
	}
}

// Store is the persistence collaborator for BI test results.
type Store interface {
	AppendBITestResult(ctx context.Context, r *TestResult) error
	LoadBITestHistory(ctx context.Context, facilityID string, window time.Duration) ([]TestResult, error)
}

// Gate tracks BI test results and gates cycle progress on daily
// compliance.
type Gate struct {
	log        logrus.FieldLogger
	clk        clock.Clock
	store      Store
	notifier   events.Notifier
	hours      OfficeHours
	facilityID string

	mu sync.Mutex
}

// NewGate creates a BI compliance gate.
func NewGate(
	log logrus.FieldLogger,
	clk clock.Clock,
	store Store,
	notifier events.Notifier,
	hours OfficeHours,
	facilityID string,
) *Gate {
	return &Gate{
		log:        log.WithField("component", "bi"),
		clk:        clk,
		store:      store,
		notifier:   notifier,
		hours:      hours,
		facilityID: facilityID,
	}
}

// CalculateNextDue returns the next test due time: 24h after the last
// test, snapped forward onto a working day within [StartHour, EndHour).
func CalculateNextDue(lastTest time.Time, hours OfficeHours) time.Time {
	due := lastTest.Add(24 * time.Hour)

	for probe := 0; probe < 7; probe++ {
		if !hours.WorkingDays[due.Weekday()] {
			due = startOfHour(due.AddDate(0, 0, 1), hours.StartHour)

			continue
		}

		if due.Hour() < hours.StartHour {
			return startOfHour(due, hours.StartHour)
		}

		if due.Hour() >= hours.EndHour {
			due = startOfHour(due.AddDate(0, 0, 1), hours.StartHour)

			continue
		}

		return due
	}

	return due
}

// startOfHour returns t's date at hour o'clock.
func startOfHour(t time.Time, hour int) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), hour, 0, 0, 0, t.Location())
}

// RecordResult appends a test result for today. At most one result is
// accepted per calendar day; a duplicate returns ErrAlreadyTestedToday
// regardless of outcome. A recorded fail raises the critical signal.
func (g *Gate) RecordResult(
	ctx context.Context, operator, status, cycleID string,
) (*TestResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.clk.Now()

	today, err := g.resultForDay(ctx, now)
	if err != nil {
		return nil, err
	}

	if today != nil {
		return nil, fmt.Errorf("%w (recorded %s by %s)",
			ErrAlreadyTestedToday,
			today.Date.Format(time.RFC3339),
			today.Operator,
		)
	}

	r := &TestResult{
		FacilityID: g.facilityID,
		Date:       now,
		Status:     status,
		Operator:   operator,
		CycleID:    cycleID,
	}

	if err := g.store.AppendBITestResult(ctx, r); err != nil {
		return nil, fmt.Errorf("appending BI test result: %w", err)
	}

	g.log.WithFields(logrus.Fields{
		"status":   status,
		"operator": operator,
	}).Info("BI test recorded")

	if status == StatusFail {
		g.notifier.Notify(events.Event{
			Type:      events.TypeBITestFailedCritical,
			CycleID:   cycleID,
			Detail:    "BI test failed: all loads since the last pass are suspect",
			Critical:  true,
			Timestamp: now,
		})
	}

	return r, nil
}

// IsOverdue reports whether no result exists for today.
func (g *Gate) IsOverdue(ctx context.Context) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	today, err := g.resultForDay(ctx, g.clk.Now())
	if err != nil {
		return false, err
	}

	return today == nil, nil
}

// Status returns the gate's current read model. History fetch failures
// degrade to an overdue-but-unblocked status rather than an error.
func (g *Gate) Status(ctx context.Context) Status {
	g.mu.Lock()
	defer g.mu.Unlock()

	return g.statusLocked(ctx)
}

func (g *Gate) statusLocked(ctx context.Context) Status {
	now := g.clk.Now()

	history, err := g.store.LoadBITestHistory(ctx, g.facilityID, 31*24*time.Hour)
	if err != nil {
		g.log.WithError(err).Warn("BI history load failed")

		return Status{Overdue: true}
	}

	st := Status{Overdue: true}

	if last := latestAuthoritative(history); last != nil {
		st.LastResult = last
		st.Blocked = last.Status == StatusFail

		due := CalculateNextDue(last.Date, g.hours)
		st.NextDue = &due

		if sameDay(last.Date, now) {
			st.TestedToday = true
			st.Overdue = false
		}
	}

	return st
}

// CheckPhaseStart implements the cycle manager's compliance gate. An
// overdue test emits a warning event for any phase; a standing BI fail
// hard-blocks the autoclave.
func (g *Gate) CheckPhaseStart(ctx context.Context, phaseID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	st := g.statusLocked(ctx)

	if st.Overdue {
		g.notifier.Notify(events.Event{
			Type:      events.TypeBITestOverdue,
			PhaseID:   phaseID,
			Detail:    "no BI test recorded today",
			Timestamp: g.clk.Now(),
		})
	}

	if phaseID == phase.Autoclave && st.Blocked {
		return ErrFailBlocked
	}

	return nil
}

// resultForDay returns the authoritative result recorded on the same
// calendar day as t, if any.
func (g *Gate) resultForDay(ctx context.Context, t time.Time) (*TestResult, error) {
	history, err := g.store.LoadBITestHistory(ctx, g.facilityID, 48*time.Hour)
	if err != nil {
		return nil, fmt.Errorf("loading BI test history: %w", err)
	}

	for i := len(history) - 1; i >= 0; i-- {
		r := history[i]
		if !authoritative(r.Status) {
			continue
		}

		if sameDay(r.Date, t) {
			return &r, nil
		}
	}

	return nil, nil
}

// latestAuthoritative returns the most recent pass/fail entry.
func latestAuthoritative(history []TestResult) *TestResult {
	var last *TestResult

	for i := range history {
		if !authoritative(history[i].Status) {
			continue
		}

		if last == nil || history[i].Date.After(last.Date) {
			last = &history[i]
		}
	}

	return last
}

// authoritative reports whether a status counts as the day's result.
// Skips and in-progress entries do not satisfy the daily requirement.
func authoritative(status string) bool {
	return status == StatusPass || status == StatusFail
}

func sameDay(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()

	return ay == by && am == bm && ad == bd
}
