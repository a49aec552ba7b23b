// Package stats derives operational-efficiency statistics from cycle
// history, BI test results, and tool records. Everything here is a pure
// function of its inputs; nothing is persisted.
package stats

import (
	"time"

	"github.com/facilityops/steritrack/pkg/bi"
	"github.com/facilityops/steritrack/pkg/cycle"
	"github.com/facilityops/steritrack/pkg/phase"
)

// Weight table for the composite efficiency score. A missing inventory
// term contributes zero and the weighted sum is normalized against the
// full table, so five perfect sub-scores without inventory metrics land
// around 83.
const (
	weightCompletion = 0.20
	weightTime       = 0.15
	weightResource   = 0.15
	weightQuality    = 0.15
	weightThroughput = 0.10
	weightInventory  = 0.15

	totalWeight = weightCompletion + weightTime + weightResource +
		weightQuality + weightThroughput + weightInventory
)

// Scoring ideals.
const (
	idealTurnaroundMinutes = 60.0
	idealToolsPerCycle     = 7.0
	idealCyclesPerDay      = 2.5

	// minTurnaround excludes tools that were only cleaned, never
	// sterilized, from turnaround averages.
	minTurnaround = 30 * time.Minute

	totalsWindow = 30 * 24 * time.Hour
	trendWindow  = 7 * 24 * time.Hour
)

// Trend directions.
const (
	TrendUp      = "up"
	TrendDown    = "down"
	TrendStable  = "stable"
	TrendWarning = "warning"
)

// Trend is a direction with an optional signed percentage.
type Trend struct {
	Direction string   `json:"direction"`
	Percent   *float64 `json:"percent,omitempty"`
	Note      string   `json:"note,omitempty"`
}

// SubScores are the normalized 0-100 inputs to the weighted score.
type SubScores struct {
	CompletionRate       float64  `json:"completion_rate"`
	TimeEfficiency       float64  `json:"time_efficiency"`
	ResourceUtilization  float64  `json:"resource_utilization"`
	BIPassRate           float64  `json:"bi_pass_rate"`
	ThroughputEfficiency float64  `json:"throughput_efficiency"`
	Inventory            *float64 `json:"inventory,omitempty"`
}

// InventoryMetrics is the optional inventory-health input supplied by
// the inventory module.
type InventoryMetrics struct {
	StockHealth      float64 `json:"stock_health"`
	ExpirationHealth float64 `json:"expiration_health"`
	Accuracy         float64 `json:"accuracy"`
}

// CycleStats is the derived read model. Recomputed on demand, never
// mutated directly.
type CycleStats struct {
	TotalCycles             int       `json:"total_cycles"`
	CompletedCycles         int       `json:"completed_cycles"`
	AverageCycleTimeMinutes float64   `json:"average_cycle_time_minutes"`
	BIPassRate              float64   `json:"bi_pass_rate"`
	BITrend                 Trend     `json:"bi_trend"`
	CycleTrend              Trend     `json:"cycle_trend"`
	EfficiencyScore         float64   `json:"efficiency_score"`
	EfficiencyTrend         Trend     `json:"efficiency_trend"`
	Breakdown               SubScores `json:"breakdown"`
}

// Compute derives CycleStats from history over rolling windows ending at
// now: 30 days for totals, 7 days for trends.
func Compute(
	cycles []cycle.Cycle,
	biResults []bi.TestResult,
	tools []cycle.Tool,
	inventory *InventoryMetrics,
	now time.Time,
) CycleStats {
	windowStart := now.Add(-totalsWindow)

	var recent []cycle.Cycle

	for _, c := range cycles {
		if c.StartTime.After(windowStart) {
			recent = append(recent, c)
		}
	}

	completed := 0

	for _, c := range recent {
		if c.CompletedAt != nil {
			completed++
		}
	}

	passRate, biTrend := biPassRate(biResults, now)
	avgTurnaround := averageTurnaround(tools, now)

	sub := SubScores{
		CompletionRate:       completionRate(len(recent), completed),
		TimeEfficiency:       timeEfficiency(avgTurnaround),
		ResourceUtilization:  resourceUtilization(recent),
		BIPassRate:           passRate,
		ThroughputEfficiency: throughputEfficiency(len(recent)),
	}

	if inventory != nil {
		inv := clamp(0.40*inventory.StockHealth +
			0.30*inventory.ExpirationHealth +
			0.30*inventory.Accuracy)
		sub.Inventory = &inv
	}

	score := WeightedScore(sub)

	return CycleStats{
		TotalCycles:             len(recent),
		CompletedCycles:         completed,
		AverageCycleTimeMinutes: avgTurnaround,
		BIPassRate:              passRate,
		BITrend:                 biTrend,
		CycleTrend:              cycleTrend(cycles, now),
		EfficiencyScore:         score,
		EfficiencyTrend:         efficiencyTrend(score, cycles, sub, now),
		Breakdown:               sub,
	}
}

// WeightedScore applies the weight table to clamped sub-scores and
// normalizes against the full table total. A nil inventory term
// contributes zero; weights are not redistributed.
func WeightedScore(s SubScores) float64 {
	sum := weightCompletion*clamp(s.CompletionRate) +
		weightTime*clamp(s.TimeEfficiency) +
		weightResource*clamp(s.ResourceUtilization) +
		weightQuality*clamp(s.BIPassRate) +
		weightThroughput*clamp(s.ThroughputEfficiency)

	if s.Inventory != nil {
		sum += weightInventory * clamp(*s.Inventory)
	}

	return sum / totalWeight
}

func completionRate(total, completed int) float64 {
	if total == 0 {
		return 100
	}

	return float64(completed) / float64(total) * 100
}

func timeEfficiency(avgTurnaroundMinutes float64) float64 {
	if avgTurnaroundMinutes <= 0 {
		return 100
	}

	return clamp(idealTurnaroundMinutes / avgTurnaroundMinutes * 100)
}

func resourceUtilization(cycles []cycle.Cycle) float64 {
	if len(cycles) == 0 {
		return 100
	}

	total := 0
	for _, c := range cycles {
		total += len(c.Tools)
	}

	avg := float64(total) / float64(len(cycles))

	return clamp(avg / idealToolsPerCycle * 100)
}

func throughputEfficiency(totalCycles int) float64 {
	perDay := float64(totalCycles) / 30.0

	return clamp(perDay / idealCyclesPerDay * 100)
}

// biPassRate computes passed/total*100 over the last 30 days. With no
// tests on record the rate defaults to 100 with a missed-test warning
// trend rather than a failure trend.
func biPassRate(results []bi.TestResult, now time.Time) (float64, Trend) {
	windowStart := now.Add(-totalsWindow)

	total, passed := 0, 0

	for _, r := range results {
		if r.Date.Before(windowStart) {
			continue
		}

		switch r.Status {
		case bi.StatusPass:
			total++
			passed++
		case bi.StatusFail:
			total++
		}
	}

	if total == 0 {
		return 100, Trend{
			Direction: TrendWarning,
			Note:      "no BI tests recorded in the last 30 days",
		}
	}

	rate := float64(passed) / float64(total) * 100

	switch {
	case rate >= 100:
		return rate, Trend{Direction: TrendUp}
	case rate >= 90:
		return rate, Trend{Direction: TrendStable}
	default:
		return rate, Trend{Direction: TrendDown}
	}
}

// cycleTrend compares this week's eligible cycles against the previous
// week's. Eligible means the cycle reached the autoclave phase.
func cycleTrend(cycles []cycle.Cycle, now time.Time) Trend {
	weekAgo := now.Add(-trendWindow)
	twoWeeksAgo := now.Add(-2 * trendWindow)

	thisWeek, prevWeek := 0, 0

	for _, c := range cycles {
		if !reachedAutoclave(c) {
			continue
		}

		switch {
		case c.StartTime.After(weekAgo):
			thisWeek++
		case c.StartTime.After(twoWeeksAgo):
			prevWeek++
		}
	}

	if prevWeek == 0 {
		if thisWeek > 0 {
			return Trend{Direction: TrendUp, Note: "new this week"}
		}

		return Trend{Direction: TrendStable}
	}

	pct := float64(thisWeek-prevWeek) / float64(prevWeek) * 100

	return Trend{Direction: direction(pct), Percent: &pct}
}

// efficiencyTrend compares the current score against a simplified
// previous-week estimate: the same weight table with last week's
// completion and throughput terms and this period's remaining terms.
// An approximation, not a historical replay.
func efficiencyTrend(
	score float64, cycles []cycle.Cycle, sub SubScores, now time.Time,
) Trend {
	weekAgo := now.Add(-trendWindow)
	twoWeeksAgo := now.Add(-2 * trendWindow)

	prevTotal, prevCompleted := 0, 0

	for _, c := range cycles {
		if c.StartTime.After(weekAgo) || !c.StartTime.After(twoWeeksAgo) {
			continue
		}

		prevTotal++

		if c.CompletedAt != nil {
			prevCompleted++
		}
	}

	prevSub := sub
	prevSub.CompletionRate = completionRate(prevTotal, prevCompleted)
	prevSub.ThroughputEfficiency = clamp(
		float64(prevTotal) / 7.0 / idealCyclesPerDay * 100,
	)

	prev := WeightedScore(prevSub)
	delta := score - prev

	if prev <= 0 {
		// No baseline to express the delta against.
		return Trend{Direction: direction(delta)}
	}

	pct := delta / prev * 100

	return Trend{Direction: direction(delta), Percent: &pct}
}

// averageTurnaround returns the mean wall-clock minutes of tool phase
// occupancy spans of at least 30 minutes ending in the last 30 days on
// completed tools.
func averageTurnaround(tools []cycle.Tool, now time.Time) float64 {
	windowStart := now.Add(-totalsWindow)

	var (
		total time.Duration
		n     int
	)

	for _, t := range tools {
		if t.StartTime == nil || t.EndTime == nil {
			continue
		}

		if t.EndTime.Before(windowStart) {
			continue
		}

		if t.CurrentPhase != phase.ToolPhaseComplete &&
			t.CurrentPhase != "available" {
			continue
		}

		span := t.EndTime.Sub(*t.StartTime)
		if span < minTurnaround {
			continue
		}

		total += span
		n++
	}

	if n == 0 {
		return 0
	}

	return total.Minutes() / float64(n)
}

func reachedAutoclave(c cycle.Cycle) bool {
	for _, p := range c.Phases {
		if p.ID == phase.Autoclave &&
			(p.StartTime != nil || p.Status != cycle.StatusPending) {
			return true
		}
	}

	// Tools that finished leave the phase sets, so a completed cycle
	// whose autoclave slot was reset still counts.
	return c.CompletedAt != nil
}

func direction(delta float64) string {
	switch {
	case delta > 1:
		return TrendUp
	case delta < -1:
		return TrendDown
	default:
		return TrendStable
	}
}

func clamp(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 100:
		return 100
	default:
		return v
	}
}
