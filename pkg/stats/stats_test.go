package stats

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/facilityops/steritrack/pkg/bi"
	"github.com/facilityops/steritrack/pkg/cycle"
	"github.com/facilityops/steritrack/pkg/phase"
)

var statsNow = time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)

func ptr(v float64) *float64 { return &v }

func completedCycle(start time.Time, tools int) cycle.Cycle {
	end := start.Add(90 * time.Minute)

	ids := make([]string, tools)
	for i := range ids {
		ids[i] = fmt.Sprintf("t%d", i+1)
	}

	return cycle.Cycle{
		ID:          "c-" + start.Format("20060102150405"),
		StartTime:   start,
		CompletedAt: &end,
		Tools:       ids,
		Phases: []cycle.Phase{
			{ID: phase.Autoclave, Status: cycle.StatusCompleted},
		},
	}
}

func TestWeightedScorePerfectWithoutInventory(t *testing.T) {
	sub := SubScores{
		CompletionRate:       100,
		TimeEfficiency:       100,
		ResourceUtilization:  100,
		BIPassRate:           100,
		ThroughputEfficiency: 100,
	}

	// 75 of 90 possible weighted points without the inventory term.
	assert.InDelta(t, 83.33, WeightedScore(sub), 0.01)
}

func TestWeightedScorePerfectWithInventory(t *testing.T) {
	sub := SubScores{
		CompletionRate:       100,
		TimeEfficiency:       100,
		ResourceUtilization:  100,
		BIPassRate:           100,
		ThroughputEfficiency: 100,
		Inventory:            ptr(100),
	}

	assert.InDelta(t, 100, WeightedScore(sub), 0.01)
}

func TestWeightedScoreClampsOutOfRangeInputs(t *testing.T) {
	sub := SubScores{
		CompletionRate:       140,
		TimeEfficiency:       -20,
		ResourceUtilization:  100,
		BIPassRate:           100,
		ThroughputEfficiency: 100,
	}

	// 140 clamps to 100 and -20 to 0.
	want := (0.20*100 + 0.15*0 + 0.15*100 + 0.15*100 + 0.10*100) / 0.90
	assert.InDelta(t, want, WeightedScore(sub), 0.01)
}

func TestBIPassRateDefaultsWithWarning(t *testing.T) {
	rate, trend := biPassRate(nil, statsNow)

	assert.Equal(t, 100.0, rate)
	assert.Equal(t, TrendWarning, trend.Direction)
	assert.NotEmpty(t, trend.Note)
}

func TestBIPassRateCountsOnlyAuthoritativeResults(t *testing.T) {
	results := []bi.TestResult{
		{Status: bi.StatusPass, Date: statsNow.Add(-24 * time.Hour)},
		{Status: bi.StatusPass, Date: statsNow.Add(-48 * time.Hour)},
		{Status: bi.StatusFail, Date: statsNow.Add(-72 * time.Hour)},
		{Status: bi.StatusSkip, Date: statsNow.Add(-96 * time.Hour)},
		// Outside the 30-day window.
		{Status: bi.StatusFail, Date: statsNow.Add(-40 * 24 * time.Hour)},
	}

	rate, trend := biPassRate(results, statsNow)

	assert.InDelta(t, 66.67, rate, 0.01)
	assert.Equal(t, TrendDown, trend.Direction)
}

func TestCycleTrendNewThisWeek(t *testing.T) {
	cycles := []cycle.Cycle{
		completedCycle(statsNow.Add(-2*24*time.Hour), 5),
		completedCycle(statsNow.Add(-3*24*time.Hour), 5),
	}

	trend := cycleTrend(cycles, statsNow)

	assert.Equal(t, TrendUp, trend.Direction)
	assert.Equal(t, "new this week", trend.Note)
	assert.Nil(t, trend.Percent)
}

func TestCycleTrendWeekOverWeekPercent(t *testing.T) {
	cycles := []cycle.Cycle{
		// Three this week, two the week before.
		completedCycle(statsNow.Add(-1*24*time.Hour), 5),
		completedCycle(statsNow.Add(-2*24*time.Hour), 5),
		completedCycle(statsNow.Add(-3*24*time.Hour), 5),
		completedCycle(statsNow.Add(-9*24*time.Hour), 5),
		completedCycle(statsNow.Add(-10*24*time.Hour), 5),
	}

	trend := cycleTrend(cycles, statsNow)

	assert.Equal(t, TrendUp, trend.Direction)
	require.NotNil(t, trend.Percent)
	assert.InDelta(t, 50, *trend.Percent, 0.01)
}

func TestCycleTrendIgnoresCyclesThatNeverSterilized(t *testing.T) {
	abandoned := cycle.Cycle{
		ID:        "abandoned",
		StartTime: statsNow.Add(-24 * time.Hour),
		Phases: []cycle.Phase{
			{ID: phase.Bath1, Status: cycle.StatusCompleted},
			{ID: phase.Autoclave, Status: cycle.StatusPending},
		},
	}

	trend := cycleTrend([]cycle.Cycle{abandoned}, statsNow)
	assert.Equal(t, TrendStable, trend.Direction)
}

func TestEfficiencyTrendPercentIsRelative(t *testing.T) {
	// With no cycles the baseline still carries the default completion
	// term (100), so a zero current score reads as a 100% drop.
	trend := efficiencyTrend(0, nil, SubScores{}, statsNow)

	assert.Equal(t, TrendDown, trend.Direction)
	require.NotNil(t, trend.Percent)
	assert.InDelta(t, -100, *trend.Percent, 0.01)
}

func TestAverageTurnaround(t *testing.T) {
	span := func(minutes int, currentPhase string) cycle.Tool {
		start := statsNow.Add(-time.Duration(minutes) * time.Minute)

		return cycle.Tool{
			CurrentPhase: currentPhase,
			StartTime:    &start,
			EndTime:      &statsNow,
		}
	}

	tools := []cycle.Tool{
		span(60, phase.ToolPhaseComplete),
		span(120, phase.ToolPhaseComplete),
		// Below the 30-minute floor: cleaned, never sterilized.
		span(10, phase.ToolPhaseComplete),
		// Still mid-workflow.
		span(90, phase.Bath2),
	}

	assert.InDelta(t, 90, averageTurnaround(tools, statsNow), 0.01)
}

func TestAverageTurnaroundEmptyIsZero(t *testing.T) {
	assert.Zero(t, averageTurnaround(nil, statsNow))
}

func TestComputeAggregates(t *testing.T) {
	cycles := []cycle.Cycle{
		completedCycle(statsNow.Add(-1*24*time.Hour), 7),
		completedCycle(statsNow.Add(-2*24*time.Hour), 7),
	}

	results := []bi.TestResult{
		{Status: bi.StatusPass, Date: statsNow.Add(-24 * time.Hour)},
	}

	st := Compute(cycles, results, nil, nil, statsNow)

	assert.Equal(t, 2, st.TotalCycles)
	assert.Equal(t, 2, st.CompletedCycles)
	assert.Equal(t, 100.0, st.BIPassRate)
	assert.Equal(t, 100.0, st.Breakdown.CompletionRate)
	assert.Equal(t, 100.0, st.Breakdown.ResourceUtilization)
	assert.Nil(t, st.Breakdown.Inventory)
	assert.Greater(t, st.EfficiencyScore, 0.0)
}

func TestComputeWithInventoryComposite(t *testing.T) {
	inv := &InventoryMetrics{StockHealth: 100, ExpirationHealth: 50, Accuracy: 100}

	st := Compute(nil, nil, nil, inv, statsNow)

	require.NotNil(t, st.Breakdown.Inventory)
	// 0.40*100 + 0.30*50 + 0.30*100.
	assert.InDelta(t, 85, *st.Breakdown.Inventory, 0.01)
}

func TestComputeExcludesOldCyclesFromTotals(t *testing.T) {
	cycles := []cycle.Cycle{
		completedCycle(statsNow.Add(-1*24*time.Hour), 5),
		completedCycle(statsNow.Add(-45*24*time.Hour), 5),
	}

	st := Compute(cycles, nil, nil, nil, statsNow)
	assert.Equal(t, 1, st.TotalCycles)
}
