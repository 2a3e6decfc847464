package pipeline

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/opportunity-radar/internal/model"
)

func member(ageDays int, budgetMin, budgetMax *float64) model.MemberStat {
	return model.MemberStat{
		BudgetMin:  budgetMin,
		BudgetMax:  budgetMax,
		CapturedAt: statsNow.Add(-time.Duration(ageDays) * 24 * time.Hour),
	}
}

var statsNow = time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)

func TestComputeClusterStats_Empty(t *testing.T) {
	stats := computeClusterStats(nil, statsNow)
	assert.Zero(t, stats.ListingCount)
	assert.Nil(t, stats.AvgBudget)
	assert.Zero(t, stats.HeatScore)
	assert.Zero(t, stats.Velocity)
}

func TestComputeClusterStats_HeatBlendsBudgetAndRecency(t *testing.T) {
	// Three members averaging $1000, mean recency weight 0.7:
	// heat = 3 * 1000 * 0.7 = 2100.
	members := []model.MemberStat{
		member(3, nil, ptr(1500.0)),  // fresh, weight 1.0
		member(20, nil, ptr(1000.0)), // recent, weight 0.7
		member(60, nil, ptr(500.0)),  // stale, weight 0.4
	}
	stats := computeClusterStats(members, statsNow)

	assert.Equal(t, 3, stats.ListingCount)
	require.NotNil(t, stats.AvgBudget)
	assert.InDelta(t, 1000.0, *stats.AvgBudget, 0.001)
	assert.InDelta(t, 2100.0, stats.HeatScore, 0.001)
}

func TestComputeClusterStats_BudgetMaxPreferredOverMin(t *testing.T) {
	members := []model.MemberStat{
		member(1, ptr(100.0), ptr(900.0)),
		member(1, ptr(300.0), nil),
	}
	stats := computeClusterStats(members, statsNow)
	require.NotNil(t, stats.AvgBudget)
	assert.InDelta(t, 600.0, *stats.AvgBudget, 0.001)
}

func TestComputeClusterStats_NoBudgetsStillHeats(t *testing.T) {
	members := []model.MemberStat{
		member(2, nil, nil),
		member(4, nil, nil),
	}
	stats := computeClusterStats(members, statsNow)

	// Heat falls back to a unit budget instead of collapsing to zero.
	assert.Nil(t, stats.AvgBudget)
	assert.InDelta(t, 2.0, stats.HeatScore, 0.001)
}

func TestComputeClusterStats_MixedBudgetsAverageOverAll(t *testing.T) {
	// A missing budget contributes zero to the sum but still counts in the
	// denominator.
	members := []model.MemberStat{
		member(1, nil, ptr(800.0)),
		member(1, nil, nil),
	}
	stats := computeClusterStats(members, statsNow)
	require.NotNil(t, stats.AvgBudget)
	assert.InDelta(t, 400.0, *stats.AvgBudget, 0.001)
}

func TestComputeClusterStats_Velocity(t *testing.T) {
	t.Run("ratio of windows", func(t *testing.T) {
		members := []model.MemberStat{
			member(2, nil, nil),  // window A
			member(10, nil, nil), // window A
			member(20, nil, nil), // window B
		}
		stats := computeClusterStats(members, statsNow)
		assert.InDelta(t, 2.0, stats.Velocity, 0.001)
	})

	t.Run("empty prior window keeps the raw count", func(t *testing.T) {
		members := []model.MemberStat{
			member(2, nil, nil),
			member(5, nil, nil),
			member(90, nil, nil), // outside both windows
		}
		stats := computeClusterStats(members, statsNow)
		assert.InDelta(t, 2.0, stats.Velocity, 0.001)
	})

	t.Run("all stale is zero", func(t *testing.T) {
		members := []model.MemberStat{member(90, nil, nil)}
		stats := computeClusterStats(members, statsNow)
		assert.Zero(t, stats.Velocity)
	})
}
