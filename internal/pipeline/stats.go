package pipeline

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/opportunity-radar/internal/model"
)

// Recency weights for the heat score.
const (
	recencyWeightFresh  = 1.0 // captured within 7 days
	recencyWeightRecent = 0.7 // within 30 days
	recencyWeightStale  = 0.4
)

// computeClusterStats derives the four aggregate fields from a cluster's
// member listings. Pure function; now anchors the recency windows.
func computeClusterStats(members []model.MemberStat, now time.Time) model.ClusterStats {
	if len(members) == 0 {
		return model.ClusterStats{}
	}

	var budgetSum, weightSum float64
	hasBudget := false
	recentA, recentB := 0, 0

	for _, m := range members {
		switch {
		case m.BudgetMax != nil:
			budgetSum += *m.BudgetMax
			hasBudget = true
		case m.BudgetMin != nil:
			budgetSum += *m.BudgetMin
			hasBudget = true
		}

		age := now.Sub(m.CapturedAt)
		switch {
		case age <= 7*24*time.Hour:
			weightSum += recencyWeightFresh
		case age <= 30*24*time.Hour:
			weightSum += recencyWeightRecent
		default:
			weightSum += recencyWeightStale
		}

		switch {
		case age <= 14*24*time.Hour:
			recentA++
		case age <= 28*24*time.Hour:
			recentB++
		}
	}

	count := len(members)
	avgBudget := budgetSum / float64(count)
	meanWeight := weightSum / float64(count)

	// Budget-less clusters still rank by volume and recency.
	heatBudget := avgBudget
	if !hasBudget {
		heatBudget = 1
	}
	heat := float64(count) * heatBudget * meanWeight

	velocity := float64(recentA)
	if recentB > 0 {
		velocity = float64(recentA) / float64(recentB)
	}

	stats := model.ClusterStats{
		ListingCount: count,
		HeatScore:    heat,
		Velocity:     velocity,
	}
	if hasBudget {
		stats.AvgBudget = &avgBudget
	}
	return stats
}

// RecomputeClusterStats rewrites the derived fields of every cluster that has
// members. Idempotent; safe to invoke at any time.
func (p *Pipeline) RecomputeClusterStats(ctx context.Context) error {
	members, err := p.store.AllClusterMembers(ctx)
	if err != nil {
		return eris.Wrap(err, "stats: load memberships")
	}

	now := time.Now().UTC()
	for clusterID, stats := range members {
		if err := p.store.UpdateClusterStats(ctx, clusterID, computeClusterStats(stats, now)); err != nil {
			zap.L().Warn("stats: cluster update failed", zap.Int64("cluster_id", clusterID), zap.Error(err))
		}
	}
	return nil
}

// RecomputeClusterStatsFor recomputes a single cluster, used after merges and
// reassignment feedback.
func (p *Pipeline) RecomputeClusterStatsFor(ctx context.Context, clusterID int64) error {
	members, err := p.store.ClusterMembers(ctx, clusterID)
	if err != nil {
		return eris.Wrapf(err, "stats: load members of cluster %d", clusterID)
	}
	return p.store.UpdateClusterStats(ctx, clusterID, computeClusterStats(members, time.Now().UTC()))
}
