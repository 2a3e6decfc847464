package pipeline

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/opportunity-radar/internal/model"
)

// SubmitFeedback appends a quality judgment. A reassign_cluster feedback with
// both a current and a suggested cluster additionally moves the listing's
// membership edge and recomputes stats for both affected clusters.
func (p *Pipeline) SubmitFeedback(ctx context.Context, fb model.QualityFeedback) (*model.QualityFeedback, error) {
	if !fb.Kind.Valid() {
		return nil, eris.Errorf("pipeline: invalid feedback type: %s", fb.Kind)
	}

	saved, err := p.store.InsertFeedback(ctx, fb)
	if err != nil {
		return nil, err
	}

	if fb.Kind == model.FeedbackReassignCluster && fb.ClusterID != nil && fb.SuggestedClusterID != nil {
		if err := p.reassign(ctx, fb.ListingID, *fb.ClusterID, *fb.SuggestedClusterID); err != nil {
			return nil, err
		}
	}
	return saved, nil
}

func (p *Pipeline) reassign(ctx context.Context, listingID, fromID, toID int64) error {
	target, err := p.store.GetCluster(ctx, toID)
	if err != nil {
		return err
	}
	if target == nil {
		return eris.Errorf("pipeline: suggested cluster not found: %d", toID)
	}

	if err := p.store.RemoveMembership(ctx, listingID, fromID); err != nil {
		return err
	}
	if err := p.store.AddMembership(ctx, listingID, toID); err != nil {
		return err
	}

	zap.L().Info("pipeline: listing reassigned",
		zap.Int64("listing_id", listingID),
		zap.Int64("from_cluster", fromID),
		zap.Int64("to_cluster", toID),
	)

	if err := p.RecomputeClusterStatsFor(ctx, fromID); err != nil {
		zap.L().Warn("pipeline: stats recompute failed after reassign", zap.Int64("cluster_id", fromID), zap.Error(err))
	}
	return p.RecomputeClusterStatsFor(ctx, toID)
}
