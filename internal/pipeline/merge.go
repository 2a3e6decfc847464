package pipeline

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/opportunity-radar/internal/model"
)

// Merge folds the source cluster into the target: every membership edge moves
// to the target (insert-if-absent, so shared listings do not duplicate), the
// source and its edges are deleted, and the target's stats are recomputed.
// There is no undo.
func (p *Pipeline) Merge(ctx context.Context, targetID, sourceID int64) (*model.Cluster, error) {
	if targetID == sourceID {
		return nil, eris.New("pipeline: cannot merge a cluster into itself")
	}

	source, err := p.store.GetCluster(ctx, sourceID)
	if err != nil {
		return nil, err
	}
	if source == nil {
		return nil, eris.Errorf("pipeline: source cluster not found: %d", sourceID)
	}
	target, err := p.store.GetCluster(ctx, targetID)
	if err != nil {
		return nil, err
	}
	if target == nil {
		return nil, eris.Errorf("pipeline: target cluster not found: %d", targetID)
	}

	if err := p.store.MoveMemberships(ctx, sourceID, targetID); err != nil {
		return nil, err
	}
	if err := p.store.DeleteCluster(ctx, sourceID); err != nil {
		return nil, err
	}

	zap.L().Info("pipeline: clusters merged",
		zap.Int64("source_id", sourceID),
		zap.Int64("target_id", targetID),
	)

	if err := p.RecomputeClusterStatsFor(ctx, targetID); err != nil {
		return nil, err
	}
	return p.store.GetCluster(ctx, targetID)
}
