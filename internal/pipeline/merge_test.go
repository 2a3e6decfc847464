package pipeline

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMerge_FoldsSourceIntoTarget(t *testing.T) {
	ai := &mockAI{}
	p, st := newTestPipeline(t, ai)
	listings := seedExtracted(t, st, 3)

	ctx := context.Background()
	target, err := st.CreateCluster(ctx, "Invoice sync", "d", listings[0].ID)
	require.NoError(t, err)
	source, err := st.CreateCluster(ctx, "Invoice sync (dup)", "d", listings[1].ID)
	require.NoError(t, err)

	require.NoError(t, st.AddMembership(ctx, listings[0].ID, target.ID))
	require.NoError(t, st.AddMembership(ctx, listings[1].ID, source.ID))
	// Shared listing belongs to both; the merge must not duplicate it.
	require.NoError(t, st.AddMembership(ctx, listings[2].ID, target.ID))
	require.NoError(t, st.AddMembership(ctx, listings[2].ID, source.ID))

	merged, err := p.Merge(ctx, target.ID, source.ID)
	require.NoError(t, err)
	require.NotNil(t, merged)

	assert.Equal(t, target.ID, merged.ID)
	assert.Equal(t, 3, merged.ListingCount)
	assert.Greater(t, merged.HeatScore, 0.0)

	gone, err := st.GetCluster(ctx, source.ID)
	require.NoError(t, err)
	assert.Nil(t, gone)

	members, err := st.ClusterMembers(ctx, target.ID)
	require.NoError(t, err)
	assert.Len(t, members, 3)
}

func TestMerge_SelfMergeRejected(t *testing.T) {
	ai := &mockAI{}
	p, _ := newTestPipeline(t, ai)

	_, err := p.Merge(context.Background(), 5, 5)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "into itself")
}

func TestMerge_MissingClusters(t *testing.T) {
	ai := &mockAI{}
	p, st := newTestPipeline(t, ai)
	listings := seedExtracted(t, st, 1)

	ctx := context.Background()
	existing, err := st.CreateCluster(ctx, "Invoice sync", "d", listings[0].ID)
	require.NoError(t, err)

	_, err = p.Merge(ctx, existing.ID, 999)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "source cluster not found")

	_, err = p.Merge(ctx, 999, existing.ID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "target cluster not found")
}
