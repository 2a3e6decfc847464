package pipeline

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/opportunity-radar/internal/model"
)

func TestSubmitFeedback_RejectsUnknownKind(t *testing.T) {
	ai := &mockAI{}
	p, _ := newTestPipeline(t, ai)

	_, err := p.SubmitFeedback(context.Background(), model.QualityFeedback{
		ListingID: 1,
		Kind:      "thumbs_sideways",
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid feedback type")
}

func TestSubmitFeedback_AppendsRecord(t *testing.T) {
	ai := &mockAI{}
	p, st := newTestPipeline(t, ai)
	listings := seedExtracted(t, st, 1)

	saved, err := p.SubmitFeedback(context.Background(), model.QualityFeedback{
		ListingID: listings[0].ID,
		Kind:      model.FeedbackExtractionCorrect,
		Notes:     ptr("clean extraction"),
	})
	require.NoError(t, err)
	assert.NotZero(t, saved.ID)

	total, byKind, err := st.FeedbackTotals(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	assert.Equal(t, 1, byKind[model.FeedbackExtractionCorrect])
}

func TestSubmitFeedback_ReassignMovesMembership(t *testing.T) {
	ai := &mockAI{}
	p, st := newTestPipeline(t, ai)
	listings := seedExtracted(t, st, 2)

	ctx := context.Background()
	from, err := st.CreateCluster(ctx, "Invoice sync", "d", listings[0].ID)
	require.NoError(t, err)
	to, err := st.CreateCluster(ctx, "Inventory alerts", "d", listings[1].ID)
	require.NoError(t, err)
	require.NoError(t, st.AddMembership(ctx, listings[0].ID, from.ID))
	require.NoError(t, st.AddMembership(ctx, listings[1].ID, to.ID))

	_, err = p.SubmitFeedback(ctx, model.QualityFeedback{
		ListingID:          listings[0].ID,
		ClusterID:          &from.ID,
		Kind:               model.FeedbackReassignCluster,
		SuggestedClusterID: &to.ID,
	})
	require.NoError(t, err)

	fromMembers, err := st.ClusterMembers(ctx, from.ID)
	require.NoError(t, err)
	assert.Empty(t, fromMembers)

	toMembers, err := st.ClusterMembers(ctx, to.ID)
	require.NoError(t, err)
	assert.Len(t, toMembers, 2)

	// Both clusters' stats were recomputed.
	fromCluster, err := st.GetCluster(ctx, from.ID)
	require.NoError(t, err)
	assert.Zero(t, fromCluster.ListingCount)
	toCluster, err := st.GetCluster(ctx, to.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, toCluster.ListingCount)
}

func TestSubmitFeedback_ReassignToMissingClusterFails(t *testing.T) {
	ai := &mockAI{}
	p, st := newTestPipeline(t, ai)
	listings := seedExtracted(t, st, 1)

	ctx := context.Background()
	from, err := st.CreateCluster(ctx, "Invoice sync", "d", listings[0].ID)
	require.NoError(t, err)
	require.NoError(t, st.AddMembership(ctx, listings[0].ID, from.ID))

	_, err = p.SubmitFeedback(ctx, model.QualityFeedback{
		ListingID:          listings[0].ID,
		ClusterID:          &from.ID,
		Kind:               model.FeedbackReassignCluster,
		SuggestedClusterID: ptr(int64(999)),
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "suggested cluster not found")

	// The membership edge is untouched.
	members, err := st.ClusterMembers(ctx, from.ID)
	require.NoError(t, err)
	assert.Len(t, members, 1)
}

func TestSubmitFeedback_ReassignWithoutTargetsJustRecords(t *testing.T) {
	ai := &mockAI{}
	p, st := newTestPipeline(t, ai)
	listings := seedExtracted(t, st, 1)

	ctx := context.Background()
	cluster, err := st.CreateCluster(ctx, "Invoice sync", "d", listings[0].ID)
	require.NoError(t, err)
	require.NoError(t, st.AddMembership(ctx, listings[0].ID, cluster.ID))

	// Without a suggested cluster the record lands but nothing moves.
	_, err = p.SubmitFeedback(ctx, model.QualityFeedback{
		ListingID: listings[0].ID,
		ClusterID: &cluster.ID,
		Kind:      model.FeedbackReassignCluster,
	})
	require.NoError(t, err)

	members, err := st.ClusterMembers(ctx, cluster.ID)
	require.NoError(t, err)
	assert.Len(t, members, 1)
}
