package pipeline

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/opportunity-radar/internal/model"
	"github.com/sells-group/opportunity-radar/internal/store"
	"github.com/sells-group/opportunity-radar/pkg/anthropic"
)

const briefJSON = `{
  "market_summary": "Small e-commerce shops repeatedly pay freelancers to wire invoices into accounting tools.",
  "ideas": [
    {
      "name": "InvoiceBridge",
      "pain_point": "Manual invoice copying between storefront and ledger",
      "demand_evidence": "3 listings at $500-$1500, all marked recurring",
      "tools_involved": ["Shopify", "QuickBooks"],
      "target_vertical": "E-commerce",
      "monetization_hint": "SaaS subscription"
    }
  ]
}`

// seedCluster creates a cluster with members for the interpretation and
// brief tests.
func seedCluster(t *testing.T, st store.Store, n int) *model.Cluster {
	t.Helper()
	ctx := context.Background()
	listings := seedExtracted(t, st, n)
	cluster, err := st.CreateCluster(ctx, "Invoice sync automation", "storefront to ledger sync", listings[0].ID)
	require.NoError(t, err)
	for _, l := range listings {
		require.NoError(t, st.AddMembership(ctx, l.ID, cluster.ID))
	}
	require.NoError(t, st.UpdateClusterStats(ctx, cluster.ID, model.ClusterStats{
		ListingCount: n,
		AvgBudget:    ptr(1500.0),
		HeatScore:    float64(n) * 1500,
		Velocity:     float64(n),
	}))
	cluster, err = st.GetCluster(ctx, cluster.ID)
	require.NoError(t, err)
	return cluster
}

func TestInterpretCluster_GeneratesAndCaches(t *testing.T) {
	ai := &mockAI{}
	p, st := newTestPipeline(t, ai)
	cluster := seedCluster(t, st, 3)

	const prose = "Strong recurring demand for invoice sync work."
	ai.On("CreateMessage", mock.Anything, mock.MatchedBy(func(req anthropic.MessageRequest) bool {
		return req.Model == "haiku-test" &&
			strings.Contains(req.Messages[0].Content, `"Invoice sync automation"`) &&
			strings.Contains(req.Messages[0].Content, "Heat score: 4500.0")
	})).
		Return(textResponse("  "+prose+"\n", 600, 120), nil).
		Once()

	ctx := context.Background()
	text, usage, err := p.InterpretCluster(ctx, cluster.ID, false)
	require.NoError(t, err)
	assert.Equal(t, prose, text)
	assert.Equal(t, int64(600), usage.HaikuIn)

	// Second call is served from the cache.
	text, usage, err = p.InterpretCluster(ctx, cluster.ID, false)
	require.NoError(t, err)
	assert.Equal(t, prose, text)
	assert.Zero(t, usage.HaikuIn)
	ai.AssertNumberOfCalls(t, "CreateMessage", 1)
}

func TestInterpretCluster_ForceRegenerates(t *testing.T) {
	ai := &mockAI{}
	p, st := newTestPipeline(t, ai)
	cluster := seedCluster(t, st, 2)

	ai.On("CreateMessage", mock.Anything, mock.Anything).
		Return(textResponse("First read.", 500, 100), nil).
		Once()
	ai.On("CreateMessage", mock.Anything, mock.Anything).
		Return(textResponse("Second read.", 500, 100), nil).
		Once()

	ctx := context.Background()
	_, _, err := p.InterpretCluster(ctx, cluster.ID, false)
	require.NoError(t, err)

	text, _, err := p.InterpretCluster(ctx, cluster.ID, true)
	require.NoError(t, err)
	assert.Equal(t, "Second read.", text)
	ai.AssertExpectations(t)
}

func TestInterpretCluster_NotFound(t *testing.T) {
	ai := &mockAI{}
	p, _ := newTestPipeline(t, ai)

	_, _, err := p.InterpretCluster(context.Background(), 999, false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cluster not found")
}

func TestGenerateBrief_GeneratesAndCaches(t *testing.T) {
	ai := &mockAI{}
	p, st := newTestPipeline(t, ai)
	cluster := seedCluster(t, st, 3)

	// Brief generation runs on the capable tier.
	ai.On("CreateMessage", mock.Anything, mock.MatchedBy(func(req anthropic.MessageRequest) bool {
		return req.Model == "sonnet-test" &&
			strings.Contains(req.Messages[0].Content, "Workflow: manually copying invoices")
	})).
		Return(textResponse("```json\n"+briefJSON+"\n```", 3000, 800), nil).
		Once()

	ctx := context.Background()
	raw, usage, err := p.GenerateBrief(ctx, cluster.ID, false)
	require.NoError(t, err)
	assert.Equal(t, int64(3000), usage.SonnetIn)

	var brief ProductBrief
	require.NoError(t, json.Unmarshal([]byte(raw), &brief))
	require.Len(t, brief.Ideas, 1)
	assert.Equal(t, "InvoiceBridge", brief.Ideas[0].Name)

	// Cached on the second call.
	cached, usage, err := p.GenerateBrief(ctx, cluster.ID, false)
	require.NoError(t, err)
	assert.Equal(t, raw, cached)
	assert.Zero(t, usage.SonnetIn)
	ai.AssertNumberOfCalls(t, "CreateMessage", 1)
}

func TestGenerateBrief_EmptyClusterRejected(t *testing.T) {
	ai := &mockAI{}
	p, st := newTestPipeline(t, ai)
	listings := seedExtracted(t, st, 1)

	ctx := context.Background()
	cluster, err := st.CreateCluster(ctx, "Empty", "d", listings[0].ID)
	require.NoError(t, err)

	_, _, err = p.GenerateBrief(ctx, cluster.ID, false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no member listings")
	ai.AssertNotCalled(t, "CreateMessage")
}

func TestGenerateBrief_MalformedResponse(t *testing.T) {
	ai := &mockAI{}
	p, st := newTestPipeline(t, ai)
	cluster := seedCluster(t, st, 2)

	ai.On("CreateMessage", mock.Anything, mock.Anything).
		Return(textResponse("no json at all", 100, 50), nil).
		Once()

	ctx := context.Background()
	_, _, err := p.GenerateBrief(ctx, cluster.ID, false)
	require.Error(t, err)

	// Nothing was cached.
	got, err := st.GetCluster(ctx, cluster.ID)
	require.NoError(t, err)
	assert.Nil(t, got.ProductBrief)
	ai.AssertExpectations(t)
}
