package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/opportunity-radar/internal/model"
)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	st, err := NewSQLite(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

func ptr[T any](v T) *T { return &v }

func testCaptured(url string) model.CapturedListing {
	c := model.CapturedListing{
		Title:       "Build a Zapier automation",
		Description: ptr("Connect our CRM to our invoicing tool"),
		BudgetType:  ptr("fixed"),
		BudgetMin:   ptr(500.0),
		BudgetMax:   ptr(1000.0),
		Skills:      []string{"Zapier", "API Integration"},
	}
	if url != "" {
		c.URL = ptr(url)
	}
	return c
}

func testExtraction() model.Extraction {
	return model.Extraction{
		ProblemCategory:   "automation",
		Vertical:          "legal",
		WorkflowDescribed: "sync CRM contacts into invoicing",
		ToolsMentioned:    []string{"Zapier", "Clio"},
		BudgetTier:        "mid",
		IsRecurringNeed:   true,
		Confidence:        0.9,
	}
}

func TestSQLite_InsertListing_DedupByURL(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	l1, inserted, err := st.InsertListing(ctx, testCaptured("https://example.com/jobs/1"), nil)
	require.NoError(t, err)
	require.True(t, inserted)
	require.NotNil(t, l1)
	assert.Equal(t, []string{"Zapier", "API Integration"}, l1.Skills)
	assert.NotZero(t, l1.CapturedAt)

	l2, inserted, err := st.InsertListing(ctx, testCaptured("https://example.com/jobs/1"), nil)
	require.NoError(t, err)
	assert.False(t, inserted)
	assert.Nil(t, l2)
}

func TestSQLite_InsertListing_NoURLAlwaysInserted(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	_, inserted, err := st.InsertListing(ctx, testCaptured(""), nil)
	require.NoError(t, err)
	assert.True(t, inserted)

	_, inserted, err = st.InsertListing(ctx, testCaptured(""), nil)
	require.NoError(t, err)
	assert.True(t, inserted)

	all, err := st.ListListings(ctx, ListingFilter{Limit: 10})
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestSQLite_UpsertBuyer_PrefersIncomingNonNull(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	url := "https://example.com/buyers/1"
	id1, err := st.UpsertBuyer(ctx, model.CapturedClient{
		ProfileURL: &url,
		Name:       ptr("Acme Legal"),
		JobsPosted: ptr(12),
	})
	require.NoError(t, err)

	// Second capture has extra fields but no name; the name must survive.
	id2, err := st.UpsertBuyer(ctx, model.CapturedClient{
		ProfileURL: &url,
		TotalSpent: ptr("$10k+"),
		HireRate:   ptr(0.8),
	})
	require.NoError(t, err)
	assert.Equal(t, id1, id2)

	require.NoError(t, st.EnrichBuyer(ctx, id1, ptr("Acme Legal LLC"), ptr("legal")))
}

func TestSQLite_MarkExtracted_RoundTrip(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	l, _, err := st.InsertListing(ctx, testCaptured("https://example.com/jobs/2"), nil)
	require.NoError(t, err)

	unprocessed, err := st.UnprocessedListings(ctx, 10)
	require.NoError(t, err)
	require.Len(t, unprocessed, 1)

	require.NoError(t, st.MarkExtracted(ctx, l.ID, testExtraction(), model.BudgetTierMid))

	got, err := st.GetListing(ctx, l.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.True(t, got.Extracted())
	assert.Equal(t, "automation", *got.ProblemCategory)
	assert.Equal(t, "legal", *got.Vertical)
	assert.Equal(t, []string{"Zapier", "Clio"}, got.ToolsMentioned)
	assert.Equal(t, model.BudgetTierMid, *got.BudgetTier)
	assert.True(t, *got.IsRecurringNeed)
	assert.InDelta(t, 0.9, *got.AIConfidence, 1e-9)

	unprocessed, err = st.UnprocessedListings(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, unprocessed)

	extracted, err := st.ExtractedListings(ctx, []int64{l.ID})
	require.NoError(t, err)
	assert.Len(t, extracted, 1)
}

func TestSQLite_MarkExtracted_NotFound(t *testing.T) {
	st := newTestSQLiteStore(t)

	err := st.MarkExtracted(context.Background(), 999, testExtraction(), model.BudgetTierLow)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

func TestSQLite_MarkExtractionError_ExcludedFromExtracted(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	l, _, err := st.InsertListing(ctx, testCaptured("https://example.com/jobs/3"), nil)
	require.NoError(t, err)

	require.NoError(t, st.MarkExtractionError(ctx, l.ID, "missing from batch response"))

	got, err := st.GetListing(ctx, l.ID)
	require.NoError(t, err)
	assert.False(t, got.Extracted())
	assert.Equal(t, "missing from batch response", *got.AIError)

	// Errored listings do not come back as unprocessed or extracted.
	unprocessed, err := st.UnprocessedListings(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, unprocessed)

	extracted, err := st.ExtractedListings(ctx, []int64{l.ID})
	require.NoError(t, err)
	assert.Empty(t, extracted)
}

func TestSQLite_Cluster_Lifecycle(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	l, _, err := st.InsertListing(ctx, testCaptured("https://example.com/jobs/4"), nil)
	require.NoError(t, err)

	c, err := st.CreateCluster(ctx, "CRM sync automations", "Buyers wiring CRMs to billing tools", l.ID)
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.Equal(t, "CRM sync automations", c.Name)

	updated, err := st.UpdateClusterMeta(ctx, c.ID, ptr("CRM integrations"), nil)
	require.NoError(t, err)
	assert.Equal(t, "CRM integrations", updated.Name)
	assert.Equal(t, "Buyers wiring CRMs to billing tools", *updated.Description)

	require.NoError(t, st.UpdateClusterStats(ctx, c.ID, model.ClusterStats{
		ListingCount: 1, AvgBudget: ptr(750.0), HeatScore: 0.75, Velocity: 1.0,
	}))

	got, err := st.GetCluster(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.ListingCount)
	assert.InDelta(t, 750.0, *got.AvgBudget, 1e-9)
	assert.InDelta(t, 0.75, got.HeatScore, 1e-9)

	require.NoError(t, st.SetClusterInterpretation(ctx, c.ID, "Small firms want CRM data flowing into billing."))
	require.NoError(t, st.SetClusterBrief(ctx, c.ID, `{"title":"CRM-to-billing bridge"}`))

	got, err = st.GetCluster(ctx, c.ID)
	require.NoError(t, err)
	assert.NotNil(t, got.Interpretation)
	assert.NotNil(t, got.InterpretationAt)
	assert.NotNil(t, got.ProductBrief)
	assert.NotNil(t, got.ProductBriefAt)
}

func TestSQLite_Membership_Idempotent(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	l, _, err := st.InsertListing(ctx, testCaptured("https://example.com/jobs/5"), nil)
	require.NoError(t, err)
	c, err := st.CreateCluster(ctx, "cluster-a", "", l.ID)
	require.NoError(t, err)

	require.NoError(t, st.AddMembership(ctx, l.ID, c.ID))
	require.NoError(t, st.AddMembership(ctx, l.ID, c.ID))

	members, err := st.ClusterMembers(ctx, c.ID)
	require.NoError(t, err)
	assert.Len(t, members, 1)
}

func TestSQLite_MoveMemberships_DedupsAndDrainsSource(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	l1, _, err := st.InsertListing(ctx, testCaptured("https://example.com/jobs/6"), nil)
	require.NoError(t, err)
	l2, _, err := st.InsertListing(ctx, testCaptured("https://example.com/jobs/7"), nil)
	require.NoError(t, err)

	source, err := st.CreateCluster(ctx, "source", "", l1.ID)
	require.NoError(t, err)
	target, err := st.CreateCluster(ctx, "target", "", l2.ID)
	require.NoError(t, err)

	// l1 is in both clusters; l2 only in source.
	require.NoError(t, st.AddMembership(ctx, l1.ID, source.ID))
	require.NoError(t, st.AddMembership(ctx, l1.ID, target.ID))
	require.NoError(t, st.AddMembership(ctx, l2.ID, source.ID))

	require.NoError(t, st.MoveMemberships(ctx, source.ID, target.ID))

	targetMembers, err := st.ClusterMembers(ctx, target.ID)
	require.NoError(t, err)
	assert.Len(t, targetMembers, 2)

	sourceMembers, err := st.ClusterMembers(ctx, source.ID)
	require.NoError(t, err)
	assert.Empty(t, sourceMembers)

	require.NoError(t, st.DeleteCluster(ctx, source.ID))
	got, err := st.GetCluster(ctx, source.ID)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestSQLite_OverlapListings(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	l1, _, err := st.InsertListing(ctx, testCaptured("https://example.com/jobs/8"), nil)
	require.NoError(t, err)
	l2, _, err := st.InsertListing(ctx, testCaptured("https://example.com/jobs/9"), nil)
	require.NoError(t, err)

	a, err := st.CreateCluster(ctx, "cluster-a", "", l1.ID)
	require.NoError(t, err)
	b, err := st.CreateCluster(ctx, "cluster-b", "", l1.ID)
	require.NoError(t, err)

	require.NoError(t, st.AddMembership(ctx, l1.ID, a.ID))
	require.NoError(t, st.AddMembership(ctx, l1.ID, b.ID))
	require.NoError(t, st.AddMembership(ctx, l2.ID, a.ID))

	overlaps, err := st.OverlapListings(ctx, a.ID)
	require.NoError(t, err)
	require.Len(t, overlaps, 1)
	assert.Equal(t, l1.ID, overlaps[0].ListingID)
	assert.Equal(t, []string{"cluster-b"}, overlaps[0].OtherClusters)

	all, err := st.AllClusterMembers(ctx)
	require.NoError(t, err)
	assert.Len(t, all[a.ID], 2)
	assert.Len(t, all[b.ID], 1)
}

func TestSQLite_Run_Lifecycle(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	run, err := st.CreateRun(ctx, 25)
	require.NoError(t, err)
	require.NotEmpty(t, run.ID)
	assert.Equal(t, model.RunStatusRunning, run.Status)
	assert.Equal(t, 25, run.ListingsTotal)

	err = st.FinalizeRun(ctx, run.ID, RunFinal{
		Status:       model.RunStatusCompleted,
		Total:        25,
		Succeeded:    23,
		Failed:       2,
		InputTokens:  10000,
		OutputTokens: 4000,
		CostCents:    3,
	})
	require.NoError(t, err)

	got, err := st.GetRun(ctx, run.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, model.RunStatusCompleted, got.Status)
	assert.Equal(t, 23, got.ListingsSucceeded)
	assert.Equal(t, 2, got.ListingsFailed)
	assert.Equal(t, int64(10000), got.InputTokens)
	assert.NotNil(t, got.CompletedAt)

	runs, err := st.ListRuns(ctx, 5)
	require.NoError(t, err)
	assert.Len(t, runs, 1)
}

func TestSQLite_Run_NotFound(t *testing.T) {
	st := newTestSQLiteStore(t)

	got, err := st.GetRun(context.Background(), "no-such-run")
	require.NoError(t, err)
	assert.Nil(t, got)

	err = st.FinalizeRun(context.Background(), "no-such-run", RunFinal{Status: model.RunStatusAborted})
	require.Error(t, err)
}

func TestSQLite_Feedback_Totals(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	l, _, err := st.InsertListing(ctx, testCaptured("https://example.com/jobs/10"), nil)
	require.NoError(t, err)
	c, err := st.CreateCluster(ctx, "cluster-a", "", l.ID)
	require.NoError(t, err)

	_, err = st.InsertFeedback(ctx, model.QualityFeedback{
		ListingID: l.ID, ClusterID: &c.ID, Kind: model.FeedbackClusterCorrect,
	})
	require.NoError(t, err)
	fb, err := st.InsertFeedback(ctx, model.QualityFeedback{
		ListingID: l.ID, ClusterID: &c.ID, Kind: model.FeedbackClusterWrong, Notes: ptr("belongs elsewhere"),
	})
	require.NoError(t, err)
	assert.NotZero(t, fb.ID)

	total, byKind, err := st.FeedbackTotals(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	assert.Equal(t, 1, byKind[model.FeedbackClusterCorrect])
	assert.Equal(t, 1, byKind[model.FeedbackClusterWrong])

	rows, err := st.ClusterDisagreement(ctx, 10)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, 1, rows[0].Negative)
	assert.Equal(t, 2, rows[0].Total)
}

func TestSQLite_VerticalSpreads(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	l1, _, err := st.InsertListing(ctx, testCaptured("https://example.com/jobs/11"), nil)
	require.NoError(t, err)
	l2, _, err := st.InsertListing(ctx, testCaptured("https://example.com/jobs/12"), nil)
	require.NoError(t, err)

	ext1 := testExtraction()
	require.NoError(t, st.MarkExtracted(ctx, l1.ID, ext1, model.BudgetTierMid))
	ext2 := testExtraction()
	ext2.Vertical = "healthcare"
	require.NoError(t, st.MarkExtracted(ctx, l2.ID, ext2, model.BudgetTierMid))

	c, err := st.CreateCluster(ctx, "cluster-a", "", l1.ID)
	require.NoError(t, err)
	require.NoError(t, st.AddMembership(ctx, l1.ID, c.ID))
	require.NoError(t, st.AddMembership(ctx, l2.ID, c.ID))

	spreads, err := st.ClusterVerticalSpreads(ctx)
	require.NoError(t, err)
	require.Len(t, spreads, 1)
	assert.Equal(t, 2, spreads[0].ListingCount)
	assert.ElementsMatch(t, []string{"legal", "healthcare"}, spreads[0].Verticals)
}

func TestSQLite_Overview(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	l1, _, err := st.InsertListing(ctx, testCaptured("https://example.com/jobs/13"), nil)
	require.NoError(t, err)
	_, _, err = st.InsertListing(ctx, testCaptured("https://example.com/jobs/14"), nil)
	require.NoError(t, err)
	require.NoError(t, st.MarkExtracted(ctx, l1.ID, testExtraction(), model.BudgetTierMid))

	run, err := st.CreateRun(ctx, 1)
	require.NoError(t, err)
	require.NoError(t, st.FinalizeRun(ctx, run.ID, RunFinal{
		Status: model.RunStatusCompleted, Total: 1, Succeeded: 1, CostCents: 2,
	}))

	o, err := st.Overview(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, o.Total)
	assert.Equal(t, 1, o.Unprocessed)
	assert.Equal(t, 1, o.Processed)
	assert.Equal(t, 1, o.ProcessedToday)
	assert.Equal(t, 2, o.CostCentsThisWeek)
	require.Len(t, o.RecentRuns, 1)
}

func TestSQLite_Overview_Empty(t *testing.T) {
	st := newTestSQLiteStore(t)

	o, err := st.Overview(context.Background())
	require.NoError(t, err)
	assert.Zero(t, o.Total)
	assert.Zero(t, o.Unprocessed)
	assert.Empty(t, o.RecentRuns)
}
