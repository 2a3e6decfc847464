package pipeline

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/opportunity-radar/internal/model"
	"github.com/sells-group/opportunity-radar/pkg/anthropic"
)

func TestExtract_NoUnprocessedListings(t *testing.T) {
	ai := &mockAI{}
	p, _ := newTestPipeline(t, ai)

	ch, err := p.Extract(context.Background(), 10)
	require.NoError(t, err)

	events := collectEvents(t, ch)
	done := doneEvent(t, events)
	assert.Equal(t, "no unprocessed listings", done.Message)
	ai.AssertNotCalled(t, "CreateMessage")
}

func TestExtract_SingleBatchSuccess(t *testing.T) {
	ai := &mockAI{}
	p, st := newTestPipeline(t, ai)
	listings := seedListings(t, st, 3)

	ai.On("CreateMessage", mock.Anything, mock.Anything).
		Return(textResponse(extractionJSON(listings[0].ID, listings[1].ID, listings[2].ID), 2000, 900), nil).
		Once()

	ch, err := p.Extract(context.Background(), 10)
	require.NoError(t, err)
	events := collectEvents(t, ch)

	start, ok := events[0].(StartEvent)
	require.True(t, ok)
	assert.Equal(t, 3, start.Total)

	var batchDone *BatchDoneEvent
	for _, ev := range events {
		if bd, ok := ev.(BatchDoneEvent); ok {
			batchDone = &bd
		}
	}
	require.NotNil(t, batchDone)
	assert.Len(t, batchDone.Items, 3)
	for _, item := range batchDone.Items {
		assert.Equal(t, "ok", item.Status)
	}

	done := doneEvent(t, events)
	assert.Equal(t, 3, done.Succeeded)
	assert.Zero(t, done.Failed)
	assert.Equal(t, int64(2000), done.Tokens.Input)
	assert.Equal(t, int64(900), done.Tokens.Output)
	// 2000*1 + 900*5 = 6500 weighted, ceil to 1 cent.
	assert.Equal(t, 1, done.CostCents)

	for _, l := range listings {
		got, err := st.GetListing(context.Background(), l.ID)
		require.NoError(t, err)
		assert.True(t, got.Extracted())
		assert.Equal(t, model.BudgetTierMid, *got.BudgetTier)
	}

	run, err := st.GetRun(context.Background(), done.RunID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusCompleted, run.Status)
	assert.Equal(t, 3, run.ListingsSucceeded)
	ai.AssertExpectations(t)
}

func TestExtract_MissingIDMarkedAsItemError(t *testing.T) {
	ai := &mockAI{}
	p, st := newTestPipeline(t, ai)
	listings := seedListings(t, st, 2)

	// Response covers only the first listing.
	ai.On("CreateMessage", mock.Anything, mock.Anything).
		Return(textResponse(extractionJSON(listings[0].ID), 1000, 300), nil).
		Once()

	ch, err := p.Extract(context.Background(), 10)
	require.NoError(t, err)
	done := doneEvent(t, collectEvents(t, ch))

	assert.Equal(t, 1, done.Succeeded)
	assert.Equal(t, 1, done.Failed)

	got, err := st.GetListing(context.Background(), listings[1].ID)
	require.NoError(t, err)
	assert.False(t, got.Extracted())
	assert.Equal(t, errMissingFromBatch, *got.AIError)
	ai.AssertExpectations(t)
}

func TestExtract_FencedResponseParses(t *testing.T) {
	ai := &mockAI{}
	p, st := newTestPipeline(t, ai)
	listings := seedListings(t, st, 1)

	fenced := "Here are the results:\n```json\n" + extractionJSON(listings[0].ID) + "\n```"
	ai.On("CreateMessage", mock.Anything, mock.Anything).
		Return(textResponse(fenced, 500, 200), nil).
		Once()

	ch, err := p.Extract(context.Background(), 10)
	require.NoError(t, err)
	done := doneEvent(t, collectEvents(t, ch))
	assert.Equal(t, 1, done.Succeeded)
	ai.AssertExpectations(t)
}

func TestExtract_RateLimitMidRunAbortsAndSkipsRemainder(t *testing.T) {
	ai := &mockAI{}
	p, st := newTestPipeline(t, ai)
	listings := seedListings(t, st, 25) // 3 batches of 10/10/5

	batch1 := make([]int64, 10)
	for i := 0; i < 10; i++ {
		batch1[i] = listings[i].ID
	}
	ai.On("CreateMessage", mock.Anything, mock.Anything).
		Return(textResponse(extractionJSON(batch1...), 5000, 2000), nil).
		Once()
	ai.On("CreateMessage", mock.Anything, mock.Anything).
		Return(nil, rateLimitErr()).
		Once()

	ch, err := p.Extract(context.Background(), 25)
	require.NoError(t, err)
	events := collectEvents(t, ch)

	var fatal *FatalErrorEvent
	for _, ev := range events {
		if fe, ok := ev.(FatalErrorEvent); ok {
			fatal = &fe
		}
	}
	require.NotNil(t, fatal)
	assert.Equal(t, errTypeRateLimit, fatal.ErrorType)
	assert.Equal(t, 20, fatal.Processed)
	assert.Equal(t, 5, fatal.Skipped)

	done := doneEvent(t, events)
	assert.Equal(t, 10, done.Succeeded)
	assert.Equal(t, 10, done.Failed)

	run, err := st.GetRun(context.Background(), done.RunID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusAborted, run.Status)
	require.NotNil(t, run.ErrorMessage)
	assert.Contains(t, *run.ErrorMessage, "rate limited")

	// Batch 3 listings stay unprocessed; batch 2 listings carry the error.
	unprocessed, err := st.UnprocessedListings(context.Background(), 100)
	require.NoError(t, err)
	assert.Len(t, unprocessed, 5)

	errored, err := st.GetListing(context.Background(), listings[12].ID)
	require.NoError(t, err)
	assert.NotNil(t, errored.AIError)

	// Exactly two model calls: no request after the fatal batch.
	ai.AssertNumberOfCalls(t, "CreateMessage", 2)
}

func TestExtract_AuthErrorIsFatal(t *testing.T) {
	ai := &mockAI{}
	p, st := newTestPipeline(t, ai)
	seedListings(t, st, 2)

	ai.On("CreateMessage", mock.Anything, mock.Anything).
		Return(nil, authErr()).
		Once()

	ch, err := p.Extract(context.Background(), 10)
	require.NoError(t, err)
	events := collectEvents(t, ch)

	var fatal *FatalErrorEvent
	for _, ev := range events {
		if fe, ok := ev.(FatalErrorEvent); ok {
			fatal = &fe
		}
	}
	require.NotNil(t, fatal)
	assert.Equal(t, errTypeAuth, fatal.ErrorType)
	assert.Contains(t, fatal.Message, "ANTHROPIC_API_KEY")
	ai.AssertExpectations(t)
}

func TestExtract_DegradedFallbackPerListing(t *testing.T) {
	ai := &mockAI{}
	p, st := newTestPipeline(t, ai)
	listings := seedListings(t, st, 2)

	single := func(id int64) string {
		return fmt.Sprintf(`{"problem_category":"automation %d","vertical":"Legal","workflow_described":"w","tools_mentioned":["Zapier"],"budget_tier":"high budget","is_recurring_type_need":false,"confidence":0.7}`, id)
	}

	// Batch request fails with a generic error; per-listing calls succeed.
	ai.On("CreateMessage", mock.Anything, mock.Anything).
		Return(nil, fmt.Errorf("connection reset")).
		Once()
	ai.On("CreateMessage", mock.Anything, mock.Anything).
		Return(textResponse(single(listings[0].ID), 400, 150), nil).
		Once()
	ai.On("CreateMessage", mock.Anything, mock.Anything).
		Return(textResponse(single(listings[1].ID), 400, 150), nil).
		Once()

	ch, err := p.Extract(context.Background(), 10)
	require.NoError(t, err)
	done := doneEvent(t, collectEvents(t, ch))

	assert.Equal(t, 2, done.Succeeded)
	assert.Zero(t, done.Failed)
	assert.Equal(t, int64(800), done.Tokens.Input)

	got, err := st.GetListing(context.Background(), listings[0].ID)
	require.NoError(t, err)
	assert.Equal(t, model.BudgetTierHigh, *got.BudgetTier)
	ai.AssertNumberOfCalls(t, "CreateMessage", 3)
}

func TestExtract_CancellationAtBatchBoundary(t *testing.T) {
	ai := &mockAI{}
	p, st := newTestPipeline(t, ai)
	listings := seedListings(t, st, 12) // 2 batches

	ctx, cancel := context.WithCancel(context.Background())

	batch1 := make([]int64, 10)
	for i := 0; i < 10; i++ {
		batch1[i] = listings[i].ID
	}
	// Cancel while the first batch is in flight; the boundary check before
	// batch 2 must stop the run.
	ai.On("CreateMessage", mock.Anything, mock.Anything).
		Run(func(mock.Arguments) { cancel() }).
		Return(textResponse(extractionJSON(batch1...), 1000, 400), nil).
		Once()

	ch, err := p.Extract(ctx, 12)
	require.NoError(t, err)
	events := collectEvents(t, ch)

	done := doneEvent(t, events)
	assert.True(t, done.Aborted)
	assert.Equal(t, 10, done.Succeeded)

	run, err := st.GetRun(context.Background(), done.RunID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusAborted, run.Status)

	ai.AssertNumberOfCalls(t, "CreateMessage", 1)
}

func TestExtract_RejectsConcurrentRun(t *testing.T) {
	ai := &mockAI{}
	p, st := newTestPipeline(t, ai)
	listings := seedListings(t, st, 1)

	release := make(chan struct{})
	ai.On("CreateMessage", mock.Anything, mock.Anything).
		Run(func(mock.Arguments) { <-release }).
		Return(textResponse(extractionJSON(listings[0].ID), 100, 50), nil).
		Once()

	ch, err := p.Extract(context.Background(), 10)
	require.NoError(t, err)

	_, err = p.Extract(context.Background(), 10)
	assert.ErrorIs(t, err, ErrRunActive)

	close(release)
	collectEvents(t, ch)
}

func TestExtract_BuyerEnrichmentFromExtraction(t *testing.T) {
	ai := &mockAI{}
	p, st := newTestPipeline(t, ai)

	ctx := context.Background()
	profileURL := "https://example.com/buyers/9"
	l, _, err := st.InsertListing(ctx, model.CapturedListing{
		URL:    ptr("https://example.com/jobs/enrich"),
		Title:  "Sync CRM to invoicing",
		Client: nil,
	}, nil)
	require.NoError(t, err)
	buyerID, err := st.UpsertBuyer(ctx, model.CapturedClient{ProfileURL: &profileURL})
	require.NoError(t, err)

	// Second listing carries the buyer.
	l2, _, err := st.InsertListing(ctx, model.CapturedListing{
		URL:   ptr("https://example.com/jobs/enrich2"),
		Title: "Sync CRM to invoicing again",
	}, &buyerID)
	require.NoError(t, err)

	resp := fmt.Sprintf(`[{"id":%d,"problem_category":"crm sync","vertical":"Legal","workflow_described":"w","tools_mentioned":[],"budget_tier":"mid","is_recurring_type_need":true,"buyer_company_name":"Acme Legal","buyer_industry":"legal","confidence":0.9},
		{"id":%d,"problem_category":"crm sync","vertical":"Legal","workflow_described":"w","tools_mentioned":[],"budget_tier":"mid","is_recurring_type_need":true,"confidence":0.9}]`, l2.ID, l.ID)
	ai.On("CreateMessage", mock.Anything, mock.Anything).
		Return(textResponse(resp, 500, 200), nil).
		Once()

	ch, err := p.Extract(ctx, 10)
	require.NoError(t, err)
	done := doneEvent(t, collectEvents(t, ch))
	assert.Equal(t, 2, done.Succeeded)
	ai.AssertExpectations(t)
}

func TestExtract_LimitClampedToMax(t *testing.T) {
	ai := &mockAI{}
	p, _ := newTestPipeline(t, ai)

	// With no listings the run short-circuits, but the clamp must not panic
	// on silly limits.
	ch, err := p.Extract(context.Background(), 1_000_000)
	require.NoError(t, err)
	collectEvents(t, ch)

	ch, err = p.Extract(context.Background(), -5)
	require.NoError(t, err)
	collectEvents(t, ch)
}

var _ anthropic.Client = (*mockAI)(nil)
