package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"testing"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/opportunity-radar/internal/config"
	"github.com/sells-group/opportunity-radar/internal/model"
	"github.com/sells-group/opportunity-radar/internal/store"
)

func ptr[T any](v T) *T { return &v }

func testConfig() *config.Config {
	return &config.Config{
		Anthropic: config.AnthropicConfig{
			HaikuModel:    "haiku-test",
			SonnetModel:   "sonnet-test",
			MaxTokensBase: 1024,
		},
		Pipeline: config.PipelineConfig{
			ExtractBatchSize: 10,
			ExtractMaxLimit:  500,
			DefaultLimit:     20,
			BriefMaxListings: 50,
		},
	}
}

// newTestPipeline wires a Pipeline against a real SQLite store and the given
// mock completion client.
func newTestPipeline(t *testing.T, ai *mockAI) (*Pipeline, store.Store) {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))

	return New(testConfig(), st, ai), st
}

// seedListings inserts n unprocessed listings and returns them in insertion
// order.
func seedListings(t *testing.T, st store.Store, n int) []model.Listing {
	t.Helper()
	ctx := context.Background()
	out := make([]model.Listing, 0, n)
	for i := 0; i < n; i++ {
		l, inserted, err := st.InsertListing(ctx, model.CapturedListing{
			URL:       ptr(fmt.Sprintf("https://example.com/jobs/%d", i)),
			Title:     fmt.Sprintf("Automate workflow %d", i),
			Skills:    []string{"Zapier"},
			BudgetMin: ptr(500.0),
			BudgetMax: ptr(1500.0),
		}, nil)
		require.NoError(t, err)
		require.True(t, inserted)
		out = append(out, *l)
	}
	return out
}

// extractionJSON renders a batch response array covering the given ids.
func extractionJSON(ids ...int64) string {
	type item struct {
		ID int64 `json:"id"`
		model.Extraction
	}
	items := make([]item, 0, len(ids))
	for _, id := range ids {
		items = append(items, item{
			ID: id,
			Extraction: model.Extraction{
				ProblemCategory:   "invoice sync automation",
				Vertical:          "E-commerce",
				WorkflowDescribed: "manually copying invoices between tools",
				ToolsMentioned:    []string{"Zapier", "QuickBooks"},
				BudgetTier:        "mid",
				IsRecurringNeed:   true,
				Confidence:        0.8,
			},
		})
	}
	b, _ := json.Marshal(items)
	return string(b)
}

// collectEvents drains a run stream to completion.
func collectEvents(t *testing.T, ch <-chan Event) []Event {
	t.Helper()
	var events []Event
	for ev := range ch {
		events = append(events, ev)
	}
	require.NotEmpty(t, events)
	_, ok := events[len(events)-1].(DoneEvent)
	require.True(t, ok, "stream must terminate with DoneEvent")
	return events
}

func doneEvent(t *testing.T, events []Event) DoneEvent {
	t.Helper()
	return events[len(events)-1].(DoneEvent)
}

func rateLimitErr() error { return &sdk.Error{StatusCode: 429} }
func authErr() error      { return &sdk.Error{StatusCode: 401} }
