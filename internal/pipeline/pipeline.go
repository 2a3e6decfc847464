// Package pipeline implements the enrichment stages that turn raw captured
// listings into ranked opportunity clusters: extraction, cluster assignment,
// aggregate stats, merges, and the quality feedback loop.
package pipeline

import (
	"context"

	"go.uber.org/zap"

	"github.com/sells-group/opportunity-radar/internal/config"
	"github.com/sells-group/opportunity-radar/internal/cost"
	"github.com/sells-group/opportunity-radar/internal/model"
	"github.com/sells-group/opportunity-radar/internal/store"
	"github.com/sells-group/opportunity-radar/pkg/anthropic"
)

// Pipeline orchestrates the extraction and clustering stages.
type Pipeline struct {
	cfg       *config.Config
	store     store.Store
	anthropic anthropic.Client
	gate      runGate
}

// New creates a Pipeline with all dependencies.
func New(cfg *config.Config, st store.Store, aiClient anthropic.Client) *Pipeline {
	return &Pipeline{
		cfg:       cfg,
		store:     st,
		anthropic: aiClient,
	}
}

// newHaikuRequest builds a single-user-message request against the cheap
// model tier.
func newHaikuRequest(cfg *config.Config, prompt string, maxTokens int64) anthropic.MessageRequest {
	return anthropic.MessageRequest{
		Model:     cfg.Anthropic.HaikuModel,
		MaxTokens: maxTokens,
		Messages:  []anthropic.Message{{Role: "user", Content: prompt}},
	}
}

// newSonnetRequest builds a request against the more capable model tier.
func newSonnetRequest(cfg *config.Config, prompt string, maxTokens int64) anthropic.MessageRequest {
	return anthropic.MessageRequest{
		Model:     cfg.Anthropic.SonnetModel,
		MaxTokens: maxTokens,
		Messages:  []anthropic.Message{{Role: "user", Content: prompt}},
	}
}

// finalizeRun writes the terminal run row. Bookkeeping is best-effort: a
// failure here is logged and never propagated into the run stream.
func (p *Pipeline) finalizeRun(ctx context.Context, runID string, status model.RunStatus, succeeded, failed, total int, usage cost.Usage, errMsg string) (TokenCount, int) {
	tokens := TokenCount{Input: usage.TotalIn(), Output: usage.TotalOut()}
	costCents := usage.Cents()

	final := store.RunFinal{
		Status:       status,
		Succeeded:    succeeded,
		Failed:       failed,
		Total:        total,
		InputTokens:  tokens.Input,
		OutputTokens: tokens.Output,
		CostCents:    costCents,
	}
	if errMsg != "" {
		final.ErrorMessage = &errMsg
	}

	// The run row must still be written when ctx was canceled mid-run.
	if err := p.store.FinalizeRun(context.WithoutCancel(ctx), runID, final); err != nil {
		zap.L().Warn("pipeline: finalize run failed",
			zap.String("run_id", runID),
			zap.Error(err),
		)
	}
	return tokens, costCents
}
