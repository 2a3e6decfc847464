package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/opportunity-radar/internal/cost"
	"github.com/sells-group/opportunity-radar/internal/model"
)

const extractionSchema = `{
  "problem_category": "specific problem being solved, at the level of 'could this be one product?', e.g. 'DocuSign-to-Salesforce sync for real estate agents' not just 'CRM integration'",
  "vertical": "industry/vertical (e.g. Real Estate, E-commerce, Healthcare)",
  "workflow_described": "the manual workflow or pain point described, one sentence",
  "tools_mentioned": ["list", "of", "tools", "and", "platforms"],
  "budget_tier": "low (<$500) | mid ($500-$5000) | high (>$5000)",
  "is_recurring_type_need": true/false (is this a problem many businesses would have?),
  "buyer_company_name": "company name if detectable, else null",
  "buyer_industry": "buyer's industry if detectable, else null",
  "confidence": 0.0-1.0 (1.0 = clear listing with explicit details, 0.7 = reasonable but some inference needed, 0.5 = ambiguous with significant interpretation, 0.3 = vague listing where you are mostly guessing)
}`

const singleExtractPrompt = `Analyze this freelance job listing and extract structured fields.

%s

Return ONLY valid JSON with these fields:
%s`

const batchExtractPrompt = `Analyze these %d freelance job listings and extract structured fields for each.

%s

Return ONLY a valid JSON array. Each element must have an "id" field matching the Listing ID, plus these fields:
%s`

// Item errors recorded when a batch response does not account for a listing.
const (
	errMissingFromBatch  = "missing from batch response"
	errMalformedItemData = "malformed extraction data"
)

// extractTokensPerListing sizes the response budget for one listing inside a
// batch request.
const extractTokensPerListing int64 = 300

// estimateExtractCostCents approximates the run cost for the start event,
// about a tenth of a cent per listing.
func estimateExtractCostCents(total int) int {
	return (total + 9) / 10
}

// Extract pulls up to limit unprocessed listings (oldest first) and runs the
// batched extraction stage. Progress is delivered on the returned channel,
// which always ends with a DoneEvent and is then closed. The error return is
// non-nil only when the run could not start at all.
func (p *Pipeline) Extract(ctx context.Context, limit int) (<-chan Event, error) {
	if err := p.gate.acquire(); err != nil {
		return nil, err
	}

	if limit <= 0 {
		limit = p.cfg.Pipeline.DefaultLimit
	}
	if limit > p.cfg.Pipeline.ExtractMaxLimit {
		limit = p.cfg.Pipeline.ExtractMaxLimit
	}

	listings, err := p.store.UnprocessedListings(ctx, limit)
	if err != nil {
		p.gate.release()
		return nil, eris.Wrap(err, "pipeline: load unprocessed listings")
	}

	em := newEmitter()

	if len(listings) == 0 {
		p.gate.release()
		go em.finish(DoneEvent{Message: "no unprocessed listings"})
		return em.ch, nil
	}

	run, err := p.store.CreateRun(ctx, len(listings))
	if err != nil {
		p.gate.release()
		return nil, eris.Wrap(err, "pipeline: create run")
	}

	go func() {
		defer p.gate.release()
		p.runExtraction(ctx, em, run.ID, listings)
	}()
	return em.ch, nil
}

func (p *Pipeline) runExtraction(ctx context.Context, em *emitter, runID string, listings []model.Listing) {
	log := zap.L().With(zap.String("run_id", runID))
	total := len(listings)
	log.Info("extract: starting run", zap.Int("total", total))

	em.send(StartEvent{Total: total, EstimatedCostCents: estimateExtractCostCents(total)})

	byID := make(map[int64]*model.Listing, total)
	for i := range listings {
		byID[listings[i].ID] = &listings[i]
	}

	batchSize := p.cfg.Pipeline.ExtractBatchSize
	var batches [][]model.Listing
	for i := 0; i < total; i += batchSize {
		end := min(i+batchSize, total)
		batches = append(batches, listings[i:end])
	}

	var usage cost.Usage
	succeeded, failed := 0, 0

	for batchIdx, batch := range batches {
		// Cancellation boundary: one check per batch, never mid-request.
		if ctx.Err() != nil {
			tokens, costCents := p.finalizeRun(ctx, runID, model.RunStatusAborted, succeeded, failed, total, usage, "aborted by user")
			em.finish(DoneEvent{
				Succeeded: succeeded, Failed: failed,
				Tokens: tokens, CostCents: costCents, RunID: runID, Aborted: true,
			})
			return
		}

		em.send(BatchStartEvent{BatchIndex: batchIdx, BatchSize: len(batch)})

		items, batchUsage, batchErr := p.extractBatch(ctx, batch)
		usage.Add(batchUsage)

		if batchErr != nil {
			failure := classifyAPIError(batchErr)
			for i := range batch {
				if err := p.store.MarkExtractionError(context.WithoutCancel(ctx), batch[i].ID, failure.message); err != nil {
					log.Warn("extract: mark error failed", zap.Int64("listing_id", batch[i].ID), zap.Error(err))
				}
				failed++
			}
			if failure.fatal {
				log.Error("extract: fatal provider error",
					zap.String("error_type", failure.errType),
					zap.String("message", failure.message),
				)
				em.send(FatalErrorEvent{
					ErrorType: failure.errType,
					Message:   failure.message,
					Processed: succeeded + failed,
					Skipped:   total - succeeded - failed,
				})
				tokens, costCents := p.finalizeRun(ctx, runID, model.RunStatusAborted, succeeded, failed, total, usage, failure.message)
				em.finish(DoneEvent{
					Succeeded: succeeded, Failed: failed,
					Tokens: tokens, CostCents: costCents, RunID: runID,
				})
				return
			}
			continue
		}

		// The batch is already paid for, so persist its results even if the
		// caller cancelled while the request was in flight.
		persistCtx := context.WithoutCancel(ctx)

		outcomes := make([]ItemOutcome, 0, len(items))
		for _, item := range items {
			listing := byID[item.id]
			if item.err != "" {
				if err := p.store.MarkExtractionError(persistCtx, item.id, item.err); err != nil {
					log.Warn("extract: mark error failed", zap.Int64("listing_id", item.id), zap.Error(err))
				}
				failed++
				outcomes = append(outcomes, ItemOutcome{ID: item.id, Title: listing.Title, Status: "error", Error: item.err})
				continue
			}

			ext := item.result
			tier := model.NormalizeBudgetTier(ext.BudgetTier)
			if err := p.store.MarkExtracted(persistCtx, item.id, *ext, tier); err != nil {
				log.Warn("extract: persist failed", zap.Int64("listing_id", item.id), zap.Error(err))
				failed++
				outcomes = append(outcomes, ItemOutcome{ID: item.id, Title: listing.Title, Status: "error", Error: err.Error()})
				continue
			}

			// Opportunistic buyer enrichment from extraction output.
			if listing.BuyerID != nil && (ext.BuyerCompanyName != nil || ext.BuyerIndustry != nil) {
				if err := p.store.EnrichBuyer(persistCtx, *listing.BuyerID, ext.BuyerCompanyName, ext.BuyerIndustry); err != nil {
					log.Warn("extract: buyer enrichment failed", zap.Int64("buyer_id", *listing.BuyerID), zap.Error(err))
				}
			}

			succeeded++
			normalized := *ext
			normalized.BudgetTier = string(tier)
			outcomes = append(outcomes, ItemOutcome{ID: item.id, Title: listing.Title, Status: "ok", Result: &normalized})
		}

		em.send(BatchDoneEvent{
			BatchIndex:     batchIdx,
			Items:          outcomes,
			Tokens:         TokenCount{Input: batchUsage.HaikuIn, Output: batchUsage.HaikuOut},
			CostSoFarCents: usage.Cents(),
		})
	}

	tokens, costCents := p.finalizeRun(ctx, runID, model.RunStatusCompleted, succeeded, failed, total, usage, "")
	log.Info("extract: run completed",
		zap.Int("succeeded", succeeded),
		zap.Int("failed", failed),
		zap.Int("cost_cents", costCents),
	)
	em.finish(DoneEvent{
		Succeeded: succeeded, Failed: failed,
		Tokens: tokens, CostCents: costCents, RunID: runID,
	})
}

// batchItem is one listing's outcome from a batch (or fallback) request.
type batchItem struct {
	id     int64
	result *model.Extraction
	err    string
}

// extractBatch issues one model request covering the whole batch. On a
// non-fatal request failure it degrades to one request per listing. The
// returned error is non-nil only when the batch is lost entirely.
func (p *Pipeline) extractBatch(ctx context.Context, batch []model.Listing) ([]batchItem, cost.Usage, error) {
	var blocks []string
	for i := range batch {
		blocks = append(blocks, listingBlock(&batch[i], true))
	}
	prompt := fmt.Sprintf(batchExtractPrompt, len(batch), strings.Join(blocks, "\n\n"), extractionSchema)

	resp, err := p.anthropic.CreateMessage(ctx, newHaikuRequest(p.cfg, prompt, extractTokensPerListing*int64(len(batch))))
	if err != nil {
		failure := classifyAPIError(err)
		if failure.fatal {
			return nil, cost.Usage{}, err
		}
		return p.extractFallback(ctx, batch)
	}

	usage := cost.Usage{HaikuIn: resp.Usage.InputTokens, HaikuOut: resp.Usage.OutputTokens}

	arr, err := ExtractJSONArray(resp.Text())
	if err != nil {
		items, fbUsage, fbErr := p.extractFallback(ctx, batch)
		fbUsage.Add(usage)
		return items, fbUsage, fbErr
	}

	var parsed []json.RawMessage
	if err := json.Unmarshal([]byte(arr), &parsed); err != nil {
		items, fbUsage, fbErr := p.extractFallback(ctx, batch)
		fbUsage.Add(usage)
		return items, fbUsage, fbErr
	}

	// Match response items to listings by id tag, never by position.
	type taggedExtraction struct {
		ID int64 `json:"id"`
		model.Extraction
	}
	byID := make(map[int64]*taggedExtraction, len(parsed))
	for _, raw := range parsed {
		var item taggedExtraction
		if err := json.Unmarshal(raw, &item); err != nil {
			continue
		}
		if item.ID != 0 {
			byID[item.ID] = &item
		}
	}

	items := make([]batchItem, 0, len(batch))
	for i := range batch {
		id := batch[i].ID
		tagged, ok := byID[id]
		if !ok {
			items = append(items, batchItem{id: id, err: errMissingFromBatch})
			continue
		}
		ext := tagged.Extraction
		if ext.ProblemCategory == "" && ext.Vertical == "" {
			items = append(items, batchItem{id: id, err: errMalformedItemData})
			continue
		}
		if ext.Confidence <= 0 || ext.Confidence > 1 {
			ext.Confidence = 0.5
		}
		if ext.ToolsMentioned == nil {
			ext.ToolsMentioned = []string{}
		}
		items = append(items, batchItem{id: id, result: &ext})
	}
	return items, usage, nil
}

// extractFallback processes a failed batch one listing at a time. Fatal
// provider errors still abort immediately; anything else errors the item.
func (p *Pipeline) extractFallback(ctx context.Context, batch []model.Listing) ([]batchItem, cost.Usage, error) {
	zap.L().Warn("extract: batch request failed, falling back to per-listing calls", zap.Int("batch_size", len(batch)))

	var usage cost.Usage
	items := make([]batchItem, 0, len(batch))
	for i := range batch {
		ext, itemUsage, err := p.extractOne(ctx, &batch[i])
		usage.Add(itemUsage)
		if err != nil {
			failure := classifyAPIError(err)
			if failure.fatal {
				return nil, usage, err
			}
			items = append(items, batchItem{id: batch[i].ID, err: failure.message})
			continue
		}
		items = append(items, batchItem{id: batch[i].ID, result: ext})
	}
	return items, usage, nil
}

func (p *Pipeline) extractOne(ctx context.Context, listing *model.Listing) (*model.Extraction, cost.Usage, error) {
	prompt := fmt.Sprintf(singleExtractPrompt, listingBlock(listing, false), extractionSchema)

	resp, err := p.anthropic.CreateMessage(ctx, newHaikuRequest(p.cfg, prompt, p.cfg.Anthropic.MaxTokensBase))
	if err != nil {
		return nil, cost.Usage{}, err
	}
	usage := cost.Usage{HaikuIn: resp.Usage.InputTokens, HaikuOut: resp.Usage.OutputTokens}

	obj, err := ExtractJSONObject(resp.Text())
	if err != nil {
		return nil, usage, err
	}
	var ext model.Extraction
	if err := json.Unmarshal([]byte(obj), &ext); err != nil {
		return nil, usage, eris.Wrap(err, "extract: parse extraction")
	}
	if ext.Confidence <= 0 || ext.Confidence > 1 {
		ext.Confidence = 0.5
	}
	if ext.ToolsMentioned == nil {
		ext.ToolsMentioned = []string{}
	}
	return &ext, usage, nil
}

// listingBlock renders one listing for an extraction prompt.
func listingBlock(l *model.Listing, withID bool) string {
	var b strings.Builder
	if withID {
		fmt.Fprintf(&b, "--- Listing ID: %d ---\n", l.ID)
	}
	fmt.Fprintf(&b, "Title: %s\n", l.Title)
	desc := "(not provided)"
	if l.Description != nil && *l.Description != "" {
		desc = *l.Description
	}
	fmt.Fprintf(&b, "Description: %s\n", desc)
	skills := "(none listed)"
	if len(l.Skills) > 0 {
		skills = strings.Join(l.Skills, ", ")
	}
	fmt.Fprintf(&b, "Skills: %s\n", skills)
	fmt.Fprintf(&b, "Budget: %s", budgetLabel(l.BudgetMin, l.BudgetMax))
	return b.String()
}

func budgetLabel(budgetMin, budgetMax *float64) string {
	label := "?"
	if budgetMin != nil {
		label = fmt.Sprintf("$%g", *budgetMin)
	}
	if budgetMax != nil && (budgetMin == nil || *budgetMax != *budgetMin) {
		label += fmt.Sprintf(" - $%g", *budgetMax)
	}
	return label
}
