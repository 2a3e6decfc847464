package pipeline

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/sells-group/opportunity-radar/internal/model"
)

// IngestResult summarizes one ingestion batch.
type IngestResult struct {
	Inserted int      `json:"inserted"`
	Skipped  int      `json:"skipped"`
	Errors   []string `json:"errors,omitempty"`
	Listings []model.Listing
}

// Ingest stores a batch of captured listings, upserting buyers by profile URL
// and deduplicating listings by URL. A malformed record is skipped with a
// reported reason and never aborts the batch.
func (p *Pipeline) Ingest(ctx context.Context, captured []model.CapturedListing) (*IngestResult, error) {
	result := &IngestResult{}

	for i := range captured {
		c := &captured[i]
		if c.Title == "" {
			result.Skipped++
			result.Errors = append(result.Errors, fmt.Sprintf("record %d: missing title", i))
			continue
		}

		var buyerID *int64
		if c.Client != nil && c.Client.ProfileURL != nil {
			id, err := p.store.UpsertBuyer(ctx, *c.Client)
			if err != nil {
				zap.L().Warn("ingest: buyer upsert failed", zap.Int("record", i), zap.Error(err))
				result.Skipped++
				result.Errors = append(result.Errors, fmt.Sprintf("record %d: %s", i, err))
				continue
			}
			buyerID = &id
		}

		listing, inserted, err := p.store.InsertListing(ctx, *c, buyerID)
		if err != nil {
			zap.L().Warn("ingest: listing insert failed", zap.Int("record", i), zap.Error(err))
			result.Skipped++
			result.Errors = append(result.Errors, fmt.Sprintf("record %d: %s", i, err))
			continue
		}
		if !inserted {
			// Duplicate URL.
			result.Skipped++
			continue
		}
		result.Inserted++
		result.Listings = append(result.Listings, *listing)
	}

	zap.L().Info("ingest: batch stored",
		zap.Int("inserted", result.Inserted),
		zap.Int("skipped", result.Skipped),
	)
	return result, nil
}
