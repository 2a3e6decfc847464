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

const suggestClusterPrompt = `A job listing has been categorized as:
Problem: "%s"
Vertical: "%s"

Existing opportunity clusters:
%s

Should this listing join an existing cluster or start a new one?
Two listings belong in the same cluster if they represent the same *product opportunity*: someone could build one product/service to serve both.

Return ONLY valid JSON:
{
  "action": "existing" or "new",
  "cluster_id": <id if existing, omit if new>,
  "cluster_name": "short name for the cluster",
  "cluster_description": "one sentence describing the opportunity"
}`

// clusterSuggestion is the model's membership decision for one listing.
type clusterSuggestion struct {
	Action             string `json:"action"`
	ClusterID          int64  `json:"cluster_id"`
	ClusterName        string `json:"cluster_name"`
	ClusterDescription string `json:"cluster_description"`
}

// clusterDirectory is the run-scoped candidate list used for membership
// decisions. Clusters created during the run are appended so later listings
// in the same run can join them.
type clusterDirectory struct {
	refs []model.ClusterRef
}

func (d *clusterDirectory) add(ref model.ClusterRef) {
	d.refs = append(d.refs, ref)
}

func (d *clusterDirectory) contains(id int64) bool {
	for _, ref := range d.refs {
		if ref.ID == id {
			return true
		}
	}
	return false
}

func (d *clusterDirectory) prompt() string {
	if len(d.refs) == 0 {
		return "  (none yet)"
	}
	lines := make([]string, 0, len(d.refs))
	for _, ref := range d.refs {
		desc := "no description"
		if ref.Description != nil && *ref.Description != "" {
			desc = *ref.Description
		}
		lines = append(lines, fmt.Sprintf("  ID %d: %q: %s", ref.ID, ref.Name, desc))
	}
	return strings.Join(lines, "\n")
}

// Cluster assigns each of the given extracted listings to a new or existing
// opportunity cluster, sequentially so that clusters created early in the run
// are visible to later decisions. The returned channel ends with a DoneEvent.
func (p *Pipeline) Cluster(ctx context.Context, listingIDs []int64) (<-chan Event, error) {
	if err := p.gate.acquire(); err != nil {
		return nil, err
	}

	em := newEmitter()

	if len(listingIDs) == 0 {
		p.gate.release()
		go em.finish(DoneEvent{Message: "no listing ids provided"})
		return em.ch, nil
	}

	listings, err := p.store.ExtractedListings(ctx, listingIDs)
	if err != nil {
		p.gate.release()
		return nil, eris.Wrap(err, "pipeline: load extracted listings")
	}
	if len(listings) == 0 {
		p.gate.release()
		go em.finish(DoneEvent{Message: "no valid extracted listings found"})
		return em.ch, nil
	}

	clusters, err := p.store.ListClusters(ctx)
	if err != nil {
		p.gate.release()
		return nil, eris.Wrap(err, "pipeline: load cluster directory")
	}

	run, err := p.store.CreateRun(ctx, len(listings))
	if err != nil {
		p.gate.release()
		return nil, eris.Wrap(err, "pipeline: create run")
	}

	dir := &clusterDirectory{}
	for i := range clusters {
		dir.add(clusters[i].Ref())
	}

	go func() {
		defer p.gate.release()
		p.runClustering(ctx, em, run.ID, listings, dir)
	}()
	return em.ch, nil
}

func (p *Pipeline) runClustering(ctx context.Context, em *emitter, runID string, listings []model.Listing, dir *clusterDirectory) {
	log := zap.L().With(zap.String("run_id", runID))
	total := len(listings)
	log.Info("cluster: starting run", zap.Int("total", total), zap.Int("existing_clusters", len(dir.refs)))

	em.send(StartEvent{Total: total})

	var usage cost.Usage
	succeeded, failed := 0, 0

	for i := range listings {
		listing := &listings[i]

		// Cancellation boundary: one check per listing.
		if ctx.Err() != nil {
			tokens, costCents := p.finalizeRun(ctx, runID, model.RunStatusAborted, succeeded, failed, total, usage, "aborted by user")
			em.finish(DoneEvent{
				Succeeded: succeeded, Failed: failed,
				Tokens: tokens, CostCents: costCents, RunID: runID, Aborted: true,
			})
			return
		}

		em.send(ProgressEvent{
			Current: succeeded + failed + 1,
			Total:   total,
			Title:   listing.Title,
			Step:    "clustering",
		})

		clusterName, itemUsage, err := p.assignListing(ctx, listing, dir)
		usage.Add(itemUsage)
		if err != nil {
			failure := classifyAPIError(err)
			failed++
			em.send(ItemDoneEvent{
				Current: succeeded + failed, Total: total, Title: listing.Title,
				Status: "error", Error: failure.message, ErrorType: failure.errType,
			})
			if failure.fatal {
				log.Error("cluster: fatal provider error",
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
				// Listings already assigned must still be reflected in the rankings.
				if statsErr := p.RecomputeClusterStats(context.WithoutCancel(ctx)); statsErr != nil {
					log.Warn("cluster: stats recompute after abort failed", zap.Error(statsErr))
				}
				em.finish(DoneEvent{
					Succeeded: succeeded, Failed: failed,
					Tokens: tokens, CostCents: costCents, RunID: runID,
				})
				return
			}
			continue
		}

		succeeded++
		em.send(ItemDoneEvent{
			Current: succeeded + failed, Total: total, Title: listing.Title,
			Status: "ok", Cluster: clusterName,
		})
	}

	tokens, costCents := p.finalizeRun(ctx, runID, model.RunStatusCompleted, succeeded, failed, total, usage, "")
	if err := p.RecomputeClusterStats(ctx); err != nil {
		log.Warn("cluster: stats recompute failed", zap.Error(err))
	}
	log.Info("cluster: run completed",
		zap.Int("succeeded", succeeded),
		zap.Int("failed", failed),
		zap.Int("cost_cents", costCents),
	)
	em.finish(DoneEvent{
		Succeeded: succeeded, Failed: failed,
		Tokens: tokens, CostCents: costCents, RunID: runID,
	})
}

// assignListing asks the model for a membership decision and applies it.
// Returns the name of the cluster the listing joined.
func (p *Pipeline) assignListing(ctx context.Context, listing *model.Listing, dir *clusterDirectory) (string, cost.Usage, error) {
	problem, vertical := "", ""
	if listing.ProblemCategory != nil {
		problem = *listing.ProblemCategory
	}
	if listing.Vertical != nil {
		vertical = *listing.Vertical
	}

	prompt := fmt.Sprintf(suggestClusterPrompt, problem, vertical, dir.prompt())
	resp, err := p.anthropic.CreateMessage(ctx, newHaikuRequest(p.cfg, prompt, 512))
	if err != nil {
		return "", cost.Usage{}, err
	}
	usage := cost.Usage{HaikuIn: resp.Usage.InputTokens, HaikuOut: resp.Usage.OutputTokens}

	obj, err := ExtractJSONObject(resp.Text())
	if err != nil {
		return "", usage, err
	}
	var suggestion clusterSuggestion
	if err := json.Unmarshal([]byte(obj), &suggestion); err != nil {
		return "", usage, eris.Wrap(err, "cluster: parse suggestion")
	}

	// The decision is already paid for; apply it even if the caller cancelled
	// while the request was in flight.
	persistCtx := context.WithoutCancel(ctx)

	var clusterID int64
	clusterName := suggestion.ClusterName
	if suggestion.Action == "existing" && suggestion.ClusterID != 0 && dir.contains(suggestion.ClusterID) {
		clusterID = suggestion.ClusterID
	} else {
		created, err := p.store.CreateCluster(persistCtx, suggestion.ClusterName, suggestion.ClusterDescription, listing.ID)
		if err != nil {
			return "", usage, eris.Wrap(err, "cluster: create cluster")
		}
		clusterID = created.ID
		clusterName = created.Name
		dir.add(created.Ref())
	}

	// Insert-if-absent: an existing edge for this listing is never replaced.
	if err := p.store.AddMembership(persistCtx, listing.ID, clusterID); err != nil {
		return "", usage, eris.Wrap(err, "cluster: add membership")
	}
	return clusterName, usage, nil
}
