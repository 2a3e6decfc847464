package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/sells-group/opportunity-radar/internal/model"
	"github.com/sells-group/opportunity-radar/internal/pipeline"
	"github.com/sells-group/opportunity-radar/internal/quality"
	"github.com/sells-group/opportunity-radar/internal/store"
)

type apiServer struct {
	env *pipelineEnv
}

func (a *apiServer) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (a *apiServer) stats(w http.ResponseWriter, r *http.Request) {
	ov, err := a.env.Store.Overview(r.Context())
	if err != nil {
		serverError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ov)
}

func (a *apiServer) listListings(w http.ResponseWriter, r *http.Request) {
	filter := store.ListingFilter{
		UnprocessedOnly: r.URL.Query().Get("unprocessed") == "true",
		Limit:           queryInt(r, "limit", 50),
		Offset:          queryInt(r, "offset", 0),
	}
	listings, err := a.env.Store.ListListings(r.Context(), filter)
	if err != nil {
		serverError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"listings": listings, "count": len(listings)})
}

func (a *apiServer) ingest(w http.ResponseWriter, r *http.Request) {
	var captured []model.CapturedListing
	if err := json.NewDecoder(r.Body).Decode(&captured); err != nil {
		badRequest(w, "request body must be a JSON array of listings")
		return
	}
	result, err := a.env.Pipeline.Ingest(r.Context(), captured)
	if err != nil {
		serverError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// -- processing (SSE) --

func (a *apiServer) processExtract(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 0)
	events, err := a.env.Pipeline.Extract(r.Context(), limit)
	if err != nil {
		startError(w, err)
		return
	}
	streamEvents(w, r, events)
}

func (a *apiServer) processCluster(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ListingIDs []int64 `json:"listing_ids"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "invalid request body")
		return
	}
	events, err := a.env.Pipeline.Cluster(r.Context(), req.ListingIDs)
	if err != nil {
		startError(w, err)
		return
	}
	streamEvents(w, r, events)
}

// streamEvents relays a pipeline event channel as server-sent events. The
// stream always ends with a done event.
func streamEvents(w http.ResponseWriter, r *http.Request, events <-chan pipeline.Event) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		serverError(w, errors.New("streaming unsupported"))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for ev := range events {
		payload, err := json.Marshal(ev)
		if err != nil {
			zap.L().Warn("serve: marshal event failed", zap.Error(err))
			continue
		}
		fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Kind(), payload)
		flusher.Flush()
	}
}

// -- clusters --

func (a *apiServer) listClusters(w http.ResponseWriter, r *http.Request) {
	clusters, err := a.env.Store.ListClusters(r.Context())
	if err != nil {
		serverError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"clusters": clusters, "count": len(clusters)})
}

func (a *apiServer) clusterDetail(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	ctx := r.Context()

	cluster, err := a.env.Store.GetCluster(ctx, id)
	if err != nil {
		serverError(w, err)
		return
	}
	if cluster == nil {
		notFound(w, "cluster not found")
		return
	}

	members, err := a.env.Store.ClusterListings(ctx, id)
	if err != nil {
		serverError(w, err)
		return
	}
	overlaps, err := a.env.Store.OverlapListings(ctx, id)
	if err != nil {
		serverError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"cluster":     cluster,
		"members":     members,
		"overlaps":    overlaps,
		"tool_counts": toolCounts(members),
		"sources":     sourceCounts(members),
	})
}

// toolCounts tallies extracted tool mentions across member listings.
func toolCounts(members []model.Listing) map[string]int {
	counts := make(map[string]int)
	for i := range members {
		for _, tool := range members[i].ToolsMentioned {
			if tool != "" {
				counts[tool]++
			}
		}
	}
	return counts
}

// sourceCounts tallies the scraper source tags buried in the raw payloads.
func sourceCounts(members []model.Listing) map[string]int {
	counts := make(map[string]int)
	for i := range members {
		if len(members[i].RawData) == 0 {
			continue
		}
		if src := gjson.GetBytes(members[i].RawData, "_meta.source").String(); src != "" {
			counts[src]++
		}
	}
	return counts
}

func (a *apiServer) updateCluster(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req struct {
		Name        *string `json:"name"`
		Description *string `json:"description"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "invalid request body")
		return
	}
	if req.Name == nil && req.Description == nil {
		badRequest(w, "nothing to update")
		return
	}
	cluster, err := a.env.Store.UpdateClusterMeta(r.Context(), id, req.Name, req.Description)
	if err != nil {
		serverError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cluster)
}

func (a *apiServer) mergeCluster(w http.ResponseWriter, r *http.Request) {
	targetID, ok := pathID(w, r)
	if !ok {
		return
	}
	var req struct {
		SourceID int64 `json:"source_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.SourceID == 0 {
		badRequest(w, "source_id is required")
		return
	}
	merged, err := a.env.Pipeline.Merge(r.Context(), targetID, req.SourceID)
	if err != nil {
		serverError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, merged)
}

func (a *apiServer) interpretCluster(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	force := r.URL.Query().Get("force") == "true"
	text, usage, err := a.env.Pipeline.InterpretCluster(r.Context(), id, force)
	if err != nil {
		serverError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"interpretation": text,
		"cost_cents":     usage.Cents(),
		"cached":         usage.TotalIn() == 0,
	})
}

func (a *apiServer) clusterBrief(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	force := r.URL.Query().Get("force") == "true"
	briefJSON, usage, err := a.env.Pipeline.GenerateBrief(r.Context(), id, force)
	if err != nil {
		serverError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"brief":      json.RawMessage(briefJSON),
		"cost_cents": usage.Cents(),
		"cached":     usage.TotalIn() == 0,
	})
}

// -- quality & feedback --

func (a *apiServer) qualityReport(w http.ResponseWriter, r *http.Request) {
	report, err := quality.NewReporter(a.env.Store).Build(r.Context())
	if err != nil {
		serverError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (a *apiServer) submitFeedback(w http.ResponseWriter, r *http.Request) {
	var fb model.QualityFeedback
	if err := json.NewDecoder(r.Body).Decode(&fb); err != nil {
		badRequest(w, "invalid request body")
		return
	}
	saved, err := a.env.Pipeline.SubmitFeedback(r.Context(), fb)
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, saved)
}

func (a *apiServer) listRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := a.env.Store.ListRuns(r.Context(), queryInt(r, "limit", 20))
	if err != nil {
		serverError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs, "count": len(runs)})
}

// -- helpers --

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zap.L().Warn("serve: write response failed", zap.Error(err))
	}
}

func badRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, map[string]string{"error": msg})
}

func notFound(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusNotFound, map[string]string{"error": msg})
}

func serverError(w http.ResponseWriter, err error) {
	zap.L().Error("serve: request failed", zap.Error(err))
	writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
}

// startError maps a run-start failure: a run already in flight is a conflict,
// anything else is a 500.
func startError(w http.ResponseWriter, err error) {
	if errors.Is(err, pipeline.ErrRunActive) {
		writeJSON(w, http.StatusConflict, map[string]string{"error": "another processing run is already active"})
		return
	}
	serverError(w, err)
}

func pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		badRequest(w, "invalid cluster id")
		return 0, false
	}
	return id, true
}

func queryInt(r *http.Request, key string, fallback int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return n
}
