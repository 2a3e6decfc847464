package model

import "time"

// RunStatus represents the lifecycle state of a processing run.
type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusAborted   RunStatus = "aborted"
)

// ProcessingRun tracks one invocation of the extraction or clustering stage.
// A run is created with status running and finalized exactly once.
type ProcessingRun struct {
	ID                 string     `json:"id"`
	Status             RunStatus  `json:"status"`
	ListingsTotal      int        `json:"listings_total"`
	ListingsSucceeded  int        `json:"listings_succeeded"`
	ListingsFailed     int        `json:"listings_failed"`
	InputTokens        int64      `json:"input_tokens"`
	OutputTokens       int64      `json:"output_tokens"`
	EstimatedCostCents int        `json:"estimated_cost_cents"`
	ErrorMessage       *string    `json:"error_message"`
	StartedAt          time.Time  `json:"started_at"`
	CompletedAt        *time.Time `json:"completed_at"`
}
