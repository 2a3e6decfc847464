package model

import "time"

// FeedbackKind classifies a human judgment on extraction or clustering output.
type FeedbackKind string

const (
	FeedbackExtractionCorrect FeedbackKind = "extraction_correct"
	FeedbackExtractionWrong   FeedbackKind = "extraction_wrong"
	FeedbackClusterCorrect    FeedbackKind = "cluster_correct"
	FeedbackClusterWrong      FeedbackKind = "cluster_wrong"
	FeedbackReassignCluster   FeedbackKind = "reassign_cluster"
)

// Valid reports whether k is one of the accepted feedback kinds.
func (k FeedbackKind) Valid() bool {
	switch k {
	case FeedbackExtractionCorrect, FeedbackExtractionWrong,
		FeedbackClusterCorrect, FeedbackClusterWrong, FeedbackReassignCluster:
		return true
	}
	return false
}

// Negative reports whether k counts toward a cluster's disagreement rate.
func (k FeedbackKind) Negative() bool {
	switch k {
	case FeedbackExtractionWrong, FeedbackClusterWrong, FeedbackReassignCluster:
		return true
	}
	return false
}

// QualityFeedback is one append-only human judgment record.
type QualityFeedback struct {
	ID                 int64        `json:"id"`
	ListingID          int64        `json:"listing_id"`
	ClusterID          *int64       `json:"cluster_id"`
	Kind               FeedbackKind `json:"feedback_type"`
	Notes              *string      `json:"notes"`
	SuggestedClusterID *int64       `json:"suggested_cluster_id"`
	CreatedAt          time.Time    `json:"created_at"`
}
