package store

import (
	"context"

	"github.com/sells-group/opportunity-radar/internal/model"
)

// ListingFilter specifies criteria for listing queries.
type ListingFilter struct {
	UnprocessedOnly bool `json:"unprocessed,omitempty"`
	Limit           int  `json:"limit,omitempty"`
	Offset          int  `json:"offset,omitempty"`
}

// RunFinal carries the terminal bookkeeping for a processing run.
type RunFinal struct {
	Status       model.RunStatus
	Succeeded    int
	Failed       int
	Total        int
	InputTokens  int64
	OutputTokens int64
	CostCents    int
	ErrorMessage *string
}

// Overlap describes a listing that belongs to more than one cluster.
type Overlap struct {
	ListingID     int64    `json:"listing_id"`
	Title         string   `json:"title"`
	OtherClusters []string `json:"other_clusters"`
}

// DisagreementRow is per-cluster negative-feedback accounting.
type DisagreementRow struct {
	ClusterID int64  `json:"id"`
	Name      string `json:"name"`
	Negative  int    `json:"negative"`
	Total     int    `json:"total"`
}

// VerticalSpread is per-cluster vertical diversity, for coherence checks.
type VerticalSpread struct {
	ClusterID    int64    `json:"id"`
	Name         string   `json:"name"`
	ListingCount int      `json:"listing_count"`
	Verticals    []string `json:"verticals"`
}

// Overview is the corpus-level dashboard summary.
type Overview struct {
	Total                  int                   `json:"total"`
	Unprocessed            int                   `json:"unprocessed"`
	Processed              int                   `json:"processed"`
	ProcessedToday         int                   `json:"processed_today"`
	ProcessedThisWeek      int                   `json:"processed_this_week"`
	Errors                 int                   `json:"errors"`
	NewClustersThisWeek    int                   `json:"new_clusters_this_week"`
	RecentRuns             []model.ProcessingRun `json:"recent_runs"`
	CostCentsThisWeek      int                   `json:"total_cost_cents_this_week"`
}

// Store defines the persistence interface for the opportunity pipeline.
type Store interface {
	// Listings & buyers
	UpsertBuyer(ctx context.Context, client model.CapturedClient) (int64, error)
	InsertListing(ctx context.Context, captured model.CapturedListing, buyerID *int64) (*model.Listing, bool, error)
	GetListing(ctx context.Context, id int64) (*model.Listing, error)
	ListListings(ctx context.Context, filter ListingFilter) ([]model.Listing, error)
	UnprocessedListings(ctx context.Context, limit int) ([]model.Listing, error)
	ExtractedListings(ctx context.Context, ids []int64) ([]model.Listing, error)
	AllExtractedListings(ctx context.Context) ([]model.Listing, error)
	MarkExtracted(ctx context.Context, id int64, ext model.Extraction, tier model.BudgetTier) error
	MarkExtractionError(ctx context.Context, id int64, msg string) error
	EnrichBuyer(ctx context.Context, buyerID int64, companyName, industry *string) error

	// Clusters & membership
	ListClusters(ctx context.Context) ([]model.Cluster, error)
	GetCluster(ctx context.Context, id int64) (*model.Cluster, error)
	CreateCluster(ctx context.Context, name, description string, representativeListing int64) (*model.Cluster, error)
	UpdateClusterMeta(ctx context.Context, id int64, name, description *string) (*model.Cluster, error)
	UpdateClusterStats(ctx context.Context, id int64, stats model.ClusterStats) error
	SetClusterInterpretation(ctx context.Context, id int64, text string) error
	SetClusterBrief(ctx context.Context, id int64, briefJSON string) error
	DeleteCluster(ctx context.Context, id int64) error
	AddMembership(ctx context.Context, listingID, clusterID int64) error
	RemoveMembership(ctx context.Context, listingID, clusterID int64) error
	MoveMemberships(ctx context.Context, sourceID, targetID int64) error
	ClusterMembers(ctx context.Context, clusterID int64) ([]model.MemberStat, error)
	AllClusterMembers(ctx context.Context) (map[int64][]model.MemberStat, error)
	ClusterListings(ctx context.Context, clusterID int64) ([]model.Listing, error)
	OverlapListings(ctx context.Context, clusterID int64) ([]Overlap, error)

	// Processing runs
	CreateRun(ctx context.Context, total int) (*model.ProcessingRun, error)
	FinalizeRun(ctx context.Context, runID string, final RunFinal) error
	GetRun(ctx context.Context, runID string) (*model.ProcessingRun, error)
	ListRuns(ctx context.Context, limit int) ([]model.ProcessingRun, error)

	// Quality feedback
	InsertFeedback(ctx context.Context, fb model.QualityFeedback) (*model.QualityFeedback, error)
	FeedbackTotals(ctx context.Context) (int, map[model.FeedbackKind]int, error)
	ClusterDisagreement(ctx context.Context, limit int) ([]DisagreementRow, error)
	ClusterVerticalSpreads(ctx context.Context) ([]VerticalSpread, error)

	// Dashboard
	Overview(ctx context.Context) (*Overview, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}
