package model

import "time"

// Cluster is a named group of listings judged to represent one buildable
// product opportunity. The derived fields (ListingCount through Velocity) are
// owned by the aggregate stats engine and overwritten on every recompute.
type Cluster struct {
	ID                   int64      `json:"id"`
	Name                 string     `json:"name"`
	Description          *string    `json:"description"`
	RepresentativeListing *int64    `json:"representative_listing_id"`
	ListingCount         int        `json:"listing_count"`
	AvgBudget            *float64   `json:"avg_budget"`
	HeatScore            float64    `json:"heat_score"`
	Velocity             float64    `json:"velocity"`
	Interpretation       *string    `json:"interpretation,omitempty"`
	InterpretationAt     *time.Time `json:"interpretation_at,omitempty"`
	ProductBrief         *string    `json:"product_brief,omitempty"`
	ProductBriefAt       *time.Time `json:"product_brief_at,omitempty"`
	CreatedAt            time.Time  `json:"created_at"`
	UpdatedAt            time.Time  `json:"updated_at"`
}

// ClusterRef is the compact form sent to the model when deciding membership.
type ClusterRef struct {
	ID          int64   `json:"id"`
	Name        string  `json:"name"`
	Description *string `json:"description"`
}

// Ref trims a cluster down to the fields the assignment prompt needs.
func (c *Cluster) Ref() ClusterRef {
	return ClusterRef{ID: c.ID, Name: c.Name, Description: c.Description}
}

// MemberStat is the per-listing slice of data the stats engine needs.
type MemberStat struct {
	ListingID  int64
	BudgetMin  *float64
	BudgetMax  *float64
	CapturedAt time.Time
}

// ClusterStats holds the four derived fields written back after a recompute.
type ClusterStats struct {
	ListingCount int
	AvgBudget    *float64
	HeatScore    float64
	Velocity     float64
}
