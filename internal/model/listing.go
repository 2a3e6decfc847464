package model

import (
	"encoding/json"
	"strings"
	"time"
)

// BudgetType distinguishes fixed-price from hourly listings.
type BudgetType string

const (
	BudgetTypeFixed  BudgetType = "fixed"
	BudgetTypeHourly BudgetType = "hourly"
)

// BudgetTier is the coarse budget bucket assigned during extraction.
type BudgetTier string

const (
	BudgetTierLow  BudgetTier = "low"
	BudgetTierMid  BudgetTier = "mid"
	BudgetTierHigh BudgetTier = "high"
)

// Listing is a single captured job posting, plus the structured fields the
// extraction stage fills in. A listing is extracted at most once; re-runs only
// consider rows where AIProcessedAt is null.
type Listing struct {
	ID          int64           `json:"id"`
	URL         *string         `json:"url"`
	Title       string          `json:"title"`
	Description *string         `json:"description"`
	BudgetType  *BudgetType     `json:"budget_type"`
	BudgetMin   *float64        `json:"budget_min"`
	BudgetMax   *float64        `json:"budget_max"`
	Skills      []string        `json:"skills"`
	Category    *string         `json:"category"`
	PostedAt    *time.Time      `json:"posted_at"`
	CapturedAt  time.Time       `json:"captured_at"`
	RawData     json.RawMessage `json:"raw_data,omitempty"`
	BuyerID     *int64          `json:"buyer_id"`

	ProblemCategory   *string     `json:"problem_category"`
	Vertical          *string     `json:"vertical"`
	WorkflowDescribed *string     `json:"workflow_described"`
	ToolsMentioned    []string    `json:"tools_mentioned"`
	BudgetTier        *BudgetTier `json:"budget_tier"`
	IsRecurringNeed   *bool       `json:"is_recurring_type_need"`

	AIProcessedAt   *time.Time      `json:"ai_processed_at"`
	AIError         *string         `json:"ai_error"`
	AIConfidence    *float64        `json:"ai_confidence"`
	AIRawExtraction json.RawMessage `json:"ai_raw_extraction,omitempty"`
}

// Extracted reports whether the listing was processed without an item error.
func (l *Listing) Extracted() bool {
	return l.AIProcessedAt != nil && l.AIError == nil
}

// Extraction holds the structured fields the model pulls out of one listing.
type Extraction struct {
	ProblemCategory   string   `json:"problem_category"`
	Vertical          string   `json:"vertical"`
	WorkflowDescribed string   `json:"workflow_described"`
	ToolsMentioned    []string `json:"tools_mentioned"`
	BudgetTier        string   `json:"budget_tier"`
	IsRecurringNeed   bool     `json:"is_recurring_type_need"`
	BuyerCompanyName  *string  `json:"buyer_company_name"`
	BuyerIndustry     *string  `json:"buyer_industry"`
	Confidence        float64  `json:"confidence"`
}

// NormalizeBudgetTier folds the model's free-text tier guess into exactly one
// of low/mid/high. Anything that is not recognizably low or high is mid.
func NormalizeBudgetTier(raw string) BudgetTier {
	lower := strings.ToLower(raw)
	switch {
	case strings.Contains(lower, "low"):
		return BudgetTierLow
	case strings.Contains(lower, "high"):
		return BudgetTierHigh
	default:
		return BudgetTierMid
	}
}

// CapturedClient is the buyer block of a scraper payload.
type CapturedClient struct {
	Name       *string  `json:"name"`
	ProfileURL *string  `json:"profileUrl"`
	JobsPosted *int     `json:"jobsPosted"`
	TotalSpent *string  `json:"totalSpent"`
	HireRate   *float64 `json:"hireRate"`
	Location   *string  `json:"location"`
}

// CapturedListing is the raw payload the browser extension posts for one
// listing. It is stored verbatim in Listing.RawData.
type CapturedListing struct {
	URL         *string         `json:"url"`
	Title       string          `json:"title"`
	Description *string         `json:"description"`
	BudgetType  *string         `json:"budgetType"`
	BudgetMin   *float64        `json:"budgetMin"`
	BudgetMax   *float64        `json:"budgetMax"`
	Skills      []string        `json:"skills"`
	Category    *string         `json:"category"`
	PostedAt    *time.Time      `json:"postedAt"`
	Client      *CapturedClient `json:"client"`
	Meta        json.RawMessage `json:"_meta,omitempty"`
}
