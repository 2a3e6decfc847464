package model

import "time"

// Buyer is a deduplicated client, keyed by external profile URL. Company name
// and industry are filled in opportunistically by the extraction stage.
type Buyer struct {
	ID          int64      `json:"id"`
	ClientName  *string    `json:"client_name"`
	CompanyName *string    `json:"company_name"`
	ProfileURL  *string    `json:"profile_url"`
	JobsPosted  *int       `json:"jobs_posted"`
	TotalSpent  *string    `json:"total_spent"`
	HireRate    *float64   `json:"hire_rate"`
	Industry    *string    `json:"industry_vertical"`
	CompanySize *string    `json:"company_size_indicator"`
	Location    *string    `json:"location"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}
