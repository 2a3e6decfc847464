package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/opportunity-radar/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS buyers (
	id                     INTEGER PRIMARY KEY AUTOINCREMENT,
	client_name            TEXT,
	company_name           TEXT,
	profile_url            TEXT UNIQUE,
	jobs_posted            INTEGER,
	total_spent            TEXT,
	hire_rate              REAL,
	industry_vertical      TEXT,
	company_size_indicator TEXT,
	location               TEXT,
	created_at             DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at             DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS listings (
	id                     INTEGER PRIMARY KEY AUTOINCREMENT,
	url                    TEXT UNIQUE,
	title                  TEXT NOT NULL,
	description            TEXT,
	budget_type            TEXT,
	budget_min             REAL,
	budget_max             REAL,
	skills                 TEXT NOT NULL DEFAULT '[]',
	category               TEXT,
	posted_at              DATETIME,
	captured_at            DATETIME NOT NULL DEFAULT (datetime('now')),
	raw_data               TEXT,
	buyer_id               INTEGER REFERENCES buyers(id),
	problem_category       TEXT,
	vertical               TEXT,
	workflow_described     TEXT,
	tools_mentioned        TEXT,
	budget_tier            TEXT,
	is_recurring_type_need INTEGER,
	ai_processed_at        DATETIME,
	ai_error               TEXT,
	ai_confidence          REAL,
	ai_raw_extraction      TEXT
);

CREATE INDEX IF NOT EXISTS idx_listings_buyer_id ON listings(buyer_id);

CREATE TABLE IF NOT EXISTS clusters (
	id                        INTEGER PRIMARY KEY AUTOINCREMENT,
	name                      TEXT NOT NULL,
	description               TEXT,
	representative_listing_id INTEGER REFERENCES listings(id),
	listing_count             INTEGER NOT NULL DEFAULT 0,
	avg_budget                REAL,
	heat_score                REAL NOT NULL DEFAULT 0,
	velocity                  REAL NOT NULL DEFAULT 0,
	interpretation            TEXT,
	interpretation_at         DATETIME,
	product_brief             TEXT,
	product_brief_at          DATETIME,
	created_at                DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at                DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS listing_clusters (
	listing_id INTEGER NOT NULL REFERENCES listings(id),
	cluster_id INTEGER NOT NULL REFERENCES clusters(id),
	created_at DATETIME NOT NULL DEFAULT (datetime('now')),
	PRIMARY KEY (listing_id, cluster_id)
);

CREATE INDEX IF NOT EXISTS idx_listing_clusters_cluster ON listing_clusters(cluster_id);

CREATE TABLE IF NOT EXISTS processing_runs (
	id                   TEXT PRIMARY KEY,
	status               TEXT NOT NULL DEFAULT 'running',
	listings_total       INTEGER NOT NULL DEFAULT 0,
	listings_succeeded   INTEGER NOT NULL DEFAULT 0,
	listings_failed      INTEGER NOT NULL DEFAULT 0,
	input_tokens         INTEGER NOT NULL DEFAULT 0,
	output_tokens        INTEGER NOT NULL DEFAULT 0,
	estimated_cost_cents INTEGER NOT NULL DEFAULT 0,
	error_message        TEXT,
	started_at           DATETIME NOT NULL DEFAULT (datetime('now')),
	completed_at         DATETIME
);

CREATE TABLE IF NOT EXISTS quality_feedback (
	id                   INTEGER PRIMARY KEY AUTOINCREMENT,
	listing_id           INTEGER NOT NULL REFERENCES listings(id),
	cluster_id           INTEGER REFERENCES clusters(id),
	feedback_type        TEXT NOT NULL,
	notes                TEXT,
	suggested_cluster_id INTEGER REFERENCES clusters(id),
	created_at           DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_quality_feedback_cluster ON quality_feedback(cluster_id);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func nullStr(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	return &v.String
}

func nullFloat(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	return &v.Float64
}

func nullInt(v sql.NullInt64) *int64 {
	if !v.Valid {
		return nil
	}
	return &v.Int64
}

func nullTime(v sql.NullTime) *time.Time {
	if !v.Valid {
		return nil
	}
	return &v.Time
}

func scanListingRow(row rowScanner) (*model.Listing, error) {
	var l model.Listing
	var url, description, budgetType sql.NullString
	var budgetMin, budgetMax, aiConfidence sql.NullFloat64
	var skillsJSON string
	var category sql.NullString
	var postedAt, aiProcessedAt sql.NullTime
	var rawData sql.NullString
	var buyerID sql.NullInt64
	var problemCategory, vertical, workflow, toolsJSON, tier sql.NullString
	var recurring sql.NullBool
	var aiError, aiRaw sql.NullString

	err := row.Scan(
		&l.ID, &url, &l.Title, &description, &budgetType, &budgetMin, &budgetMax,
		&skillsJSON, &category, &postedAt, &l.CapturedAt, &rawData, &buyerID,
		&problemCategory, &vertical, &workflow, &toolsJSON, &tier,
		&recurring, &aiProcessedAt, &aiError, &aiConfidence, &aiRaw,
	)
	if err != nil {
		return nil, err
	}

	l.URL = nullStr(url)
	l.Description = nullStr(description)
	if budgetType.Valid {
		bt := model.BudgetType(budgetType.String)
		l.BudgetType = &bt
	}
	l.BudgetMin = nullFloat(budgetMin)
	l.BudgetMax = nullFloat(budgetMax)
	if skillsJSON != "" {
		if err := json.Unmarshal([]byte(skillsJSON), &l.Skills); err != nil {
			return nil, eris.Wrap(err, "unmarshal skills")
		}
	}
	l.Category = nullStr(category)
	l.PostedAt = nullTime(postedAt)
	if rawData.Valid {
		l.RawData = json.RawMessage(rawData.String)
	}
	l.BuyerID = nullInt(buyerID)
	l.ProblemCategory = nullStr(problemCategory)
	l.Vertical = nullStr(vertical)
	l.WorkflowDescribed = nullStr(workflow)
	if toolsJSON.Valid && toolsJSON.String != "" {
		if err := json.Unmarshal([]byte(toolsJSON.String), &l.ToolsMentioned); err != nil {
			return nil, eris.Wrap(err, "unmarshal tools")
		}
	}
	if tier.Valid {
		bt := model.BudgetTier(tier.String)
		l.BudgetTier = &bt
	}
	if recurring.Valid {
		l.IsRecurringNeed = &recurring.Bool
	}
	l.AIProcessedAt = nullTime(aiProcessedAt)
	l.AIError = nullStr(aiError)
	l.AIConfidence = nullFloat(aiConfidence)
	if aiRaw.Valid {
		l.AIRawExtraction = json.RawMessage(aiRaw.String)
	}
	return &l, nil
}

func (s *SQLiteStore) UpsertBuyer(ctx context.Context, client model.CapturedClient) (int64, error) {
	if client.ProfileURL == nil {
		return 0, eris.New("sqlite: upsert buyer: profile url required")
	}
	now := time.Now().UTC()

	var id int64
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO buyers (client_name, profile_url, jobs_posted, total_spent, hire_rate, location, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (profile_url) DO UPDATE SET
		   client_name = COALESCE(excluded.client_name, buyers.client_name),
		   jobs_posted = COALESCE(excluded.jobs_posted, buyers.jobs_posted),
		   total_spent = COALESCE(excluded.total_spent, buyers.total_spent),
		   hire_rate   = COALESCE(excluded.hire_rate, buyers.hire_rate),
		   location    = COALESCE(excluded.location, buyers.location),
		   updated_at  = excluded.updated_at
		 RETURNING id`,
		client.Name, client.ProfileURL, client.JobsPosted, client.TotalSpent, client.HireRate, client.Location, now, now,
	).Scan(&id)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: upsert buyer")
	}
	return id, nil
}

func (s *SQLiteStore) InsertListing(ctx context.Context, captured model.CapturedListing, buyerID *int64) (*model.Listing, bool, error) {
	rawJSON, err := json.Marshal(captured)
	if err != nil {
		return nil, false, eris.Wrap(err, "sqlite: marshal raw listing")
	}
	skills := captured.Skills
	if skills == nil {
		skills = []string{}
	}
	skillsJSON, err := json.Marshal(skills)
	if err != nil {
		return nil, false, eris.Wrap(err, "sqlite: marshal skills")
	}
	now := time.Now().UTC()

	var id int64
	err = s.db.QueryRowContext(ctx,
		`INSERT INTO listings (url, title, description, budget_type, budget_min, budget_max, skills, category, posted_at, captured_at, raw_data, buyer_id)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (url) DO NOTHING
		 RETURNING id`,
		captured.URL, captured.Title, captured.Description, captured.BudgetType,
		captured.BudgetMin, captured.BudgetMax, string(skillsJSON), captured.Category,
		captured.PostedAt, now, string(rawJSON), buyerID,
	).Scan(&id)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, false, nil
		}
		return nil, false, eris.Wrap(err, "sqlite: insert listing")
	}

	l, err := s.GetListing(ctx, id)
	if err != nil {
		return nil, false, err
	}
	return l, true, nil
}

func (s *SQLiteStore) GetListing(ctx context.Context, id int64) (*model.Listing, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+listingColumns+` FROM listings WHERE id = ?`, id)
	l, err := scanListingRow(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "sqlite: get listing %d", id)
	}
	return l, nil
}

func (s *SQLiteStore) ListListings(ctx context.Context, filter ListingFilter) ([]model.Listing, error) {
	query := `SELECT ` + listingColumns + ` FROM listings`
	if filter.UnprocessedOnly {
		query += ` WHERE ai_processed_at IS NULL`
	}
	query += ` ORDER BY captured_at DESC LIMIT ? OFFSET ?`

	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.QueryContext(ctx, query, limit, filter.Offset)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list listings")
	}
	defer rows.Close()

	return collectListingRows(rows)
}

func (s *SQLiteStore) UnprocessedListings(ctx context.Context, limit int) ([]model.Listing, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+listingColumns+` FROM listings WHERE ai_processed_at IS NULL ORDER BY captured_at, id LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: unprocessed listings")
	}
	defer rows.Close()

	return collectListingRows(rows)
}

func (s *SQLiteStore) ExtractedListings(ctx context.Context, ids []int64) ([]model.Listing, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	placeholders := make([]string, len(ids))
	args := make([]any, len(ids))
	for i, id := range ids {
		placeholders[i] = "?"
		args[i] = id
	}

	rows, err := s.db.QueryContext(ctx,
		fmt.Sprintf(`SELECT %s FROM listings
		 WHERE id IN (%s) AND ai_processed_at IS NOT NULL AND ai_error IS NULL
		 ORDER BY captured_at`, listingColumns, strings.Join(placeholders, ", ")),
		args...,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: extracted listings")
	}
	defer rows.Close()

	return collectListingRows(rows)
}

func (s *SQLiteStore) AllExtractedListings(ctx context.Context) ([]model.Listing, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+listingColumns+` FROM listings WHERE ai_processed_at IS NOT NULL AND ai_error IS NULL`,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: all extracted listings")
	}
	defer rows.Close()

	return collectListingRows(rows)
}

func collectListingRows(rows *sql.Rows) ([]model.Listing, error) {
	var listings []model.Listing
	for rows.Next() {
		l, err := scanListingRow(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan listing")
		}
		listings = append(listings, *l)
	}
	return listings, eris.Wrap(rows.Err(), "sqlite: iterate listings")
}

func (s *SQLiteStore) MarkExtracted(ctx context.Context, id int64, ext model.Extraction, tier model.BudgetTier) error {
	toolsJSON, err := json.Marshal(ext.ToolsMentioned)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal tools")
	}
	rawJSON, err := json.Marshal(ext)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal extraction")
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE listings SET
		   problem_category = ?, vertical = ?, workflow_described = ?,
		   tools_mentioned = ?, budget_tier = ?, is_recurring_type_need = ?,
		   ai_processed_at = ?, ai_error = NULL,
		   ai_raw_extraction = ?, ai_confidence = ?
		 WHERE id = ?`,
		ext.ProblemCategory, ext.Vertical, ext.WorkflowDescribed,
		string(toolsJSON), string(tier), ext.IsRecurringNeed,
		time.Now().UTC(), string(rawJSON), ext.Confidence, id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: mark extracted %d", id)
	}
	return checkSQLRowsAffected(res, "listing", id)
}

func (s *SQLiteStore) MarkExtractionError(ctx context.Context, id int64, msg string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE listings SET ai_processed_at = ?, ai_error = ? WHERE id = ?`,
		time.Now().UTC(), msg, id,
	)
	return eris.Wrapf(err, "sqlite: mark extraction error %d", id)
}

func (s *SQLiteStore) EnrichBuyer(ctx context.Context, buyerID int64, companyName, industry *string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE buyers SET
		   company_name = COALESCE(?, company_name),
		   industry_vertical = COALESCE(?, industry_vertical),
		   updated_at = ?
		 WHERE id = ?`,
		companyName, industry, time.Now().UTC(), buyerID,
	)
	return eris.Wrapf(err, "sqlite: enrich buyer %d", buyerID)
}

func scanClusterRow(row rowScanner) (*model.Cluster, error) {
	var c model.Cluster
	var description sql.NullString
	var rep sql.NullInt64
	var avgBudget sql.NullFloat64
	var interp, brief sql.NullString
	var interpAt, briefAt sql.NullTime

	err := row.Scan(
		&c.ID, &c.Name, &description, &rep, &c.ListingCount,
		&avgBudget, &c.HeatScore, &c.Velocity, &interp, &interpAt,
		&brief, &briefAt, &c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	c.Description = nullStr(description)
	c.RepresentativeListing = nullInt(rep)
	c.AvgBudget = nullFloat(avgBudget)
	c.Interpretation = nullStr(interp)
	c.InterpretationAt = nullTime(interpAt)
	c.ProductBrief = nullStr(brief)
	c.ProductBriefAt = nullTime(briefAt)
	return &c, nil
}

func (s *SQLiteStore) ListClusters(ctx context.Context) ([]model.Cluster, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+clusterColumns+` FROM clusters ORDER BY heat_score DESC, id`)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list clusters")
	}
	defer rows.Close()

	var clusters []model.Cluster
	for rows.Next() {
		c, err := scanClusterRow(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan cluster")
		}
		clusters = append(clusters, *c)
	}
	return clusters, eris.Wrap(rows.Err(), "sqlite: iterate clusters")
}

func (s *SQLiteStore) GetCluster(ctx context.Context, id int64) (*model.Cluster, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+clusterColumns+` FROM clusters WHERE id = ?`, id)
	c, err := scanClusterRow(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "sqlite: get cluster %d", id)
	}
	return c, nil
}

func (s *SQLiteStore) CreateCluster(ctx context.Context, name, description string, representativeListing int64) (*model.Cluster, error) {
	now := time.Now().UTC()
	var id int64
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO clusters (name, description, representative_listing_id, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?) RETURNING id`,
		name, description, representativeListing, now, now,
	).Scan(&id)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: create cluster")
	}
	return s.GetCluster(ctx, id)
}

func (s *SQLiteStore) UpdateClusterMeta(ctx context.Context, id int64, name, description *string) (*model.Cluster, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE clusters SET
		   name = COALESCE(?, name),
		   description = COALESCE(?, description),
		   updated_at = ?
		 WHERE id = ?`,
		name, description, time.Now().UTC(), id,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: update cluster %d", id)
	}
	if err := checkSQLRowsAffected(res, "cluster", id); err != nil {
		return nil, err
	}
	return s.GetCluster(ctx, id)
}

func (s *SQLiteStore) UpdateClusterStats(ctx context.Context, id int64, stats model.ClusterStats) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE clusters SET listing_count = ?, avg_budget = ?, heat_score = ?, velocity = ?, updated_at = ?
		 WHERE id = ?`,
		stats.ListingCount, stats.AvgBudget, stats.HeatScore, stats.Velocity, time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update cluster stats %d", id)
	}
	return checkSQLRowsAffected(res, "cluster", id)
}

func (s *SQLiteStore) SetClusterInterpretation(ctx context.Context, id int64, text string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE clusters SET interpretation = ?, interpretation_at = ? WHERE id = ?`,
		text, time.Now().UTC(), id,
	)
	return eris.Wrapf(err, "sqlite: set interpretation %d", id)
}

func (s *SQLiteStore) SetClusterBrief(ctx context.Context, id int64, briefJSON string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE clusters SET product_brief = ?, product_brief_at = ? WHERE id = ?`,
		briefJSON, time.Now().UTC(), id,
	)
	return eris.Wrapf(err, "sqlite: set product brief %d", id)
}

func (s *SQLiteStore) DeleteCluster(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM clusters WHERE id = ?`, id)
	return eris.Wrapf(err, "sqlite: delete cluster %d", id)
}

func (s *SQLiteStore) AddMembership(ctx context.Context, listingID, clusterID int64) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO listing_clusters (listing_id, cluster_id, created_at) VALUES (?, ?, ?)
		 ON CONFLICT DO NOTHING`,
		listingID, clusterID, time.Now().UTC(),
	)
	return eris.Wrap(err, "sqlite: add membership")
}

func (s *SQLiteStore) RemoveMembership(ctx context.Context, listingID, clusterID int64) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM listing_clusters WHERE listing_id = ? AND cluster_id = ?`,
		listingID, clusterID,
	)
	return eris.Wrap(err, "sqlite: remove membership")
}

func (s *SQLiteStore) MoveMemberships(ctx context.Context, sourceID, targetID int64) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO listing_clusters (listing_id, cluster_id, created_at)
		 SELECT listing_id, ?, created_at FROM listing_clusters WHERE cluster_id = ?
		 ON CONFLICT DO NOTHING`,
		targetID, sourceID,
	)
	if err != nil {
		return eris.Wrap(err, "sqlite: move memberships")
	}
	_, err = s.db.ExecContext(ctx, `DELETE FROM listing_clusters WHERE cluster_id = ?`, sourceID)
	return eris.Wrap(err, "sqlite: delete source memberships")
}

func (s *SQLiteStore) ClusterMembers(ctx context.Context, clusterID int64) ([]model.MemberStat, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT l.id, l.budget_min, l.budget_max, l.captured_at
		 FROM listings l
		 JOIN listing_clusters lc ON lc.listing_id = l.id
		 WHERE lc.cluster_id = ?`,
		clusterID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: cluster members %d", clusterID)
	}
	defer rows.Close()

	var members []model.MemberStat
	for rows.Next() {
		var m model.MemberStat
		var bmin, bmax sql.NullFloat64
		if err := rows.Scan(&m.ListingID, &bmin, &bmax, &m.CapturedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan member")
		}
		m.BudgetMin = nullFloat(bmin)
		m.BudgetMax = nullFloat(bmax)
		members = append(members, m)
	}
	return members, eris.Wrap(rows.Err(), "sqlite: iterate members")
}

func (s *SQLiteStore) AllClusterMembers(ctx context.Context) (map[int64][]model.MemberStat, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT lc.cluster_id, l.id, l.budget_min, l.budget_max, l.captured_at
		 FROM listing_clusters lc
		 JOIN listings l ON l.id = lc.listing_id`,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: all cluster members")
	}
	defer rows.Close()

	members := make(map[int64][]model.MemberStat)
	for rows.Next() {
		var clusterID int64
		var m model.MemberStat
		var bmin, bmax sql.NullFloat64
		if err := rows.Scan(&clusterID, &m.ListingID, &bmin, &bmax, &m.CapturedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan member")
		}
		m.BudgetMin = nullFloat(bmin)
		m.BudgetMax = nullFloat(bmax)
		members[clusterID] = append(members[clusterID], m)
	}
	return members, eris.Wrap(rows.Err(), "sqlite: iterate members")
}

func (s *SQLiteStore) ClusterListings(ctx context.Context, clusterID int64) ([]model.Listing, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+prefixedListingColumns("l")+`
		 FROM listings l
		 JOIN listing_clusters lc ON lc.listing_id = l.id
		 WHERE lc.cluster_id = ?
		 ORDER BY l.captured_at DESC`,
		clusterID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: cluster listings %d", clusterID)
	}
	defer rows.Close()

	return collectListingRows(rows)
}

func (s *SQLiteStore) OverlapListings(ctx context.Context, clusterID int64) ([]Overlap, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT l.id, l.title, c2.name
		 FROM listings l
		 JOIN listing_clusters lc ON lc.listing_id = l.id AND lc.cluster_id = ?
		 JOIN listing_clusters lc2 ON lc2.listing_id = l.id AND lc2.cluster_id != ?
		 JOIN clusters c2 ON c2.id = lc2.cluster_id
		 ORDER BY l.id`,
		clusterID, clusterID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: overlap listings %d", clusterID)
	}
	defer rows.Close()

	byListing := make(map[int64]*Overlap)
	var order []int64
	for rows.Next() {
		var id int64
		var title, other string
		if err := rows.Scan(&id, &title, &other); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan overlap")
		}
		o, ok := byListing[id]
		if !ok {
			o = &Overlap{ListingID: id, Title: title}
			byListing[id] = o
			order = append(order, id)
		}
		o.OtherClusters = append(o.OtherClusters, other)
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "sqlite: iterate overlaps")
	}

	overlaps := make([]Overlap, 0, len(order))
	for _, id := range order {
		overlaps = append(overlaps, *byListing[id])
	}
	return overlaps, nil
}

func scanRunRow(row rowScanner) (*model.ProcessingRun, error) {
	var r model.ProcessingRun
	var errMsg sql.NullString
	var completedAt sql.NullTime

	err := row.Scan(
		&r.ID, &r.Status, &r.ListingsTotal, &r.ListingsSucceeded, &r.ListingsFailed,
		&r.InputTokens, &r.OutputTokens, &r.EstimatedCostCents, &errMsg,
		&r.StartedAt, &completedAt,
	)
	if err != nil {
		return nil, err
	}
	r.ErrorMessage = nullStr(errMsg)
	r.CompletedAt = nullTime(completedAt)
	return &r, nil
}

func (s *SQLiteStore) CreateRun(ctx context.Context, total int) (*model.ProcessingRun, error) {
	id := uuid.New().String()
	now := time.Now().UTC()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO processing_runs (id, status, listings_total, started_at) VALUES (?, ?, ?, ?)`,
		id, string(model.RunStatusRunning), total, now,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: create run")
	}

	return &model.ProcessingRun{
		ID:            id,
		Status:        model.RunStatusRunning,
		ListingsTotal: total,
		StartedAt:     now,
	}, nil
}

func (s *SQLiteStore) FinalizeRun(ctx context.Context, runID string, final RunFinal) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE processing_runs SET
		   completed_at = ?, status = ?,
		   listings_total = ?, listings_succeeded = ?, listings_failed = ?,
		   input_tokens = ?, output_tokens = ?, estimated_cost_cents = ?,
		   error_message = ?
		 WHERE id = ?`,
		time.Now().UTC(), string(final.Status),
		final.Total, final.Succeeded, final.Failed,
		final.InputTokens, final.OutputTokens, final.CostCents, final.ErrorMessage, runID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: finalize run %s", runID)
	}
	return checkSQLRowsAffected(res, "run", runID)
}

func (s *SQLiteStore) GetRun(ctx context.Context, runID string) (*model.ProcessingRun, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM processing_runs WHERE id = ?`, runID)
	r, err := scanRunRow(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "sqlite: get run %s", runID)
	}
	return r, nil
}

func (s *SQLiteStore) ListRuns(ctx context.Context, limit int) ([]model.ProcessingRun, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+runColumns+` FROM processing_runs ORDER BY started_at DESC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list runs")
	}
	defer rows.Close()

	var runs []model.ProcessingRun
	for rows.Next() {
		r, err := scanRunRow(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan run")
		}
		runs = append(runs, *r)
	}
	return runs, eris.Wrap(rows.Err(), "sqlite: iterate runs")
}

func (s *SQLiteStore) InsertFeedback(ctx context.Context, fb model.QualityFeedback) (*model.QualityFeedback, error) {
	now := time.Now().UTC()
	var id int64
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO quality_feedback (listing_id, cluster_id, feedback_type, notes, suggested_cluster_id, created_at)
		 VALUES (?, ?, ?, ?, ?, ?) RETURNING id`,
		fb.ListingID, fb.ClusterID, string(fb.Kind), fb.Notes, fb.SuggestedClusterID, now,
	).Scan(&id)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: insert feedback")
	}

	out := fb
	out.ID = id
	out.CreatedAt = now
	return &out, nil
}

func (s *SQLiteStore) FeedbackTotals(ctx context.Context) (int, map[model.FeedbackKind]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT feedback_type, COUNT(*) FROM quality_feedback GROUP BY feedback_type`,
	)
	if err != nil {
		return 0, nil, eris.Wrap(err, "sqlite: feedback totals")
	}
	defer rows.Close()

	total := 0
	byKind := make(map[model.FeedbackKind]int)
	for rows.Next() {
		var kind string
		var count int
		if err := rows.Scan(&kind, &count); err != nil {
			return 0, nil, eris.Wrap(err, "sqlite: scan feedback total")
		}
		byKind[model.FeedbackKind(kind)] = count
		total += count
	}
	return total, byKind, eris.Wrap(rows.Err(), "sqlite: iterate feedback totals")
}

func (s *SQLiteStore) ClusterDisagreement(ctx context.Context, limit int) ([]DisagreementRow, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT c.id, c.name,
		   SUM(CASE WHEN qf.feedback_type IN ('extraction_wrong', 'cluster_wrong', 'reassign_cluster') THEN 1 ELSE 0 END) AS negative,
		   COUNT(*) AS total
		 FROM quality_feedback qf
		 JOIN clusters c ON c.id = qf.cluster_id
		 WHERE qf.cluster_id IS NOT NULL
		 GROUP BY c.id, c.name
		 ORDER BY negative DESC
		 LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: cluster disagreement")
	}
	defer rows.Close()

	var out []DisagreementRow
	for rows.Next() {
		var d DisagreementRow
		if err := rows.Scan(&d.ClusterID, &d.Name, &d.Negative, &d.Total); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan disagreement")
		}
		out = append(out, d)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate disagreement")
}

func (s *SQLiteStore) ClusterVerticalSpreads(ctx context.Context) ([]VerticalSpread, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT c.id, c.name, l.vertical
		 FROM clusters c
		 JOIN listing_clusters lc ON lc.cluster_id = c.id
		 JOIN listings l ON l.id = lc.listing_id
		 WHERE l.ai_processed_at IS NOT NULL`,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: cluster vertical spreads")
	}
	defer rows.Close()

	type agg struct {
		name      string
		count     int
		verticals map[string]struct{}
	}
	byCluster := make(map[int64]*agg)
	for rows.Next() {
		var id int64
		var name string
		var vertical sql.NullString
		if err := rows.Scan(&id, &name, &vertical); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan vertical spread")
		}
		a, ok := byCluster[id]
		if !ok {
			a = &agg{name: name, verticals: make(map[string]struct{})}
			byCluster[id] = a
		}
		a.count++
		if vertical.Valid {
			a.verticals[vertical.String] = struct{}{}
		}
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "sqlite: iterate vertical spreads")
	}

	out := make([]VerticalSpread, 0, len(byCluster))
	for id, a := range byCluster {
		verticals := make([]string, 0, len(a.verticals))
		for v := range a.verticals {
			verticals = append(verticals, v)
		}
		sort.Strings(verticals)
		out = append(out, VerticalSpread{ClusterID: id, Name: a.name, ListingCount: a.count, Verticals: verticals})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ListingCount > out[j].ListingCount })
	return out, nil
}

func (s *SQLiteStore) Overview(ctx context.Context) (*Overview, error) {
	var o Overview
	now := time.Now().UTC()
	dayAgo := now.Add(-24 * time.Hour)
	weekAgo := now.Add(-7 * 24 * time.Hour)

	err := s.db.QueryRowContext(ctx,
		`SELECT
		   COUNT(*),
		   COALESCE(SUM(CASE WHEN ai_processed_at IS NULL THEN 1 ELSE 0 END), 0),
		   COALESCE(SUM(CASE WHEN ai_processed_at IS NOT NULL THEN 1 ELSE 0 END), 0),
		   COALESCE(SUM(CASE WHEN ai_processed_at > ? THEN 1 ELSE 0 END), 0),
		   COALESCE(SUM(CASE WHEN ai_processed_at > ? THEN 1 ELSE 0 END), 0),
		   COALESCE(SUM(CASE WHEN ai_error IS NOT NULL THEN 1 ELSE 0 END), 0)
		 FROM listings`,
		dayAgo, weekAgo,
	).Scan(&o.Total, &o.Unprocessed, &o.Processed, &o.ProcessedToday, &o.ProcessedThisWeek, &o.Errors)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: overview listings")
	}

	err = s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM clusters WHERE created_at > ?`, weekAgo,
	).Scan(&o.NewClustersThisWeek)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: overview clusters")
	}

	err = s.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(estimated_cost_cents), 0) FROM processing_runs WHERE started_at > ?`, weekAgo,
	).Scan(&o.CostCentsThisWeek)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: overview cost")
	}

	runs, err := s.ListRuns(ctx, 10)
	if err != nil {
		return nil, err
	}
	o.RecentRuns = runs

	return &o, nil
}

func checkSQLRowsAffected(res sql.Result, kind string, id any) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return eris.Errorf("%s not found: %v", kind, id)
	}
	return nil
}
