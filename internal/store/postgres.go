package store

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/opportunity-radar/internal/db"
	"github.com/sells-group/opportunity-radar/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS buyers (
	id                     BIGSERIAL PRIMARY KEY,
	client_name            TEXT,
	company_name           TEXT,
	profile_url            TEXT UNIQUE,
	jobs_posted            INTEGER,
	total_spent            TEXT,
	hire_rate              DOUBLE PRECISION,
	industry_vertical      TEXT,
	company_size_indicator TEXT,
	location               TEXT,
	created_at             TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at             TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS listings (
	id                     BIGSERIAL PRIMARY KEY,
	url                    TEXT UNIQUE,
	title                  TEXT NOT NULL,
	description            TEXT,
	budget_type            TEXT,
	budget_min             DOUBLE PRECISION,
	budget_max             DOUBLE PRECISION,
	skills                 JSONB NOT NULL DEFAULT '[]',
	category               TEXT,
	posted_at              TIMESTAMPTZ,
	captured_at            TIMESTAMPTZ NOT NULL DEFAULT now(),
	raw_data               JSONB,
	buyer_id               BIGINT REFERENCES buyers(id),
	problem_category       TEXT,
	vertical               TEXT,
	workflow_described     TEXT,
	tools_mentioned        JSONB,
	budget_tier            TEXT,
	is_recurring_type_need BOOLEAN,
	ai_processed_at        TIMESTAMPTZ,
	ai_error               TEXT,
	ai_confidence          DOUBLE PRECISION,
	ai_raw_extraction      JSONB
);

CREATE INDEX IF NOT EXISTS idx_listings_unprocessed ON listings(captured_at) WHERE ai_processed_at IS NULL;
CREATE INDEX IF NOT EXISTS idx_listings_buyer_id ON listings(buyer_id);

CREATE TABLE IF NOT EXISTS clusters (
	id                        BIGSERIAL PRIMARY KEY,
	name                      TEXT NOT NULL,
	description               TEXT,
	representative_listing_id BIGINT REFERENCES listings(id),
	listing_count             INTEGER NOT NULL DEFAULT 0,
	avg_budget                DOUBLE PRECISION,
	heat_score                DOUBLE PRECISION NOT NULL DEFAULT 0,
	velocity                  DOUBLE PRECISION NOT NULL DEFAULT 0,
	interpretation            TEXT,
	interpretation_at         TIMESTAMPTZ,
	product_brief             TEXT,
	product_brief_at          TIMESTAMPTZ,
	created_at                TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at                TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS listing_clusters (
	listing_id BIGINT NOT NULL REFERENCES listings(id),
	cluster_id BIGINT NOT NULL REFERENCES clusters(id),
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (listing_id, cluster_id)
);

CREATE INDEX IF NOT EXISTS idx_listing_clusters_cluster ON listing_clusters(cluster_id);

CREATE TABLE IF NOT EXISTS processing_runs (
	id                   TEXT PRIMARY KEY,
	status               TEXT NOT NULL DEFAULT 'running',
	listings_total       INTEGER NOT NULL DEFAULT 0,
	listings_succeeded   INTEGER NOT NULL DEFAULT 0,
	listings_failed      INTEGER NOT NULL DEFAULT 0,
	input_tokens         BIGINT NOT NULL DEFAULT 0,
	output_tokens        BIGINT NOT NULL DEFAULT 0,
	estimated_cost_cents INTEGER NOT NULL DEFAULT 0,
	error_message        TEXT,
	started_at           TIMESTAMPTZ NOT NULL DEFAULT now(),
	completed_at         TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS idx_processing_runs_started ON processing_runs(started_at DESC);

CREATE TABLE IF NOT EXISTS quality_feedback (
	id                   BIGSERIAL PRIMARY KEY,
	listing_id           BIGINT NOT NULL REFERENCES listings(id),
	cluster_id           BIGINT REFERENCES clusters(id),
	feedback_type        TEXT NOT NULL,
	notes                TEXT,
	suggested_cluster_id BIGINT REFERENCES clusters(id),
	created_at           TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_quality_feedback_cluster ON quality_feedback(cluster_id);
`

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

const listingColumns = `id, url, title, description, budget_type, budget_min, budget_max,
	skills, category, posted_at, captured_at, raw_data, buyer_id,
	problem_category, vertical, workflow_described, tools_mentioned, budget_tier,
	is_recurring_type_need, ai_processed_at, ai_error, ai_confidence, ai_raw_extraction`

type rowScanner interface {
	Scan(dest ...any) error
}

func prefixedListingColumns(alias string) string {
	cols := strings.Split(listingColumns, ",")
	for i, col := range cols {
		cols[i] = alias + "." + strings.TrimSpace(col)
	}
	return strings.Join(cols, ", ")
}

func scanListing(row rowScanner) (*model.Listing, error) {
	var l model.Listing
	var skillsJSON []byte
	var toolsJSON []byte
	var tier *string

	err := row.Scan(
		&l.ID, &l.URL, &l.Title, &l.Description, &l.BudgetType, &l.BudgetMin, &l.BudgetMax,
		&skillsJSON, &l.Category, &l.PostedAt, &l.CapturedAt, &l.RawData, &l.BuyerID,
		&l.ProblemCategory, &l.Vertical, &l.WorkflowDescribed, &toolsJSON, &tier,
		&l.IsRecurringNeed, &l.AIProcessedAt, &l.AIError, &l.AIConfidence, &l.AIRawExtraction,
	)
	if err != nil {
		return nil, err
	}

	if len(skillsJSON) > 0 {
		if err := json.Unmarshal(skillsJSON, &l.Skills); err != nil {
			return nil, eris.Wrap(err, "unmarshal skills")
		}
	}
	if len(toolsJSON) > 0 {
		if err := json.Unmarshal(toolsJSON, &l.ToolsMentioned); err != nil {
			return nil, eris.Wrap(err, "unmarshal tools")
		}
	}
	if tier != nil {
		bt := model.BudgetTier(*tier)
		l.BudgetTier = &bt
	}
	return &l, nil
}

func (s *PostgresStore) UpsertBuyer(ctx context.Context, client model.CapturedClient) (int64, error) {
	if client.ProfileURL == nil {
		return 0, eris.New("postgres: upsert buyer: profile url required")
	}

	var id int64
	err := s.pool.QueryRow(ctx,
		`INSERT INTO buyers (client_name, profile_url, jobs_posted, total_spent, hire_rate, location)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (profile_url) DO UPDATE SET
		   client_name = COALESCE(EXCLUDED.client_name, buyers.client_name),
		   jobs_posted = COALESCE(EXCLUDED.jobs_posted, buyers.jobs_posted),
		   total_spent = COALESCE(EXCLUDED.total_spent, buyers.total_spent),
		   hire_rate   = COALESCE(EXCLUDED.hire_rate, buyers.hire_rate),
		   location    = COALESCE(EXCLUDED.location, buyers.location),
		   updated_at  = now()
		 RETURNING id`,
		client.Name, client.ProfileURL, client.JobsPosted, client.TotalSpent, client.HireRate, client.Location,
	).Scan(&id)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: upsert buyer")
	}
	return id, nil
}

func (s *PostgresStore) InsertListing(ctx context.Context, captured model.CapturedListing, buyerID *int64) (*model.Listing, bool, error) {
	rawJSON, err := json.Marshal(captured)
	if err != nil {
		return nil, false, eris.Wrap(err, "postgres: marshal raw listing")
	}
	skills := captured.Skills
	if skills == nil {
		skills = []string{}
	}
	skillsJSON, err := json.Marshal(skills)
	if err != nil {
		return nil, false, eris.Wrap(err, "postgres: marshal skills")
	}

	row := s.pool.QueryRow(ctx,
		`INSERT INTO listings (url, title, description, budget_type, budget_min, budget_max, skills, category, posted_at, raw_data, buyer_id)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		 ON CONFLICT (url) DO NOTHING
		 RETURNING `+listingColumns,
		captured.URL, captured.Title, captured.Description, captured.BudgetType,
		captured.BudgetMin, captured.BudgetMax, skillsJSON, captured.Category,
		captured.PostedAt, rawJSON, buyerID,
	)
	l, err := scanListing(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			// DO NOTHING on a duplicate URL returns no row.
			return nil, false, nil
		}
		return nil, false, eris.Wrap(err, "postgres: insert listing")
	}
	return l, true, nil
}

func (s *PostgresStore) GetListing(ctx context.Context, id int64) (*model.Listing, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+listingColumns+` FROM listings WHERE id = $1`, id)
	l, err := scanListing(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "postgres: get listing %d", id)
	}
	return l, nil
}

func (s *PostgresStore) ListListings(ctx context.Context, filter ListingFilter) ([]model.Listing, error) {
	query := `SELECT ` + listingColumns + ` FROM listings`
	if filter.UnprocessedOnly {
		query += ` WHERE ai_processed_at IS NULL`
	}
	query += ` ORDER BY captured_at DESC LIMIT $1 OFFSET $2`

	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.pool.Query(ctx, query, limit, filter.Offset)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list listings")
	}
	defer rows.Close()

	return collectListings(rows)
}

func (s *PostgresStore) UnprocessedListings(ctx context.Context, limit int) ([]model.Listing, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+listingColumns+` FROM listings WHERE ai_processed_at IS NULL ORDER BY captured_at, id LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: unprocessed listings")
	}
	defer rows.Close()

	return collectListings(rows)
}

func (s *PostgresStore) ExtractedListings(ctx context.Context, ids []int64) ([]model.Listing, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+listingColumns+` FROM listings
		 WHERE id = ANY($1) AND ai_processed_at IS NOT NULL AND ai_error IS NULL
		 ORDER BY captured_at`,
		ids,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: extracted listings")
	}
	defer rows.Close()

	return collectListings(rows)
}

func (s *PostgresStore) AllExtractedListings(ctx context.Context) ([]model.Listing, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+listingColumns+` FROM listings WHERE ai_processed_at IS NOT NULL AND ai_error IS NULL`,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: all extracted listings")
	}
	defer rows.Close()

	return collectListings(rows)
}

func collectListings(rows pgx.Rows) ([]model.Listing, error) {
	var listings []model.Listing
	for rows.Next() {
		l, err := scanListing(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan listing")
		}
		listings = append(listings, *l)
	}
	return listings, eris.Wrap(rows.Err(), "postgres: iterate listings")
}

func (s *PostgresStore) MarkExtracted(ctx context.Context, id int64, ext model.Extraction, tier model.BudgetTier) error {
	toolsJSON, err := json.Marshal(ext.ToolsMentioned)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal tools")
	}
	rawJSON, err := json.Marshal(ext)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal extraction")
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE listings SET
		   problem_category = $1, vertical = $2, workflow_described = $3,
		   tools_mentioned = $4, budget_tier = $5, is_recurring_type_need = $6,
		   ai_processed_at = now(), ai_error = NULL,
		   ai_raw_extraction = $7, ai_confidence = $8
		 WHERE id = $9`,
		ext.ProblemCategory, ext.Vertical, ext.WorkflowDescribed,
		toolsJSON, string(tier), ext.IsRecurringNeed,
		rawJSON, ext.Confidence, id,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: mark extracted %d", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("listing not found: %d", id)
	}
	return nil
}

func (s *PostgresStore) MarkExtractionError(ctx context.Context, id int64, msg string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE listings SET ai_processed_at = now(), ai_error = $1 WHERE id = $2`,
		msg, id,
	)
	return eris.Wrapf(err, "postgres: mark extraction error %d", id)
}

func (s *PostgresStore) EnrichBuyer(ctx context.Context, buyerID int64, companyName, industry *string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE buyers SET
		   company_name = COALESCE($1, company_name),
		   industry_vertical = COALESCE($2, industry_vertical),
		   updated_at = now()
		 WHERE id = $3`,
		companyName, industry, buyerID,
	)
	return eris.Wrapf(err, "postgres: enrich buyer %d", buyerID)
}

const clusterColumns = `id, name, description, representative_listing_id, listing_count,
	avg_budget, heat_score, velocity, interpretation, interpretation_at,
	product_brief, product_brief_at, created_at, updated_at`

func scanCluster(row rowScanner) (*model.Cluster, error) {
	var c model.Cluster
	err := row.Scan(
		&c.ID, &c.Name, &c.Description, &c.RepresentativeListing, &c.ListingCount,
		&c.AvgBudget, &c.HeatScore, &c.Velocity, &c.Interpretation, &c.InterpretationAt,
		&c.ProductBrief, &c.ProductBriefAt, &c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *PostgresStore) ListClusters(ctx context.Context) ([]model.Cluster, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+clusterColumns+` FROM clusters ORDER BY heat_score DESC, id`)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list clusters")
	}
	defer rows.Close()

	var clusters []model.Cluster
	for rows.Next() {
		c, err := scanCluster(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan cluster")
		}
		clusters = append(clusters, *c)
	}
	return clusters, eris.Wrap(rows.Err(), "postgres: iterate clusters")
}

func (s *PostgresStore) GetCluster(ctx context.Context, id int64) (*model.Cluster, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+clusterColumns+` FROM clusters WHERE id = $1`, id)
	c, err := scanCluster(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "postgres: get cluster %d", id)
	}
	return c, nil
}

func (s *PostgresStore) CreateCluster(ctx context.Context, name, description string, representativeListing int64) (*model.Cluster, error) {
	row := s.pool.QueryRow(ctx,
		`INSERT INTO clusters (name, description, representative_listing_id)
		 VALUES ($1, $2, $3) RETURNING `+clusterColumns,
		name, description, representativeListing,
	)
	c, err := scanCluster(row)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create cluster")
	}
	return c, nil
}

func (s *PostgresStore) UpdateClusterMeta(ctx context.Context, id int64, name, description *string) (*model.Cluster, error) {
	row := s.pool.QueryRow(ctx,
		`UPDATE clusters SET
		   name = COALESCE($1, name),
		   description = COALESCE($2, description),
		   updated_at = now()
		 WHERE id = $3 RETURNING `+clusterColumns,
		name, description, id,
	)
	c, err := scanCluster(row)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: update cluster %d", id)
	}
	return c, nil
}

func (s *PostgresStore) UpdateClusterStats(ctx context.Context, id int64, stats model.ClusterStats) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE clusters SET listing_count = $1, avg_budget = $2, heat_score = $3, velocity = $4, updated_at = now()
		 WHERE id = $5`,
		stats.ListingCount, stats.AvgBudget, stats.HeatScore, stats.Velocity, id,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update cluster stats %d", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("cluster not found: %d", id)
	}
	return nil
}

func (s *PostgresStore) SetClusterInterpretation(ctx context.Context, id int64, text string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE clusters SET interpretation = $1, interpretation_at = now() WHERE id = $2`,
		text, id,
	)
	return eris.Wrapf(err, "postgres: set interpretation %d", id)
}

func (s *PostgresStore) SetClusterBrief(ctx context.Context, id int64, briefJSON string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE clusters SET product_brief = $1, product_brief_at = now() WHERE id = $2`,
		briefJSON, id,
	)
	return eris.Wrapf(err, "postgres: set product brief %d", id)
}

func (s *PostgresStore) DeleteCluster(ctx context.Context, id int64) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM clusters WHERE id = $1`, id)
	return eris.Wrapf(err, "postgres: delete cluster %d", id)
}

func (s *PostgresStore) AddMembership(ctx context.Context, listingID, clusterID int64) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO listing_clusters (listing_id, cluster_id) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
		listingID, clusterID,
	)
	return eris.Wrap(err, "postgres: add membership")
}

func (s *PostgresStore) RemoveMembership(ctx context.Context, listingID, clusterID int64) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM listing_clusters WHERE listing_id = $1 AND cluster_id = $2`,
		listingID, clusterID,
	)
	return eris.Wrap(err, "postgres: remove membership")
}

func (s *PostgresStore) MoveMemberships(ctx context.Context, sourceID, targetID int64) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO listing_clusters (listing_id, cluster_id)
		 SELECT listing_id, $1 FROM listing_clusters WHERE cluster_id = $2
		 ON CONFLICT DO NOTHING`,
		targetID, sourceID,
	)
	if err != nil {
		return eris.Wrap(err, "postgres: move memberships")
	}
	_, err = s.pool.Exec(ctx, `DELETE FROM listing_clusters WHERE cluster_id = $1`, sourceID)
	return eris.Wrap(err, "postgres: delete source memberships")
}

func (s *PostgresStore) ClusterMembers(ctx context.Context, clusterID int64) ([]model.MemberStat, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT l.id, l.budget_min, l.budget_max, l.captured_at
		 FROM listings l
		 JOIN listing_clusters lc ON lc.listing_id = l.id
		 WHERE lc.cluster_id = $1`,
		clusterID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: cluster members %d", clusterID)
	}
	defer rows.Close()

	var members []model.MemberStat
	for rows.Next() {
		var m model.MemberStat
		if err := rows.Scan(&m.ListingID, &m.BudgetMin, &m.BudgetMax, &m.CapturedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan member")
		}
		members = append(members, m)
	}
	return members, eris.Wrap(rows.Err(), "postgres: iterate members")
}

func (s *PostgresStore) AllClusterMembers(ctx context.Context) (map[int64][]model.MemberStat, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT lc.cluster_id, l.id, l.budget_min, l.budget_max, l.captured_at
		 FROM listing_clusters lc
		 JOIN listings l ON l.id = lc.listing_id`,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: all cluster members")
	}
	defer rows.Close()

	members := make(map[int64][]model.MemberStat)
	for rows.Next() {
		var clusterID int64
		var m model.MemberStat
		if err := rows.Scan(&clusterID, &m.ListingID, &m.BudgetMin, &m.BudgetMax, &m.CapturedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan member")
		}
		members[clusterID] = append(members[clusterID], m)
	}
	return members, eris.Wrap(rows.Err(), "postgres: iterate members")
}

func (s *PostgresStore) ClusterListings(ctx context.Context, clusterID int64) ([]model.Listing, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+prefixedListingColumns("l")+`
		 FROM listings l
		 JOIN listing_clusters lc ON lc.listing_id = l.id
		 WHERE lc.cluster_id = $1
		 ORDER BY l.captured_at DESC`,
		clusterID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: cluster listings %d", clusterID)
	}
	defer rows.Close()

	return collectListings(rows)
}

func (s *PostgresStore) OverlapListings(ctx context.Context, clusterID int64) ([]Overlap, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT l.id, l.title,
		   ARRAY(
		     SELECT c2.name FROM listing_clusters lc2
		     JOIN clusters c2 ON c2.id = lc2.cluster_id
		     WHERE lc2.listing_id = l.id AND lc2.cluster_id != $1
		   ) AS other_clusters
		 FROM listings l
		 JOIN listing_clusters lc ON lc.listing_id = l.id
		 WHERE lc.cluster_id = $1
		   AND (SELECT COUNT(DISTINCT lc2.cluster_id) FROM listing_clusters lc2 WHERE lc2.listing_id = l.id) > 1`,
		clusterID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: overlap listings %d", clusterID)
	}
	defer rows.Close()

	var overlaps []Overlap
	for rows.Next() {
		var o Overlap
		if err := rows.Scan(&o.ListingID, &o.Title, &o.OtherClusters); err != nil {
			return nil, eris.Wrap(err, "postgres: scan overlap")
		}
		overlaps = append(overlaps, o)
	}
	return overlaps, eris.Wrap(rows.Err(), "postgres: iterate overlaps")
}

const runColumns = `id, status, listings_total, listings_succeeded, listings_failed,
	input_tokens, output_tokens, estimated_cost_cents, error_message, started_at, completed_at`

func scanRun(row rowScanner) (*model.ProcessingRun, error) {
	var r model.ProcessingRun
	err := row.Scan(
		&r.ID, &r.Status, &r.ListingsTotal, &r.ListingsSucceeded, &r.ListingsFailed,
		&r.InputTokens, &r.OutputTokens, &r.EstimatedCostCents, &r.ErrorMessage,
		&r.StartedAt, &r.CompletedAt,
	)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *PostgresStore) CreateRun(ctx context.Context, total int) (*model.ProcessingRun, error) {
	id := uuid.New().String()
	now := time.Now().UTC()

	_, err := s.pool.Exec(ctx,
		`INSERT INTO processing_runs (id, status, listings_total, started_at) VALUES ($1, $2, $3, $4)`,
		id, string(model.RunStatusRunning), total, now,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create run")
	}

	return &model.ProcessingRun{
		ID:            id,
		Status:        model.RunStatusRunning,
		ListingsTotal: total,
		StartedAt:     now,
	}, nil
}

func (s *PostgresStore) FinalizeRun(ctx context.Context, runID string, final RunFinal) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE processing_runs SET
		   completed_at = now(), status = $1,
		   listings_total = $2, listings_succeeded = $3, listings_failed = $4,
		   input_tokens = $5, output_tokens = $6, estimated_cost_cents = $7,
		   error_message = $8
		 WHERE id = $9`,
		string(final.Status), final.Total, final.Succeeded, final.Failed,
		final.InputTokens, final.OutputTokens, final.CostCents, final.ErrorMessage, runID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: finalize run %s", runID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("run not found: %s", runID)
	}
	return nil
}

func (s *PostgresStore) GetRun(ctx context.Context, runID string) (*model.ProcessingRun, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+runColumns+` FROM processing_runs WHERE id = $1`, runID)
	r, err := scanRun(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "postgres: get run %s", runID)
	}
	return r, nil
}

func (s *PostgresStore) ListRuns(ctx context.Context, limit int) ([]model.ProcessingRun, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+runColumns+` FROM processing_runs ORDER BY started_at DESC LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list runs")
	}
	defer rows.Close()

	var runs []model.ProcessingRun
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan run")
		}
		runs = append(runs, *r)
	}
	return runs, eris.Wrap(rows.Err(), "postgres: iterate runs")
}

func (s *PostgresStore) InsertFeedback(ctx context.Context, fb model.QualityFeedback) (*model.QualityFeedback, error) {
	row := s.pool.QueryRow(ctx,
		`INSERT INTO quality_feedback (listing_id, cluster_id, feedback_type, notes, suggested_cluster_id)
		 VALUES ($1, $2, $3, $4, $5)
		 RETURNING id, listing_id, cluster_id, feedback_type, notes, suggested_cluster_id, created_at`,
		fb.ListingID, fb.ClusterID, string(fb.Kind), fb.Notes, fb.SuggestedClusterID,
	)
	var out model.QualityFeedback
	if err := row.Scan(&out.ID, &out.ListingID, &out.ClusterID, &out.Kind, &out.Notes, &out.SuggestedClusterID, &out.CreatedAt); err != nil {
		return nil, eris.Wrap(err, "postgres: insert feedback")
	}
	return &out, nil
}

func (s *PostgresStore) FeedbackTotals(ctx context.Context) (int, map[model.FeedbackKind]int, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT feedback_type, COUNT(*) FROM quality_feedback GROUP BY feedback_type`,
	)
	if err != nil {
		return 0, nil, eris.Wrap(err, "postgres: feedback totals")
	}
	defer rows.Close()

	total := 0
	byKind := make(map[model.FeedbackKind]int)
	for rows.Next() {
		var kind string
		var count int
		if err := rows.Scan(&kind, &count); err != nil {
			return 0, nil, eris.Wrap(err, "postgres: scan feedback total")
		}
		byKind[model.FeedbackKind(kind)] = count
		total += count
	}
	return total, byKind, eris.Wrap(rows.Err(), "postgres: iterate feedback totals")
}

func (s *PostgresStore) ClusterDisagreement(ctx context.Context, limit int) ([]DisagreementRow, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.pool.Query(ctx,
		`SELECT c.id, c.name,
		   COUNT(*) FILTER (WHERE qf.feedback_type IN ('extraction_wrong', 'cluster_wrong', 'reassign_cluster')) AS negative,
		   COUNT(*) AS total
		 FROM quality_feedback qf
		 JOIN clusters c ON c.id = qf.cluster_id
		 WHERE qf.cluster_id IS NOT NULL
		 GROUP BY c.id, c.name
		 ORDER BY negative DESC
		 LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: cluster disagreement")
	}
	defer rows.Close()

	var out []DisagreementRow
	for rows.Next() {
		var d DisagreementRow
		if err := rows.Scan(&d.ClusterID, &d.Name, &d.Negative, &d.Total); err != nil {
			return nil, eris.Wrap(err, "postgres: scan disagreement")
		}
		out = append(out, d)
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate disagreement")
}

func (s *PostgresStore) ClusterVerticalSpreads(ctx context.Context) ([]VerticalSpread, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT c.id, c.name, COUNT(l.id) AS listing_count,
		   ARRAY_AGG(DISTINCT l.vertical) FILTER (WHERE l.vertical IS NOT NULL) AS verticals
		 FROM clusters c
		 JOIN listing_clusters lc ON lc.cluster_id = c.id
		 JOIN listings l ON l.id = lc.listing_id
		 WHERE l.ai_processed_at IS NOT NULL
		 GROUP BY c.id, c.name
		 ORDER BY COUNT(l.id) DESC`,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: cluster vertical spreads")
	}
	defer rows.Close()

	var out []VerticalSpread
	for rows.Next() {
		var v VerticalSpread
		if err := rows.Scan(&v.ClusterID, &v.Name, &v.ListingCount, &v.Verticals); err != nil {
			return nil, eris.Wrap(err, "postgres: scan vertical spread")
		}
		out = append(out, v)
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate vertical spreads")
}

func (s *PostgresStore) Overview(ctx context.Context) (*Overview, error) {
	var o Overview

	err := s.pool.QueryRow(ctx,
		`SELECT
		   COUNT(*),
		   COUNT(*) FILTER (WHERE ai_processed_at IS NULL),
		   COUNT(*) FILTER (WHERE ai_processed_at IS NOT NULL),
		   COUNT(*) FILTER (WHERE ai_processed_at > now() - interval '24 hours'),
		   COUNT(*) FILTER (WHERE ai_processed_at > now() - interval '7 days'),
		   COUNT(*) FILTER (WHERE ai_error IS NOT NULL)
		 FROM listings`,
	).Scan(&o.Total, &o.Unprocessed, &o.Processed, &o.ProcessedToday, &o.ProcessedThisWeek, &o.Errors)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: overview listings")
	}

	err = s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM clusters WHERE created_at > now() - interval '7 days'`,
	).Scan(&o.NewClustersThisWeek)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: overview clusters")
	}

	err = s.pool.QueryRow(ctx,
		`SELECT COALESCE(SUM(estimated_cost_cents), 0) FROM processing_runs WHERE started_at > now() - interval '7 days'`,
	).Scan(&o.CostCentsThisWeek)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: overview cost")
	}

	runs, err := s.ListRuns(ctx, 10)
	if err != nil {
		return nil, err
	}
	o.RecentRuns = runs

	return &o, nil
}
