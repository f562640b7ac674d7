package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"

	"github.com/leolionart/CLIProxyAPI-Dashboard/internal/migrations"
)

const defaultPGTimeout = 5 * time.Second

func withPGTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, defaultPGTimeout)
}

// Store is the PostgreSQL persistence layer for collected usage data.
type Store struct {
	db *sql.DB
}

// New opens a PostgreSQL connection pool for the given DSN.
func New(dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	log.Info("Connected to PostgreSQL")

	return &Store{db: db}, nil
}

// Initialize applies pending schema migrations.
func (s *Store) Initialize(ctx context.Context) error {
	if err := migrations.PostgresUp(s.db); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	log.Info("PostgreSQL migrations applied")
	return nil
}

// Close releases the connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// PoolStats returns current connection pool statistics.
func (s *Store) PoolStats() (active int64, idle int64, waits int64) {
	if s == nil || s.db == nil {
		return 0, 0, 0
	}
	st := s.db.Stats()
	return int64(st.InUse), int64(st.Idle), int64(st.WaitCount)
}

// InsertSnapshot archives a usage document and returns the new snapshot id.
func (s *Store) InsertSnapshot(ctx context.Context, snap *Snapshot) (int64, error) {
	ctx, cancel := withPGTimeout(ctx)
	defer cancel()

	raw := snap.RawData
	if len(raw) == 0 {
		raw = json.RawMessage(`{}`)
	}

	var id int64
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO usage_snapshots (collected_at, raw_data, total_requests, success_count, failure_count, total_tokens, cumulative_cost_usd)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id
	`, snap.CollectedAt, []byte(raw), snap.TotalRequests, snap.SuccessCount, snap.FailureCount, snap.TotalTokens, snap.CumulativeCostUSD).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert snapshot: %w", err)
	}
	return id, nil
}

// UpdateSnapshotCost sets the cumulative cost after per-model costing.
func (s *Store) UpdateSnapshotCost(ctx context.Context, id int64, cost decimal.Decimal) error {
	ctx, cancel := withPGTimeout(ctx)
	defer cancel()

	if _, err := s.db.ExecContext(ctx,
		`UPDATE usage_snapshots SET cumulative_cost_usd = $2 WHERE id = $1`, id, cost); err != nil {
		return fmt.Errorf("update snapshot cost: %w", err)
	}
	return nil
}

// PreviousSnapshot returns the most recent snapshot other than excludeID,
// or nil when the history is empty.
func (s *Store) PreviousSnapshot(ctx context.Context, excludeID int64) (*Snapshot, error) {
	ctx, cancel := withPGTimeout(ctx)
	defer cancel()

	var snap Snapshot
	err := s.db.QueryRowContext(ctx, `
		SELECT id, collected_at, total_requests, success_count, failure_count, total_tokens, cumulative_cost_usd
		FROM usage_snapshots
		WHERE id <> $1
		ORDER BY collected_at DESC, id DESC
		LIMIT 1
	`, excludeID).Scan(&snap.ID, &snap.CollectedAt, &snap.TotalRequests, &snap.SuccessCount,
		&snap.FailureCount, &snap.TotalTokens, &snap.CumulativeCostUSD)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("previous snapshot: %w", err)
	}
	return &snap, nil
}

// InsertModelUsage stores the per-model cumulative rows of one snapshot in a
// single transaction.
func (s *Store) InsertModelUsage(ctx context.Context, rows []ModelUsageRow) error {
	if len(rows) == 0 {
		return nil
	}
	ctx, cancel := withPGTimeout(ctx)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin model usage tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO model_usage (snapshot_id, created_at, model_name, api_endpoint, request_count, input_tokens, output_tokens, total_tokens, estimated_cost_usd)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`)
	if err != nil {
		return fmt.Errorf("prepare model usage insert: %w", err)
	}
	defer stmt.Close()

	for _, r := range rows {
		endpoint := r.APIEndpoint
		if endpoint == "" {
			endpoint = "unknown"
		}
		if _, err := stmt.ExecContext(ctx, r.SnapshotID, r.CreatedAt, r.ModelName, endpoint,
			r.RequestCount, r.InputTokens, r.OutputTokens, r.TotalTokens, r.EstimatedCostUSD); err != nil {
			return fmt.Errorf("insert model usage %s: %w", r.ModelName, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit model usage: %w", err)
	}
	return nil
}

// ModelUsageBySnapshot returns the per-model rows stored for a snapshot,
// keyed by "model|endpoint".
func (s *Store) ModelUsageBySnapshot(ctx context.Context, snapshotID int64) (map[string]ModelUsageRow, error) {
	ctx, cancel := withPGTimeout(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `
		SELECT snapshot_id, created_at, model_name, api_endpoint, request_count, input_tokens, output_tokens, total_tokens, estimated_cost_usd
		FROM model_usage
		WHERE snapshot_id = $1
	`, snapshotID)
	if err != nil {
		return nil, fmt.Errorf("model usage by snapshot: %w", err)
	}
	defer rows.Close()

	result := make(map[string]ModelUsageRow)
	for rows.Next() {
		var r ModelUsageRow
		if err := rows.Scan(&r.SnapshotID, &r.CreatedAt, &r.ModelName, &r.APIEndpoint,
			&r.RequestCount, &r.InputTokens, &r.OutputTokens, &r.TotalTokens, &r.EstimatedCostUSD); err != nil {
			return nil, fmt.Errorf("scan model usage: %w", err)
		}
		result[r.ModelName+"|"+r.APIEndpoint] = r
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("model usage rows: %w", err)
	}
	return result, nil
}

// DailyStat returns the accumulation row for a local date, or nil when absent.
func (s *Store) DailyStat(ctx context.Context, statDate string) (*DailyStat, error) {
	ctx, cancel := withPGTimeout(ctx)
	defer cancel()

	var (
		stat          DailyStat
		breakdownJSON []byte
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT stat_date::text, total_requests, success_count, failure_count, total_tokens, estimated_cost_usd, breakdown, updated_at
		FROM daily_stats
		WHERE stat_date = $1
	`, statDate).Scan(&stat.StatDate, &stat.TotalRequests, &stat.SuccessCount, &stat.FailureCount,
		&stat.TotalTokens, &stat.TotalCostUSD, &breakdownJSON, &stat.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get daily stat: %w", err)
	}

	stat.Breakdown = NewBreakdown()
	if len(breakdownJSON) > 0 {
		if err := json.Unmarshal(breakdownJSON, &stat.Breakdown); err != nil {
			return nil, fmt.Errorf("unmarshal daily breakdown: %w", err)
		}
	}
	if stat.Breakdown.Models == nil {
		stat.Breakdown.Models = make(map[string]ModelBreakdown)
	}
	if stat.Breakdown.Endpoints == nil {
		stat.Breakdown.Endpoints = make(map[string]EndpointBreakdown)
	}
	return &stat, nil
}

// UpsertDailyStat writes the accumulation row for its date.
func (s *Store) UpsertDailyStat(ctx context.Context, stat *DailyStat) error {
	ctx, cancel := withPGTimeout(ctx)
	defer cancel()

	breakdownJSON, err := json.Marshal(stat.Breakdown)
	if err != nil {
		return fmt.Errorf("marshal daily breakdown: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO daily_stats (stat_date, total_requests, success_count, failure_count, total_tokens, estimated_cost_usd, breakdown, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, now())
		ON CONFLICT (stat_date)
		DO UPDATE SET
			total_requests = $2,
			success_count = $3,
			failure_count = $4,
			total_tokens = $5,
			estimated_cost_usd = $6,
			breakdown = $7,
			updated_at = now()
	`, stat.StatDate, stat.TotalRequests, stat.SuccessCount, stat.FailureCount,
		stat.TotalTokens, stat.TotalCostUSD, breakdownJSON)
	if err != nil {
		return fmt.Errorf("upsert daily stat: %w", err)
	}
	return nil
}

// UpsertCredentialSummary replaces the single credential stats document.
func (s *Store) UpsertCredentialSummary(ctx context.Context, summary *CredentialSummary) error {
	ctx, cancel := withPGTimeout(ctx)
	defer cancel()

	credsJSON, err := json.Marshal(summary.Credentials)
	if err != nil {
		return fmt.Errorf("marshal credentials: %w", err)
	}
	keysJSON, err := json.Marshal(summary.APIKeys)
	if err != nil {
		return fmt.Errorf("marshal api keys: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO credential_usage_summary (id, credentials, api_keys, total_credentials, total_api_keys, synced_at)
		VALUES (1, $1, $2, $3, $4, $5)
		ON CONFLICT (id)
		DO UPDATE SET
			credentials = $1,
			api_keys = $2,
			total_credentials = $3,
			total_api_keys = $4,
			synced_at = $5
	`, credsJSON, keysJSON, summary.TotalCredentials, summary.TotalAPIKeys, summary.SyncedAt)
	if err != nil {
		return fmt.Errorf("upsert credential summary: %w", err)
	}
	return nil
}

// ListRateLimitConfigs returns every tracked rate limit window.
func (s *Store) ListRateLimitConfigs(ctx context.Context) ([]RateLimitConfig, error) {
	ctx, cancel := withPGTimeout(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, model_pattern, window_minutes, reset_strategy, token_limit, request_limit, reset_anchor_timestamp, created_at
		FROM rate_limit_configs
		ORDER BY id
	`)
	if err != nil {
		return nil, fmt.Errorf("list rate limit configs: %w", err)
	}
	defer rows.Close()

	var configs []RateLimitConfig
	for rows.Next() {
		var (
			cfg          RateLimitConfig
			tokenLimit   sql.NullInt64
			requestLimit sql.NullInt64
			anchor       sql.NullTime
		)
		if err := rows.Scan(&cfg.ID, &cfg.ModelPattern, &cfg.WindowMinutes, &cfg.ResetStrategy,
			&tokenLimit, &requestLimit, &anchor, &cfg.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan rate limit config: %w", err)
		}
		if tokenLimit.Valid {
			v := tokenLimit.Int64
			cfg.TokenLimit = &v
		}
		if requestLimit.Valid {
			v := requestLimit.Int64
			cfg.RequestLimit = &v
		}
		if anchor.Valid {
			t := anchor.Time
			cfg.ResetAnchorTimestamp = &t
		}
		configs = append(configs, cfg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rate limit config rows: %w", err)
	}
	return configs, nil
}

// UpsertRateLimitStatus writes the computed state of one window.
func (s *Store) UpsertRateLimitStatus(ctx context.Context, st *RateLimitStatus) error {
	ctx, cancel := withPGTimeout(ctx)
	defer cancel()

	remainingTokens := int64(0)
	if st.RemainingTokens != nil {
		remainingTokens = *st.RemainingTokens
	}
	remainingRequests := int64(0)
	if st.RemainingRequests != nil {
		remainingRequests = *st.RemainingRequests
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO rate_limit_status (config_id, window_start, next_reset, used_tokens, used_requests, remaining_tokens, remaining_requests, status_label, percentage, last_updated)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (config_id)
		DO UPDATE SET
			window_start = $2,
			next_reset = $3,
			used_tokens = $4,
			used_requests = $5,
			remaining_tokens = $6,
			remaining_requests = $7,
			status_label = $8,
			percentage = $9,
			last_updated = $10
	`, st.ConfigID, st.WindowStart, st.NextReset, st.UsedTokens, st.UsedRequests,
		remainingTokens, remainingRequests, st.StatusLabel, int64(st.Percentage), st.LastUpdated)
	if err != nil {
		return fmt.Errorf("upsert rate limit status: %w", err)
	}
	return nil
}

// LatestUsageTime returns the newest model_usage timestamp for models matching
// the pattern, or nil when there is no matching usage.
func (s *Store) LatestUsageTime(ctx context.Context, pattern string) (*time.Time, error) {
	ctx, cancel := withPGTimeout(ctx)
	defer cancel()

	var t sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT max(created_at) FROM model_usage WHERE model_name ILIKE '%' || $1 || '%'
	`, pattern).Scan(&t)
	if err != nil {
		return nil, fmt.Errorf("latest usage time: %w", err)
	}
	if !t.Valid {
		return nil, nil
	}
	return &t.Time, nil
}

// FirstUsageTimeSince returns the oldest matching timestamp at or after since.
func (s *Store) FirstUsageTimeSince(ctx context.Context, pattern string, since time.Time) (*time.Time, error) {
	ctx, cancel := withPGTimeout(ctx)
	defer cancel()

	var t sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT min(created_at) FROM model_usage
		WHERE model_name ILIKE '%' || $1 || '%' AND created_at >= $2
	`, pattern, since).Scan(&t)
	if err != nil {
		return nil, fmt.Errorf("first usage time since: %w", err)
	}
	if !t.Valid {
		return nil, nil
	}
	return &t.Time, nil
}

// LatestUsageTimeBefore returns the newest matching timestamp strictly before t.
func (s *Store) LatestUsageTimeBefore(ctx context.Context, pattern string, before time.Time) (*time.Time, error) {
	ctx, cancel := withPGTimeout(ctx)
	defer cancel()

	var t sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT max(created_at) FROM model_usage
		WHERE model_name ILIKE '%' || $1 || '%' AND created_at < $2
	`, pattern, before).Scan(&t)
	if err != nil {
		return nil, fmt.Errorf("latest usage time before: %w", err)
	}
	if !t.Valid {
		return nil, nil
	}
	return &t.Time, nil
}

// UsageCountersAt returns the cumulative (tokens, requests) per model for the
// matching rows recorded at exactly the given timestamp.
func (s *Store) UsageCountersAt(ctx context.Context, pattern string, at time.Time) (map[string]UsageCounters, error) {
	ctx, cancel := withPGTimeout(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `
		SELECT model_name, sum(total_tokens), sum(request_count)
		FROM model_usage
		WHERE model_name ILIKE '%' || $1 || '%' AND created_at = $2
		GROUP BY model_name
	`, pattern, at)
	if err != nil {
		return nil, fmt.Errorf("usage counters at: %w", err)
	}
	defer rows.Close()

	result := make(map[string]UsageCounters)
	for rows.Next() {
		var (
			model string
			c     UsageCounters
		)
		if err := rows.Scan(&model, &c.Tokens, &c.Requests); err != nil {
			return nil, fmt.Errorf("scan usage counters: %w", err)
		}
		result[model] = c
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("usage counters rows: %w", err)
	}
	return result, nil
}
