// Package postgres provides Postgres-backed persistence implementations.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/bmie/internal/store"
)

// Schema creates the run history tables when they are missing.
const Schema = `
CREATE TABLE IF NOT EXISTS run_history (
	id          UUID PRIMARY KEY,
	kind        TEXT NOT NULL DEFAULT '',
	started_at  TIMESTAMPTZ NOT NULL,
	finished_at TIMESTAMPTZ,
	status      TEXT NOT NULL,
	summary     TEXT
);
CREATE INDEX IF NOT EXISTS run_history_started_at_idx ON run_history (started_at DESC);
CREATE TABLE IF NOT EXISTS run_site_stats (
	run_id       UUID NOT NULL REFERENCES run_history (id) ON DELETE CASCADE,
	site         TEXT NOT NULL,
	last_update  TIMESTAMPTZ NOT NULL,
	attempts     BIGINT NOT NULL DEFAULT 0,
	artifacts    BIGINT NOT NULL DEFAULT 0,
	retries      BIGINT NOT NULL DEFAULT 0,
	status_2xx   BIGINT NOT NULL DEFAULT 0,
	status_3xx   BIGINT NOT NULL DEFAULT 0,
	status_4xx   BIGINT NOT NULL DEFAULT 0,
	status_5xx   BIGINT NOT NULL DEFAULT 0,
	status_other BIGINT NOT NULL DEFAULT 0,
	PRIMARY KEY (run_id, site)
);`

// HistoryStoreConfig controls the Postgres connection pool.
type HistoryStoreConfig struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	// EnsureSchema runs Schema on startup.
	EnsureSchema bool
}

type pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// HistoryStore implements store.HistoryRepository using Postgres.
type HistoryStore struct {
	pool pool
}

var _ store.HistoryRepository = (*HistoryStore)(nil)

// NewHistoryStore connects to Postgres using cfg.
func NewHistoryStore(ctx context.Context, cfg HistoryStoreConfig) (*HistoryStore, error) {
	if cfg.DSN == "" {
		return nil, errors.New("history.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	s := &HistoryStore{pool: p}
	if cfg.EnsureSchema {
		if err := s.EnsureSchema(ctx); err != nil {
			p.Close()
			return nil, err
		}
	}
	return s, nil
}

// NewHistoryStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewHistoryStoreWithPool(p pool) (*HistoryStore, error) {
	if p == nil {
		return nil, errors.New("pool is required")
	}
	return &HistoryStore{pool: p}, nil
}

// Close releases the underlying pool resources.
func (s *HistoryStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// EnsureSchema creates the history tables.
func (s *HistoryStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("ensure history schema: %w", err)
	}
	return nil
}

// Ping verifies connectivity for readiness checks.
func (s *HistoryStore) Ping(ctx context.Context) error {
	var one int
	if err := s.pool.QueryRow(ctx, "SELECT 1").Scan(&one); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	return nil
}

// UpsertRunStart inserts a run row or resets its start metadata.
func (s *HistoryStore) UpsertRunStart(ctx context.Context, runID uuid.UUID, kind string, startedAt time.Time) error {
	query := `
		INSERT INTO run_history (id, kind, started_at, status)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE
		SET kind = EXCLUDED.kind, started_at = EXCLUDED.started_at
		WHERE run_history.finished_at IS NULL;
	`
	if _, err := s.pool.Exec(ctx, query, runID, kind, startedAt, store.RunRunning); err != nil {
		return fmt.Errorf("failed to upsert run start: %w", err)
	}
	return nil
}

// CompleteRun marks a run finished with a status and optional summary.
func (s *HistoryStore) CompleteRun(
	ctx context.Context,
	runID uuid.UUID,
	finishedAt time.Time,
	status store.RunStatus,
	summary *string,
) error {
	query := `
		UPDATE run_history
		SET finished_at = $1, status = $2, summary = $3
		WHERE id = $4;
	`
	res, err := s.pool.Exec(ctx, query, finishedAt, status, summary, runID)
	if err != nil {
		return fmt.Errorf("failed to complete run: %w", err)
	}
	if res.RowsAffected() == 0 {
		return fmt.Errorf("complete run %s: %w", runID, store.ErrNotFound)
	}
	return nil
}

// UpsertSiteStats adds delta to the run's counters for site.
func (s *HistoryStore) UpsertSiteStats(ctx context.Context, runID uuid.UUID, site string, delta store.SiteDelta) error {
	var c2xx, c3xx, c4xx, c5xx, other int64
	switch delta.StatusClass {
	case "":
	case "2xx":
		c2xx = delta.Attempts
	case "3xx":
		c3xx = delta.Attempts
	case "4xx":
		c4xx = delta.Attempts
	case "5xx":
		c5xx = delta.Attempts
	case "other":
		other = delta.Attempts
	default:
		return fmt.Errorf("unknown status class: %s", delta.StatusClass)
	}
	query := `
		INSERT INTO run_site_stats (
			run_id, site, last_update, attempts, artifacts, retries,
			status_2xx, status_3xx, status_4xx, status_5xx, status_other
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (run_id, site) DO UPDATE SET
			last_update  = GREATEST(run_site_stats.last_update, EXCLUDED.last_update),
			attempts     = run_site_stats.attempts + EXCLUDED.attempts,
			artifacts    = run_site_stats.artifacts + EXCLUDED.artifacts,
			retries      = run_site_stats.retries + EXCLUDED.retries,
			status_2xx   = run_site_stats.status_2xx + EXCLUDED.status_2xx,
			status_3xx   = run_site_stats.status_3xx + EXCLUDED.status_3xx,
			status_4xx   = run_site_stats.status_4xx + EXCLUDED.status_4xx,
			status_5xx   = run_site_stats.status_5xx + EXCLUDED.status_5xx,
			status_other = run_site_stats.status_other + EXCLUDED.status_other;
	`
	_, err := s.pool.Exec(ctx, query,
		runID, site, delta.At, delta.Attempts, delta.Artifacts, delta.Retries,
		c2xx, c3xx, c4xx, c5xx, other,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert site stats: %w", err)
	}
	return nil
}

// GetRun retrieves a single run by its ID.
func (s *HistoryStore) GetRun(ctx context.Context, runID uuid.UUID) (store.RunRecord, error) {
	query := `
		SELECT id, kind, started_at, finished_at, status, summary
		FROM run_history
		WHERE id = $1;
	`
	var run store.RunRecord
	err := s.pool.QueryRow(ctx, query, runID).Scan(
		&run.ID,
		&run.Kind,
		&run.StartedAt,
		&run.FinishedAt,
		&run.Status,
		&run.Summary,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.RunRecord{}, store.ErrNotFound
		}
		return store.RunRecord{}, fmt.Errorf("failed to get run: %w", err)
	}
	return run, nil
}

// ListRuns retrieves runs, newest first, with optional status filtering.
func (s *HistoryStore) ListRuns(ctx context.Context, status *store.RunStatus, limit, offset int) ([]store.RunRecord, error) {
	query := `
		SELECT id, kind, started_at, finished_at, status, summary
		FROM run_history
		WHERE ($1::text IS NULL OR status = $1)
		ORDER BY started_at DESC
		LIMIT $2 OFFSET $3;
	`
	var filter *string
	if status != nil {
		value := string(*status)
		filter = &value
	}
	rows, err := s.pool.Query(ctx, query, filter, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	runs := []store.RunRecord{}
	for rows.Next() {
		var run store.RunRecord
		if err := rows.Scan(
			&run.ID,
			&run.Kind,
			&run.StartedAt,
			&run.FinishedAt,
			&run.Status,
			&run.Summary,
		); err != nil {
			return nil, fmt.Errorf("failed to scan run row: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate runs: %w", err)
	}
	return runs, nil
}

// ListRunSites retrieves the per-site counters for a run.
func (s *HistoryStore) ListRunSites(ctx context.Context, runID uuid.UUID, limit, offset int) ([]store.SiteStats, error) {
	query := `
		SELECT run_id, site, last_update, attempts, artifacts, retries,
			status_2xx, status_3xx, status_4xx, status_5xx, status_other
		FROM run_site_stats
		WHERE run_id = $1
		ORDER BY last_update DESC
		LIMIT $2 OFFSET $3;
	`
	rows, err := s.pool.Query(ctx, query, runID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list run sites: %w", err)
	}
	defer rows.Close()

	stats := []store.SiteStats{}
	for rows.Next() {
		var stat store.SiteStats
		if err := rows.Scan(
			&stat.RunID,
			&stat.Site,
			&stat.LastUpdate,
			&stat.Attempts,
			&stat.Artifacts,
			&stat.Retries,
			&stat.Status2xx,
			&stat.Status3xx,
			&stat.Status4xx,
			&stat.Status5xx,
			&stat.StatusOther,
		); err != nil {
			return nil, fmt.Errorf("failed to scan site stats row: %w", err)
		}
		stats = append(stats, stat)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate site stats: %w", err)
	}
	return stats, nil
}
