// Package postgres provides the Postgres-backed BatchStore.
//
// It assumes the following schema:
//
//	CREATE TABLE batches (
//	    id                   TEXT PRIMARY KEY,
//	    version              TEXT NOT NULL,
//	    expected_jobs        INTEGER NOT NULL,
//	    started_at           TIMESTAMPTZ NOT NULL,
//	    finalized_at         TIMESTAMPTZ,
//	    state                TEXT NOT NULL,
//	    finalize_claimant    TEXT,
//	    finalize_claimed_at  TIMESTAMPTZ
//	);
//
//	CREATE TABLE board_results (
//	    batch_id     TEXT NOT NULL REFERENCES batches (id),
//	    board_id     TEXT NOT NULL,
//	    status       TEXT NOT NULL,
//	    notice_count INTEGER NOT NULL DEFAULT 0,
//	    error        TEXT NOT NULL DEFAULT '',
//	    recorded_at  TIMESTAMPTZ NOT NULL,
//	    PRIMARY KEY (batch_id, board_id)
//	);
//
//	CREATE TABLE board_state (
//	    board_id        TEXT PRIMARY KEY,
//	    last_count      INTEGER NOT NULL DEFAULT 0,
//	    last_success_at TIMESTAMPTZ NOT NULL DEFAULT 'epoch',
//	    failure_streak  INTEGER NOT NULL DEFAULT 0,
//	    updated_at      TIMESTAMPTZ NOT NULL
//	);
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/noticegrid/ingestor/internal/ingest"
)

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string        `mapstructure:"dsn" yaml:"dsn"`
	MaxConns        int32         `mapstructure:"max_conns" yaml:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns" yaml:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime" yaml:"max_conn_lifetime"`
}

type dbPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// Store implements ingest.BatchStore on Postgres.
type Store struct {
	pool dbPool
}

// NewStore connects a pool and returns the store.
func NewStore(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database.dsn is required")
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
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

// NewStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewStoreWithPool(pool dbPool) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &Store{pool: pool}, nil
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// CreateBatch inserts new batch metadata.
func (s *Store) CreateBatch(ctx context.Context, batch ingest.Batch) error {
	query := `
		INSERT INTO batches (id, version, expected_jobs, started_at, finalized_at, state)
		VALUES ($1, $2, $3, $4, $5, $6);
	`
	_, err := s.pool.Exec(ctx, query,
		batch.ID,
		batch.Version,
		batch.ExpectedJobs,
		batch.StartedAt,
		batch.FinalizedAt,
		batch.State,
	)
	if err != nil {
		return fmt.Errorf("failed to create batch: %w", err)
	}
	return nil
}

// GetBatch retrieves one batch by ID.
func (s *Store) GetBatch(ctx context.Context, batchID string) (ingest.Batch, error) {
	query := `
		SELECT id, version, expected_jobs, started_at, finalized_at, state
		FROM batches
		WHERE id = $1;
	`
	var batch ingest.Batch
	err := s.pool.QueryRow(ctx, query, batchID).Scan(
		&batch.ID,
		&batch.Version,
		&batch.ExpectedJobs,
		&batch.StartedAt,
		&batch.FinalizedAt,
		&batch.State,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ingest.Batch{}, ingest.ErrBatchNotFound
		}
		return ingest.Batch{}, fmt.Errorf("failed to get batch: %w", err)
	}
	return batch, nil
}

// ListBatches retrieves batches newest-first.
func (s *Store) ListBatches(ctx context.Context, limit, offset int) ([]ingest.Batch, error) {
	query := `
		SELECT id, version, expected_jobs, started_at, finalized_at, state
		FROM batches
		ORDER BY started_at DESC, id
		LIMIT $1 OFFSET $2;
	`
	rows, err := s.pool.Query(ctx, query, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list batches: %w", err)
	}
	defer rows.Close()

	var batches []ingest.Batch
	for rows.Next() {
		var batch ingest.Batch
		err := rows.Scan(
			&batch.ID,
			&batch.Version,
			&batch.ExpectedJobs,
			&batch.StartedAt,
			&batch.FinalizedAt,
			&batch.State,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan batch row: %w", err)
		}
		batches = append(batches, batch)
	}
	return batches, nil
}

// ActiveBatch returns the most recently started batch still running.
func (s *Store) ActiveBatch(ctx context.Context) (ingest.Batch, error) {
	query := `
		SELECT id, version, expected_jobs, started_at, finalized_at, state
		FROM batches
		WHERE state = $1
		ORDER BY started_at DESC
		LIMIT 1;
	`
	var batch ingest.Batch
	err := s.pool.QueryRow(ctx, query, ingest.BatchStateRunning).Scan(
		&batch.ID,
		&batch.Version,
		&batch.ExpectedJobs,
		&batch.StartedAt,
		&batch.FinalizedAt,
		&batch.State,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ingest.Batch{}, ingest.ErrBatchNotFound
		}
		return ingest.Batch{}, fmt.Errorf("failed to get active batch: %w", err)
	}
	return batch, nil
}

// RecordBoardResult upserts one board's outcome within a batch, so a
// redelivered job never double-counts toward drain detection.
func (s *Store) RecordBoardResult(ctx context.Context, result ingest.BoardResult) error {
	query := `
		INSERT INTO board_results (batch_id, board_id, status, notice_count, error, recorded_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (batch_id, board_id) DO UPDATE
		SET status = EXCLUDED.status,
		    notice_count = EXCLUDED.notice_count,
		    error = EXCLUDED.error,
		    recorded_at = EXCLUDED.recorded_at;
	`
	_, err := s.pool.Exec(ctx, query,
		result.BatchID,
		result.BoardID,
		result.Status,
		result.NoticeCount,
		result.Error,
		result.RecordedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to record board result: %w", err)
	}
	return nil
}

// ListBoardResults retrieves the batch's recorded outcomes sorted by board.
func (s *Store) ListBoardResults(ctx context.Context, batchID string) ([]ingest.BoardResult, error) {
	query := `
		SELECT batch_id, board_id, status, notice_count, error, recorded_at
		FROM board_results
		WHERE batch_id = $1
		ORDER BY board_id;
	`
	rows, err := s.pool.Query(ctx, query, batchID)
	if err != nil {
		return nil, fmt.Errorf("failed to list board results: %w", err)
	}
	defer rows.Close()

	var results []ingest.BoardResult
	for rows.Next() {
		var result ingest.BoardResult
		err := rows.Scan(
			&result.BatchID,
			&result.BoardID,
			&result.Status,
			&result.NoticeCount,
			&result.Error,
			&result.RecordedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan board result row: %w", err)
		}
		results = append(results, result)
	}
	return results, nil
}

// ClaimFinalize grants the single-writer finalize lease with one conditional
// update: the claim succeeds only when the batch is still running and no
// other claimant holds a live lease.
func (s *Store) ClaimFinalize(ctx context.Context, batchID, claimant string, now time.Time, staleAfter time.Duration) (bool, error) {
	query := `
		UPDATE batches
		SET finalize_claimant = $2, finalize_claimed_at = $3
		WHERE id = $1
		  AND state = $4
		  AND (finalize_claimant IS NULL
		       OR finalize_claimant = $2
		       OR finalize_claimed_at < $5);
	`
	res, err := s.pool.Exec(ctx, query,
		batchID,
		claimant,
		now,
		ingest.BatchStateRunning,
		now.Add(-staleAfter),
	)
	if err != nil {
		return false, fmt.Errorf("failed to claim finalize: %w", err)
	}
	if res.RowsAffected() > 0 {
		return true, nil
	}
	// Distinguish "lease held elsewhere" from "no such batch".
	if _, err := s.GetBatch(ctx, batchID); err != nil {
		return false, err
	}
	return false, nil
}

// MarkFinalized records the batch's terminal state.
func (s *Store) MarkFinalized(ctx context.Context, batchID string, state ingest.BatchState, finalizedAt time.Time) error {
	query := `
		UPDATE batches
		SET state = $2, finalized_at = $3
		WHERE id = $1;
	`
	res, err := s.pool.Exec(ctx, query, batchID, state, finalizedAt)
	if err != nil {
		return fmt.Errorf("failed to mark batch finalized: %w", err)
	}
	if res.RowsAffected() == 0 {
		return ingest.ErrBatchNotFound
	}
	return nil
}

// GetBoardState retrieves one board's durable state.
func (s *Store) GetBoardState(ctx context.Context, boardID string) (ingest.BoardState, error) {
	query := `
		SELECT board_id, last_count, last_success_at, failure_streak, updated_at
		FROM board_state
		WHERE board_id = $1;
	`
	var state ingest.BoardState
	err := s.pool.QueryRow(ctx, query, boardID).Scan(
		&state.BoardID,
		&state.LastCount,
		&state.LastSuccessAt,
		&state.FailureStreak,
		&state.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ingest.BoardState{}, ingest.ErrBoardStateNotFound
		}
		return ingest.BoardState{}, fmt.Errorf("failed to get board state: %w", err)
	}
	return state, nil
}

// ListBoardStates retrieves all board states sorted by board ID.
func (s *Store) ListBoardStates(ctx context.Context) ([]ingest.BoardState, error) {
	query := `
		SELECT board_id, last_count, last_success_at, failure_streak, updated_at
		FROM board_state
		ORDER BY board_id;
	`
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list board states: %w", err)
	}
	defer rows.Close()

	var states []ingest.BoardState
	for rows.Next() {
		var state ingest.BoardState
		err := rows.Scan(
			&state.BoardID,
			&state.LastCount,
			&state.LastSuccessAt,
			&state.FailureStreak,
			&state.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan board state row: %w", err)
		}
		states = append(states, state)
	}
	return states, nil
}

// UpsertBoardState writes one board's durable state.
func (s *Store) UpsertBoardState(ctx context.Context, state ingest.BoardState) error {
	query := `
		INSERT INTO board_state (board_id, last_count, last_success_at, failure_streak, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (board_id) DO UPDATE
		SET last_count = EXCLUDED.last_count,
		    last_success_at = EXCLUDED.last_success_at,
		    failure_streak = EXCLUDED.failure_streak,
		    updated_at = EXCLUDED.updated_at;
	`
	_, err := s.pool.Exec(ctx, query,
		state.BoardID,
		state.LastCount,
		state.LastSuccessAt,
		state.FailureStreak,
		state.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert board state: %w", err)
	}
	return nil
}
