package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/noticegrid/ingestor/internal/ingest"
)

func newMockStore(t *testing.T) (*Store, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)

	store, err := NewStoreWithPool(mock)
	require.NoError(t, err)
	return store, mock
}

func TestCreateBatchInsertsRow(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	startedAt := time.Unix(1770000000, 0).UTC()

	batch := ingest.Batch{
		ID:           "batch-1",
		Version:      ingest.VersionForTime(startedAt),
		ExpectedJobs: 42,
		StartedAt:    startedAt,
		State:        ingest.BatchStateRunning,
	}

	mock.ExpectExec("INSERT INTO batches").
		WithArgs(
			batch.ID,
			batch.Version,
			batch.ExpectedJobs,
			batch.StartedAt,
			batch.FinalizedAt,
			batch.State,
		).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, store.CreateBatch(context.Background(), batch))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetBatchMapsNoRows(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)

	mock.ExpectQuery("SELECT id, version, expected_jobs").
		WithArgs("missing").
		WillReturnError(pgx.ErrNoRows)

	_, err := store.GetBatch(context.Background(), "missing")
	require.ErrorIs(t, err, ingest.ErrBatchNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordBoardResultUpserts(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	recordedAt := time.Unix(1770000300, 0).UTC()

	result := ingest.BoardResult{
		BatchID:     "batch-1",
		BoardID:     "cs-100",
		Status:      ingest.BoardStatusSucceeded,
		NoticeCount: 14,
		RecordedAt:  recordedAt,
	}

	mock.ExpectExec("INSERT INTO board_results").
		WithArgs(
			result.BatchID,
			result.BoardID,
			result.Status,
			result.NoticeCount,
			result.Error,
			result.RecordedAt,
		).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, store.RecordBoardResult(context.Background(), result))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestClaimFinalize(t *testing.T) {
	t.Parallel()

	now := time.Unix(1770000600, 0).UTC()
	staleAfter := 10 * time.Minute

	t.Run("Granted", func(t *testing.T) {
		store, mock := newMockStore(t)

		mock.ExpectExec("UPDATE batches").
			WithArgs("batch-1", "agg-1", now, ingest.BatchStateRunning, now.Add(-staleAfter)).
			WillReturnResult(pgxmock.NewResult("UPDATE", 1))

		ok, err := store.ClaimFinalize(context.Background(), "batch-1", "agg-1", now, staleAfter)
		require.NoError(t, err)
		require.True(t, ok)
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("HeldElsewhere", func(t *testing.T) {
		store, mock := newMockStore(t)

		mock.ExpectExec("UPDATE batches").
			WithArgs("batch-1", "agg-2", now, ingest.BatchStateRunning, now.Add(-staleAfter)).
			WillReturnResult(pgxmock.NewResult("UPDATE", 0))
		mock.ExpectQuery("SELECT id, version, expected_jobs").
			WithArgs("batch-1").
			WillReturnRows(pgxmock.NewRows([]string{
				"id", "version", "expected_jobs", "started_at", "finalized_at", "state",
			}).AddRow("batch-1", "20260314090000", 42, now, (*time.Time)(nil), ingest.BatchStateRunning))

		ok, err := store.ClaimFinalize(context.Background(), "batch-1", "agg-2", now, staleAfter)
		require.NoError(t, err)
		require.False(t, ok)
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("BatchMissing", func(t *testing.T) {
		store, mock := newMockStore(t)

		mock.ExpectExec("UPDATE batches").
			WithArgs("ghost", "agg-1", now, ingest.BatchStateRunning, now.Add(-staleAfter)).
			WillReturnResult(pgxmock.NewResult("UPDATE", 0))
		mock.ExpectQuery("SELECT id, version, expected_jobs").
			WithArgs("ghost").
			WillReturnError(pgx.ErrNoRows)

		_, err := store.ClaimFinalize(context.Background(), "ghost", "agg-1", now, staleAfter)
		require.ErrorIs(t, err, ingest.ErrBatchNotFound)
		require.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestUpsertBoardState(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	updatedAt := time.Unix(1770000900, 0).UTC()

	state := ingest.BoardState{
		BoardID:       "cs-100",
		LastCount:     14,
		LastSuccessAt: updatedAt,
		FailureStreak: 0,
		UpdatedAt:     updatedAt,
	}

	mock.ExpectExec("INSERT INTO board_state").
		WithArgs(
			state.BoardID,
			state.LastCount,
			state.LastSuccessAt,
			state.FailureStreak,
			state.UpdatedAt,
		).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, store.UpsertBoardState(context.Background(), state))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListBoardResultsScansRows(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	recordedAt := time.Unix(1770001200, 0).UTC()

	mock.ExpectQuery("SELECT batch_id, board_id, status").
		WithArgs("batch-1").
		WillReturnRows(pgxmock.NewRows([]string{
			"batch_id", "board_id", "status", "notice_count", "error", "recorded_at",
		}).
			AddRow("batch-1", "cs-100", ingest.BoardStatusSucceeded, 14, "", recordedAt).
			AddRow("batch-1", "me-200", ingest.BoardStatusFailed, 0, "boom", recordedAt))

	results, err := store.ListBoardResults(context.Background(), "batch-1")
	require.NoError(t, err)
	require.Len(t, results, 2)
	require.Equal(t, "cs-100", results[0].BoardID)
	require.Equal(t, ingest.BoardStatusFailed, results[1].Status)
	require.NoError(t, mock.ExpectationsWereMet())
}
