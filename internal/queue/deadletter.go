// Package queue holds the job queue implementations and the dead-letter sink
// they share.
package queue

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/noticegrid/ingestor/internal/ingest"
	"github.com/noticegrid/ingestor/internal/metrics"
)

// DeadLetter records jobs whose delivery attempts are exhausted. The board is
// written into the batch's error set as failed (so drain detection and the
// error manifest see it) and its failure streak advances.
type DeadLetter struct {
	batches ingest.BatchStore
	clock   ingest.Clock
	logger  *zap.Logger
}

// NewDeadLetter constructs the recording dead-letter sink.
func NewDeadLetter(batches ingest.BatchStore, clock ingest.Clock, logger *zap.Logger) *DeadLetter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DeadLetter{batches: batches, clock: clock, logger: logger}
}

// DeadLetter implements ingest.DeadLetterSink.
func (d *DeadLetter) DeadLetter(ctx context.Context, job ingest.Job, reason string) {
	now := d.clock.Now()
	d.logger.Error("job dead-lettered",
		zap.String("batch_id", job.BatchID),
		zap.String("board_id", job.Board.BoardID),
		zap.String("reason", reason),
	)
	metrics.ObserveDeadLetter()
	metrics.ObserveBoard(job.Board.Campus, string(ingest.BoardStatusFailed))

	result := ingest.BoardResult{
		BatchID:    job.BatchID,
		BoardID:    job.Board.BoardID,
		Status:     ingest.BoardStatusFailed,
		Error:      reason,
		RecordedAt: now,
	}
	if err := d.batches.RecordBoardResult(ctx, result); err != nil {
		d.logger.Error("record dead-lettered board result",
			zap.String("batch_id", job.BatchID),
			zap.String("board_id", job.Board.BoardID),
			zap.Error(err),
		)
	}

	state, err := d.batches.GetBoardState(ctx, job.Board.BoardID)
	if err != nil && !errors.Is(err, ingest.ErrBoardStateNotFound) {
		d.logger.Error("read board state",
			zap.String("board_id", job.Board.BoardID),
			zap.Error(err),
		)
		return
	}
	state.BoardID = job.Board.BoardID
	state.FailureStreak++
	state.UpdatedAt = now
	if err := d.batches.UpsertBoardState(ctx, state); err != nil {
		d.logger.Error("update board state",
			zap.String("board_id", job.Board.BoardID),
			zap.Error(err),
		)
	}
}
