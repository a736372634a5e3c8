// Package worker implements the job consumption loop of the ingest pipeline:
// extract a board, apply the sanity guard, stage fragments and blobs, record
// the board result.
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/noticegrid/ingestor/internal/content"
	"github.com/noticegrid/ingestor/internal/ingest"
	"github.com/noticegrid/ingestor/internal/metrics"
	"github.com/noticegrid/ingestor/internal/notice"
	"github.com/noticegrid/ingestor/internal/progress"
	"github.com/noticegrid/ingestor/internal/staging"
)

// GuardConfig sets the sanity-guard thresholds. The guard protects the
// published snapshot from partially rendered listing pages: a sudden count
// drop marks the board degraded instead of shrinking its notices.
type GuardConfig struct {
	MaxDropPercent int
	MinBaseline    int
	AllowColdStart bool
}

// Config controls Worker behavior.
type Config struct {
	Guard GuardConfig
}

// Worker consumes job deliveries until its context ends. Workers are
// stateless; every effect lands in the batch's staging prefix, the content
// store, or the board's own state row, and is safe to repeat on redelivery.
type Worker struct {
	queue       ingest.JobQueue
	batches     ingest.BatchStore
	staging     *staging.Area
	contents    *content.Store
	extractor   ingest.Extractor
	deadLetters ingest.DeadLetterSink
	retry       *ingest.ExponentialRetryPolicy
	clock       ingest.Clock
	events      progress.Emitter
	cfg         Config
	logger      *zap.Logger
}

// New constructs a Worker.
func New(
	queue ingest.JobQueue,
	batches ingest.BatchStore,
	stagingArea *staging.Area,
	contents *content.Store,
	extractor ingest.Extractor,
	deadLetters ingest.DeadLetterSink,
	retry *ingest.ExponentialRetryPolicy,
	clock ingest.Clock,
	events progress.Emitter,
	cfg Config,
	logger *zap.Logger,
) *Worker {
	if retry == nil {
		retry = ingest.NewExponentialRetryPolicy(0)
	}
	if events == nil {
		events = progress.Nop()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Guard.MaxDropPercent <= 0 {
		cfg.Guard.MaxDropPercent = 20
	}
	if cfg.Guard.MinBaseline <= 0 {
		cfg.Guard.MinBaseline = 10
	}
	return &Worker{
		queue:       queue,
		batches:     batches,
		staging:     stagingArea,
		contents:    contents,
		extractor:   extractor,
		deadLetters: deadLetters,
		retry:       retry,
		clock:       clock,
		events:      events,
		cfg:         cfg,
		logger:      logger,
	}
}

// Run blocks, consuming deliveries until the context finishes or the queue
// closes.
func (w *Worker) Run(ctx context.Context) {
	for {
		delivery, err := w.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, ingest.ErrQueueClosed) {
				return
			}
			w.logger.Error("queue dequeue failed", zap.Error(err))
			continue
		}
		w.processDelivery(ctx, delivery)
	}
}

func (w *Worker) processDelivery(ctx context.Context, delivery *ingest.Delivery) {
	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()

	run := jobRun{job: delivery.Job, attempt: delivery.Attempt, started: w.clock.Now()}
	log := w.logger.With(
		zap.String("batch_id", run.job.BatchID),
		zap.String("board_id", run.job.Board.BoardID),
		zap.Int("attempt", run.attempt),
	)
	w.emitBoard(run, progress.StageBoardStart, 0, "")

	err := w.processJob(ctx, run, log)
	switch {
	case err == nil:
		metrics.ObserveJob("succeeded")
		delivery.Ack()
	case ctx.Err() != nil:
		// Shutdown, not a board failure; leave the job for redelivery.
		metrics.ObserveJob("retried")
		log.Warn("job interrupted by shutdown", zap.Error(err))
		delivery.Nack()
	case w.retry.ShouldRetry(err, delivery.Attempt):
		metrics.ObserveJob("retried")
		log.Warn("job failed, redelivering", zap.Error(err))
		delivery.Nack()
	default:
		// Final attempt: the board is recorded as failed so the batch can
		// drain, and the delivery is consumed.
		metrics.ObserveJob("dead_lettered")
		log.Error("job failed terminally", zap.Error(err))
		if w.deadLetters != nil {
			w.deadLetters.DeadLetter(ctx, run.job, err.Error())
		}
		w.emitBoard(run, progress.StageBoardError, 0, err.Error())
		delivery.Ack()
	}
}

// jobRun carries one delivery's identity through processing so progress
// events and recorded results agree on attempt and timing.
type jobRun struct {
	job     ingest.Job
	attempt int
	started time.Time
}

func (w *Worker) emitBoard(run jobRun, stage progress.Stage, notices int, note string) {
	now := w.clock.Now()
	w.events.Emit(progress.Event{
		BatchID: run.job.BatchID,
		TS:      now.UTC(),
		Stage:   stage,
		BoardID: run.job.Board.BoardID,
		Campus:  run.job.Board.Campus,
		Attempt: run.attempt,
		Notices: notices,
		Dur:     now.Sub(run.started),
		Note:    note,
	})
}

func (w *Worker) processJob(ctx context.Context, run jobRun, log *zap.Logger) error {
	job := run.job
	board := job.Board

	rows, err := w.extractor.Extract(ctx, job)
	if err != nil {
		return fmt.Errorf("extract board %s: %w", board.BoardID, err)
	}

	state, hasState, err := w.boardState(ctx, board.BoardID)
	if err != nil {
		return err
	}
	if reason, tripped := w.guardTripped(hasState, state.LastCount, len(rows)); tripped {
		return w.recordDegraded(ctx, run, state, len(rows), reason, log)
	}

	staged, err := w.stage(ctx, job, rows)
	if err != nil {
		return err
	}

	now := w.clock.Now().UTC()
	if err := w.batches.RecordBoardResult(ctx, ingest.BoardResult{
		BatchID:     job.BatchID,
		BoardID:     board.BoardID,
		Status:      ingest.BoardStatusSucceeded,
		NoticeCount: staged,
		RecordedAt:  now,
	}); err != nil {
		return fmt.Errorf("record board result: %w", err)
	}
	if err := w.batches.UpsertBoardState(ctx, ingest.BoardState{
		BoardID:       board.BoardID,
		LastCount:     staged,
		LastSuccessAt: now,
		FailureStreak: 0,
		UpdatedAt:     now,
	}); err != nil {
		return fmt.Errorf("update board state: %w", err)
	}

	metrics.ObserveBoard(board.Campus, string(ingest.BoardStatusSucceeded))
	metrics.ObserveNoticesStaged(board.Campus, staged)
	w.emitBoard(run, progress.StageBoardDone, staged, "")
	log.Info("board staged", zap.Int("notices", staged))
	return nil
}

// stage normalizes each row, stores its body blob and writes the fragment.
// Redeliveries rewrite the same keys with equivalent bytes.
func (w *Worker) stage(ctx context.Context, job ingest.Job, rows []notice.Raw) (int, error) {
	staged := 0
	for _, raw := range rows {
		n := job.Board.Normalize(raw)
		if n.Body != "" {
			_, created, err := w.contents.Put(ctx, []byte(n.Body))
			if err != nil {
				return staged, fmt.Errorf("store body for %s: %w", n.ID, err)
			}
			metrics.ObserveBlobWrite(created)
		}
		if err := w.staging.PutFragment(ctx, job.BatchID, n); err != nil {
			return staged, err
		}
		staged++
	}
	return staged, nil
}

func (w *Worker) boardState(ctx context.Context, boardID string) (ingest.BoardState, bool, error) {
	state, err := w.batches.GetBoardState(ctx, boardID)
	if errors.Is(err, ingest.ErrBoardStateNotFound) {
		return ingest.BoardState{}, false, nil
	}
	if err != nil {
		return ingest.BoardState{}, false, fmt.Errorf("read board state %s: %w", boardID, err)
	}
	return state, true, nil
}

// guardTripped applies the sanity guard. Boards with no recorded state pass
// when cold starts are allowed; baselines below MinBaseline are too noisy to
// judge a drop against.
func (w *Worker) guardTripped(hasState bool, previous, current int) (string, bool) {
	g := w.cfg.Guard
	if !hasState {
		if !g.AllowColdStart && current == 0 {
			return "empty result with no baseline", true
		}
		return "", false
	}
	if previous < g.MinBaseline {
		return "", false
	}
	if current == 0 {
		return fmt.Sprintf("zero notices where previous count was %d", previous), true
	}
	if drop := (previous - current) * 100 / previous; drop > g.MaxDropPercent {
		return fmt.Sprintf("count dropped %d%% (%d -> %d)", drop, previous, current), true
	}
	return "", false
}

// recordDegraded writes the degraded board result without staging any
// fragments, so the aggregator falls back to the previous snapshot's data.
func (w *Worker) recordDegraded(ctx context.Context, run jobRun, state ingest.BoardState, count int, reason string, log *zap.Logger) error {
	board := run.job.Board
	now := w.clock.Now().UTC()

	if err := w.batches.RecordBoardResult(ctx, ingest.BoardResult{
		BatchID:     run.job.BatchID,
		BoardID:     board.BoardID,
		Status:      ingest.BoardStatusDegraded,
		NoticeCount: count,
		Error:       reason,
		RecordedAt:  now,
	}); err != nil {
		return fmt.Errorf("record degraded board: %w", err)
	}

	state.BoardID = board.BoardID
	state.FailureStreak++
	state.UpdatedAt = now
	if err := w.batches.UpsertBoardState(ctx, state); err != nil {
		return fmt.Errorf("update board state: %w", err)
	}

	metrics.ObserveGuardTrip(board.Campus)
	metrics.ObserveBoard(board.Campus, string(ingest.BoardStatusDegraded))
	w.emitBoard(run, progress.StageBoardDegraded, count, reason)
	log.Warn("sanity guard tripped",
		zap.String("reason", reason),
		zap.Int("extracted", count),
		zap.Int("previous", state.LastCount),
	)
	return nil
}
