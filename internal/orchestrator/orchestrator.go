// Package orchestrator starts ingestion batches: it snapshots the site map,
// persists the batch record and fans the per-board jobs out to the queue.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/noticegrid/ingestor/internal/ingest"
	"github.com/noticegrid/ingestor/internal/progress"
)

// BoardSource yields the crawl targets for one batch. Implementations may
// re-read their backing document on every call.
type BoardSource interface {
	Boards(ctx context.Context) ([]ingest.Board, error)
}

// Config tunes batch admission and fan-out.
type Config struct {
	// OverlapGrace is how long a running batch blocks the next one. A batch
	// older than this is treated as stuck and overridden.
	OverlapGrace time.Duration
	// PublishParallel bounds concurrent Publish calls during fan-out.
	PublishParallel int
}

// Orchestrator owns the batch start path. Exactly one batch is meant to run
// at a time; overlapping starts are refused with ErrBatchActive.
type Orchestrator struct {
	source  BoardSource
	queue   ingest.JobQueue
	batches ingest.BatchStore
	ids     ingest.IDGenerator
	clock   ingest.Clock
	events  progress.Emitter
	cfg     Config
	logger  *zap.Logger
}

// New wires an orchestrator. A nil logger is replaced with a no-op one.
func New(source BoardSource, queue ingest.JobQueue, batches ingest.BatchStore, ids ingest.IDGenerator, clock ingest.Clock, events progress.Emitter, cfg Config, logger *zap.Logger) *Orchestrator {
	if events == nil {
		events = progress.Nop()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.OverlapGrace <= 0 {
		cfg.OverlapGrace = 20 * time.Minute
	}
	if cfg.PublishParallel <= 0 {
		cfg.PublishParallel = 8
	}
	return &Orchestrator{
		source:  source,
		queue:   queue,
		batches: batches,
		ids:     ids,
		clock:   clock,
		events:  events,
		cfg:     cfg,
		logger:  logger,
	}
}

// StartBatch creates one batch over the current site map and publishes a job
// per board. The batch record is written before any job so that a consumer
// can never observe a job whose batch is unknown.
func (o *Orchestrator) StartBatch(ctx context.Context) (ingest.Batch, error) {
	now := o.clock.Now()

	if err := o.refuseOverlap(ctx, now); err != nil {
		return ingest.Batch{}, err
	}

	boards, err := o.source.Boards(ctx)
	if err != nil {
		return ingest.Batch{}, fmt.Errorf("load boards: %w", err)
	}
	if len(boards) == 0 {
		return ingest.Batch{}, errors.New("site map has no boards to crawl")
	}

	id, err := o.ids.NewID()
	if err != nil {
		return ingest.Batch{}, fmt.Errorf("generate batch id: %w", err)
	}

	batch := ingest.Batch{
		ID:           id,
		Version:      ingest.VersionForTime(now),
		ExpectedJobs: len(boards),
		StartedAt:    now,
		State:        ingest.BatchStateRunning,
	}
	if err := o.batches.CreateBatch(ctx, batch); err != nil {
		return ingest.Batch{}, fmt.Errorf("create batch: %w", err)
	}
	o.events.Emit(progress.Event{
		BatchID: batch.ID,
		TS:      now.UTC(),
		Stage:   progress.StageBatchStart,
		Boards:  len(boards),
	})

	if err := o.publishJobs(ctx, batch, boards); err != nil {
		// The batch record stays behind with fewer jobs published than
		// expected; the drain monitor times it out.
		o.logger.Error("batch fan-out incomplete",
			zap.String("batch_id", batch.ID),
			zap.Error(err))
		return batch, err
	}

	o.logger.Info("batch started",
		zap.String("batch_id", batch.ID),
		zap.String("version", batch.Version),
		zap.Int("boards", len(boards)))
	return batch, nil
}

// refuseOverlap enforces single-batch execution. A running batch younger than
// OverlapGrace blocks the start; an older one is assumed stuck and logged.
func (o *Orchestrator) refuseOverlap(ctx context.Context, now time.Time) error {
	active, err := o.batches.ActiveBatch(ctx)
	if errors.Is(err, ingest.ErrBatchNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("check active batch: %w", err)
	}

	age := now.Sub(active.StartedAt)
	if age < o.cfg.OverlapGrace {
		return fmt.Errorf("batch %s started %s ago: %w", active.ID, age.Round(time.Second), ingest.ErrBatchActive)
	}
	o.logger.Warn("previous batch exceeded overlap grace, starting anyway",
		zap.String("stuck_batch_id", active.ID),
		zap.Duration("age", age))
	return nil
}

func (o *Orchestrator) publishJobs(ctx context.Context, batch ingest.Batch, boards []ingest.Board) error {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(o.cfg.PublishParallel)
	for _, board := range boards {
		g.Go(func() error {
			job := ingest.Job{BatchID: batch.ID, Board: board}
			if err := o.queue.Publish(ctx, job); err != nil {
				return fmt.Errorf("publish job for board %s: %w", board.BoardID, err)
			}
			return nil
		})
	}
	return g.Wait()
}

// Run starts a batch on every scheduler tick. Failed cycles are logged and
// retried on the next tick; only the scheduler itself can end the loop.
func (o *Orchestrator) Run(ctx context.Context, sched ingest.Scheduler) error {
	return sched.Run(ctx, func(ctx context.Context) error {
		_, err := o.StartBatch(ctx)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, ingest.ErrBatchActive):
			o.logger.Info("cycle skipped", zap.Error(err))
			return nil
		default:
			o.logger.Error("cycle failed", zap.Error(err))
			return nil
		}
	})
}
