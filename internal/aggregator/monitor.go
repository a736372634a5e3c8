package aggregator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/noticegrid/ingestor/internal/ingest"
)

// MonitorConfig tunes the drain sweep.
type MonitorConfig struct {
	// BatchTimeout finalizes a batch that never drained, using whatever
	// fragments arrived.
	BatchTimeout time.Duration
	// SweepLimit bounds how many recent batches one sweep inspects.
	SweepLimit int
}

// Monitor watches running batches and triggers finalize when one drains or
// exceeds its timeout.
type Monitor struct {
	batches   ingest.BatchStore
	finalizer *Finalizer
	clock     ingest.Clock
	cfg       MonitorConfig
	logger    *zap.Logger
}

// NewMonitor wires a drain monitor.
func NewMonitor(batches ingest.BatchStore, finalizer *Finalizer, clock ingest.Clock, cfg MonitorConfig, logger *zap.Logger) *Monitor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.BatchTimeout <= 0 {
		cfg.BatchTimeout = 20 * time.Minute
	}
	if cfg.SweepLimit <= 0 {
		cfg.SweepLimit = 20
	}
	return &Monitor{
		batches:   batches,
		finalizer: finalizer,
		clock:     clock,
		cfg:       cfg,
		logger:    logger,
	}
}

// Sweep inspects recent batches once and finalizes every one that is drained
// or past its timeout. A failure on one batch does not stop the sweep.
func (m *Monitor) Sweep(ctx context.Context) error {
	batches, err := m.batches.ListBatches(ctx, m.cfg.SweepLimit, 0)
	if err != nil {
		return fmt.Errorf("list batches: %w", err)
	}

	for _, batch := range batches {
		if batch.State != ingest.BatchStateRunning {
			continue
		}
		recorded, err := m.recordedResults(ctx, batch.ID)
		if err != nil {
			m.logger.Error("drain check failed", zap.String("batch_id", batch.ID), zap.Error(err))
			continue
		}
		drained := recorded >= batch.ExpectedJobs
		timedOut := m.clock.Now().Sub(batch.StartedAt) >= m.cfg.BatchTimeout
		if !drained && !timedOut {
			continue
		}

		version, err := m.finalizer.Finalize(ctx, batch.ID)
		switch {
		case errors.Is(err, ingest.ErrAlreadyFinalized) || errors.Is(err, errClaimLost):
			continue
		case err != nil:
			m.logger.Error("finalize failed", zap.String("batch_id", batch.ID), zap.Error(err))
		default:
			m.logger.Info("batch finalized",
				zap.String("batch_id", batch.ID),
				zap.String("version", version),
				zap.Int("recorded", recorded),
				zap.Int("expected", batch.ExpectedJobs),
				zap.Bool("timed_out", timedOut && !drained))
		}
	}
	return nil
}

func (m *Monitor) recordedResults(ctx context.Context, batchID string) (int, error) {
	results, err := m.batches.ListBoardResults(ctx, batchID)
	if err != nil {
		return 0, err
	}
	return len(results), nil
}

// Run sweeps on the scheduler's cadence until the context ends. Sweep errors
// are logged and retried on the next tick.
func (m *Monitor) Run(ctx context.Context, sched ingest.Scheduler) error {
	return sched.Run(ctx, func(ctx context.Context) error {
		if err := m.Sweep(ctx); err != nil {
			m.logger.Error("sweep failed", zap.Error(err))
		}
		return nil
	})
}
