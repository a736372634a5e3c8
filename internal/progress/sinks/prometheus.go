package sinks

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/noticegrid/ingestor/internal/progress"
)

// PrometheusSink exports pipeline progress metrics via Prometheus. It owns all
// collectors for batches started/published and per-board completion counters.
type PrometheusSink struct {
	batchesStarted   prometheus.Counter
	batchesPublished prometheus.Counter
	batchRuntime     prometheus.Histogram

	boardsCompleted *prometheus.CounterVec
	boardsRunning   prometheus.Gauge
	boardRuntime    *prometheus.HistogramVec
	boardNotices    *prometheus.CounterVec

	tracker *boardTracker
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		batchesStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pipeline_batches_started_total",
			Help: "Total ingestion batches that have started.",
		}),
		batchesPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pipeline_batches_published_total",
			Help: "Total batches that finished with a published snapshot.",
		}),
		batchRuntime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "pipeline_batch_runtime_seconds",
			Help:    "Wall time from finalize start to published snapshot.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200},
		}),
		boardsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pipeline_boards_completed_total",
			Help: "Board completions partitioned by result.",
		}, []string{"result"}),
		boardsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pipeline_boards_running",
			Help: "Current number of boards being crawled.",
		}),
		boardRuntime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "pipeline_board_runtime_seconds",
			Help:    "Crawl duration per completed board.",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		}, []string{"result"}),
		boardNotices: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pipeline_board_notices_total",
			Help: "Notices staged by completed boards, partitioned by campus.",
		}, []string{"campus"}),
		tracker: newBoardTracker(),
	}
	for _, collector := range []prometheus.Collector{
		s.batchesStarted,
		s.batchesPublished,
		s.batchRuntime,
		s.boardsCompleted,
		s.boardsRunning,
		s.boardRuntime,
		s.boardNotices,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the Prometheus collectors using the provided batch. It is
// safe for concurrent use by multiple goroutines.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		s.consumeEvent(evt)
	}
	return nil
}

func (s *PrometheusSink) consumeEvent(evt progress.Event) {
	switch evt.Stage {
	case progress.StageBatchStart, progress.StageBatchDone:
		s.handleBatchEvent(evt)
	case progress.StageBoardStart, progress.StageBoardDone, progress.StageBoardDegraded, progress.StageBoardError:
		s.handleBoardEvent(evt)
	}
}

func (s *PrometheusSink) handleBatchEvent(evt progress.Event) {
	switch evt.Stage {
	case progress.StageBatchStart:
		s.batchesStarted.Inc()
	case progress.StageBatchDone:
		s.batchesPublished.Inc()
		if evt.Dur > 0 {
			s.batchRuntime.Observe(evt.Dur.Seconds())
		}
	}
}

func (s *PrometheusSink) handleBoardEvent(evt progress.Event) {
	switch evt.Stage {
	case progress.StageBoardStart:
		if s.tracker.start(evt.BatchID, evt.BoardID) {
			s.boardsRunning.Inc()
		}
		return
	case progress.StageBoardDone:
		s.completeBoard(evt, "succeeded")
	case progress.StageBoardDegraded:
		s.completeBoard(evt, "degraded")
	case progress.StageBoardError:
		s.completeBoard(evt, "failed")
	}
	if s.tracker.complete(evt.BatchID, evt.BoardID) {
		s.boardsRunning.Dec()
	}
}

func (s *PrometheusSink) completeBoard(evt progress.Event, result string) {
	s.boardsCompleted.WithLabelValues(result).Inc()
	if evt.Dur > 0 {
		s.boardRuntime.WithLabelValues(result).Observe(evt.Dur.Seconds())
	}
	if evt.Notices > 0 {
		campus := evt.Campus
		if campus == "" {
			campus = "unknown"
		}
		s.boardNotices.WithLabelValues(campus).Add(float64(evt.Notices))
	}
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

// boardTracker dedupes running-board accounting across redelivered attempts
// of the same board within a batch.
type boardTracker struct {
	mu      sync.Mutex
	running map[boardKey]struct{}
}

type boardKey struct {
	batch string
	board string
}

func newBoardTracker() *boardTracker {
	return &boardTracker{running: make(map[boardKey]struct{})}
}

func (t *boardTracker) start(batch, board string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	key := boardKey{batch: batch, board: board}
	if _, ok := t.running[key]; ok {
		return false
	}
	t.running[key] = struct{}{}
	return true
}

func (t *boardTracker) complete(batch, board string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	key := boardKey{batch: batch, board: board}
	if _, ok := t.running[key]; !ok {
		return false
	}
	delete(t.running, key)
	return true
}
