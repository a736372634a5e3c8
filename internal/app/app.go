// Package app builds and holds the ingestor's long-lived services: the
// config-selected backends, the pipeline components wired over them, the
// progress hub and the HTTP server. One App is built per process and shared
// by every command.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cloud.google.com/go/storage"
	"go.uber.org/zap"

	"github.com/noticegrid/ingestor/internal/aggregator"
	"github.com/noticegrid/ingestor/internal/api"
	batchmem "github.com/noticegrid/ingestor/internal/batch/memory"
	batchpg "github.com/noticegrid/ingestor/internal/batch/postgres"
	"github.com/noticegrid/ingestor/internal/clock/system"
	"github.com/noticegrid/ingestor/internal/config"
	"github.com/noticegrid/ingestor/internal/content"
	"github.com/noticegrid/ingestor/internal/dispatcher"
	"github.com/noticegrid/ingestor/internal/extract"
	collyextract "github.com/noticegrid/ingestor/internal/extract/colly"
	"github.com/noticegrid/ingestor/internal/extract/headless"
	rssextract "github.com/noticegrid/ingestor/internal/extract/rss"
	"github.com/noticegrid/ingestor/internal/hash/sha256"
	"github.com/noticegrid/ingestor/internal/id/uuid"
	"github.com/noticegrid/ingestor/internal/ingest"
	"github.com/noticegrid/ingestor/internal/logging"
	"github.com/noticegrid/ingestor/internal/orchestrator"
	"github.com/noticegrid/ingestor/internal/policy/ratelimit"
	"github.com/noticegrid/ingestor/internal/progress"
	progresssinks "github.com/noticegrid/ingestor/internal/progress/sinks"
	"github.com/noticegrid/ingestor/internal/queue"
	queuemem "github.com/noticegrid/ingestor/internal/queue/memory"
	queuepubsub "github.com/noticegrid/ingestor/internal/queue/pubsub"
	"github.com/noticegrid/ingestor/internal/schedule"
	"github.com/noticegrid/ingestor/internal/sitemap"
	"github.com/noticegrid/ingestor/internal/snapshot"
	"github.com/noticegrid/ingestor/internal/staging"
	storegcs "github.com/noticegrid/ingestor/internal/store/gcs"
	storelocal "github.com/noticegrid/ingestor/internal/store/local"
	storemem "github.com/noticegrid/ingestor/internal/store/memory"
	"github.com/noticegrid/ingestor/internal/telemetry"
	"github.com/noticegrid/ingestor/internal/worker"
)

// App is the dependency container behind the serve and ingest commands.
type App struct {
	cfg    config.Config
	logger *zap.Logger

	objects ingest.ObjectStore
	batches ingest.BatchStore
	jobs    ingest.JobQueue
	source  *sitemap.FileSource
	reader  *snapshot.Reader

	orch      *orchestrator.Orchestrator
	dispatch  *dispatcher.Dispatcher
	finalizer *aggregator.Finalizer
	monitor   *aggregator.Monitor
	apiServer *api.Server

	progressHub *progress.Hub
	renderer    *headless.ChromedpRenderer

	gcsClient *storage.Client
	pgBatches *batchpg.Store
	memQueue  *queuemem.Queue
	psQueue   *queuepubsub.Queue
}

// Logger returns the process logger.
func (a *App) Logger() *zap.Logger {
	return a.logger
}

// Config returns the loaded configuration.
func (a *App) Config() config.Config {
	return a.cfg
}

// Build constructs every service from the configuration. It fails fast: a
// backend that cannot be reached at startup is a startup error, not a
// degraded mode.
func Build(ctx context.Context, cfg config.Config) (*App, error) {
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}
	zap.ReplaceGlobals(logger)

	if _, _, err := telemetry.InitTelemetry(ctx, &cfg); err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}

	a := &App{cfg: cfg, logger: logger}

	if err := a.setupStorage(ctx); err != nil {
		return nil, err
	}
	if err := a.setupDatabase(ctx); err != nil {
		return nil, err
	}

	clock := system.New()
	hasher := sha256.New()
	retry := ingest.NewExponentialRetryPolicy(cfg.Ingest.MaxAttempts)
	deadLetters := queue.NewDeadLetter(a.batches, clock, logger.Named("dead_letter"))

	if err := a.setupQueue(ctx, retry, deadLetters); err != nil {
		return nil, err
	}

	emitter, err := a.setupProgress(ctx)
	if err != nil {
		return nil, err
	}

	a.source = sitemap.NewFileSource(
		cfg.SiteMap.Path,
		sitemap.NewExclusions(cfg.SiteMap.ExcludeBoards),
		logger.Named("sitemap"),
	)

	contents, err := content.NewStore(a.objects, hasher)
	if err != nil {
		return nil, fmt.Errorf("init content store: %w", err)
	}
	area, err := staging.NewArea(a.objects)
	if err != nil {
		return nil, fmt.Errorf("init staging area: %w", err)
	}
	writer, err := snapshot.NewWriter(a.objects, hasher, logger.Named("snapshot"))
	if err != nil {
		return nil, fmt.Errorf("init snapshot writer: %w", err)
	}
	a.reader, err = snapshot.NewReader(a.objects)
	if err != nil {
		return nil, fmt.Errorf("init snapshot reader: %w", err)
	}

	extractor, err := a.setupExtractor()
	if err != nil {
		return nil, err
	}

	workers := make([]*worker.Worker, 0, cfg.Ingest.Concurrency)
	workerCfg := worker.Config{
		Guard: worker.GuardConfig{
			MaxDropPercent: cfg.Ingest.Guard.MaxDropPercent,
			MinBaseline:    cfg.Ingest.Guard.MinBaseline,
			AllowColdStart: cfg.Ingest.Guard.AllowColdStart,
		},
	}
	for i := 0; i < cfg.Ingest.Concurrency; i++ {
		workers = append(workers, worker.New(
			a.jobs,
			a.batches,
			area,
			contents,
			extractor,
			deadLetters,
			retry,
			clock,
			emitter,
			workerCfg,
			logger.Named("worker").With(zap.Int("index", i)),
		))
	}
	a.dispatch = dispatcher.New(workers, logger.Named("dispatcher"))

	a.orch = orchestrator.New(
		a.source,
		a.jobs,
		a.batches,
		uuid.NewUUIDGenerator(),
		clock,
		emitter,
		orchestrator.Config{OverlapGrace: cfg.BatchTimeout()},
		logger.Named("orchestrator"),
	)

	a.finalizer = aggregator.NewFinalizer(
		a.objects,
		a.batches,
		area,
		writer,
		a.reader,
		clock,
		emitter,
		claimant(),
		aggregator.Config{
			LeaseStale:     cfg.FinalizeStale(),
			StaleMaxCycles: cfg.Ingest.StaleMaxCycles,
		},
		logger.Named("finalizer"),
	)
	a.monitor = aggregator.NewMonitor(
		a.batches,
		a.finalizer,
		clock,
		aggregator.MonitorConfig{BatchTimeout: cfg.BatchTimeout()},
		logger.Named("monitor"),
	)

	a.apiServer = api.NewServer(a.reader, a.batches, a.source, a.orch, cfg, logger.Named("api"))

	logger.Info("application built",
		zap.String("storage", cfg.Storage.Backend),
		zap.String("database", cfg.Database.Backend),
		zap.String("queue", cfg.Queue.Backend),
		zap.Int("workers", cfg.Ingest.Concurrency))
	return a, nil
}

func (a *App) setupStorage(ctx context.Context) error {
	switch a.cfg.Storage.Backend {
	case config.BackendGCS:
		client, err := storage.NewClient(ctx)
		if err != nil {
			return fmt.Errorf("init gcs client: %w", err)
		}
		a.gcsClient = client
		store, err := storegcs.New(client, storegcs.Config{Bucket: a.cfg.Storage.GCSBucket})
		if err != nil {
			return fmt.Errorf("init gcs store: %w", err)
		}
		a.objects = store
		a.logger.Info("using gcs object store", zap.String("bucket", a.cfg.Storage.GCSBucket))
	case config.BackendLocal:
		store, err := storelocal.New(storelocal.Config{BaseDir: a.cfg.Storage.LocalDir})
		if err != nil {
			return fmt.Errorf("init local store: %w", err)
		}
		a.objects = store
		a.logger.Info("using local object store", zap.String("dir", a.cfg.Storage.LocalDir))
	case config.BackendMemory:
		a.objects = storemem.NewObjectStore()
		a.logger.Info("using in-memory object store; snapshots will not survive the process")
	default:
		return fmt.Errorf("unknown storage backend %q", a.cfg.Storage.Backend)
	}
	return nil
}

func (a *App) setupDatabase(ctx context.Context) error {
	switch a.cfg.Database.Backend {
	case config.BackendPostgres:
		store, err := batchpg.NewStore(ctx, batchpg.Config{
			DSN:      a.cfg.Database.DSN,
			MaxConns: int32(a.cfg.Database.MaxConns),
			MinConns: int32(a.cfg.Database.MinConns),
		})
		if err != nil {
			return fmt.Errorf("init postgres batch store: %w", err)
		}
		a.pgBatches = store
		a.batches = store
		a.logger.Info("using postgres batch store")
	case config.BackendMemory:
		a.batches = batchmem.NewStore()
		a.logger.Info("using in-memory batch store")
	default:
		return fmt.Errorf("unknown database backend %q", a.cfg.Database.Backend)
	}
	return nil
}

func (a *App) setupQueue(ctx context.Context, retry *ingest.ExponentialRetryPolicy, deadLetters ingest.DeadLetterSink) error {
	switch a.cfg.Queue.Backend {
	case config.BackendPubSub:
		q, err := queuepubsub.New(ctx, queuepubsub.Config{
			ProjectID:      a.cfg.Queue.PubSub.ProjectID,
			TopicID:        a.cfg.Queue.PubSub.TopicID,
			SubscriptionID: a.cfg.Queue.PubSub.SubscriptionID,
		}, a.logger.Named("queue"))
		if err != nil {
			return fmt.Errorf("init pubsub queue: %w", err)
		}
		a.psQueue = q
		a.jobs = q
		a.logger.Info("using pubsub queue",
			zap.String("topic", a.cfg.Queue.PubSub.TopicID),
			zap.String("subscription", a.cfg.Queue.PubSub.SubscriptionID))
	case config.BackendMemory:
		q := queuemem.NewQueue(queuemem.Config{Capacity: a.cfg.Queue.Capacity}, retry, deadLetters, a.logger.Named("queue"))
		a.memQueue = q
		a.jobs = q
		a.logger.Info("using in-memory queue", zap.Int("capacity", a.cfg.Queue.Capacity))
	default:
		return fmt.Errorf("unknown queue backend %q", a.cfg.Queue.Backend)
	}
	return nil
}

// setupProgress assembles the milestone hub. A disabled hub hands a nil
// emitter to the constructors, which normalize it away.
func (a *App) setupProgress(ctx context.Context) (progress.Emitter, error) {
	if !a.cfg.Progress.Enabled {
		a.logger.Info("progress events disabled")
		return nil, nil
	}
	promSink, err := progresssinks.NewPrometheusSink(nil)
	if err != nil {
		return nil, fmt.Errorf("init progress metrics sink: %w", err)
	}
	sinks := []progress.Sink{promSink}
	if a.cfg.Progress.LogSink {
		sinks = append(sinks, progresssinks.NewLogSink(a.logger.Named("progress_log")))
	}
	a.progressHub = progress.NewHub(progress.Config{
		BufferSize:     a.cfg.Progress.BufferSize,
		MaxBatchEvents: a.cfg.Progress.MaxBatchEvents,
		MaxBatchWait:   a.cfg.ProgressBatchWait(),
		SinkTimeout:    a.cfg.ProgressSinkTimeout(),
		BaseContext:    ctx,
	}, a.logger.Named("progress_hub"), sinks...)
	a.logger.Info("progress hub initialized", zap.Int("sinks", len(sinks)))
	return a.progressHub, nil
}

func (a *App) setupExtractor() (ingest.Extractor, error) {
	limiter := ratelimit.New(ratelimit.Config{
		DefaultRPS:   a.cfg.RateLimit.DefaultRPS,
		DefaultBurst: a.cfg.RateLimit.DefaultBurst,
	})

	html := collyextract.New(collyextract.Config{
		UserAgent:    a.cfg.Ingest.UserAgent,
		Timeout:      a.cfg.FetchTimeout(),
		MaxBodyBytes: a.cfg.Ingest.MaxBodyBytes,
	}, limiter, a.logger.Named("extract_html"))

	rss := rssextract.New(rssextract.Config{
		UserAgent:    a.cfg.Ingest.UserAgent,
		Timeout:      a.cfg.FetchTimeout(),
		MaxBodyBytes: a.cfg.Ingest.MaxBodyBytes,
	}, limiter, a.logger.Named("extract_rss"))

	var rendered ingest.Extractor
	if a.cfg.Headless.Enabled {
		renderer, err := headless.NewChromedp(headless.Config{
			MaxParallel: a.cfg.Headless.MaxParallel,
			UserAgent:   a.cfg.Ingest.UserAgent,
			NavTimeout:  a.cfg.NavTimeout(),
		}, a.logger.Named("headless"))
		if err != nil {
			return nil, fmt.Errorf("init headless renderer: %w", err)
		}
		a.renderer = renderer
		rendered = headless.NewExtractor(renderer, limiter, a.logger.Named("extract_rendered"))
		a.logger.Info("headless rendering enabled", zap.Int("max_parallel", a.cfg.Headless.MaxParallel))
	}

	detector := extract.NewHeuristic(0, nil)
	return extract.NewRouter(html, rss, rendered, detector, a.logger.Named("extract")), nil
}

// Run serves until the context ends or a signal arrives: HTTP API, worker
// pool, the batch schedule and the drain monitor. The monitor runs a sweep
// immediately so a batch left running by a crashed process finalizes on the
// next boot instead of waiting out a full poll interval. The caller owns
// Close.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go a.dispatch.Run(ctx)
	go func() {
		if err := a.orch.Run(ctx, schedule.NewInterval(a.cfg.Schedule(), false)); err != nil {
			a.logger.Error("batch schedule stopped", zap.Error(err))
			stop()
		}
	}()
	go func() {
		if err := a.monitor.Run(ctx, schedule.NewInterval(a.cfg.DrainPoll(), true)); err != nil {
			a.logger.Error("drain monitor stopped", zap.Error(err))
			stop()
		}
	}()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("http server shutdown failed", zap.Error(err))
	}
	return nil
}

// RunOnce executes a single crawl cycle: start a batch, consume its jobs
// until every board reports or the batch timeout passes, then finalize. It
// returns the published snapshot version.
func (a *App) RunOnce(ctx context.Context) (string, error) {
	batch, err := a.orch.StartBatch(ctx)
	if err != nil {
		return "", err
	}

	workCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		a.dispatch.Run(workCtx)
	}()

	err = a.waitDrained(workCtx, batch)
	cancel()
	<-done
	if err != nil {
		return "", err
	}

	version, err := a.finalizer.Finalize(ctx, batch.ID)
	if errors.Is(err, ingest.ErrAlreadyFinalized) {
		return version, nil
	}
	return version, err
}

// waitDrained polls the batch store until every expected job has a recorded
// result. The batch timeout is not an error: finalize carries the stragglers.
func (a *App) waitDrained(ctx context.Context, batch ingest.Batch) error {
	timeout := time.After(a.cfg.BatchTimeout())
	ticker := time.NewTicker(a.cfg.DrainPoll())
	defer ticker.Stop()
	for {
		results, err := a.batches.ListBoardResults(ctx, batch.ID)
		if err != nil {
			return fmt.Errorf("poll board results: %w", err)
		}
		if len(results) >= batch.ExpectedJobs {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timeout:
			a.logger.Warn("batch timed out before draining",
				zap.String("batch_id", batch.ID),
				zap.Int("recorded", len(results)),
				zap.Int("expected", batch.ExpectedJobs))
			return nil
		case <-ticker.C:
		}
	}
}

// Close releases every backend client. Safe to call after a partial Build.
func (a *App) Close(ctx context.Context) error {
	if a.progressHub != nil {
		if err := a.progressHub.Close(ctx); err != nil {
			a.logger.Warn("progress hub close failed", zap.Error(err))
		}
	}
	if a.memQueue != nil {
		a.memQueue.Close()
	}
	if a.psQueue != nil {
		if err := a.psQueue.Close(); err != nil {
			a.logger.Warn("pubsub queue close failed", zap.Error(err))
		}
	}
	if a.renderer != nil {
		a.renderer.Close()
	}
	if a.gcsClient != nil {
		if err := a.gcsClient.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
	}
	if a.pgBatches != nil {
		a.pgBatches.Close()
	}
	if err := telemetry.Shutdown(ctx); err != nil {
		a.logger.Warn("telemetry shutdown failed", zap.Error(err))
	}
	a.logger.Info("shutdown complete")
	if err := a.logger.Sync(); err != nil && !errors.Is(err, syscall.ENOTTY) && !errors.Is(err, syscall.EINVAL) {
		fmt.Fprintf(os.Stderr, "logger sync failed: %v\n", err)
	}
	return nil
}

// claimant names this process in finalize leases.
func claimant() string {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	return fmt.Sprintf("%s:%d", host, os.Getpid())
}
