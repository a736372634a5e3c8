// Package metrics exposes the Prometheus collectors for the ingestor service.
// All collectors live in this single package and register on the default
// registry at package init, so every Observe helper is safe to call from any
// component without setup.
package metrics

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	ingestorFetchPagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ingestor_fetch_pages_total",
			Help: "Total number of board pages fetched, labeled by host and status.",
		},
		[]string{"host", "status"},
	)

	ingestorFetchBytesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ingestor_fetch_bytes_total",
			Help: "Total number of bytes fetched, labeled by host.",
		},
		[]string{"host"},
	)

	ingestorBoardsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ingestor_boards_total",
			Help: "Total number of board jobs completed, labeled by campus and status.",
		},
		[]string{"campus", "status"},
	)

	ingestorNoticesStagedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ingestor_notices_staged_total",
			Help: "Total number of notice fragments staged, labeled by campus.",
		},
		[]string{"campus"},
	)

	ingestorBlobWritesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ingestor_blob_writes_total",
			Help: "Total number of content blob writes, labeled by outcome (created or deduplicated).",
		},
		[]string{"outcome"},
	)

	ingestorGuardTripsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ingestor_guard_trips_total",
			Help: "Total number of sanity guard trips, labeled by campus.",
		},
		[]string{"campus"},
	)

	ingestorJobsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ingestor_jobs_total",
			Help: "Total number of queue jobs processed, labeled by status.",
		},
		[]string{"status"},
	)

	ingestorDeadLettersTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ingestor_dead_letters_total",
			Help: "Total number of jobs that exhausted their delivery attempts.",
		},
	)

	ingestorActiveWorkers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "ingestor_active_workers",
			Help: "Number of workers currently processing a job.",
		},
	)

	ingestorRateLimitDelaysSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ingestor_rate_limit_delays_seconds",
			Help:    "Histogram of rate limit wait durations.",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"domain"},
	)

	ingestorBatchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ingestor_batches_total",
			Help: "Total number of finalized batches, labeled by resulting state.",
		},
		[]string{"state"},
	)

	ingestorFinalizeDurationSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ingestor_finalize_duration_seconds",
			Help:    "Histogram of batch finalize durations.",
			Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 30, 60},
		},
	)

	ingestorDiffChangesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ingestor_diff_changes_total",
			Help: "Total number of diff entries across published snapshots, labeled by kind.",
		},
		[]string{"kind"},
	)

	ingestorSnapshotNotices = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "ingestor_snapshot_notices",
			Help: "Number of notices in the most recently published snapshot.",
		},
	)

	ingestorSnapshotStaleBoards = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "ingestor_snapshot_stale_boards",
			Help: "Number of boards served from stale fallback in the most recent snapshot.",
		},
	)

	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests, labeled by method and code.",
		},
		[]string{"method", "code"},
	)

	httpRequestDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Histogram of HTTP request latencies, labeled by method and route.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"method", "route"},
	)
)

// SanitizeHost extracts a lowercase hostname from a URL for use as a label.
// It returns "unknown" if the URL is invalid.
func SanitizeHost(rawURL string) string {
	if !strings.HasPrefix(rawURL, "http") {
		rawURL = "http://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

// Handler returns the standard Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware is a chi middleware that records request counts and latencies.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(ww, r)

		routePattern := chi.RouteContext(r.Context()).RoutePattern()
		if routePattern == "" {
			routePattern = "unknown"
		}

		ObserveHTTPRequest(r.Method, routePattern, ww.statusCode, time.Since(start))
	})
}

// statusRecorder wraps http.ResponseWriter to capture the status code.
type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (rec *statusRecorder) WriteHeader(code int) {
	rec.statusCode = code
	rec.ResponseWriter.WriteHeader(code)
}

// ObserveFetch records metrics for one fetched board page.
func ObserveFetch(pageURL string, status string, bytesFetched int) {
	host := SanitizeHost(pageURL)
	ingestorFetchPagesTotal.WithLabelValues(host, status).Inc()
	if bytesFetched > 0 {
		ingestorFetchBytesTotal.WithLabelValues(host).Add(float64(bytesFetched))
	}
}

// ObserveBoard records the outcome of one board job.
func ObserveBoard(campus, status string) {
	ingestorBoardsTotal.WithLabelValues(campus, status).Inc()
}

// ObserveNoticesStaged records fragments written for a board's campus.
func ObserveNoticesStaged(campus string, count int) {
	if count > 0 {
		ingestorNoticesStagedTotal.WithLabelValues(campus).Add(float64(count))
	}
}

// ObserveBlobWrite records a content store write and whether it deduplicated.
func ObserveBlobWrite(created bool) {
	outcome := "deduplicated"
	if created {
		outcome = "created"
	}
	ingestorBlobWritesTotal.WithLabelValues(outcome).Inc()
}

// ObserveGuardTrip records a sanity guard trip for a campus.
func ObserveGuardTrip(campus string) {
	ingestorGuardTripsTotal.WithLabelValues(campus).Inc()
}

// ObserveJob records a queue job status change.
func ObserveJob(status string) {
	ingestorJobsTotal.WithLabelValues(status).Inc()
}

// ObserveDeadLetter records a job whose delivery attempts were exhausted.
func ObserveDeadLetter() {
	ingestorDeadLettersTotal.Inc()
}

// IncActiveWorkers increments the active worker count.
func IncActiveWorkers() {
	ingestorActiveWorkers.Inc()
}

// DecActiveWorkers decrements the active worker count.
func DecActiveWorkers() {
	ingestorActiveWorkers.Dec()
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(domain string, duration time.Duration) {
	ingestorRateLimitDelaysSeconds.WithLabelValues(domain).Observe(duration.Seconds())
}

// ObserveBatchFinalize records a finalized batch and how long finalize took.
func ObserveBatchFinalize(state string, duration time.Duration) {
	ingestorBatchesTotal.WithLabelValues(state).Inc()
	ingestorFinalizeDurationSeconds.Observe(duration.Seconds())
}

// ObserveDiff records the size of a published diff.
func ObserveDiff(added, updated, removed int) {
	ingestorDiffChangesTotal.WithLabelValues("added").Add(float64(added))
	ingestorDiffChangesTotal.WithLabelValues("updated").Add(float64(updated))
	ingestorDiffChangesTotal.WithLabelValues("removed").Add(float64(removed))
}

// SetSnapshotStats publishes gauges describing the latest snapshot.
func SetSnapshotStats(noticeCount, staleBoards int) {
	ingestorSnapshotNotices.Set(float64(noticeCount))
	ingestorSnapshotStaleBoards.Set(float64(staleBoards))
}

// ObserveHTTPRequest records metrics for one served HTTP request.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
