package ingest

import (
	"context"
	"time"

	"github.com/noticegrid/ingestor/internal/notice"
)

// ObjectStore is durable key-addressed storage for blobs, staged fragments and
// snapshot files. Keys are slash-separated paths relative to the store root.
type ObjectStore interface {
	Put(ctx context.Context, key string, data []byte) error
	PutIfAbsent(ctx context.Context, key string, data []byte) (bool, error)
	Get(ctx context.Context, key string) ([]byte, error)
	List(ctx context.Context, prefix string) ([]string, error)
	Delete(ctx context.Context, key string) error
}

// Locker is optionally implemented by ObjectStores whose backend has no
// server-side preconditions; it serializes multi-object sequences such as
// pointer rotation. Callers feature-detect it with a type assertion.
type Locker interface {
	WithLock(ctx context.Context, name string, fn func() error) error
}

// JobQueue provides at-least-once delivery of crawl jobs with bounded
// redelivery. Dequeue blocks until a job is available or the context ends.
type JobQueue interface {
	Publish(ctx context.Context, job Job) error
	Dequeue(ctx context.Context) (*Delivery, error)
}

// DeadLetterSink receives jobs that exhausted their delivery attempts.
type DeadLetterSink interface {
	DeadLetter(ctx context.Context, job Job, reason string)
}

// BatchStore persists batch lifecycle metadata and per-board durable state.
type BatchStore interface {
	CreateBatch(ctx context.Context, batch Batch) error
	GetBatch(ctx context.Context, batchID string) (Batch, error)
	ListBatches(ctx context.Context, limit, offset int) ([]Batch, error)
	// ActiveBatch returns the most recent batch that has not finalized, or
	// ErrBatchNotFound when none is running.
	ActiveBatch(ctx context.Context) (Batch, error)
	RecordBoardResult(ctx context.Context, result BoardResult) error
	ListBoardResults(ctx context.Context, batchID string) ([]BoardResult, error)
	// ClaimFinalize acquires the single-writer finalize lease for a batch.
	// It reports false when another live claimant holds the lease; a lease
	// older than staleAfter may be stolen.
	ClaimFinalize(ctx context.Context, batchID, claimant string, now time.Time, staleAfter time.Duration) (bool, error)
	MarkFinalized(ctx context.Context, batchID string, state BatchState, finalizedAt time.Time) error
	GetBoardState(ctx context.Context, boardID string) (BoardState, error)
	ListBoardStates(ctx context.Context) ([]BoardState, error)
	UpsertBoardState(ctx context.Context, state BoardState) error
}

// Extractor fetches one board's listing page and returns its raw notice rows.
type Extractor interface {
	Extract(ctx context.Context, job Job) ([]notice.Raw, error)
}

// ShellDetector decides whether an empty static extraction is worth retrying
// through the headless renderer.
type ShellDetector interface {
	ShouldRender(html []byte) bool
}

// Policy encapsulates fetch admission control and per-host pacing.
type Policy interface {
	Wait(ctx context.Context, url string) error
}

// Hasher computes digests for deduplication/integrity.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces batch IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}

// Scheduler invokes fn on the implementation's cadence until the context ends.
type Scheduler interface {
	Run(ctx context.Context, fn func(context.Context) error) error
}
