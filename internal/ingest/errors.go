package ingest

import "errors"

// Sentinel errors shared across store and queue implementations.
var (
	// ErrObjectNotFound signals that the requested object key does not exist.
	ErrObjectNotFound = errors.New("object not found")
	// ErrBatchNotFound signals that the requested batch does not exist.
	ErrBatchNotFound = errors.New("batch not found")
	// ErrBoardStateNotFound signals that a board has no durable state yet.
	ErrBoardStateNotFound = errors.New("board state not found")
	// ErrQueueClosed signals that the queue no longer accepts or yields jobs.
	ErrQueueClosed = errors.New("queue closed")
	// ErrBatchActive signals that a new batch cannot start while one is running.
	ErrBatchActive = errors.New("batch already running")
	// ErrAlreadyFinalized signals that a batch has reached a terminal state;
	// finalizing it again is a no-op.
	ErrAlreadyFinalized = errors.New("batch already finalized")
	// ErrNoSnapshot signals that no snapshot has been published yet.
	ErrNoSnapshot = errors.New("no published snapshot")
)
