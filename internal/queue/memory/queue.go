// Package memory provides the queue implementation for local development and
// tests: a bounded channel with delayed redelivery and dead-lettering.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/noticegrid/ingestor/internal/ingest"
)

const defaultCapacity = 256

// Config controls the in-memory queue.
type Config struct {
	Capacity int `mapstructure:"capacity" yaml:"capacity"`
}

type item struct {
	job     ingest.Job
	attempt int
}

// Queue is a bounded in-memory job queue with at-least-once semantics: a
// nacked delivery comes back after a backoff until the retry policy's attempt
// bound, then goes to the dead-letter sink.
type Queue struct {
	ch          chan item
	retry       *ingest.ExponentialRetryPolicy
	deadLetters ingest.DeadLetterSink
	logger      *zap.Logger

	closeMu sync.Mutex
	closed  bool
	redeliv sync.WaitGroup
}

// NewQueue constructs an in-memory queue.
func NewQueue(cfg Config, retry *ingest.ExponentialRetryPolicy, deadLetters ingest.DeadLetterSink, logger *zap.Logger) *Queue {
	if cfg.Capacity <= 0 {
		cfg.Capacity = defaultCapacity
	}
	if retry == nil {
		retry = ingest.NewExponentialRetryPolicy(0)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Queue{
		ch:          make(chan item, cfg.Capacity),
		retry:       retry,
		deadLetters: deadLetters,
		logger:      logger,
	}
}

// Publish pushes a job into the queue or returns when the context ends.
func (q *Queue) Publish(ctx context.Context, job ingest.Job) error {
	q.closeMu.Lock()
	closed := q.closed
	q.closeMu.Unlock()
	if closed {
		return ingest.ErrQueueClosed
	}
	select {
	case <-ctx.Done():
		return fmt.Errorf("publish canceled: %w", ctx.Err())
	case q.ch <- item{job: job, attempt: 1}:
		return nil
	}
}

// Dequeue pops the next delivery, respecting context cancellation. Ack is a
// no-op; Nack schedules redelivery or dead-letters an exhausted job.
func (q *Queue) Dequeue(ctx context.Context) (*ingest.Delivery, error) {
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("dequeue canceled: %w", ctx.Err())
	case it, ok := <-q.ch:
		if !ok {
			return nil, ingest.ErrQueueClosed
		}
		return ingest.NewDelivery(it.job, it.attempt, func() {}, func() { q.redeliver(it) }), nil
	}
}

func (q *Queue) redeliver(it item) {
	if it.attempt >= q.retry.MaxAttempts() {
		q.logger.Warn("delivery attempts exhausted",
			zap.String("batch_id", it.job.BatchID),
			zap.String("board_id", it.job.Board.BoardID),
			zap.Int("attempts", it.attempt),
		)
		if q.deadLetters != nil {
			q.deadLetters.DeadLetter(context.Background(), it.job,
				fmt.Sprintf("delivery attempts exhausted after %d tries", it.attempt))
		}
		return
	}

	next := item{job: it.job, attempt: it.attempt + 1}
	delay := q.retry.Backoff(it.attempt)
	q.redeliv.Add(1)
	go func() {
		defer q.redeliv.Done()
		time.Sleep(delay)
		if !q.push(next) {
			q.logger.Warn("redelivery dropped",
				zap.String("batch_id", next.job.BatchID),
				zap.String("board_id", next.job.Board.BoardID),
			)
			if q.deadLetters != nil {
				q.deadLetters.DeadLetter(context.Background(), next.job, "queue closed or full during redelivery")
			}
		}
	}()
}

// push is the non-blocking redelivery send; it holds closeMu so it can never
// race a concurrent Close into a send on a closed channel.
func (q *Queue) push(it item) bool {
	q.closeMu.Lock()
	defer q.closeMu.Unlock()
	if q.closed {
		return false
	}
	select {
	case q.ch <- it:
		return true
	default:
		return false
	}
}

// Close shuts the queue down. Call it after producers have stopped; pending
// redelivery timers are waited out so none can fire afterwards.
func (q *Queue) Close() {
	q.closeMu.Lock()
	if q.closed {
		q.closeMu.Unlock()
		return
	}
	q.closed = true
	close(q.ch)
	q.closeMu.Unlock()
	q.redeliv.Wait()
}
