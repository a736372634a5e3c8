// Package pubsub implements the job queue on Google Cloud Pub/Sub. Redelivery
// of nacked messages and dead-lettering of exhausted ones are handled
// server-side by the subscription's retry and dead-letter policy, so this
// queue never invokes a local dead-letter sink.
package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	pubsub "cloud.google.com/go/pubsub/v2"
	"cloud.google.com/go/pubsub/v2/apiv1/pubsubpb"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/noticegrid/ingestor/internal/ingest"
)

// Config captures the Pub/Sub connection parameters.
type Config struct {
	ProjectID      string `mapstructure:"project_id" yaml:"project_id"`
	TopicID        string `mapstructure:"topic_id" yaml:"topic_id"`
	SubscriptionID string `mapstructure:"subscription_id" yaml:"subscription_id"`
}

// Queue publishes jobs to a topic and consumes them from a subscription.
type Queue struct {
	client     *pubsub.Client
	publisher  *pubsub.Publisher
	subscriber *pubsub.Subscriber
	logger     *zap.Logger

	runCtx  context.Context
	cancel  context.CancelFunc
	once    sync.Once
	msgs    chan *ingest.Delivery
	pumpEnd chan struct{}
	pumpErr error
}

// New creates a Pub/Sub queue. It authenticates via Application Default
// Credentials and fails fast when the topic does not exist or is not active.
func New(ctx context.Context, cfg Config, logger *zap.Logger) (*Queue, error) {
	if cfg.ProjectID == "" || cfg.TopicID == "" {
		return nil, fmt.Errorf("pubsub project and topic are required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	client, err := pubsub.NewClient(ctx, cfg.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("create pubsub client: %w", err)
	}

	topicName := fmt.Sprintf("projects/%s/topics/%s", cfg.ProjectID, cfg.TopicID)
	topic, err := client.TopicAdminClient.GetTopic(ctx, &pubsubpb.GetTopicRequest{Topic: topicName})
	if err != nil {
		if closeErr := client.Close(); closeErr != nil {
			logger.Warn("close pubsub client after topic lookup failure", zap.Error(closeErr))
		}
		return nil, fmt.Errorf("get pubsub topic %q: %w", cfg.TopicID, err)
	}
	if topic.State != pubsubpb.Topic_ACTIVE {
		if closeErr := client.Close(); closeErr != nil {
			logger.Warn("close pubsub client after topic state check", zap.Error(closeErr))
		}
		return nil, fmt.Errorf("pubsub topic %q is not active", cfg.TopicID)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	q := &Queue{
		client:    client,
		publisher: client.Publisher(topic.Name),
		logger:    logger,
		runCtx:    runCtx,
		cancel:    cancel,
		msgs:      make(chan *ingest.Delivery),
		pumpEnd:   make(chan struct{}),
	}
	if cfg.SubscriptionID != "" {
		q.subscriber = client.Subscriber(cfg.SubscriptionID)
	}
	return q, nil
}

// Publish marshals the job to JSON and publishes it, blocking until the
// service acknowledges the message.
func (q *Queue) Publish(ctx context.Context, job ingest.Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	msg := &pubsub.Message{
		Data: data,
		Attributes: map[string]string{
			"batch_id": job.BatchID,
			"board_id": job.Board.BoardID,
		},
	}
	otel.GetTextMapPropagator().Inject(ctx, &pubsubCarrier{attrs: msg.Attributes})

	result := q.publisher.Publish(ctx, msg)
	if _, err := result.Get(ctx); err != nil {
		return fmt.Errorf("publish job for board %s: %w", job.Board.BoardID, err)
	}
	return nil
}

// Dequeue returns the next delivery. The first call starts the streaming
// receive pump; Ack/Nack delegate to the underlying message.
func (q *Queue) Dequeue(ctx context.Context) (*ingest.Delivery, error) {
	if q.subscriber == nil {
		return nil, fmt.Errorf("pubsub subscription is not configured")
	}
	q.once.Do(q.startPump)

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("dequeue canceled: %w", ctx.Err())
	case <-q.pumpEnd:
		if q.pumpErr != nil {
			return nil, fmt.Errorf("pubsub receive: %w", q.pumpErr)
		}
		return nil, ingest.ErrQueueClosed
	case d := <-q.msgs:
		return d, nil
	}
}

func (q *Queue) startPump() {
	go func() {
		defer close(q.pumpEnd)
		err := q.subscriber.Receive(q.runCtx, func(_ context.Context, m *pubsub.Message) {
			var job ingest.Job
			if err := json.Unmarshal(m.Data, &job); err != nil {
				q.logger.Error("drop undecodable message", zap.Error(err))
				m.Ack()
				return
			}
			attempt := 1
			if m.DeliveryAttempt != nil && *m.DeliveryAttempt > 0 {
				attempt = *m.DeliveryAttempt
			}
			delivery := ingest.NewDelivery(job, attempt, m.Ack, m.Nack)
			select {
			case q.msgs <- delivery:
			case <-q.runCtx.Done():
				m.Nack()
			}
		})
		if err != nil && q.runCtx.Err() == nil {
			q.pumpErr = err
			q.logger.Error("pubsub receive stopped", zap.Error(err))
		}
	}()
}

// Close stops the receive pump and releases the client.
func (q *Queue) Close() error {
	q.cancel()
	if err := q.client.Close(); err != nil {
		return fmt.Errorf("close pubsub client: %w", err)
	}
	return nil
}

// pubsubCarrier implements propagation.TextMapCarrier for Pub/Sub attributes.
type pubsubCarrier struct {
	attrs map[string]string
}

func (c *pubsubCarrier) Get(key string) string {
	return c.attrs[key]
}

func (c *pubsubCarrier) Set(key, value string) {
	c.attrs[key] = value
}

func (c *pubsubCarrier) Keys() []string {
	keys := make([]string, 0, len(c.attrs))
	for k := range c.attrs {
		keys = append(keys, k)
	}
	return keys
}
