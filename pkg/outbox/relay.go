package outbox

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/flowforge/goalalign/pkg/eventbus"
	"github.com/flowforge/goalalign/pkg/metrics"
	"github.com/flowforge/goalalign/pkg/model"
)

type Repository interface {
	ListPending(ctx context.Context, limit int) ([]model.OutboxEvent, error)
	MarkPublished(ctx context.Context, eventID uuid.UUID, publishedAt time.Time) error
	MarkFailed(ctx context.Context, eventID uuid.UUID) error
}

// Publisher is satisfied by eventbus.KafkaProducer.
type Publisher interface {
	PublishEvent(ctx context.Context, key, value []byte, headers ...kafka.Header) error
	PublishDLQ(ctx context.Context, key, value []byte, headers ...kafka.Header) error
}

type Relay struct {
	repo         Repository
	publisher    Publisher
	logger       *zap.Logger
	pollInterval time.Duration
	batchSize    int
}

type DLQMessage struct {
	Event    eventbus.OutboxMessage `json:"event"`
	Error    string                 `json:"error"`
	FailedAt time.Time              `json:"failed_at"`
}

func NewRelay(repo Repository, publisher Publisher, logger *zap.Logger, pollInterval time.Duration, batchSize int) *Relay {
	if pollInterval <= 0 {
		pollInterval = 5 * time.Second
	}
	if batchSize <= 0 {
		batchSize = 100
	}
	return &Relay{
		repo:         repo,
		publisher:    publisher,
		logger:       logger,
		pollInterval: pollInterval,
		batchSize:    batchSize,
	}
}

func (r *Relay) Run(ctx context.Context) error {
	r.logger.Info("outbox relay starting",
		zap.Duration("poll_interval", r.pollInterval),
		zap.Int("batch_size", r.batchSize),
	)

	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()

	r.ProcessPending(ctx)

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("outbox relay shutting down")
			return ctx.Err()
		case <-ticker.C:
			r.ProcessPending(ctx)
		}
	}
}

// ProcessPending publishes one batch and returns how many rows it handled.
func (r *Relay) ProcessPending(ctx context.Context) int {
	pending, err := r.repo.ListPending(ctx, r.batchSize)
	if err != nil {
		r.logger.Warn("failed to list pending outbox events", zap.Error(err))
		return 0
	}

	for _, event := range pending {
		if err := r.publishEvent(ctx, event); err != nil {
			r.logger.Warn("failed to publish outbox event", zap.Error(err), zap.String("event_id", event.EventID.String()))
		}
	}
	return len(pending)
}

func (r *Relay) publishEvent(ctx context.Context, event model.OutboxEvent) error {
	message := eventbus.NewOutboxMessage(event)

	payload, err := json.Marshal(message)
	if err != nil {
		return err
	}

	// Keyed by aggregate so every change to one goal lands on one partition.
	key := []byte(event.AggregateID.String())
	if err := r.publisher.PublishEvent(ctx, key, payload, message.Headers()...); err != nil {
		r.logger.Warn("failed to publish to kafka, sending to DLQ", zap.Error(err), zap.String("event_id", event.EventID.String()))
		return r.publishDLQ(ctx, message, err, event)
	}

	if err := r.repo.MarkPublished(ctx, event.EventID, time.Now()); err != nil {
		r.logger.Warn("failed to mark event published", zap.Error(err), zap.String("event_id", event.EventID.String()))
		return err
	}
	metrics.OutboxEvents.WithLabelValues(event.EventType, model.OutboxStatusPublished).Inc()

	return nil
}

func (r *Relay) publishDLQ(ctx context.Context, message eventbus.OutboxMessage, publishErr error, event model.OutboxEvent) error {
	payload, err := json.Marshal(DLQMessage{
		Event:    message,
		Error:    publishErr.Error(),
		FailedAt: time.Now(),
	})
	if err != nil {
		return err
	}

	if err := r.publisher.PublishDLQ(ctx, []byte(message.AggregateID), payload, message.Headers()...); err != nil {
		return err
	}

	if err := r.repo.MarkFailed(ctx, event.EventID); err != nil {
		r.logger.Warn("failed to mark event failed", zap.Error(err), zap.String("event_id", event.EventID.String()))
		return err
	}
	metrics.OutboxEvents.WithLabelValues(event.EventType, model.OutboxStatusFailed).Inc()

	return nil
}
