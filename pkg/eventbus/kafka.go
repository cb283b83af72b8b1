package eventbus

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/flowforge/goalalign/pkg/model"
)

const (
	HeaderEventID     = "ga-event-id"
	HeaderEventType   = "ga-event-type"
	HeaderOrgID       = "ga-organization-id"
	headerRetryCount  = "ga-retry-count"
	headerOriginTopic = "ga-origin-topic"
	headerDLQError    = "ga-dlq-error"
)

// OutboxMessage is the value written to Kafka for one outbox row.
type OutboxMessage struct {
	EventID        string      `json:"event_id"`
	EventType      string      `json:"event_type"`
	OrganizationID string      `json:"organization_id"`
	AggregateID    string      `json:"aggregate_id"`
	Payload        model.JSONB `json:"payload"`
	CreatedAt      time.Time   `json:"created_at"`
}

func NewOutboxMessage(event model.OutboxEvent) OutboxMessage {
	return OutboxMessage{
		EventID:        event.EventID.String(),
		EventType:      event.EventType,
		OrganizationID: event.OrganizationID.String(),
		AggregateID:    event.AggregateID.String(),
		Payload:        event.Payload,
		CreatedAt:      event.CreatedAt,
	}
}

// Headers carries the routing fields so consumers can filter without decoding.
func (m OutboxMessage) Headers() []kafka.Header {
	return []kafka.Header{
		{Key: HeaderEventID, Value: []byte(m.EventID)},
		{Key: HeaderEventType, Value: []byte(m.EventType)},
		{Key: HeaderOrgID, Value: []byte(m.OrganizationID)},
	}
}

type KafkaProducerConfig struct {
	Brokers    []string
	ClientID   string
	EventTopic string
	RetryTopic string
	DLQTopic   string
}

type KafkaProducer struct {
	writer     *kafka.Writer
	eventTopic string
	retryTopic string
	dlqTopic   string
}

func NewKafkaProducer(cfg KafkaProducerConfig) *KafkaProducer {
	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		Transport: &kafka.Transport{
			ClientID: cfg.ClientID,
		},
	}

	return &KafkaProducer{
		writer:     writer,
		eventTopic: cfg.EventTopic,
		retryTopic: cfg.RetryTopic,
		dlqTopic:   cfg.DLQTopic,
	}
}

func (p *KafkaProducer) PublishEvent(ctx context.Context, key, value []byte, headers ...kafka.Header) error {
	return p.publish(ctx, p.eventTopic, key, value, headers)
}

func (p *KafkaProducer) PublishRetry(ctx context.Context, key, value []byte, headers ...kafka.Header) error {
	if p.retryTopic == "" {
		return errors.New("retry topic is not configured")
	}
	return p.publish(ctx, p.retryTopic, key, value, headers)
}

func (p *KafkaProducer) PublishDLQ(ctx context.Context, key, value []byte, headers ...kafka.Header) error {
	if p.dlqTopic == "" {
		return errors.New("dlq topic is not configured")
	}
	return p.publish(ctx, p.dlqTopic, key, value, headers)
}

func (p *KafkaProducer) publish(ctx context.Context, topic string, key, value []byte, headers []kafka.Header) error {
	if topic == "" {
		return errors.New("topic is not configured")
	}

	return p.writer.WriteMessages(ctx, kafka.Message{
		Topic:   topic,
		Key:     key,
		Value:   value,
		Headers: headers,
		Time:    time.Now(),
	})
}

func (p *KafkaProducer) Close() error {
	return p.writer.Close()
}

type KafkaConsumerConfig struct {
	Brokers    []string
	ClientID   string
	GroupID    string
	EventTopic string
	RetryTopic string
	DLQTopic   string
	MaxRetries int
	// EventTypes limits delivery to these types; empty means all.
	EventTypes []string
}

// DeliveryHandler processes one decoded outbox message.
type DeliveryHandler func(ctx context.Context, message OutboxMessage) error

type Deduper interface {
	Seen(ctx context.Context, eventID string) (bool, error)
	MarkSeen(ctx context.Context, eventID string) error
}

// KafkaConsumer reads the alignment event topic and its retry topic. Failed
// deliveries go to the retry topic until MaxRetries and then to the DLQ.
type KafkaConsumer struct {
	producer *KafkaProducer
	config   KafkaConsumerConfig
	handler  DeliveryHandler
	deduper  Deduper
	wanted   map[string]struct{}

	mu      sync.Mutex
	readers []*kafka.Reader
}

func NewKafkaConsumer(cfg KafkaConsumerConfig, producer *KafkaProducer, handler DeliveryHandler, deduper Deduper) *KafkaConsumer {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	wanted := make(map[string]struct{}, len(cfg.EventTypes))
	for _, eventType := range cfg.EventTypes {
		wanted[eventType] = struct{}{}
	}
	return &KafkaConsumer{
		producer: producer,
		config:   cfg,
		handler:  handler,
		deduper:  deduper,
		wanted:   wanted,
	}
}

// Run blocks until ctx is cancelled or a reader fails.
func (c *KafkaConsumer) Run(ctx context.Context) error {
	readers := c.buildReaders()
	c.mu.Lock()
	c.readers = readers
	c.mu.Unlock()

	if len(readers) == 0 {
		return errors.New("no topics configured")
	}

	errs := make(chan error, len(readers))
	for _, reader := range readers {
		go func(r *kafka.Reader) {
			errs <- c.consumeLoop(ctx, r)
		}(reader)
	}

	for range readers {
		if err := <-errs; err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
	}
	return ctx.Err()
}

func (c *KafkaConsumer) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var closeErr error
	for _, reader := range c.readers {
		if err := reader.Close(); err != nil && closeErr == nil {
			closeErr = err
		}
	}
	c.readers = nil
	return closeErr
}

func (c *KafkaConsumer) buildReaders() []*kafka.Reader {
	base := kafka.ReaderConfig{
		Brokers:  c.config.Brokers,
		GroupID:  c.config.GroupID,
		MinBytes: 1,
		MaxBytes: 10e6,
		Dialer: &kafka.Dialer{
			ClientID: c.config.ClientID,
		},
	}

	var readers []*kafka.Reader
	for _, topic := range []string{c.config.EventTopic, c.config.RetryTopic} {
		if topic == "" {
			continue
		}
		cfg := base
		cfg.Topic = topic
		readers = append(readers, kafka.NewReader(cfg))
	}
	return readers
}

func (c *KafkaConsumer) consumeLoop(ctx context.Context, reader *kafka.Reader) error {
	for {
		message, err := reader.FetchMessage(ctx)
		if err != nil {
			return err
		}

		if err := c.deliver(ctx, message); err != nil {
			return err
		}

		if err := reader.CommitMessages(ctx, message); err != nil {
			return err
		}
	}
}

func (c *KafkaConsumer) deliver(ctx context.Context, message kafka.Message) error {
	if !c.accepts(headerValue(message, HeaderEventType)) {
		return nil
	}

	var decoded OutboxMessage
	if err := json.Unmarshal(message.Value, &decoded); err != nil {
		return c.handleFailure(ctx, message, err, true)
	}

	if c.deduper != nil && decoded.EventID != "" {
		if seen, err := c.deduper.Seen(ctx, decoded.EventID); err == nil && seen {
			return nil
		}
	}

	if err := c.handler(ctx, decoded); err != nil {
		return c.handleFailure(ctx, message, err, false)
	}
	if c.deduper != nil && decoded.EventID != "" {
		_ = c.deduper.MarkSeen(ctx, decoded.EventID)
	}
	return nil
}

func (c *KafkaConsumer) accepts(eventType string) bool {
	if len(c.wanted) == 0 || eventType == "" {
		return true
	}
	_, ok := c.wanted[eventType]
	return ok
}

func (c *KafkaConsumer) handleFailure(ctx context.Context, message kafka.Message, handlerErr error, poison bool) error {
	if c.producer == nil {
		return handlerErr
	}

	retryCount := retryAttempt(message)
	if !poison && retryCount < c.config.MaxRetries && c.config.RetryTopic != "" {
		headers := appendHeaders(message.Headers,
			kafka.Header{Key: headerRetryCount, Value: []byte(strconv.Itoa(retryCount + 1))},
			kafka.Header{Key: headerOriginTopic, Value: []byte(message.Topic)},
		)
		return c.producer.PublishRetry(ctx, message.Key, message.Value, headers...)
	}

	if c.config.DLQTopic != "" {
		headers := appendHeaders(message.Headers,
			kafka.Header{Key: headerOriginTopic, Value: []byte(message.Topic)},
			kafka.Header{Key: headerDLQError, Value: []byte(handlerErr.Error())},
		)
		return c.producer.PublishDLQ(ctx, message.Key, message.Value, headers...)
	}

	return handlerErr
}

func retryAttempt(message kafka.Message) int {
	count, err := strconv.Atoi(headerValue(message, headerRetryCount))
	if err != nil {
		return 0
	}
	return count
}

func headerValue(message kafka.Message, key string) string {
	for _, header := range message.Headers {
		if header.Key == key {
			return string(header.Value)
		}
	}
	return ""
}

func appendHeaders(existing []kafka.Header, headers ...kafka.Header) []kafka.Header {
	merged := make([]kafka.Header, 0, len(existing)+len(headers))
	merged = append(merged, existing...)
	return append(merged, headers...)
}

// MemoryDeduper remembers delivered event ids for ttl.
type MemoryDeduper struct {
	mu      sync.Mutex
	entries map[string]time.Time
	ttl     time.Duration
	now     func() time.Time
}

func NewMemoryDeduper(ttl time.Duration) *MemoryDeduper {
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	return &MemoryDeduper{
		entries: make(map[string]time.Time),
		ttl:     ttl,
		now:     time.Now,
	}
}

func (d *MemoryDeduper) Seen(ctx context.Context, eventID string) (bool, error) {
	if eventID == "" {
		return false, nil
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	for id, seenAt := range d.entries {
		if now.Sub(seenAt) > d.ttl {
			delete(d.entries, id)
		}
	}
	_, ok := d.entries[eventID]
	return ok, nil
}

func (d *MemoryDeduper) MarkSeen(ctx context.Context, eventID string) error {
	if eventID == "" {
		return nil
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	d.entries[eventID] = d.now()
	return nil
}
