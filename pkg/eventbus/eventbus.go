package eventbus

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/flowforge/goalalign/pkg/events"
)

type Event struct {
	Type           string          `json:"type"`
	OrganizationID string          `json:"organization_id,omitempty"`
	AggregateID    string          `json:"aggregate_id,omitempty"`
	Timestamp      int64           `json:"timestamp"`
	Data           json.RawMessage `json:"data"`
}

const (
	ChannelGoal       = "ga:events:goal"
	ChannelOrgUnit    = "ga:events:orgunit"
	ChannelReporting  = "ga:events:reporting"
	ChannelSettings   = "ga:events:settings"
	ChannelInvalidate = "ga:settings:invalidate"
)

// ChannelFor routes an engine event type to its pub/sub channel.
func ChannelFor(eventType string) string {
	switch eventType {
	case events.TypeGoalProgressChanged, events.TypeGoalAlignmentChanged:
		return ChannelGoal
	case events.TypeDepartmentMoved, events.TypeDepartmentDeleted:
		return ChannelOrgUnit
	case events.TypeRelationshipChanged:
		return ChannelReporting
	default:
		return ChannelSettings
	}
}

type Bus struct {
	client redis.UniversalClient
}

var _ events.Notifier = (*Bus)(nil)

func NewBus(client redis.UniversalClient) *Bus {
	return &Bus{client: client}
}

func NewEvent(eventType string, payload interface{}) (Event, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Event{}, err
	}
	return Event{
		Type:      eventType,
		Timestamp: time.Now().Unix(),
		Data:      data,
	}, nil
}

func (b *Bus) Publish(ctx context.Context, channel string, event Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}
	return b.client.Publish(ctx, channel, payload).Err()
}

// Notify publishes committed engine events, one message per event.
func (b *Bus) Notify(ctx context.Context, evts []events.Event) error {
	pipe := b.client.Pipeline()
	for _, evt := range evts {
		envelope, err := NewEvent(evt.Type, evt.Payload)
		if err != nil {
			return err
		}
		envelope.OrganizationID = evt.OrganizationID.String()
		envelope.AggregateID = evt.AggregateID.String()
		envelope.Timestamp = evt.OccurredAt.Unix()

		payload, err := json.Marshal(envelope)
		if err != nil {
			return err
		}
		pipe.Publish(ctx, ChannelFor(evt.Type), payload)
	}
	_, err := pipe.Exec(ctx)
	return err
}

// PublishInvalidation tells every node to drop its cached settings for orgID.
func (b *Bus) PublishInvalidation(ctx context.Context, orgID uuid.UUID) error {
	return b.client.Publish(ctx, ChannelInvalidate, orgID.String()).Err()
}

// SubscribeInvalidations delivers organization ids until ctx is done.
func (b *Bus) SubscribeInvalidations(ctx context.Context) <-chan uuid.UUID {
	sub := b.client.Subscribe(ctx, ChannelInvalidate)
	ch := make(chan uuid.UUID, 100)

	go func() {
		defer close(ch)
		for msg := range sub.Channel() {
			orgID, err := uuid.Parse(msg.Payload)
			if err != nil {
				continue
			}
			ch <- orgID
		}
	}()

	go func() {
		<-ctx.Done()
		_ = sub.Close()
	}()

	return ch
}

func (b *Bus) Subscribe(ctx context.Context, channels ...string) <-chan *Event {
	sub := b.client.Subscribe(ctx, channels...)
	ch := make(chan *Event, 100)

	go func() {
		defer close(ch)
		for msg := range sub.Channel() {
			var event Event
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				continue
			}
			ch <- &event
		}
	}()

	go func() {
		<-ctx.Done()
		_ = sub.Close()
	}()

	return ch
}
