package eventbus

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/require"

	"github.com/flowforge/goalalign/pkg/events"
	"github.com/flowforge/goalalign/pkg/model"
)

func TestChannelFor(t *testing.T) {
	require.Equal(t, ChannelGoal, ChannelFor(events.TypeGoalProgressChanged))
	require.Equal(t, ChannelGoal, ChannelFor(events.TypeGoalAlignmentChanged))
	require.Equal(t, ChannelOrgUnit, ChannelFor(events.TypeDepartmentDeleted))
	require.Equal(t, ChannelReporting, ChannelFor(events.TypeRelationshipChanged))
	require.Equal(t, ChannelSettings, ChannelFor(events.TypeSettingsUpdated))
}

func TestOutboxMessageHeaders(t *testing.T) {
	event := model.OutboxEvent{
		EventID:        uuid.New(),
		OrganizationID: uuid.New(),
		AggregateID:    uuid.New(),
		EventType:      events.TypeSettingsUpdated,
	}
	message := NewOutboxMessage(event)

	got := kafka.Message{Headers: message.Headers()}
	require.Equal(t, event.EventID.String(), headerValue(got, HeaderEventID))
	require.Equal(t, events.TypeSettingsUpdated, headerValue(got, HeaderEventType))
	require.Equal(t, event.OrganizationID.String(), headerValue(got, HeaderOrgID))
}

func TestConsumerFiltersByEventType(t *testing.T) {
	consumer := NewKafkaConsumer(KafkaConsumerConfig{EventTypes: []string{events.TypeSettingsUpdated}}, nil, nil, nil)

	require.True(t, consumer.accepts(events.TypeSettingsUpdated))
	require.False(t, consumer.accepts(events.TypeGoalProgressChanged))
	require.True(t, consumer.accepts(""))
	require.Equal(t, 3, consumer.config.MaxRetries)
}

func TestDeliverSkipsDuplicates(t *testing.T) {
	ctx := context.Background()
	calls := 0
	consumer := NewKafkaConsumer(KafkaConsumerConfig{}, nil, func(context.Context, OutboxMessage) error {
		calls++
		return nil
	}, NewMemoryDeduper(time.Minute))

	value := []byte(`{"event_id":"e-1","event_type":"alignment.settings_updated"}`)
	message := kafka.Message{Value: value}

	require.NoError(t, consumer.deliver(ctx, message))
	require.NoError(t, consumer.deliver(ctx, message))
	require.Equal(t, 1, calls)
}

func TestRetryAttempt(t *testing.T) {
	message := kafka.Message{Headers: []kafka.Header{{Key: headerRetryCount, Value: []byte("2")}}}
	require.Equal(t, 2, retryAttempt(message))
	require.Equal(t, 0, retryAttempt(kafka.Message{}))
}

func TestMemoryDeduperExpires(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	deduper := NewMemoryDeduper(time.Minute)
	deduper.now = func() time.Time { return now }

	require.NoError(t, deduper.MarkSeen(ctx, "e-1"))
	seen, err := deduper.Seen(ctx, "e-1")
	require.NoError(t, err)
	require.True(t, seen)

	now = now.Add(2 * time.Minute)
	seen, err = deduper.Seen(ctx, "e-1")
	require.NoError(t, err)
	require.False(t, seen)
}
