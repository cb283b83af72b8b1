// Package events defines the change events emitted by the engine. Events are
// appended to the transactional outbox together with the write that caused
// them and fanned out to a Notifier after commit.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/flowforge/goalalign/pkg/model"
	"github.com/flowforge/goalalign/pkg/store"
)

const (
	TypeGoalProgressChanged  = "goal.progress_changed"
	TypeGoalAlignmentChanged = "goal.alignment_changed"
	TypeDepartmentMoved      = "department.moved"
	TypeDepartmentDeleted    = "department.deleted"
	TypeRelationshipChanged  = "reporting.relationship_changed"
	TypeSettingsUpdated      = "alignment.settings_updated"
)

type Event struct {
	Type           string      `json:"type"`
	OrganizationID uuid.UUID   `json:"organization_id"`
	AggregateID    uuid.UUID   `json:"aggregate_id"`
	OccurredAt     time.Time   `json:"occurred_at"`
	Payload        interface{} `json:"payload"`
}

type GoalProgressChanged struct {
	GoalID      uuid.UUID `json:"goal_id"`
	OldProgress int       `json:"old_progress"`
	NewProgress int       `json:"new_progress"`
	Derived     bool      `json:"derived"`
}

type GoalAlignmentChanged struct {
	GoalID      uuid.UUID  `json:"goal_id"`
	OldParentID *uuid.UUID `json:"old_parent_id,omitempty"`
	NewParentID *uuid.UUID `json:"new_parent_id,omitempty"`
}

type DepartmentMoved struct {
	DepartmentID uuid.UUID  `json:"department_id"`
	OldParentID  *uuid.UUID `json:"old_parent_id,omitempty"`
	NewParentID  *uuid.UUID `json:"new_parent_id,omitempty"`
	Level        int        `json:"level"`
}

type DepartmentDeleted struct {
	DepartmentID  uuid.UUID   `json:"department_id"`
	DepartmentIDs []uuid.UUID `json:"department_ids"`
	TeamIDs       []uuid.UUID `json:"team_ids"`
}

const (
	ActionAdded    = "added"
	ActionRemoved  = "removed"
	ActionPromoted = "promoted"
	ActionDemoted  = "demoted"
)

type RelationshipChanged struct {
	RelationshipID uuid.UUID `json:"relationship_id"`
	ReporterID     uuid.UUID `json:"reporter_id"`
	ManagerID      uuid.UUID `json:"manager_id"`
	Action         string    `json:"action"`
	IsPrimary      bool      `json:"is_primary"`
}

type SettingsUpdated struct {
	Version int64    `json:"version"`
	Changed []string `json:"changed"`
	Forced  bool     `json:"forced"`
}

func New(eventType string, orgID, aggregateID uuid.UUID, payload interface{}) Event {
	return Event{
		Type:           eventType,
		OrganizationID: orgID,
		AggregateID:    aggregateID,
		OccurredAt:     time.Now().UTC(),
		Payload:        payload,
	}
}

// OutboxRecord converts the event into a pending outbox row.
func (e Event) OutboxRecord() (model.OutboxEvent, error) {
	raw, err := json.Marshal(e.Payload)
	if err != nil {
		return model.OutboxEvent{}, fmt.Errorf("encode %s payload: %w", e.Type, err)
	}
	var payload model.JSONB
	if err := json.Unmarshal(raw, &payload); err != nil {
		return model.OutboxEvent{}, fmt.Errorf("encode %s payload: %w", e.Type, err)
	}
	return model.OutboxEvent{
		EventID:        uuid.New(),
		OrganizationID: e.OrganizationID,
		EventType:      e.Type,
		AggregateID:    e.AggregateID,
		Payload:        payload,
		Status:         model.OutboxStatusPending,
	}, nil
}

// Notifier receives committed events. Delivery is best effort; durable
// delivery goes through the outbox.
type Notifier interface {
	Notify(ctx context.Context, events []Event) error
}

type NopNotifier struct{}

func (NopNotifier) Notify(context.Context, []Event) error { return nil }

// Batch collects the events of one command.
type Batch struct {
	events []Event
}

func (b *Batch) Add(events ...Event) {
	b.events = append(b.events, events...)
}

func (b *Batch) Len() int {
	return len(b.events)
}

func (b *Batch) Events() []Event {
	return append([]Event(nil), b.events...)
}

func (b *Batch) Reset() {
	b.events = b.events[:0]
}

// Persist appends the batch to the outbox. Call it inside the transaction
// that made the changes.
func (b *Batch) Persist(ctx context.Context, outbox store.OutboxStore) error {
	if len(b.events) == 0 {
		return nil
	}
	records := make([]model.OutboxEvent, 0, len(b.events))
	for _, event := range b.events {
		record, err := event.OutboxRecord()
		if err != nil {
			return err
		}
		records = append(records, record)
	}
	return outbox.AppendEvents(ctx, records)
}

// Dispatch hands committed events to the notifier and only logs failures.
func (b *Batch) Dispatch(ctx context.Context, notifier Notifier, logger *zap.Logger) {
	if len(b.events) == 0 || notifier == nil {
		return
	}
	if err := notifier.Notify(ctx, b.Events()); err != nil {
		logger.Warn("failed to notify events", zap.Error(err), zap.Int("count", len(b.events)))
	}
}

// Recorder is an in-process Notifier that keeps every event it receives.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Notify(_ context.Context, events []Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, events...)
	return nil
}

func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// OfType returns the recorded events of the given type in arrival order.
func (r *Recorder) OfType(eventType string) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, event := range r.events {
		if event.Type == eventType {
			out = append(out, event)
		}
	}
	return out
}
