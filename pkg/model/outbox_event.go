package model

import (
	"time"

	"github.com/google/uuid"
)

const (
	OutboxStatusPending   = "pending"
	OutboxStatusPublished = "published"
	OutboxStatusFailed    = "failed"
)

type OutboxEvent struct {
	EventID        uuid.UUID `gorm:"type:uuid;primary_key;default:gen_random_uuid()"`
	OrganizationID uuid.UUID `gorm:"type:uuid;not null;index"`
	EventType      string    `gorm:"not null"`
	AggregateID    uuid.UUID `gorm:"type:uuid;not null;index"`
	Payload        JSONB     `gorm:"type:jsonb;not null"`
	Status         string    `gorm:"not null;default:'pending';index"`
	CreatedAt      time.Time `gorm:"autoCreateTime;not null"`
	PublishedAt    *time.Time
}

func (OutboxEvent) TableName() string {
	return "alignment_events"
}
