package model

import (
	"time"

	"github.com/google/uuid"
)

type RelationshipType string

const (
	RelationshipDirect     RelationshipType = "direct"
	RelationshipDotted     RelationshipType = "dotted"
	RelationshipFunctional RelationshipType = "functional"
	RelationshipProject    RelationshipType = "project"
)

func (t RelationshipType) Valid() bool {
	switch t {
	case RelationshipDirect, RelationshipDotted, RelationshipFunctional, RelationshipProject:
		return true
	default:
		return false
	}
}

// ReportingRelationship is one reporter->manager edge. Only primary edges take
// part in org-chart levels; the rest form the matrix.
type ReportingRelationship struct {
	ID               uuid.UUID        `gorm:"type:uuid;primary_key;default:gen_random_uuid()"`
	OrganizationID   uuid.UUID        `gorm:"type:uuid;not null;index"`
	ReporterID       uuid.UUID        `gorm:"type:uuid;not null;index"`
	ManagerID        uuid.UUID        `gorm:"type:uuid;not null;index"`
	RelationshipType RelationshipType `gorm:"type:varchar(20);not null;default:'direct'"`
	IsPrimary        bool             `gorm:"not null;default:false;index"`
	StartDate        time.Time
	EndDate          *time.Time
	Notes            string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}
