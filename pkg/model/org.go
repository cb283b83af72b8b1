package model

import (
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

type Department struct {
	ID                 uuid.UUID  `gorm:"type:uuid;primary_key;default:gen_random_uuid()"`
	OrganizationID     uuid.UUID  `gorm:"type:uuid;not null;index;uniqueIndex:idx_department_org_code"`
	Name               string     `gorm:"not null"`
	Code               *string    `gorm:"type:varchar(10);uniqueIndex:idx_department_org_code"`
	ParentDepartmentID *uuid.UUID `gorm:"type:uuid;index"`
	Level              int        `gorm:"not null;default:0"`
	Order              int        `gorm:"column:sort_order;default:0"`
	Color              string
	HeadID             *uuid.UUID `gorm:"type:uuid"`
	EmployeeCount      int        `gorm:"-"`
	ArchivedAt         *time.Time
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

func (d *Department) Archived() bool {
	return d.ArchivedAt != nil
}

type TeamType string

const (
	TeamFunctional      TeamType = "functional"
	TeamProject         TeamType = "project"
	TeamCrossFunctional TeamType = "cross_functional"
	TeamVirtual         TeamType = "virtual"
)

type TeamStatus string

const (
	TeamActive   TeamStatus = "active"
	TeamArchived TeamStatus = "archived"
)

type Team struct {
	ID             uuid.UUID      `gorm:"type:uuid;primary_key;default:gen_random_uuid()"`
	OrganizationID uuid.UUID      `gorm:"type:uuid;not null;index"`
	DepartmentID   uuid.UUID      `gorm:"type:uuid;not null;index"`
	Name           string         `gorm:"not null"`
	LeadID         *uuid.UUID     `gorm:"type:uuid"`
	MemberIDs      pq.StringArray `gorm:"type:text[]"`
	Type           TeamType       `gorm:"type:varchar(32);default:'functional'"`
	Status         TeamStatus     `gorm:"type:varchar(16);default:'active';index"`
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// MemberCount is always derived from MemberIDs.
func (t *Team) MemberCount() int {
	return len(t.MemberIDs)
}

func (t *Team) HasMember(userID uuid.UUID) bool {
	needle := userID.String()
	for _, member := range t.MemberIDs {
		if member == needle {
			return true
		}
	}
	return false
}

// AddMember reports whether userID was not already a member.
func (t *Team) AddMember(userID uuid.UUID) bool {
	if t.HasMember(userID) {
		return false
	}
	t.MemberIDs = append(t.MemberIDs, userID.String())
	return true
}

func (t *Team) RemoveMember(userID uuid.UUID) bool {
	needle := userID.String()
	for i, member := range t.MemberIDs {
		if member == needle {
			t.MemberIDs = append(t.MemberIDs[:i:i], t.MemberIDs[i+1:]...)
			return true
		}
	}
	return false
}

// Members parses MemberIDs, skipping entries that are not uuids.
func (t *Team) Members() []uuid.UUID {
	out := make([]uuid.UUID, 0, len(t.MemberIDs))
	for _, member := range t.MemberIDs {
		if id, err := uuid.Parse(member); err == nil {
			out = append(out, id)
		}
	}
	return out
}

func UniqueMemberIDs(ids []uuid.UUID) pq.StringArray {
	seen := make(map[uuid.UUID]struct{}, len(ids))
	out := make(pq.StringArray, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id.String())
	}
	return out
}
