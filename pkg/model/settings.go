package model

import (
	"time"

	"github.com/google/uuid"
)

type CascadeType string

const (
	CascadeTopDown       CascadeType = "top_down"
	CascadeBottomUp      CascadeType = "bottom_up"
	CascadeBidirectional CascadeType = "bidirectional"
)

func (c CascadeType) Valid() bool {
	switch c {
	case CascadeTopDown, CascadeBottomUp, CascadeBidirectional:
		return true
	default:
		return false
	}
}

const (
	MinGoalLevels = 2
	MaxGoalLevels = 6
)

// AlignmentSettings is the per-organization policy. Version 0 means the
// organization still runs on configured defaults and has no stored row.
type AlignmentSettings struct {
	OrganizationID                uuid.UUID   `gorm:"type:uuid;primary_key"`
	Enabled                       bool        `gorm:"not null"`
	CascadeType                   CascadeType `gorm:"type:varchar(20);not null"`
	MaxGoalLevels                 int         `gorm:"not null"`
	AlignmentRequired             bool        `gorm:"not null"`
	WeightingEnabled              bool        `gorm:"not null"`
	AutoProgressRollup            bool        `gorm:"not null"`
	AllowMatrixReporting          bool        `gorm:"not null"`
	RequireDepartmentForEmployees bool        `gorm:"not null"`
	RequireTeamForEmployees       bool        `gorm:"not null"`
	Version                       int64       `gorm:"not null;default:0"`
	UpdatedBy                     *uuid.UUID  `gorm:"type:uuid"`
	CreatedAt                     time.Time
	UpdatedAt                     time.Time
}

// RollupActive reports whether progress flows from children to parents.
func (s *AlignmentSettings) RollupActive() bool {
	return s.Enabled && s.AutoProgressRollup
}

func (s *AlignmentSettings) Clone() *AlignmentSettings {
	out := *s
	return &out
}
