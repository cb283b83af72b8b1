package model

import (
	"time"

	"github.com/google/uuid"
)

type GoalStatus string

const (
	GoalDraft     GoalStatus = "draft"
	GoalOnTrack   GoalStatus = "on_track"
	GoalAtRisk    GoalStatus = "at_risk"
	GoalCompleted GoalStatus = "completed"
)

func (s GoalStatus) Valid() bool {
	switch s {
	case GoalDraft, GoalOnTrack, GoalAtRisk, GoalCompleted:
		return true
	default:
		return false
	}
}

type GoalPriority string

const (
	PriorityLow      GoalPriority = "low"
	PriorityMedium   GoalPriority = "medium"
	PriorityHigh     GoalPriority = "high"
	PriorityCritical GoalPriority = "critical"
)

type GoalLevel string

const (
	LevelCompany  GoalLevel = "company"
	LevelTeam     GoalLevel = "team"
	LevelPersonal GoalLevel = "personal"
)

// LevelForDepth maps the number of ancestors of a goal to its level.
func LevelForDepth(depth int) GoalLevel {
	switch {
	case depth <= 0:
		return LevelCompany
	case depth == 1:
		return LevelTeam
	default:
		return LevelPersonal
	}
}

type Goal struct {
	ID                 uuid.UUID    `gorm:"type:uuid;primary_key;default:gen_random_uuid()"`
	OrganizationID     uuid.UUID    `gorm:"type:uuid;not null;index"`
	Title              string       `gorm:"not null"`
	Description        string       `gorm:"type:text"`
	Progress           int          `gorm:"not null;default:0"`
	Status             GoalStatus   `gorm:"type:varchar(20);not null;default:'draft'"`
	Priority           GoalPriority `gorm:"type:varchar(20);not null;default:'medium'"`
	OwnerID            uuid.UUID    `gorm:"type:uuid;not null;index"`
	DueDate            *time.Time
	ParentGoalID       *uuid.UUID `gorm:"type:uuid;index"`
	ContributionWeight *int
	DepartmentID       *uuid.UUID `gorm:"type:uuid;index"`
	TeamID             *uuid.UUID `gorm:"type:uuid;index"`
	Version            int64      `gorm:"not null;default:1"`
	ArchivedAt         *time.Time
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// EffectiveProgress is what the goal contributes to its parent. Completed goals
// always count as 100.
func (g *Goal) EffectiveProgress() int {
	if g.Status == GoalCompleted {
		return 100
	}
	return g.Progress
}

func (g *Goal) Weight() int {
	if g.ContributionWeight == nil {
		return 0
	}
	return *g.ContributionWeight
}
