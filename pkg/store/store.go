package store

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/flowforge/goalalign/pkg/model"
)

var (
	ErrNotFound        = errors.New("store: record not found")
	ErrVersionConflict = errors.New("store: version conflict")
)

type DepartmentStore interface {
	GetDepartment(ctx context.Context, id uuid.UUID) (*model.Department, error)
	// ListDepartments returns departments ordered by level, order and name.
	ListDepartments(ctx context.Context, orgID uuid.UUID) ([]model.Department, error)
	ChildDepartments(ctx context.Context, parentID uuid.UUID) ([]model.Department, error)
	DepartmentCodeExists(ctx context.Context, orgID uuid.UUID, code string, excludeID uuid.UUID) (bool, error)
	CreateDepartment(ctx context.Context, department *model.Department) error
	UpdateDepartment(ctx context.Context, department *model.Department) error
	DeleteDepartment(ctx context.Context, id uuid.UUID) error
}

type TeamStore interface {
	GetTeam(ctx context.Context, id uuid.UUID) (*model.Team, error)
	// ListTeams filters by department when departmentID is non-nil.
	ListTeams(ctx context.Context, orgID uuid.UUID, departmentID *uuid.UUID) ([]model.Team, error)
	CreateTeam(ctx context.Context, team *model.Team) error
	UpdateTeam(ctx context.Context, team *model.Team) error
	DeleteTeam(ctx context.Context, id uuid.UUID) error
}

type RelationshipStore interface {
	GetRelationship(ctx context.Context, id uuid.UUID) (*model.ReportingRelationship, error)
	ListRelationships(ctx context.Context, orgID uuid.UUID) ([]model.ReportingRelationship, error)
	RelationshipsByReporter(ctx context.Context, reporterID uuid.UUID) ([]model.ReportingRelationship, error)
	// PrimaryReports returns the primary edges pointing at managerID.
	PrimaryReports(ctx context.Context, managerID uuid.UUID) ([]model.ReportingRelationship, error)
	CreateRelationship(ctx context.Context, rel *model.ReportingRelationship) error
	UpdateRelationship(ctx context.Context, rel *model.ReportingRelationship) error
	DeleteRelationship(ctx context.Context, id uuid.UUID) error
	// LockReportingLines serializes primary edge changes of orgID until the
	// surrounding transaction ends.
	LockReportingLines(ctx context.Context, orgID uuid.UUID) error
}

type GoalStore interface {
	GetGoal(ctx context.Context, id uuid.UUID) (*model.Goal, error)
	ListGoals(ctx context.Context, orgID uuid.UUID) ([]model.Goal, error)
	// GoalOrganizations lists every organization owning at least one goal.
	GoalOrganizations(ctx context.Context) ([]uuid.UUID, error)
	ChildGoals(ctx context.Context, parentID uuid.UUID) ([]model.Goal, error)
	CreateGoal(ctx context.Context, goal *model.Goal) error
	// UpdateGoal writes goal only if the stored version equals goal.Version,
	// returning ErrVersionConflict otherwise. On success goal.Version is bumped.
	UpdateGoal(ctx context.Context, goal *model.Goal) error
	DeleteGoal(ctx context.Context, id uuid.UUID) error
	// ClearGoalScope drops department and team references to removed org units.
	ClearGoalScope(ctx context.Context, departmentIDs, teamIDs []uuid.UUID) error
}

type SettingsStore interface {
	GetSettings(ctx context.Context, orgID uuid.UUID) (*model.AlignmentSettings, error)
	// SaveSettings is conditional on settings.Version; version 0 inserts.
	SaveSettings(ctx context.Context, settings *model.AlignmentSettings) error
}

type OutboxStore interface {
	AppendEvents(ctx context.Context, events []model.OutboxEvent) error
}

// Store is the persistence contract of the engine. Tx runs fn atomically; the
// Store handed to fn must be used for every read and write inside it.
type Store interface {
	DepartmentStore
	TeamStore
	RelationshipStore
	GoalStore
	SettingsStore
	OutboxStore

	Tx(ctx context.Context, fn func(tx Store) error) error
}
