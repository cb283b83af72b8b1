// Package orgunit maintains the department tree and the teams hanging off it.
package orgunit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/flowforge/goalalign/pkg/apperr"
	"github.com/flowforge/goalalign/pkg/auth"
	"github.com/flowforge/goalalign/pkg/events"
	"github.com/flowforge/goalalign/pkg/graph"
	"github.com/flowforge/goalalign/pkg/metrics"
	"github.com/flowforge/goalalign/pkg/model"
	"github.com/flowforge/goalalign/pkg/store"
)

// MaxTreeDepth bounds every walk over the department tree.
const MaxTreeDepth = 100

const maxCodeLength = 10

var validate = validator.New()

type CreateDepartmentInput struct {
	Name               string     `json:"name" validate:"required,max=120"`
	Code               string     `json:"code"`
	ParentDepartmentID *uuid.UUID `json:"parentDepartmentId"`
	Order              int        `json:"order" validate:"min=0"`
	Color              string     `json:"color" validate:"omitempty,hexcolor"`
	HeadID             *uuid.UUID `json:"headId"`
}

type CreateTeamInput struct {
	DepartmentID uuid.UUID      `json:"departmentId" validate:"required"`
	Name         string         `json:"name" validate:"required,max=120"`
	LeadID       *uuid.UUID     `json:"leadId"`
	MemberIDs    []uuid.UUID    `json:"memberIds"`
	Type         model.TeamType `json:"type" validate:"omitempty,oneof=functional project cross_functional virtual"`
}

// DepartmentNode is one node of the department tree.
type DepartmentNode struct {
	Department model.Department  `json:"department"`
	Children   []*DepartmentNode `json:"children"`
}

type Service struct {
	store    store.Store
	notifier events.Notifier
	logger   *zap.Logger
}

func NewService(s store.Store, notifier events.Notifier, logger *zap.Logger) *Service {
	if notifier == nil {
		notifier = events.NopNotifier{}
	}
	return &Service{store: s, notifier: notifier, logger: logger}
}

// NormalizeCode trims and upper-cases a department code. An empty result
// means no code.
func NormalizeCode(code string) (*string, error) {
	normalized := strings.ToUpper(strings.TrimSpace(code))
	if normalized == "" {
		return nil, nil
	}
	if len(normalized) > maxCodeLength {
		return nil, apperr.New(apperr.KindValidation, "department code %q is longer than %d characters", normalized, maxCodeLength)
	}
	return &normalized, nil
}

func (s *Service) CreateDepartment(ctx context.Context, actor auth.Actor, input CreateDepartmentInput) (*model.Department, error) {
	department, err := s.createDepartment(ctx, actor, input)
	metrics.ObserveCommand("create_department", err)
	return department, err
}

func (s *Service) createDepartment(ctx context.Context, actor auth.Actor, input CreateDepartmentInput) (*model.Department, error) {
	if err := actor.RequireAdmin("creating departments"); err != nil {
		return nil, err
	}
	input.Name = strings.TrimSpace(input.Name)
	if err := validate.Struct(input); err != nil {
		return nil, apperr.Wrap(apperr.KindValidation, err, "invalid department")
	}
	code, err := NormalizeCode(input.Code)
	if err != nil {
		return nil, err
	}

	department := &model.Department{
		OrganizationID:     actor.OrganizationID,
		Name:               input.Name,
		Code:               code,
		ParentDepartmentID: input.ParentDepartmentID,
		Order:              input.Order,
		Color:              input.Color,
		HeadID:             input.HeadID,
	}

	err = s.store.Tx(ctx, func(tx store.Store) error {
		if code != nil {
			taken, err := tx.DepartmentCodeExists(ctx, actor.OrganizationID, *code, uuid.Nil)
			if err != nil {
				return fmt.Errorf("check department code: %w", err)
			}
			if taken {
				return apperr.New(apperr.KindDuplicateCode, "department code %s is already used", *code)
			}
		}

		if input.ParentDepartmentID != nil {
			parent, err := loadParent(ctx, tx, actor.OrganizationID, *input.ParentDepartmentID)
			if err != nil {
				return err
			}
			if _, err := departmentAncestors(ctx, tx, parent.ID); err != nil {
				return err
			}
			department.Level = parent.Level + 1
		}

		if err := tx.CreateDepartment(ctx, department); err != nil {
			return fmt.Errorf("create department: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("department created",
		zap.String("department_id", department.ID.String()),
		zap.String("organization_id", department.OrganizationID.String()),
		zap.Int("level", department.Level),
	)
	return department, nil
}

func (s *Service) MoveDepartment(ctx context.Context, actor auth.Actor, id uuid.UUID, newParentID *uuid.UUID) (*model.Department, error) {
	department, err := s.moveDepartment(ctx, actor, id, newParentID)
	metrics.ObserveCommand("move_department", err)
	return department, err
}

func (s *Service) moveDepartment(ctx context.Context, actor auth.Actor, id uuid.UUID, newParentID *uuid.UUID) (*model.Department, error) {
	if err := actor.RequireAdmin("moving departments"); err != nil {
		return nil, err
	}

	var (
		department *model.Department
		batch      events.Batch
	)
	err := s.store.Tx(ctx, func(tx store.Store) error {
		var err error
		department, err = loadDepartment(ctx, tx, actor.OrganizationID, id)
		if err != nil {
			return err
		}
		oldParentID := department.ParentDepartmentID

		level := 0
		if newParentID != nil {
			if *newParentID == id {
				return apperr.New(apperr.KindCycleDetected, "department cannot be its own parent")
			}
			parent, err := loadParent(ctx, tx, actor.OrganizationID, *newParentID)
			if err != nil {
				return err
			}
			ancestors, err := departmentAncestors(ctx, tx, parent.ID)
			if err != nil {
				return err
			}
			if graph.Contains(ancestors, id) {
				return apperr.New(apperr.KindCycleDetected, "department %s cannot move under its own descendant %s", id, parent.ID)
			}
			level = parent.Level + 1
		}

		department.ParentDepartmentID = newParentID
		department.Level = level
		if err := tx.UpdateDepartment(ctx, department); err != nil {
			return fmt.Errorf("update department: %w", err)
		}

		levels, err := graph.Levels(ctx, id, childDepartmentIDs(tx), MaxTreeDepth)
		if err != nil {
			return walkError(err, "department subtree")
		}
		for depth, ids := range levels[1:] {
			for _, childID := range ids {
				child, err := tx.GetDepartment(ctx, childID)
				if err != nil {
					return fmt.Errorf("load department %s: %w", childID, err)
				}
				child.Level = level + depth + 1
				if err := tx.UpdateDepartment(ctx, child); err != nil {
					return fmt.Errorf("update department %s: %w", childID, err)
				}
			}
		}

		batch.Add(events.New(events.TypeDepartmentMoved, actor.OrganizationID, id, events.DepartmentMoved{
			DepartmentID: id,
			OldParentID:  oldParentID,
			NewParentID:  newParentID,
			Level:        level,
		}))
		return batch.Persist(ctx, tx)
	})
	if err != nil {
		return nil, err
	}

	batch.Dispatch(ctx, s.notifier, s.logger)
	return department, nil
}

// DeleteDepartment removes a department. Child departments or teams make it
// fail with HasDependents unless cascade is set, in which case the whole
// subtree and its teams go and goals lose their reference to them.
func (s *Service) DeleteDepartment(ctx context.Context, actor auth.Actor, id uuid.UUID, cascade bool) error {
	err := s.deleteDepartment(ctx, actor, id, cascade)
	metrics.ObserveCommand("delete_department", err)
	return err
}

func (s *Service) deleteDepartment(ctx context.Context, actor auth.Actor, id uuid.UUID, cascade bool) error {
	if err := actor.RequireAdmin("deleting departments"); err != nil {
		return err
	}

	var batch events.Batch
	err := s.store.Tx(ctx, func(tx store.Store) error {
		if _, err := loadDepartment(ctx, tx, actor.OrganizationID, id); err != nil {
			return err
		}

		levels, err := graph.Levels(ctx, id, childDepartmentIDs(tx), MaxTreeDepth)
		if err != nil {
			return walkError(err, "department subtree")
		}

		var departmentIDs, teamIDs []uuid.UUID
		for _, ids := range levels {
			for _, departmentID := range ids {
				departmentID := departmentID
				teams, err := tx.ListTeams(ctx, actor.OrganizationID, &departmentID)
				if err != nil {
					return fmt.Errorf("list teams: %w", err)
				}
				for _, team := range teams {
					teamIDs = append(teamIDs, team.ID)
				}
				departmentIDs = append(departmentIDs, departmentID)
			}
		}

		if !cascade && (len(departmentIDs) > 1 || len(teamIDs) > 0) {
			return apperr.New(apperr.KindHasDependents,
				"department has %d child departments and %d teams; reparent them or delete with cascade",
				len(departmentIDs)-1, len(teamIDs))
		}

		for _, teamID := range teamIDs {
			if err := tx.DeleteTeam(ctx, teamID); err != nil {
				return fmt.Errorf("delete team %s: %w", teamID, err)
			}
		}
		for i := len(departmentIDs) - 1; i >= 0; i-- {
			if err := tx.DeleteDepartment(ctx, departmentIDs[i]); err != nil {
				return fmt.Errorf("delete department %s: %w", departmentIDs[i], err)
			}
		}
		if err := tx.ClearGoalScope(ctx, departmentIDs, teamIDs); err != nil {
			return fmt.Errorf("clear goal scope: %w", err)
		}

		batch.Add(events.New(events.TypeDepartmentDeleted, actor.OrganizationID, id, events.DepartmentDeleted{
			DepartmentID:  id,
			DepartmentIDs: departmentIDs,
			TeamIDs:       teamIDs,
		}))
		return batch.Persist(ctx, tx)
	})
	if err != nil {
		return err
	}

	batch.Dispatch(ctx, s.notifier, s.logger)
	s.logger.Info("department deleted",
		zap.String("department_id", id.String()),
		zap.Bool("cascade", cascade),
	)
	return nil
}

func (s *Service) ArchiveDepartment(ctx context.Context, actor auth.Actor, id uuid.UUID) (*model.Department, error) {
	if err := actor.RequireAdmin("archiving departments"); err != nil {
		return nil, err
	}
	var department *model.Department
	err := s.store.Tx(ctx, func(tx store.Store) error {
		var err error
		department, err = loadDepartment(ctx, tx, actor.OrganizationID, id)
		if err != nil {
			return err
		}
		if department.Archived() {
			return nil
		}
		now := time.Now()
		department.ArchivedAt = &now
		return tx.UpdateDepartment(ctx, department)
	})
	metrics.ObserveCommand("archive_department", err)
	if err != nil {
		return nil, err
	}
	return department, nil
}

func (s *Service) CreateTeam(ctx context.Context, actor auth.Actor, input CreateTeamInput) (*model.Team, error) {
	team, err := s.createTeam(ctx, actor, input)
	metrics.ObserveCommand("create_team", err)
	return team, err
}

func (s *Service) createTeam(ctx context.Context, actor auth.Actor, input CreateTeamInput) (*model.Team, error) {
	if err := actor.RequireManager("creating teams"); err != nil {
		return nil, err
	}
	input.Name = strings.TrimSpace(input.Name)
	if err := validate.Struct(input); err != nil {
		return nil, apperr.Wrap(apperr.KindValidation, err, "invalid team")
	}

	members := input.MemberIDs
	if input.LeadID != nil {
		members = append([]uuid.UUID{*input.LeadID}, members...)
	}
	teamType := input.Type
	if teamType == "" {
		teamType = model.TeamFunctional
	}
	team := &model.Team{
		OrganizationID: actor.OrganizationID,
		DepartmentID:   input.DepartmentID,
		Name:           input.Name,
		LeadID:         input.LeadID,
		MemberIDs:      model.UniqueMemberIDs(members),
		Type:           teamType,
		Status:         model.TeamActive,
	}

	err := s.store.Tx(ctx, func(tx store.Store) error {
		department, err := tx.GetDepartment(ctx, input.DepartmentID)
		if errors.Is(err, store.ErrNotFound) || (err == nil && department.OrganizationID != actor.OrganizationID) {
			return apperr.New(apperr.KindInvalidDepartment, "department %s does not exist", input.DepartmentID)
		}
		if err != nil {
			return fmt.Errorf("load department: %w", err)
		}
		if department.Archived() {
			return apperr.New(apperr.KindInvalidDepartment, "department %s is archived", input.DepartmentID)
		}
		return tx.CreateTeam(ctx, team)
	})
	if err != nil {
		return nil, err
	}
	return team, nil
}

func (s *Service) AddTeamMember(ctx context.Context, actor auth.Actor, teamID, userID uuid.UUID) (*model.Team, error) {
	team, err := s.mutateTeam(ctx, actor, teamID, func(team *model.Team) bool {
		return team.AddMember(userID)
	})
	metrics.ObserveCommand("add_team_member", err)
	return team, err
}

// RemoveTeamMember also clears the lead when the lead leaves.
func (s *Service) RemoveTeamMember(ctx context.Context, actor auth.Actor, teamID, userID uuid.UUID) (*model.Team, error) {
	team, err := s.mutateTeam(ctx, actor, teamID, func(team *model.Team) bool {
		removed := team.RemoveMember(userID)
		if team.LeadID != nil && *team.LeadID == userID {
			team.LeadID = nil
			removed = true
		}
		return removed
	})
	metrics.ObserveCommand("remove_team_member", err)
	return team, err
}

func (s *Service) ArchiveTeam(ctx context.Context, actor auth.Actor, teamID uuid.UUID) (*model.Team, error) {
	team, err := s.mutateTeam(ctx, actor, teamID, func(team *model.Team) bool {
		if team.Status == model.TeamArchived {
			return false
		}
		team.Status = model.TeamArchived
		return true
	})
	metrics.ObserveCommand("archive_team", err)
	return team, err
}

func (s *Service) mutateTeam(ctx context.Context, actor auth.Actor, teamID uuid.UUID, mutate func(*model.Team) bool) (*model.Team, error) {
	if err := actor.RequireManager("changing teams"); err != nil {
		return nil, err
	}
	var team *model.Team
	err := s.store.Tx(ctx, func(tx store.Store) error {
		var err error
		team, err = loadTeam(ctx, tx, actor.OrganizationID, teamID)
		if err != nil {
			return err
		}
		if !mutate(team) {
			return nil
		}
		return tx.UpdateTeam(ctx, team)
	})
	if err != nil {
		return nil, err
	}
	return team, nil
}

// ListDepartments returns the organization's departments ordered by level,
// order and name, with employee counts filled in.
func (s *Service) ListDepartments(ctx context.Context, actor auth.Actor) ([]model.Department, error) {
	departments, err := s.store.ListDepartments(ctx, actor.OrganizationID)
	if err != nil {
		return nil, fmt.Errorf("list departments: %w", err)
	}
	teams, err := s.store.ListTeams(ctx, actor.OrganizationID, nil)
	if err != nil {
		return nil, fmt.Errorf("list teams: %w", err)
	}

	people := make(map[uuid.UUID]map[uuid.UUID]struct{}, len(departments))
	for _, team := range teams {
		set, ok := people[team.DepartmentID]
		if !ok {
			set = make(map[uuid.UUID]struct{})
			people[team.DepartmentID] = set
		}
		for _, member := range team.Members() {
			set[member] = struct{}{}
		}
	}
	for i := range departments {
		set := people[departments[i].ID]
		count := len(set)
		if head := departments[i].HeadID; head != nil {
			if _, counted := set[*head]; !counted {
				count++
			}
		}
		departments[i].EmployeeCount = count
	}
	return departments, nil
}

func (s *Service) ListTeams(ctx context.Context, actor auth.Actor, departmentID *uuid.UUID) ([]model.Team, error) {
	teams, err := s.store.ListTeams(ctx, actor.OrganizationID, departmentID)
	if err != nil {
		return nil, fmt.Errorf("list teams: %w", err)
	}
	return teams, nil
}

// GetDepartmentTree nests the organization's departments under their parents.
// Departments whose parent is missing become roots.
func (s *Service) GetDepartmentTree(ctx context.Context, actor auth.Actor) ([]*DepartmentNode, error) {
	departments, err := s.ListDepartments(ctx, actor)
	if err != nil {
		return nil, err
	}

	nodes := make(map[uuid.UUID]*DepartmentNode, len(departments))
	for _, department := range departments {
		nodes[department.ID] = &DepartmentNode{Department: department, Children: []*DepartmentNode{}}
	}

	var roots []*DepartmentNode
	for _, department := range departments {
		node := nodes[department.ID]
		if department.ParentDepartmentID != nil {
			if parent, ok := nodes[*department.ParentDepartmentID]; ok {
				parent.Children = append(parent.Children, node)
				continue
			}
		}
		roots = append(roots, node)
	}
	return roots, nil
}

func (s *Service) IsTeamMember(ctx context.Context, teamID, userID uuid.UUID) (bool, error) {
	return IsTeamMember(ctx, s.store, teamID, userID)
}

func (s *Service) IsDepartmentMember(ctx context.Context, departmentID, userID uuid.UUID) (bool, error) {
	return IsDepartmentMember(ctx, s.store, departmentID, userID)
}

// IsTeamMember treats the lead as a member.
func IsTeamMember(ctx context.Context, teams store.TeamStore, teamID, userID uuid.UUID) (bool, error) {
	team, err := teams.GetTeam(ctx, teamID)
	if err != nil {
		return false, err
	}
	if team.LeadID != nil && *team.LeadID == userID {
		return true, nil
	}
	return team.HasMember(userID), nil
}

// IsDepartmentMember reports whether userID heads the department or any
// department below it, or belongs to one of their teams.
func IsDepartmentMember(ctx context.Context, s store.Store, departmentID, userID uuid.UUID) (bool, error) {
	root, err := s.GetDepartment(ctx, departmentID)
	if err != nil {
		return false, err
	}
	levels, err := graph.Levels(ctx, departmentID, childDepartmentIDs(s), MaxTreeDepth)
	if err != nil {
		return false, walkError(err, "department subtree")
	}
	for _, ids := range levels {
		for _, id := range ids {
			id := id
			department, err := s.GetDepartment(ctx, id)
			if err != nil {
				return false, err
			}
			if department.HeadID != nil && *department.HeadID == userID {
				return true, nil
			}
			teams, err := s.ListTeams(ctx, root.OrganizationID, &id)
			if err != nil {
				return false, err
			}
			for _, team := range teams {
				if team.HasMember(userID) || (team.LeadID != nil && *team.LeadID == userID) {
					return true, nil
				}
			}
		}
	}
	return false, nil
}

func loadDepartment(ctx context.Context, s store.DepartmentStore, orgID, id uuid.UUID) (*model.Department, error) {
	department, err := s.GetDepartment(ctx, id)
	if errors.Is(err, store.ErrNotFound) || (err == nil && department.OrganizationID != orgID) {
		return nil, apperr.New(apperr.KindNotFound, "department %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("load department: %w", err)
	}
	return department, nil
}

func loadParent(ctx context.Context, s store.DepartmentStore, orgID, id uuid.UUID) (*model.Department, error) {
	parent, err := s.GetDepartment(ctx, id)
	if errors.Is(err, store.ErrNotFound) || (err == nil && parent.OrganizationID != orgID) {
		return nil, apperr.New(apperr.KindInvalidParent, "parent department %s does not exist", id)
	}
	if err != nil {
		return nil, fmt.Errorf("load parent department: %w", err)
	}
	if parent.Archived() {
		return nil, apperr.New(apperr.KindInvalidParent, "parent department %s is archived", id)
	}
	return parent, nil
}

func loadTeam(ctx context.Context, s store.TeamStore, orgID, id uuid.UUID) (*model.Team, error) {
	team, err := s.GetTeam(ctx, id)
	if errors.Is(err, store.ErrNotFound) || (err == nil && team.OrganizationID != orgID) {
		return nil, apperr.New(apperr.KindNotFound, "team %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("load team: %w", err)
	}
	return team, nil
}

// departmentAncestors returns id followed by its ancestors.
func departmentAncestors(ctx context.Context, s store.DepartmentStore, id uuid.UUID) ([]uuid.UUID, error) {
	parentOf := func(ctx context.Context, id uuid.UUID) (*uuid.UUID, error) {
		department, err := s.GetDepartment(ctx, id)
		if errors.Is(err, store.ErrNotFound) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		return department.ParentDepartmentID, nil
	}
	ancestors, err := graph.Ancestors(ctx, id, parentOf, MaxTreeDepth)
	if err != nil {
		return nil, walkError(err, "department ancestry")
	}
	return append([]uuid.UUID{id}, ancestors...), nil
}

func childDepartmentIDs(s store.DepartmentStore) graph.ChildrenFunc {
	return func(ctx context.Context, id uuid.UUID) ([]uuid.UUID, error) {
		children, err := s.ChildDepartments(ctx, id)
		if err != nil {
			return nil, err
		}
		ids := make([]uuid.UUID, len(children))
		for i := range children {
			ids[i] = children[i].ID
		}
		return ids, nil
	}
}

func walkError(err error, what string) error {
	switch {
	case errors.Is(err, graph.ErrCycle):
		return apperr.Wrap(apperr.KindCycleDetected, err, "%s contains a cycle", what)
	case errors.Is(err, graph.ErrLimit):
		return apperr.Wrap(apperr.KindMaxDepthExceeded, err, "%s is deeper than %d levels", what, MaxTreeDepth)
	default:
		return err
	}
}
