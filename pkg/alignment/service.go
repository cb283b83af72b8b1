package alignment

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
	"github.com/flowforge/goalalign/pkg/metrics"
	"github.com/flowforge/goalalign/pkg/model"
	"github.com/flowforge/goalalign/pkg/orgunit"
	"github.com/flowforge/goalalign/pkg/policy"
	"github.com/flowforge/goalalign/pkg/rollup"
	"github.com/flowforge/goalalign/pkg/store"
)

// maxWriteAttempts bounds retries of a single goal write that lost a version
// race.
const maxWriteAttempts = 3

var validate = validator.New()

type CreateGoalInput struct {
	Title              string     `json:"title" validate:"required,max=255"`
	Description        string     `json:"description" validate:"max=5000"`
	OwnerID            *uuid.UUID `json:"ownerId"`
	ParentGoalID       *uuid.UUID `json:"parentGoalId"`
	DepartmentID       *uuid.UUID `json:"departmentId"`
	TeamID             *uuid.UUID `json:"teamId"`
	Status             string     `json:"status" validate:"omitempty,oneof=draft on_track at_risk completed"`
	Priority           string     `json:"priority" validate:"omitempty,oneof=low medium high critical"`
	Progress           int        `json:"progress" validate:"min=0,max=100"`
	ContributionWeight *int       `json:"contributionWeight" validate:"omitempty,min=0,max=100"`
	DueDate            *time.Time `json:"dueDate"`
}

type ProgressUpdate struct {
	Progress *int    `json:"progress" validate:"omitempty,min=0,max=100"`
	Status   *string `json:"status" validate:"omitempty,oneof=draft on_track at_risk completed"`
}

type Service struct {
	store    store.Store
	graph    *Graph
	settings policy.Provider
	rollup   *rollup.Engine
	notifier events.Notifier
	logger   *zap.Logger
}

func NewService(s store.Store, g *Graph, settings policy.Provider, engine *rollup.Engine, notifier events.Notifier, logger *zap.Logger) *Service {
	if notifier == nil {
		notifier = events.NopNotifier{}
	}
	return &Service{
		store:    s,
		graph:    g,
		settings: settings,
		rollup:   engine,
		notifier: notifier,
		logger:   logger,
	}
}

func (s *Service) CreateGoal(ctx context.Context, actor auth.Actor, input CreateGoalInput) (*model.Goal, error) {
	goal, err := s.createGoal(ctx, actor, input)
	metrics.ObserveCommand("create_goal", err)
	return goal, err
}

// CascadeGoal creates a child of parentID from the top down.
func (s *Service) CascadeGoal(ctx context.Context, actor auth.Actor, parentID uuid.UUID, input CreateGoalInput) (*model.Goal, error) {
	goal, err := s.cascadeGoal(ctx, actor, parentID, input)
	metrics.ObserveCommand("cascade_goal", err)
	return goal, err
}

func (s *Service) cascadeGoal(ctx context.Context, actor auth.Actor, parentID uuid.UUID, input CreateGoalInput) (*model.Goal, error) {
	settings, err := s.settings.Get(ctx, actor.OrganizationID)
	if err != nil {
		return nil, err
	}
	if !settings.Enabled {
		return nil, apperr.New(apperr.KindAlignmentDisabled, "goal alignment is disabled for this organization")
	}
	if settings.CascadeType == model.CascadeBottomUp {
		return nil, apperr.New(apperr.KindInvalidCascade, "goals cascade bottom-up only in this organization")
	}

	parent, err := s.goalInOrg(ctx, s.store, actor, parentID)
	if err != nil {
		return nil, err
	}
	if !actor.CanEditGoal(parent) {
		return nil, apperr.New(apperr.KindForbidden, "cascading from goal %s requires owning it or the manager role", parentID)
	}

	input.ParentGoalID = &parentID
	if input.DepartmentID == nil && input.TeamID == nil {
		input.DepartmentID = parent.DepartmentID
		input.TeamID = parent.TeamID
	}
	return s.createGoal(ctx, actor, input)
}

func (s *Service) createGoal(ctx context.Context, actor auth.Actor, input CreateGoalInput) (*model.Goal, error) {
	if actor.Role == auth.RoleContributor {
		return nil, apperr.New(apperr.KindForbidden, "contributors may only report progress")
	}
	input.Title = strings.TrimSpace(input.Title)
	if err := validate.Struct(input); err != nil {
		return nil, apperr.Wrap(apperr.KindValidation, err, "invalid goal")
	}

	ownerID := actor.UserID
	if input.OwnerID != nil {
		ownerID = *input.OwnerID
	}
	if ownerID != actor.UserID && !actor.IsManager() {
		return nil, apperr.New(apperr.KindForbidden, "creating goals for others requires the manager role")
	}

	settings, err := s.settings.Get(ctx, actor.OrganizationID)
	if err != nil {
		return nil, err
	}
	if input.ParentGoalID == nil && settings.AlignmentRequired && !actor.IsAdmin() {
		return nil, apperr.New(apperr.KindAlignmentRequiredViolation, "goals must align to a parent goal")
	}
	if input.ParentGoalID != nil && !settings.Enabled {
		return nil, apperr.New(apperr.KindAlignmentDisabled, "goal alignment is disabled for this organization")
	}

	goal := &model.Goal{
		OrganizationID:     actor.OrganizationID,
		Title:              input.Title,
		Description:        input.Description,
		Progress:           input.Progress,
		Status:             model.GoalDraft,
		Priority:           model.PriorityMedium,
		OwnerID:            ownerID,
		DueDate:            input.DueDate,
		ParentGoalID:       input.ParentGoalID,
		ContributionWeight: input.ContributionWeight,
		DepartmentID:       input.DepartmentID,
		TeamID:             input.TeamID,
	}
	if input.Status != "" {
		goal.Status = model.GoalStatus(input.Status)
	}
	if input.Priority != "" {
		goal.Priority = model.GoalPriority(input.Priority)
	}

	var batch events.Batch
	err = s.store.Tx(ctx, func(tx store.Store) error {
		if err := checkScope(ctx, tx, actor, settings, goal); err != nil {
			return err
		}
		if goal.ParentGoalID != nil {
			parent, err := s.goalInOrg(ctx, tx, actor, *goal.ParentGoalID)
			if err != nil {
				return err
			}
			depth, err := s.graph.Depth(ctx, tx, parent.ID)
			if err != nil {
				return err
			}
			if depth+2 > settings.MaxGoalLevels {
				return apperr.New(apperr.KindMaxDepthExceeded,
					"goal %s already sits at level %d of %d", parent.ID, depth+1, settings.MaxGoalLevels)
			}
		}

		if err := tx.CreateGoal(ctx, goal); err != nil {
			return fmt.Errorf("create goal: %w", err)
		}
		if goal.ParentGoalID != nil {
			batch.Add(alignmentEvent(goal, nil))
		}
		return batch.Persist(ctx, tx)
	})
	if err != nil {
		return nil, err
	}

	batch.Dispatch(ctx, s.notifier, s.logger)
	s.logger.Info("goal created",
		zap.String("goal_id", goal.ID.String()),
		zap.String("organization_id", goal.OrganizationID.String()),
	)

	if goal.ParentGoalID != nil {
		_, err := s.rollup.Propagate(ctx, goal.OrganizationID, goal.ID)
		return goal, s.settleRollup(goal.ID, err)
	}
	return goal, nil
}

// UpdateGoalProgress persists the goal's own progress and status, then rolls
// the change up. Only a rollup that gave up on version races is reported,
// together with the saved goal; the goal's own write stays either way.
func (s *Service) UpdateGoalProgress(ctx context.Context, actor auth.Actor, goalID uuid.UUID, update ProgressUpdate) (*model.Goal, error) {
	goal, err := s.updateGoalProgress(ctx, actor, goalID, update)
	metrics.ObserveCommand("update_goal_progress", err)
	return goal, err
}

func (s *Service) updateGoalProgress(ctx context.Context, actor auth.Actor, goalID uuid.UUID, update ProgressUpdate) (*model.Goal, error) {
	if err := validate.Struct(update); err != nil {
		return nil, apperr.Wrap(apperr.KindValidation, err, "invalid progress update")
	}
	if update.Progress == nil && update.Status == nil {
		return nil, apperr.New(apperr.KindValidation, "progress or status is required")
	}

	var (
		goal    *model.Goal
		changed bool
	)
	err := s.writeGoal(ctx, func(tx store.Store, batch *events.Batch) error {
		var err error
		goal, err = s.goalInOrg(ctx, tx, actor, goalID)
		if err != nil {
			return err
		}
		if !actor.CanUpdateProgress(goal) {
			return apperr.New(apperr.KindForbidden, "not allowed to update progress of goal %s", goalID)
		}

		old := goal.EffectiveProgress()
		oldStatus := goal.Status
		if update.Progress != nil {
			goal.Progress = *update.Progress
		}
		if update.Status != nil {
			goal.Status = model.GoalStatus(*update.Status)
		}
		changed = goal.EffectiveProgress() != old || goal.Status != oldStatus
		if !changed {
			return nil
		}
		if err := tx.UpdateGoal(ctx, goal); err != nil {
			return err
		}
		batch.Add(events.New(events.TypeGoalProgressChanged, goal.OrganizationID, goal.ID, events.GoalProgressChanged{
			GoalID:      goal.ID,
			OldProgress: old,
			NewProgress: goal.EffectiveProgress(),
		}))
		return nil
	})
	if err != nil {
		return nil, err
	}
	if !changed {
		return goal, nil
	}

	_, err = s.rollup.Propagate(ctx, goal.OrganizationID, goal.ID)
	return goal, s.settleRollup(goal.ID, err)
}

// SetParentGoal re-aligns goalID under parentID, or detaches it when parentID
// is nil. Both the old and the new parent chains are recomputed afterwards.
func (s *Service) SetParentGoal(ctx context.Context, actor auth.Actor, goalID uuid.UUID, parentID *uuid.UUID) (*model.Goal, error) {
	goal, err := s.setParentGoal(ctx, actor, goalID, parentID)
	metrics.ObserveCommand("set_parent_goal", err)
	return goal, err
}

func (s *Service) setParentGoal(ctx context.Context, actor auth.Actor, goalID uuid.UUID, parentID *uuid.UUID) (*model.Goal, error) {
	settings, err := s.settings.Get(ctx, actor.OrganizationID)
	if err != nil {
		return nil, err
	}
	if parentID != nil && !settings.Enabled {
		return nil, apperr.New(apperr.KindAlignmentDisabled, "goal alignment is disabled for this organization")
	}
	if parentID != nil && *parentID == goalID {
		return nil, apperr.New(apperr.KindCycleDetected, "goal %s cannot align to itself", goalID)
	}

	var (
		goal      *model.Goal
		oldParent *uuid.UUID
		changed   bool
	)
	err = s.writeGoal(ctx, func(tx store.Store, batch *events.Batch) error {
		var err error
		goal, err = s.goalInOrg(ctx, tx, actor, goalID)
		if err != nil {
			return err
		}
		if !actor.CanEditGoal(goal) {
			return apperr.New(apperr.KindForbidden, "not allowed to re-align goal %s", goalID)
		}
		oldParent = goal.ParentGoalID
		if sameParent(oldParent, parentID) {
			changed = false
			return nil
		}

		if parentID == nil {
			if settings.AlignmentRequired && !actor.IsAdmin() {
				return apperr.New(apperr.KindAlignmentRequiredViolation, "goal %s must stay aligned to a parent", goalID)
			}
		} else {
			parent, err := s.goalInOrg(ctx, tx, actor, *parentID)
			if err != nil {
				return err
			}
			chain, err := s.graph.AncestorChain(ctx, tx, parent.ID)
			if err != nil {
				return err
			}
			for _, id := range chain {
				if id == goalID {
					return apperr.New(apperr.KindCycleDetected, "goal %s is an ancestor of %s", goalID, parent.ID)
				}
			}
			height, err := s.graph.Height(ctx, tx, goalID, settings.MaxGoalLevels+1)
			if err != nil {
				return err
			}
			if levels := len(chain) + 1 + height; levels > settings.MaxGoalLevels {
				return apperr.New(apperr.KindMaxDepthExceeded,
					"aligning goal %s under %s would create %d levels, the limit is %d", goalID, parent.ID, levels, settings.MaxGoalLevels)
			}
		}

		goal.ParentGoalID = parentID
		if err := tx.UpdateGoal(ctx, goal); err != nil {
			return err
		}
		changed = true
		batch.Add(alignmentEvent(goal, oldParent))
		return nil
	})
	if err != nil {
		return nil, err
	}
	if !changed {
		return goal, nil
	}

	s.logger.Info("goal re-aligned",
		zap.String("goal_id", goal.ID.String()),
		zap.Stringp("old_parent_id", uuidString(oldParent)),
		zap.Stringp("new_parent_id", uuidString(parentID)),
	)

	var rollupErr error
	if oldParent != nil {
		_, err := s.rollup.Recompute(ctx, goal.OrganizationID, *oldParent)
		rollupErr = s.settleRollup(*oldParent, err)
	}
	if parentID != nil {
		_, err := s.rollup.Propagate(ctx, goal.OrganizationID, goal.ID)
		if err := s.settleRollup(goal.ID, err); err != nil && rollupErr == nil {
			rollupErr = err
		}
	}
	return goal, rollupErr
}

// SetContributionWeight changes how much goalID counts towards its parent.
func (s *Service) SetContributionWeight(ctx context.Context, actor auth.Actor, goalID uuid.UUID, weight *int) (*model.Goal, error) {
	goal, err := s.setContributionWeight(ctx, actor, goalID, weight)
	metrics.ObserveCommand("set_contribution_weight", err)
	return goal, err
}

func (s *Service) setContributionWeight(ctx context.Context, actor auth.Actor, goalID uuid.UUID, weight *int) (*model.Goal, error) {
	if weight != nil && (*weight < 0 || *weight > 100) {
		return nil, apperr.New(apperr.KindValidation, "contribution weight must be between 0 and 100")
	}

	var goal *model.Goal
	err := s.writeGoal(ctx, func(tx store.Store, _ *events.Batch) error {
		var err error
		goal, err = s.goalInOrg(ctx, tx, actor, goalID)
		if err != nil {
			return err
		}
		if !actor.CanEditGoal(goal) {
			return apperr.New(apperr.KindForbidden, "not allowed to edit goal %s", goalID)
		}
		goal.ContributionWeight = weight
		return tx.UpdateGoal(ctx, goal)
	})
	if err != nil {
		return nil, err
	}

	if goal.ParentGoalID != nil {
		_, err := s.rollup.Propagate(ctx, goal.OrganizationID, goal.ID)
		return goal, s.settleRollup(goal.ID, err)
	}
	return goal, nil
}

// DeleteGoal archives goals that still have children and deletes the rest.
// It reports whether the goal was archived.
func (s *Service) DeleteGoal(ctx context.Context, actor auth.Actor, goalID uuid.UUID) (bool, error) {
	archived, err := s.deleteGoal(ctx, actor, goalID)
	metrics.ObserveCommand("delete_goal", err)
	return archived, err
}

func (s *Service) deleteGoal(ctx context.Context, actor auth.Actor, goalID uuid.UUID) (bool, error) {
	var (
		goal     *model.Goal
		archived bool
	)
	err := s.writeGoal(ctx, func(tx store.Store, batch *events.Batch) error {
		var err error
		goal, err = s.goalInOrg(ctx, tx, actor, goalID)
		if err != nil {
			return err
		}
		if !actor.CanEditGoal(goal) {
			return apperr.New(apperr.KindForbidden, "not allowed to delete goal %s", goalID)
		}
		children, err := tx.ChildGoals(ctx, goalID)
		if err != nil {
			return fmt.Errorf("load children of %s: %w", goalID, err)
		}
		if len(children) > 0 {
			archived = true
			if goal.ArchivedAt != nil {
				return nil
			}
			now := time.Now().UTC()
			goal.ArchivedAt = &now
			return tx.UpdateGoal(ctx, goal)
		}

		archived = false
		if err := tx.DeleteGoal(ctx, goalID); err != nil {
			return fmt.Errorf("delete goal: %w", err)
		}
		if goal.ParentGoalID != nil {
			batch.Add(events.New(events.TypeGoalAlignmentChanged, goal.OrganizationID, goal.ID, events.GoalAlignmentChanged{
				GoalID:      goal.ID,
				OldParentID: goal.ParentGoalID,
			}))
		}
		return nil
	})
	if err != nil {
		return false, err
	}

	if !archived && goal.ParentGoalID != nil {
		_, err := s.rollup.Recompute(ctx, goal.OrganizationID, *goal.ParentGoalID)
		return archived, s.settleRollup(*goal.ParentGoalID, err)
	}
	return archived, nil
}

func (s *Service) GetGoal(ctx context.Context, actor auth.Actor, goalID uuid.UUID) (*model.Goal, error) {
	return s.goalInOrg(ctx, s.store, actor, goalID)
}

func (s *Service) ListGoals(ctx context.Context, actor auth.Actor) ([]model.Goal, error) {
	goals, err := s.store.ListGoals(ctx, actor.OrganizationID)
	if err != nil {
		return nil, fmt.Errorf("list goals: %w", err)
	}
	return goals, nil
}

// GoalLevel derives the level of goalID from its ancestor chain.
func (s *Service) GoalLevel(ctx context.Context, actor auth.Actor, goalID uuid.UUID) (model.GoalLevel, error) {
	if _, err := s.goalInOrg(ctx, s.store, actor, goalID); err != nil {
		return "", err
	}
	depth, err := s.graph.Depth(ctx, s.store, goalID)
	if err != nil {
		return "", err
	}
	return model.LevelForDepth(depth), nil
}

// GetAncestorChain returns the ids above goalID, root first.
func (s *Service) GetAncestorChain(ctx context.Context, actor auth.Actor, goalID uuid.UUID) ([]uuid.UUID, error) {
	if _, err := s.goalInOrg(ctx, s.store, actor, goalID); err != nil {
		return nil, err
	}
	return s.graph.AncestorChain(ctx, s.store, goalID)
}

func (s *Service) GetAlignmentTree(ctx context.Context, actor auth.Actor, goalID uuid.UUID) (*TreeNode, error) {
	if _, err := s.goalInOrg(ctx, s.store, actor, goalID); err != nil {
		return nil, err
	}
	return s.graph.Tree(ctx, s.store, goalID)
}

// writeGoal runs fn in a transaction and reruns it when a goal write loses a
// version race.
func (s *Service) writeGoal(ctx context.Context, fn func(tx store.Store, batch *events.Batch) error) error {
	for attempt := 1; attempt <= maxWriteAttempts; attempt++ {
		var batch events.Batch
		err := s.store.Tx(ctx, func(tx store.Store) error {
			if err := fn(tx, &batch); err != nil {
				return err
			}
			return batch.Persist(ctx, tx)
		})
		if err == nil {
			batch.Dispatch(ctx, s.notifier, s.logger)
			return nil
		}
		if !errors.Is(err, store.ErrVersionConflict) {
			return err
		}
		s.logger.Info("goal write lost a version race, retrying", zap.Int("attempt", attempt))
	}
	return apperr.New(apperr.KindRollupConflict, "goal kept changing concurrently; gave up after %d attempts", maxWriteAttempts)
}

// settleRollup decides what a rollup following a committed write reports.
// Only RollupConflict reaches the caller; anything else is logged.
func (s *Service) settleRollup(goalID uuid.UUID, err error) error {
	if err == nil || errors.Is(err, apperr.ErrRollupConflict) {
		return err
	}
	s.logger.Warn("goal saved but rollup failed",
		zap.String("goal_id", goalID.String()),
		zap.Error(err),
	)
	return nil
}

func (s *Service) goalInOrg(ctx context.Context, tx store.GoalStore, actor auth.Actor, goalID uuid.UUID) (*model.Goal, error) {
	goal, err := loadGoal(ctx, tx, goalID)
	if err != nil {
		return nil, err
	}
	if err := actor.RequireOrg(goal.OrganizationID, "goal"); err != nil {
		return nil, err
	}
	return goal, nil
}

// checkScope validates the department and team of a goal and, for employees,
// the membership policies of the organization.
func checkScope(ctx context.Context, tx store.Store, actor auth.Actor, settings *model.AlignmentSettings, goal *model.Goal) error {
	var team *model.Team
	if goal.TeamID != nil {
		t, err := tx.GetTeam(ctx, *goal.TeamID)
		if errors.Is(err, store.ErrNotFound) || (err == nil && t.OrganizationID != goal.OrganizationID) {
			return apperr.New(apperr.KindNotFound, "team %s not found", *goal.TeamID)
		}
		if err != nil {
			return fmt.Errorf("load team: %w", err)
		}
		team = t
	}
	if goal.DepartmentID != nil {
		department, err := tx.GetDepartment(ctx, *goal.DepartmentID)
		if errors.Is(err, store.ErrNotFound) || (err == nil && department.OrganizationID != goal.OrganizationID) {
			return apperr.New(apperr.KindNotFound, "department %s not found", *goal.DepartmentID)
		}
		if err != nil {
			return fmt.Errorf("load department: %w", err)
		}
		if team != nil && team.DepartmentID != department.ID {
			return apperr.New(apperr.KindInvalidDepartment, "team %s does not belong to department %s", team.ID, department.ID)
		}
	}

	if actor.Role != auth.RoleEmployee {
		return nil
	}

	if settings.RequireTeamForEmployees {
		if team == nil {
			return apperr.New(apperr.KindNotMember, "goals of employees must be scoped to one of their teams")
		}
		member, err := orgunit.IsTeamMember(ctx, tx, team.ID, goal.OwnerID)
		if err != nil {
			return err
		}
		if !member {
			return apperr.New(apperr.KindNotMember, "%s is not a member of team %s", goal.OwnerID, team.ID)
		}
	}

	if settings.RequireDepartmentForEmployees {
		departmentID := goal.DepartmentID
		if departmentID == nil && team != nil {
			departmentID = &team.DepartmentID
		}
		if departmentID == nil {
			return apperr.New(apperr.KindNotMember, "goals of employees must be scoped to their department")
		}
		member, err := orgunit.IsDepartmentMember(ctx, tx, *departmentID, goal.OwnerID)
		if err != nil {
			return err
		}
		if !member {
			return apperr.New(apperr.KindNotMember, "%s is not a member of department %s", goal.OwnerID, *departmentID)
		}
	}
	return nil
}

func alignmentEvent(goal *model.Goal, oldParent *uuid.UUID) events.Event {
	return events.New(events.TypeGoalAlignmentChanged, goal.OrganizationID, goal.ID, events.GoalAlignmentChanged{
		GoalID:      goal.ID,
		OldParentID: oldParent,
		NewParentID: goal.ParentGoalID,
	})
}

func sameParent(a, b *uuid.UUID) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func uuidString(id *uuid.UUID) *string {
	if id == nil {
		return nil
	}
	s := id.String()
	return &s
}
