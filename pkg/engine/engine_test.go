package engine

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/flowforge/goalalign/pkg/alignment"
	"github.com/flowforge/goalalign/pkg/apperr"
	"github.com/flowforge/goalalign/pkg/auth"
	"github.com/flowforge/goalalign/pkg/config"
	"github.com/flowforge/goalalign/pkg/events"
	"github.com/flowforge/goalalign/pkg/model"
	"github.com/flowforge/goalalign/pkg/orgunit"
	"github.com/flowforge/goalalign/pkg/policy"
	"github.com/flowforge/goalalign/pkg/reporting"
	"github.com/flowforge/goalalign/pkg/store/memory"
)

type harness struct {
	ctx      context.Context
	store    *memory.Store
	recorder *events.Recorder
	engine   *Engine
	admin    auth.Actor
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	s := memory.NewStore()
	recorder := &events.Recorder{}
	cfg := config.Default()
	cfg.Alignment.AllowMatrixReporting = true
	return &harness{
		ctx:      context.Background(),
		store:    s,
		recorder: recorder,
		engine: New(Options{
			Store:    s,
			Config:   cfg,
			Logger:   zap.NewNop(),
			Notifier: recorder,
		}),
		admin: auth.Actor{UserID: uuid.New(), OrganizationID: uuid.New(), Role: auth.RoleAdmin},
	}
}

func (h *harness) goal(t *testing.T, title string, parent *uuid.UUID) *model.Goal {
	t.Helper()
	goal, err := h.engine.Goals.CreateGoal(h.ctx, h.admin, alignment.CreateGoalInput{Title: title, ParentGoalID: parent})
	require.NoError(t, err)
	return goal
}

func boolp(v bool) *bool { return &v }
func intp(v int) *int    { return &v }

func TestProgressFlowsThroughHierarchy(t *testing.T) {
	h := newHarness(t)

	engineering, err := h.engine.OrgUnits.CreateDepartment(h.ctx, h.admin, orgunit.CreateDepartmentInput{Name: "Engineering", Code: "eng"})
	require.NoError(t, err)
	platform, err := h.engine.OrgUnits.CreateTeam(h.ctx, h.admin, orgunit.CreateTeamInput{
		Name:         "Platform",
		DepartmentID: engineering.ID,
	})
	require.NoError(t, err)

	company := h.goal(t, "Reliable platform", nil)
	teamGoal, err := h.engine.Goals.CreateGoal(h.ctx, h.admin, alignment.CreateGoalInput{
		Title:        "99.95% uptime",
		ParentGoalID: &company.ID,
		TeamID:       &platform.ID,
	})
	require.NoError(t, err)

	progress := 40
	_, err = h.engine.Goals.UpdateGoalProgress(h.ctx, h.admin, teamGoal.ID, alignment.ProgressUpdate{Progress: &progress})
	require.NoError(t, err)

	stored, err := h.store.GetGoal(h.ctx, company.ID)
	require.NoError(t, err)
	require.Equal(t, 40, stored.Progress)

	// every committed event is in the outbox as well
	require.Len(t, h.store.Events(), len(h.recorder.Events()))
}

func TestForcedFlattenThroughSettings(t *testing.T) {
	h := newHarness(t)
	a := h.goal(t, "A", nil)
	b := h.goal(t, "B", &a.ID)
	c := h.goal(t, "C", &b.ID)
	d := h.goal(t, "D", &c.ID)

	_, err := h.engine.Policy.UpdateSettings(h.ctx, h.admin, policy.SettingsPatch{MaxGoalLevels: intp(3)})
	require.ErrorIs(t, err, apperr.ErrInvalidTransition)

	saved, err := h.engine.Policy.UpdateSettings(h.ctx, h.admin, policy.SettingsPatch{MaxGoalLevels: intp(3), Force: true})
	require.NoError(t, err)
	require.Equal(t, 3, saved.MaxGoalLevels)

	moved, err := h.store.GetGoal(h.ctx, d.ID)
	require.NoError(t, err)
	require.Equal(t, b.ID, *moved.ParentGoalID)

	level, err := h.engine.Goals.GoalLevel(h.ctx, h.admin, d.ID)
	require.NoError(t, err)
	require.Equal(t, model.LevelPersonal, level)

	_, err = h.engine.Goals.CreateGoal(h.ctx, h.admin, alignment.CreateGoalInput{Title: "E", ParentGoalID: &d.ID})
	require.ErrorIs(t, err, apperr.ErrMaxDepthExceeded)
}

func TestMatrixToggle(t *testing.T) {
	h := newHarness(t)
	alice, bob, carol := uuid.New(), uuid.New(), uuid.New()

	_, err := h.engine.Reporting.AddRelationship(h.ctx, h.admin, reporting.AddRelationshipInput{ReporterID: alice, ManagerID: bob})
	require.NoError(t, err)
	secondary, err := h.engine.Reporting.AddRelationship(h.ctx, h.admin, reporting.AddRelationshipInput{ReporterID: alice, ManagerID: carol})
	require.NoError(t, err)

	_, err = h.engine.Policy.UpdateSettings(h.ctx, h.admin, policy.SettingsPatch{AllowMatrixReporting: boolp(false)})
	require.ErrorIs(t, err, apperr.ErrInvalidTransition)

	require.NoError(t, h.engine.Reporting.RemoveRelationship(h.ctx, h.admin, secondary.ID))
	_, err = h.engine.Policy.UpdateSettings(h.ctx, h.admin, policy.SettingsPatch{AllowMatrixReporting: boolp(false)})
	require.NoError(t, err)

	_, err = h.engine.Reporting.AddRelationship(h.ctx, h.admin, reporting.AddRelationshipInput{ReporterID: alice, ManagerID: carol})
	require.ErrorIs(t, err, apperr.ErrMatrixDisabled)
}

func TestEnablingWeightingReconcilesExistingGoals(t *testing.T) {
	h := newHarness(t)
	parent := h.goal(t, "Parent", nil)
	light, err := h.engine.Goals.CreateGoal(h.ctx, h.admin, alignment.CreateGoalInput{Title: "Light", ParentGoalID: &parent.ID, ContributionWeight: intp(1)})
	require.NoError(t, err)
	_, err = h.engine.Goals.CreateGoal(h.ctx, h.admin, alignment.CreateGoalInput{Title: "Heavy", ParentGoalID: &parent.ID, ContributionWeight: intp(3)})
	require.NoError(t, err)

	progress := 100
	_, err = h.engine.Goals.UpdateGoalProgress(h.ctx, h.admin, light.ID, alignment.ProgressUpdate{Progress: &progress})
	require.NoError(t, err)
	stored, err := h.store.GetGoal(h.ctx, parent.ID)
	require.NoError(t, err)
	require.Equal(t, 50, stored.Progress)

	_, err = h.engine.Policy.UpdateSettings(h.ctx, h.admin, policy.SettingsPatch{WeightingEnabled: boolp(true)})
	require.NoError(t, err)

	stored, err = h.store.GetGoal(h.ctx, parent.ID)
	require.NoError(t, err)
	require.Equal(t, 25, stored.Progress)
}
