package alignment

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/flowforge/goalalign/pkg/apperr"
	"github.com/flowforge/goalalign/pkg/auth"
	"github.com/flowforge/goalalign/pkg/config"
	"github.com/flowforge/goalalign/pkg/events"
	"github.com/flowforge/goalalign/pkg/model"
	"github.com/flowforge/goalalign/pkg/policy"
	"github.com/flowforge/goalalign/pkg/rollup"
	"github.com/flowforge/goalalign/pkg/store"
	"github.com/flowforge/goalalign/pkg/store/memory"
)

type fixture struct {
	ctx      context.Context
	store    *memory.Store
	cache    *policy.Cache
	graph    *Graph
	recorder *events.Recorder
	service  *Service

	org      uuid.UUID
	admin    auth.Actor
	manager  auth.Actor
	employee auth.Actor
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	s := memory.NewStore()
	defaults := config.AlignmentDefaults{
		Enabled:              true,
		CascadeType:          "bidirectional",
		MaxGoalLevels:        3,
		WeightingEnabled:     true,
		AutoProgressRollup:   true,
		AllowMatrixReporting: true,
	}
	logger := zap.NewNop()
	cache := policy.NewCache(s, defaults, nil, time.Minute, logger)
	g := NewGraph(s, cache)
	recorder := &events.Recorder{}
	engine := rollup.NewEngine(s, cache, g, recorder, logger, rollup.DefaultMaxRetries)

	org := uuid.New()
	return &fixture{
		ctx:      context.Background(),
		store:    s,
		cache:    cache,
		graph:    g,
		recorder: recorder,
		service:  NewService(s, g, cache, engine, recorder, logger),
		org:      org,
		admin:    auth.Actor{UserID: uuid.New(), OrganizationID: org, Role: auth.RoleAdmin},
		manager:  auth.Actor{UserID: uuid.New(), OrganizationID: org, Role: auth.RoleManager},
		employee: auth.Actor{UserID: uuid.New(), OrganizationID: org, Role: auth.RoleEmployee},
	}
}

func (f *fixture) configure(t *testing.T, mutate func(*model.AlignmentSettings)) {
	t.Helper()
	settings, err := f.cache.Get(f.ctx, f.org)
	require.NoError(t, err)
	mutate(settings)
	require.NoError(t, f.store.SaveSettings(f.ctx, settings))
	f.cache.Invalidate(f.ctx, f.org)
}

func (f *fixture) goal(t *testing.T, title string, parent *uuid.UUID, weight *int) *model.Goal {
	t.Helper()
	goal, err := f.service.CreateGoal(f.ctx, f.admin, CreateGoalInput{
		Title:              title,
		ParentGoalID:       parent,
		ContributionWeight: weight,
	})
	require.NoError(t, err)
	return goal
}

func (f *fixture) progress(t *testing.T, goalID uuid.UUID, progress int) *model.Goal {
	t.Helper()
	goal, err := f.service.UpdateGoalProgress(f.ctx, f.admin, goalID, ProgressUpdate{Progress: &progress})
	require.NoError(t, err)
	return goal
}

func (f *fixture) stored(t *testing.T, id uuid.UUID) *model.Goal {
	t.Helper()
	goal, err := f.store.GetGoal(f.ctx, id)
	require.NoError(t, err)
	return goal
}

func intp(v int) *int { return &v }

// failingReads fails transactional reads of chosen goals.
type failingReads struct {
	*memory.Store
	mu   sync.Mutex
	fail map[uuid.UUID]error
}

func (s *failingReads) Tx(ctx context.Context, fn func(tx store.Store) error) error {
	return s.Store.Tx(ctx, func(tx store.Store) error {
		return fn(&failingReadsTx{Store: tx, owner: s})
	})
}

func (s *failingReads) failure(id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fail[id]
}

type failingReadsTx struct {
	store.Store
	owner *failingReads
}

func (t *failingReadsTx) GetGoal(ctx context.Context, id uuid.UUID) (*model.Goal, error) {
	if err := t.owner.failure(id); err != nil {
		return nil, err
	}
	return t.Store.GetGoal(ctx, id)
}

func TestGoalLevelsFollowAncestors(t *testing.T) {
	f := newFixture(t)
	company := f.goal(t, "Grow revenue", nil, nil)
	team := f.goal(t, "Ship billing v2", &company.ID, nil)
	personal := f.goal(t, "Migrate invoices", &team.ID, nil)

	for goalID, want := range map[uuid.UUID]model.GoalLevel{
		company.ID:  model.LevelCompany,
		team.ID:     model.LevelTeam,
		personal.ID: model.LevelPersonal,
	} {
		level, err := f.service.GoalLevel(f.ctx, f.admin, goalID)
		require.NoError(t, err)
		require.Equal(t, want, level)
	}

	chain, err := f.service.GetAncestorChain(f.ctx, f.admin, personal.ID)
	require.NoError(t, err)
	require.Equal(t, []uuid.UUID{company.ID, team.ID}, chain)

	tree, err := f.service.GetAlignmentTree(f.ctx, f.admin, company.ID)
	require.NoError(t, err)
	require.Len(t, tree.Children, 1)
	require.Equal(t, model.LevelTeam, tree.Children[0].Level)
	require.Equal(t, personal.ID, tree.Children[0].Children[0].Goal.ID)
	require.Equal(t, 2, tree.Children[0].Children[0].Depth)
}

func TestCreateGoalBeyondMaxLevels(t *testing.T) {
	f := newFixture(t)
	company := f.goal(t, "Company", nil, nil)
	team := f.goal(t, "Team", &company.ID, nil)
	personal := f.goal(t, "Personal", &team.ID, nil)

	_, err := f.service.CreateGoal(f.ctx, f.admin, CreateGoalInput{Title: "Too deep", ParentGoalID: &personal.ID})
	require.ErrorIs(t, err, apperr.ErrMaxDepthExceeded)
}

func TestSetParentGoalCountsSubtreeHeight(t *testing.T) {
	f := newFixture(t)
	company := f.goal(t, "Company", nil, nil)
	team := f.goal(t, "Team", &company.ID, nil)
	other := f.goal(t, "Other", nil, nil)
	f.goal(t, "Other child", &other.ID, nil)

	_, err := f.service.SetParentGoal(f.ctx, f.admin, other.ID, &team.ID)
	require.ErrorIs(t, err, apperr.ErrMaxDepthExceeded)
	require.Nil(t, f.stored(t, other.ID).ParentGoalID)

	moved, err := f.service.SetParentGoal(f.ctx, f.admin, other.ID, &company.ID)
	require.NoError(t, err)
	require.Equal(t, company.ID, *moved.ParentGoalID)
}

func TestSetParentGoalRejectsCycles(t *testing.T) {
	f := newFixture(t)
	a := f.goal(t, "A", nil, nil)
	b := f.goal(t, "B", &a.ID, nil)
	c := f.goal(t, "C", &b.ID, nil)

	_, err := f.service.SetParentGoal(f.ctx, f.admin, a.ID, &c.ID)
	require.ErrorIs(t, err, apperr.ErrCycleDetected)

	_, err = f.service.SetParentGoal(f.ctx, f.admin, a.ID, &a.ID)
	require.ErrorIs(t, err, apperr.ErrCycleDetected)
}

func TestWeightedRollup(t *testing.T) {
	f := newFixture(t)
	engineering := f.goal(t, "Engineering reliability", nil, nil)
	platform := f.goal(t, "Platform uptime", &engineering.ID, intp(30))
	mobile := f.goal(t, "Mobile crash rate", &engineering.ID, intp(70))

	f.progress(t, platform.ID, 50)
	require.Equal(t, 15, f.stored(t, engineering.ID).Progress)

	f.progress(t, mobile.ID, 100)
	require.Equal(t, 85, f.stored(t, engineering.ID).Progress)

	derived := 0
	for _, e := range f.recorder.OfType(events.TypeGoalProgressChanged) {
		if e.Payload.(events.GoalProgressChanged).Derived {
			derived++
		}
	}
	require.Equal(t, 2, derived)
}

func TestRollupPlainMeanAndCompletedChildren(t *testing.T) {
	f := newFixture(t)
	f.configure(t, func(s *model.AlignmentSettings) { s.WeightingEnabled = false })

	parent := f.goal(t, "Parent", nil, nil)
	first := f.goal(t, "First", &parent.ID, intp(90))
	f.goal(t, "Second", &parent.ID, intp(10))

	f.progress(t, first.ID, 40)
	require.Equal(t, 20, f.stored(t, parent.ID).Progress)

	completed := string(model.GoalCompleted)
	_, err := f.service.UpdateGoalProgress(f.ctx, f.admin, first.ID, ProgressUpdate{Status: &completed})
	require.NoError(t, err)
	require.Equal(t, 50, f.stored(t, parent.ID).Progress)
}

func TestRollupPropagatesThroughChain(t *testing.T) {
	f := newFixture(t)
	company := f.goal(t, "Company", nil, nil)
	team := f.goal(t, "Team", &company.ID, nil)
	personal := f.goal(t, "Personal", &team.ID, nil)

	f.progress(t, personal.ID, 60)
	require.Equal(t, 60, f.stored(t, team.ID).Progress)
	require.Equal(t, 60, f.stored(t, company.ID).Progress)
}

func TestTopDownCascadeStillRollsUp(t *testing.T) {
	f := newFixture(t)
	f.configure(t, func(s *model.AlignmentSettings) { s.CascadeType = model.CascadeTopDown })

	parent := f.goal(t, "Parent", nil, nil)
	child := f.goal(t, "Child", &parent.ID, nil)

	saved := f.progress(t, child.ID, 80)
	require.Equal(t, 80, saved.Progress)
	require.Equal(t, 80, f.stored(t, parent.ID).Progress)
}

func TestRollupReadFailureKeepsProgressWrite(t *testing.T) {
	f := newFixture(t)
	root := f.goal(t, "Root", nil, nil)
	mid := f.goal(t, "Mid", &root.ID, nil)
	leaf := f.goal(t, "Leaf", &mid.ID, nil)

	flaky := &failingReads{Store: f.store, fail: map[uuid.UUID]error{mid.ID: errors.New("connection reset")}}
	logger := zap.NewNop()
	g := NewGraph(flaky, f.cache)
	engine := rollup.NewEngine(flaky, f.cache, g, f.recorder, logger, rollup.DefaultMaxRetries)
	service := NewService(flaky, g, f.cache, engine, f.recorder, logger)

	progress := 80
	saved, err := service.UpdateGoalProgress(f.ctx, f.admin, leaf.ID, ProgressUpdate{Progress: &progress})
	require.NoError(t, err)
	require.Equal(t, 80, saved.Progress)
	require.Equal(t, 80, f.stored(t, leaf.ID).Progress)
	require.Equal(t, 0, f.stored(t, mid.ID).Progress)
	require.Equal(t, 0, f.stored(t, root.ID).Progress)

	weight := 40
	saved, err = service.SetContributionWeight(f.ctx, f.admin, leaf.ID, &weight)
	require.NoError(t, err)
	require.Equal(t, 40, *saved.ContributionWeight)
}

func TestAutoRollupOffLeavesParent(t *testing.T) {
	f := newFixture(t)
	f.configure(t, func(s *model.AlignmentSettings) { s.AutoProgressRollup = false })

	parent := f.goal(t, "Parent", nil, nil)
	child := f.goal(t, "Child", &parent.ID, nil)

	saved := f.progress(t, child.ID, 80)
	require.Equal(t, 80, saved.Progress)
	require.Equal(t, 0, f.stored(t, parent.ID).Progress)
}

func TestSetParentGoalRecomputesOldAndNewParent(t *testing.T) {
	f := newFixture(t)
	left := f.goal(t, "Left", nil, nil)
	right := f.goal(t, "Right", nil, nil)
	x := f.goal(t, "X", &left.ID, nil)
	f.goal(t, "Y", &left.ID, nil)
	f.goal(t, "Z", &right.ID, nil)

	f.progress(t, x.ID, 100)
	require.Equal(t, 50, f.stored(t, left.ID).Progress)

	_, err := f.service.SetParentGoal(f.ctx, f.admin, x.ID, &right.ID)
	require.NoError(t, err)
	require.Equal(t, 0, f.stored(t, left.ID).Progress)
	require.Equal(t, 50, f.stored(t, right.ID).Progress)

	changes := f.recorder.OfType(events.TypeGoalAlignmentChanged)
	last := changes[len(changes)-1].Payload.(events.GoalAlignmentChanged)
	require.Equal(t, left.ID, *last.OldParentID)
	require.Equal(t, right.ID, *last.NewParentID)
}

func TestAlignmentRequired(t *testing.T) {
	f := newFixture(t)
	f.configure(t, func(s *model.AlignmentSettings) { s.AlignmentRequired = true })

	_, err := f.service.CreateGoal(f.ctx, f.employee, CreateGoalInput{Title: "Loose goal"})
	require.ErrorIs(t, err, apperr.ErrAlignmentRequiredViolation)

	company := f.goal(t, "Company", nil, nil)
	own, err := f.service.CreateGoal(f.ctx, f.employee, CreateGoalInput{Title: "Aligned", ParentGoalID: &company.ID})
	require.NoError(t, err)

	_, err = f.service.SetParentGoal(f.ctx, f.employee, own.ID, nil)
	require.ErrorIs(t, err, apperr.ErrAlignmentRequiredViolation)

	detached, err := f.service.SetParentGoal(f.ctx, f.admin, own.ID, nil)
	require.NoError(t, err)
	require.Nil(t, detached.ParentGoalID)
}

func TestAlignmentDisabled(t *testing.T) {
	f := newFixture(t)
	company := f.goal(t, "Company", nil, nil)
	loose := f.goal(t, "Loose", nil, nil)
	f.configure(t, func(s *model.AlignmentSettings) { s.Enabled = false })

	_, err := f.service.SetParentGoal(f.ctx, f.admin, loose.ID, &company.ID)
	require.ErrorIs(t, err, apperr.ErrAlignmentDisabled)

	_, err = f.service.CascadeGoal(f.ctx, f.admin, company.ID, CreateGoalInput{Title: "Child"})
	require.ErrorIs(t, err, apperr.ErrAlignmentDisabled)
}

func TestCascadeGoal(t *testing.T) {
	f := newFixture(t)
	department := &model.Department{OrganizationID: f.org, Name: "Engineering"}
	require.NoError(t, f.store.CreateDepartment(f.ctx, department))

	parent, err := f.service.CreateGoal(f.ctx, f.admin, CreateGoalInput{Title: "Company", DepartmentID: &department.ID})
	require.NoError(t, err)

	child, err := f.service.CascadeGoal(f.ctx, f.manager, parent.ID, CreateGoalInput{Title: "Team"})
	require.NoError(t, err)
	require.Equal(t, parent.ID, *child.ParentGoalID)
	require.Equal(t, department.ID, *child.DepartmentID)

	f.configure(t, func(s *model.AlignmentSettings) { s.CascadeType = model.CascadeBottomUp })
	_, err = f.service.CascadeGoal(f.ctx, f.manager, parent.ID, CreateGoalInput{Title: "Another"})
	require.ErrorIs(t, err, apperr.ErrInvalidCascade)
}

func TestScopePolicyForEmployees(t *testing.T) {
	f := newFixture(t)
	f.configure(t, func(s *model.AlignmentSettings) {
		s.RequireTeamForEmployees = true
		s.RequireDepartmentForEmployees = true
	})

	engineering := &model.Department{OrganizationID: f.org, Name: "Engineering"}
	sales := &model.Department{OrganizationID: f.org, Name: "Sales"}
	require.NoError(t, f.store.CreateDepartment(f.ctx, engineering))
	require.NoError(t, f.store.CreateDepartment(f.ctx, sales))
	platform := &model.Team{OrganizationID: f.org, DepartmentID: engineering.ID, Name: "Platform", MemberIDs: pq.StringArray{f.employee.UserID.String()}}
	outbound := &model.Team{OrganizationID: f.org, DepartmentID: sales.ID, Name: "Outbound"}
	require.NoError(t, f.store.CreateTeam(f.ctx, platform))
	require.NoError(t, f.store.CreateTeam(f.ctx, outbound))

	_, err := f.service.CreateGoal(f.ctx, f.employee, CreateGoalInput{Title: "No team"})
	require.ErrorIs(t, err, apperr.ErrNotMember)

	_, err = f.service.CreateGoal(f.ctx, f.employee, CreateGoalInput{Title: "Wrong team", TeamID: &outbound.ID})
	require.ErrorIs(t, err, apperr.ErrNotMember)

	_, err = f.service.CreateGoal(f.ctx, f.employee, CreateGoalInput{Title: "Mismatch", TeamID: &platform.ID, DepartmentID: &sales.ID})
	require.ErrorIs(t, err, apperr.ErrInvalidDepartment)

	missing := uuid.New()
	_, err = f.service.CreateGoal(f.ctx, f.employee, CreateGoalInput{Title: "Ghost", TeamID: &missing})
	require.ErrorIs(t, err, apperr.ErrNotFound)

	goal, err := f.service.CreateGoal(f.ctx, f.employee, CreateGoalInput{Title: "Scoped", TeamID: &platform.ID})
	require.NoError(t, err)
	require.Equal(t, f.employee.UserID, goal.OwnerID)

	// Managers are not bound by the membership policies.
	_, err = f.service.CreateGoal(f.ctx, f.manager, CreateGoalInput{Title: "Manager goal"})
	require.NoError(t, err)
}

func TestProgressPermissions(t *testing.T) {
	f := newFixture(t)
	goal := f.goal(t, "Admin goal", nil, nil)

	progress := 30
	_, err := f.service.UpdateGoalProgress(f.ctx, f.employee, goal.ID, ProgressUpdate{Progress: &progress})
	require.ErrorIs(t, err, apperr.ErrForbidden)

	contributor := auth.Actor{UserID: uuid.New(), OrganizationID: f.org, Role: auth.RoleContributor}
	saved, err := f.service.UpdateGoalProgress(f.ctx, contributor, goal.ID, ProgressUpdate{Progress: &progress})
	require.NoError(t, err)
	require.Equal(t, 30, saved.Progress)

	_, err = f.service.SetParentGoal(f.ctx, contributor, goal.ID, nil)
	require.ErrorIs(t, err, apperr.ErrForbidden)

	_, err = f.service.CreateGoal(f.ctx, contributor, CreateGoalInput{Title: "Nope"})
	require.ErrorIs(t, err, apperr.ErrForbidden)

	outsider := auth.Actor{UserID: uuid.New(), OrganizationID: uuid.New(), Role: auth.RoleAdmin}
	_, err = f.service.UpdateGoalProgress(f.ctx, outsider, goal.ID, ProgressUpdate{Progress: &progress})
	require.ErrorIs(t, err, apperr.ErrNotFound)

	tooMuch := 101
	_, err = f.service.UpdateGoalProgress(f.ctx, f.admin, goal.ID, ProgressUpdate{Progress: &tooMuch})
	require.ErrorIs(t, err, apperr.ErrValidation)
}

func TestContributionWeightTriggersRecompute(t *testing.T) {
	f := newFixture(t)
	parent := f.goal(t, "Parent", nil, nil)
	a := f.goal(t, "A", &parent.ID, intp(50))
	b := f.goal(t, "B", &parent.ID, intp(50))
	f.progress(t, a.ID, 100)
	require.Equal(t, 50, f.stored(t, parent.ID).Progress)

	_, err := f.service.SetContributionWeight(f.ctx, f.admin, b.ID, intp(0))
	require.NoError(t, err)
	require.Equal(t, 100, f.stored(t, parent.ID).Progress)

	_, err = f.service.SetContributionWeight(f.ctx, f.admin, b.ID, intp(150))
	require.ErrorIs(t, err, apperr.ErrValidation)
}

func TestDeleteGoal(t *testing.T) {
	f := newFixture(t)
	parent := f.goal(t, "Parent", nil, nil)
	done := f.goal(t, "Done", &parent.ID, nil)
	open := f.goal(t, "Open", &parent.ID, nil)
	f.progress(t, done.ID, 100)
	require.Equal(t, 50, f.stored(t, parent.ID).Progress)

	archived, err := f.service.DeleteGoal(f.ctx, f.admin, parent.ID)
	require.NoError(t, err)
	require.True(t, archived)
	require.NotNil(t, f.stored(t, parent.ID).ArchivedAt)

	archived, err = f.service.DeleteGoal(f.ctx, f.admin, open.ID)
	require.NoError(t, err)
	require.False(t, archived)
	_, err = f.store.GetGoal(f.ctx, open.ID)
	require.ErrorIs(t, err, store.ErrNotFound)
	require.Equal(t, 100, f.stored(t, parent.ID).Progress)
}

func TestFlattenMovesDeepGoals(t *testing.T) {
	f := newFixture(t)
	f.configure(t, func(s *model.AlignmentSettings) { s.MaxGoalLevels = 5 })
	a := f.goal(t, "A", nil, nil)
	b := f.goal(t, "B", &a.ID, nil)
	c := f.goal(t, "C", &b.ID, nil)
	d := f.goal(t, "D", &c.ID, nil)
	e := f.goal(t, "E", &d.ID, nil)

	var moved []policy.Reparent
	err := f.store.Tx(f.ctx, func(tx store.Store) error {
		deepest, err := f.graph.MaxChainLevels(f.ctx, tx, f.org)
		require.NoError(t, err)
		require.Equal(t, 5, deepest)

		moved, err = f.graph.Flatten(f.ctx, tx, f.org, 3)
		return err
	})
	require.NoError(t, err)
	require.Len(t, moved, 2)

	require.Equal(t, b.ID, *f.stored(t, d.ID).ParentGoalID)
	require.Equal(t, b.ID, *f.stored(t, e.ID).ParentGoalID)
	require.Equal(t, b.ID, *f.stored(t, c.ID).ParentGoalID)

	deepest, err := f.graph.MaxChainLevels(f.ctx, f.store, f.org)
	require.NoError(t, err)
	require.Equal(t, 3, deepest)
}
