package reconciler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/flowforge/goalalign/pkg/engine"
	"github.com/flowforge/goalalign/pkg/eventbus"
	"github.com/flowforge/goalalign/pkg/events"
	"github.com/flowforge/goalalign/pkg/model"
	"github.com/flowforge/goalalign/pkg/store/memory"
)

type recordingReconciler struct {
	mu    sync.Mutex
	orgs  []uuid.UUID
	fail  map[uuid.UUID]bool
	fixed int
}

func (r *recordingReconciler) Reconcile(_ context.Context, orgID uuid.UUID) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.orgs = append(r.orgs, orgID)
	if r.fail[orgID] {
		return 0, errors.New("boom")
	}
	return r.fixed, nil
}

type recordingInvalidator struct {
	orgs []uuid.UUID
}

func (r *recordingInvalidator) Invalidate(_ context.Context, orgID uuid.UUID) {
	r.orgs = append(r.orgs, orgID)
}

func seedGoal(t *testing.T, s *memory.Store, orgID uuid.UUID, parent *uuid.UUID, progress int) *model.Goal {
	t.Helper()
	goal := &model.Goal{
		OrganizationID: orgID,
		Title:          "goal",
		Status:         model.GoalOnTrack,
		Progress:       progress,
		ParentGoalID:   parent,
	}
	require.NoError(t, s.CreateGoal(context.Background(), goal))
	return goal
}

func TestSweepCorrectsDriftedOrganizations(t *testing.T) {
	ctx := context.Background()
	s := memory.NewStore()
	eng := engine.New(engine.Options{Store: s, Logger: zap.NewNop()})

	first, second := uuid.New(), uuid.New()
	root := seedGoal(t, s, first, nil, 0)
	seedGoal(t, s, first, &root.ID, 80)
	other := seedGoal(t, s, second, nil, 10)
	seedGoal(t, s, second, &other.ID, 10)

	worker := NewWorker(s, eng.Rollup, eng.Settings, zap.NewNop(), time.Minute)
	corrected, err := worker.Sweep(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, corrected)

	stored, err := s.GetGoal(ctx, root.ID)
	require.NoError(t, err)
	require.Equal(t, 80, stored.Progress)

	corrected, err = worker.Sweep(ctx)
	require.NoError(t, err)
	require.Zero(t, corrected)
}

func TestSweepContinuesPastFailures(t *testing.T) {
	s := memory.NewStore()
	bad, good := uuid.New(), uuid.New()
	seedGoal(t, s, bad, nil, 0)
	seedGoal(t, s, good, nil, 0)

	reconciler := &recordingReconciler{fail: map[uuid.UUID]bool{bad: true}, fixed: 2}
	worker := NewWorker(s, reconciler, nil, zap.NewNop(), time.Minute)

	corrected, err := worker.Sweep(context.Background())
	require.EqualError(t, err, "boom")
	require.Equal(t, 2, corrected)
	require.ElementsMatch(t, []uuid.UUID{bad, good}, reconciler.orgs)
}

func TestSweepReportsFailureAmongMany(t *testing.T) {
	s := memory.NewStore()
	orgs := make([]uuid.UUID, 9)
	for i := range orgs {
		orgs[i] = uuid.New()
		seedGoal(t, s, orgs[i], nil, 0)
	}

	reconciler := &recordingReconciler{fail: map[uuid.UUID]bool{orgs[4]: true}, fixed: 1}
	worker := NewWorker(s, reconciler, nil, zap.NewNop(), time.Minute)

	corrected, err := worker.Sweep(context.Background())
	require.EqualError(t, err, "boom")
	require.Equal(t, 8, corrected)
	require.ElementsMatch(t, orgs, reconciler.orgs)
}

func TestHandleMessage(t *testing.T) {
	orgID := uuid.New()
	reconciler := &recordingReconciler{}
	invalidator := &recordingInvalidator{}
	worker := NewWorker(memory.NewStore(), reconciler, invalidator, zap.NewNop(), time.Minute)
	ctx := context.Background()

	require.NoError(t, worker.HandleMessage(ctx, eventbus.OutboxMessage{
		EventType:      events.TypeGoalProgressChanged,
		OrganizationID: orgID.String(),
	}))
	require.Empty(t, reconciler.orgs)

	require.NoError(t, worker.HandleMessage(ctx, eventbus.OutboxMessage{
		EventType:      events.TypeGoalAlignmentChanged,
		OrganizationID: orgID.String(),
	}))
	require.Equal(t, []uuid.UUID{orgID}, reconciler.orgs)
	require.Empty(t, invalidator.orgs)

	require.NoError(t, worker.HandleMessage(ctx, eventbus.OutboxMessage{
		EventType:      events.TypeSettingsUpdated,
		OrganizationID: orgID.String(),
	}))
	require.Equal(t, []uuid.UUID{orgID}, invalidator.orgs)
	require.Len(t, reconciler.orgs, 2)

	require.NoError(t, worker.HandleMessage(ctx, eventbus.OutboxMessage{
		EventType:      events.TypeSettingsUpdated,
		OrganizationID: "not-a-uuid",
	}))
	require.Len(t, reconciler.orgs, 2)
}

func TestHandleMessageSurfacesReconcileErrors(t *testing.T) {
	orgID := uuid.New()
	reconciler := &recordingReconciler{fail: map[uuid.UUID]bool{orgID: true}}
	worker := NewWorker(memory.NewStore(), reconciler, nil, zap.NewNop(), time.Minute)

	err := worker.HandleMessage(context.Background(), eventbus.OutboxMessage{
		EventType:      events.TypeGoalAlignmentChanged,
		OrganizationID: orgID.String(),
	})
	require.Error(t, err)
}
