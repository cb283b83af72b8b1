package events

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/flowforge/goalalign/pkg/model"
	"github.com/flowforge/goalalign/pkg/store/memory"
)

func TestOutboxRecordEncodesPayload(t *testing.T) {
	orgID, goalID := uuid.New(), uuid.New()
	event := New(TypeGoalProgressChanged, orgID, goalID, GoalProgressChanged{GoalID: goalID, OldProgress: 10, NewProgress: 55})

	record, err := event.OutboxRecord()
	require.NoError(t, err)
	require.Equal(t, TypeGoalProgressChanged, record.EventType)
	require.Equal(t, orgID, record.OrganizationID)
	require.Equal(t, goalID, record.AggregateID)
	require.Equal(t, model.OutboxStatusPending, record.Status)
	require.Equal(t, goalID.String(), record.Payload["goal_id"])
	require.EqualValues(t, 55, record.Payload["new_progress"])
}

func TestBatchPersistAndDispatch(t *testing.T) {
	ctx := context.Background()
	s := memory.NewStore()
	recorder := &Recorder{}
	orgID := uuid.New()

	var batch Batch
	batch.Add(
		New(TypeDepartmentMoved, orgID, uuid.New(), DepartmentMoved{Level: 2}),
		New(TypeSettingsUpdated, orgID, orgID, SettingsUpdated{Version: 3}),
	)
	require.NoError(t, batch.Persist(ctx, s))
	batch.Dispatch(ctx, recorder, zap.NewNop())

	require.Len(t, s.Events(), 2)
	require.Len(t, recorder.Events(), 2)
	require.Len(t, recorder.OfType(TypeSettingsUpdated), 1)
}

func TestEmptyBatchWritesNothing(t *testing.T) {
	s := memory.NewStore()
	var batch Batch
	require.NoError(t, batch.Persist(context.Background(), s))
	require.Empty(t, s.Events())
}
