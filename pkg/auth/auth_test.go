package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/flowforge/goalalign/pkg/apperr"
	"github.com/flowforge/goalalign/pkg/model"
)

func TestTokenRoundTrip(t *testing.T) {
	manager := NewTokenManager([]byte("secret"), time.Hour, "goalalign")
	actor := Actor{UserID: uuid.New(), OrganizationID: uuid.New(), Role: RoleManager}

	token, err := manager.Generate(actor)
	require.NoError(t, err)

	got, err := manager.Validate(token)
	require.NoError(t, err)
	require.Equal(t, actor, got)
}

func TestValidateRejectsForeignKey(t *testing.T) {
	issuer := NewTokenManager([]byte("one"), time.Hour, "goalalign")
	verifier := NewTokenManager([]byte("two"), time.Hour, "goalalign")

	token, err := issuer.Generate(Actor{UserID: uuid.New(), OrganizationID: uuid.New(), Role: RoleAdmin})
	require.NoError(t, err)

	_, err = verifier.Validate(token)
	require.Error(t, err)
}

func TestValidateRejectsExpired(t *testing.T) {
	manager := NewTokenManager([]byte("secret"), time.Nanosecond, "goalalign")
	token, err := manager.Generate(Actor{UserID: uuid.New(), OrganizationID: uuid.New(), Role: RoleAdmin})
	require.NoError(t, err)

	time.Sleep(1100 * time.Millisecond)
	_, err = manager.Validate(token)
	require.Error(t, err)
}

func TestClaimsRejectUnknownRole(t *testing.T) {
	claims := IdentityClaims{UserID: uuid.NewString(), OrganizationID: uuid.NewString(), Role: "owner"}
	_, err := claims.Actor()
	require.ErrorIs(t, err, ErrInvalidToken)
}

func TestGoalPermissions(t *testing.T) {
	orgID, ownerID := uuid.New(), uuid.New()
	goal := &model.Goal{OrganizationID: orgID, OwnerID: ownerID}

	owner := Actor{UserID: ownerID, OrganizationID: orgID, Role: RoleEmployee}
	peer := Actor{UserID: uuid.New(), OrganizationID: orgID, Role: RoleEmployee}
	manager := Actor{UserID: uuid.New(), OrganizationID: orgID, Role: RoleManager}
	contributor := Actor{UserID: uuid.New(), OrganizationID: orgID, Role: RoleContributor}
	outsider := Actor{UserID: uuid.New(), OrganizationID: uuid.New(), Role: RoleAdmin}

	require.True(t, owner.CanEditGoal(goal))
	require.True(t, manager.CanEditGoal(goal))
	require.False(t, peer.CanEditGoal(goal))
	require.False(t, contributor.CanEditGoal(goal))
	require.True(t, contributor.CanUpdateProgress(goal))
	require.False(t, peer.CanUpdateProgress(goal))
	require.False(t, outsider.CanUpdateProgress(goal))
}

func TestRequireHelpers(t *testing.T) {
	orgID := uuid.New()
	employee := Actor{UserID: uuid.New(), OrganizationID: orgID, Role: RoleEmployee}

	require.True(t, errors.Is(employee.RequireAdmin("update settings"), apperr.ErrForbidden))
	require.True(t, errors.Is(employee.RequireManager("add relationship"), apperr.ErrForbidden))
	require.True(t, errors.Is(employee.RequireOrg(uuid.New(), "goal"), apperr.ErrNotFound))
	require.NoError(t, employee.RequireOrg(orgID, "goal"))
}

func TestActorContext(t *testing.T) {
	actor := Actor{UserID: uuid.New(), OrganizationID: uuid.New(), Role: RoleAdmin}
	ctx := WithActor(context.Background(), actor)

	got, ok := ActorFromContext(ctx)
	require.True(t, ok)
	require.Equal(t, actor, got)

	_, ok = ActorFromContext(context.Background())
	require.False(t, ok)
}
