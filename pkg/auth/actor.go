package auth

import (
	"context"

	"github.com/google/uuid"

	"github.com/flowforge/goalalign/pkg/apperr"
	"github.com/flowforge/goalalign/pkg/model"
)

type Role string

const (
	RoleAdmin    Role = "admin"
	RoleManager  Role = "manager"
	RoleEmployee Role = "employee"
	// RoleContributor may only report progress and status on goals.
	RoleContributor Role = "contributor"
)

func (r Role) Valid() bool {
	switch r {
	case RoleAdmin, RoleManager, RoleEmployee, RoleContributor:
		return true
	default:
		return false
	}
}

// Actor is the caller identity handed to every engine operation. The engine
// authorizes against it but never authenticates.
type Actor struct {
	UserID         uuid.UUID
	OrganizationID uuid.UUID
	Role           Role
}

func (a Actor) IsAdmin() bool {
	return a.Role == RoleAdmin
}

func (a Actor) IsManager() bool {
	return a.Role == RoleManager || a.Role == RoleAdmin
}

// RequireOrg rejects access to another organization's records as NotFound so
// ids do not leak across tenants.
func (a Actor) RequireOrg(orgID uuid.UUID, what string) error {
	if a.OrganizationID != orgID {
		return apperr.New(apperr.KindNotFound, "%s not found", what)
	}
	return nil
}

func (a Actor) RequireAdmin(action string) error {
	if !a.IsAdmin() {
		return apperr.New(apperr.KindForbidden, "%s requires the admin role", action)
	}
	return nil
}

func (a Actor) RequireManager(action string) error {
	if !a.IsManager() {
		return apperr.New(apperr.KindForbidden, "%s requires the manager role", action)
	}
	return nil
}

// CanEditGoal covers every field of a goal, including its alignment edge.
func (a Actor) CanEditGoal(goal *model.Goal) bool {
	if a.OrganizationID != goal.OrganizationID {
		return false
	}
	if a.IsManager() {
		return true
	}
	return a.Role == RoleEmployee && goal.OwnerID == a.UserID
}

// CanUpdateProgress covers progress and status only.
func (a Actor) CanUpdateProgress(goal *model.Goal) bool {
	if a.CanEditGoal(goal) {
		return true
	}
	return a.OrganizationID == goal.OrganizationID && a.Role == RoleContributor
}

type actorKey struct{}

func WithActor(ctx context.Context, actor Actor) context.Context {
	return context.WithValue(ctx, actorKey{}, actor)
}

func ActorFromContext(ctx context.Context) (Actor, bool) {
	actor, ok := ctx.Value(actorKey{}).(Actor)
	return actor, ok
}
