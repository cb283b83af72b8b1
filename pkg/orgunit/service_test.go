package orgunit

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/flowforge/goalalign/pkg/apperr"
	"github.com/flowforge/goalalign/pkg/auth"
	"github.com/flowforge/goalalign/pkg/events"
	"github.com/flowforge/goalalign/pkg/model"
	"github.com/flowforge/goalalign/pkg/store/memory"
)

type fixture struct {
	ctx      context.Context
	store    *memory.Store
	recorder *events.Recorder
	service  *Service
	admin    auth.Actor
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	s := memory.NewStore()
	recorder := &events.Recorder{}
	return &fixture{
		ctx:      context.Background(),
		store:    s,
		recorder: recorder,
		service:  NewService(s, recorder, zap.NewNop()),
		admin:    auth.Actor{UserID: uuid.New(), OrganizationID: uuid.New(), Role: auth.RoleAdmin},
	}
}

func (f *fixture) department(t *testing.T, name, code string, parent *uuid.UUID) *model.Department {
	t.Helper()
	department, err := f.service.CreateDepartment(f.ctx, f.admin, CreateDepartmentInput{
		Name:               name,
		Code:               code,
		ParentDepartmentID: parent,
	})
	require.NoError(t, err)
	return department
}

func TestCreateDepartmentNormalizesCodeAndLevel(t *testing.T) {
	f := newFixture(t)

	engineering := f.department(t, "Engineering", "  eng ", nil)
	require.Equal(t, "ENG", *engineering.Code)
	require.Equal(t, 0, engineering.Level)

	platform := f.department(t, "Platform", "plat", &engineering.ID)
	require.Equal(t, 1, platform.Level)
}

func TestCreateDepartmentRejectsDuplicateCode(t *testing.T) {
	f := newFixture(t)
	f.department(t, "Engineering", "ENG", nil)

	_, err := f.service.CreateDepartment(f.ctx, f.admin, CreateDepartmentInput{Name: "Engines", Code: "eng"})
	require.True(t, errors.Is(err, apperr.ErrDuplicateCode))

	other := auth.Actor{UserID: uuid.New(), OrganizationID: uuid.New(), Role: auth.RoleAdmin}
	_, err = f.service.CreateDepartment(f.ctx, other, CreateDepartmentInput{Name: "Engineering", Code: "ENG"})
	require.NoError(t, err)
}

func TestCreateDepartmentValidation(t *testing.T) {
	f := newFixture(t)

	_, err := f.service.CreateDepartment(f.ctx, f.admin, CreateDepartmentInput{Name: "Research", Code: "RESEARCHLAB1"})
	require.Equal(t, apperr.KindValidation, apperr.KindOf(err))

	_, err = f.service.CreateDepartment(f.ctx, f.admin, CreateDepartmentInput{Name: "   "})
	require.Equal(t, apperr.KindValidation, apperr.KindOf(err))

	employee := auth.Actor{UserID: uuid.New(), OrganizationID: f.admin.OrganizationID, Role: auth.RoleEmployee}
	_, err = f.service.CreateDepartment(f.ctx, employee, CreateDepartmentInput{Name: "Research"})
	require.Equal(t, apperr.KindForbidden, apperr.KindOf(err))
}

func TestCreateDepartmentInvalidParent(t *testing.T) {
	f := newFixture(t)

	missing := uuid.New()
	_, err := f.service.CreateDepartment(f.ctx, f.admin, CreateDepartmentInput{Name: "Orphan", ParentDepartmentID: &missing})
	require.Equal(t, apperr.KindInvalidParent, apperr.KindOf(err))

	archived := f.department(t, "Legacy", "", nil)
	_, err = f.service.ArchiveDepartment(f.ctx, f.admin, archived.ID)
	require.NoError(t, err)
	_, err = f.service.CreateDepartment(f.ctx, f.admin, CreateDepartmentInput{Name: "Child", ParentDepartmentID: &archived.ID})
	require.Equal(t, apperr.KindInvalidParent, apperr.KindOf(err))

	foreign := auth.Actor{UserID: uuid.New(), OrganizationID: uuid.New(), Role: auth.RoleAdmin}
	root := f.department(t, "Root", "", nil)
	_, err = f.service.CreateDepartment(f.ctx, foreign, CreateDepartmentInput{Name: "Sneaky", ParentDepartmentID: &root.ID})
	require.Equal(t, apperr.KindInvalidParent, apperr.KindOf(err))
}

func TestMoveDepartmentRecomputesSubtreeLevels(t *testing.T) {
	f := newFixture(t)
	a := f.department(t, "A", "", nil)
	b := f.department(t, "B", "", &a.ID)
	c := f.department(t, "C", "", &b.ID)
	other := f.department(t, "Other", "", nil)

	moved, err := f.service.MoveDepartment(f.ctx, f.admin, b.ID, &other.ID)
	require.NoError(t, err)
	require.Equal(t, 1, moved.Level)

	root, err := f.service.MoveDepartment(f.ctx, f.admin, other.ID, &a.ID)
	require.NoError(t, err)
	require.Equal(t, 1, root.Level)

	stored, err := f.store.GetDepartment(f.ctx, c.ID)
	require.NoError(t, err)
	require.Equal(t, 3, stored.Level)

	require.Len(t, f.recorder.OfType(events.TypeDepartmentMoved), 2)
}

func TestMoveDepartmentRejectsCycles(t *testing.T) {
	f := newFixture(t)
	a := f.department(t, "A", "", nil)
	b := f.department(t, "B", "", &a.ID)
	c := f.department(t, "C", "", &b.ID)

	_, err := f.service.MoveDepartment(f.ctx, f.admin, a.ID, &c.ID)
	require.True(t, errors.Is(err, apperr.ErrCycleDetected))

	_, err = f.service.MoveDepartment(f.ctx, f.admin, a.ID, &a.ID)
	require.True(t, errors.Is(err, apperr.ErrCycleDetected))

	stored, err := f.store.GetDepartment(f.ctx, a.ID)
	require.NoError(t, err)
	require.Nil(t, stored.ParentDepartmentID)
}

func TestDeleteDepartmentWithDependents(t *testing.T) {
	f := newFixture(t)
	engineering := f.department(t, "Engineering", "ENG", nil)
	platform := f.department(t, "Platform", "PLAT", &engineering.ID)
	team, err := f.service.CreateTeam(f.ctx, f.admin, CreateTeamInput{DepartmentID: platform.ID, Name: "Core"})
	require.NoError(t, err)

	goal := &model.Goal{OrganizationID: f.admin.OrganizationID, Title: "Scoped", OwnerID: uuid.New(), DepartmentID: &platform.ID, TeamID: &team.ID}
	require.NoError(t, f.store.CreateGoal(f.ctx, goal))

	err = f.service.DeleteDepartment(f.ctx, f.admin, engineering.ID, false)
	require.True(t, errors.Is(err, apperr.ErrHasDependents))

	require.NoError(t, f.service.DeleteDepartment(f.ctx, f.admin, engineering.ID, true))

	departments, err := f.service.ListDepartments(f.ctx, f.admin)
	require.NoError(t, err)
	require.Empty(t, departments)

	teams, err := f.service.ListTeams(f.ctx, f.admin, nil)
	require.NoError(t, err)
	require.Empty(t, teams)

	stored, err := f.store.GetGoal(f.ctx, goal.ID)
	require.NoError(t, err)
	require.Nil(t, stored.DepartmentID)
	require.Nil(t, stored.TeamID)

	deleted := f.recorder.OfType(events.TypeDepartmentDeleted)
	require.Len(t, deleted, 1)
	payload := deleted[0].Payload.(events.DepartmentDeleted)
	require.ElementsMatch(t, []uuid.UUID{engineering.ID, platform.ID}, payload.DepartmentIDs)
	require.Equal(t, []uuid.UUID{team.ID}, payload.TeamIDs)
}

func TestDeleteLeafDepartment(t *testing.T) {
	f := newFixture(t)
	leaf := f.department(t, "Leaf", "", nil)

	require.NoError(t, f.service.DeleteDepartment(f.ctx, f.admin, leaf.ID, false))
	err := f.service.DeleteDepartment(f.ctx, f.admin, leaf.ID, false)
	require.True(t, errors.Is(err, apperr.ErrNotFound))
}

func TestCreateTeamRequiresLiveDepartment(t *testing.T) {
	f := newFixture(t)

	_, err := f.service.CreateTeam(f.ctx, f.admin, CreateTeamInput{DepartmentID: uuid.New(), Name: "Ghost"})
	require.True(t, errors.Is(err, apperr.ErrInvalidDepartment))

	archived := f.department(t, "Legacy", "", nil)
	_, err = f.service.ArchiveDepartment(f.ctx, f.admin, archived.ID)
	require.NoError(t, err)
	_, err = f.service.CreateTeam(f.ctx, f.admin, CreateTeamInput{DepartmentID: archived.ID, Name: "Late"})
	require.True(t, errors.Is(err, apperr.ErrInvalidDepartment))
}

func TestTeamMembershipIsASet(t *testing.T) {
	f := newFixture(t)
	department := f.department(t, "Engineering", "", nil)
	lead, member := uuid.New(), uuid.New()

	team, err := f.service.CreateTeam(f.ctx, f.admin, CreateTeamInput{
		DepartmentID: department.ID,
		Name:         "Platform",
		LeadID:       &lead,
		MemberIDs:    []uuid.UUID{member, member, lead},
	})
	require.NoError(t, err)
	require.Equal(t, 2, team.MemberCount())

	team, err = f.service.AddTeamMember(f.ctx, f.admin, team.ID, member)
	require.NoError(t, err)
	require.Equal(t, 2, team.MemberCount())

	team, err = f.service.RemoveTeamMember(f.ctx, f.admin, team.ID, lead)
	require.NoError(t, err)
	require.Equal(t, 1, team.MemberCount())
	require.Nil(t, team.LeadID)

	team, err = f.service.ArchiveTeam(f.ctx, f.admin, team.ID)
	require.NoError(t, err)
	require.Equal(t, model.TeamArchived, team.Status)
}

func TestListDepartmentsDerivesEmployeeCount(t *testing.T) {
	f := newFixture(t)
	head := uuid.New()
	shared := uuid.New()
	department, err := f.service.CreateDepartment(f.ctx, f.admin, CreateDepartmentInput{Name: "Engineering", HeadID: &head})
	require.NoError(t, err)

	_, err = f.service.CreateTeam(f.ctx, f.admin, CreateTeamInput{DepartmentID: department.ID, Name: "A", MemberIDs: []uuid.UUID{shared, uuid.New()}})
	require.NoError(t, err)
	_, err = f.service.CreateTeam(f.ctx, f.admin, CreateTeamInput{DepartmentID: department.ID, Name: "B", MemberIDs: []uuid.UUID{shared}})
	require.NoError(t, err)

	departments, err := f.service.ListDepartments(f.ctx, f.admin)
	require.NoError(t, err)
	require.Len(t, departments, 1)
	require.Equal(t, 3, departments[0].EmployeeCount)
}

func TestDepartmentTreeAndMembership(t *testing.T) {
	f := newFixture(t)
	engineering := f.department(t, "Engineering", "", nil)
	platform := f.department(t, "Platform", "", &engineering.ID)
	f.department(t, "Sales", "", nil)
	member := uuid.New()

	team, err := f.service.CreateTeam(f.ctx, f.admin, CreateTeamInput{DepartmentID: platform.ID, Name: "Core", MemberIDs: []uuid.UUID{member}})
	require.NoError(t, err)

	tree, err := f.service.GetDepartmentTree(f.ctx, f.admin)
	require.NoError(t, err)
	require.Len(t, tree, 2)
	for _, root := range tree {
		if root.Department.ID == engineering.ID {
			require.Len(t, root.Children, 1)
			require.Equal(t, platform.ID, root.Children[0].Department.ID)
		}
	}

	ok, err := f.service.IsTeamMember(f.ctx, team.ID, member)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = f.service.IsDepartmentMember(f.ctx, engineering.ID, member)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = f.service.IsDepartmentMember(f.ctx, engineering.ID, uuid.New())
	require.NoError(t, err)
	require.False(t, ok)
}
