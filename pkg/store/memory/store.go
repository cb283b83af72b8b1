// Package memory is an in-process store.Store used by tests and single-node
// development runs. Transactions are serialized and roll back by restoring a
// snapshot taken when they began.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/flowforge/goalalign/pkg/model"
	"github.com/flowforge/goalalign/pkg/store"
)

type data struct {
	departments   map[uuid.UUID]model.Department
	teams         map[uuid.UUID]model.Team
	relationships map[uuid.UUID]model.ReportingRelationship
	goals         map[uuid.UUID]model.Goal
	settings      map[uuid.UUID]model.AlignmentSettings
	events        []model.OutboxEvent
}

func newData() *data {
	return &data{
		departments:   make(map[uuid.UUID]model.Department),
		teams:         make(map[uuid.UUID]model.Team),
		relationships: make(map[uuid.UUID]model.ReportingRelationship),
		goals:         make(map[uuid.UUID]model.Goal),
		settings:      make(map[uuid.UUID]model.AlignmentSettings),
	}
}

func (d *data) clone() *data {
	out := newData()
	for k, v := range d.departments {
		out.departments[k] = v
	}
	for k, v := range d.teams {
		v.MemberIDs = append(v.MemberIDs[:0:0], v.MemberIDs...)
		out.teams[k] = v
	}
	for k, v := range d.relationships {
		out.relationships[k] = v
	}
	for k, v := range d.goals {
		out.goals[k] = v
	}
	for k, v := range d.settings {
		out.settings[k] = v
	}
	out.events = append(out.events, d.events...)
	return out
}

type Store struct {
	txMu sync.Mutex
	mu   sync.RWMutex
	data *data
	now  func() time.Time
}

func NewStore() *Store {
	return &Store{data: newData(), now: time.Now}
}

var _ store.Store = (*Store)(nil)

// Tx serializes fn against other transactions. Nested calls through the
// transactional view run inline.
func (s *Store) Tx(ctx context.Context, fn func(tx store.Store) error) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()

	s.mu.RLock()
	snapshot := s.data.clone()
	s.mu.RUnlock()

	if err := fn(&txView{Store: s}); err != nil {
		s.mu.Lock()
		s.data = snapshot
		s.mu.Unlock()
		return err
	}
	return nil
}

type txView struct {
	*Store
}

func (t *txView) Tx(ctx context.Context, fn func(tx store.Store) error) error {
	return fn(t)
}

func (s *Store) GetDepartment(ctx context.Context, id uuid.UUID) (*model.Department, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	department, ok := s.data.departments[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &department, nil
}

func (s *Store) ListDepartments(ctx context.Context, orgID uuid.UUID) ([]model.Department, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.Department
	for _, department := range s.data.departments {
		if department.OrganizationID == orgID {
			out = append(out, department)
		}
	}
	sortDepartments(out)
	return out, nil
}

func (s *Store) ChildDepartments(ctx context.Context, parentID uuid.UUID) ([]model.Department, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.Department
	for _, department := range s.data.departments {
		if department.ParentDepartmentID != nil && *department.ParentDepartmentID == parentID {
			out = append(out, department)
		}
	}
	sortDepartments(out)
	return out, nil
}

func (s *Store) DepartmentCodeExists(ctx context.Context, orgID uuid.UUID, code string, excludeID uuid.UUID) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for id, department := range s.data.departments {
		if id == excludeID || department.OrganizationID != orgID || department.Code == nil {
			continue
		}
		if strings.EqualFold(*department.Code, code) {
			return true, nil
		}
	}
	return false, nil
}

func (s *Store) CreateDepartment(ctx context.Context, department *model.Department) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if department.ID == uuid.Nil {
		department.ID = uuid.New()
	}
	now := s.now()
	department.CreatedAt = now
	department.UpdatedAt = now
	s.data.departments[department.ID] = *department
	return nil
}

func (s *Store) UpdateDepartment(ctx context.Context, department *model.Department) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.data.departments[department.ID]; !ok {
		return store.ErrNotFound
	}
	department.UpdatedAt = s.now()
	s.data.departments[department.ID] = *department
	return nil
}

func (s *Store) DeleteDepartment(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.data.departments[id]; !ok {
		return store.ErrNotFound
	}
	delete(s.data.departments, id)
	return nil
}

func (s *Store) GetTeam(ctx context.Context, id uuid.UUID) (*model.Team, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	team, ok := s.data.teams[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	team.MemberIDs = append(team.MemberIDs[:0:0], team.MemberIDs...)
	return &team, nil
}

func (s *Store) ListTeams(ctx context.Context, orgID uuid.UUID, departmentID *uuid.UUID) ([]model.Team, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.Team
	for _, team := range s.data.teams {
		if team.OrganizationID != orgID {
			continue
		}
		if departmentID != nil && team.DepartmentID != *departmentID {
			continue
		}
		team.MemberIDs = append(team.MemberIDs[:0:0], team.MemberIDs...)
		out = append(out, team)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].ID.String() < out[j].ID.String()
	})
	return out, nil
}

func (s *Store) CreateTeam(ctx context.Context, team *model.Team) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if team.ID == uuid.Nil {
		team.ID = uuid.New()
	}
	now := s.now()
	team.CreatedAt = now
	team.UpdatedAt = now
	stored := *team
	stored.MemberIDs = append(team.MemberIDs[:0:0], team.MemberIDs...)
	s.data.teams[team.ID] = stored
	return nil
}

func (s *Store) UpdateTeam(ctx context.Context, team *model.Team) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.data.teams[team.ID]; !ok {
		return store.ErrNotFound
	}
	team.UpdatedAt = s.now()
	stored := *team
	stored.MemberIDs = append(team.MemberIDs[:0:0], team.MemberIDs...)
	s.data.teams[team.ID] = stored
	return nil
}

func (s *Store) DeleteTeam(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.data.teams[id]; !ok {
		return store.ErrNotFound
	}
	delete(s.data.teams, id)
	return nil
}

func (s *Store) GetRelationship(ctx context.Context, id uuid.UUID) (*model.ReportingRelationship, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rel, ok := s.data.relationships[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &rel, nil
}

func (s *Store) ListRelationships(ctx context.Context, orgID uuid.UUID) ([]model.ReportingRelationship, error) {
	return s.filterRelationships(func(rel model.ReportingRelationship) bool {
		return rel.OrganizationID == orgID
	}), nil
}

func (s *Store) RelationshipsByReporter(ctx context.Context, reporterID uuid.UUID) ([]model.ReportingRelationship, error) {
	return s.filterRelationships(func(rel model.ReportingRelationship) bool {
		return rel.ReporterID == reporterID
	}), nil
}

// LockReportingLines is a no-op; Tx already runs one transaction at a time.
func (s *Store) LockReportingLines(context.Context, uuid.UUID) error {
	return nil
}

func (s *Store) PrimaryReports(ctx context.Context, managerID uuid.UUID) ([]model.ReportingRelationship, error) {
	return s.filterRelationships(func(rel model.ReportingRelationship) bool {
		return rel.IsPrimary && rel.ManagerID == managerID
	}), nil
}

func (s *Store) filterRelationships(keep func(model.ReportingRelationship) bool) []model.ReportingRelationship {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.ReportingRelationship
	for _, rel := range s.data.relationships {
		if keep(rel) {
			out = append(out, rel)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID.String() < out[j].ID.String()
	})
	return out
}

func (s *Store) CreateRelationship(ctx context.Context, rel *model.ReportingRelationship) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rel.ID == uuid.Nil {
		rel.ID = uuid.New()
	}
	now := s.now()
	rel.CreatedAt = now
	rel.UpdatedAt = now
	s.data.relationships[rel.ID] = *rel
	return nil
}

func (s *Store) UpdateRelationship(ctx context.Context, rel *model.ReportingRelationship) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.data.relationships[rel.ID]; !ok {
		return store.ErrNotFound
	}
	rel.UpdatedAt = s.now()
	s.data.relationships[rel.ID] = *rel
	return nil
}

func (s *Store) DeleteRelationship(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.data.relationships[id]; !ok {
		return store.ErrNotFound
	}
	delete(s.data.relationships, id)
	return nil
}

func (s *Store) GetGoal(ctx context.Context, id uuid.UUID) (*model.Goal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	goal, ok := s.data.goals[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &goal, nil
}

func (s *Store) ListGoals(ctx context.Context, orgID uuid.UUID) ([]model.Goal, error) {
	return s.filterGoals(func(goal model.Goal) bool {
		return goal.OrganizationID == orgID
	}), nil
}

func (s *Store) GoalOrganizations(ctx context.Context) ([]uuid.UUID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seen := make(map[uuid.UUID]struct{})
	var out []uuid.UUID
	for _, goal := range s.data.goals {
		if _, ok := seen[goal.OrganizationID]; ok {
			continue
		}
		seen[goal.OrganizationID] = struct{}{}
		out = append(out, goal.OrganizationID)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out, nil
}

func (s *Store) ChildGoals(ctx context.Context, parentID uuid.UUID) ([]model.Goal, error) {
	return s.filterGoals(func(goal model.Goal) bool {
		return goal.ParentGoalID != nil && *goal.ParentGoalID == parentID
	}), nil
}

func (s *Store) filterGoals(keep func(model.Goal) bool) []model.Goal {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.Goal
	for _, goal := range s.data.goals {
		if keep(goal) {
			out = append(out, goal)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID.String() < out[j].ID.String()
	})
	return out
}

func (s *Store) CreateGoal(ctx context.Context, goal *model.Goal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if goal.ID == uuid.Nil {
		goal.ID = uuid.New()
	}
	now := s.now()
	goal.Version = 1
	goal.CreatedAt = now
	goal.UpdatedAt = now
	s.data.goals[goal.ID] = *goal
	return nil
}

func (s *Store) UpdateGoal(ctx context.Context, goal *model.Goal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.data.goals[goal.ID]
	if !ok {
		return store.ErrNotFound
	}
	if current.Version != goal.Version {
		return store.ErrVersionConflict
	}
	goal.Version++
	goal.UpdatedAt = s.now()
	goal.CreatedAt = current.CreatedAt
	s.data.goals[goal.ID] = *goal
	return nil
}

func (s *Store) DeleteGoal(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.data.goals[id]; !ok {
		return store.ErrNotFound
	}
	delete(s.data.goals, id)
	return nil
}

func (s *Store) ClearGoalScope(ctx context.Context, departmentIDs, teamIDs []uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	departments := toSet(departmentIDs)
	teams := toSet(teamIDs)
	for id, goal := range s.data.goals {
		changed := false
		if goal.DepartmentID != nil {
			if _, ok := departments[*goal.DepartmentID]; ok {
				goal.DepartmentID = nil
				changed = true
			}
		}
		if goal.TeamID != nil {
			if _, ok := teams[*goal.TeamID]; ok {
				goal.TeamID = nil
				changed = true
			}
		}
		if changed {
			goal.Version++
			goal.UpdatedAt = s.now()
			s.data.goals[id] = goal
		}
	}
	return nil
}

func (s *Store) GetSettings(ctx context.Context, orgID uuid.UUID) (*model.AlignmentSettings, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	settings, ok := s.data.settings[orgID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &settings, nil
}

func (s *Store) SaveSettings(ctx context.Context, settings *model.AlignmentSettings) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, exists := s.data.settings[settings.OrganizationID]
	switch {
	case !exists && settings.Version != 0:
		return store.ErrVersionConflict
	case exists && current.Version != settings.Version:
		return store.ErrVersionConflict
	}
	now := s.now()
	if exists {
		settings.CreatedAt = current.CreatedAt
	} else {
		settings.CreatedAt = now
	}
	settings.UpdatedAt = now
	settings.Version++
	s.data.settings[settings.OrganizationID] = *settings
	return nil
}

func (s *Store) AppendEvents(ctx context.Context, events []model.OutboxEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	for _, event := range events {
		if event.EventID == uuid.Nil {
			event.EventID = uuid.New()
		}
		if event.Status == "" {
			event.Status = model.OutboxStatusPending
		}
		event.CreatedAt = now
		s.data.events = append(s.data.events, event)
	}
	return nil
}

// Events returns every outbox row appended so far, oldest first.
func (s *Store) Events() []model.OutboxEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]model.OutboxEvent(nil), s.data.events...)
}

// ListPending, MarkPublished and MarkFailed let the outbox relay drain this
// store the same way it drains Postgres.
func (s *Store) ListPending(ctx context.Context, limit int) ([]model.OutboxEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.OutboxEvent
	for _, event := range s.data.events {
		if event.Status != model.OutboxStatusPending {
			continue
		}
		out = append(out, event)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *Store) MarkPublished(ctx context.Context, eventID uuid.UUID, publishedAt time.Time) error {
	return s.markEvent(eventID, model.OutboxStatusPublished, &publishedAt)
}

func (s *Store) MarkFailed(ctx context.Context, eventID uuid.UUID) error {
	return s.markEvent(eventID, model.OutboxStatusFailed, nil)
}

func (s *Store) markEvent(eventID uuid.UUID, status string, publishedAt *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.data.events {
		if s.data.events[i].EventID == eventID {
			s.data.events[i].Status = status
			s.data.events[i].PublishedAt = publishedAt
			return nil
		}
	}
	return store.ErrNotFound
}

func sortDepartments(departments []model.Department) {
	sort.Slice(departments, func(i, j int) bool {
		a, b := departments[i], departments[j]
		if a.Level != b.Level {
			return a.Level < b.Level
		}
		if a.Order != b.Order {
			return a.Order < b.Order
		}
		if a.Name != b.Name {
			return a.Name < b.Name
		}
		return a.ID.String() < b.ID.String()
	})
}

func toSet(ids []uuid.UUID) map[uuid.UUID]struct{} {
	out := make(map[uuid.UUID]struct{}, len(ids))
	for _, id := range ids {
		out[id] = struct{}{}
	}
	return out
}
