// Package reporting maintains employee to manager relationships. Primary edges
// form a forest that drives the org chart; the remaining edges are the matrix.
package reporting

import (
	"context"
	"errors"
	"fmt"
	"sort"
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
	"github.com/flowforge/goalalign/pkg/policy"
	"github.com/flowforge/goalalign/pkg/store"
)

// MaxChainDepth bounds walks along primary manager chains.
const MaxChainDepth = 100

var validate = validator.New()

type AddRelationshipInput struct {
	ReporterID       uuid.UUID              `json:"reporterId" validate:"required"`
	ManagerID        uuid.UUID              `json:"managerId" validate:"required"`
	RelationshipType model.RelationshipType `json:"relationshipType" validate:"omitempty,oneof=direct dotted functional project"`
	IsPrimary        bool                   `json:"isPrimary"`
	StartDate        *time.Time             `json:"startDate"`
	EndDate          *time.Time             `json:"endDate"`
	Notes            string                 `json:"notes" validate:"max=1000"`
}

type Service struct {
	store    store.Store
	settings policy.Provider
	notifier events.Notifier
	logger   *zap.Logger
}

func NewService(s store.Store, settings policy.Provider, notifier events.Notifier, logger *zap.Logger) *Service {
	if notifier == nil {
		notifier = events.NopNotifier{}
	}
	return &Service{store: s, settings: settings, notifier: notifier, logger: logger}
}

func (s *Service) AddRelationship(ctx context.Context, actor auth.Actor, input AddRelationshipInput) (*model.ReportingRelationship, error) {
	rel, err := s.addRelationship(ctx, actor, input)
	metrics.ObserveCommand("add_relationship", err)
	return rel, err
}

func (s *Service) addRelationship(ctx context.Context, actor auth.Actor, input AddRelationshipInput) (*model.ReportingRelationship, error) {
	if err := actor.RequireManager("changing reporting lines"); err != nil {
		return nil, err
	}
	if err := validate.Struct(input); err != nil {
		return nil, apperr.Wrap(apperr.KindValidation, err, "invalid relationship")
	}
	if input.ReporterID == input.ManagerID {
		return nil, apperr.New(apperr.KindSelfReport, "an employee cannot report to themselves")
	}
	if input.StartDate != nil && input.EndDate != nil && input.EndDate.Before(*input.StartDate) {
		return nil, apperr.New(apperr.KindValidation, "end date is before start date")
	}

	settings, err := s.settings.Get(ctx, actor.OrganizationID)
	if err != nil {
		return nil, err
	}

	relType := input.RelationshipType
	if relType == "" {
		relType = model.RelationshipDirect
	}
	start := time.Now().UTC()
	if input.StartDate != nil {
		start = *input.StartDate
	}
	rel := &model.ReportingRelationship{
		OrganizationID:   actor.OrganizationID,
		ReporterID:       input.ReporterID,
		ManagerID:        input.ManagerID,
		RelationshipType: relType,
		StartDate:        start,
		EndDate:          input.EndDate,
		Notes:            input.Notes,
	}

	var batch events.Batch
	err = s.store.Tx(ctx, func(tx store.Store) error {
		if err := tx.LockReportingLines(ctx, actor.OrganizationID); err != nil {
			return fmt.Errorf("lock reporting lines: %w", err)
		}
		existing, err := reporterRelationships(ctx, tx, actor.OrganizationID, input.ReporterID)
		if err != nil {
			return err
		}
		for _, other := range existing {
			if other.ManagerID != input.ManagerID {
				continue
			}
			if other.IsPrimary {
				return apperr.New(apperr.KindDuplicatePrimary, "%s already reports primarily to %s", input.ReporterID, input.ManagerID)
			}
			return apperr.New(apperr.KindDuplicateRelationship, "%s already reports to %s", input.ReporterID, input.ManagerID)
		}
		if !settings.AllowMatrixReporting && len(existing) > 0 {
			return apperr.New(apperr.KindMatrixDisabled, "matrix reporting is disabled and %s already has a manager", input.ReporterID)
		}

		rel.IsPrimary = input.IsPrimary || len(existing) == 0
		if rel.IsPrimary {
			if err := ensureAcyclic(ctx, tx, actor.OrganizationID, input.ReporterID, input.ManagerID); err != nil {
				return err
			}
			demoted, err := demotePrimary(ctx, tx, existing)
			if err != nil {
				return err
			}
			if demoted != nil {
				batch.Add(changeEvent(demoted, events.ActionDemoted))
			}
		}

		if err := tx.CreateRelationship(ctx, rel); err != nil {
			return fmt.Errorf("create relationship: %w", err)
		}
		batch.Add(changeEvent(rel, events.ActionAdded))
		return batch.Persist(ctx, tx)
	})
	if err != nil {
		return nil, err
	}

	batch.Dispatch(ctx, s.notifier, s.logger)
	s.logger.Info("reporting relationship added",
		zap.String("relationship_id", rel.ID.String()),
		zap.String("reporter_id", rel.ReporterID.String()),
		zap.String("manager_id", rel.ManagerID.String()),
		zap.Bool("primary", rel.IsPrimary),
	)
	return rel, nil
}

// RemoveRelationship refuses to drop a primary edge while the reporter keeps
// other managers; nominate another primary with SetPrimary first.
func (s *Service) RemoveRelationship(ctx context.Context, actor auth.Actor, id uuid.UUID) error {
	err := s.removeRelationship(ctx, actor, id)
	metrics.ObserveCommand("remove_relationship", err)
	return err
}

func (s *Service) removeRelationship(ctx context.Context, actor auth.Actor, id uuid.UUID) error {
	if err := actor.RequireManager("changing reporting lines"); err != nil {
		return err
	}

	var batch events.Batch
	err := s.store.Tx(ctx, func(tx store.Store) error {
		rel, err := loadRelationship(ctx, tx, actor.OrganizationID, id)
		if err != nil {
			return err
		}
		if rel.IsPrimary {
			existing, err := reporterRelationships(ctx, tx, actor.OrganizationID, rel.ReporterID)
			if err != nil {
				return err
			}
			if len(existing) > 1 {
				return apperr.New(apperr.KindPrimaryRequired,
					"%s has %d other managers; nominate a new primary before removing this one", rel.ReporterID, len(existing)-1)
			}
		}
		if err := tx.DeleteRelationship(ctx, id); err != nil {
			return fmt.Errorf("delete relationship: %w", err)
		}
		batch.Add(changeEvent(rel, events.ActionRemoved))
		return batch.Persist(ctx, tx)
	})
	if err != nil {
		return err
	}

	batch.Dispatch(ctx, s.notifier, s.logger)
	return nil
}

// SetPrimary promotes an existing relationship and demotes the reporter's
// previous primary in the same transaction.
func (s *Service) SetPrimary(ctx context.Context, actor auth.Actor, id uuid.UUID) (*model.ReportingRelationship, error) {
	rel, err := s.setPrimary(ctx, actor, id)
	metrics.ObserveCommand("set_primary", err)
	return rel, err
}

func (s *Service) setPrimary(ctx context.Context, actor auth.Actor, id uuid.UUID) (*model.ReportingRelationship, error) {
	if err := actor.RequireManager("changing reporting lines"); err != nil {
		return nil, err
	}

	var (
		rel   *model.ReportingRelationship
		batch events.Batch
	)
	err := s.store.Tx(ctx, func(tx store.Store) error {
		var err error
		rel, err = loadRelationship(ctx, tx, actor.OrganizationID, id)
		if err != nil {
			return err
		}
		if rel.IsPrimary {
			return nil
		}
		if err := tx.LockReportingLines(ctx, actor.OrganizationID); err != nil {
			return fmt.Errorf("lock reporting lines: %w", err)
		}
		if err := ensureAcyclic(ctx, tx, actor.OrganizationID, rel.ReporterID, rel.ManagerID); err != nil {
			return err
		}
		existing, err := reporterRelationships(ctx, tx, actor.OrganizationID, rel.ReporterID)
		if err != nil {
			return err
		}
		demoted, err := demotePrimary(ctx, tx, existing)
		if err != nil {
			return err
		}
		if demoted != nil {
			batch.Add(changeEvent(demoted, events.ActionDemoted))
		}
		rel.IsPrimary = true
		if err := tx.UpdateRelationship(ctx, rel); err != nil {
			return fmt.Errorf("promote relationship: %w", err)
		}
		batch.Add(changeEvent(rel, events.ActionPromoted))
		return batch.Persist(ctx, tx)
	})
	if err != nil {
		return nil, err
	}

	batch.Dispatch(ctx, s.notifier, s.logger)
	return rel, nil
}

// ListRelationships filters by reporter when reporterID is non-nil.
func (s *Service) ListRelationships(ctx context.Context, actor auth.Actor, reporterID *uuid.UUID) ([]model.ReportingRelationship, error) {
	if reporterID != nil {
		return reporterRelationships(ctx, s.store, actor.OrganizationID, *reporterID)
	}
	rels, err := s.store.ListRelationships(ctx, actor.OrganizationID)
	if err != nil {
		return nil, fmt.Errorf("list relationships: %w", err)
	}
	return rels, nil
}

// PrimaryManager returns the reporter's primary manager, or nil.
func (s *Service) PrimaryManager(ctx context.Context, actor auth.Actor, reporterID uuid.UUID) (*uuid.UUID, error) {
	return primaryManagerOf(s.store, actor.OrganizationID)(ctx, reporterID)
}

func reporterRelationships(ctx context.Context, s store.RelationshipStore, orgID, reporterID uuid.UUID) ([]model.ReportingRelationship, error) {
	rels, err := s.RelationshipsByReporter(ctx, reporterID)
	if err != nil {
		return nil, fmt.Errorf("load relationships of %s: %w", reporterID, err)
	}
	out := rels[:0]
	for _, rel := range rels {
		if rel.OrganizationID == orgID {
			out = append(out, rel)
		}
	}
	return out, nil
}

func loadRelationship(ctx context.Context, s store.RelationshipStore, orgID, id uuid.UUID) (*model.ReportingRelationship, error) {
	rel, err := s.GetRelationship(ctx, id)
	if errors.Is(err, store.ErrNotFound) || (err == nil && rel.OrganizationID != orgID) {
		return nil, apperr.New(apperr.KindNotFound, "relationship %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("load relationship: %w", err)
	}
	return rel, nil
}

func demotePrimary(ctx context.Context, tx store.Store, existing []model.ReportingRelationship) (*model.ReportingRelationship, error) {
	for i := range existing {
		if !existing[i].IsPrimary {
			continue
		}
		demoted := existing[i]
		demoted.IsPrimary = false
		if err := tx.UpdateRelationship(ctx, &demoted); err != nil {
			return nil, fmt.Errorf("demote relationship %s: %w", demoted.ID, err)
		}
		return &demoted, nil
	}
	return nil, nil
}

func primaryManagerOf(s store.RelationshipStore, orgID uuid.UUID) graph.ParentFunc {
	return func(ctx context.Context, reporterID uuid.UUID) (*uuid.UUID, error) {
		rels, err := reporterRelationships(ctx, s, orgID, reporterID)
		if err != nil {
			return nil, err
		}
		for _, rel := range rels {
			if rel.IsPrimary {
				manager := rel.ManagerID
				return &manager, nil
			}
		}
		return nil, nil
	}
}

// ensureAcyclic rejects a primary edge reporter->manager when the manager's
// primary chain already reaches the reporter.
func ensureAcyclic(ctx context.Context, s store.RelationshipStore, orgID, reporterID, managerID uuid.UUID) error {
	chain, err := graph.Ancestors(ctx, managerID, primaryManagerOf(s, orgID), MaxChainDepth)
	switch {
	case errors.Is(err, graph.ErrCycle):
		return apperr.Wrap(apperr.KindCycleDetected, err, "primary reporting chain of %s is cyclic", managerID)
	case errors.Is(err, graph.ErrLimit):
		return apperr.Wrap(apperr.KindMaxDepthExceeded, err, "primary reporting chain of %s is deeper than %d", managerID, MaxChainDepth)
	case err != nil:
		return err
	}
	if graph.Contains(chain, reporterID) {
		return apperr.New(apperr.KindCycleDetected, "%s already sits above %s in the primary reporting chain", reporterID, managerID)
	}
	return nil
}

func changeEvent(rel *model.ReportingRelationship, action string) events.Event {
	return events.New(events.TypeRelationshipChanged, rel.OrganizationID, rel.ID, events.RelationshipChanged{
		RelationshipID: rel.ID,
		ReporterID:     rel.ReporterID,
		ManagerID:      rel.ManagerID,
		Action:         action,
		IsPrimary:      rel.IsPrimary,
	})
}

// ChartNode is one person in the org chart.
type ChartNode struct {
	UserID           uuid.UUID              `json:"userId"`
	RelationshipID   *uuid.UUID             `json:"relationshipId,omitempty"`
	RelationshipType model.RelationshipType `json:"relationshipType,omitempty"`
	Depth            int                    `json:"depth"`
	DirectReports    int                    `json:"directReports"`
	TotalReports     int                    `json:"totalReports"`
	Reports          []*ChartNode           `json:"reports"`
}

// ComputeOrgChart walks primary edges breadth-first from rootID, or from every
// top-level manager when rootID is nil. Matrix edges are ignored.
func (s *Service) ComputeOrgChart(ctx context.Context, actor auth.Actor, rootID *uuid.UUID) ([]*ChartNode, error) {
	rels, err := s.store.ListRelationships(ctx, actor.OrganizationID)
	if err != nil {
		return nil, fmt.Errorf("list relationships: %w", err)
	}

	reports := make(map[uuid.UUID][]model.ReportingRelationship)
	hasManager := make(map[uuid.UUID]bool)
	participants := make(map[uuid.UUID]struct{})
	for _, rel := range rels {
		if !rel.IsPrimary {
			continue
		}
		reports[rel.ManagerID] = append(reports[rel.ManagerID], rel)
		hasManager[rel.ReporterID] = true
		participants[rel.ReporterID] = struct{}{}
		participants[rel.ManagerID] = struct{}{}
	}

	var roots []uuid.UUID
	if rootID != nil {
		roots = []uuid.UUID{*rootID}
	} else {
		for id := range participants {
			if !hasManager[id] {
				roots = append(roots, id)
			}
		}
		sort.Slice(roots, func(i, j int) bool { return roots[i].String() < roots[j].String() })
	}

	childrenOf := func(_ context.Context, id uuid.UUID) ([]uuid.UUID, error) {
		edges := reports[id]
		ids := make([]uuid.UUID, len(edges))
		for i := range edges {
			ids[i] = edges[i].ReporterID
		}
		return ids, nil
	}

	visited := make(map[uuid.UUID]struct{})
	charts := make([]*ChartNode, 0, len(roots))
	for _, root := range roots {
		levels, err := graph.Levels(ctx, root, childrenOf, MaxChainDepth)
		switch {
		case errors.Is(err, graph.ErrCycle):
			return nil, apperr.Wrap(apperr.KindCycleDetected, err, "primary reporting lines below %s form a cycle", root)
		case errors.Is(err, graph.ErrLimit):
			return nil, apperr.Wrap(apperr.KindMaxDepthExceeded, err, "org chart below %s is deeper than %d", root, MaxChainDepth)
		case err != nil:
			return nil, err
		}
		charts = append(charts, buildChart(root, levels, reports))
		for _, level := range levels {
			for _, id := range level {
				visited[id] = struct{}{}
			}
		}
	}

	if rootID == nil && len(visited) < len(participants) {
		return nil, apperr.New(apperr.KindCycleDetected, "%d people sit on a primary reporting cycle", len(participants)-len(visited))
	}
	return charts, nil
}

func buildChart(root uuid.UUID, levels [][]uuid.UUID, reports map[uuid.UUID][]model.ReportingRelationship) *ChartNode {
	nodes := map[uuid.UUID]*ChartNode{root: {UserID: root, Reports: []*ChartNode{}}}
	for depth, level := range levels {
		for _, id := range level {
			node := nodes[id]
			for _, edge := range reports[id] {
				edge := edge
				child := &ChartNode{
					UserID:           edge.ReporterID,
					RelationshipID:   &edge.ID,
					RelationshipType: edge.RelationshipType,
					Depth:            depth + 1,
					Reports:          []*ChartNode{},
				}
				nodes[edge.ReporterID] = child
				node.Reports = append(node.Reports, child)
			}
			node.DirectReports = len(node.Reports)
		}
	}

	for i := len(levels) - 1; i >= 0; i-- {
		for _, id := range levels[i] {
			node := nodes[id]
			total := 0
			for _, child := range node.Reports {
				total += 1 + child.TotalReports
			}
			node.TotalReports = total
		}
	}
	return nodes[root]
}
