// Package rollup recomputes aggregate goal progress from children. Every run
// is a single store transaction over the ancestor chain with version-checked
// writes, retried as a whole when a concurrent writer wins.
package rollup

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/flowforge/goalalign/pkg/apperr"
	"github.com/flowforge/goalalign/pkg/events"
	"github.com/flowforge/goalalign/pkg/graph"
	"github.com/flowforge/goalalign/pkg/metrics"
	"github.com/flowforge/goalalign/pkg/model"
	"github.com/flowforge/goalalign/pkg/policy"
	"github.com/flowforge/goalalign/pkg/store"
)

const DefaultMaxRetries = 3

// ChainResolver returns the ancestors of a goal root-first, reading through tx.
type ChainResolver interface {
	AncestorChain(ctx context.Context, tx store.Store, goalID uuid.UUID) ([]uuid.UUID, error)
}

type Change struct {
	GoalID      uuid.UUID `json:"goalId"`
	OldProgress int       `json:"oldProgress"`
	NewProgress int       `json:"newProgress"`
}

type Result struct {
	Changes  []Change `json:"changes"`
	Attempts int      `json:"attempts"`
}

type Engine struct {
	store      store.Store
	settings   policy.Provider
	chains     ChainResolver
	notifier   events.Notifier
	logger     *zap.Logger
	maxRetries int
}

func NewEngine(s store.Store, settings policy.Provider, chains ChainResolver, notifier events.Notifier, logger *zap.Logger, maxRetries int) *Engine {
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	if notifier == nil {
		notifier = events.NopNotifier{}
	}
	return &Engine{
		store:      s,
		settings:   settings,
		chains:     chains,
		notifier:   notifier,
		logger:     logger,
		maxRetries: maxRetries,
	}
}

// Aggregate computes a parent's progress from its children. Completed children
// count as 100 and unset weights as 0; a zero weight sum falls back to the
// plain mean.
func Aggregate(children []model.Goal, weighted bool) int {
	if len(children) == 0 {
		return 0
	}
	if weighted {
		var sumWeights, sumWeighted int
		for i := range children {
			w := children[i].Weight()
			sumWeights += w
			sumWeighted += children[i].EffectiveProgress() * w
		}
		if sumWeights > 0 {
			return clamp(int(math.Round(float64(sumWeighted) / float64(sumWeights))))
		}
	}
	sum := 0
	for i := range children {
		sum += children[i].EffectiveProgress()
	}
	return clamp(int(math.Round(float64(sum) / float64(len(children)))))
}

func clamp(progress int) int {
	if progress < 0 {
		return 0
	}
	if progress > 100 {
		return 100
	}
	return progress
}

// Propagate recomputes the ancestors of goalID after its own progress changed.
func (e *Engine) Propagate(ctx context.Context, orgID, goalID uuid.UUID) (*Result, error) {
	return e.run(ctx, orgID, goalID, false, "progress")
}

// Recompute recomputes goalID itself when it has children, then its
// ancestors. Used after an edge, weight or child set changed.
func (e *Engine) Recompute(ctx context.Context, orgID, goalID uuid.UUID) (*Result, error) {
	return e.run(ctx, orgID, goalID, true, "recompute")
}

func (e *Engine) run(ctx context.Context, orgID, startID uuid.UUID, includeStart bool, trigger string) (*Result, error) {
	settings, err := e.settings.Get(ctx, orgID)
	if err != nil {
		return nil, err
	}
	if !settings.RollupActive() {
		return &Result{}, nil
	}

	started := time.Now()
	defer func() {
		metrics.RollupDuration.Observe(time.Since(started).Seconds())
	}()

	for attempt := 1; attempt <= e.maxRetries; attempt++ {
		var (
			batch   events.Batch
			changes []Change
		)
		err := e.store.Tx(ctx, func(tx store.Store) error {
			var err error
			changes, err = e.walk(ctx, tx, orgID, startID, includeStart, settings.WeightingEnabled, &batch)
			if err != nil {
				return err
			}
			return batch.Persist(ctx, tx)
		})
		if err == nil {
			metrics.RollupWrites.WithLabelValues(trigger).Add(float64(len(changes)))
			batch.Dispatch(ctx, e.notifier, e.logger)
			return &Result{Changes: changes, Attempts: attempt}, nil
		}
		if !errors.Is(err, store.ErrVersionConflict) {
			return nil, err
		}
		metrics.RollupConflicts.Inc()
		e.logger.Info("rollup lost a version race, retrying",
			zap.String("goal_id", startID.String()),
			zap.Int("attempt", attempt),
		)
	}

	return nil, apperr.New(apperr.KindRollupConflict,
		"ancestors of goal %s kept changing; gave up after %d attempts", startID, e.maxRetries)
}

func (e *Engine) walk(ctx context.Context, tx store.Store, orgID, startID uuid.UUID, includeStart, weighted bool, batch *events.Batch) ([]Change, error) {
	chain, err := e.chains.AncestorChain(ctx, tx, startID)
	if errors.Is(err, store.ErrNotFound) || apperr.KindOf(err) == apperr.KindNotFound {
		e.logger.Warn("rollup start goal vanished", zap.String("goal_id", startID.String()))
		return nil, nil
	}
	if err != nil {
		e.logger.Warn("rollup could not resolve ancestors, stopping propagation",
			zap.String("goal_id", startID.String()),
			zap.Error(err),
		)
		return nil, nil
	}

	order := graph.Reverse(chain)
	if includeStart {
		order = append([]uuid.UUID{startID}, order...)
	}

	var changes []Change
	for i, id := range order {
		goal, err := tx.GetGoal(ctx, id)
		if errors.Is(err, store.ErrNotFound) {
			e.logger.Warn("rollup ancestor vanished, stopping propagation",
				zap.String("goal_id", id.String()),
				zap.String("start_goal_id", startID.String()),
			)
			break
		}
		if err != nil {
			e.logger.Warn("rollup could not load ancestor, stopping propagation",
				zap.String("goal_id", id.String()),
				zap.String("start_goal_id", startID.String()),
				zap.Error(err),
			)
			break
		}

		children, err := tx.ChildGoals(ctx, id)
		if err != nil {
			e.logger.Warn("rollup could not load children, stopping propagation",
				zap.String("goal_id", id.String()),
				zap.String("start_goal_id", startID.String()),
				zap.Error(err),
			)
			break
		}
		if len(children) == 0 {
			if includeStart && i == 0 {
				continue
			}
			break
		}

		next := Aggregate(children, weighted)
		if next == goal.Progress {
			break
		}

		old := goal.Progress
		goal.Progress = next
		if err := tx.UpdateGoal(ctx, goal); err != nil {
			return nil, err
		}
		changes = append(changes, Change{GoalID: id, OldProgress: old, NewProgress: next})
		batch.Add(events.New(events.TypeGoalProgressChanged, orgID, id, events.GoalProgressChanged{
			GoalID:      id,
			OldProgress: old,
			NewProgress: next,
			Derived:     true,
		}))
	}
	return changes, nil
}

// Reconcile recomputes every aggregate goal of the organization bottom-up and
// returns how many goals were corrected. A consistent organization sees no
// writes.
func (e *Engine) Reconcile(ctx context.Context, orgID uuid.UUID) (int, error) {
	corrected, err := e.reconcile(ctx, orgID)
	metrics.ObserveReconcile(corrected, err)
	return corrected, err
}

func (e *Engine) reconcile(ctx context.Context, orgID uuid.UUID) (int, error) {
	settings, err := e.settings.Get(ctx, orgID)
	if err != nil {
		return 0, err
	}
	if !settings.RollupActive() {
		return 0, nil
	}

	for attempt := 1; attempt <= e.maxRetries; attempt++ {
		var (
			batch   events.Batch
			changes []Change
		)
		err := e.store.Tx(ctx, func(tx store.Store) error {
			var err error
			changes, err = reconcileTx(ctx, tx, orgID, settings.WeightingEnabled, &batch)
			if err != nil {
				return err
			}
			return batch.Persist(ctx, tx)
		})
		if err == nil {
			metrics.RollupWrites.WithLabelValues("reconcile").Add(float64(len(changes)))
			batch.Dispatch(ctx, e.notifier, e.logger)
			if len(changes) > 0 {
				e.logger.Info("reconciled goal progress",
					zap.String("organization_id", orgID.String()),
					zap.Int("corrected", len(changes)),
				)
			}
			return len(changes), nil
		}
		if !errors.Is(err, store.ErrVersionConflict) {
			return 0, err
		}
		metrics.RollupConflicts.Inc()
	}
	return 0, apperr.New(apperr.KindRollupConflict,
		"organization %s kept changing during reconciliation", orgID)
}

func reconcileTx(ctx context.Context, tx store.Store, orgID uuid.UUID, weighted bool, batch *events.Batch) ([]Change, error) {
	goals, err := tx.ListGoals(ctx, orgID)
	if err != nil {
		return nil, fmt.Errorf("list goals: %w", err)
	}

	byID := make(map[uuid.UUID]*model.Goal, len(goals))
	parents := make(map[uuid.UUID]*uuid.UUID, len(goals))
	children := make(map[uuid.UUID][]uuid.UUID)
	for i := range goals {
		goal := &goals[i]
		byID[goal.ID] = goal
		parents[goal.ID] = goal.ParentGoalID
		if goal.ParentGoalID != nil {
			children[*goal.ParentGoalID] = append(children[*goal.ParentGoalID], goal.ID)
		}
	}

	depths, err := graph.Depths(parents)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindCycleDetected, err, "goal alignment of organization %s is cyclic", orgID)
	}

	order := make([]uuid.UUID, 0, len(children))
	for id := range children {
		if _, ok := byID[id]; ok {
			order = append(order, id)
		}
	}
	sort.Slice(order, func(i, j int) bool {
		if depths[order[i]] != depths[order[j]] {
			return depths[order[i]] > depths[order[j]]
		}
		return order[i].String() < order[j].String()
	})

	var changes []Change
	for _, id := range order {
		kids := make([]model.Goal, 0, len(children[id]))
		for _, childID := range children[id] {
			kids = append(kids, *byID[childID])
		}
		goal := byID[id]
		next := Aggregate(kids, weighted)
		if next == goal.Progress {
			continue
		}
		old := goal.Progress
		goal.Progress = next
		if err := tx.UpdateGoal(ctx, goal); err != nil {
			return nil, err
		}
		changes = append(changes, Change{GoalID: id, OldProgress: old, NewProgress: next})
		batch.Add(events.New(events.TypeGoalProgressChanged, orgID, id, events.GoalProgressChanged{
			GoalID:      id,
			OldProgress: old,
			NewProgress: next,
			Derived:     true,
		}))
	}
	return changes, nil
}
