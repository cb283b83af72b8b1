// Package reconciler recomputes aggregate goal progress outside the request
// path: on a timer for every organization, and on alignment events read from
// Kafka.
package reconciler

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/flowforge/goalalign/pkg/eventbus"
	"github.com/flowforge/goalalign/pkg/events"
	"github.com/flowforge/goalalign/pkg/policy"
	"github.com/flowforge/goalalign/pkg/store"
)

const defaultSweepConcurrency = 4

// Invalidator drops cached settings of one organization.
type Invalidator interface {
	Invalidate(ctx context.Context, orgID uuid.UUID)
}

type Worker struct {
	goals       store.GoalStore
	reconciler  policy.Reconciler
	settings    Invalidator
	logger      *zap.Logger
	interval    time.Duration
	concurrency int
}

func NewWorker(goals store.GoalStore, reconciler policy.Reconciler, settings Invalidator, logger *zap.Logger, interval time.Duration) *Worker {
	if interval <= 0 {
		interval = 15 * time.Minute
	}
	return &Worker{
		goals:       goals,
		reconciler:  reconciler,
		settings:    settings,
		logger:      logger,
		interval:    interval,
		concurrency: defaultSweepConcurrency,
	}
}

// Run sweeps once immediately and then on every tick until ctx is done.
func (w *Worker) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		if _, err := w.Sweep(ctx); err != nil && ctx.Err() == nil {
			w.logger.Error("reconcile sweep failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Sweep reconciles every organization that owns goals and returns the total
// number of corrected goals. A failing organization does not stop the others;
// the first failure is returned once all of them ran.
func (w *Worker) Sweep(ctx context.Context) (int, error) {
	orgIDs, err := w.goals.GoalOrganizations(ctx)
	if err != nil {
		return 0, err
	}

	corrected := make([]int, len(orgIDs))
	var group errgroup.Group
	group.SetLimit(w.concurrency)
	for i, orgID := range orgIDs {
		i, orgID := i, orgID
		group.Go(func() error {
			var err error
			corrected[i], err = w.reconcile(ctx, orgID, "sweep")
			return err
		})
	}
	err = group.Wait()

	total := 0
	for _, n := range corrected {
		total += n
	}
	return total, err
}

// HandleMessage is the Kafka delivery handler. Settings changes also drop the
// cached settings so the new policy is used.
func (w *Worker) HandleMessage(ctx context.Context, message eventbus.OutboxMessage) error {
	switch message.EventType {
	case events.TypeSettingsUpdated, events.TypeGoalAlignmentChanged:
	default:
		return nil
	}

	orgID, err := uuid.Parse(message.OrganizationID)
	if err != nil {
		w.logger.Warn("dropping event without organization",
			zap.String("event_id", message.EventID),
			zap.String("event_type", message.EventType),
		)
		return nil
	}

	if message.EventType == events.TypeSettingsUpdated && w.settings != nil {
		w.settings.Invalidate(ctx, orgID)
	}
	_, err = w.reconcile(ctx, orgID, message.EventType)
	return err
}

func (w *Worker) reconcile(ctx context.Context, orgID uuid.UUID, trigger string) (int, error) {
	corrected, err := w.reconciler.Reconcile(ctx, orgID)
	if err != nil {
		w.logger.Error("reconcile failed",
			zap.String("organization_id", orgID.String()),
			zap.String("trigger", trigger),
			zap.Error(err),
		)
		return 0, err
	}
	w.logger.Debug("reconcile finished",
		zap.String("organization_id", orgID.String()),
		zap.String("trigger", trigger),
		zap.Int("corrected", corrected),
	)
	return corrected, nil
}
