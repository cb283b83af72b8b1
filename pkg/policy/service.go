package policy

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/flowforge/goalalign/pkg/apperr"
	"github.com/flowforge/goalalign/pkg/auth"
	"github.com/flowforge/goalalign/pkg/config"
	"github.com/flowforge/goalalign/pkg/events"
	"github.com/flowforge/goalalign/pkg/metrics"
	"github.com/flowforge/goalalign/pkg/model"
	"github.com/flowforge/goalalign/pkg/store"
)

var validate = validator.New()

// Reparent records one goal moved by Flatten.
type Reparent struct {
	GoalID uuid.UUID
	From   uuid.UUID
	To     uuid.UUID
}

// GoalDepth is implemented by the alignment graph. Both methods run inside the
// caller's transaction.
type GoalDepth interface {
	// MaxChainLevels returns the number of goals on the longest root-to-leaf
	// chain of the organization.
	MaxChainLevels(ctx context.Context, tx store.Store, orgID uuid.UUID) (int, error)
	// Flatten re-parents goals deeper than maxLevels onto the deepest allowed
	// level.
	Flatten(ctx context.Context, tx store.Store, orgID uuid.UUID, maxLevels int) ([]Reparent, error)
}

// Reconciler recomputes every aggregate goal of an organization.
type Reconciler interface {
	Reconcile(ctx context.Context, orgID uuid.UUID) (int, error)
}

// SettingsPatch carries the fields to change; nil fields are left alone.
type SettingsPatch struct {
	Enabled                       *bool   `json:"enabled"`
	CascadeType                   *string `json:"cascadeType" validate:"omitempty,oneof=top_down bottom_up bidirectional"`
	MaxGoalLevels                 *int    `json:"maxGoalLevels" validate:"omitempty,min=2,max=6"`
	AlignmentRequired             *bool   `json:"alignmentRequired"`
	WeightingEnabled              *bool   `json:"weightingEnabled"`
	AutoProgressRollup            *bool   `json:"autoProgressRollup"`
	AllowMatrixReporting          *bool   `json:"allowMatrixReporting"`
	RequireDepartmentForEmployees *bool   `json:"requireDepartmentForEmployees"`
	RequireTeamForEmployees       *bool   `json:"requireTeamForEmployees"`
	// Force allows lowering maxGoalLevels below the current deepest chain by
	// flattening over-deep goals.
	Force bool `json:"force"`
}

type Service struct {
	store      store.Store
	cache      *Cache
	defaults   config.AlignmentDefaults
	depth      GoalDepth
	reconciler Reconciler
	notifier   events.Notifier
	logger     *zap.Logger
}

func NewService(s store.Store, cache *Cache, defaults config.AlignmentDefaults, notifier events.Notifier, logger *zap.Logger) *Service {
	if notifier == nil {
		notifier = events.NopNotifier{}
	}
	return &Service{
		store:    s,
		cache:    cache,
		defaults: defaults,
		notifier: notifier,
		logger:   logger,
	}
}

// Bind attaches the alignment graph and the rollup engine, which are built
// after the settings service.
func (s *Service) Bind(depth GoalDepth, reconciler Reconciler) {
	s.depth = depth
	s.reconciler = reconciler
}

func (s *Service) Get(ctx context.Context, orgID uuid.UUID) (*model.AlignmentSettings, error) {
	return s.cache.Get(ctx, orgID)
}

func (s *Service) UpdateSettings(ctx context.Context, actor auth.Actor, patch SettingsPatch) (*model.AlignmentSettings, error) {
	settings, err := s.updateSettings(ctx, actor, patch)
	metrics.ObserveCommand("update_settings", err)
	return settings, err
}

func (s *Service) updateSettings(ctx context.Context, actor auth.Actor, patch SettingsPatch) (*model.AlignmentSettings, error) {
	if err := actor.RequireAdmin("updating alignment settings"); err != nil {
		return nil, err
	}
	if err := validate.Struct(patch); err != nil {
		return nil, apperr.Wrap(apperr.KindValidation, err, "invalid settings")
	}

	orgID := actor.OrganizationID
	var (
		saved    *model.AlignmentSettings
		previous *model.AlignmentSettings
		moved    []Reparent
		batch    events.Batch
	)

	err := s.store.Tx(ctx, func(tx store.Store) error {
		current, err := Load(ctx, tx, orgID, s.defaults)
		if err != nil {
			return err
		}
		previous = current.Clone()

		next := current.Clone()
		changed := apply(next, patch)
		if len(changed) == 0 {
			saved = current
			return nil
		}

		if next.MaxGoalLevels < previous.MaxGoalLevels {
			moved, err = s.lowerMaxLevels(ctx, tx, orgID, next.MaxGoalLevels, patch.Force)
			if err != nil {
				return err
			}
		}

		if previous.AllowMatrixReporting && !next.AllowMatrixReporting {
			if err := ensureNoMatrix(ctx, tx, orgID); err != nil {
				return err
			}
		}

		userID := actor.UserID
		next.UpdatedBy = &userID
		if err := tx.SaveSettings(ctx, next); err != nil {
			if errors.Is(err, store.ErrVersionConflict) {
				return apperr.Wrap(apperr.KindInvalidTransition, err, "settings were changed concurrently")
			}
			return fmt.Errorf("save settings: %w", err)
		}

		for _, m := range moved {
			from, to := m.From, m.To
			batch.Add(events.New(events.TypeGoalAlignmentChanged, orgID, m.GoalID, events.GoalAlignmentChanged{
				GoalID:      m.GoalID,
				OldParentID: &from,
				NewParentID: &to,
			}))
		}
		batch.Add(events.New(events.TypeSettingsUpdated, orgID, orgID, events.SettingsUpdated{
			Version: next.Version,
			Changed: changed,
			Forced:  len(moved) > 0,
		}))
		if err := batch.Persist(ctx, tx); err != nil {
			return err
		}

		saved = next
		return nil
	})
	if err != nil {
		return nil, err
	}
	if batch.Len() == 0 {
		return saved, nil
	}

	s.cache.Invalidate(ctx, orgID)
	batch.Dispatch(ctx, s.notifier, s.logger)
	s.logger.Info("alignment settings updated",
		zap.String("organization_id", orgID.String()),
		zap.Int64("version", saved.Version),
		zap.Int("flattened_goals", len(moved)),
	)

	if needsReconcile(previous, saved, len(moved) > 0) && s.reconciler != nil {
		corrected, err := s.reconciler.Reconcile(ctx, orgID)
		if err != nil {
			s.logger.Warn("reconcile after settings update failed", zap.Error(err), zap.String("organization_id", orgID.String()))
		} else {
			s.logger.Info("reconciled after settings update", zap.String("organization_id", orgID.String()), zap.Int("corrected", corrected))
		}
	}

	return saved, nil
}

func (s *Service) lowerMaxLevels(ctx context.Context, tx store.Store, orgID uuid.UUID, maxLevels int, force bool) ([]Reparent, error) {
	if s.depth == nil {
		return nil, errors.New("goal depth inspector is not configured")
	}
	deepest, err := s.depth.MaxChainLevels(ctx, tx, orgID)
	if err != nil {
		return nil, err
	}
	if deepest <= maxLevels {
		return nil, nil
	}
	if !force {
		return nil, apperr.New(apperr.KindInvalidTransition,
			"existing goal chains reach %d levels; lowering the limit to %d requires force", deepest, maxLevels)
	}
	return s.depth.Flatten(ctx, tx, orgID, maxLevels)
}

func ensureNoMatrix(ctx context.Context, tx store.Store, orgID uuid.UUID) error {
	rels, err := tx.ListRelationships(ctx, orgID)
	if err != nil {
		return fmt.Errorf("list relationships: %w", err)
	}
	perReporter := make(map[uuid.UUID]int, len(rels))
	for _, rel := range rels {
		perReporter[rel.ReporterID]++
		if perReporter[rel.ReporterID] > 1 {
			return apperr.New(apperr.KindInvalidTransition,
				"reporter %s has more than one manager; remove matrix relationships first", rel.ReporterID)
		}
	}
	return nil
}

func apply(settings *model.AlignmentSettings, patch SettingsPatch) []string {
	var changed []string
	setBool := func(name string, dst *bool, src *bool) {
		if src != nil && *dst != *src {
			*dst = *src
			changed = append(changed, name)
		}
	}

	setBool("enabled", &settings.Enabled, patch.Enabled)
	if patch.CascadeType != nil && settings.CascadeType != model.CascadeType(*patch.CascadeType) {
		settings.CascadeType = model.CascadeType(*patch.CascadeType)
		changed = append(changed, "cascadeType")
	}
	if patch.MaxGoalLevels != nil && settings.MaxGoalLevels != *patch.MaxGoalLevels {
		settings.MaxGoalLevels = *patch.MaxGoalLevels
		changed = append(changed, "maxGoalLevels")
	}
	setBool("alignmentRequired", &settings.AlignmentRequired, patch.AlignmentRequired)
	setBool("weightingEnabled", &settings.WeightingEnabled, patch.WeightingEnabled)
	setBool("autoProgressRollup", &settings.AutoProgressRollup, patch.AutoProgressRollup)
	setBool("allowMatrixReporting", &settings.AllowMatrixReporting, patch.AllowMatrixReporting)
	setBool("requireDepartmentForEmployees", &settings.RequireDepartmentForEmployees, patch.RequireDepartmentForEmployees)
	setBool("requireTeamForEmployees", &settings.RequireTeamForEmployees, patch.RequireTeamForEmployees)
	return changed
}

// needsReconcile reports whether stored aggregates may disagree with the new
// aggregation rules.
func needsReconcile(before, after *model.AlignmentSettings, flattened bool) bool {
	if !after.RollupActive() {
		return false
	}
	if flattened || !before.RollupActive() {
		return true
	}
	return before.WeightingEnabled != after.WeightingEnabled
}
