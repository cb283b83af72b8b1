package policy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/flowforge/goalalign/pkg/config"
	"github.com/flowforge/goalalign/pkg/eventbus"
	"github.com/flowforge/goalalign/pkg/metrics"
	"github.com/flowforge/goalalign/pkg/model"
	"github.com/flowforge/goalalign/pkg/store"
)

// Provider returns the effective settings of an organization.
type Provider interface {
	Get(ctx context.Context, orgID uuid.UUID) (*model.AlignmentSettings, error)
}

// Defaults builds the settings of an organization that never saved any.
func Defaults(orgID uuid.UUID, cfg config.AlignmentDefaults) *model.AlignmentSettings {
	cascade := model.CascadeType(cfg.CascadeType)
	if !cascade.Valid() {
		cascade = model.CascadeBidirectional
	}
	levels := cfg.MaxGoalLevels
	if levels < model.MinGoalLevels || levels > model.MaxGoalLevels {
		levels = 4
	}
	return &model.AlignmentSettings{
		OrganizationID:                orgID,
		Enabled:                       cfg.Enabled,
		CascadeType:                   cascade,
		MaxGoalLevels:                 levels,
		AlignmentRequired:             cfg.AlignmentRequired,
		WeightingEnabled:              cfg.WeightingEnabled,
		AutoProgressRollup:            cfg.AutoProgressRollup,
		AllowMatrixReporting:          cfg.AllowMatrixReporting,
		RequireDepartmentForEmployees: cfg.RequireDepartmentForEmployees,
		RequireTeamForEmployees:       cfg.RequireTeamForEmployees,
	}
}

// Load reads settings through s, falling back to defaults. Use it inside
// transactions where the cache must not be consulted.
func Load(ctx context.Context, s store.SettingsStore, orgID uuid.UUID, defaults config.AlignmentDefaults) (*model.AlignmentSettings, error) {
	settings, err := s.GetSettings(ctx, orgID)
	if errors.Is(err, store.ErrNotFound) {
		return Defaults(orgID, defaults), nil
	}
	if err != nil {
		return nil, fmt.Errorf("load settings: %w", err)
	}
	return settings, nil
}

// Cache keeps settings in process, mirrors them to redis and drops them on
// invalidation messages from other nodes. A nil redis client keeps it local.
type Cache struct {
	store    store.SettingsStore
	defaults config.AlignmentDefaults
	redis    redis.UniversalClient
	bus      *eventbus.Bus
	ttl      time.Duration
	logger   *zap.Logger

	mu    sync.RWMutex
	local map[uuid.UUID]*model.AlignmentSettings
	// generation counts invalidations per organization; a load started
	// before an invalidation must not populate the cache.
	generation map[uuid.UUID]uint64
	group      singleflight.Group
}

var _ Provider = (*Cache)(nil)

func NewCache(s store.SettingsStore, defaults config.AlignmentDefaults, client redis.UniversalClient, ttl time.Duration, logger *zap.Logger) *Cache {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	c := &Cache{
		store:      s,
		defaults:   defaults,
		redis:      client,
		ttl:        ttl,
		logger:     logger,
		local:      make(map[uuid.UUID]*model.AlignmentSettings),
		generation: make(map[uuid.UUID]uint64),
	}
	if client != nil {
		c.bus = eventbus.NewBus(client)
	}
	return c
}

func cacheKey(orgID uuid.UUID) string {
	return "ga:settings:" + orgID.String()
}

// Get returns a copy callers may modify.
func (c *Cache) Get(ctx context.Context, orgID uuid.UUID) (*model.AlignmentSettings, error) {
	c.mu.RLock()
	cached, ok := c.local[orgID]
	c.mu.RUnlock()
	if ok {
		metrics.SettingsCacheLookups.WithLabelValues("hit").Inc()
		return cached.Clone(), nil
	}
	metrics.SettingsCacheLookups.WithLabelValues("miss").Inc()

	value, err, _ := c.group.Do(orgID.String(), func() (interface{}, error) {
		return c.load(ctx, orgID)
	})
	if err != nil {
		return nil, err
	}
	return value.(*model.AlignmentSettings).Clone(), nil
}

func (c *Cache) load(ctx context.Context, orgID uuid.UUID) (*model.AlignmentSettings, error) {
	c.mu.RLock()
	generation := c.generation[orgID]
	c.mu.RUnlock()

	if settings := c.readRemote(ctx, orgID); settings != nil {
		c.remember(settings, generation)
		return settings, nil
	}

	settings, err := Load(ctx, c.store, orgID, c.defaults)
	if err != nil {
		return nil, err
	}
	if c.current(orgID, generation) {
		c.writeRemote(ctx, settings)
	}
	c.remember(settings, generation)
	return settings, nil
}

func (c *Cache) current(orgID uuid.UUID, generation uint64) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.generation[orgID] == generation
}

// remember stores settings unless orgID was invalidated since generation.
func (c *Cache) remember(settings *model.AlignmentSettings, generation uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.generation[settings.OrganizationID] != generation {
		c.logger.Debug("discarding settings loaded before an invalidation",
			zap.String("organization_id", settings.OrganizationID.String()))
		return
	}
	c.local[settings.OrganizationID] = settings.Clone()
}

func (c *Cache) readRemote(ctx context.Context, orgID uuid.UUID) *model.AlignmentSettings {
	if c.redis == nil {
		return nil
	}
	raw, err := c.redis.Get(ctx, cacheKey(orgID)).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.logger.Warn("settings cache read failed", zap.Error(err), zap.String("organization_id", orgID.String()))
		}
		return nil
	}
	var settings model.AlignmentSettings
	if err := json.Unmarshal(raw, &settings); err != nil {
		c.logger.Warn("settings cache entry is corrupt", zap.Error(err), zap.String("organization_id", orgID.String()))
		return nil
	}
	return &settings
}

func (c *Cache) writeRemote(ctx context.Context, settings *model.AlignmentSettings) {
	if c.redis == nil {
		return
	}
	raw, err := json.Marshal(settings)
	if err != nil {
		return
	}
	if err := c.redis.Set(ctx, cacheKey(settings.OrganizationID), raw, c.ttl).Err(); err != nil {
		c.logger.Warn("settings cache write failed", zap.Error(err), zap.String("organization_id", settings.OrganizationID.String()))
	}
}

// Invalidate drops orgID locally, in redis and on every subscribed node.
func (c *Cache) Invalidate(ctx context.Context, orgID uuid.UUID) {
	c.forget(orgID)
	if c.redis == nil {
		return
	}
	if err := c.redis.Del(ctx, cacheKey(orgID)).Err(); err != nil {
		c.logger.Warn("settings cache delete failed", zap.Error(err), zap.String("organization_id", orgID.String()))
	}
	if err := c.bus.PublishInvalidation(ctx, orgID); err != nil {
		c.logger.Warn("settings invalidation publish failed", zap.Error(err), zap.String("organization_id", orgID.String()))
	}
}

func (c *Cache) forget(orgID uuid.UUID) {
	c.mu.Lock()
	delete(c.local, orgID)
	c.generation[orgID]++
	c.mu.Unlock()
	c.group.Forget(orgID.String())
}

// Listen applies invalidations published by other nodes until ctx is done.
func (c *Cache) Listen(ctx context.Context) {
	if c.bus == nil {
		return
	}
	for orgID := range c.bus.SubscribeInvalidations(ctx) {
		c.forget(orgID)
	}
}
