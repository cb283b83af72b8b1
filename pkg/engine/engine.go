// Package engine assembles the goal alignment services over one store.
package engine

import (
	"context"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/flowforge/goalalign/pkg/alignment"
	"github.com/flowforge/goalalign/pkg/config"
	"github.com/flowforge/goalalign/pkg/eventbus"
	"github.com/flowforge/goalalign/pkg/events"
	"github.com/flowforge/goalalign/pkg/orgunit"
	"github.com/flowforge/goalalign/pkg/policy"
	"github.com/flowforge/goalalign/pkg/reporting"
	"github.com/flowforge/goalalign/pkg/rollup"
	"github.com/flowforge/goalalign/pkg/store"
)

type Options struct {
	Store  store.Store
	Config *config.Config
	Logger *zap.Logger
	// Redis is optional. Without it settings are cached per process and
	// events reach only Notifier.
	Redis redis.UniversalClient
	// Notifier overrides the redis event bus.
	Notifier events.Notifier
}

type Engine struct {
	Store     store.Store
	Settings  *policy.Cache
	Policy    *policy.Service
	OrgUnits  *orgunit.Service
	Reporting *reporting.Service
	Graph     *alignment.Graph
	Goals     *alignment.Service
	Rollup    *rollup.Engine
	Notifier  events.Notifier
}

func New(opts Options) *Engine {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default()
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	notifier := opts.Notifier
	if notifier == nil {
		if opts.Redis != nil {
			notifier = eventbus.NewBus(opts.Redis)
		} else {
			notifier = events.NopNotifier{}
		}
	}

	cache := policy.NewCache(opts.Store, cfg.Alignment, opts.Redis, cfg.Redis.SettingsTTL, logger.Named("settings"))
	settings := policy.NewService(opts.Store, cache, cfg.Alignment, notifier, logger.Named("policy"))
	graph := alignment.NewGraph(opts.Store, cache)
	engine := rollup.NewEngine(opts.Store, cache, graph, notifier, logger.Named("rollup"), cfg.Rollup.MaxRetries)
	settings.Bind(graph, engine)

	return &Engine{
		Store:     opts.Store,
		Settings:  cache,
		Policy:    settings,
		OrgUnits:  orgunit.NewService(opts.Store, notifier, logger.Named("orgunit")),
		Reporting: reporting.NewService(opts.Store, cache, notifier, logger.Named("reporting")),
		Graph:     graph,
		Goals:     alignment.NewService(opts.Store, graph, cache, engine, notifier, logger.Named("alignment")),
		Rollup:    engine,
		Notifier:  notifier,
	}
}

// Run keeps the settings cache in sync with other nodes until ctx is done.
func (e *Engine) Run(ctx context.Context) {
	e.Settings.Listen(ctx)
}
