package main

import (
	"context"
	"fmt"
	"log"

	dbmigrations "github.com/coachpo/livequery/db/migrations"
	"github.com/coachpo/livequery/internal/cache"
	"github.com/coachpo/livequery/internal/controller"
	"github.com/coachpo/livequery/internal/domain/cooldownstore"
	"github.com/coachpo/livequery/internal/engine"
	"github.com/coachpo/livequery/internal/infra/adapters/httpstore"
	"github.com/coachpo/livequery/internal/infra/config"
	"github.com/coachpo/livequery/internal/infra/persistence"
	"github.com/coachpo/livequery/internal/infra/persistence/memory"
	"github.com/coachpo/livequery/internal/infra/persistence/migrations"
	pgstore "github.com/coachpo/livequery/internal/infra/persistence/postgres"
	"github.com/coachpo/livequery/internal/infra/persistence/sqlite"
	"github.com/coachpo/livequery/internal/infra/telemetry"
	"github.com/coachpo/livequery/internal/subscription"
)

// stack is the full client-side pipeline shared by the query and watch commands.
type stack struct {
	client    *httpstore.Client
	cache     *cache.Cache
	engine    *engine.Engine
	manager   *subscription.Manager
	notifier  *controller.Notifier
	policy    subscription.Policy
	telemetry *telemetry.Provider
	closers   []func()
	logger    *log.Logger
}

func buildStack(ctx context.Context, cfg config.AppConfig, sink controller.Sink, logger *log.Logger) (_ *stack, err error) {
	s := &stack{logger: logger}
	defer func() {
		if err != nil {
			s.Close()
		}
	}()

	telemetryCfg := telemetry.DefaultConfig()
	if cfg.Telemetry.OTLPEndpoint != "" {
		telemetryCfg.OTLPEndpoint = cfg.Telemetry.OTLPEndpoint
		telemetryCfg.Enabled = true
	}
	telemetryCfg.ServiceName = cfg.Telemetry.ServiceName
	telemetryCfg.Environment = string(cfg.Environment)
	telemetryCfg.OTLPInsecure = cfg.Telemetry.OTLPInsecure
	telemetryCfg.EnableMetrics = cfg.Telemetry.EnableMetrics
	provider, err := telemetry.NewProvider(ctx, telemetryCfg)
	if err != nil {
		return nil, fmt.Errorf("initialize telemetry provider: %w", err)
	}
	s.telemetry = provider
	metrics, err := telemetry.NewMetrics(provider.Meter("livequery"))
	if err != nil {
		return nil, fmt.Errorf("register metrics: %w", err)
	}

	s.client, err = httpstore.New(httpstore.Config{
		BaseURL:           cfg.Remote.BaseURL,
		Token:             cfg.Remote.Token,
		RequestsPerSecond: cfg.Remote.RequestsPerSecond,
		Burst:             cfg.Remote.Burst,
		RequestTimeout:    cfg.Remote.RequestTimeout,
		Logger:            logger,
	})
	if err != nil {
		return nil, err
	}

	s.cache = cache.New(cache.WithMetrics(metrics), cache.WithSweeper(cfg.Cache.SweepInterval, cfg.Cache.MaxAge))
	s.closers = append(s.closers, s.cache.Close)

	s.engine, err = engine.New(engine.Config{
		Store:           s.client,
		Cache:           s.cache,
		FreshnessWindow: cfg.Cache.FreshnessWindow,
		Metrics:         metrics,
		Logger:          logger,
	})
	if err != nil {
		return nil, err
	}

	s.policy = subscription.Policy{
		BaseDelay:  cfg.Subscription.BaseDelay,
		MaxDelay:   cfg.Subscription.MaxDelay,
		MaxRetries: cfg.Subscription.Retries(),
	}.Normalize()
	s.manager, err = subscription.NewManager(subscription.Config{
		Store:     s.client,
		Cache:     s.cache,
		Policy:    s.policy,
		Scheduler: subscription.RealScheduler{},
		Metrics:   metrics,
		Logger:    logger,
	})
	if err != nil {
		return nil, err
	}
	s.closers = append(s.closers, s.manager.Close)

	cooldowns, err := s.openCooldowns(ctx, cfg, metrics)
	if err != nil {
		return nil, err
	}
	s.notifier, err = controller.NewNotifier(cooldowns,
		controller.WithCooldown(cfg.Notifications.Cooldown),
		controller.WithSink(sink),
		controller.WithNotifierMetrics(metrics),
		controller.WithNotifierLogger(logger),
	)
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (s *stack) openCooldowns(ctx context.Context, cfg config.AppConfig, metrics *telemetry.Metrics) (cooldownstore.Store, error) {
	switch cfg.Notifications.Store {
	case config.CooldownSQLite:
		store, err := sqlite.Open(ctx, cfg.Notifications.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("open sqlite cooldown store: %w", err)
		}
		s.closers = append(s.closers, func() { _ = store.Close() })
		return store, nil
	case config.CooldownPostgres:
		if cfg.Database.RunMigrations {
			if err := migrations.ApplyFS(ctx, cfg.Database.DSN, dbmigrations.Files, s.logger); err != nil {
				return nil, fmt.Errorf("apply migrations: %w", err)
			}
		}
		db, err := persistence.Open(ctx, cfg.Database)
		if err != nil {
			return nil, err
		}
		s.closers = append(s.closers, db.Close)
		pg := pgstore.New(db.Pool())
		if err := pg.ObserveMetrics(metrics, "cooldowns"); err != nil {
			s.logger.Printf("livequeryctl: observe cooldown pool: %v", err)
		}
		return pg.Cooldowns(), nil
	default:
		return memory.NewCooldownStore(), nil
	}
}

func (s *stack) deps() controller.Deps {
	return controller.Deps{
		Engine:        s.engine,
		Subscriptions: s.manager,
		Notifier:      s.notifier,
		RetryPolicy:   s.policy,
		Logger:        s.logger,
	}
}

// Close releases resources in reverse order of acquisition.
func (s *stack) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
	s.closers = nil
	if s.telemetry != nil {
		_ = s.telemetry.Shutdown(context.Background())
	}
}
