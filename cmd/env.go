package main

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sells-group/market-intel/internal/collect"
	"github.com/sells-group/market-intel/internal/fallback"
	"github.com/sells-group/market-intel/internal/health"
	"github.com/sells-group/market-intel/internal/notify"
	"github.com/sells-group/market-intel/internal/orchestrator"
	"github.com/sells-group/market-intel/internal/provider"
	"github.com/sells-group/market-intel/internal/resilience"
	"github.com/sells-group/market-intel/internal/scheduler"
	"github.com/sells-group/market-intel/internal/store"
	anthropicpkg "github.com/sells-group/market-intel/pkg/anthropic"
	"github.com/sells-group/market-intel/pkg/jina"
)

// fallbackModel backs the primary model as a lower-priority candidate.
const fallbackModel = "claude-haiku-4-5-20251001"

func initStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		path := cfg.Store.Path
		if path == "" {
			path = "marketintel.db"
		}
		return store.NewSQLite(path)
	case "postgres":
		return store.NewPostgres(ctx, cfg.Store.DatabaseURL)
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}

// env wires the process-wide engine collaborators.
type env struct {
	Store    store.Store
	Engine   *orchestrator.Engine
	Notifier *notify.Notifier
	Health   *health.Registry
}

func (e *env) Close() {
	if err := e.Store.Close(); err != nil {
		zap.L().Warn("store close", zap.Error(err))
	}
}

func initEngine(ctx context.Context) (*env, error) {
	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}

	hr := health.NewRegistry(health.Config{
		FailureThreshold: cfg.Engine.CircuitBreakerThreshold,
		Cooldown:         cfg.Engine.CircuitCooldown(),
	})

	providers := provider.NewRegistry()
	if cfg.Anthropic.Key != "" {
		client := anthropicpkg.NewClient(cfg.Anthropic.Key)
		providers.Register(anthropicpkg.NewProvider(client, cfg.Anthropic.Model), 1)
		if cfg.Anthropic.Model != fallbackModel {
			providers.Register(anthropicpkg.NewProvider(client, fallbackModel), 2)
		}
		for _, c := range providers.CandidatesFor(provider.CapabilitySynthesis) {
			providers.SetRateLimit(c.Provider.ID(), rate.NewLimiter(rate.Limit(2), 4))
		}
	} else {
		zap.L().Warn("no anthropic key configured, synthesis modules will fail")
	}

	fb := fallback.NewManager(fallback.Config{
		MaxAttempts:    cfg.Engine.MaxProviderAttempts,
		AttemptTimeout: cfg.Engine.ProviderTimeout(),
	}, providers, hr)

	sched := scheduler.New(scheduler.Config{
		ConcurrencyLimit: cfg.Engine.ConcurrencyLimit,
		DefaultTimeout:   cfg.Engine.PerTaskTimeout(),
		Retry:            resilience.Policy{MaxAttempts: cfg.Engine.TaskRetryAttempts},
	})

	var collectors []collect.Collector
	if cfg.Jina.Key != "" {
		var opts []jina.Option
		if cfg.Jina.BaseURL != "" {
			opts = append(opts, jina.WithBaseURL(cfg.Jina.BaseURL))
		}
		jc := jina.NewClient(cfg.Jina.Key, opts...)
		collectors = append(collectors,
			jina.NewCollector(jc, "web_search"),
			jina.NewCollector(jc, "news", jina.WithSiteFilter("news.google.com")),
		)
	} else {
		zap.L().Warn("no jina key configured, collect modules will fail")
	}

	notifier := notify.New()
	engine := orchestrator.New(cfg.Engine, cfg.Report, orchestrator.Deps{
		Store:      st,
		Scheduler:  sched,
		Fallback:   fb,
		Health:     hr,
		Providers:  providers,
		Collectors: collect.NewRegistry(collectors...),
		Notifier:   notifier,
	})

	return &env{Store: st, Engine: engine, Notifier: notifier, Health: hr}, nil
}
