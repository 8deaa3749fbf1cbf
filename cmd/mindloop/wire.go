package main

import (
	"fmt"
	"os"

	"go.uber.org/zap"

	"mindloop/internal/breaker"
	"mindloop/internal/clock"
	"mindloop/internal/config"
	"mindloop/internal/frame"
	"mindloop/internal/logging"
	"mindloop/internal/loop"
	"mindloop/internal/metrics"
	"mindloop/internal/nudge"
	"mindloop/internal/ratelimit"
	"mindloop/internal/router"
	"mindloop/internal/safety"
	"mindloop/internal/store"
	"mindloop/internal/webhook"
)

// app is the composition root: every component is constructed here and
// handed its collaborators explicitly. No package-level singletons beyond
// the logging sinks.
type app struct {
	cfg      *config.Config
	metrics  *metrics.Set
	store    *store.SQLiteStore
	limiter  *ratelimit.Limiter
	breakers *breaker.UserBreakers
	monitor  *safety.Monitor
	watcher  *safety.Watcher // nil unless hot reload is on
	loop     *loop.Loop
	webhooks *webhook.Router
	nudges   *nudge.Scheduler
}

// buildRuntime loads configuration and wires the full pipeline.
func buildRuntime() (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if workspace != "" {
		cfg.Workspace = workspace
	}
	if cfg.Workspace == "" {
		cfg.Workspace, _ = os.Getwd()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	if err := logging.Initialize(cfg.Workspace, logging.Settings{
		DebugMode:  cfg.Logging.DebugMode,
		Level:      cfg.Logging.Level,
		JSONFormat: cfg.Logging.JSONFormat,
		Categories: cfg.Logging.Categories,
	}); err != nil {
		return nil, fmt.Errorf("failed to initialize logging: %w", err)
	}
	if err := logging.InitAudit(); err != nil {
		logger.Warn("Audit log unavailable", zap.Error(err))
	}

	clk := clock.Real()
	m := metrics.New()

	st, err := store.NewSQLiteStore(cfg.Store.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	limiter := ratelimit.NewLimiter(cfg.RateLimit, clk)
	breakers := breaker.NewUserBreakers(cfg.Breaker, clk)

	monitor, err := safety.NewMonitor(cfg.Safety.RulesPath)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("failed to load safety rules: %w", err)
	}
	var watcher *safety.Watcher
	if cfg.Safety.HotReload {
		watcher, err = safety.NewWatcher(monitor, cfg.Safety.RulesPath)
		if err != nil {
			// The monitor still works with the rules it loaded; only hot
			// reload is lost.
			logger.Warn("Safety rule watcher unavailable", zap.Error(err))
			watcher = nil
		}
	}

	var cloud router.CloudClient
	if cfg.LLM.APIKey != "" {
		cloud, err = router.NewGeminiClient(cfg.LLM)
		if err != nil {
			st.Close()
			return nil, fmt.Errorf("failed to build cloud client: %w", err)
		}
	} else {
		logger.Warn("No API key configured, cloud tier disabled")
	}

	frames := frame.NewBuilder(cfg.Frame, clk,
		frame.NewTraceSource(st, cfg.Frame.RecentTraceLimit))
	infra := breaker.NewServiceBreaker(cfg.LLM.Provider, cfg.Infra, clk)
	rt := router.New(cfg.LLM, monitor, cloud, limiter, infra, m, clk)
	lp := loop.New(breakers, frames, rt, st, monitor, m)

	return &app{
		cfg:      cfg,
		metrics:  m,
		store:    st,
		limiter:  limiter,
		breakers: breakers,
		monitor:  monitor,
		watcher:  watcher,
		loop:     lp,
		webhooks: webhook.NewRouter(cfg.Webhook, st, lp, limiter, m, clk),
		nudges:   nudge.NewScheduler(cfg.Nudge, lp, limiter, nudge.LogNotifier{}, m, clk),
	}, nil
}

// close releases everything buildRuntime opened. Workers are stopped by the
// commands that started them.
func (r *app) close() {
	if err := r.store.Close(); err != nil {
		logger.Warn("Store close failed", zap.Error(err))
	}
	logging.CloseAll()
}
