package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/fmonfasani/iopeer.com/internal/governance"
	"github.com/fmonfasani/iopeer.com/internal/providers"
	"github.com/fmonfasani/iopeer.com/pkg/capability"
	"github.com/fmonfasani/iopeer.com/pkg/config"
	"github.com/fmonfasani/iopeer.com/pkg/domain"
	"github.com/fmonfasani/iopeer.com/pkg/engine"
	"github.com/fmonfasani/iopeer.com/pkg/engine/expr"
	"github.com/fmonfasani/iopeer.com/pkg/events"
	"github.com/fmonfasani/iopeer.com/pkg/governor"
	"github.com/fmonfasani/iopeer.com/pkg/optimizer"
	"github.com/fmonfasani/iopeer.com/pkg/storage"
	"github.com/fmonfasani/iopeer.com/pkg/telemetry"
)

// app is the wired set of components behind every subcommand.
type app struct {
	cfg       *config.Config
	logger    *slog.Logger
	registry  *capability.Registry
	bus       *events.Bus
	metrics   *telemetry.WorkflowMetrics
	governor  *governor.Governor
	optimizer *optimizer.Optimizer
	engine    *engine.Engine

	closers []func() error
}

func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger}
	if err := a.wire(ctx); err != nil {
		_ = a.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) wire(ctx context.Context) error {
	cfg, logger := a.cfg, a.logger

	a.registry = capability.NewRegistry()
	if err := providers.Register(a.registry); err != nil {
		return fmt.Errorf("register providers: %w", err)
	}

	a.metrics = telemetry.NewWorkflowMetrics()
	a.bus = events.NewBus(events.Options{Logger: logger})
	a.closers = append(a.closers, a.bus.Close)
	a.metrics.Attach(a.bus)

	breakerCfg := cfg.Breaker
	breakerCfg.OnStateChange = func(key string, from, to governance.CircuitBreakerState) {
		logger.Warn("circuit state changed", "capability", key, "from", from, "to", to)
		a.metrics.RecordBreakerTransition(key, string(to))
	}

	archive, history, err := a.openStorage(ctx)
	if err != nil {
		return err
	}

	if a.governor, err = a.newGovernor(ctx); err != nil {
		return err
	}

	a.optimizer = optimizer.New(optimizer.Options{
		History:       history,
		WarnAbove:     cfg.Optimizer.WarnAbove,
		MaxLayerWidth: cfg.Optimizer.MaxLayerWidth,
		CacheSize:     cfg.Optimizer.CacheSize,
		CacheTTL:      cfg.Optimizer.CacheTTL,
		Logger:        logger,
	})

	policy, err := engine.ParseFailurePolicy(cfg.Engine.FailurePolicy)
	if err != nil {
		return err
	}
	a.engine, err = engine.New(engine.Deps{
		Registry:      a.registry,
		Bus:           a.bus,
		Breakers:      governance.NewCircuitBreakerManager(breakerCfg),
		Governor:      a.governor,
		Optimizer:     a.optimizer,
		Archive:       archive,
		History:       history,
		Throttle:      governance.NewRateLimiter(nil),
		Conditions:    expr.NewEvaluator(expr.Options{Timeout: cfg.Engine.ConditionTimeout}),
		PoolSize:      cfg.Engine.PoolSize,
		FailurePolicy: policy,
		Logger:        logger,
	})
	return err
}

func (a *app) openStorage(ctx context.Context) (storage.Archive, storage.History, error) {
	switch a.cfg.Storage.Driver {
	case "sqlite":
		store, err := storage.OpenSQLite(ctx, a.cfg.Storage.DSN, a.cfg.Storage.HistoryWindow)
		if err != nil {
			return nil, nil, fmt.Errorf("open sqlite store: %w", err)
		}
		a.closers = append(a.closers, store.Close)
		return store, store, nil
	default:
		store := storage.NewMemoryStore(a.cfg.Storage.HistoryWindow)
		return store, store, nil
	}
}

func (a *app) newGovernor(ctx context.Context) (*governor.Governor, error) {
	opts := governor.Options{
		OnValidate: func(tier string, valid bool) {
			a.metrics.RecordValidation(valid, tier)
		},
		Logger: a.logger,
	}

	if addr := a.cfg.Redis.Address; addr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: a.cfg.Redis.Password,
			DB:       a.cfg.Redis.DB,
		})
		a.closers = append(a.closers, client.Close)
		if err := client.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("connect redis %s: %w", addr, err)
		}
		opts.Usage = governor.NewRedisUsageStore(client, a.cfg.Redis.KeyPrefix)
	}

	path := a.cfg.Governor.PolicyFile
	if path != "" && !a.cfg.Governor.Watch {
		p, err := governor.LoadPolicy(path)
		if err != nil {
			return nil, err
		}
		opts.Policy = p
	}

	gov, err := governor.New(ctx, opts)
	if err != nil {
		return nil, err
	}
	if path != "" && a.cfg.Governor.Watch {
		w, err := config.WatchPolicy(path, gov, a.logger)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, w.Close)
	}
	return gov, nil
}

// Close releases event sinks, storage, redis and watcher resources in reverse order.
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

// handler serves the event stream, metrics and execution lookups.
func (a *app) handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/events", events.StreamHandler(a.bus, a.logger, events.StreamOptions{}))
	mux.Handle("/metrics", a.metrics.Handler())
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"status": "ok",
			"active": len(a.engine.Active()),
		})
	})
	mux.HandleFunc("GET /executions", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, a.engine.Active())
	})
	mux.HandleFunc("GET /executions/{id}", func(w http.ResponseWriter, r *http.Request) {
		rec, err := a.engine.Lookup(r.Context(), r.PathValue("id"))
		switch {
		case errors.Is(err, domain.ErrExecutionNotFound):
			writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
		case err != nil:
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		default:
			writeJSON(w, http.StatusOK, rec)
		}
	})
	return otelhttp.NewHandler(mux, "iopeer")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
