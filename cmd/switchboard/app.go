package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/basket/switchboard/internal/audit"
	"github.com/basket/switchboard/internal/bus"
	"github.com/basket/switchboard/internal/config"
	"github.com/basket/switchboard/internal/coordinator"
	"github.com/basket/switchboard/internal/deadletter"
	"github.com/basket/switchboard/internal/lifecycle"
	"github.com/basket/switchboard/internal/operator"
	otelPkg "github.com/basket/switchboard/internal/otel"
	"github.com/basket/switchboard/internal/persistence"
	"github.com/basket/switchboard/internal/registry"
	"github.com/basket/switchboard/internal/router"
	"github.com/basket/switchboard/internal/telemetry"
	"github.com/basket/switchboard/internal/transport"
)

// app is the wired control plane. serve runs it behind the gateway; the
// other commands open the same stack against the local database.
type app struct {
	cfg    config.Config
	logger *slog.Logger

	otel    *otelPkg.Provider
	metrics *otelPkg.Metrics
	bus     *bus.Bus
	store   *persistence.Store
	audit   *audit.Recorder
	pool    *transport.Pool

	registry    *registry.Registry
	router      *router.Router
	lifecycle   *lifecycle.Manager
	deadLetters *deadletter.Service
	operator    *operator.Controls
	pipeline    *coordinator.Pipeline

	closers []io.Closer
}

type appOptions struct {
	// quiet keeps logs out of stdout so command output stays readable.
	quiet bool
	// logWriter replaces the file logger; tests use it.
	logWriter io.Writer
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

func openApp(ctx context.Context, cfg config.Config, opts appOptions) (*app, error) {
	a := &app{cfg: cfg}

	if opts.logWriter != nil {
		a.logger = telemetry.NewWriterLogger(opts.logWriter, cfg.LogLevel)
	} else {
		logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, opts.quiet)
		if err != nil {
			return nil, startupFailure(nil, "E_LOGGER_INIT", err)
		}
		a.logger = logger
		a.closers = append(a.closers, closer)
	}

	prov, err := otelPkg.Init(ctx, cfg.OTel)
	if err != nil {
		a.Close()
		return nil, startupFailure(a.logger, "E_OTEL_INIT", err)
	}
	a.otel = prov
	a.closers = append(a.closers, closerFunc(func() error {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return prov.Shutdown(shutdownCtx)
	}))
	if a.metrics, err = otelPkg.NewMetrics(prov.Meter); err != nil {
		a.Close()
		return nil, startupFailure(a.logger, "E_OTEL_METRICS", err)
	}

	a.bus = bus.New()
	if dir := filepath.Dir(cfg.DatabasePath()); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			a.Close()
			return nil, startupFailure(a.logger, "E_STORE_OPEN", err)
		}
	}
	store, err := persistence.Open(cfg.DatabasePath(), a.bus)
	if err != nil {
		a.Close()
		return nil, startupFailure(a.logger, "E_STORE_OPEN", err)
	}
	a.store = store
	a.closers = append(a.closers, store)
	a.logger.Debug("startup phase", "phase", "schema_migrated", "db", cfg.DatabasePath())

	rec, err := audit.New(store, cfg.HomeDir, telemetry.Component(a.logger, "audit"))
	if err != nil {
		a.Close()
		return nil, startupFailure(a.logger, "E_AUDIT_INIT", err)
	}
	a.audit = rec
	a.closers = append(a.closers, rec)

	tracer := prov.Tracer
	a.pool = transport.NewPool(transport.PoolOptions{
		Logger: telemetry.Component(a.logger, "transport"),
		Local:  transport.NewLocal(),
	})
	a.closers = append(a.closers, a.pool)

	a.registry = registry.New(store, registry.Options{
		Logger:            telemetry.Component(a.logger, "registry"),
		Metrics:           a.metrics,
		RosterDir:         cfg.RosterPath(),
		DefaultTTLSeconds: cfg.DefaultLivenessTTLSeconds,
	})
	a.router = router.New(store, a.pool, router.Options{
		Logger:         telemetry.Component(a.logger, "router"),
		Tracer:         tracer,
		Metrics:        a.metrics,
		DefaultTimeout: cfg.RouteTimeout(),
	})
	a.lifecycle = lifecycle.New(store, telemetry.Component(a.logger, "lifecycle"))
	a.deadLetters = deadletter.New(store, deadletter.Options{
		Logger:  telemetry.Component(a.logger, "deadletter"),
		Tracer:  tracer,
		Metrics: a.metrics,
		Audit:   rec,
	})
	a.operator = operator.New(store, operator.Options{
		Logger:   telemetry.Component(a.logger, "operator"),
		Tracer:   tracer,
		Metrics:  a.metrics,
		Audit:    rec,
		Router:   a.router,
		ToolName: cfg.DispatchTool,
	})
	exec := coordinator.NewExecutor(a.router, store, coordinator.ExecutorOptions{
		Logger:  telemetry.Component(a.logger, "executor"),
		Tracer:  tracer,
		Metrics: a.metrics,
		Source:  cfg.SourceButler,
	})
	a.pipeline = coordinator.NewPipeline(a.lifecycle, a.planner(), exec, a.deadLetters, coordinator.PipelineOptions{
		Logger:   telemetry.Component(a.logger, "pipeline"),
		ToolName: cfg.DispatchTool,
		Mode:     coordinator.Mode(cfg.Fanout.Mode),
		Join:     coordinator.JoinPolicy(cfg.Fanout.Join),
		Abort:    coordinator.AbortPolicy(cfg.Fanout.Abort),
		Retry: coordinator.RetryPolicy{
			MaxAttempts: cfg.Pipeline.MaxAttempts,
			Initial:     time.Duration(cfg.Pipeline.BackoffInitialMs) * time.Millisecond,
			Max:         time.Duration(cfg.Pipeline.BackoffMaxMs) * time.Millisecond,
		},
	})
	return a, nil
}

// planner asks the configured planning butler when one is set and otherwise
// sends every request to the default target.
func (a *app) planner() coordinator.Planner {
	if a.cfg.Planner.Butler != "" {
		return coordinator.ButlerPlanner{Router: a.router, Butler: a.cfg.Planner.Butler, Tool: a.cfg.Planner.Tool}
	}
	return coordinator.StaticPlanner{Target: a.cfg.Planner.DefaultTarget}
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

// startupFailure logs a structured fatal event with a reason code.
func startupFailure(logger *slog.Logger, reasonCode string, err error) error {
	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", err)
	} else {
		fmt.Fprintf(os.Stderr,
			`{"timestamp":"%s","level":"ERROR","component":"runtime","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano), reasonCode, err.Error())
	}
	return fmt.Errorf("%s: %w", reasonCode, err)
}

// loadAuthToken returns the configured token, or reads <home>/auth.token,
// generating it on first run.
func loadAuthToken(cfg config.Config, logger *slog.Logger) (string, error) {
	if tok := strings.TrimSpace(cfg.AuthToken); tok != "" {
		return tok, nil
	}
	tokenPath := filepath.Join(cfg.HomeDir, "auth.token")
	if b, err := os.ReadFile(tokenPath); err == nil {
		if tok := strings.TrimSpace(string(b)); tok != "" {
			return tok, nil
		}
	}
	token := uuid.NewString()
	if err := os.WriteFile(tokenPath, []byte(token+"\n"), 0o600); err != nil {
		return "", fmt.Errorf("persist auth token: %w", err)
	}
	logger.Info("auth.token generated", "path", tokenPath)
	return token, nil
}
