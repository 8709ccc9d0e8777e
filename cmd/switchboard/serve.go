package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/basket/switchboard/internal/config"
	"github.com/basket/switchboard/internal/cron"
	"github.com/basket/switchboard/internal/gateway"
	"github.com/basket/switchboard/internal/telemetry"
)

func serveCmd(opts *rootOptions) *cobra.Command {
	var bind string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the gateway, liveness report and roster watcher",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return startupFailure(nil, "E_CONFIG_LOAD", err)
			}
			if bind != "" {
				cfg.BindAddr = bind
			}
			return runServer(cmd.Context(), cfg, appOptions{logWriter: opts.logWriter}, nil)
		},
	}
	cmd.Flags().StringVar(&bind, "bind", "", "Listen address (overrides bind_addr)")
	return cmd
}

// runServer blocks until ctx is cancelled or the listener fails. ready, when
// non-nil, receives the bound address once the gateway accepts connections.
func runServer(ctx context.Context, cfg config.Config, opts appOptions, ready chan<- string) error {
	a, err := openApp(ctx, cfg, opts)
	if err != nil {
		return err
	}
	defer a.Close()
	logger := a.logger
	logger.Info("startup phase", "phase", "config_loaded", "home", cfg.HomeDir, "fingerprint", cfg.Fingerprint())
	if cfg.Missing {
		logger.Info("config.yaml not found; running with defaults", "path", config.ConfigPath(cfg.HomeDir))
	}
	if host, _, err := net.SplitHostPort(cfg.BindAddr); err == nil {
		h := strings.TrimSpace(strings.ToLower(host))
		loopback := h == "127.0.0.1" || h == "localhost" || h == "::1"
		if !loopback && len(cfg.Gateway.AllowOrigins) == 0 {
			logger.Warn("allow_origins is empty on non-loopback bind; browser websocket clients must be same-origin", "bind_addr", cfg.BindAddr)
		}
	}

	token, err := loadAuthToken(cfg, logger)
	if err != nil {
		return startupFailure(logger, "E_AUTH_TOKEN", err)
	}

	disc := a.registry.Discover(ctx, cfg.RosterPath())
	logger.Info("startup phase", "phase", "roster_discovered",
		"registered", len(disc.Registered), "skipped", len(disc.Skipped))

	gw := gateway.New(gateway.Config{
		Store:             a.store,
		Registry:          a.registry,
		Router:            a.router,
		Lifecycle:         a.lifecycle,
		Pipeline:          a.pipeline,
		DeadLetters:       a.deadLetters,
		Operator:          a.operator,
		Bus:               a.bus,
		Metrics:           a.metrics,
		Logger:            telemetry.Component(logger, "gateway"),
		AuthToken:         token,
		AllowOrigins:      cfg.Gateway.AllowOrigins,
		CORS:              cfg.Gateway.CORS,
		RateLimit:         cfg.Gateway.RateLimit,
		MaxBodyBytes:      cfg.Gateway.MaxBodyBytes,
		ConfigFingerprint: cfg.Fingerprint(),
		DispatchTool:      cfg.DispatchTool,
	})
	gw.StartEviction(ctx)

	lc := &net.ListenConfig{}
	ln, err := lc.Listen(ctx, "tcp", cfg.BindAddr)
	if err != nil {
		if isAddrInUse(err) {
			err = fmt.Errorf("%w\n\n  Port is already in use. Stop the existing process or change bind_addr in config.yaml.", err)
		}
		return startupFailure(logger, "E_LISTENER_BIND", err)
	}
	server := &http.Server{
		Handler:           gw.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	serverErr := make(chan error, 1)
	go func() {
		logger.Info("gateway listening", "addr", ln.Addr().String(), "ws", "/ws/events")
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	sched, err := cron.NewScheduler(cron.Config{
		Registry: a.registry,
		Bus:      a.bus,
		Logger:   telemetry.Component(logger, "cron"),
		Spec:     cfg.LivenessReportCron,
	})
	if err != nil {
		_ = server.Close()
		return startupFailure(logger, "E_CRON_SCHEDULE", err)
	}
	if err := sched.Start(ctx); err != nil {
		_ = server.Close()
		return startupFailure(logger, "E_CRON_SCHEDULE", err)
	}
	defer sched.Stop()

	watchCtx, stopWatch := context.WithCancel(ctx)
	defer stopWatch()
	watcher := config.NewWatcher(cfg.HomeDir, cfg.RosterPath(), telemetry.Component(logger, "watcher"))
	if err := watcher.Start(watchCtx); err != nil {
		logger.Warn("config watcher disabled", "error", err)
	} else {
		rl := &reloader{app: a, home: cfg.HomeDir, fingerprint: cfg.Fingerprint(), logger: telemetry.Component(logger, "reload")}
		go rl.run(watchCtx, watcher.Events())
	}
	logger.Info("startup phase", "phase", "ready")
	if ready != nil {
		ready <- ln.Addr().String()
	}

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case runErr = <-serverErr:
		logger.Error("gateway server error", "error", runErr)
	}

	// Stop intake first; in-flight handlers get the drain timeout to finish.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.DrainTimeout())
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("gateway drain incomplete", "error", err)
	}
	logger.Info("shutdown complete")
	return runErr
}

// reloader reacts to watcher events: roster changes trigger rediscovery and
// config changes are validated and logged. log_level and roster_dir apply
// immediately; everything else takes effect on restart.
type reloader struct {
	app         *app
	home        string
	fingerprint string
	logger      *slog.Logger
}

func (r *reloader) run(ctx context.Context, events <-chan config.ReloadEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			r.handle(ctx, ev)
		}
	}
}

func (r *reloader) handle(ctx context.Context, ev config.ReloadEvent) {
	switch ev.Kind {
	case config.ReloadRoster:
		r.app.registry.Discover(ctx, r.app.registry.RosterDir())
	case config.ReloadConfig:
		cfg, err := config.LoadFrom(r.home)
		if err != nil {
			r.logger.Warn("config reload rejected", "error", err)
			return
		}
		fp := cfg.Fingerprint()
		if fp == r.fingerprint {
			return
		}
		r.logger.Info("config changed; restart to apply", "previous", r.fingerprint, "fingerprint", fp)
		r.fingerprint = fp
		telemetry.SetLevel(r.app.logger, cfg.LogLevel)
		if dir := cfg.RosterPath(); dir != r.app.registry.RosterDir() {
			r.app.registry.SetRosterDir(dir)
			r.app.registry.Discover(ctx, dir)
		}
	}
}

func isAddrInUse(err error) bool {
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		var sysErr *os.SyscallError
		if errors.As(opErr.Err, &sysErr) {
			return sysErr.Err == syscall.EADDRINUSE
		}
	}
	return strings.Contains(err.Error(), "address already in use")
}
