package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/basket/floorwatch/internal/bus"
	"github.com/basket/floorwatch/internal/config"
	"github.com/basket/floorwatch/internal/cron"
	"github.com/basket/floorwatch/internal/engine"
	"github.com/basket/floorwatch/internal/gateway"
)

func newRunCommand(root *rootOptions) *cobra.Command {
	var syncOnStart bool

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the sync daemon",
		Long: `Start the scheduler for the value, event and reconcile passes, and the
HTTP gateway when enabled. Logs go to stdout and $FLOORWATCH_HOME/logs.

Example:
  floorwatch run
  floorwatch run --sync`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runDaemon(cmd.Context(), root, syncOnStart)
		},
	}
	cmd.Flags().BoolVar(&syncOnStart, "sync", false, "run a value pass right after startup")
	return cmd
}

func runDaemon(ctx context.Context, root *rootOptions, syncFlag bool) error {
	cfg, err := root.loadConfig()
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}
	if cfg.NeedsInit {
		if _, err := config.WriteStarter(cfg.HomeDir); err != nil {
			fatalStartup(nil, "E_CONFIG_WRITE", err)
		}
		if cfg, err = root.loadConfig(); err != nil {
			fatalStartup(nil, "E_CONFIG_RELOAD", err)
		}
	}

	a, err := newApp(ctx, cfg, false)
	if err != nil {
		var se *startupError
		if errors.As(err, &se) {
			fatalStartup(nil, se.code, se.err)
		}
		fatalStartup(nil, "E_STARTUP", err)
	}
	defer a.Close(context.Background())
	logger := a.logger.Logger
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "home", cfg.HomeDir, "version", Version)

	sched := cron.NewScheduler(cron.Config{Logger: logger})
	for pass, spec := range cfg.Schedules() {
		if err := sched.Register(pass, spec, func(ctx context.Context) error {
			_, err := a.runPass(ctx, pass)
			return err
		}); err != nil {
			fatalStartup(logger, "E_SCHEDULE", err)
		}
	}
	sched.Start(ctx)
	defer sched.Stop()
	logger.Info("startup phase", "phase", "scheduler_started")

	watcher := config.NewWatcher(cfg.HomeDir, logger)
	if err := watcher.Start(ctx); err != nil {
		logger.Warn("config hot reload unavailable", "error", err)
	} else {
		go func() {
			current := cfg
			for rl := range watcher.Reloads() {
				if rl.Err != nil {
					logger.Error("config reload rejected", "error", rl.Err)
					continue
				}
				applyReload(current, rl.Config, sched, a.logger, a.bus)
				current = rl.Config
			}
		}()
	}

	serverErr := make(chan error, 1)
	var server *http.Server
	if cfg.Gateway.Enabled {
		gw := gateway.New(gateway.Config{
			Trigger:           sched,
			Store:             a.store,
			Bus:               a.bus,
			MetricsHandler:    a.otel.MetricsHandler,
			Metrics:           a.metrics,
			Audit:             a.audit,
			Tracer:            a.otel.Tracer,
			AuthToken:         cfg.Gateway.AuthToken,
			AllowOrigins:      cfg.Gateway.AllowOrigins,
			SyncPerMinute:     cfg.Gateway.SyncPerMinute,
			ConfigFingerprint: cfg.Fingerprint(),
			Logger:            logger,
		})
		defer gw.Close()

		ln, err := (&net.ListenConfig{}).Listen(ctx, "tcp", cfg.Gateway.BindAddr)
		if err != nil {
			fatalStartup(logger, "E_GATEWAY_BIND", err)
		}
		server = &http.Server{Handler: gw.Handler(), ReadHeaderTimeout: 10 * time.Second}
		go func() {
			logger.Info("gateway listening", "addr", ln.Addr().String())
			if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				serverErr <- err
			}
		}()
		logger.Info("startup phase", "phase", "gateway_bound", "addr", cfg.Gateway.BindAddr)
	}

	if syncFlag || cfg.Sync.SyncOnStart {
		go func() {
			if err := sched.RunNow(engine.PassValues); err != nil {
				logger.Error("startup value pass failed", "error", err)
			}
		}()
	}

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		logger.Error("gateway server error", "error", err)
	}

	if server != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}
	// Deferred sched.Stop waits for running passes before the store closes.
	logger.Info("shutdown complete")
	return nil
}

func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(
			os.Stderr,
			`{"timestamp":"%s","level":"ERROR","component":"floorwatch","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano),
			reasonCode,
			message,
		)
	}
	os.Exit(1)
}

// rescheduler is the part of the scheduler a reload touches.
type rescheduler interface {
	Reschedule(name, spec string) error
}

// levelSetter is the part of the logger a reload touches.
type levelSetter interface {
	SetLevel(level string)
}

// applyReload moves changed schedules and the log level to next and
// announces the reload. Other settings need a restart. It returns the
// passes whose schedule changed.
func applyReload(prev, next config.Config, sched rescheduler, logs levelSetter, b *bus.Bus) []string {
	var changed []string
	prevSpecs := prev.Schedules()
	for pass, spec := range next.Schedules() {
		if prevSpecs[pass] == spec {
			continue
		}
		if err := sched.Reschedule(pass, spec); err != nil {
			slog.Error("reschedule failed", "pass", pass, "spec", spec, "error", err)
			continue
		}
		changed = append(changed, pass)
	}
	sort.Strings(changed)
	if prev.LogLevel != next.LogLevel {
		logs.SetLevel(next.LogLevel)
	}

	// Only schedules and log level apply live; anything else in the
	// fingerprint waits for a restart.
	prev.Sync.ValueSchedule, prev.Sync.EventSchedule, prev.Sync.ReconcileSchedule =
		next.Sync.ValueSchedule, next.Sync.EventSchedule, next.Sync.ReconcileSchedule
	prev.LogLevel = next.LogLevel
	if prev.Fingerprint() != next.Fingerprint() {
		slog.Warn("config changes besides schedules and log level take effect after restart")
	}

	slog.Info("config reloaded", "fingerprint", next.Fingerprint(), "rescheduled", changed)
	if b != nil {
		b.Publish(bus.TopicConfigReloaded, bus.ConfigReloadedEvent{
			Fingerprint: next.Fingerprint(),
			Changed:     changed,
		})
	}
	return changed
}
