package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/basket/floorwatch/internal/audit"
	"github.com/basket/floorwatch/internal/bus"
	"github.com/basket/floorwatch/internal/channels"
	"github.com/basket/floorwatch/internal/config"
	"github.com/basket/floorwatch/internal/engine"
	"github.com/basket/floorwatch/internal/fetch"
	otelPkg "github.com/basket/floorwatch/internal/otel"
	"github.com/basket/floorwatch/internal/persistence"
	"github.com/basket/floorwatch/internal/source"
	"github.com/basket/floorwatch/internal/telemetry"
)

// startupError tags a wiring failure with a stable reason code.
type startupError struct {
	code string
	err  error
}

func (e *startupError) Error() string { return fmt.Sprintf("%s: %v", e.code, e.err) }
func (e *startupError) Unwrap() error { return e.err }

func failStartup(code string, err error) error {
	return &startupError{code: code, err: err}
}

// app is everything the daemon and the one-shot commands share.
type app struct {
	cfg     config.Config
	logger  *telemetry.Logger
	audit   *audit.Log
	bus     *bus.Bus
	otel    *otelPkg.Provider
	metrics *otelPkg.Metrics
	store   *persistence.Store
	fetcher *fetch.Fetcher
	runner  *engine.Runner
}

// newApp wires the store, sources, gate, applier and runner. quietLogs
// keeps logs in the file only.
func newApp(ctx context.Context, cfg config.Config, quietLogs bool) (_ *app, err error) {
	a := &app{cfg: cfg, bus: bus.New()}
	defer func() {
		if err != nil {
			a.Close(context.Background())
		}
	}()

	a.logger, err = telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, quietLogs)
	if err != nil {
		return nil, failStartup("E_LOGGER_INIT", err)
	}
	logger := a.logger.Logger

	a.audit, err = audit.Open(cfg.HomeDir)
	if err != nil {
		return nil, failStartup("E_AUDIT_INIT", err)
	}

	a.otel, err = otelPkg.Init(ctx, cfg.Telemetry)
	if err != nil {
		return nil, failStartup("E_OTEL_INIT", err)
	}
	a.metrics, err = otelPkg.NewMetrics(a.otel.Meter)
	if err != nil {
		return nil, failStartup("E_METRICS_INIT", err)
	}

	a.store, err = persistence.Open(cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		return nil, failStartup("E_STORE_OPEN", err)
	}
	logger.Info("startup phase", "phase", "schema_migrated", "driver", cfg.Database.Driver)

	opts := source.Options{
		APIBaseURL:     cfg.Source.APIBaseURL,
		WebBaseURL:     cfg.Source.WebBaseURL,
		APIKey:         cfg.Source.APIKey,
		UserAgent:      cfg.Source.UserAgent,
		Timeout:        cfg.Source.CallTimeout,
		ScrapeSelector: cfg.Source.ScrapeSelector,
	}
	api, err := source.NewAPIClient(opts)
	if err != nil {
		return nil, failStartup("E_SOURCE_INIT", err)
	}
	values, err := source.NewValueSource(cfg.Source.Transport, api, opts)
	if err != nil {
		return nil, failStartup("E_SOURCE_INIT", err)
	}

	gate := fetch.NewGate(fetch.GateConfig{
		RatePerSecond: cfg.Source.RatePerSecond,
		Burst:         cfg.Source.Burst,
		Concurrency:   cfg.Source.Concurrency,
		MaxQueueDelay: cfg.Source.MaxQueueDelay,
		CallTimeout:   cfg.Source.CallTimeout,
	})
	gate.OnReject(a.metrics.GateRejected)
	a.fetcher = fetch.New(fetch.Config{
		Source:   values,
		Gate:     gate,
		Logger:   logger,
		Observer: a.metrics,
	})

	sink, err := newSink(cfg.Telegram, cfg.Sync.SinkTimeout, logger)
	if err != nil {
		return nil, failStartup("E_SINK_INIT", err)
	}
	applier := engine.NewApplier(engine.ApplierConfig{
		Sink:        sink,
		Concurrency: cfg.Sync.SinkConcurrency,
		Timeout:     cfg.Sync.SinkTimeout,
		Logger:      logger,
		Metrics:     a.metrics,
	})

	a.runner, err = engine.NewRunner(engine.Config{
		Watches:          a.store,
		Cursors:          a.store,
		History:          a.store,
		Licenses:         a.store,
		Fetcher:          a.fetcher,
		Events:           api,
		Applier:          applier,
		Workers:          cfg.Sync.Workers,
		EventCap:         cfg.Sync.EventCap,
		Unit:             cfg.Sync.CurrencySymbol,
		ExpiryMargin:     cfg.Sync.ExpiryMargin,
		HistoryRetention: time.Duration(cfg.Sync.HistoryRetentionDays) * 24 * time.Hour,
		Bus:              a.bus,
		Tracer:           a.otel.Tracer,
		Metrics:          a.metrics,
		Logger:           logger,
	})
	if err != nil {
		return nil, failStartup("E_ENGINE_INIT", err)
	}
	logger.Info("startup phase", "phase", "engine_ready",
		"transport", values.Name(), "sink", sink.Name(), "config", cfg.Fingerprint())
	return a, nil
}

// newSink returns the Telegram sink, or a log-only sink when Telegram is off.
func newSink(cfg config.TelegramConfig, timeout time.Duration, logger *slog.Logger) (channels.Sink, error) {
	if !cfg.Enabled {
		logger.Warn("telegram disabled; side effects are only logged")
		return channels.NewLogSink(logger), nil
	}
	return channels.NewTelegramSink(cfg.Token, cfg.Endpoint, timeout, logger)
}

// runPass runs one pass by name.
func (a *app) runPass(ctx context.Context, pass string) (engine.Report, error) {
	switch pass {
	case engine.PassValues:
		return a.runner.SyncValues(ctx)
	case engine.PassEvents:
		return a.runner.SyncEvents(ctx)
	case engine.PassReconcile:
		return a.runner.Reconcile(ctx)
	default:
		return engine.Report{}, fmt.Errorf("unknown pass %q", pass)
	}
}

func (a *app) Close(ctx context.Context) {
	a.bus.Close()
	if a.store != nil {
		_ = a.store.Close()
	}
	if a.otel != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		_ = a.otel.Shutdown(shutdownCtx)
		cancel()
	}
	_ = a.audit.Close()
	if a.logger != nil {
		_ = a.logger.Close()
	}
}
