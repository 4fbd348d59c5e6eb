package engine

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"

	"github.com/basket/floorwatch/internal/bus"
	"github.com/basket/floorwatch/internal/fetch"
	"github.com/basket/floorwatch/internal/otel"
	"github.com/basket/floorwatch/internal/shared"
)

type Config struct {
	Watches  WatchRepository
	Cursors  CursorStore
	History  HistoryStore
	Licenses LicenseStore
	Fetcher  *fetch.Fetcher
	Events   EventSource
	Applier  *Applier

	Workers          int           // concurrent watch tasks per pass
	EventCap         int           // above this many pending events only the latest is posted
	Unit             string        // currency symbol in labels
	ExpiryMargin     time.Duration // license look-ahead window
	HistoryRetention time.Duration // zero keeps history forever

	Bus     *bus.Bus
	Tracer  trace.Tracer
	Metrics Metrics
	Logger  *slog.Logger
	Now     func() time.Time
}

// Runner executes the sync passes. Each call is one cycle; the runner keeps
// no state between cycles.
type Runner struct {
	cfg        Config
	reconciler *Reconciler
	logger     *slog.Logger
	metrics    Metrics
	tracer     trace.Tracer
	now        func() time.Time
}

func NewRunner(cfg Config) (*Runner, error) {
	if cfg.Watches == nil {
		return nil, errors.New("engine: watch repository is required")
	}
	if cfg.Fetcher == nil {
		return nil, errors.New("engine: fetcher is required")
	}
	if cfg.Applier == nil {
		return nil, errors.New("engine: applier is required")
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 8
	}
	if cfg.EventCap <= 0 {
		cfg.EventCap = 5
	}
	if cfg.Unit == "" {
		cfg.Unit = "Ξ"
	}
	if cfg.ExpiryMargin <= 0 {
		cfg.ExpiryMargin = 96 * time.Hour
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = nopMetrics{}
	}
	if cfg.Tracer == nil {
		cfg.Tracer = nooptrace.NewTracerProvider().Tracer(otel.ScopeName)
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	r := &Runner{
		cfg:     cfg,
		logger:  cfg.Logger,
		metrics: cfg.Metrics,
		tracer:  cfg.Tracer,
		now:     cfg.Now,
	}
	if cfg.Licenses != nil {
		r.reconciler = NewReconciler(ReconcilerConfig{
			Licenses:         cfg.Licenses,
			Watches:          cfg.Watches,
			Margin:           cfg.ExpiryMargin,
			HistoryRetention: cfg.HistoryRetention,
			Logger:           cfg.Logger,
			Metrics:          cfg.Metrics,
			Now:              cfg.Now,
		})
	}
	return r, nil
}

// begin opens the span and logging scope of one pass.
func (r *Runner) begin(ctx context.Context, pass, spanName string) (context.Context, trace.Span, *Report) {
	rep := &Report{Pass: pass, CycleID: shared.NewCycleID(), StartedAt: r.now()}
	ctx = shared.WithCycle(ctx, pass, rep.CycleID)
	ctx, span := otel.StartSpan(ctx, r.tracer, spanName,
		otel.AttrPass.String(pass),
		otel.AttrCycleID.String(rep.CycleID),
	)
	return ctx, span, rep
}

// finish records the outcome of a pass in logs, metrics, the span and the bus.
func (r *Runner) finish(ctx context.Context, span trace.Span, rep *Report, err error) {
	rep.Duration = r.now().Sub(rep.StartedAt)
	span.SetAttributes(otel.AttrWatches.Int(rep.Watches))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
	r.metrics.CycleCompleted(ctx, rep.Pass, rep.Duration, err)

	counts := rep.Counts()
	log := r.logger.With("pass", rep.Pass, "cycle_id", rep.CycleID)
	if err != nil {
		log.ErrorContext(ctx, "sync pass failed", "error", err, "duration", rep.Duration)
	} else {
		log.InfoContext(ctx, "sync pass completed", "duration", rep.Duration, "counts", counts)
	}

	if r.cfg.Bus == nil {
		return
	}
	ev := bus.CycleEvent{
		Pass:      rep.Pass,
		CycleID:   rep.CycleID,
		StartedAt: rep.StartedAt,
		Duration:  rep.Duration,
		Counts:    counts,
	}
	topic := bus.TopicCycleCompleted
	if err != nil {
		ev.Error = err.Error()
		topic = bus.TopicCycleFailed
	}
	r.cfg.Bus.Publish(topic, ev)
}

// Reconcile runs the expiry reconciliation pass.
func (r *Runner) Reconcile(ctx context.Context) (Report, error) {
	ctx, span, rep := r.begin(ctx, PassReconcile, otel.SpanReconcile)
	if r.reconciler == nil {
		err := errors.New("engine: no license store configured")
		r.finish(ctx, span, rep, err)
		return *rep, err
	}
	res, err := r.reconciler.Reconcile(ctx)
	rep.LicensesExpired = res.LicensesExpired
	rep.WatchesDeactivated = res.WatchesDeactivated
	rep.HistoryPurged = res.HistoryPurged
	r.finish(ctx, span, rep, err)
	return *rep, err
}
