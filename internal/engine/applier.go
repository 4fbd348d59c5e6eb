package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"

	"github.com/basket/floorwatch/internal/channels"
	"github.com/basket/floorwatch/internal/otel"
	"github.com/basket/floorwatch/internal/shared"
)

// Op is the kind of side effect a task performs.
type Op string

const (
	OpRename Op = "rename"
	OpPost   Op = "post"
)

// Task is one side effect for one watch.
type Task struct {
	WatchID   string
	GuildRef  string
	Op        Op
	TargetRef string
	Text      string
}

// SideEffectError reports a failed rename or post. The watch stays active.
type SideEffectError struct {
	WatchID string
	Op      Op
	Err     error
}

func (e *SideEffectError) Error() string {
	return fmt.Sprintf("%s for watch %s: %v", e.Op, e.WatchID, e.Err)
}

func (e *SideEffectError) Unwrap() error { return e.Err }

type applyResult string

const (
	resultApplied applyResult = "ok"
	resultSkipped applyResult = "skipped"
	resultFailed  applyResult = "error"
)

type ApplierConfig struct {
	Sink        channels.Sink
	Concurrency int           // max in-flight sink calls across all passes
	Timeout     time.Duration // per sink call
	Logger      *slog.Logger
	Metrics     Metrics
}

// Applier performs side effects with a shared concurrency bound. A failure
// never escapes as a panic and never touches other tasks.
type Applier struct {
	sink    channels.Sink
	sem     *semaphore.Weighted
	timeout time.Duration
	logger  *slog.Logger
	metrics Metrics
}

func NewApplier(cfg ApplierConfig) *Applier {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = nopMetrics{}
	}
	return &Applier{
		sink:    cfg.Sink,
		sem:     semaphore.NewWeighted(int64(cfg.Concurrency)),
		timeout: cfg.Timeout,
		logger:  cfg.Logger,
		metrics: cfg.Metrics,
	}
}

// Apply runs task. A target that no longer exists is skipped and reported
// as success; any other failure comes back as *SideEffectError.
func (a *Applier) Apply(ctx context.Context, task Task) error {
	_, err := a.apply(ctx, task)
	return err
}

func (a *Applier) apply(ctx context.Context, task Task) (applyResult, error) {
	if err := a.sem.Acquire(ctx, 1); err != nil {
		a.metrics.SideEffect(ctx, string(task.Op), string(resultFailed))
		return resultFailed, &SideEffectError{WatchID: task.WatchID, Op: task.Op, Err: err}
	}
	defer a.sem.Release(1)

	callCtx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()
	err := a.invoke(callCtx, task)

	log := a.logger.With(
		"cycle_id", shared.CycleID(ctx),
		"watch_id", task.WatchID,
		"guild", task.GuildRef,
		"op", task.Op,
		"target", task.TargetRef,
	)
	switch {
	case err == nil:
		a.metrics.SideEffect(ctx, string(task.Op), string(resultApplied))
		return resultApplied, nil
	case errors.Is(err, channels.ErrTargetGone):
		log.InfoContext(ctx, "side effect skipped, target gone", "error", err)
		a.metrics.SideEffect(ctx, string(task.Op), string(resultSkipped))
		return resultSkipped, nil
	default:
		log.WarnContext(ctx, "side effect failed", "error", err)
		trace.SpanFromContext(ctx).AddEvent("side_effect.failed", trace.WithAttributes(
			otel.AttrWatchID.String(task.WatchID),
			attribute.String("op", string(task.Op)),
		))
		a.metrics.SideEffect(ctx, string(task.Op), string(resultFailed))
		return resultFailed, &SideEffectError{WatchID: task.WatchID, Op: task.Op, Err: err}
	}
}

func (a *Applier) invoke(ctx context.Context, task Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("sink %s panicked: %v", a.sink.Name(), r)
		}
	}()
	switch task.Op {
	case OpRename:
		return a.sink.Rename(ctx, task.TargetRef, task.Text)
	case OpPost:
		return a.sink.Post(ctx, task.TargetRef, task.Text)
	default:
		return fmt.Errorf("unknown op %q", task.Op)
	}
}
