package otel

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds all floorwatch metric instruments.
type Metrics struct {
	RequestDuration  metric.Float64Histogram
	CycleDuration    metric.Float64Histogram
	CycleRuns        metric.Int64Counter
	FetchCalls       metric.Int64Counter
	FetchOutcomes    metric.Int64Counter
	SideEffects      metric.Int64Counter
	HistoryWrites    metric.Int64Counter
	CursorAdvances   metric.Int64Counter
	Deactivations    metric.Int64Counter
	RateLimitRejects metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.RequestDuration, err = meter.Float64Histogram("floorwatch.request.duration",
		metric.WithDescription("Gateway request duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.CycleDuration, err = meter.Float64Histogram("floorwatch.cycle.duration",
		metric.WithDescription("Sync pass duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.CycleRuns, err = meter.Int64Counter("floorwatch.cycle.runs",
		metric.WithDescription("Sync passes run, by pass and result"),
	)
	if err != nil {
		return nil, err
	}

	m.FetchCalls, err = meter.Int64Counter("floorwatch.fetch.calls",
		metric.WithDescription("External value source calls issued"),
	)
	if err != nil {
		return nil, err
	}

	m.FetchOutcomes, err = meter.Int64Counter("floorwatch.fetch.outcomes",
		metric.WithDescription("Fetch outcomes by status"),
	)
	if err != nil {
		return nil, err
	}

	m.SideEffects, err = meter.Int64Counter("floorwatch.sideeffect.results",
		metric.WithDescription("Side effects applied, by kind and result"),
	)
	if err != nil {
		return nil, err
	}

	m.HistoryWrites, err = meter.Int64Counter("floorwatch.history.writes",
		metric.WithDescription("History rows appended"),
	)
	if err != nil {
		return nil, err
	}

	m.CursorAdvances, err = meter.Int64Counter("floorwatch.cursor.advances",
		metric.WithDescription("Event cursors moved forward"),
	)
	if err != nil {
		return nil, err
	}

	m.Deactivations, err = meter.Int64Counter("floorwatch.reconcile.deactivations",
		metric.WithDescription("Watches deactivated by reconciliation"),
	)
	if err != nil {
		return nil, err
	}

	m.RateLimitRejects, err = meter.Int64Counter("floorwatch.gate.rejects",
		metric.WithDescription("Fetches rejected after waiting past the queue ceiling"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

// FetchIssued counts one external call.
func (m *Metrics) FetchIssued(ctx context.Context, source string) {
	m.FetchCalls.Add(ctx, 1, metric.WithAttributes(attribute.String("source", source)))
}

// FetchCompleted counts one fetch outcome.
func (m *Metrics) FetchCompleted(ctx context.Context, status string) {
	m.FetchOutcomes.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

// GateRejected counts one queue timeout.
func (m *Metrics) GateRejected(ctx context.Context) {
	m.RateLimitRejects.Add(ctx, 1)
}

func (m *Metrics) CycleCompleted(ctx context.Context, pass string, d time.Duration, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	attrs := metric.WithAttributes(attribute.String("pass", pass), attribute.String("result", result))
	m.CycleDuration.Record(ctx, d.Seconds(), attrs)
	m.CycleRuns.Add(ctx, 1, attrs)
}

func (m *Metrics) SideEffect(ctx context.Context, kind, result string) {
	m.SideEffects.Add(ctx, 1, metric.WithAttributes(
		attribute.String("kind", kind),
		attribute.String("result", result),
	))
}

func (m *Metrics) HistoryWritten(ctx context.Context, n int) {
	m.HistoryWrites.Add(ctx, int64(n))
}

func (m *Metrics) CursorAdvanced(ctx context.Context) {
	m.CursorAdvances.Add(ctx, 1)
}

func (m *Metrics) Deactivated(ctx context.Context, n int) {
	m.Deactivations.Add(ctx, int64(n))
}

// ObserveRequest records one gateway request.
func (m *Metrics) ObserveRequest(ctx context.Context, route string, status int, d time.Duration) {
	m.RequestDuration.Record(ctx, d.Seconds(), metric.WithAttributes(
		attribute.String("route", route),
		attribute.Int("status", status),
	))
}
