package fetch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// ErrQueueTimeout is returned when a call waited longer than the gate's
// maximum queueing delay for a concurrency slot or a rate token.
var ErrQueueTimeout = errors.New("fetch: queue delay exceeded")

// GateConfig bounds calls to the external source.
type GateConfig struct {
	RatePerSecond float64
	Burst         int
	Concurrency   int
	MaxQueueDelay time.Duration
	CallTimeout   time.Duration
}

func (c GateConfig) withDefaults() GateConfig {
	if c.RatePerSecond <= 0 {
		c.RatePerSecond = 4
	}
	if c.Burst <= 0 {
		c.Burst = 1
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 4
	}
	if c.MaxQueueDelay <= 0 {
		c.MaxQueueDelay = 30 * time.Second
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = 15 * time.Second
	}
	return c
}

// Gate is a token bucket plus a concurrency cap. Both waits share one
// deadline of MaxQueueDelay.
type Gate struct {
	limiter       *rate.Limiter
	sem           *semaphore.Weighted
	maxQueueDelay time.Duration
	callTimeout   time.Duration
	onReject      func(ctx context.Context)
}

func NewGate(cfg GateConfig) *Gate {
	cfg = cfg.withDefaults()
	return &Gate{
		limiter:       rate.NewLimiter(rate.Limit(cfg.RatePerSecond), cfg.Burst),
		sem:           semaphore.NewWeighted(int64(cfg.Concurrency)),
		maxQueueDelay: cfg.MaxQueueDelay,
		callTimeout:   cfg.CallTimeout,
	}
}

// OnReject registers a hook invoked whenever a call is refused with
// ErrQueueTimeout. It must be set before the gate is used.
func (g *Gate) OnReject(fn func(ctx context.Context)) {
	g.onReject = fn
}

// Do runs fn once a slot and a token are available. fn receives a context
// bounded by the per-call timeout.
func (g *Gate) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	qctx, cancel := context.WithTimeout(ctx, g.maxQueueDelay)
	defer cancel()

	if err := g.sem.Acquire(qctx, 1); err != nil {
		return g.queueErr(ctx, err)
	}
	defer g.sem.Release(1)

	if err := g.limiter.Wait(qctx); err != nil {
		return g.queueErr(ctx, err)
	}

	cctx, ccancel := context.WithTimeout(ctx, g.callTimeout)
	defer ccancel()
	return fn(cctx)
}

func (g *Gate) queueErr(ctx context.Context, cause error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if g.onReject != nil {
		g.onReject(ctx)
	}
	return fmt.Errorf("%w after %s: %v", ErrQueueTimeout, g.maxQueueDelay, cause)
}
