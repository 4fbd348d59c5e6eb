// Package fetch resolves lookup keys against the value source with
// per-cycle deduplication behind a rate and concurrency gate.
package fetch

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/basket/floorwatch/internal/shared"
	"github.com/basket/floorwatch/internal/source"
)

// Status classifies one fetch.
type Status string

const (
	StatusSuccess   Status = "success"
	StatusNotFound  Status = "not_found"
	StatusTransient Status = "transient_error"
)

// Outcome is the single result every caller of a key observes within a cycle.
type Outcome struct {
	Key       string
	Status    Status
	Value     source.Snapshot
	Err       error
	FetchedAt time.Time
}

func (o Outcome) OK() bool { return o.Status == StatusSuccess }

// Classify maps a source error onto a Status.
func Classify(err error) Status {
	switch {
	case err == nil:
		return StatusSuccess
	case errors.Is(err, source.ErrNotFound):
		return StatusNotFound
	default:
		return StatusTransient
	}
}

// Observer receives fetch telemetry. Implementations must be safe for
// concurrent use.
type Observer interface {
	FetchIssued(ctx context.Context, source string)
	FetchCompleted(ctx context.Context, status string)
}

type Config struct {
	Source   source.ValueSource
	Gate     *Gate
	Logger   *slog.Logger
	Observer Observer
	Now      func() time.Time
}

// Fetcher creates cycles. It holds no per-key state of its own.
type Fetcher struct {
	src      source.ValueSource
	gate     *Gate
	logger   *slog.Logger
	observer Observer
	now      func() time.Time
}

func New(cfg Config) *Fetcher {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	gate := cfg.Gate
	if gate == nil {
		gate = NewGate(GateConfig{})
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Fetcher{
		src:      cfg.Source,
		gate:     gate,
		logger:   logger,
		observer: cfg.Observer,
		now:      now,
	}
}

// Gate exposes the shared budget so other passes hitting the same upstream
// draw from it too.
func (f *Fetcher) Gate() *Gate {
	return f.gate
}

// NewCycle starts an empty dedup cache. Drop the cycle when the pass ends.
func (f *Fetcher) NewCycle() *Cycle {
	return &Cycle{f: f, done: make(map[string]Outcome)}
}

// Cycle memoizes outcomes for one pass. Resolve is safe for concurrent use.
type Cycle struct {
	f     *Fetcher
	group singleflight.Group
	mu    sync.Mutex
	done  map[string]Outcome
	calls atomic.Int64
}

// Resolve returns the outcome for key, issuing at most one external call
// per key for the life of the cycle.
func (c *Cycle) Resolve(ctx context.Context, key string) Outcome {
	if o, ok := c.lookup(key); ok {
		return o
	}
	v, _, _ := c.group.Do(key, func() (any, error) {
		if o, ok := c.lookup(key); ok {
			return o, nil
		}
		o := c.fetch(ctx, key)
		c.mu.Lock()
		c.done[key] = o
		c.mu.Unlock()
		return o, nil
	})
	return v.(Outcome)
}

func (c *Cycle) lookup(key string) (Outcome, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	o, ok := c.done[key]
	return o, ok
}

func (c *Cycle) fetch(ctx context.Context, key string) Outcome {
	f := c.f
	var snap source.Snapshot
	err := f.gate.Do(ctx, func(ctx context.Context) error {
		c.calls.Add(1)
		if f.observer != nil {
			f.observer.FetchIssued(ctx, f.src.Name())
		}
		var err error
		snap, err = f.src.FetchSnapshot(ctx, key)
		return err
	})
	o := Outcome{Key: key, Status: Classify(err), Err: err, FetchedAt: f.now()}
	if o.OK() {
		o.Value = snap
	}
	if f.observer != nil {
		f.observer.FetchCompleted(ctx, string(o.Status))
	}
	if err != nil {
		f.logger.Debug("fetch failed", "cycle_id", shared.CycleID(ctx), "key", key, "status", o.Status, "error", err)
	}
	return o
}

// Calls reports how many external calls this cycle issued.
func (c *Cycle) Calls() int64 {
	return c.calls.Load()
}

// Outcomes returns a snapshot of the cache ordered by key.
func (c *Cycle) Outcomes() []Outcome {
	c.mu.Lock()
	out := make([]Outcome, 0, len(c.done))
	for _, o := range c.done {
		out = append(out, o)
	}
	c.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}
