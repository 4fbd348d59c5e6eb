package gateway

import (
	"context"
	"sync"
	"time"

	"github.com/basket/floorwatch/internal/bus"
)

// PassSnapshot is the last reported run of one pass.
type PassSnapshot struct {
	CycleID    string           `json:"cycle_id"`
	StartedAt  time.Time        `json:"started_at"`
	DurationMS int64            `json:"duration_ms"`
	OK         bool             `json:"ok"`
	Error      string           `json:"error,omitempty"`
	Counts     map[string]int64 `json:"counts,omitempty"`
}

func snapshotOf(topic string, ev bus.CycleEvent) PassSnapshot {
	return PassSnapshot{
		CycleID:    ev.CycleID,
		StartedAt:  ev.StartedAt,
		DurationMS: ev.Duration.Milliseconds(),
		OK:         topic == bus.TopicCycleCompleted,
		Error:      ev.Error,
		Counts:     ev.Counts,
	}
}

// StatusTracker keeps the latest cycle report per pass from the bus.
type StatusTracker struct {
	b   *bus.Bus
	sub *bus.Subscription

	mu          sync.RWMutex
	latest      map[string]PassSnapshot
	fingerprint string
}

// NewStatusTracker subscribes immediately so no event published after it
// returns is missed.
func NewStatusTracker(b *bus.Bus) *StatusTracker {
	return &StatusTracker{
		b:      b,
		sub:    b.Subscribe(""),
		latest: make(map[string]PassSnapshot),
	}
}

// Run consumes events until ctx ends.
func (t *StatusTracker) Run(ctx context.Context) {
	defer t.b.Unsubscribe(t.sub)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-t.sub.Ch():
			if !ok {
				return
			}
			t.handle(ev)
		}
	}
}

func (t *StatusTracker) handle(ev bus.Event) {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch p := ev.Payload.(type) {
	case bus.CycleEvent:
		t.latest[p.Pass] = snapshotOf(ev.Topic, p)
	case bus.ConfigReloadedEvent:
		t.fingerprint = p.Fingerprint
	}
}

// Latest returns a copy of the per-pass snapshots.
func (t *StatusTracker) Latest() map[string]PassSnapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[string]PassSnapshot, len(t.latest))
	for k, v := range t.latest {
		out[k] = v
	}
	return out
}

func (t *StatusTracker) Fingerprint() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.fingerprint
}
