package bus

import "time"

// Sync cycle topics. Subscribe to "cycle." for every pass.
const (
	TopicCycleCompleted = "cycle.completed"
	TopicCycleFailed    = "cycle.failed"
)

// Configuration topics.
const (
	TopicConfigReloaded = "config.reloaded"
)

// CycleEvent is published when a value, event or reconcile pass ends.
type CycleEvent struct {
	Pass      string           // "value", "events" or "reconcile"
	CycleID   string           // Unique per pass invocation
	StartedAt time.Time        // Cycle start
	Duration  time.Duration    // Wall time of the pass
	Counts    map[string]int64 // Pass-specific counters
	Error     string           // Set on TopicCycleFailed
}

// ConfigReloadedEvent is published after config.yaml was re-read.
type ConfigReloadedEvent struct {
	Fingerprint string
	Changed     []string // Pass names whose schedule changed
}
