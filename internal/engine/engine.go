// Package engine runs the value-sync, event-sync and reconciliation passes
// that keep watch targets in step with the collections they track.
package engine

import (
	"context"
	"time"

	"github.com/basket/floorwatch/internal/persistence"
	"github.com/basket/floorwatch/internal/source"
)

// Pass names, used for scheduling, logs, metrics and bus events.
const (
	PassValues    = "value"
	PassEvents    = "events"
	PassReconcile = "reconcile"
)

// WatchRepository lists and toggles watch subscriptions.
type WatchRepository interface {
	ListActive(ctx context.Context, kind persistence.WatchKind) ([]persistence.Watch, error)
	SetActive(ctx context.Context, id string, active bool) error
}

// CursorStore keeps the last-consumed event time per event watch. SetCursor
// must never move a cursor backwards.
type CursorStore interface {
	GetCursor(ctx context.Context, watchID string) (time.Time, bool, error)
	SetCursor(ctx context.Context, watchID string, at time.Time) error
}

// HistoryStore appends value samples. Appending the same key and timestamp
// twice must be a no-op.
type HistoryStore interface {
	AppendHistory(ctx context.Context, rec persistence.HistoryRecord) error
}

// LicenseStore backs the reconciliation pass.
type LicenseStore interface {
	ExpireLicenses(ctx context.Context, horizon time.Time) (int64, error)
	LicensedGuilds(ctx context.Context) (map[string]struct{}, error)
	PurgeHistory(ctx context.Context, before time.Time) (int64, error)
}

// EventSource lists collection events newer than since, in source order.
// A nil since means no lower bound.
type EventSource interface {
	FetchEvents(ctx context.Context, key string, t persistence.EventType, since *time.Time) ([]source.Event, error)
}

// Metrics receives pass telemetry. Implementations must be safe for
// concurrent use.
type Metrics interface {
	CycleCompleted(ctx context.Context, pass string, d time.Duration, err error)
	SideEffect(ctx context.Context, kind, result string)
	HistoryWritten(ctx context.Context, n int)
	CursorAdvanced(ctx context.Context)
	Deactivated(ctx context.Context, n int)
}

type nopMetrics struct{}

func (nopMetrics) CycleCompleted(context.Context, string, time.Duration, error) {}
func (nopMetrics) SideEffect(context.Context, string, string)                   {}
func (nopMetrics) HistoryWritten(context.Context, int)                          {}
func (nopMetrics) CursorAdvanced(context.Context)                               {}
func (nopMetrics) Deactivated(context.Context, int)                             {}

// Report summarizes one pass. Fields that do not apply to a pass stay zero.
type Report struct {
	Pass      string        `json:"pass"`
	CycleID   string        `json:"cycle_id"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
	Watches   int           `json:"watches"`

	// Fetch outcomes. The value pass counts distinct keys, the event pass
	// counts watches.
	Calls     int64 `json:"calls"`
	Succeeded int   `json:"succeeded"`
	NotFound  int   `json:"not_found"`
	Transient int   `json:"transient"`

	Applied int `json:"applied"`
	Skipped int `json:"skipped"`
	Failed  int `json:"failed"`

	HistoryWritten int `json:"history_written"`

	Backfilled      int `json:"backfilled"`
	Delivered       int `json:"delivered"`
	Truncated       int `json:"truncated"`
	CursorsAdvanced int `json:"cursors_advanced"`
	CursorErrors    int `json:"cursor_errors"`

	LicensesExpired    int64 `json:"licenses_expired"`
	WatchesDeactivated int   `json:"watches_deactivated"`
	HistoryPurged      int64 `json:"history_purged"`
}

// Counts flattens the non-zero counters for logs and bus events.
func (r Report) Counts() map[string]int64 {
	all := map[string]int64{
		"watches":             int64(r.Watches),
		"calls":               r.Calls,
		"succeeded":           int64(r.Succeeded),
		"not_found":           int64(r.NotFound),
		"transient":           int64(r.Transient),
		"applied":             int64(r.Applied),
		"skipped":             int64(r.Skipped),
		"failed":              int64(r.Failed),
		"history_written":     int64(r.HistoryWritten),
		"backfilled":          int64(r.Backfilled),
		"delivered":           int64(r.Delivered),
		"truncated":           int64(r.Truncated),
		"cursors_advanced":    int64(r.CursorsAdvanced),
		"cursor_errors":       int64(r.CursorErrors),
		"licenses_expired":    r.LicensesExpired,
		"watches_deactivated": int64(r.WatchesDeactivated),
		"history_purged":      r.HistoryPurged,
	}
	out := make(map[string]int64, len(all))
	for k, v := range all {
		if v != 0 {
			out[k] = v
		}
	}
	return out
}
