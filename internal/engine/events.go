package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/basket/floorwatch/internal/fetch"
	"github.com/basket/floorwatch/internal/otel"
	"github.com/basket/floorwatch/internal/persistence"
	"github.com/basket/floorwatch/internal/source"
)

// SyncEvents runs one event-sync cycle. Each active event watch fetches the
// events after its cursor, posts them, and moves its cursor to the time the
// fetch was issued. A watch without a cursor is backfilled silently.
func (r *Runner) SyncEvents(ctx context.Context) (Report, error) {
	ctx, span, rep := r.begin(ctx, PassEvents, otel.SpanEvents)

	if r.cfg.Events == nil || r.cfg.Cursors == nil {
		err := errors.New("engine: event source and cursor store are required")
		r.finish(ctx, span, rep, err)
		return *rep, err
	}

	watches, err := r.cfg.Watches.ListActive(ctx, persistence.KindEvent)
	if err != nil {
		err = fmt.Errorf("list event watches: %w", err)
		r.finish(ctx, span, rep, err)
		return *rep, err
	}
	rep.Watches = len(watches)

	var mu sync.Mutex
	var g errgroup.Group
	g.SetLimit(r.cfg.Workers)
	for _, w := range watches {
		g.Go(func() error {
			r.syncWatchEvents(ctx, w, rep, &mu)
			return nil
		})
	}
	_ = g.Wait()

	r.finish(ctx, span, rep, nil)
	return *rep, nil
}

func (r *Runner) syncWatchEvents(ctx context.Context, w persistence.Watch, rep *Report, mu *sync.Mutex) {
	log := r.logger.With("watch_id", w.ID, "guild", w.GuildRef, "key", w.LookupKey, "event_type", w.EventType)
	update := func(fn func()) {
		mu.Lock()
		fn()
		mu.Unlock()
	}

	cursor, hasCursor, err := r.cfg.Cursors.GetCursor(ctx, w.ID)
	if err != nil {
		log.WarnContext(ctx, "cursor read failed", "error", err)
		update(func() { rep.CursorErrors++ })
		return
	}
	var since *time.Time
	if hasCursor {
		since = &cursor
	}

	fetchStart := r.now()
	var events []source.Event
	err = r.cfg.Fetcher.Gate().Do(ctx, func(ctx context.Context) error {
		var err error
		events, err = r.cfg.Events.FetchEvents(ctx, w.LookupKey, w.EventType, since)
		return err
	})
	if err != nil {
		status := fetch.Classify(err)
		log.InfoContext(ctx, "event fetch failed, cursor unchanged", "status", status, "error", err)
		update(func() {
			if status == fetch.StatusNotFound {
				rep.NotFound++
			} else {
				rep.Transient++
			}
		})
		return
	}
	update(func() {
		rep.Calls++
		rep.Succeeded++
	})

	if !hasCursor {
		log.InfoContext(ctx, "first sync, backfilling without notifications", "events", len(events))
		update(func() { rep.Backfilled++ })
	} else {
		pending := eventsAfter(events, cursor)
		if len(pending) > r.cfg.EventCap {
			log.InfoContext(ctx, "too many pending events, posting the latest only",
				"pending", len(pending), "cap", r.cfg.EventCap)
			pending = []source.Event{latest(pending)}
			update(func() { rep.Truncated++ })
		}
		for _, ev := range pending {
			res, _ := r.cfg.Applier.apply(ctx, Task{
				WatchID:   w.ID,
				GuildRef:  w.GuildRef,
				Op:        OpPost,
				TargetRef: w.TargetRef,
				Text:      FormatEvent(w.LookupKey, ev),
			})
			update(func() {
				rep.tally(res)
				if res == resultApplied {
					rep.Delivered++
				}
			})
		}
	}

	if err := r.cfg.Cursors.SetCursor(ctx, w.ID, fetchStart); err != nil {
		log.WarnContext(ctx, "cursor write failed", "error", err)
		update(func() { rep.CursorErrors++ })
		return
	}
	r.metrics.CursorAdvanced(ctx)
	update(func() { rep.CursorsAdvanced++ })
}

// eventsAfter keeps events strictly newer than cursor, in source order.
func eventsAfter(events []source.Event, cursor time.Time) []source.Event {
	out := make([]source.Event, 0, len(events))
	for _, ev := range events {
		if ev.Timestamp.After(cursor) {
			out = append(out, ev)
		}
	}
	return out
}

// latest returns the newest event. Ties go to the earlier one in source order.
func latest(events []source.Event) source.Event {
	best := events[0]
	for _, ev := range events[1:] {
		if ev.Timestamp.After(best.Timestamp) {
			best = ev
		}
	}
	return best
}
