package engine

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/basket/floorwatch/internal/fetch"
	"github.com/basket/floorwatch/internal/otel"
	"github.com/basket/floorwatch/internal/persistence"
)

// SyncValues runs one value-sync cycle: resolve every active value watch
// through a fresh dedup cache, rename targets for resolved keys, then write
// one history sample per resolved key.
//
// Lookup failures and side-effect failures are counted, not returned. The
// only error is failing to list watches.
func (r *Runner) SyncValues(ctx context.Context) (Report, error) {
	ctx, span, rep := r.begin(ctx, PassValues, otel.SpanValues)

	watches, err := r.cfg.Watches.ListActive(ctx, persistence.KindValue)
	if err != nil {
		err = fmt.Errorf("list value watches: %w", err)
		r.finish(ctx, span, rep, err)
		return *rep, err
	}
	rep.Watches = len(watches)

	cycle := r.cfg.Fetcher.NewCycle()
	var mu sync.Mutex
	var g errgroup.Group
	g.SetLimit(r.cfg.Workers)
	for _, w := range watches {
		g.Go(func() error {
			o := cycle.Resolve(ctx, w.LookupKey)
			if !o.OK() {
				r.logger.DebugContext(ctx, "value watch skipped",
					"watch_id", w.ID, "key", w.LookupKey, "status", o.Status, "error", o.Err)
				return nil
			}
			res, _ := r.cfg.Applier.apply(ctx, Task{
				WatchID:   w.ID,
				GuildRef:  w.GuildRef,
				Op:        OpRename,
				TargetRef: w.TargetRef,
				Text:      Label(o.Value, w.LookupKey, r.cfg.Unit),
			})
			mu.Lock()
			rep.tally(res)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	rep.Calls = cycle.Calls()
	for _, o := range cycle.Outcomes() {
		switch o.Status {
		case fetch.StatusSuccess:
			rep.Succeeded++
		case fetch.StatusNotFound:
			rep.NotFound++
			continue
		default:
			rep.Transient++
			continue
		}
		if r.cfg.History == nil {
			continue
		}
		rec := persistence.HistoryRecord{
			Key:        o.Key,
			FloorPrice: o.Value.FloorPrice,
			OwnerCount: o.Value.OwnerCount,
			ItemCount:  o.Value.ItemCount,
			Volume:     o.Value.Volume,
			ObservedAt: rep.StartedAt,
		}
		if err := r.cfg.History.AppendHistory(ctx, rec); err != nil {
			r.logger.WarnContext(ctx, "history write failed", "key", o.Key, "error", err)
			continue
		}
		rep.HistoryWritten++
	}
	r.metrics.HistoryWritten(ctx, rep.HistoryWritten)

	r.finish(ctx, span, rep, nil)
	return *rep, nil
}

func (rep *Report) tally(res applyResult) {
	switch res {
	case resultApplied:
		rep.Applied++
	case resultSkipped:
		rep.Skipped++
	default:
		rep.Failed++
	}
}
