package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/basket/floorwatch/internal/persistence"
)

type ReconcilerConfig struct {
	Licenses         LicenseStore
	Watches          WatchRepository
	Margin           time.Duration
	HistoryRetention time.Duration
	Logger           *slog.Logger
	Metrics          Metrics
	Now              func() time.Time
}

// ReconcileReport counts what one reconciliation changed.
type ReconcileReport struct {
	LicensesExpired    int64
	WatchesDeactivated int
	HistoryPurged      int64
}

// Reconciler expires licenses that fall inside the safety margin and then
// deactivates watches of guilds left without an active license.
type Reconciler struct {
	cfg ReconcilerConfig
}

func NewReconciler(cfg ReconcilerConfig) *Reconciler {
	if cfg.Margin <= 0 {
		cfg.Margin = 96 * time.Hour
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = nopMetrics{}
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Reconciler{cfg: cfg}
}

// Reconcile is safe to rerun: every step only flips active rows to inactive
// or deletes rows past the retention cutoff.
func (r *Reconciler) Reconcile(ctx context.Context) (ReconcileReport, error) {
	var rep ReconcileReport
	var errs []error
	now := r.cfg.Now()
	log := r.cfg.Logger

	expired, err := r.cfg.Licenses.ExpireLicenses(ctx, now.Add(r.cfg.Margin))
	if err != nil {
		errs = append(errs, fmt.Errorf("expire licenses: %w", err))
	} else {
		rep.LicensesExpired = expired
		if expired > 0 {
			log.InfoContext(ctx, "licenses expired", "count", expired, "margin", r.cfg.Margin)
		}
	}

	guilds, err := r.cfg.Licenses.LicensedGuilds(ctx)
	if err != nil {
		errs = append(errs, fmt.Errorf("licensed guilds: %w", err))
	} else {
		for _, kind := range []persistence.WatchKind{persistence.KindValue, persistence.KindEvent} {
			watches, err := r.cfg.Watches.ListActive(ctx, kind)
			if err != nil {
				errs = append(errs, fmt.Errorf("list %s watches: %w", kind, err))
				continue
			}
			for _, w := range watches {
				if _, ok := guilds[w.GuildRef]; ok {
					continue
				}
				if err := r.cfg.Watches.SetActive(ctx, w.ID, false); err != nil {
					log.WarnContext(ctx, "watch deactivation failed", "watch_id", w.ID, "guild", w.GuildRef, "error", err)
					continue
				}
				log.InfoContext(ctx, "watch deactivated, guild has no active license",
					"watch_id", w.ID, "guild", w.GuildRef, "kind", w.Kind)
				rep.WatchesDeactivated++
			}
		}
		r.cfg.Metrics.Deactivated(ctx, rep.WatchesDeactivated)
	}

	if r.cfg.HistoryRetention > 0 {
		n, err := r.cfg.Licenses.PurgeHistory(ctx, now.Add(-r.cfg.HistoryRetention))
		if err != nil {
			errs = append(errs, fmt.Errorf("purge history: %w", err))
		} else {
			rep.HistoryPurged = n
		}
	}

	return rep, errors.Join(errs...)
}
