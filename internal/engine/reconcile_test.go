package engine

import (
	"context"
	"testing"
	"time"

	"github.com/basket/floorwatch/internal/persistence"
)

func TestReconcile_ExpiresWithinMarginOnly(t *testing.T) {
	env := newTestEnv(t, func(c *Config) { c.ExpiryMargin = 96 * time.Hour })
	env.store.addLicense("soon", "g1", testNow.Add(50*time.Hour))
	env.store.addLicense("later", "g2", testNow.Add(200*time.Hour))
	env.store.addValueWatch("w1", "g1", "foo", "-1")
	env.store.addEventWatch("w2", "g1", "foo", "-2", persistence.EventSold)
	env.store.addValueWatch("w3", "g2", "foo", "-3")

	rep, err := env.runner.Reconcile(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if env.store.licenseActive("soon") {
		t.Fatal("license expiring in 50h should be deactivated with a 96h margin")
	}
	if !env.store.licenseActive("later") {
		t.Fatal("license expiring in 200h must stay active")
	}
	if env.store.active("w1") || env.store.active("w2") {
		t.Fatal("watches of the unlicensed guild should be deactivated")
	}
	if !env.store.active("w3") {
		t.Fatal("watch of a licensed guild must stay active")
	}
	if rep.LicensesExpired != 1 || rep.WatchesDeactivated != 2 {
		t.Fatalf("unexpected report: %+v", rep)
	}
}

func TestReconcile_GuildWithAnotherLicenseKeepsWatches(t *testing.T) {
	env := newTestEnv(t, nil)
	env.store.addLicense("old", "g1", testNow.Add(time.Hour))
	env.store.addLicense("renewal", "g1", testNow.Add(30*24*time.Hour))
	env.store.addValueWatch("w1", "g1", "foo", "-1")

	if _, err := env.runner.Reconcile(context.Background()); err != nil {
		t.Fatal(err)
	}
	if !env.store.active("w1") {
		t.Fatal("guild still holds an active license")
	}
}

func TestReconcile_Idempotent(t *testing.T) {
	env := newTestEnv(t, nil)
	env.store.addLicense("soon", "g1", testNow.Add(time.Hour))
	env.store.addValueWatch("w1", "g1", "foo", "-1")

	first, err := env.runner.Reconcile(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	second, err := env.runner.Reconcile(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if first.WatchesDeactivated != 1 || second.WatchesDeactivated != 0 || second.LicensesExpired != 0 {
		t.Fatalf("second run changed state: first=%+v second=%+v", first, second)
	}
}

func TestReconcile_SetActiveFailureContinues(t *testing.T) {
	env := newTestEnv(t, nil)
	env.store.addValueWatch("w1", "g1", "foo", "-1")
	env.store.setErr = errBoom

	rep, err := env.runner.Reconcile(context.Background())
	if err != nil {
		t.Fatalf("per-watch failures are logged, not returned: %v", err)
	}
	if rep.WatchesDeactivated != 0 {
		t.Fatalf("unexpected report: %+v", rep)
	}
}

func TestReconcile_PurgesHistory(t *testing.T) {
	env := newTestEnv(t, func(c *Config) { c.HistoryRetention = 24 * time.Hour })
	env.store.history = []persistence.HistoryRecord{
		{Key: "foo", FloorPrice: 1, ObservedAt: testNow.Add(-48 * time.Hour)},
		{Key: "foo", FloorPrice: 2, ObservedAt: testNow.Add(-time.Hour)},
	}

	rep, err := env.runner.Reconcile(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if rep.HistoryPurged != 1 || len(env.store.historyRows()) != 1 {
		t.Fatalf("expected one purged row, report %+v", rep)
	}
}
