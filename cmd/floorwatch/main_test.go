package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/basket/floorwatch/internal/audit"
	"github.com/basket/floorwatch/internal/bus"
	"github.com/basket/floorwatch/internal/config"
	"github.com/basket/floorwatch/internal/engine"
	"github.com/basket/floorwatch/internal/persistence"
)

type fakeRescheduler struct {
	calls map[string]string
	fail  string
}

func (f *fakeRescheduler) Reschedule(name, spec string) error {
	if name == f.fail {
		return errors.New("bad spec")
	}
	if f.calls == nil {
		f.calls = make(map[string]string)
	}
	f.calls[name] = spec
	return nil
}

type fakeLevels struct{ levels []string }

func (f *fakeLevels) SetLevel(level string) { f.levels = append(f.levels, level) }

func baseConfig() config.Config {
	var c config.Config
	c.LogLevel = "info"
	c.Sync.ValueSchedule = "@every 15m"
	c.Sync.EventSchedule = "@every 10s"
	c.Sync.ReconcileSchedule = "@every 6h"
	return c
}

func TestApplyReload_ReschedulesChangedPasses(t *testing.T) {
	prev := baseConfig()
	next := prev
	next.Sync.ValueSchedule = "@every 5m"
	next.LogLevel = "debug"

	b := bus.New()
	sub := b.Subscribe(bus.TopicConfigReloaded)
	defer b.Unsubscribe(sub)

	sched := &fakeRescheduler{}
	levels := &fakeLevels{}
	changed := applyReload(prev, next, sched, levels, b)

	if len(changed) != 1 || changed[0] != engine.PassValues {
		t.Fatalf("changed = %v, want [value]", changed)
	}
	if sched.calls[engine.PassValues] != "@every 5m" || len(sched.calls) != 1 {
		t.Fatalf("reschedule calls = %v", sched.calls)
	}
	if len(levels.levels) != 1 || levels.levels[0] != "debug" {
		t.Fatalf("level changes = %v", levels.levels)
	}

	select {
	case ev := <-sub.Ch():
		payload, ok := ev.Payload.(bus.ConfigReloadedEvent)
		if !ok {
			t.Fatalf("payload type %T", ev.Payload)
		}
		if payload.Fingerprint != next.Fingerprint() {
			t.Fatalf("fingerprint = %q, want %q", payload.Fingerprint, next.Fingerprint())
		}
	case <-time.After(time.Second):
		t.Fatal("no config.reloaded event")
	}
}

func TestApplyReload_SkipsFailedReschedule(t *testing.T) {
	prev := baseConfig()
	next := prev
	next.Sync.EventSchedule = "not a spec"
	next.Sync.ReconcileSchedule = "@hourly"

	sched := &fakeRescheduler{fail: engine.PassEvents}
	levels := &fakeLevels{}
	changed := applyReload(prev, next, sched, levels, nil)

	if len(changed) != 1 || changed[0] != engine.PassReconcile {
		t.Fatalf("changed = %v, want [reconcile]", changed)
	}
	if len(levels.levels) != 0 {
		t.Fatalf("level should not change, got %v", levels.levels)
	}
}

func TestRootCommand_Subcommands(t *testing.T) {
	root := newRootCommand()
	want := []string{"run", "sync", "reconcile", "watch", "license", "history", "status", "doctor"}
	for _, name := range want {
		cmd, _, err := root.Find([]string{name})
		if err != nil || cmd.Name() != name {
			t.Errorf("subcommand %q not registered (err=%v)", name, err)
		}
	}
}

// execute runs the CLI against a throwaway home and returns stdout.
func execute(t *testing.T, home string, args ...string) (string, error) {
	t.Helper()
	root := newRootCommand()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(append([]string{"--home", home}, args...))
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestWatchCommands(t *testing.T) {
	home := t.TempDir()

	out, err := execute(t, home, "--json", "watch", "add", "cool-cats", "--guild", "g1", "--target=@coolcats")
	if err != nil {
		t.Fatalf("watch add: %v\n%s", err, out)
	}
	var created persistence.Watch
	if err := json.Unmarshal([]byte(out), &created); err != nil {
		t.Fatalf("decode watch: %v\n%s", err, out)
	}
	if created.ID == "" || created.Kind != persistence.KindValue || !created.Active {
		t.Fatalf("unexpected watch %+v", created)
	}

	out, err = execute(t, home, "watch", "add", "cool-cats", "--guild", "g1", "--kind", "event", "--event", "bogus", "--target=@sales")
	if err == nil {
		t.Fatalf("expected invalid event type error, got output %s", out)
	}

	out, err = execute(t, home, "watch", "list", "--guild", "g1")
	if err != nil {
		t.Fatalf("watch list: %v", err)
	}
	if !strings.Contains(out, created.ID) || !strings.Contains(out, "@coolcats") {
		t.Fatalf("list output missing watch:\n%s", out)
	}

	if _, err := execute(t, home, "watch", "cancel", created.ID); err != nil {
		t.Fatalf("watch cancel: %v", err)
	}
	if _, err := execute(t, home, "watch", "cancel", "missing"); !errors.Is(err, persistence.ErrNotFound) {
		t.Fatalf("cancel missing: got %v, want ErrNotFound", err)
	}
}

func TestLicenseCommands(t *testing.T) {
	home := t.TempDir()

	out, err := execute(t, home, "--json", "license", "create", "--days", "10")
	if err != nil {
		t.Fatalf("license create: %v", err)
	}
	var lic persistence.License
	if err := json.Unmarshal([]byte(out), &lic); err != nil {
		t.Fatalf("decode license: %v\n%s", err, out)
	}
	if lic.GuildRef != "" {
		t.Fatalf("license should be unclaimed, got guild %q", lic.GuildRef)
	}

	if _, err := execute(t, home, "license", "claim", lic.ID, "g7"); err != nil {
		t.Fatalf("license claim: %v", err)
	}
	if _, err := execute(t, home, "license", "claim", lic.ID, "g8"); err == nil {
		t.Fatal("second claim should fail")
	}

	out, err = execute(t, home, "license", "list")
	if err != nil {
		t.Fatalf("license list: %v", err)
	}
	if !strings.Contains(out, lic.ID) || !strings.Contains(out, "g7") {
		t.Fatalf("list output missing license:\n%s", out)
	}

	if _, err := execute(t, home, "license", "create", "--days", "0"); err == nil {
		t.Fatal("expected error for --days 0")
	}
}

func TestStatusURL(t *testing.T) {
	cases := map[string]string{
		"127.0.0.1:18790":      "http://127.0.0.1:18790/v1/status",
		"0.0.0.0:9000":         "http://127.0.0.1:9000/v1/status",
		":9000":                "http://127.0.0.1:9000/v1/status",
		"http://example.test/": "http://example.test/v1/status",
		"https://gw.test:8443": "https://gw.test:8443/v1/status",
	}
	for in, want := range cases {
		if got := statusURL(in); got != want {
			t.Errorf("statusURL(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestFetchStatus(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/status" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer s3cret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_, _ = w.Write([]byte(`{"config_fingerprint":"cfg-1"}`))
	}))
	defer ts.Close()

	var out bytes.Buffer
	if err := fetchStatus(context.Background(), ts.Listener.Addr().String(), "s3cret", &out); err != nil {
		t.Fatalf("fetchStatus: %v", err)
	}
	if !strings.Contains(out.String(), "cfg-1") {
		t.Fatalf("output = %q", out.String())
	}

	out.Reset()
	err := fetchStatus(context.Background(), ts.Listener.Addr().String(), "wrong", &out)
	var ee *exitError
	if !errors.As(err, &ee) || ee.code != 1 {
		t.Fatalf("expected exit code 1, got %v", err)
	}
}

func TestFetchStatus_ConnectionRefused(t *testing.T) {
	if err := fetchStatus(context.Background(), "127.0.0.1:1", "", &bytes.Buffer{}); err == nil {
		t.Fatal("expected error for connection refused")
	}
}

type fakeAverages struct {
	since time.Time
	avgs  []persistence.DailyAverage
}

func (f *fakeAverages) DailyAverages(_ context.Context, _ string, since time.Time) ([]persistence.DailyAverage, error) {
	f.since = since
	return f.avgs, nil
}

func TestBuildHistory_WithoutLive(t *testing.T) {
	now := time.Date(2026, 3, 10, 15, 0, 0, 0, time.UTC)
	store := &fakeAverages{avgs: []persistence.DailyAverage{
		{Day: time.Date(2026, 3, 9, 0, 0, 0, 0, time.UTC), Average: 1.25, Samples: 96},
	}}

	rep, err := buildHistory(context.Background(), store, nil, "cool-cats", 7, true, now)
	if err != nil {
		t.Fatalf("buildHistory: %v", err)
	}
	if want := time.Date(2026, 3, 4, 0, 0, 0, 0, time.UTC); !store.since.Equal(want) {
		t.Fatalf("since = %s, want %s", store.since, want)
	}
	if rep.Live != nil || rep.ChangePct != nil {
		t.Fatalf("live fields should be empty without a fetcher: %+v", rep)
	}

	var out bytes.Buffer
	renderHistory(&out, rep, "ETH")
	if !strings.Contains(out.String(), "2026-03-09") || !strings.Contains(out.String(), "96 samples") {
		t.Fatalf("render output:\n%s", out.String())
	}
}

func TestRenderHistory_Change(t *testing.T) {
	live, pct := 1.5, 20.0
	rep := historyReport{Key: "cool-cats", Days: 1, Live: &live, ChangePct: &pct}
	var out bytes.Buffer
	renderHistory(&out, rep, "ETH")
	if !strings.Contains(out.String(), "+20.00%") || !strings.Contains(out.String(), "no samples recorded") {
		t.Fatalf("render output:\n%s", out.String())
	}
}

func TestRenderReport(t *testing.T) {
	rep := engine.Report{Pass: engine.PassValues, CycleID: "c1", Watches: 3, Applied: 2}
	var out bytes.Buffer
	renderReport(&out, rep, nil)
	for _, want := range []string{"value pass", "watches", "applied", "ok"} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("output missing %q:\n%s", want, out.String())
		}
	}

	out.Reset()
	renderReport(&out, engine.Report{Pass: engine.PassEvents}, errors.New("store down"))
	if !strings.Contains(out.String(), "nothing to do") || !strings.Contains(out.String(), "store down") {
		t.Fatalf("output:\n%s", out.String())
	}
}

func TestUseJSON(t *testing.T) {
	if !useJSON(&rootOptions{JSON: true}, &bytes.Buffer{}) {
		t.Fatal("--json should force JSON")
	}
	if useJSON(&rootOptions{}, &bytes.Buffer{}) {
		t.Fatal("non-file writers default to text")
	}
	f, err := os.Create(filepath.Join(t.TempDir(), "out"))
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	if !useJSON(&rootOptions{}, f) {
		t.Fatal("a regular file is not a terminal and should get JSON")
	}
}

func TestAdminCommandsAreAudited(t *testing.T) {
	home := t.TempDir()
	if _, err := execute(t, home, "watch", "add", "cool-cats", "--guild", "g1", "--target=@coolcats"); err != nil {
		t.Fatalf("watch add: %v", err)
	}
	if _, err := execute(t, home, "watch", "cancel", "missing"); err == nil {
		t.Fatal("expected cancel of missing watch to fail")
	}

	raw, err := os.ReadFile(audit.Path(home))
	if err != nil {
		t.Fatalf("read audit log: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 audit entries, got %d:\n%s", len(lines), raw)
	}
	var first, second audit.Entry
	if err := json.Unmarshal([]byte(lines[0]), &first); err != nil {
		t.Fatal(err)
	}
	if err := json.Unmarshal([]byte(lines[1]), &second); err != nil {
		t.Fatal(err)
	}
	if first.Action != "watch.add" || first.Subject != "g1/cool-cats" || first.Outcome != audit.OutcomeOK {
		t.Fatalf("unexpected first entry %+v", first)
	}
	if second.Action != "watch.cancel" || second.Outcome != audit.OutcomeError {
		t.Fatalf("unexpected second entry %+v", second)
	}
}
