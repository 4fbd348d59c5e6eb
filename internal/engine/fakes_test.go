package engine

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/basket/floorwatch/internal/channels"
	"github.com/basket/floorwatch/internal/fetch"
	"github.com/basket/floorwatch/internal/persistence"
	"github.com/basket/floorwatch/internal/source"
)

var testNow = time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)

// memStore implements every store interface the engine consumes.
type memStore struct {
	mu       sync.Mutex
	watches  map[string]*persistence.Watch
	cursors  map[string]time.Time
	history  []persistence.HistoryRecord
	licenses []*persistence.License
	listErr  error
	setErr   error
}

func newMemStore() *memStore {
	return &memStore{watches: map[string]*persistence.Watch{}, cursors: map[string]time.Time{}}
}

func (m *memStore) addValueWatch(id, guild, key, target string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.watches[id] = &persistence.Watch{ID: id, GuildRef: guild, Kind: persistence.KindValue, LookupKey: key, TargetRef: target, Active: true}
}

func (m *memStore) addEventWatch(id, guild, key, target string, et persistence.EventType) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.watches[id] = &persistence.Watch{ID: id, GuildRef: guild, Kind: persistence.KindEvent, EventType: et, LookupKey: key, TargetRef: target, Active: true}
}

func (m *memStore) addLicense(id, guild string, expiresAt time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.licenses = append(m.licenses, &persistence.License{ID: id, GuildRef: guild, Active: true, ExpiresAt: expiresAt})
}

func (m *memStore) ListActive(_ context.Context, kind persistence.WatchKind) ([]persistence.Watch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.listErr != nil {
		return nil, m.listErr
	}
	var out []persistence.Watch
	for _, w := range m.watches {
		if w.Active && w.Kind == kind {
			out = append(out, *w)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memStore) SetActive(_ context.Context, id string, active bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.setErr != nil {
		return m.setErr
	}
	if w, ok := m.watches[id]; ok {
		w.Active = active
	}
	return nil
}

func (m *memStore) active(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.watches[id].Active
}

func (m *memStore) GetCursor(_ context.Context, id string) (time.Time, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	at, ok := m.cursors[id]
	return at, ok, nil
}

func (m *memStore) SetCursor(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.cursors[id]; !ok || at.After(cur) {
		m.cursors[id] = at
	}
	return nil
}

func (m *memStore) cursor(id string) (time.Time, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	at, ok := m.cursors[id]
	return at, ok
}

func (m *memStore) AppendHistory(_ context.Context, rec persistence.HistoryRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, h := range m.history {
		if h.Key == rec.Key && h.ObservedAt.Equal(rec.ObservedAt) {
			return nil
		}
	}
	m.history = append(m.history, rec)
	return nil
}

func (m *memStore) historyRows() []persistence.HistoryRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]persistence.HistoryRecord(nil), m.history...)
}

func (m *memStore) ExpireLicenses(_ context.Context, horizon time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, l := range m.licenses {
		if l.Active && !l.ExpiresAt.After(horizon) {
			l.Active = false
			n++
		}
	}
	return n, nil
}

func (m *memStore) LicensedGuilds(context.Context) (map[string]struct{}, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := map[string]struct{}{}
	for _, l := range m.licenses {
		if l.Active && l.GuildRef != "" {
			out[l.GuildRef] = struct{}{}
		}
	}
	return out, nil
}

func (m *memStore) licenseActive(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, l := range m.licenses {
		if l.ID == id {
			return l.Active
		}
	}
	return false
}

func (m *memStore) PurgeHistory(_ context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.history[:0]
	var n int64
	for _, h := range m.history {
		if h.ObservedAt.Before(before) {
			n++
			continue
		}
		kept = append(kept, h)
	}
	m.history = kept
	return n, nil
}

type fakeValueSource struct {
	mu     sync.Mutex
	calls  map[string]int
	values map[string]float64
	errs   map[string]error
}

func newFakeValueSource() *fakeValueSource {
	return &fakeValueSource{calls: map[string]int{}, values: map[string]float64{}, errs: map[string]error{}}
}

func (f *fakeValueSource) Name() string { return "fake" }

func (f *fakeValueSource) FetchSnapshot(_ context.Context, key string) (source.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[key]++
	if err := f.errs[key]; err != nil {
		return source.Snapshot{}, err
	}
	if v, ok := f.values[key]; ok {
		return source.Snapshot{FloorPrice: v, OwnerCount: 10}, nil
	}
	return source.Snapshot{}, source.ErrNotFound
}

func (f *fakeValueSource) callCount(key string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[key]
}

type fakeEventSource struct {
	mu     sync.Mutex
	events map[string][]source.Event
	err    error
	since  []*time.Time
}

func (f *fakeEventSource) FetchEvents(_ context.Context, key string, _ persistence.EventType, since *time.Time) ([]source.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.since = append(f.since, since)
	if f.err != nil {
		return nil, f.err
	}
	return f.events[key], nil
}

// recordingSink records every side effect. Targets listed in fail return
// that error; targets listed in panics panic.
type recordingSink struct {
	mu      sync.Mutex
	renames map[string][]string
	posts   map[string][]string
	fail    map[string]error
	panics  map[string]bool
}

func newRecordingSink() *recordingSink {
	return &recordingSink{
		renames: map[string][]string{},
		posts:   map[string][]string{},
		fail:    map[string]error{},
		panics:  map[string]bool{},
	}
}

func (s *recordingSink) Name() string { return "recording" }

func (s *recordingSink) Rename(_ context.Context, target, label string) error {
	return s.record(s.renames, target, label)
}

func (s *recordingSink) Post(_ context.Context, target, message string) error {
	return s.record(s.posts, target, message)
}

func (s *recordingSink) record(into map[string][]string, target, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.panics[target] {
		panic("sink exploded")
	}
	if err := s.fail[target]; err != nil {
		return err
	}
	into[target] = append(into[target], text)
	return nil
}

func (s *recordingSink) count(m map[string][]string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, v := range m {
		n += len(v)
	}
	return n
}

var _ channels.Sink = (*recordingSink)(nil)

type testEnv struct {
	store  *memStore
	values *fakeValueSource
	events *fakeEventSource
	sink   *recordingSink
	runner *Runner
	now    time.Time
}

func newTestEnv(t *testing.T, mutate func(*Config)) *testEnv {
	t.Helper()
	env := &testEnv{
		store:  newMemStore(),
		values: newFakeValueSource(),
		events: &fakeEventSource{events: map[string][]source.Event{}},
		sink:   newRecordingSink(),
		now:    testNow,
	}
	now := func() time.Time { return env.now }
	gate := fetch.NewGate(fetch.GateConfig{RatePerSecond: 1000, Burst: 100, Concurrency: 8, MaxQueueDelay: time.Second, CallTimeout: time.Second})
	cfg := Config{
		Watches:  env.store,
		Cursors:  env.store,
		History:  env.store,
		Licenses: env.store,
		Fetcher:  fetch.New(fetch.Config{Source: env.values, Gate: gate, Now: now}),
		Events:   env.events,
		Applier:  NewApplier(ApplierConfig{Sink: env.sink, Concurrency: 4, Timeout: time.Second}),
		Workers:  4,
		EventCap: 5,
		Now:      now,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	r, err := NewRunner(cfg)
	if err != nil {
		t.Fatalf("new runner: %v", err)
	}
	env.runner = r
	return env
}

var errBoom = errors.New("boom")
