package cron_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/basket/floorwatch/internal/cron"
)

// waitFor polls check at short intervals until it returns true or the deadline
// elapses. This avoids fixed time.Sleep calls that cause flaky tests.
func waitFor(t *testing.T, deadline time.Duration, check func() bool) {
	t.Helper()
	end := time.Now().Add(deadline)
	for time.Now().Before(end) {
		if check() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met within deadline")
}

func TestScheduler_FiresOnSchedule(t *testing.T) {
	s := cron.NewScheduler(cron.Config{})
	var runs atomic.Int64
	if err := s.Register("value", "@every 1s", func(context.Context) error {
		runs.Add(1)
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	s.Start(context.Background())
	defer s.Stop()

	waitFor(t, 3*time.Second, func() bool { return runs.Load() >= 1 })
}

func TestScheduler_OverlappingRunDropped(t *testing.T) {
	s := cron.NewScheduler(cron.Config{})
	started := make(chan struct{})
	release := make(chan struct{})
	var runs atomic.Int64
	if err := s.Register("events", "@every 1h", func(context.Context) error {
		if runs.Add(1) == 1 {
			close(started)
			<-release
		}
		return nil
	}); err != nil {
		t.Fatal(err)
	}

	first := make(chan error, 1)
	go func() { first <- s.RunNow("events") }()
	<-started

	if err := s.RunNow("events"); !errors.Is(err, cron.ErrSkipped) {
		t.Fatalf("expected ErrSkipped for overlapping run, got %v", err)
	}
	close(release)
	if err := <-first; err != nil {
		t.Fatalf("first run: %v", err)
	}
	if runs.Load() != 1 {
		t.Fatalf("overlapping run was queued or executed: runs=%d", runs.Load())
	}

	// Once the first run is done the pass can run again.
	if err := s.RunNow("events"); err != nil {
		t.Fatalf("run after release: %v", err)
	}
	if runs.Load() != 2 {
		t.Fatalf("expected 2 runs, got %d", runs.Load())
	}
}

func TestScheduler_PassesDoNotBlockEachOther(t *testing.T) {
	s := cron.NewScheduler(cron.Config{})
	release := make(chan struct{})
	started := make(chan struct{})
	_ = s.Register("value", "@every 1h", func(context.Context) error {
		close(started)
		<-release
		return nil
	})
	var reconciled atomic.Bool
	_ = s.Register("reconcile", "@every 1h", func(context.Context) error {
		reconciled.Store(true)
		return nil
	})

	go func() { _ = s.RunNow("value") }()
	<-started
	defer close(release)

	if err := s.RunNow("reconcile"); err != nil {
		t.Fatalf("reconcile blocked by value pass: %v", err)
	}
	if !reconciled.Load() {
		t.Fatal("reconcile did not run")
	}
}

func TestScheduler_RunNowReturnsJobError(t *testing.T) {
	s := cron.NewScheduler(cron.Config{})
	boom := errors.New("boom")
	_ = s.Register("value", "@every 1h", func(context.Context) error { return boom })

	if err := s.RunNow("value"); !errors.Is(err, boom) {
		t.Fatalf("expected job error, got %v", err)
	}
	if err := s.RunNow("nope"); !errors.Is(err, cron.ErrUnknownJob) {
		t.Fatalf("expected ErrUnknownJob, got %v", err)
	}
}

func TestScheduler_RunNowSkippedWhileTickRuns(t *testing.T) {
	s := cron.NewScheduler(cron.Config{})
	started := make(chan struct{})
	release := make(chan struct{})
	var runs atomic.Int64
	_ = s.Register("events", "@every 1s", func(context.Context) error {
		if runs.Add(1) == 1 {
			close(started)
			<-release
		}
		return nil
	})
	s.Start(context.Background())
	defer s.Stop()
	defer close(release)

	select {
	case <-started:
	case <-time.After(3 * time.Second):
		t.Fatal("scheduled run did not start")
	}
	if err := s.RunNow("events"); !errors.Is(err, cron.ErrSkipped) {
		t.Fatalf("expected ErrSkipped while a tick runs, got %v", err)
	}
	if runs.Load() != 1 {
		t.Fatalf("manual run executed during tick: runs=%d", runs.Load())
	}
}

func TestScheduler_ConcurrentRunNowReportsOwnResult(t *testing.T) {
	s := cron.NewScheduler(cron.Config{})
	boom := errors.New("boom")
	_ = s.Register("value", "@every 1h", func(context.Context) error {
		time.Sleep(time.Millisecond)
		return boom
	})

	for i := 0; i < 50; i++ {
		errs := make(chan error, 8)
		for k := 0; k < cap(errs); k++ {
			go func() { errs <- s.RunNow("value") }()
		}
		var ran int
		for k := 0; k < cap(errs); k++ {
			err := <-errs
			switch {
			case errors.Is(err, boom):
				ran++
			case errors.Is(err, cron.ErrSkipped):
			default:
				t.Fatalf("round %d: unexpected result %v", i, err)
			}
		}
		if ran == 0 {
			t.Fatalf("round %d: no caller ran the job", i)
		}
	}
}

func TestScheduler_PanicRecovered(t *testing.T) {
	s := cron.NewScheduler(cron.Config{})
	_ = s.Register("value", "@every 1h", func(context.Context) error { panic("kaboom") })

	if err := s.RunNow("value"); err == nil {
		t.Fatal("expected an error from a panicking job")
	}
	// The guard is released after a panic.
	if err := s.RunNow("value"); errors.Is(err, cron.ErrSkipped) {
		t.Fatal("guard stuck after panic")
	}
}

func TestScheduler_RegisterValidation(t *testing.T) {
	s := cron.NewScheduler(cron.Config{})
	noop := func(context.Context) error { return nil }
	if err := s.Register("value", "not a schedule", noop); err == nil {
		t.Fatal("expected parse error")
	}
	if err := s.Register("value", "*/15 * * * *", noop); err != nil {
		t.Fatalf("5-field spec: %v", err)
	}
	if err := s.Register("value", "@every 1m", noop); err == nil {
		t.Fatal("expected duplicate name error")
	}
}

func TestScheduler_Reschedule(t *testing.T) {
	s := cron.NewScheduler(cron.Config{})
	var runs atomic.Int64
	_ = s.Register("value", "@every 1h", func(context.Context) error {
		runs.Add(1)
		return nil
	})
	if err := s.Reschedule("value", "@every 1s"); err != nil {
		t.Fatal(err)
	}
	if err := s.Reschedule("value", "bogus"); err == nil {
		t.Fatal("expected parse error")
	}
	if err := s.Reschedule("missing", "@every 1s"); !errors.Is(err, cron.ErrUnknownJob) {
		t.Fatalf("expected ErrUnknownJob, got %v", err)
	}

	jobs := s.Jobs()
	if len(jobs) != 1 || jobs[0].Spec != "@every 1s" {
		t.Fatalf("unexpected jobs: %+v", jobs)
	}

	s.Start(context.Background())
	defer s.Stop()
	waitFor(t, 3*time.Second, func() bool { return runs.Load() >= 1 })
}

func TestScheduler_StopCancelsJobContext(t *testing.T) {
	s := cron.NewScheduler(cron.Config{})
	started := make(chan struct{})
	var cancelled atomic.Bool
	_ = s.Register("events", "@every 1h", func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		cancelled.Store(true)
		return ctx.Err()
	})
	s.Start(context.Background())

	go func() { _ = s.RunNow("events") }()
	<-started
	s.Stop()
	if !cancelled.Load() {
		t.Fatal("Stop returned before the running job observed cancellation")
	}
}

func TestNextRunTime(t *testing.T) {
	base := time.Date(2026, 10, 1, 12, 7, 0, 0, time.UTC)
	next, err := cron.NextRunTime("*/15 * * * *", base)
	if err != nil {
		t.Fatal(err)
	}
	if want := time.Date(2026, 10, 1, 12, 15, 0, 0, time.UTC); !next.Equal(want) {
		t.Fatalf("next = %v, want %v", next, want)
	}
	next, err = cron.NextRunTime("@every 6h", base)
	if err != nil {
		t.Fatal(err)
	}
	if !next.Equal(base.Add(6 * time.Hour)) {
		t.Fatalf("@every next = %v", next)
	}
	if _, err := cron.NextRunTime("bad expr", base); err == nil {
		t.Fatal("expected error")
	}
}
