// Package cron drives the sync passes on independent schedules. A pass never
// overlaps with itself: a tick that arrives while the previous run of the
// same pass is still going is dropped.
package cron

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	cronlib "github.com/robfig/cron/v3"
)

// cronParser parses standard 5-field cron expressions (minute, hour, dom,
// month, dow) and descriptors such as "@every 10s".
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow | cronlib.Descriptor,
)

var (
	// ErrUnknownJob is returned for a name that was never registered.
	ErrUnknownJob = errors.New("cron: unknown job")
	// ErrSkipped means a manual run was dropped because the job is running.
	ErrSkipped = errors.New("cron: job still running, run skipped")

	errInterrupted = errors.New("cron: job panicked")
)

// JobFunc is one schedulable pass.
type JobFunc func(ctx context.Context) error

// Config holds the dependencies for the scheduler.
type Config struct {
	Logger   *slog.Logger
	Location *time.Location // defaults to UTC
}

// JobStatus describes a registered job for status endpoints.
type JobStatus struct {
	Name    string    `json:"name"`
	Spec    string    `json:"spec"`
	Next    time.Time `json:"next"`
	Prev    time.Time `json:"prev,omitempty"`
	Runs    int64     `json:"runs"`
	LastErr string    `json:"last_error,omitempty"`
}

type job struct {
	name    string
	fn      JobFunc
	spec    string
	entry   cronlib.EntryID
	wrapped cronlib.Job
	runs    atomic.Int64
	running atomic.Bool

	mu      sync.Mutex
	lastErr error
}

func (j *job) setResult(err error) {
	j.mu.Lock()
	j.lastErr = err
	j.mu.Unlock()
}

func (j *job) result() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.lastErr
}

// Scheduler runs registered jobs on their cron schedules.
type Scheduler struct {
	c      *cronlib.Cron
	logger *slog.Logger

	mu      sync.Mutex
	jobs    map[string]*job
	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewScheduler creates a new Scheduler with the given config.
func NewScheduler(cfg Config) *Scheduler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	loc := cfg.Location
	if loc == nil {
		loc = time.UTC
	}
	return &Scheduler{
		c: cronlib.New(
			cronlib.WithParser(cronParser),
			cronlib.WithLocation(loc),
			cronlib.WithLogger(slogAdapter{logger}),
		),
		logger:  logger,
		jobs:    make(map[string]*job),
		baseCtx: context.Background(),
	}
}

// Register adds a job under name. Ticks and RunNow share the job's overlap
// guard, which survives Reschedule.
func (s *Scheduler) Register(name, spec string, fn JobFunc) error {
	sched, err := cronParser.Parse(spec)
	if err != nil {
		return fmt.Errorf("cron: job %s: parse %q: %w", name, spec, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[name]; exists {
		return fmt.Errorf("cron: job %s already registered", name)
	}
	j := &job{name: name, fn: fn, spec: spec}
	adapter := slogAdapter{s.logger.With("job", name)}
	j.wrapped = cronlib.NewChain(cronlib.Recover(adapter)).Then(cronlib.FuncJob(func() {
		if ran, _ := s.runOnce(j); !ran {
			s.logger.Info("cron: tick dropped, previous run still active", "job", name)
		}
	}))
	j.entry = s.c.Schedule(sched, j.wrapped)
	s.jobs[name] = j
	s.logger.Info("cron: job registered", "job", name, "spec", spec)
	return nil
}

// Reschedule swaps the schedule of a registered job.
func (s *Scheduler) Reschedule(name, spec string) error {
	sched, err := cronParser.Parse(spec)
	if err != nil {
		return fmt.Errorf("cron: job %s: parse %q: %w", name, spec, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}
	if j.spec == spec {
		return nil
	}
	s.c.Remove(j.entry)
	j.entry = s.c.Schedule(sched, j.wrapped)
	s.logger.Info("cron: job rescheduled", "job", name, "from", j.spec, "to", spec)
	j.spec = spec
	return nil
}

// RunNow runs the named job synchronously through its overlap guard. It
// returns ErrSkipped if the job is already running, otherwise the job's
// own error.
func (s *Scheduler) RunNow(name string) error {
	s.mu.Lock()
	j, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}

	ran, err := s.runOnce(j)
	if !ran {
		return ErrSkipped
	}
	return err
}

// runOnce runs j unless it is already running. ran reports whether this
// call executed the job; err is that execution's result.
func (s *Scheduler) runOnce(j *job) (ran bool, err error) {
	if !j.running.CompareAndSwap(false, true) {
		return false, nil
	}
	defer j.running.Store(false)
	s.wg.Add(1)
	defer s.wg.Done()
	j.runs.Add(1)

	s.mu.Lock()
	ctx := s.baseCtx
	s.mu.Unlock()

	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", errInterrupted, r)
		}
		j.setResult(err)
		if err != nil {
			s.logger.Error("cron: job failed", "job", j.name, "duration", time.Since(start), "error", err)
			return
		}
		s.logger.Debug("cron: job finished", "job", j.name, "duration", time.Since(start))
	}()
	ran = true
	err = j.fn(ctx)
	return ran, err
}

// Start begins firing schedules. Jobs receive a context derived from ctx
// that is cancelled by Stop.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	s.baseCtx, s.cancel = context.WithCancel(ctx)
	s.mu.Unlock()
	s.c.Start()
	s.logger.Info("cron scheduler started", "jobs", len(s.Jobs()))
}

// Stop stops firing schedules, cancels running jobs and waits for them to
// return.
func (s *Scheduler) Stop() {
	stopped := s.c.Stop()
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	s.mu.Unlock()
	<-stopped.Done()
	s.wg.Wait()
	s.logger.Info("cron scheduler stopped")
}

// Jobs returns the registered jobs ordered by name.
func (s *Scheduler) Jobs() []JobStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]JobStatus, 0, len(s.jobs))
	for _, j := range s.jobs {
		e := s.c.Entry(j.entry)
		st := JobStatus{Name: j.name, Spec: j.spec, Next: e.Next, Prev: e.Prev, Runs: j.runs.Load()}
		if err := j.result(); err != nil {
			st.LastErr = err.Error()
		}
		out = append(out, st)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].Name < out[k].Name })
	return out
}

// NextRunTime parses the cron expression and returns the next run time after the given time.
func NextRunTime(cronExpr string, after time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after), nil
}

// slogAdapter routes cron library diagnostics to slog. Routine scheduling
// chatter goes to debug.
type slogAdapter struct {
	l *slog.Logger
}

func (a slogAdapter) Info(msg string, keysAndValues ...any) {
	a.l.Debug("cron: "+msg, keysAndValues...)
}

func (a slogAdapter) Error(err error, msg string, keysAndValues ...any) {
	a.l.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
