// Package cron runs the gateway's periodic maintenance jobs on standard
// 5-field cron schedules.
package cron

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"
)

// cronParser parses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// Job is one named schedule.
type Job struct {
	Name string
	Expr string
	Run  func(ctx context.Context) error
}

// Config holds the dependencies for the cron scheduler.
type Config struct {
	Jobs     []Job
	Logger   *slog.Logger
	Interval time.Duration // tick interval; defaults to 1 second if zero
	Now      func() time.Time
}

type entry struct {
	job      Job
	schedule cronlib.Schedule
	next     time.Time
	lastRun  time.Time
	lastErr  error
}

// Scheduler fires due jobs from a single background loop. A job never
// overlaps itself.
type Scheduler struct {
	logger   *slog.Logger
	interval time.Duration
	now      func() time.Time

	mu      sync.Mutex
	entries []*entry

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScheduler validates every expression up front.
func NewScheduler(cfg Config) (*Scheduler, error) {
	interval := cfg.Interval
	if interval <= 0 {
		interval = time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	s := &Scheduler{logger: logger, interval: interval, now: now}
	start := now()
	for _, job := range cfg.Jobs {
		sched, err := cronParser.Parse(job.Expr)
		if err != nil {
			return nil, fmt.Errorf("job %s: parse %q: %w", job.Name, job.Expr, err)
		}
		s.entries = append(s.entries, &entry{job: job, schedule: sched, next: sched.Next(start)})
	}
	return s, nil
}

// Start begins the scheduler loop. It runs in a background goroutine
// and respects the provided context for shutdown.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("cron scheduler started", "jobs", len(s.entries), "interval", s.interval)
}

// Stop cancels the scheduler loop and waits for it to exit.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("cron scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick runs every job whose next run time has passed.
func (s *Scheduler) tick(ctx context.Context) {
	now := s.now()
	s.mu.Lock()
	var due []*entry
	for _, e := range s.entries {
		if !e.next.After(now) {
			due = append(due, e)
			e.next = e.schedule.Next(now)
		}
	}
	s.mu.Unlock()

	for _, e := range due {
		s.fire(ctx, e, now)
	}
}

func (s *Scheduler) fire(ctx context.Context, e *entry, now time.Time) {
	start := time.Now()
	err := e.job.Run(ctx)
	s.mu.Lock()
	e.lastRun = now
	e.lastErr = err
	next := e.next
	s.mu.Unlock()

	if err != nil {
		s.logger.Error("cron: job failed", "job", e.job.Name, "error", err)
		return
	}
	s.logger.Debug("cron: job fired", "job", e.job.Name, "duration_ms", time.Since(start).Milliseconds(), "next_run_at", next)
}

// RunNow fires the named job immediately, outside its schedule.
func (s *Scheduler) RunNow(ctx context.Context, name string) error {
	s.mu.Lock()
	var target *entry
	for _, e := range s.entries {
		if e.job.Name == name {
			target = e
			break
		}
	}
	s.mu.Unlock()
	if target == nil {
		return fmt.Errorf("unknown job %q", name)
	}
	s.fire(ctx, target, s.now())
	s.mu.Lock()
	defer s.mu.Unlock()
	return target.lastErr
}

// JobStatus is a point-in-time view of one job.
type JobStatus struct {
	Name    string    `json:"name"`
	Expr    string    `json:"expr"`
	NextRun time.Time `json:"nextRun"`
	LastRun time.Time `json:"lastRun,omitempty"`
	LastErr string    `json:"lastError,omitempty"`
}

func (s *Scheduler) Status() []JobStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]JobStatus, 0, len(s.entries))
	for _, e := range s.entries {
		st := JobStatus{Name: e.job.Name, Expr: e.job.Expr, NextRun: e.next, LastRun: e.lastRun}
		if e.lastErr != nil {
			st.LastErr = e.lastErr.Error()
		}
		out = append(out, st)
	}
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
