// Package schedule runs the auditor's recurring jobs: named daily or
// periodic triggers with a no-overlap guarantee per job. A trigger that fires
// while the previous run of the same job is still active is skipped for that
// tick, never queued.
package schedule

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

var (
	// ErrDuplicateJob is returned when a job name is registered twice.
	ErrDuplicateJob = errors.New("schedule: job name already registered")
	// ErrBadTimeOfDay is returned for an unparseable HH:MM trigger time.
	ErrBadTimeOfDay = errors.New("schedule: time of day must be HH:MM")
)

// Func is one job body. It receives the scheduler's context and must return
// when it is cancelled.
type Func func(ctx context.Context)

type job struct {
	name    string
	fn      Func
	daily   []timeOfDay
	every   time.Duration
	running sync.Mutex

	mu        sync.Mutex
	lastDaily map[string]string // "HH:MM" -> last fired date "2006-01-02"
	lastRun   time.Time
}

type timeOfDay struct {
	hour, minute int
}

func parseTimeOfDay(s string) (timeOfDay, error) {
	var t timeOfDay
	if _, err := fmt.Sscanf(s, "%d:%d", &t.hour, &t.minute); err != nil {
		return t, fmt.Errorf("%w: %q", ErrBadTimeOfDay, s)
	}
	if t.hour < 0 || t.hour > 23 || t.minute < 0 || t.minute > 59 {
		return t, fmt.Errorf("%w: %q", ErrBadTimeOfDay, s)
	}
	return t, nil
}

func (t timeOfDay) String() string {
	return fmt.Sprintf("%02d:%02d", t.hour, t.minute)
}

// Scheduler drives registered jobs from a single ticker loop.
type Scheduler struct {
	mu     sync.Mutex
	jobs   map[string]*job
	logger *slog.Logger

	resolution time.Duration
	now        func() time.Time
}

func New() *Scheduler {
	return &Scheduler{
		jobs:       make(map[string]*job),
		logger:     slog.Default().With("component", "schedule"),
		resolution: 30 * time.Second,
		now:        time.Now,
	}
}

// RegisterDaily fires the job once per day at each of the given HH:MM local
// times.
func (s *Scheduler) RegisterDaily(name string, fn Func, at ...string) error {
	times := make([]timeOfDay, len(at))
	for i, a := range at {
		t, err := parseTimeOfDay(a)
		if err != nil {
			return err
		}
		times[i] = t
	}
	return s.register(&job{
		name:      name,
		fn:        fn,
		daily:     times,
		lastDaily: make(map[string]string),
	})
}

// RegisterPeriodic fires the job at a fixed interval, first run one interval
// after Run starts.
func (s *Scheduler) RegisterPeriodic(name string, every time.Duration, fn Func) error {
	if every <= 0 {
		return fmt.Errorf("schedule: interval must be positive for job %s", name)
	}
	return s.register(&job{name: name, fn: fn, every: every})
}

func (s *Scheduler) register(j *job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[j.name]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateJob, j.name)
	}
	s.jobs[j.name] = j
	return nil
}

// Run blocks, ticking jobs until the context is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.resolution)
	defer ticker.Stop()

	s.logger.Info("scheduler started", "jobs", s.jobNames())
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopped")
			return
		case <-ticker.C:
			s.tick(ctx, s.now())
		}
	}
}

func (s *Scheduler) jobNames() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.jobs))
	for name := range s.jobs {
		names = append(names, name)
	}
	return names
}

func (s *Scheduler) tick(ctx context.Context, now time.Time) {
	s.mu.Lock()
	jobs := make([]*job, 0, len(s.jobs))
	for _, j := range s.jobs {
		jobs = append(jobs, j)
	}
	s.mu.Unlock()

	for _, j := range jobs {
		if j.due(now) {
			s.launch(ctx, j)
		}
	}
}

func (j *job) due(now time.Time) bool {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.every > 0 {
		if j.lastRun.IsZero() {
			j.lastRun = now
			return false
		}
		if now.Sub(j.lastRun) >= j.every {
			j.lastRun = now
			return true
		}
		return false
	}

	today := now.Format("2006-01-02")
	for _, at := range j.daily {
		fireAt := time.Date(now.Year(), now.Month(), now.Day(), at.hour, at.minute, 0, 0, now.Location())
		if !now.Before(fireAt) && j.lastDaily[at.String()] != today {
			j.lastDaily[at.String()] = today
			return true
		}
	}
	return false
}

// launch starts the job unless its previous run is still active, in which
// case this tick is skipped.
func (s *Scheduler) launch(ctx context.Context, j *job) {
	if !j.running.TryLock() {
		s.logger.Warn("job still running, skipping trigger", "job", j.name)
		return
	}

	go func() {
		defer j.running.Unlock()
		started := s.now()
		s.logger.Info("job started", "job", j.name)
		j.fn(ctx)
		s.logger.Info("job finished", "job", j.name,
			"duration", s.now().Sub(started).String())
	}()
}
