package jobs

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Task is a scheduled unit of work.
type Task func(ctx context.Context, now time.Time) error

type entry struct {
	name     string
	hour     int
	interval time.Duration
	task     Task
	lastRun  time.Time
	lastDay  string
}

// Scheduler runs daily and interval tasks off a single ticker. Daily tasks fire once per
// calendar day in loc, at the first tick on or after their hour.
type Scheduler struct {
	loc     *time.Location
	tick    time.Duration
	now     func() time.Time
	logger  *zap.Logger
	mu      sync.Mutex
	entries []*entry
}

// NewScheduler constructs a scheduler evaluating daily tasks in loc.
func NewScheduler(loc *time.Location, tick time.Duration, logger *zap.Logger) *Scheduler {
	if loc == nil {
		loc = time.UTC
	}
	if tick <= 0 {
		tick = time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{loc: loc, tick: tick, now: time.Now, logger: logger}
}

// Daily registers a task that runs once a day from hour onwards.
func (s *Scheduler) Daily(name string, hour int, task Task) {
	s.mu.Lock()
	s.entries = append(s.entries, &entry{name: name, hour: hour, task: task})
	s.mu.Unlock()
}

// Every registers a task that runs whenever interval has elapsed since its last run.
func (s *Scheduler) Every(name string, interval time.Duration, task Task) {
	s.mu.Lock()
	s.entries = append(s.entries, &entry{name: name, interval: interval, task: task})
	s.mu.Unlock()
}

// Run ticks until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()
	s.logger.Info("scheduler started", zap.Duration("tick", s.tick), zap.String("timezone", s.loc.String()))
	s.Tick(ctx)
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopped")
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick evaluates every task once against the current clock.
func (s *Scheduler) Tick(ctx context.Context) {
	now := s.now().In(s.loc)
	day := now.Format("2006-01-02")

	s.mu.Lock()
	var due []*entry
	for _, e := range s.entries {
		switch {
		case e.interval > 0:
			if e.lastRun.IsZero() || now.Sub(e.lastRun) >= e.interval {
				e.lastRun = now
				due = append(due, e)
			}
		case now.Hour() >= e.hour && e.lastDay != day:
			e.lastDay = day
			e.lastRun = now
			due = append(due, e)
		}
	}
	s.mu.Unlock()

	for _, e := range due {
		start := time.Now()
		if err := e.task(ctx, now); err != nil {
			s.logger.Error("scheduled task failed", zap.String("task", e.name), zap.Error(err))
			continue
		}
		s.logger.Debug("scheduled task finished", zap.String("task", e.name), zap.Duration("took", time.Since(start)))
	}
}
