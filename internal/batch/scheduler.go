package batch

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/hochfrequenz/pytest-orchestrator/internal/logger"
)

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// ParseCron parses a five-field cron expression
func ParseCron(expr string) (cron.Schedule, error) {
	return cronParser.Parse(expr)
}

// RunFunc executes one scheduled run. The context expires after the
// schedule's Timeout.
type RunFunc func(ctx context.Context, s Schedule) error

// Scheduler fires schedules when their cron time has passed. A schedule
// never overlaps with itself.
type Scheduler struct {
	schedules map[string]Schedule
	crons     map[string]cron.Schedule
	lastRun   map[string]time.Time
	running   map[string]bool
	mu        sync.RWMutex
	now       func() time.Time
	tick      time.Duration
	wg        sync.WaitGroup
}

// NewScheduler validates the schedules and creates a scheduler
func NewScheduler(schedules []Schedule) (*Scheduler, error) {
	s := &Scheduler{
		schedules: make(map[string]Schedule),
		crons:     make(map[string]cron.Schedule),
		lastRun:   make(map[string]time.Time),
		running:   make(map[string]bool),
		now:       time.Now,
		tick:      time.Minute,
	}

	started := s.now()
	for _, sc := range schedules {
		if err := sc.Validate(); err != nil {
			return nil, err
		}
		parsed, _ := ParseCron(sc.Cron)
		s.schedules[sc.Name] = sc
		s.crons[sc.Name] = parsed
		s.lastRun[sc.Name] = started
	}

	return s, nil
}

// NextRun returns the next fire time for a schedule
func (s *Scheduler) NextRun(name string) time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sched, ok := s.crons[name]
	if !ok {
		return time.Time{}
	}
	return sched.Next(s.now())
}

// ShouldRun reports whether a fire time passed since the last run
func (s *Scheduler) ShouldRun(name string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sched, ok := s.crons[name]
	if !ok || s.running[name] {
		return false
	}
	return !sched.Next(s.lastRun[name]).After(s.now())
}

// MarkRunning marks a schedule as currently running
func (s *Scheduler) MarkRunning(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running[name] = true
}

// MarkComplete marks a schedule as complete
func (s *Scheduler) MarkComplete(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running[name] = false
	s.lastRun[name] = s.now()
}

// Get returns a schedule by name
func (s *Scheduler) Get(name string) (Schedule, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sc, ok := s.schedules[name]
	return sc, ok
}

// List returns schedule names in sorted order
func (s *Scheduler) List() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	names := make([]string, 0, len(s.schedules))
	for name := range s.schedules {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Start runs the scheduler loop until ctx is cancelled, then waits for
// in-flight runs.
func (s *Scheduler) Start(ctx context.Context, run RunFunc) {
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()
	defer s.wg.Wait()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.fire(ctx, run)
		}
	}
}

func (s *Scheduler) fire(ctx context.Context, run RunFunc) {
	log := logger.With("batch")
	for _, name := range s.List() {
		if !s.ShouldRun(name) {
			continue
		}
		sc, _ := s.Get(name)
		s.MarkRunning(name)
		s.wg.Add(1)
		go func(sc Schedule) {
			defer s.wg.Done()
			defer s.MarkComplete(sc.Name)

			runCtx, cancel := context.WithTimeout(ctx, sc.Timeout())
			defer cancel()

			log.Info("scheduled run starting", "schedule", sc.Name)
			if err := run(runCtx, sc); err != nil {
				log.Error("scheduled run failed", "schedule", sc.Name, "err", err)
				return
			}
			log.Info("scheduled run finished", "schedule", sc.Name)
		}(sc)
	}
}
