package observer

import (
	"sort"
	"sync"
	"time"

	"github.com/hochfrequenz/pytest-orchestrator/internal/domain"
	"github.com/hochfrequenz/pytest-orchestrator/internal/runner"
)

// Observer collects metrics across runs and watches for a test that has
// been running too long
type Observer struct {
	runner.BaseObserver

	stuckThreshold time.Duration
	now            func() time.Time

	runs      []runRecord
	current   string
	startedAt time.Time
	testStart map[string]time.Time
	durations map[string]time.Duration
	mu        sync.RWMutex
}

var _ runner.LifecycleObserver = (*Observer)(nil)

type runRecord struct {
	ID          string
	Phase       domain.RunPhase
	Tests       int
	Failed      int
	Duration    time.Duration
	CompletedAt time.Time
}

// Metrics holds aggregated metrics
type Metrics struct {
	TotalRuns     int
	Succeeded     int
	Stopped       int
	Errored       int
	TotalTests    int
	TotalFailures int
	AvgDuration   time.Duration
}

// TestDuration is the measured wall time of one test
type TestDuration struct {
	ID       string
	Duration time.Duration
}

// New creates a new Observer
func New(stuckThreshold time.Duration) *Observer {
	return &Observer{
		stuckThreshold: stuckThreshold,
		now:            time.Now,
		testStart:      make(map[string]time.Time),
		durations:      make(map[string]time.Duration),
	}
}

// OnRunStarted resets per-run timing
func (o *Observer) OnRunStarted(info runner.RunInfo) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.startedAt = info.StartedAt
	o.current = ""
	o.testStart = make(map[string]time.Time)
	o.durations = make(map[string]time.Duration)
}

// OnTestStarted remembers when the test began
func (o *Observer) OnTestStarted(id string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.current = id
	o.testStart[id] = o.now()
}

// OnTestResult records the test's duration when its start was seen
func (o *Observer) OnTestResult(id string, _ domain.Outcome) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if start, ok := o.testStart[id]; ok {
		o.durations[id] = o.now().Sub(start)
		delete(o.testStart, id)
	}
	if o.current == id {
		o.current = ""
	}
}

// OnRunFinished records a completed run
func (o *Observer) OnRunFinished(s runner.RunSummary) {
	o.mu.Lock()
	defer o.mu.Unlock()

	var d time.Duration
	if !o.startedAt.IsZero() {
		d = s.FinishedAt.Sub(o.startedAt)
	}
	o.runs = append(o.runs, runRecord{
		ID:          s.ID,
		Phase:       s.Phase,
		Tests:       s.Progress.Completed,
		Failed:      s.Progress.Failed + s.Progress.Errors,
		Duration:    d,
		CompletedAt: s.FinishedAt,
	})
	o.current = ""
}

// Stuck returns the running test when it has exceeded the threshold
func (o *Observer) Stuck() (string, time.Duration, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if o.current == "" {
		return "", 0, false
	}
	elapsed := o.now().Sub(o.testStart[o.current])
	if elapsed <= o.stuckThreshold {
		return "", 0, false
	}
	return o.current, elapsed, true
}

// GetMetrics returns aggregated metrics
func (o *Observer) GetMetrics() Metrics {
	o.mu.RLock()
	defer o.mu.RUnlock()

	var metrics Metrics
	var totalDuration time.Duration

	for _, r := range o.runs {
		metrics.TotalRuns++
		metrics.TotalTests += r.Tests
		metrics.TotalFailures += r.Failed
		totalDuration += r.Duration
		switch {
		case r.Phase == domain.PhaseStopped:
			metrics.Stopped++
		case r.Phase == domain.PhaseErrored:
			metrics.Errored++
		case r.Failed == 0:
			metrics.Succeeded++
		}
	}

	if metrics.TotalRuns > 0 {
		metrics.AvgDuration = totalDuration / time.Duration(metrics.TotalRuns)
	}

	return metrics
}

// SlowestTests returns the n slowest tests of the current or last run
func (o *Observer) SlowestTests(n int) []TestDuration {
	o.mu.RLock()
	defer o.mu.RUnlock()

	out := make([]TestDuration, 0, len(o.durations))
	for id, d := range o.durations {
		out = append(out, TestDuration{ID: id, Duration: d})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Duration != out[j].Duration {
			return out[i].Duration > out[j].Duration
		}
		return out[i].ID < out[j].ID
	})
	if n > 0 && len(out) > n {
		out = out[:n]
	}
	return out
}

// RecentRuns returns IDs of runs completed within the last duration
func (o *Observer) RecentRuns(since time.Duration) []string {
	o.mu.RLock()
	defer o.mu.RUnlock()

	cutoff := o.now().Add(-since)
	var result []string

	for _, r := range o.runs {
		if r.CompletedAt.After(cutoff) {
			result = append(result, r.ID)
		}
	}

	return result
}
