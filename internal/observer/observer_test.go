package observer

import (
	"testing"
	"time"

	"github.com/hochfrequenz/pytest-orchestrator/internal/domain"
	"github.com/hochfrequenz/pytest-orchestrator/internal/progress"
	"github.com/hochfrequenz/pytest-orchestrator/internal/runner"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func TestObserver_DetectStuck(t *testing.T) {
	clock := &fakeClock{t: time.Now()}
	obs := New(5 * time.Minute)
	obs.now = clock.now

	obs.OnRunStarted(runner.RunInfo{ID: "r", StartedAt: clock.t})
	obs.OnTestStarted("t.py::test_slow")

	clock.advance(2 * time.Minute)
	if _, _, stuck := obs.Stuck(); stuck {
		t.Error("Test running for 2 minutes should not be stuck")
	}

	clock.advance(8 * time.Minute)
	id, elapsed, stuck := obs.Stuck()
	if !stuck || id != "t.py::test_slow" || elapsed != 10*time.Minute {
		t.Errorf("Stuck() = %q, %v, %v", id, elapsed, stuck)
	}

	obs.OnTestResult("t.py::test_slow", domain.OutcomePassed)
	if _, _, stuck := obs.Stuck(); stuck {
		t.Error("Finished test should not be stuck")
	}
}

func TestObserver_Metrics(t *testing.T) {
	clock := &fakeClock{t: time.Now()}
	obs := New(time.Minute)
	obs.now = clock.now

	start := clock.t
	obs.OnRunStarted(runner.RunInfo{ID: "a", StartedAt: start})
	obs.OnRunFinished(runner.RunSummary{
		ID: "a", Phase: domain.PhaseIdle,
		Progress:   progress.Progress{Completed: 10, Passed: 10},
		FinishedAt: start.Add(5 * time.Minute),
	})
	obs.OnRunStarted(runner.RunInfo{ID: "b", StartedAt: start})
	obs.OnRunFinished(runner.RunSummary{
		ID: "b", Phase: domain.PhaseStopped,
		Progress:   progress.Progress{Completed: 4, Passed: 2, Failed: 1, Errors: 1},
		FinishedAt: start.Add(10 * time.Minute),
	})

	metrics := obs.GetMetrics()

	if metrics.TotalRuns != 2 {
		t.Errorf("TotalRuns = %d, want 2", metrics.TotalRuns)
	}
	if metrics.TotalTests != 14 || metrics.TotalFailures != 2 {
		t.Errorf("TotalTests/Failures = %d/%d, want 14/2", metrics.TotalTests, metrics.TotalFailures)
	}
	if metrics.Succeeded != 1 || metrics.Stopped != 1 {
		t.Errorf("Succeeded/Stopped = %d/%d, want 1/1", metrics.Succeeded, metrics.Stopped)
	}
	if metrics.AvgDuration != 7*time.Minute+30*time.Second {
		t.Errorf("AvgDuration = %v, want 7m30s", metrics.AvgDuration)
	}

	clock.t = start.Add(11 * time.Minute)
	recent := obs.RecentRuns(3 * time.Minute)
	if len(recent) != 1 || recent[0] != "b" {
		t.Errorf("RecentRuns = %v, want [b]", recent)
	}
}

func TestObserver_SlowestTests(t *testing.T) {
	clock := &fakeClock{t: time.Now()}
	obs := New(time.Minute)
	obs.now = clock.now

	obs.OnRunStarted(runner.RunInfo{ID: "r", StartedAt: clock.t})
	for i, id := range []string{"a", "b", "c"} {
		obs.OnTestStarted(id)
		clock.advance(time.Duration(i+1) * time.Second)
		obs.OnTestResult(id, domain.OutcomePassed)
	}
	// a result without a start has no duration
	obs.OnTestResult("d", domain.OutcomePassed)

	slow := obs.SlowestTests(2)
	if len(slow) != 2 || slow[0].ID != "c" || slow[1].ID != "b" {
		t.Fatalf("SlowestTests = %+v", slow)
	}
	if slow[0].Duration != 3*time.Second {
		t.Errorf("slowest = %v, want 3s", slow[0].Duration)
	}
}
