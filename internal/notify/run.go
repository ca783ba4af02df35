package notify

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/dustin/go-humanize"

	"github.com/hochfrequenz/pytest-orchestrator/internal/domain"
	"github.com/hochfrequenz/pytest-orchestrator/internal/logger"
	"github.com/hochfrequenz/pytest-orchestrator/internal/runner"
)

// FromSummary describes a finished run. failures are the ids of failed or
// errored tests in the order they finished.
func FromSummary(s runner.RunSummary, failures []string) Notification {
	p := s.Progress
	n := Notification{
		RunID:  s.ID,
		Counts: Counts{Passed: p.Passed, Failed: p.Failed, Skipped: p.Skipped, Errors: p.Errors},
	}

	switch {
	case s.Phase == domain.PhaseErrored:
		n.Title = "Test run errored"
		n.Level = LevelError
	case s.Phase == domain.PhaseStopped:
		n.Title = "Test run stopped"
		n.Level = LevelWarning
	case p.Failed > 0 || p.Errors > 0:
		n.Title = "Tests failed"
		n.Level = LevelError
	default:
		n.Title = "Tests passed"
		n.Level = LevelSuccess
	}

	n.Message = fmt.Sprintf("%d passed, %d failed, %d skipped, %d errors in %s",
		p.Passed, p.Failed, p.Skipped, p.Errors, elapsed(p.StartedAt, s.FinishedAt))
	// pytest exits non-zero without failures on usage or collection errors
	if s.Phase == domain.PhaseIdle && s.ExitCode != 0 && p.Failed == 0 && p.Errors == 0 {
		n.Message += fmt.Sprintf(" (exit code %d)", s.ExitCode)
		n.Level = LevelWarning
	}

	if len(failures) > maxFailures {
		n.Omitted = len(failures) - maxFailures
		failures = failures[:maxFailures]
	}
	n.Failures = append([]string(nil), failures...)
	return n
}

func elapsed(start, end time.Time) string {
	if start.IsZero() || end.Before(start) {
		return "0s"
	}
	if d := end.Sub(start); d < time.Minute {
		return d.Round(10 * time.Millisecond).String()
	}
	return strings.TrimSpace(humanize.RelTime(start, end, "", ""))
}

// RunNotifier sends a notification whenever a run ends. Sending happens
// off the observer goroutine.
type RunNotifier struct {
	runner.BaseObserver

	notifier Notifier
	log      *log.Logger
	wg       sync.WaitGroup

	// only touched from observer callbacks, which are serialized
	failures []string
}

var _ runner.LifecycleObserver = (*RunNotifier)(nil)

// NewRunNotifier wraps a Notifier as a run observer
func NewRunNotifier(n Notifier) *RunNotifier {
	return &RunNotifier{notifier: n, log: logger.With("notify")}
}

// OnRunStarted forgets the previous run's failures
func (r *RunNotifier) OnRunStarted(runner.RunInfo) {
	r.failures = nil
}

// OnTestResult remembers failing tests
func (r *RunNotifier) OnTestResult(id string, outcome domain.Outcome) {
	if outcome == domain.OutcomeFailed || outcome == domain.OutcomeError {
		r.failures = append(r.failures, id)
	}
}

// OnRunFinished sends the run summary
func (r *RunNotifier) OnRunFinished(s runner.RunSummary) {
	n := FromSummary(s, r.failures)
	r.failures = nil

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.notifier.Send(n); err != nil {
			r.log.Warn("notification failed", "run", s.ID, "err", err)
		}
	}()
}

// Wait blocks until pending notifications are sent
func (r *RunNotifier) Wait() {
	r.wg.Wait()
}
