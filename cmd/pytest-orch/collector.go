package main

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/hochfrequenz/pytest-orchestrator/internal/domain"
	"github.com/hochfrequenz/pytest-orchestrator/internal/report"
	"github.com/hochfrequenz/pytest-orchestrator/internal/runner"
)

// runCollector keeps the last run in memory for headless commands and
// optionally echoes the tool's output
type runCollector struct {
	runner.BaseObserver

	out io.Writer

	mu       sync.Mutex
	info     runner.RunInfo
	summary  *runner.RunSummary
	results  []*domain.TestResult
	finished chan runner.RunSummary
}

var _ runner.LifecycleObserver = (*runCollector)(nil)

func newRunCollector(out io.Writer) *runCollector {
	return &runCollector{out: out, finished: make(chan runner.RunSummary, 1)}
}

func (c *runCollector) OnOutputLine(line string) {
	if c.out != nil {
		fmt.Fprintln(c.out, line)
	}
}

func (c *runCollector) OnDiagnostic(err error) {
	log().Debug("unparsed output", "err", err)
}

func (c *runCollector) OnRunStarted(info runner.RunInfo) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.info = info
	c.summary = nil
	c.results = nil
}

func (c *runCollector) OnTestResult(id string, outcome domain.Outcome) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.results = append(c.results, &domain.TestResult{
		RunID:     c.info.ID,
		Path:      id,
		Outcome:   outcome,
		Timestamp: time.Now(),
	})
}

func (c *runCollector) OnRunFinished(s runner.RunSummary) {
	c.mu.Lock()
	c.summary = &s
	c.mu.Unlock()

	select {
	case c.finished <- s:
	default:
	}
}

// Finished delivers each run summary once observers have seen it
func (c *runCollector) Finished() <-chan runner.RunSummary {
	return c.finished
}

// Failures lists the failed and errored tests of the last run
func (c *runCollector) Failures() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	var ids []string
	for _, r := range c.results {
		if r.Outcome == domain.OutcomeFailed || r.Outcome == domain.OutcomeError {
			ids = append(ids, r.Path)
		}
	}
	return ids
}

// Report builds the exported form of the last finished run
func (c *runCollector) Report() (report.Summary, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.summary == nil {
		return report.Summary{}, false
	}
	s := c.summary
	finished := s.FinishedAt
	run := &domain.Run{
		ID:         s.ID,
		Paths:      c.info.Paths,
		Args:       c.info.Args,
		Dir:        c.info.Dir,
		Phase:      s.Phase,
		ExitCode:   s.ExitCode,
		Total:      s.Progress.Total,
		Passed:     s.Progress.Passed,
		Failed:     s.Progress.Failed,
		Skipped:    s.Progress.Skipped,
		Errors:     s.Progress.Errors,
		StartedAt:  c.info.StartedAt,
		FinishedAt: &finished,
	}
	return report.FromRun(run, c.results), true
}

// exitCode maps a finished run to a process exit status
func exitCode(s report.Summary) int {
	switch {
	case s.ExitCode > 0:
		return s.ExitCode
	case s.Phase == string(domain.PhaseStopped):
		return 130
	case s.ExitCode < 0, s.Phase == string(domain.PhaseErrored):
		return 1
	}
	return 0
}
