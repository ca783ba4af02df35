package tui

import (
	tea "github.com/charmbracelet/bubbletea"

	"github.com/hochfrequenz/pytest-orchestrator/internal/domain"
	"github.com/hochfrequenz/pytest-orchestrator/internal/progress"
	"github.com/hochfrequenz/pytest-orchestrator/internal/runner"
)

// PhaseMsg reports a controller phase change
type PhaseMsg domain.RunPhase

// ProgressMsg carries a progress snapshot
type ProgressMsg progress.Progress

// TestStartedMsg reports the test the tool is working on
type TestStartedMsg string

// TestResultMsg reports a finished test
type TestResultMsg struct {
	ID      string
	Outcome domain.Outcome
}

// OutputMsg is one line of tool output
type OutputMsg string

// DiagnosticMsg reports a non-fatal problem
type DiagnosticMsg struct {
	Err error
}

// RunFinishedMsg reports the end of a run
type RunFinishedMsg runner.RunSummary

// CatalogMsg replaces the catalog after re-discovery
type CatalogMsg struct {
	Catalog *domain.Catalog
}

// Bridge forwards controller notifications into the bubbletea program.
// send is usually (*tea.Program).Send.
type Bridge struct {
	send func(tea.Msg)
}

var (
	_ runner.Observer          = (*Bridge)(nil)
	_ runner.LifecycleObserver = (*Bridge)(nil)
)

// NewBridge creates a bridge
func NewBridge(send func(tea.Msg)) *Bridge {
	return &Bridge{send: send}
}

func (b *Bridge) OnStateChanged(phase domain.RunPhase) { b.send(PhaseMsg(phase)) }

func (b *Bridge) OnProgressUpdated(p progress.Progress) { b.send(ProgressMsg(p)) }

func (b *Bridge) OnTestStarted(id string) { b.send(TestStartedMsg(id)) }

func (b *Bridge) OnTestResult(id string, outcome domain.Outcome) {
	b.send(TestResultMsg{ID: id, Outcome: outcome})
}

func (b *Bridge) OnOutputLine(line string) { b.send(OutputMsg(line)) }

func (b *Bridge) OnDiagnostic(err error) { b.send(DiagnosticMsg{Err: err}) }

func (b *Bridge) OnRunStarted(runner.RunInfo) {}

func (b *Bridge) OnRunFinished(s runner.RunSummary) { b.send(RunFinishedMsg(s)) }

// CatalogChanged is an observer.Refresher callback
func (b *Bridge) CatalogChanged(cat *domain.Catalog) {
	b.send(CatalogMsg{Catalog: cat})
}
