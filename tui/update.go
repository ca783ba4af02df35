package tui

import (
	"context"
	"errors"
	"fmt"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/hochfrequenz/pytest-orchestrator/internal/domain"
	"github.com/hochfrequenz/pytest-orchestrator/internal/progress"
	"github.com/hochfrequenz/pytest-orchestrator/internal/runner"
	"github.com/hochfrequenz/pytest-orchestrator/internal/selection"
)

// startResultMsg is sent when a Start call returned
type startResultMsg struct {
	err error
}

// historyMsg carries stored runs for the history tab
type historyMsg struct {
	runs []*domain.Run
	err  error
}

// Update handles messages
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKey(msg)

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.ensureVisible()

	case TickMsg:
		return m, tickCmd()

	case PhaseMsg:
		m.phase = domain.RunPhase(msg)

	case ProgressMsg:
		m.progress = progress.Progress(msg)

	case TestStartedMsg:
		m.hint = string(msg)

	case TestResultMsg:
		// node status lives in the catalog; the next render picks it up
		if m.hint == msg.ID {
			m.hint = ""
		}

	case OutputMsg:
		m.appendOutput(string(msg))

	case DiagnosticMsg:
		if msg.Err != nil {
			m.setFlash(msg.Err.Error(), true)
		}

	case RunFinishedMsg:
		s := runner.RunSummary(msg)
		m.phase = s.Phase
		m.progress = s.Progress
		m.exitCode = s.ExitCode
		m.lastRun = s.ID
		m.hint = ""
		m.setFlash(finishedFlash(s), s.Phase == domain.PhaseErrored || s.Progress.Failed+s.Progress.Errors > 0)
		return m, m.loadHistory()

	case CatalogMsg:
		m.catalog = msg.Catalog
		if m.catalog != nil {
			m.markers = m.catalog.Markers()
		}
		if m.markerRow >= len(m.markers) {
			m.markerRow = max(len(m.markers)-1, 0)
		}
		m.ensureVisible()
		m.setFlash("test catalog reloaded", false)

	case startResultMsg:
		if msg.err != nil {
			if errors.Is(msg.err, runner.ErrNotIdle) {
				m.setFlash("a run is already active", true)
			} else {
				m.setFlash("start failed: "+msg.err.Error(), true)
			}
		}

	case historyMsg:
		if msg.err != nil {
			m.setFlash("history: "+msg.err.Error(), true)
		} else {
			m.runs = msg.runs
		}
	}

	return m, nil
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "ctrl+c":
		if m.ctrl != nil && m.phase.Active() {
			m.ctrl.Stop()
		}
		return m, tea.Quit
	case "tab":
		m.activeTab = (m.activeTab + 1) % numTabs
	case "shift+tab":
		m.activeTab = (m.activeTab + numTabs - 1) % numTabs
	case "t":
		m.activeTab = TabTests
	case "m":
		m.activeTab = TabMarkers
	case "o":
		m.activeTab = TabOutput
	case "H":
		m.activeTab = TabHistory
		return m, m.loadHistory()
	case "j", "down":
		m.moveCursor(1)
	case "k", "up":
		m.moveCursor(-1)
	case "pgdown":
		m.moveCursor(m.listHeight())
	case "pgup":
		m.moveCursor(-m.listHeight())
	case "g", "home":
		m.moveCursor(-1 << 30)
	case "G", "end":
		m.moveCursor(1 << 30)
	case "enter", "right", "l":
		m.expand()
	case "left", "h":
		if m.activeTab == TabTests {
			m.collapse()
		}
	case " ", "space":
		m.toggle()
	case "a":
		if m.catalog != nil {
			m.catalog.SetSelected(0, true)
		}
	case "c":
		if m.catalog != nil {
			selection.ClearSelection(m.catalog)
		}
	case "x":
		m.output = nil
		m.outputScroll = 0
	case "r":
		return m.startRun()
	case "s":
		if m.ctrl != nil {
			if m.phase == domain.PhaseRunning {
				m.ctrl.Stop()
				m.setFlash("stopping run...", false)
			} else {
				m.setFlash("no run is active", true)
			}
		}
	}
	return m, nil
}

func (m Model) startRun() (tea.Model, tea.Cmd) {
	if m.ctrl == nil {
		return m, nil
	}
	if m.phase.Active() {
		m.setFlash("a run is already active", true)
		return m, nil
	}

	markers := m.ActiveMarkers()
	var plan selection.Plan
	if m.catalog == nil {
		plan = selection.ForPaths(nil, markers, m.pytest)
	} else {
		var err error
		plan, err = selection.FromCatalog(m.catalog, markers, m.pytest)
		if err != nil {
			m.setFlash(err.Error(), true)
			return m, nil
		}
	}

	req := plan.Request(m.dir, m.env, m.extraArgs...)
	m.output = nil
	m.outputScroll = 0
	m.exitCode = 0

	ctrl := m.ctrl
	return m, func() tea.Msg {
		return startResultMsg{err: ctrl.Start(context.Background(), req)}
	}
}

func (m Model) loadHistory() tea.Cmd {
	if m.history == nil {
		return nil
	}
	h := m.history
	return func() tea.Msg {
		runs, err := h.ListRuns(historyLimit)
		return historyMsg{runs: runs, err: err}
	}
}

func (m *Model) appendOutput(line string) {
	m.output = append(m.output, line)
	if over := len(m.output) - m.maxOutput; over > 0 {
		m.output = append([]string(nil), m.output[over:]...)
	}
	// hold the view in place while scrolled back
	if m.outputScroll > 0 {
		m.outputScroll = min(m.outputScroll+1, max(len(m.output)-m.listHeight(), 0))
	}
}

func (m *Model) moveCursor(delta int) {
	switch m.activeTab {
	case TabTests:
		n := len(m.rows())
		m.selectedRow = clamp(m.selectedRow+delta, 0, n-1)
		m.ensureVisible()
	case TabMarkers:
		m.markerRow = clamp(m.markerRow+delta, 0, len(m.markers)-1)
	case TabOutput:
		// outputScroll counts lines back from the newest
		m.outputScroll = clamp(m.outputScroll-delta, 0, max(len(m.output)-m.listHeight(), 0))
	}
}

func (m *Model) ensureVisible() {
	n := len(m.rows())
	m.selectedRow = clamp(m.selectedRow, 0, n-1)
	h := m.listHeight()
	if m.selectedRow < m.scroll {
		m.scroll = m.selectedRow
	}
	if m.selectedRow >= m.scroll+h {
		m.scroll = m.selectedRow - h + 1
	}
	m.scroll = clamp(m.scroll, 0, max(n-h, 0))
}

func (m Model) listHeight() int {
	// header, tabs, borders, title, progress, status lines
	return max(m.height-10, 3)
}

func (m Model) selectedNode() (int, *domain.Node) {
	rows := m.rows()
	if m.catalog == nil || m.selectedRow >= len(rows) {
		return -1, nil
	}
	idx := rows[m.selectedRow].idx
	return idx, m.catalog.Node(idx)
}

func (m *Model) toggle() {
	switch m.activeTab {
	case TabTests:
		idx, n := m.selectedNode()
		if n != nil {
			m.catalog.SetSelected(idx, !n.Selected())
		}
	case TabMarkers:
		if m.markerRow < len(m.markers) {
			mk := m.markers[m.markerRow]
			m.active[mk] = !m.active[mk]
		}
	}
}

func (m *Model) expand() {
	if m.activeTab != TabTests {
		return
	}
	if _, n := m.selectedNode(); n != nil {
		delete(m.collapsed, n.Path)
	}
}

// collapse folds the node under the cursor, or moves to its parent when it
// is already folded or has no children
func (m *Model) collapse() {
	idx, n := m.selectedNode()
	if n == nil {
		return
	}
	if len(m.catalog.Children(idx)) > 0 && !m.collapsed[n.Path] {
		m.collapsed[n.Path] = true
		m.ensureVisible()
		return
	}
	parent := m.catalog.Parent(idx)
	for i, r := range m.rows() {
		if r.idx == parent {
			m.selectedRow = i
			m.ensureVisible()
			return
		}
	}
}

func finishedFlash(s runner.RunSummary) string {
	p := s.Progress
	switch s.Phase {
	case domain.PhaseStopped:
		return fmt.Sprintf("run stopped after %d tests", p.Completed)
	case domain.PhaseErrored:
		return fmt.Sprintf("run errored (exit %d)", s.ExitCode)
	}
	return fmt.Sprintf("%d passed, %d failed, %d skipped, %d errors (exit %d)",
		p.Passed, p.Failed, p.Skipped, p.Errors, s.ExitCode)
}

func clamp(v, lo, hi int) int {
	if hi < lo {
		return lo
	}
	return min(max(v, lo), hi)
}
