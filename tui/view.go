package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"

	"github.com/hochfrequenz/pytest-orchestrator/internal/domain"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("205")).
			Padding(0, 1)

	headerStyle = lipgloss.NewStyle().
			Background(lipgloss.Color("236")).
			Foreground(lipgloss.Color("255")).
			Padding(0, 1)

	sectionStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("240")).
			Padding(0, 1)

	runningStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("42"))

	queuedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("244"))

	warningStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("214"))

	failedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("196"))

	statusBarStyle = lipgloss.NewStyle().
			Background(lipgloss.Color("236")).
			Foreground(lipgloss.Color("255"))

	tabActiveStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("205")).
			Underline(true)

	tabInactiveStyle = lipgloss.NewStyle().
				Foreground(lipgloss.Color("244"))

	dirStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("39"))

	cursorStyle = lipgloss.NewStyle().
			Background(lipgloss.Color("237"))

	dimmedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("240"))

	barFullStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("42"))

	barFailStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("196"))
)

var tabNames = []string{"Tests", "Markers", "Output", "History"}

// View renders the TUI
func (m Model) View() string {
	if m.width == 0 {
		return "Loading..."
	}

	var b strings.Builder

	// Header
	tests, files := 0, 0
	if m.catalog != nil {
		st := m.catalog.Stats()
		tests, files = st.Functions, st.Files
	}
	header := fmt.Sprintf(" pytest-orch │ %s │ %s │ Tests: %s in %s files │ Markers: %s ",
		m.rootName(), m.phase, humanize.Comma(int64(tests)), humanize.Comma(int64(files)), m.markerSummary())
	b.WriteString(headerStyle.Width(m.width).Render(header))
	b.WriteString("\n")

	b.WriteString(m.renderTabs())
	b.WriteString("\n")

	var section string
	switch m.activeTab {
	case TabTests:
		section = m.renderTests()
	case TabMarkers:
		section = m.renderMarkers()
	case TabOutput:
		section = m.renderOutput()
	case TabHistory:
		section = m.renderHistory()
	}
	b.WriteString(sectionStyle.Width(m.width - 2).Render(section))
	b.WriteString("\n")

	b.WriteString(m.renderProgress())
	b.WriteString("\n")

	if m.flash != "" && m.now().Before(m.flashExp) {
		style := runningStyle
		if m.flashErr {
			style = warningStyle
		}
		b.WriteString(style.Width(m.width).Render(" " + m.flash + " "))
		b.WriteString("\n")
	}

	var statusBar string
	switch m.activeTab {
	case TabTests:
		statusBar = " [space]select [a]ll [c]lear [enter/h]fold [r]un [s]top [tab]switch [q]uit "
	case TabMarkers:
		statusBar = " [space]toggle filter [j/k]move [r]un [s]top [tab]switch [q]uit "
	case TabOutput:
		statusBar = " [j/k]scroll [g]top [G]follow [x]clear [r]un [s]top [tab]switch [q]uit "
	default:
		statusBar = " [H]reload [r]un [tab]switch [q]uit "
	}
	b.WriteString(statusBarStyle.Width(m.width).Render(statusBar))

	return b.String()
}

func (m Model) rootName() string {
	if m.catalog == nil {
		return "no project"
	}
	if name := m.catalog.RootNode().Name; name != "" {
		return name
	}
	return m.catalog.Root
}

func (m Model) markerSummary() string {
	active := m.ActiveMarkers()
	if len(active) == 0 {
		return "all"
	}
	return strings.Join(active, " or ")
}

func (m Model) renderTabs() string {
	var parts []string

	for i, tab := range tabNames {
		if i == m.activeTab {
			parts = append(parts, tabActiveStyle.Render(fmt.Sprintf(" %s ", tab)))
		} else {
			parts = append(parts, tabInactiveStyle.Render(fmt.Sprintf(" %s ", tab)))
		}
	}

	return strings.Join(parts, "│")
}

func statusIcon(s domain.TestStatus) string {
	switch s {
	case domain.StatusRunning:
		return warningStyle.Render("●")
	case domain.StatusPassed:
		return runningStyle.Render("✓")
	case domain.StatusFailed:
		return failedStyle.Render("✗")
	case domain.StatusSkipped:
		return queuedStyle.Render("»")
	case domain.StatusError:
		return failedStyle.Render("!")
	}
	return dimmedStyle.Render("○")
}

func (m Model) renderTests() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("TESTS"))
	b.WriteString("\n")

	rows := m.rows()
	if len(rows) == 0 {
		b.WriteString(queuedStyle.Render("  No tests found. Check the project root or run 'pytest-orch discover'."))
		return b.String()
	}

	end := min(m.scroll+m.listHeight(), len(rows))
	for i := m.scroll; i < end; i++ {
		r := rows[i]
		n := m.catalog.Node(r.idx)

		fold := " "
		if len(m.catalog.Children(r.idx)) > 0 {
			fold = "▾"
			if m.collapsed[n.Path] {
				fold = "▸"
			}
		}
		check := "[ ]"
		if n.Selected() {
			check = "[x]"
		}

		name := n.Name
		if n.Type == domain.NodeDirectory || n.Type == domain.NodeFile {
			name = dirStyle.Render(name)
		}
		line := fmt.Sprintf("%s%s %s %s %s", strings.Repeat("  ", r.depth), fold, check, statusIcon(n.Status()), name)
		if len(n.Markers) > 0 && n.IsTest() {
			line += dimmedStyle.Render(" [" + strings.Join(n.Markers, ", ") + "]")
		}

		if i == m.selectedRow {
			line = cursorStyle.Render(line)
		}
		b.WriteString(line)
		b.WriteString("\n")
	}
	if len(rows) > end {
		b.WriteString(dimmedStyle.Render(fmt.Sprintf("  ... %d more", len(rows)-end)))
	}

	return strings.TrimSuffix(b.String(), "\n")
}

func (m Model) renderMarkers() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("MARKER FILTER"))
	b.WriteString("\n")

	if len(m.markers) == 0 {
		b.WriteString(queuedStyle.Render("  No markers in this project"))
		return b.String()
	}

	counts := make(map[string]int)
	if m.catalog != nil {
		for _, mk := range m.markers {
			counts[mk] = len(m.catalog.FilterByMarkers([]string{mk}))
		}
	}

	for i, mk := range m.markers {
		check := "[ ]"
		if m.active[mk] {
			check = "[x]"
		}
		line := fmt.Sprintf("  %s %-20s %s", check, truncate(mk, 20), dimmedStyle.Render(fmt.Sprintf("%d tests", counts[mk])))
		if i == m.markerRow {
			line = cursorStyle.Render(line)
		}
		b.WriteString(line)
		b.WriteString("\n")
	}
	return strings.TrimSuffix(b.String(), "\n")
}

func (m Model) renderOutput() string {
	var b strings.Builder
	title := "OUTPUT"
	if m.outputScroll > 0 {
		title = fmt.Sprintf("OUTPUT (-%d)", m.outputScroll)
	}
	b.WriteString(titleStyle.Render(title))
	b.WriteString("\n")

	if len(m.output) == 0 {
		b.WriteString(queuedStyle.Render("  No output yet. Press r to run the selection."))
		return b.String()
	}

	h := m.listHeight()
	end := len(m.output) - m.outputScroll
	start := max(end-h, 0)
	maxWidth := max(m.width-6, 20)
	for _, line := range m.output[start:end] {
		b.WriteString(outputStyle(line).Render(truncate(line, maxWidth)))
		b.WriteString("\n")
	}
	return strings.TrimSuffix(b.String(), "\n")
}

func outputStyle(line string) lipgloss.Style {
	switch {
	case strings.Contains(line, " PASSED"):
		return runningStyle
	case strings.Contains(line, " FAILED"), strings.Contains(line, " ERROR"), strings.HasPrefix(line, "E "):
		return failedStyle
	case strings.Contains(line, " SKIPPED"):
		return queuedStyle
	}
	return lipgloss.NewStyle()
}

func (m Model) renderHistory() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("HISTORY"))
	b.WriteString("\n")

	if m.history == nil {
		b.WriteString(queuedStyle.Render("  Run history is disabled"))
		return b.String()
	}
	if len(m.runs) == 0 {
		b.WriteString(queuedStyle.Render("  No runs recorded yet"))
		return b.String()
	}

	now := m.now()
	for _, r := range m.runs {
		icon := runningStyle.Render("✓")
		switch {
		case r.Phase == domain.PhaseStopped:
			icon = queuedStyle.Render("■")
		case r.Phase == domain.PhaseErrored || r.Failed+r.Errors > 0:
			icon = failedStyle.Render("✗")
		case r.Phase.Active():
			icon = warningStyle.Render("●")
		}

		id := r.ID
		if len(id) > 8 {
			id = id[:8]
		}
		dur := "-"
		if r.FinishedAt != nil {
			dur = formatDuration(r.Duration())
		}
		line := fmt.Sprintf("  %s %-8s %-14s %4d passed %4d failed %4d skipped %8s",
			icon, id, humanize.RelTime(r.StartedAt, now, "ago", "from now"),
			r.Passed, r.Failed, r.Skipped, dur)
		if r.ID == m.lastRun {
			line = cursorStyle.Render(line)
		}
		b.WriteString(line)
		b.WriteString("\n")
	}
	return strings.TrimSuffix(b.String(), "\n")
}

func (m Model) renderProgress() string {
	p := m.progress
	barWidth := max(m.width-40, 10)
	filled := 0
	if p.Total > 0 {
		filled = min(p.Completed*barWidth/p.Total, barWidth)
	}

	barStyle := barFullStyle
	if p.Failed+p.Errors > 0 {
		barStyle = barFailStyle
	}
	bar := barStyle.Render(strings.Repeat("█", filled)) + dimmedStyle.Render(strings.Repeat("░", barWidth-filled))

	info := fmt.Sprintf(" %3.0f%% %d/%d", p.Percentage(), p.Completed, p.Total)
	if p.Failed+p.Errors > 0 {
		info += failedStyle.Render(fmt.Sprintf(" %d✗", p.Failed+p.Errors))
	}
	if m.phase.Active() {
		info += " " + formatDuration(p.Elapsed(m.now()))
	}

	line := " " + bar + info
	if m.hint != "" && m.phase.Active() {
		line += "\n " + dimmedStyle.Render("▶ "+truncate(m.hint, max(m.width-4, 10)))
	}
	return line
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	if max <= 3 {
		return s[:max]
	}
	return s[:max-3] + "..."
}

func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return d.Round(100 * time.Millisecond).String()
	}
	return d.Round(time.Second).String()
}
