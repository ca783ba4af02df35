package report

import (
	"bytes"
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/jedib0t/go-pretty/v6/list"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"

	"github.com/hochfrequenz/pytest-orchestrator/internal/domain"
	"github.com/hochfrequenz/pytest-orchestrator/internal/runstore"
)

// Options control terminal rendering
type Options struct {
	Color bool
	// Now anchors relative times; zero means time.Now
	Now time.Time
}

func (o Options) now() time.Time {
	if o.Now.IsZero() {
		return time.Now()
	}
	return o.Now
}

func (o Options) style(t table.Writer, succeeded, stopped bool) {
	if !o.Color {
		t.SetStyle(table.StyleLight)
		return
	}
	switch {
	case stopped:
		t.SetStyle(table.StyleColoredBlackOnYellowWhite)
	case succeeded:
		t.SetStyle(table.StyleColoredBlackOnGreenWhite)
	default:
		t.SetStyle(table.StyleColoredBlackOnRedWhite)
	}
}

// SummaryTable renders the outcome of one run. Only tests that did not
// pass are listed.
func SummaryTable(s Summary, opts Options) string {
	var buf bytes.Buffer

	t := table.NewWriter()
	t.SetOutputMirror(&buf)
	t.SetTitle("run " + s.RunID)
	t.AppendHeader(table.Row{"TEST", "OUTCOME", "REASON"})
	t.SetColumnConfigs([]table.ColumnConfig{
		{Name: "TEST", WidthMax: 120, WidthMaxEnforcer: text.WrapSoft},
		{Name: "REASON", WidthMax: 60, WidthMaxEnforcer: text.WrapSoft},
	})

	for _, e := range s.Tests {
		if e.Outcome == string(domain.OutcomePassed) {
			continue
		}
		t.AppendRow(table.Row{e.Path, strings.ToUpper(e.Outcome), e.Reason})
	}

	t.AppendFooter(table.Row{
		fmt.Sprintf("%d passed, %d failed, %d skipped, %d errors", s.Totals.Passed, s.Totals.Failed, s.Totals.Skipped, s.Totals.Errors),
		strings.ToUpper(s.Phase),
		s.Duration,
	})
	opts.style(t, s.Succeeded(), s.Phase == string(domain.PhaseStopped))

	t.Render()
	return buf.String()
}

// HistoryTable renders a list of runs, most recent first
func HistoryTable(runs []*domain.Run, opts Options) string {
	var buf bytes.Buffer

	t := table.NewWriter()
	t.SetOutputMirror(&buf)
	t.AppendHeader(table.Row{"ID", "STARTED", "DURATION", "TESTS", "PASSED", "FAILED", "SKIPPED", "PHASE", "EXIT"})
	t.SetColumnConfigs([]table.ColumnConfig{
		{Name: "DURATION", Align: text.AlignRight},
		{Name: "TESTS", Align: text.AlignRight},
		{Name: "PASSED", Align: text.AlignRight},
		{Name: "FAILED", Align: text.AlignRight},
		{Name: "SKIPPED", Align: text.AlignRight},
		{Name: "EXIT", Align: text.AlignRight},
	})

	now := opts.now()
	allGood := true
	for _, r := range runs {
		duration := "-"
		if r.FinishedAt != nil {
			duration = r.Duration().Round(time.Millisecond).String()
		}
		if !r.Succeeded() {
			allGood = false
		}
		t.AppendRow(table.Row{
			shortID(r.ID),
			humanize.RelTime(r.StartedAt, now, "ago", "from now"),
			duration,
			humanize.Comma(int64(r.Completed())),
			r.Passed,
			r.Failed,
			r.Skipped,
			string(r.Phase),
			r.ExitCode,
		})
	}
	t.AppendFooter(table.Row{"", "", "", humanize.Comma(int64(len(runs))) + " runs"})
	opts.style(t, allGood, false)

	t.Render()
	return buf.String()
}

// FlakyTable renders tests with mixed outcomes
func FlakyTable(flaky []runstore.FlakyTest, opts Options) string {
	var buf bytes.Buffer

	t := table.NewWriter()
	t.SetOutputMirror(&buf)
	t.SetTitle("flaky tests")
	t.AppendHeader(table.Row{"TEST", "PASSED", "FAILED", "FAIL RATE"})
	for _, f := range flaky {
		rate := float64(f.Failed) / float64(f.Passed+f.Failed) * 100
		t.AppendRow(table.Row{f.Path, f.Passed, f.Failed, humanize.FtoaWithDigits(rate, 1) + "%"})
	}
	opts.style(t, len(flaky) == 0, false)

	t.Render()
	return buf.String()
}

// CatalogTree renders the discovered tests as an indented tree with their
// markers and status
func CatalogTree(cat *domain.Catalog, showStatus bool) string {
	l := list.NewWriter()
	l.SetStyle(list.StyleConnectedRounded)

	var walk func(idx int)
	walk = func(idx int) {
		for _, ch := range cat.Children(idx) {
			n := cat.Node(ch)
			item := n.Name
			if len(n.Markers) > 0 {
				item += " [" + strings.Join(n.Markers, ", ") + "]"
			}
			if showStatus && n.IsTest() {
				item += " " + strings.ToUpper(string(n.Status()))
			}
			l.AppendItem(item)
			if len(cat.Children(ch)) > 0 {
				l.Indent()
				walk(ch)
				l.UnIndent()
			}
		}
	}
	l.AppendItem(cat.RootNode().Name)
	l.Indent()
	walk(0)
	l.UnIndent()

	stats := cat.Stats()
	return l.Render() + fmt.Sprintf("\n%s tests in %s files\n",
		humanize.Comma(int64(stats.Functions)), humanize.Comma(int64(stats.Files)))
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
