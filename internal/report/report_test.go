package report

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hochfrequenz/pytest-orchestrator/internal/domain"
	"github.com/hochfrequenz/pytest-orchestrator/internal/runstore"
)

func sampleRun() (*domain.Run, []*domain.TestResult) {
	started := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	finished := started.Add(2500 * time.Millisecond)
	run := &domain.Run{
		ID:         "0123456789abcdef",
		Args:       []string{"python", "-m", "pytest", "-v"},
		Dir:        "/proj",
		Phase:      domain.PhaseIdle,
		ExitCode:   1,
		Total:      3,
		Passed:     1,
		Failed:     1,
		Skipped:    1,
		StartedAt:  started,
		FinishedAt: &finished,
	}
	results := []*domain.TestResult{
		{Path: "t.py::test_ok", Outcome: domain.OutcomePassed},
		{Path: "t.py::test_bad", Outcome: domain.OutcomeFailed},
		{Path: "t.py::test_skip", Outcome: domain.OutcomeSkipped, Reason: "no db"},
	}
	return run, results
}

func TestFromRun(t *testing.T) {
	run, results := sampleRun()
	s := FromRun(run, results)

	assert.Equal(t, "2.5s", s.Duration)
	assert.Equal(t, 1, s.Totals.Failed)
	assert.Len(t, s.Tests, 3)
	assert.False(t, s.Succeeded())
}

func TestYAMLRoundTrip(t *testing.T) {
	run, results := sampleRun()
	s := FromRun(run, results)

	var buf bytes.Buffer
	require.NoError(t, WriteYAML(&buf, s))
	assert.Contains(t, buf.String(), "run_id: 0123456789abcdef")
	assert.Contains(t, buf.String(), "reason: no db")

	got, err := ReadYAML(&buf)
	require.NoError(t, err)
	assert.Equal(t, s.RunID, got.RunID)
	assert.Equal(t, s.Totals, got.Totals)
	assert.Equal(t, s.Tests, got.Tests)
	assert.True(t, s.StartedAt.Equal(got.StartedAt))
}

func TestSummaryTable(t *testing.T) {
	run, results := sampleRun()
	out := SummaryTable(FromRun(run, results), Options{})

	assert.Contains(t, out, "t.py::test_bad")
	assert.Contains(t, out, "FAILED")
	assert.Contains(t, out, "no db")
	assert.NotContains(t, out, "t.py::test_ok", "passed tests are not listed")
	// footers are upper-cased by the table style
	assert.Contains(t, strings.ToLower(out), "1 passed, 1 failed, 1 skipped, 0 errors")
}

func TestHistoryTable(t *testing.T) {
	run, _ := sampleRun()
	out := HistoryTable([]*domain.Run{run}, Options{Now: run.StartedAt.Add(3 * time.Hour)})

	assert.Contains(t, out, "01234567")
	assert.NotContains(t, out, "0123456789abcdef")
	assert.Contains(t, out, "3 hours ago")
	assert.Contains(t, strings.ToLower(out), "1 runs")
}

func TestFlakyTable(t *testing.T) {
	out := FlakyTable([]runstore.FlakyTest{{Path: "t.py::test_flaky", Passed: 3, Failed: 1}}, Options{})
	assert.Contains(t, out, "t.py::test_flaky")
	assert.Contains(t, out, "25%")
}

func TestCatalogTree(t *testing.T) {
	cat := domain.NewCatalog("/home/me/proj")
	f := cat.AddNode(0, domain.NewNode("tests/test_a.py", "test_a.py", domain.NodeFile))
	n := domain.NewNode("tests/test_a.py::test_x", "test_x", domain.NodeFunction)
	n.AddMarkers("slow")
	idx := cat.AddNode(f, n)
	cat.Node(idx).SetStatus(domain.StatusPassed)

	out := CatalogTree(cat, true)
	lines := strings.Split(out, "\n")
	assert.Contains(t, lines[0], "proj")
	assert.Contains(t, out, "test_x [slow] PASSED")
	assert.Contains(t, out, "1 tests in 1 files")
}
