package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"

	"github.com/hochfrequenz/pytest-orchestrator/internal/correlator"
	"github.com/hochfrequenz/pytest-orchestrator/internal/domain"
	"github.com/hochfrequenz/pytest-orchestrator/internal/progress"
	"github.com/hochfrequenz/pytest-orchestrator/internal/runner"
)

func TestCollector(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := New(reg)

	assert.Equal(t, 1.0, value(t, reg, "run_phase", "idle"))

	c.OnStateChanged(domain.PhaseRunning)
	assert.Equal(t, 0.0, value(t, reg, "run_phase", "idle"))
	assert.Equal(t, 1.0, value(t, reg, "run_phase", "running"))

	c.OnOutputLine("x")
	c.OnTestResult("a", domain.OutcomePassed)
	c.OnTestResult("b", domain.OutcomePassed)
	c.OnTestResult("c", domain.OutcomeFailed)
	c.OnProgressUpdated(progress.Progress{Total: 5, Completed: 3})
	c.OnDiagnostic(&correlator.CorrelationMiss{TestID: "x"})
	c.OnDiagnostic(errors.New("other"))

	start := time.Now().Add(-3 * time.Second)
	c.OnRunFinished(runner.RunSummary{
		Phase:      domain.PhaseIdle,
		Progress:   progress.Progress{StartedAt: start},
		Matches:    map[string]int{"exact": 2, "suffix": 1},
		FinishedAt: start.Add(3 * time.Second),
	})

	assert.Equal(t, 2.0, value(t, reg, "tests_total", "passed"))
	assert.Equal(t, 1.0, value(t, reg, "tests_total", "failed"))
	assert.Equal(t, 5.0, value(t, reg, "progress_total", ""))
	assert.Equal(t, 3.0, value(t, reg, "progress_completed", ""))
	assert.Equal(t, 1.0, value(t, reg, "diagnostics_total", "correlation_miss"))
	assert.Equal(t, 1.0, value(t, reg, "diagnostics_total", "other"))
	assert.Equal(t, 1.0, value(t, reg, "runs_total", "idle"))
	assert.Equal(t, 2.0, value(t, reg, "correlations_total", "exact"))
	assert.Equal(t, 1.0, value(t, reg, "output_lines_total", ""))
	assert.Equal(t, 1.0, value(t, reg, "run_duration_seconds", ""))
}

func TestDiagnosticKind(t *testing.T) {
	assert.Equal(t, "line", DiagnosticKind(&runner.LineError{Line: "x", Cause: "boom"}))
	assert.Equal(t, "kill", DiagnosticKind(&runner.KillFailure{Pid: 1, Err: errors.New("x")}))
	assert.Equal(t, "monitoring", DiagnosticKind(&runner.MonitoringError{Err: errors.New("x")}))
}

// value reads one sample from the registry. label is matched against the
// first label value; histograms report their sample count.
func value(t *testing.T, reg *prometheus.Registry, name, label string) float64 {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatal(err)
	}
	for _, mf := range families {
		if mf.GetName() != MetricsNamespace+"_"+name {
			continue
		}
		for _, m := range mf.GetMetric() {
			if label != "" && (len(m.GetLabel()) == 0 || m.GetLabel()[0].GetValue() != label) {
				continue
			}
			return sample(m)
		}
	}
	t.Fatalf("metric %s{%s} not found", name, label)
	return 0
}

func sample(m *dto.Metric) float64 {
	switch {
	case m.Counter != nil:
		return m.GetCounter().GetValue()
	case m.Gauge != nil:
		return m.GetGauge().GetValue()
	case m.Histogram != nil:
		return float64(m.GetHistogram().GetSampleCount())
	}
	return 0
}
