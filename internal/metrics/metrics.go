// Package metrics exports run and test counters to Prometheus.
package metrics

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/hochfrequenz/pytest-orchestrator/internal/correlator"
	"github.com/hochfrequenz/pytest-orchestrator/internal/domain"
	"github.com/hochfrequenz/pytest-orchestrator/internal/progress"
	"github.com/hochfrequenz/pytest-orchestrator/internal/runner"
)

const MetricsNamespace = "pytest_orch"

var phases = []domain.RunPhase{
	domain.PhaseIdle, domain.PhaseRunning, domain.PhaseStopping, domain.PhaseStopped, domain.PhaseErrored,
}

// Collector is a run observer that updates Prometheus metrics
type Collector struct {
	runner.BaseObserver

	runsTotal        *prometheus.CounterVec
	testsTotal       *prometheus.CounterVec
	correlationTotal *prometheus.CounterVec
	diagnosticsTotal *prometheus.CounterVec
	outputLines      prometheus.Counter
	runPhase         *prometheus.GaugeVec
	progressTotal    prometheus.Gauge
	progressDone     prometheus.Gauge
	runDuration      prometheus.Histogram
}

var _ runner.LifecycleObserver = (*Collector)(nil)

// New registers the metrics with reg
func New(reg prometheus.Registerer) *Collector {
	f := promauto.With(reg)
	c := &Collector{
		runsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: MetricsNamespace,
			Name:      "runs_total",
			Help:      "Count of finished runs by final phase",
		}, []string{"phase"}),
		testsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: MetricsNamespace,
			Name:      "tests_total",
			Help:      "Count of finished tests by outcome",
		}, []string{"outcome"}),
		correlationTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: MetricsNamespace,
			Name:      "correlations_total",
			Help:      "Finished tests by the tier that matched them to the catalog",
		}, []string{"tier"}),
		diagnosticsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: MetricsNamespace,
			Name:      "diagnostics_total",
			Help:      "Count of non-fatal problems reported during runs",
		}, []string{"kind"}),
		outputLines: f.NewCounter(prometheus.CounterOpts{
			Namespace: MetricsNamespace,
			Name:      "output_lines_total",
			Help:      "Lines read from the test tool",
		}),
		runPhase: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: MetricsNamespace,
			Name:      "run_phase",
			Help:      "1 for the controller's current phase",
		}, []string{"phase"}),
		progressTotal: f.NewGauge(prometheus.GaugeOpts{
			Namespace: MetricsNamespace,
			Name:      "progress_total",
			Help:      "Expected test count of the current run",
		}),
		progressDone: f.NewGauge(prometheus.GaugeOpts{
			Namespace: MetricsNamespace,
			Name:      "progress_completed",
			Help:      "Finished test count of the current run",
		}),
		runDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: MetricsNamespace,
			Name:      "run_duration_seconds",
			Help:      "Wall time of finished runs",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
		}),
	}
	c.OnStateChanged(domain.PhaseIdle)
	return c
}

func (c *Collector) OnStateChanged(phase domain.RunPhase) {
	for _, p := range phases {
		v := 0.0
		if p == phase {
			v = 1
		}
		c.runPhase.WithLabelValues(string(p)).Set(v)
	}
}

func (c *Collector) OnProgressUpdated(p progress.Progress) {
	c.progressTotal.Set(float64(p.Total))
	c.progressDone.Set(float64(p.Completed))
}

func (c *Collector) OnTestResult(_ string, outcome domain.Outcome) {
	c.testsTotal.WithLabelValues(string(outcome)).Inc()
}

func (c *Collector) OnOutputLine(string) {
	c.outputLines.Inc()
}

func (c *Collector) OnDiagnostic(err error) {
	c.diagnosticsTotal.WithLabelValues(DiagnosticKind(err)).Inc()
}

func (c *Collector) OnRunStarted(runner.RunInfo) {}

func (c *Collector) OnRunFinished(s runner.RunSummary) {
	c.runsTotal.WithLabelValues(string(s.Phase)).Inc()
	for tier, n := range s.Matches {
		c.correlationTotal.WithLabelValues(tier).Add(float64(n))
	}
	if !s.Progress.StartedAt.IsZero() {
		c.runDuration.Observe(s.FinishedAt.Sub(s.Progress.StartedAt).Seconds())
	}
}

// DiagnosticKind names the error type for the diagnostics label
func DiagnosticKind(err error) string {
	var (
		miss    *correlator.CorrelationMiss
		line    *runner.LineError
		kill    *runner.KillFailure
		monitor *runner.MonitoringError
	)
	switch {
	case errors.As(err, &miss):
		return "correlation_miss"
	case errors.As(err, &line):
		return "line"
	case errors.As(err, &kill):
		return "kill"
	case errors.As(err, &monitor):
		return "monitoring"
	default:
		return "other"
	}
}
