// Package progress keeps run-wide counters for a test run.
package progress

import (
	"sync"
	"time"

	"github.com/hochfrequenz/pytest-orchestrator/internal/domain"
)

// Progress is a snapshot of run counters. Completed always equals
// Passed+Failed+Skipped+Errors.
type Progress struct {
	Total       int       `json:"total"`
	Completed   int       `json:"completed"`
	Passed      int       `json:"passed"`
	Failed      int       `json:"failed"`
	Skipped     int       `json:"skipped"`
	Errors      int       `json:"errors"`
	CurrentTest string    `json:"current_test,omitempty"`
	StartedAt   time.Time `json:"started_at"`
}

// Percentage returns completed/total*100, or 0 when total is 0. The result
// is not clamped; a wrong collection count can push it past 100.
func (p Progress) Percentage() float64 {
	if p.Total == 0 {
		return 0
	}
	return float64(p.Completed) / float64(p.Total) * 100
}

// Remaining returns total minus completed
func (p Progress) Remaining() int {
	return p.Total - p.Completed
}

// Elapsed returns the time since the run started
func (p Progress) Elapsed(now time.Time) time.Duration {
	if p.StartedAt.IsZero() {
		return 0
	}
	return now.Sub(p.StartedAt)
}

// Aggregator applies test events to a Progress
type Aggregator struct {
	mu  sync.Mutex
	cur Progress
	now func() time.Time
}

// NewAggregator creates an aggregator with zeroed counters
func NewAggregator() *Aggregator {
	return &Aggregator{now: time.Now}
}

// Reset starts a fresh Progress. initialTotal is the estimate used until the
// tool reports its collection count.
func (a *Aggregator) Reset(initialTotal int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.cur = Progress{Total: initialTotal, StartedAt: a.now()}
}

// Apply updates the counters from one event. It reports whether anything
// changed.
func (a *Aggregator) Apply(ev domain.TestEvent) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	switch ev.Kind {
	case domain.EventCollectionCount:
		a.cur.Total = ev.Count
	case domain.EventTestStarted:
		a.cur.CurrentTest = ev.TestID
	case domain.EventTestFinished:
		switch ev.Outcome {
		case domain.OutcomePassed:
			a.cur.Passed++
		case domain.OutcomeFailed:
			a.cur.Failed++
		case domain.OutcomeSkipped:
			a.cur.Skipped++
		case domain.OutcomeError:
			a.cur.Errors++
		default:
			return false
		}
		a.cur.Completed++
	default:
		return false
	}
	return true
}

// SetCurrent records a display hint for the test that is probably running
func (a *Aggregator) SetCurrent(id string) {
	a.mu.Lock()
	a.cur.CurrentTest = id
	a.mu.Unlock()
}

// Snapshot returns a copy of the current counters
func (a *Aggregator) Snapshot() Progress {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cur
}
