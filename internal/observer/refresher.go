package observer

import (
	"context"
	"sync"

	"github.com/charmbracelet/log"

	"github.com/hochfrequenz/pytest-orchestrator/internal/discovery"
	"github.com/hochfrequenz/pytest-orchestrator/internal/domain"
	"github.com/hochfrequenz/pytest-orchestrator/internal/logger"
	"github.com/hochfrequenz/pytest-orchestrator/internal/runner"
)

// Target receives a freshly discovered catalog
type Target interface {
	Phase() domain.RunPhase
	SetCatalog(cat *domain.Catalog)
}

// Refresher re-runs discovery when files change. While a run is active
// the refresh waits for the run to end.
type Refresher struct {
	runner.BaseObserver

	disc      *discovery.Discoverer
	target    Target
	onCatalog func(*domain.Catalog)
	log       *log.Logger

	mu      sync.Mutex
	pending bool
	wg      sync.WaitGroup
}

var _ runner.LifecycleObserver = (*Refresher)(nil)

// NewRefresher creates a refresher. onCatalog, if set, is called after the
// target received the new catalog.
func NewRefresher(disc *discovery.Discoverer, target Target, onCatalog func(*domain.Catalog)) *Refresher {
	return &Refresher{
		disc:      disc,
		target:    target,
		onCatalog: onCatalog,
		log:       logger.With("refresh"),
	}
}

// Changed is a ChangeCallback
func (r *Refresher) Changed(files []string) {
	if r.target.Phase().Active() {
		r.mu.Lock()
		r.pending = true
		r.mu.Unlock()
		r.log.Info("test files changed during run, refresh deferred", "files", len(files))
		return
	}
	r.refresh()
}

// Pending reports whether a refresh is waiting for the run to end
func (r *Refresher) Pending() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pending
}

// OnRunStarted is part of runner.LifecycleObserver
func (r *Refresher) OnRunStarted(runner.RunInfo) {}

// OnRunFinished performs a deferred refresh
func (r *Refresher) OnRunFinished(runner.RunSummary) {
	r.mu.Lock()
	due := r.pending
	r.pending = false
	r.mu.Unlock()
	if !due {
		return
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.refresh()
	}()
}

// Wait blocks until background refreshes finish
func (r *Refresher) Wait() {
	r.wg.Wait()
}

func (r *Refresher) refresh() {
	cat, err := r.disc.Discover(context.Background())
	if err != nil {
		r.log.Error("re-discovery failed", "err", err)
		return
	}
	r.target.SetCatalog(cat)
	if r.onCatalog != nil {
		r.onCatalog(cat)
	}
}
