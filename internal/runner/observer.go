package runner

import (
	"sync"
	"time"

	"github.com/hochfrequenz/pytest-orchestrator/internal/domain"
	"github.com/hochfrequenz/pytest-orchestrator/internal/progress"
)

// Observer receives run notifications in the order they were produced.
// Callbacks run on the controller's dispatch goroutine.
type Observer interface {
	OnStateChanged(phase domain.RunPhase)
	OnProgressUpdated(p progress.Progress)
	OnTestStarted(id string)
	OnTestResult(id string, outcome domain.Outcome)
	OnOutputLine(line string)
	OnDiagnostic(err error)
}

// RunInfo describes a run that has just been launched
type RunInfo struct {
	ID        string
	Args      []string
	Paths     []string
	Dir       string
	StartedAt time.Time
}

// RunSummary describes a run that has ended
type RunSummary struct {
	ID       string
	Phase    domain.RunPhase
	ExitCode int
	Progress progress.Progress
	// Matches counts finished tests by correlation tier; "none" are misses
	Matches    map[string]int
	FinishedAt time.Time
}

// LifecycleObserver is implemented by observers that also want run
// boundaries, such as the history recorder
type LifecycleObserver interface {
	OnRunStarted(info RunInfo)
	OnRunFinished(summary RunSummary)
}

// BaseObserver implements Observer with no-ops for embedding
type BaseObserver struct{}

func (BaseObserver) OnStateChanged(domain.RunPhase)      {}
func (BaseObserver) OnProgressUpdated(progress.Progress) {}
func (BaseObserver) OnTestStarted(string)                {}
func (BaseObserver) OnTestResult(string, domain.Outcome) {}
func (BaseObserver) OnOutputLine(string)                 {}
func (BaseObserver) OnDiagnostic(error)                  {}

type noteKind int

const (
	noteState noteKind = iota
	noteProgress
	noteStarted
	noteResult
	noteLine
	noteDiagnostic
	noteRunStarted
	noteRunFinished
	noteBarrier
)

type notification struct {
	kind     noteKind
	phase    domain.RunPhase
	progress progress.Progress
	id       string
	outcome  domain.Outcome
	line     string
	err      error
	info     RunInfo
	summary  RunSummary
	barrier  chan struct{}
}

// dispatcher is an unbounded FIFO between the monitor goroutine and the
// observers. Enqueue never blocks, so producers may hold their own locks.
type dispatcher struct {
	mu        sync.Mutex
	cond      *sync.Cond
	queue     []notification
	closed    bool
	observers []Observer
	done      chan struct{}
}

func newDispatcher() *dispatcher {
	d := &dispatcher{done: make(chan struct{})}
	d.cond = sync.NewCond(&d.mu)
	go d.run()
	return d
}

func (d *dispatcher) subscribe(o Observer) {
	d.mu.Lock()
	d.observers = append(d.observers, o)
	d.mu.Unlock()
}

func (d *dispatcher) enqueue(n notification) {
	d.mu.Lock()
	if !d.closed {
		d.queue = append(d.queue, n)
		d.cond.Signal()
	}
	d.mu.Unlock()
}

// flush blocks until everything enqueued so far has been delivered
func (d *dispatcher) flush() {
	b := make(chan struct{})
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.queue = append(d.queue, notification{kind: noteBarrier, barrier: b})
	d.cond.Signal()
	d.mu.Unlock()
	<-b
}

// close delivers what is queued and stops the goroutine
func (d *dispatcher) close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		<-d.done
		return
	}
	d.closed = true
	d.cond.Signal()
	d.mu.Unlock()
	<-d.done
}

func (d *dispatcher) run() {
	defer close(d.done)
	for {
		d.mu.Lock()
		for len(d.queue) == 0 && !d.closed {
			d.cond.Wait()
		}
		if len(d.queue) == 0 && d.closed {
			d.mu.Unlock()
			return
		}
		n := d.queue[0]
		d.queue[0] = notification{}
		d.queue = d.queue[1:]
		observers := d.observers
		d.mu.Unlock()

		deliver(n, observers)
	}
}

func deliver(n notification, observers []Observer) {
	if n.kind == noteBarrier {
		close(n.barrier)
		return
	}
	for _, o := range observers {
		switch n.kind {
		case noteState:
			o.OnStateChanged(n.phase)
		case noteProgress:
			o.OnProgressUpdated(n.progress)
		case noteStarted:
			o.OnTestStarted(n.id)
		case noteResult:
			o.OnTestResult(n.id, n.outcome)
		case noteLine:
			o.OnOutputLine(n.line)
		case noteDiagnostic:
			o.OnDiagnostic(n.err)
		case noteRunStarted:
			if lo, ok := o.(LifecycleObserver); ok {
				lo.OnRunStarted(n.info)
			}
		case noteRunFinished:
			if lo, ok := o.(LifecycleObserver); ok {
				lo.OnRunFinished(n.summary)
			}
		}
	}
}
