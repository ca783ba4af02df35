package runstore

import (
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/hochfrequenz/pytest-orchestrator/internal/domain"
	"github.com/hochfrequenz/pytest-orchestrator/internal/logger"
	"github.com/hochfrequenz/pytest-orchestrator/internal/runner"
)

type opType int

const (
	opCreate opType = iota
	opResult
	opFinish
)

type dbOp struct {
	typ    opType
	run    *domain.Run
	result *domain.TestResult
}

// Recorder is a run observer that writes history to a Store. Writes go
// through a single goroutine so observer callbacks never wait on disk.
type Recorder struct {
	runner.BaseObserver

	store *Store
	log   *log.Logger
	runID string

	writeChan chan dbOp
	writeDone chan struct{}
	closeOnce sync.Once
}

var _ runner.LifecycleObserver = (*Recorder)(nil)

// NewRecorder starts the write goroutine
func NewRecorder(store *Store) *Recorder {
	r := &Recorder{
		store:     store,
		log:       logger.With("history"),
		writeChan: make(chan dbOp, 256),
		writeDone: make(chan struct{}),
	}
	go r.writer()
	return r
}

func (r *Recorder) writer() {
	for op := range r.writeChan {
		var err error
		switch op.typ {
		case opCreate:
			err = r.store.CreateRun(op.run)
		case opResult:
			err = r.store.RecordResult(op.result)
		case opFinish:
			err = r.store.FinishRun(op.run)
		}
		if err != nil {
			r.log.Warn("history write failed", "err", err)
		}
	}
	close(r.writeDone)
}

// Close drains queued writes and stops the writer. It is safe to call more
// than once.
func (r *Recorder) Close() {
	r.closeOnce.Do(func() { close(r.writeChan) })
	<-r.writeDone
}

// OnRunStarted creates the run row
func (r *Recorder) OnRunStarted(info runner.RunInfo) {
	r.runID = info.ID
	r.writeChan <- dbOp{typ: opCreate, run: &domain.Run{
		ID:        info.ID,
		Paths:     info.Paths,
		Args:      info.Args,
		Dir:       info.Dir,
		Phase:     domain.PhaseRunning,
		Total:     len(info.Paths),
		StartedAt: info.StartedAt,
	}}
}

// OnTestResult records one finished test
func (r *Recorder) OnTestResult(id string, outcome domain.Outcome) {
	if r.runID == "" {
		return
	}
	r.writeChan <- dbOp{typ: opResult, result: &domain.TestResult{
		RunID:     r.runID,
		Path:      id,
		Outcome:   outcome,
		Timestamp: time.Now(),
	}}
}

// OnRunFinished stores the final counters
func (r *Recorder) OnRunFinished(s runner.RunSummary) {
	finished := s.FinishedAt
	r.writeChan <- dbOp{typ: opFinish, run: &domain.Run{
		ID:         s.ID,
		Phase:      s.Phase,
		ExitCode:   s.ExitCode,
		Total:      s.Progress.Total,
		Passed:     s.Progress.Passed,
		Failed:     s.Progress.Failed,
		Skipped:    s.Progress.Skipped,
		Errors:     s.Progress.Errors,
		FinishedAt: &finished,
	}}
	r.runID = ""
}
