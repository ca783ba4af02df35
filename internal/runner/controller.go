// Package runner owns the lifecycle of a test run: it launches the tool,
// drains its output, and turns lines into progress and catalog updates.
package runner

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"github.com/hochfrequenz/pytest-orchestrator/internal/correlator"
	"github.com/hochfrequenz/pytest-orchestrator/internal/domain"
	"github.com/hochfrequenz/pytest-orchestrator/internal/executor"
	"github.com/hochfrequenz/pytest-orchestrator/internal/logger"
	"github.com/hochfrequenz/pytest-orchestrator/internal/parser"
	"github.com/hochfrequenz/pytest-orchestrator/internal/progress"
)

const (
	DefaultStopTimeout  = 5 * time.Second
	DefaultKillPoll     = 100 * time.Millisecond
	DefaultKillDeadline = 30 * time.Second
	DefaultDrainGrace   = 2 * time.Second
)

// Config configures a Controller
type Config struct {
	Launcher executor.Launcher
	Catalog  *domain.Catalog

	Interpreter string
	Tool        string

	// StopTimeout bounds the wait after a graceful terminate before the
	// process tree is killed
	StopTimeout time.Duration
	// KillPoll is how often liveness is checked after a kill
	KillPoll time.Duration
	// KillDeadline bounds the polling; a tree still alive after it is fatal
	KillDeadline time.Duration
	// DrainGrace bounds how long output may stay open after the process
	// exited before the rest of its group is killed
	DrainGrace time.Duration

	// Classify defaults to parser.Classify
	Classify func(line string) (domain.TestEvent, bool)
}

// RunRequest is one launch of the test tool
type RunRequest struct {
	ID          string
	Paths       []string
	ExtraArgs   []string
	Env         map[string]string
	Dir         string
	Interpreter string
	Tool        string
}

// Snapshot is a read-only copy of the controller state
type Snapshot struct {
	RunID    string
	Phase    domain.RunPhase
	Progress progress.Progress
	Hint     string
	ExitCode int
}

// Controller runs one test process at a time. It can be reused once a run
// has ended.
type Controller struct {
	cfg      Config
	log      *log.Logger
	agg      *progress.Aggregator
	corr     *correlator.Correlator
	dispatch *dispatcher

	mu         sync.Mutex
	phase      domain.RunPhase
	runID      string
	proc       executor.Process
	stopReq    chan struct{}
	done       chan struct{}
	hint       string
	exitCode   int
	pendingCat *domain.Catalog
	hasPending bool
}

// New creates an idle controller
func New(cfg Config) *Controller {
	if cfg.Launcher == nil {
		cfg.Launcher = executor.NewExecLauncher()
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = DefaultStopTimeout
	}
	if cfg.KillPoll <= 0 {
		cfg.KillPoll = DefaultKillPoll
	}
	if cfg.KillDeadline <= 0 {
		cfg.KillDeadline = DefaultKillDeadline
	}
	if cfg.DrainGrace <= 0 {
		cfg.DrainGrace = DefaultDrainGrace
	}
	if cfg.Classify == nil {
		cfg.Classify = parser.Classify
	}

	done := make(chan struct{})
	close(done)

	return &Controller{
		cfg:      cfg,
		log:      logger.With("runner"),
		agg:      progress.NewAggregator(),
		corr:     correlator.New(cfg.Catalog),
		dispatch: newDispatcher(),
		phase:    domain.PhaseIdle,
		done:     done,
	}
}

// Subscribe registers an observer. Observers added mid-run only see later
// notifications.
func (c *Controller) Subscribe(o Observer) {
	c.dispatch.subscribe(o)
}

// Close delivers pending notifications and stops the dispatcher. A running
// process is stopped first.
func (c *Controller) Close() {
	if c.Phase() == domain.PhaseRunning {
		c.Stop()
	}
	<-c.Done()
	c.dispatch.close()
}

// Flush blocks until every notification produced so far was delivered
func (c *Controller) Flush() {
	c.dispatch.flush()
}

// Phase returns the current phase
func (c *Controller) Phase() domain.RunPhase {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phase
}

// Done is closed when the current run (if any) has finished
func (c *Controller) Done() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.done
}

// Wait blocks until the current run ends or ctx is cancelled
func (c *Controller) Wait(ctx context.Context) error {
	select {
	case <-c.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Snapshot copies the current state
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Snapshot{
		RunID:    c.runID,
		Phase:    c.phase,
		Progress: c.agg.Snapshot(),
		Hint:     c.hint,
		ExitCode: c.exitCode,
	}
}

// Catalog returns the catalog runs are correlated against
func (c *Controller) Catalog() *domain.Catalog {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.corr.Catalog()
}

// SetCatalog replaces the catalog and rebuilds the index. During a run the
// swap is deferred until the run ends.
func (c *Controller) SetCatalog(cat *domain.Catalog) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.phase.Active() {
		c.pendingCat = cat
		c.hasPending = true
		return
	}
	c.corr.Rebuild(cat)
}

// Start launches a run. It fails with ErrNotIdle while a run is active and
// with *executor.LaunchError when the process cannot be spawned.
func (c *Controller) Start(ctx context.Context, req RunRequest) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.phase.Active() {
		return ErrNotIdle
	}

	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if req.Interpreter == "" {
		req.Interpreter = c.cfg.Interpreter
	}
	if req.Tool == "" {
		req.Tool = c.cfg.Tool
	}

	if cat := c.corr.Catalog(); cat != nil {
		cat.ResetStatuses()
	}
	c.corr.Rebuild(c.corr.Catalog())
	c.corr.ResetStats()
	c.agg.Reset(len(req.Paths))
	c.runID = req.ID
	c.hint = ""
	c.exitCode = 0

	args := executor.BuildCommand(executor.CommandOptions{
		Interpreter: req.Interpreter,
		Tool:        req.Tool,
		Paths:       req.Paths,
		ExtraArgs:   req.ExtraArgs,
	})
	c.log.Info("starting run", "id", req.ID, "command", strings.Join(args, " "), "dir", req.Dir)

	proc, err := c.cfg.Launcher.Launch(ctx, args, req.Env, req.Dir)
	if err != nil {
		c.log.Error("launch failed", "id", req.ID, "err", err)
		c.setPhase(domain.PhaseErrored)
		c.dispatch.enqueue(notification{kind: noteDiagnostic, err: err})
		return err
	}

	c.proc = proc
	c.stopReq = make(chan struct{})
	c.done = make(chan struct{})

	c.dispatch.enqueue(notification{kind: noteRunStarted, info: RunInfo{
		ID:        req.ID,
		Args:      args,
		Paths:     req.Paths,
		Dir:       req.Dir,
		StartedAt: c.agg.Snapshot().StartedAt,
	}})
	c.setPhase(domain.PhaseRunning)
	c.dispatch.enqueue(notification{kind: noteProgress, progress: c.agg.Snapshot()})

	go c.monitor(proc, c.stopReq, c.done)
	return nil
}

// Stop asks a running process to terminate. It returns immediately; the
// wait and any escalation to a forceful kill happen on the monitor
// goroutine. Calling Stop when nothing is running only logs a warning.
func (c *Controller) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.phase != domain.PhaseRunning {
		if c.phase != domain.PhaseStopping {
			c.log.Warn("stop requested but no run is active", "phase", c.phase)
		}
		return
	}

	c.setPhase(domain.PhaseStopping)
	if err := c.proc.Terminate(); err != nil {
		c.log.Warn("graceful terminate failed", "pid", c.proc.Pid(), "err", err)
	}
	close(c.stopReq)
}

// setPhase must be called with c.mu held
func (c *Controller) setPhase(p domain.RunPhase) {
	if c.phase == p {
		return
	}
	c.log.Debug("phase change", "from", c.phase, "phase", p)
	c.phase = p
	c.dispatch.enqueue(notification{kind: noteState, phase: p})
}

type waitResult struct {
	code int
	err  error
}

func (c *Controller) monitor(proc executor.Process, stopReq <-chan struct{}, done chan struct{}) {
	defer close(done)

	waitCh := make(chan waitResult, 1)
	go func() {
		code, err := proc.Wait()
		waitCh <- waitResult{code: code, err: err}
	}()

	lines := proc.Lines()
	var (
		res         *waitResult
		stopTimeout <-chan time.Time
		drain       <-chan time.Time
		giveUp      <-chan time.Time
		poll        *time.Ticker
		pollC       <-chan time.Time
		fatal       error
	)
	defer func() {
		if poll != nil {
			poll.Stop()
		}
	}()

	// kill signals the whole group, which may outlive the leader, then
	// keeps draining output while liveness is polled
	kill := func(reason string) {
		if giveUp != nil {
			return
		}
		c.log.Warn(reason+", killing process group", "pid", proc.Pid())
		stopTimeout, drain = nil, nil
		c.killTree(proc)
		poll = time.NewTicker(c.cfg.KillPoll)
		pollC = poll.C
		giveUp = time.After(c.cfg.KillDeadline)
	}

	for lines != nil || res == nil {
		select {
		case line, ok := <-lines:
			if !ok {
				lines = nil
				continue
			}
			c.processLine(line)

		case r := <-waitCh:
			res = &r
			waitCh = nil
			if lines != nil && giveUp == nil {
				drain = time.After(c.cfg.DrainGrace)
			}

		case <-stopReq:
			stopReq = nil
			if giveUp == nil {
				stopTimeout = time.After(c.cfg.StopTimeout)
			}

		case <-stopTimeout:
			kill(fmt.Sprintf("process did not exit %s after terminate", c.cfg.StopTimeout))

		case <-drain:
			kill(fmt.Sprintf("output still open %s after process exit", c.cfg.DrainGrace))

		case <-pollC:
			if proc.Alive() {
				_ = proc.Kill()
			}

		case <-giveUp:
			fatal = &MonitoringError{Err: &KillFailure{
				Pid: proc.Pid(),
				Err: fmt.Errorf("still alive after %s", c.cfg.KillDeadline),
			}}
			lines = nil
			if res == nil {
				res = &waitResult{code: -1}
			}
		}
	}

	if fatal == nil {
		if err := proc.Err(); err != nil {
			fatal = &MonitoringError{Err: fmt.Errorf("read output: %w", err)}
		} else if res.err != nil {
			fatal = &MonitoringError{Err: fmt.Errorf("wait for process: %w", res.err)}
		}
	}

	c.finish(res.code, fatal)
}

// killTree kills the process group. A failed kill is reported as a
// diagnostic; the monitor decides whether the tree survived.
func (c *Controller) killTree(proc executor.Process) {
	if err := proc.Kill(); err != nil {
		kf := &KillFailure{Pid: proc.Pid(), Err: err}
		c.log.Error("kill failed", "pid", proc.Pid(), "err", err)
		c.dispatch.enqueue(notification{kind: noteDiagnostic, err: kf})
	}
}

func (c *Controller) finish(code int, fatal error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.exitCode = code
	c.proc = nil

	switch {
	case fatal != nil:
		c.log.Error("run failed", "id", c.runID, "err", fatal)
		c.dispatch.enqueue(notification{kind: noteDiagnostic, err: fatal})
		c.setPhase(domain.PhaseErrored)
	case c.phase == domain.PhaseStopping:
		c.setPhase(domain.PhaseStopped)
	default:
		c.setPhase(domain.PhaseIdle)
	}

	snap := c.agg.Snapshot()
	c.log.Info("run finished", "id", c.runID, "phase", c.phase, "exit", code,
		"passed", snap.Passed, "failed", snap.Failed, "skipped", snap.Skipped, "errors", snap.Errors)

	c.dispatch.enqueue(notification{kind: noteRunFinished, summary: RunSummary{
		ID:         c.runID,
		Phase:      c.phase,
		ExitCode:   code,
		Progress:   snap,
		Matches:    c.corr.Stats(),
		FinishedAt: time.Now(),
	}})

	if c.hasPending {
		c.corr.Rebuild(c.pendingCat)
		c.pendingCat = nil
		c.hasPending = false
	}
}

// processLine runs one line through classify, aggregate and correlate. A
// panic skips the line rather than ending the run.
func (c *Controller) processLine(line string) {
	if strings.TrimSpace(line) == "" {
		return
	}
	c.dispatch.enqueue(notification{kind: noteLine, line: line})

	defer func() {
		if r := recover(); r != nil {
			c.log.Error("line processing panicked", "line", line, "panic", r)
			c.dispatch.enqueue(notification{kind: noteDiagnostic, err: &LineError{Line: line, Cause: r}})
		}
	}()

	ev, ok := c.cfg.Classify(line)
	if !ok {
		if id, ok := parser.ProbableTest(line); ok {
			c.mu.Lock()
			c.hint = id
			c.mu.Unlock()
		}
		return
	}

	changed := c.agg.Apply(ev)

	if ev.Kind == domain.EventTestStarted || ev.Kind == domain.EventTestFinished {
		if _, err := c.corr.Apply(ev); err != nil {
			c.dispatch.enqueue(notification{kind: noteDiagnostic, err: err})
		}
	}

	switch ev.Kind {
	case domain.EventTestStarted:
		c.mu.Lock()
		c.hint = ev.TestID
		c.mu.Unlock()
		c.dispatch.enqueue(notification{kind: noteStarted, id: ev.TestID})
	case domain.EventTestFinished:
		c.dispatch.enqueue(notification{kind: noteResult, id: ev.TestID, outcome: ev.Outcome})
	}

	if changed {
		c.dispatch.enqueue(notification{kind: noteProgress, progress: c.agg.Snapshot()})
	}
}
