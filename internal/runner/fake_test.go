package runner

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/hochfrequenz/pytest-orchestrator/internal/domain"
	"github.com/hochfrequenz/pytest-orchestrator/internal/executor"
	"github.com/hochfrequenz/pytest-orchestrator/internal/progress"
)

// fakeProcess is driven by the test: lines are pushed with emit and the
// process ends when exit is called.
type fakeProcess struct {
	lines     chan string
	exited    chan struct{}
	once      sync.Once
	closeOnce sync.Once
	outDone   chan struct{}
	code      int
	err       error

	// orphanOutput keeps the output open after the leader exits, as a
	// child that inherited the pipe would, until Kill
	orphanOutput bool

	exitOnTerminate bool
	killErr         error
	killExits       bool

	terminates atomic.Int32
	kills      atomic.Int32
}

func newFakeProcess() *fakeProcess {
	return &fakeProcess{
		lines:           make(chan string, 64),
		exited:          make(chan struct{}),
		outDone:         make(chan struct{}),
		exitOnTerminate: true,
		killExits:       true,
	}
}

func (p *fakeProcess) emit(lines ...string) {
	for _, l := range lines {
		p.lines <- l
	}
}

// exit ends the process with code and closes the output stream unless
// orphanOutput is set
func (p *fakeProcess) exit(code int) {
	p.once.Do(func() {
		p.code = code
		if !p.orphanOutput {
			p.closeOutput()
		}
		close(p.exited)
	})
}

func (p *fakeProcess) closeOutput() {
	p.closeOnce.Do(func() {
		close(p.lines)
		close(p.outDone)
	})
}

func (p *fakeProcess) Pid() int             { return 4242 }
func (p *fakeProcess) Lines() <-chan string { return p.lines }
func (p *fakeProcess) Err() error           { return nil }

func (p *fakeProcess) Wait() (int, error) {
	<-p.exited
	return p.code, p.err
}

func (p *fakeProcess) Alive() bool {
	select {
	case <-p.exited:
	default:
		return true
	}
	select {
	case <-p.outDone:
		return false
	default:
		return true
	}
}

func (p *fakeProcess) Terminate() error {
	p.terminates.Add(1)
	if p.exitOnTerminate {
		p.exit(-15)
	}
	return nil
}

func (p *fakeProcess) Kill() error {
	p.kills.Add(1)
	if p.killErr != nil {
		return p.killErr
	}
	if p.killExits {
		p.exit(-9)
		p.closeOutput()
	}
	return nil
}

type fakeLauncher struct {
	mu    sync.Mutex
	procs []*fakeProcess
	err   error
	calls [][]string
	envs  []map[string]string
	dirs  []string
}

func (l *fakeLauncher) Launch(_ context.Context, args []string, env map[string]string, dir string) (executor.Process, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, args)
	l.envs = append(l.envs, env)
	l.dirs = append(l.dirs, dir)
	if l.err != nil {
		return nil, &executor.LaunchError{Args: args, Err: l.err}
	}
	if len(l.procs) == 0 {
		return nil, &executor.LaunchError{Args: args, Err: errors.New("no fake process queued")}
	}
	p := l.procs[0]
	l.procs = l.procs[1:]
	return p, nil
}

// recorder captures notifications as strings in delivery order
type recorder struct {
	mu     sync.Mutex
	events []string
	phases []domain.RunPhase
	diags  []error
	last   progress.Progress
	runs   []RunSummary
}

func (r *recorder) add(s string) {
	r.mu.Lock()
	r.events = append(r.events, s)
	r.mu.Unlock()
}

func (r *recorder) OnStateChanged(p domain.RunPhase) {
	r.mu.Lock()
	r.phases = append(r.phases, p)
	r.mu.Unlock()
	r.add("state:" + string(p))
}

func (r *recorder) OnProgressUpdated(p progress.Progress) {
	r.mu.Lock()
	r.last = p
	r.mu.Unlock()
	r.add(fmt.Sprintf("progress:%d/%d", p.Completed, p.Total))
}

func (r *recorder) OnTestStarted(id string) { r.add("started:" + id) }

func (r *recorder) OnTestResult(id string, o domain.Outcome) {
	r.add("result:" + id + ":" + string(o))
}

func (r *recorder) OnOutputLine(line string) { r.add("line:" + line) }

func (r *recorder) OnDiagnostic(err error) {
	r.mu.Lock()
	r.diags = append(r.diags, err)
	r.mu.Unlock()
	r.add("diag")
}

func (r *recorder) OnRunStarted(info RunInfo) { r.add("run-started") }

func (r *recorder) OnRunFinished(s RunSummary) {
	r.mu.Lock()
	r.runs = append(r.runs, s)
	r.mu.Unlock()
	r.add("run-finished")
}

func (r *recorder) snapshot() ([]string, []domain.RunPhase, []error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...), append([]domain.RunPhase(nil), r.phases...), append([]error(nil), r.diags...)
}
