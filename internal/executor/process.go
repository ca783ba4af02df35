// Package executor launches the external test tool and exposes its merged
// output as a stream of lines.
package executor

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
)

// Launcher starts a test tool process
type Launcher interface {
	Launch(ctx context.Context, args []string, env map[string]string, dir string) (Process, error)
}

// Process is a running child. Lines is closed at end of output; Err then
// reports any read failure. Terminate and Kill address the whole process
// group, including descendants that outlive the leader.
type Process interface {
	Pid() int
	Lines() <-chan string
	Err() error
	Wait() (int, error)
	Terminate() error
	Kill() error
	Alive() bool
}

// LaunchError is returned when the process could not be spawned
type LaunchError struct {
	Args []string
	Err  error
}

func (e *LaunchError) Error() string {
	name := "<empty command>"
	if len(e.Args) > 0 {
		name = e.Args[0]
	}
	return fmt.Sprintf("failed to launch %s: %v", name, e.Err)
}

func (e *LaunchError) Unwrap() error {
	return e.Err
}

// ExecLauncher runs processes with os/exec in their own process group
type ExecLauncher struct{}

// NewExecLauncher creates a launcher for real OS processes
func NewExecLauncher() *ExecLauncher {
	return &ExecLauncher{}
}

// Launch starts args[0] with args[1:]. env overrides the current environment
// key by key; an empty dir means the current working directory.
func (l *ExecLauncher) Launch(ctx context.Context, args []string, env map[string]string, dir string) (Process, error) {
	if len(args) == 0 {
		return nil, &LaunchError{Args: args, Err: errors.New("no command given")}
	}

	if dir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, &LaunchError{Args: args, Err: fmt.Errorf("resolve working directory: %w", err)}
		}
		dir = wd
	}
	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		return nil, &LaunchError{Args: args, Err: fmt.Errorf("working directory %q is not usable", dir)}
	}

	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	cmd.Dir = dir
	cmd.Env = MergeEnv(os.Environ(), env)
	configureProcAttr(cmd)

	// One pipe for both streams keeps stdout and stderr in write order
	pr, pw, err := os.Pipe()
	if err != nil {
		return nil, &LaunchError{Args: args, Err: fmt.Errorf("create output pipe: %w", err)}
	}
	cmd.Stdout = pw
	cmd.Stderr = pw

	p := &execProcess{
		cmd:     cmd,
		lines:   make(chan string, 256),
		exited:  make(chan struct{}),
		outDone: make(chan struct{}),
	}
	cmd.Cancel = p.Kill

	if err := cmd.Start(); err != nil {
		pr.Close()
		pw.Close()
		return nil, &LaunchError{Args: args, Err: err}
	}
	pw.Close()

	go p.readLines(pr)
	go p.wait()

	return p, nil
}

type execProcess struct {
	cmd     *exec.Cmd
	lines   chan string
	exited  chan struct{}
	outDone chan struct{}

	mu      sync.Mutex
	readErr error
	waitErr error
}

func (p *execProcess) readLines(f *os.File) {
	defer close(p.lines)
	defer close(p.outDone)
	defer f.Close()

	scanner := bufio.NewScanner(f)
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 1024*1024)
	for scanner.Scan() {
		p.lines <- strings.TrimRight(scanner.Text(), "\r")
	}
	if err := scanner.Err(); err != nil && !errors.Is(err, os.ErrClosed) {
		p.mu.Lock()
		p.readErr = err
		p.mu.Unlock()
	}
}

func (p *execProcess) wait() {
	err := p.cmd.Wait()
	p.mu.Lock()
	p.waitErr = err
	p.mu.Unlock()
	close(p.exited)
}

func (p *execProcess) Pid() int {
	return p.cmd.Process.Pid
}

func (p *execProcess) Lines() <-chan string {
	return p.lines
}

func (p *execProcess) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.readErr
}

// Wait blocks until the process exits. A non-zero exit is reported through
// the code, not the error.
func (p *execProcess) Wait() (int, error) {
	<-p.exited

	p.mu.Lock()
	err := p.waitErr
	p.mu.Unlock()

	if err == nil {
		return 0, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), nil
	}
	return -1, err
}

// Alive reports whether the leader runs or any process still holds the
// output pipe open. Descendants in the group keep the pipe until they exit.
func (p *execProcess) Alive() bool {
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

func (p *execProcess) Terminate() error {
	return terminateTree(p.cmd.Process.Pid)
}

func (p *execProcess) Kill() error {
	return killTree(p.cmd.Process.Pid)
}
