package runner

import (
	"errors"
	"fmt"
)

// ErrNotIdle is returned by Start while a run is in progress
var ErrNotIdle = errors.New("a test run is already in progress")

// MonitoringError is a failure while draining the output stream or waiting
// for the process. It moves the controller to errored.
type MonitoringError struct {
	Err error
}

func (e *MonitoringError) Error() string {
	return fmt.Sprintf("monitoring failed: %v", e.Err)
}

func (e *MonitoringError) Unwrap() error {
	return e.Err
}

// KillFailure reports that forceful termination of the process tree failed
type KillFailure struct {
	Pid int
	Err error
}

func (e *KillFailure) Error() string {
	return fmt.Sprintf("failed to kill process tree %d: %v", e.Pid, e.Err)
}

func (e *KillFailure) Unwrap() error {
	return e.Err
}

// LineError is reported when processing a single line panicked. The line
// is skipped and the run continues.
type LineError struct {
	Line  string
	Cause any
}

func (e *LineError) Error() string {
	return fmt.Sprintf("skipped output line %q: %v", e.Line, e.Cause)
}
