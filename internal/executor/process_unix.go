//go:build !windows

package executor

import (
	"errors"
	"fmt"
	"os/exec"
	"syscall"
)

// configureProcAttr puts the child in its own process group so the whole
// tree can be signalled at once
func configureProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid: true,
	}
}

func terminateTree(pid int) error {
	return signalGroup(pid, syscall.SIGTERM)
}

func killTree(pid int) error {
	return signalGroup(pid, syscall.SIGKILL)
}

// signalGroup signals -pid and falls back to the leader alone
func signalGroup(pid int, sig syscall.Signal) error {
	err := syscall.Kill(-pid, sig)
	if err == nil || errors.Is(err, syscall.ESRCH) {
		return nil
	}
	if err2 := syscall.Kill(pid, sig); err2 != nil && !errors.Is(err2, syscall.ESRCH) {
		return fmt.Errorf("signal process group -%d: %v, process %d: %w", pid, err, pid, err2)
	}
	return nil
}
