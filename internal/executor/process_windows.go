//go:build windows

package executor

import (
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"syscall"
)

func configureProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		CreationFlags: syscall.CREATE_NEW_PROCESS_GROUP,
	}
}

// taskkill exits with 128 when the process is already gone
const taskkillNotFound = 128

// terminateTree asks the tree to close; taskkill without /F lets console
// programs shut down
func terminateTree(pid int) error {
	return taskkill("/T", "/PID", strconv.Itoa(pid))
}

func killTree(pid int) error {
	return taskkill("/T", "/F", "/PID", strconv.Itoa(pid))
}

func taskkill(args ...string) error {
	out, err := exec.Command("taskkill", args...).CombinedOutput()
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && exitErr.ExitCode() == taskkillNotFound {
		return nil
	}
	if err != nil {
		return fmt.Errorf("taskkill %v: %v: %s", args, err, out)
	}
	return nil
}
