//go:build unix

// Package proc holds the platform-specific pieces of child process handling:
// process group placement and the soft/hard termination signals.
package proc

import (
	"os/exec"
	"syscall"
)

// SetAttributes places the child in its own process group so that signals
// reach nested children (shells, node wrappers) as well.
func SetAttributes(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// SignalSoft asks the child's process group to terminate gracefully.
func SignalSoft(cmd *exec.Cmd) error {
	if err := syscall.Kill(-cmd.Process.Pid, syscall.SIGTERM); err != nil {
		// Fall back to the direct process when the group is already gone.
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	return nil
}

// SignalHard kills the child's process group.
func SignalHard(cmd *exec.Cmd) error {
	if err := syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL); err != nil {
		return cmd.Process.Kill()
	}
	return nil
}
