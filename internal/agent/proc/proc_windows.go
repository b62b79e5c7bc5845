//go:build windows

package proc

import "os/exec"

func SetAttributes(cmd *exec.Cmd) {}

// Windows has no process groups in the POSIX sense and no graceful signal for
// console-less children, so both phases kill the process directly.
func SignalSoft(cmd *exec.Cmd) error {
	return cmd.Process.Kill()
}

func SignalHard(cmd *exec.Cmd) error {
	return cmd.Process.Kill()
}
