//go:build unix

package ffmpeg

import (
	"errors"
	"os/exec"
	"syscall"
)

// setProcessGroup starts the command in its own process group so a terminal
// SIGINT aimed at the daemon does not reach ffmpeg.
func setProcessGroup(cmd *exec.Cmd) {
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.Setpgid = true
}

// killProcessGroup sends SIGKILL to the whole group led by cmd.
func killProcessGroup(cmd *exec.Cmd) error {
	if cmd == nil || cmd.Process == nil {
		return nil
	}
	// Setpgid makes the child a group leader, so PGID == PID.
	err := syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	if errors.Is(err, syscall.ESRCH) {
		return nil
	}
	return err
}
