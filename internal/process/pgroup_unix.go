//go:build unix

package process

import (
	"os"
	"os/exec"
	"syscall"
)

// setProcessGroup starts the command as the leader of a new process group so
// the whole tree can be signalled on timeout.
func setProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

func terminateGroup(pid int) error {
	return syscall.Kill(-pid, syscall.SIGTERM)
}

func killGroup(pid int) error {
	return syscall.Kill(-pid, syscall.SIGKILL)
}

// exitStatus maps a finished process to a shell-style status: the exit code,
// or 128+N when terminated by signal N.
func exitStatus(ps *os.ProcessState) int {
	if ps == nil {
		return ExitCodeTimedOut
	}
	if ws, ok := ps.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return 128 + int(ws.Signal())
	}
	return ps.ExitCode()
}
