//go:build unix

package engine

import (
	"os/exec"
	"syscall"
)

// configureProcess puts the engine in its own process group so that
// cancellation also kills the tool processes it spawned.
func configureProcess(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
}
