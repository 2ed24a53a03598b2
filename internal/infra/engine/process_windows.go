package engine

import (
	"os/exec"
	"syscall"
)

// configureProcess hides the console window of the engine subprocess.
func configureProcess(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		HideWindow: true,
	}
}
