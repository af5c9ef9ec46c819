//go:build !windows

package localexec

import (
	"os/exec"
	"syscall"
)

// configureProcessGroup starts the child in its own group so a timeout kills
// everything it spawned.
func configureProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
}
