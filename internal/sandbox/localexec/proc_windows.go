//go:build windows

package localexec

import "os/exec"

func configureProcessGroup(cmd *exec.Cmd) {
	// Windows has no process groups in the POSIX sense; the default Cancel kills
	// the interpreter only.
}
