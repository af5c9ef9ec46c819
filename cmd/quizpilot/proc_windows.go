//go:build windows

package main

import "os/exec"

// Windows has no Setsid; a plain child process is detached enough here.
func configureDaemonProc(cmd *exec.Cmd) {}
