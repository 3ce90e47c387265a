//go:build !windows

package gdbserial

import (
	"syscall"

	"golang.org/x/sys/unix"
)

func sysProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{Setpgid: true, Pgid: 0, Foreground: false}
}

// killGroup kills the stub together with the debuggee, they share the
// process group created by sysProcAttr.
func killGroup(pid int) {
	unix.Kill(-pid, unix.SIGKILL)
}
