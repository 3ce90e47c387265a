//go:build !windows

package udi

import (
	"fmt"
	"syscall"

	"golang.org/x/sys/unix"
)

func signalName(sig uint32) string {
	if name := unix.SignalName(syscall.Signal(sig)); name != "" {
		return name
	}
	return fmt.Sprintf("signal(%d)", sig)
}
