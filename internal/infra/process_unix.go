//go:build !windows

package infra

import "syscall"

// detachedProcAttr puts the game in its own session so it is not tied to the kiosk's terminal.
func detachedProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{
		Setsid: true,
	}
}
