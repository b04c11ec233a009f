//go:build windows

package infra

import "syscall"

// detachedProcAttr starts the game in a new process group so console signals aimed at the kiosk skip it.
func detachedProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{
		CreationFlags: syscall.CREATE_NEW_PROCESS_GROUP,
	}
}
