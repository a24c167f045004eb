//go:build !windows

package procutil

import (
	"fmt"
	"os"
	"syscall"
)

// GracefulTerminate asks the process to shut down with SIGTERM.
func GracefulTerminate(p *os.Process) error {
	return p.Signal(syscall.SIGTERM)
}

// TerminateByPID sends SIGTERM to the process identified by pid.
func TerminateByPID(pid int) error {
	if pid <= 0 {
		return fmt.Errorf("invalid pid: %d", pid)
	}
	return syscall.Kill(pid, syscall.SIGTERM)
}

// IsProcessAlive reports whether pid names a live process, probed with
// signal 0 so nothing is actually delivered.
func IsProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return process.Signal(syscall.Signal(0)) == nil
}
