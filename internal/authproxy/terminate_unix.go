//go:build !windows

package authproxy

import (
	"os"
	"syscall"
)

// terminate asks the process to shut down gracefully.
func terminate(proc *os.Process) error {
	return proc.Signal(syscall.SIGTERM)
}
