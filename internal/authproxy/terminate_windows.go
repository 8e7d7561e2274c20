//go:build windows

package authproxy

import "os"

// terminate kills the process; Windows has no SIGTERM.
func terminate(proc *os.Process) error {
	return proc.Kill()
}
