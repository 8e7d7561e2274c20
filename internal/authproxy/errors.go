package authproxy

import (
	"errors"
	"fmt"
)

// ErrProxyLaunch is matched by every *LaunchError.
var ErrProxyLaunch = errors.New("auth proxy launch failed")

// ErrNotRunning is returned when an operation needs a running auth proxy.
var ErrNotRunning = errors.New("auth proxy is not running")

// LaunchError reports an auth proxy that failed to start or did not report
// readiness in time. Output holds the tail of the subprocess stderr.
type LaunchError struct {
	ClusterID string
	Reason    string
	Output    string
	Err       error
}

// Error implements the error interface.
func (e *LaunchError) Error() string {
	msg := fmt.Sprintf("failed to launch auth proxy for cluster %s: %s", e.ClusterID, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	if e.Output != "" {
		msg += " (" + e.Output + ")"
	}
	return msg
}

// Unwrap returns the underlying error.
func (e *LaunchError) Unwrap() error {
	return e.Err
}

// Is reports whether target is ErrProxyLaunch.
func (e *LaunchError) Is(target error) bool {
	return target == ErrProxyLaunch
}
