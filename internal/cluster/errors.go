package cluster

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors for cluster management failures.
var (
	// ErrClusterNotFound indicates that no connection with the given ID is registered.
	ErrClusterNotFound = errors.New("cluster not found")

	// ErrManagerClosed indicates that the Manager has been closed.
	ErrManagerClosed = errors.New("cluster manager is closed")

	// ErrNotConnected indicates that a request needs a connected cluster.
	ErrNotConnected = errors.New("cluster is not connected")

	// ErrConnectionFailed matches every *ConnectionError.
	ErrConnectionFailed = errors.New("failed to connect to cluster")

	// ErrClusterUnreachable indicates that the API server could not be reached.
	ErrClusterUnreachable = errors.New("cluster unreachable")

	// ErrTLSHandshakeFailed indicates a certificate or TLS negotiation problem.
	// Retrying does not help.
	ErrTLSHandshakeFailed = errors.New("TLS handshake failed")

	// ErrConnectionTimeout indicates that the API server did not answer in time.
	ErrConnectionTimeout = errors.New("connection timeout")
)

// ClusterNotFoundError reports a lookup of an unknown cluster ID.
type ClusterNotFoundError struct {
	ClusterID string
}

// Error implements the error interface.
func (e *ClusterNotFoundError) Error() string {
	return fmt.Sprintf("cluster %q not found", e.ClusterID)
}

// Unwrap returns ErrClusterNotFound.
func (e *ClusterNotFoundError) Unwrap() error {
	return ErrClusterNotFound
}

// ConnectionError provides context about a failed reachability check.
type ConnectionError struct {
	ClusterID string
	Host      string
	Reason    string
	Err       error
}

// Error implements the error interface.
func (e *ConnectionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("connection to cluster %q (%s) failed: %s: %v", e.ClusterID, e.Host, e.Reason, e.Err)
	}
	return fmt.Sprintf("connection to cluster %q (%s) failed: %s", e.ClusterID, e.Host, e.Reason)
}

// Unwrap returns the underlying error.
func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// Is matches ErrConnectionFailed and ErrClusterUnreachable.
func (e *ConnectionError) Is(target error) bool {
	return target == ErrConnectionFailed || target == ErrClusterUnreachable
}

// TLSError reports a TLS or certificate failure.
type TLSError struct {
	ClusterID string
	Host      string
	Reason    string
	Err       error
}

// Error implements the error interface.
func (e *TLSError) Error() string {
	return fmt.Sprintf("TLS handshake with cluster %q (%s) failed: %s", e.ClusterID, e.Host, e.Reason)
}

// Unwrap returns the underlying error.
func (e *TLSError) Unwrap() error {
	return e.Err
}

// Is matches ErrTLSHandshakeFailed and ErrConnectionFailed.
func (e *TLSError) Is(target error) bool {
	return target == ErrTLSHandshakeFailed || target == ErrConnectionFailed
}

// ConnectivityTimeoutError reports an API server that did not answer in time.
type ConnectivityTimeoutError struct {
	ClusterID string
	Host      string
	Timeout   time.Duration
	Err       error
}

// Error implements the error interface.
func (e *ConnectivityTimeoutError) Error() string {
	if e.Timeout > 0 {
		return fmt.Sprintf("connection to cluster %q (%s) timed out after %s", e.ClusterID, e.Host, e.Timeout)
	}
	return fmt.Sprintf("connection to cluster %q (%s) timed out", e.ClusterID, e.Host)
}

// Unwrap returns the underlying error.
func (e *ConnectivityTimeoutError) Unwrap() error {
	return e.Err
}

// Is matches ErrConnectionTimeout and ErrConnectionFailed.
func (e *ConnectivityTimeoutError) Is(target error) bool {
	return target == ErrConnectionTimeout || target == ErrConnectionFailed
}
