package kubeapi

import (
	"errors"
	"fmt"

	apierrors "k8s.io/apimachinery/pkg/api/errors"

	"github.com/giantswarm/cluster-bridge/internal/apiversion"
)

// Sentinel errors matched by the typed errors below.
var (
	// ErrAPI is matched by every *APIError.
	ErrAPI = errors.New("kubernetes api error")

	// ErrTransport is matched by every *TransportError.
	ErrTransport = errors.New("kubernetes transport error")

	// ErrInvalidPatch indicates a patch body that does not fit its strategy.
	ErrInvalidPatch = errors.New("invalid patch")
)

// APIError is a non-2xx answer from the API server.
type APIError struct {
	StatusCode int
	Reason     string
	Message    string
	Err        error
}

// Error implements the error interface.
func (e *APIError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("api error %d (%s): %s", e.StatusCode, e.Reason, e.Message)
	}
	return fmt.Sprintf("api error %d: %s", e.StatusCode, e.Message)
}

// Unwrap returns the underlying client-go error.
func (e *APIError) Unwrap() error {
	return e.Err
}

// Is reports whether target is ErrAPI.
func (e *APIError) Is(target error) bool {
	return target == ErrAPI
}

// TransportError is a failure to get any answer from the API server:
// DNS, connection refused, TLS, timeouts.
type TransportError struct {
	Op  string
	URL string
	Err error
}

// Error implements the error interface.
func (e *TransportError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.URL, e.Err)
}

// Unwrap returns the underlying error.
func (e *TransportError) Unwrap() error {
	return e.Err
}

// Is reports whether target is ErrTransport.
func (e *TransportError) Is(target error) bool {
	return target == ErrTransport
}

// IsNotFound reports whether err is an APIError with status 404.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == 404
}

// IsConflict reports whether err is an APIError with status 409.
func IsConflict(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == 409
}

// IsGone reports whether err is an APIError with status 410, the signal
// that a resource version is too old to resume from.
func IsGone(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == 410
}

// mapError converts client-go errors into the package error taxonomy.
func mapError(op, url string, err error) error {
	if err == nil {
		return nil
	}
	var notAvailable *apiversion.NotAvailableError
	if errors.As(err, &notAvailable) {
		return err
	}
	var status apierrors.APIStatus
	if errors.As(err, &status) {
		s := status.Status()
		return &APIError{
			StatusCode: int(s.Code),
			Reason:     string(s.Reason),
			Message:    s.Message,
			Err:        err,
		}
	}
	return &TransportError{Op: op, URL: url, Err: err}
}
