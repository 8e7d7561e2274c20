package kubeconfig

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors for kubeconfig handling.
// These errors can be checked using errors.Is() for programmatic error handling.
var (
	// ErrParse indicates the input was neither a readable file nor a parseable
	// YAML/JSON kubeconfig document.
	ErrParse = errors.New("kubeconfig parse error")

	// ErrInvalidKubeconfig indicates that whole-config validation failed.
	ErrInvalidKubeconfig = errors.New("invalid kubeconfig")

	// ErrContextNotFound indicates that the named context does not exist.
	ErrContextNotFound = errors.New("context not found")

	// ErrInvalidClusterID indicates a cluster id that cannot be used as a file name.
	ErrInvalidClusterID = errors.New("invalid cluster id")
)

// ParseError reports a kubeconfig that could not be loaded.
// It is fatal to the single load call and never affects other clusters.
type ParseError struct {
	// Source is the file path, or "inline" for literal YAML/JSON input.
	Source string
	// Reason is a short human readable description.
	Reason string
	// Err is the underlying cause, if any.
	Err error
}

// Error implements the error interface.
func (e *ParseError) Error() string {
	msg := fmt.Sprintf("failed to parse kubeconfig from %s: %s", e.Source, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *ParseError) Unwrap() error {
	return e.Err
}

// Is matches ErrParse.
func (e *ParseError) Is(target error) bool {
	return target == ErrParse
}

// ValidationError reports which of the three top-level collections are empty.
type ValidationError struct {
	MissingUsers    bool
	MissingClusters bool
	MissingContexts bool
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	var missing []string
	if e.MissingUsers {
		missing = append(missing, "users")
	}
	if e.MissingClusters {
		missing = append(missing, "clusters")
	}
	if e.MissingContexts {
		missing = append(missing, "contexts")
	}
	return "invalid kubeconfig: missing " + strings.Join(missing, ", ")
}

// Is matches ErrInvalidKubeconfig.
func (e *ValidationError) Is(target error) bool {
	return target == ErrInvalidKubeconfig
}

// ContextError reports a context that exists but is not usable on its own,
// for instance because its exec credential plugin is missing.
type ContextError struct {
	Context string
	Err     error
}

// Error implements the error interface.
func (e *ContextError) Error() string {
	return fmt.Sprintf("context %q is not usable: %v", e.Context, e.Err)
}

// Unwrap returns the underlying cause.
func (e *ContextError) Unwrap() error {
	return e.Err
}
