package apiversion

import (
	"errors"
	"fmt"
	"strings"
)

// ErrAPINotAvailable is matched by every *NotAvailableError.
var ErrAPINotAvailable = errors.New("api not available")

// NotAvailableError reports that no candidate API base serves the resource.
// It is terminal for the negotiator that returned it until Reset is called.
type NotAvailableError struct {
	Kind  string
	Bases []string
	// Reasons holds one entry per candidate base, in the order they were tried.
	Reasons []string
}

// Error implements the error interface.
func (e *NotAvailableError) Error() string {
	msg := fmt.Sprintf("api for %s not available (tried %s)", e.Kind, strings.Join(e.Bases, ", "))
	if len(e.Reasons) > 0 {
		msg += ": " + strings.Join(e.Reasons, "; ")
	}
	return msg
}

// Is reports whether target is ErrAPINotAvailable.
func (e *NotAvailableError) Is(target error) bool {
	return target == ErrAPINotAvailable
}
