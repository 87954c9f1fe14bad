package backend

import (
	"errors"
	"fmt"
)

var (
	// ErrRuntimeAttach means the execution context a backend needs could not
	// be entered for the current call
	ErrRuntimeAttach = errors.New("backend runtime attach failed")
	// ErrSessionCreationFailed means the backend returned neither a session
	// nor an error
	ErrSessionCreationFailed = errors.New("backend returned no session")
	// ErrInvalidDN is a structural DN error, distinct from noSuchObject
	ErrInvalidDN = errors.New("invalid DN")
	// ErrUnknownClass is returned by Open for an unregistered backend class
	ErrUnknownClass = errors.New("unknown backend class")
)

// BackendError wraps any failure surfaced by a backend call. It never
// crosses the adapter boundary; it is logged and downgraded to
// operationsError.
type BackendError struct {
	Op  string
	Err error
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("backend %s: %v", e.Op, e.Err)
}

func (e *BackendError) Unwrap() error {
	return e.Err
}

// TranslationError reports a parameter or result that could not be mapped
// between the protocol layer and the backend
type TranslationError struct {
	Field string
	Err   error
}

func (e *TranslationError) Error() string {
	return fmt.Sprintf("translate %s: %v", e.Field, e.Err)
}

func (e *TranslationError) Unwrap() error {
	return e.Err
}

// Kind classifies an error for logs and metrics
func Kind(err error) string {
	var be *BackendError
	var te *TranslationError
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrRuntimeAttach):
		return "runtime_attach"
	case errors.Is(err, ErrSessionCreationFailed):
		return "session_creation"
	case errors.As(err, &te):
		return "translation"
	case errors.As(err, &be):
		return "backend"
	default:
		return "internal"
	}
}
