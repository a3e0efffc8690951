package sandbox

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies orchestrator errors.
type Kind string

const (
	KindProvision        Kind = "ProvisionError"
	KindRuntimeNotFound  Kind = "RuntimeNotFound"
	KindExecutionTimeout Kind = "ExecutionTimeout"
	KindExecutionFailure Kind = "ExecutionFailure"
	KindInvalidPath      Kind = "InvalidPath"
	KindFileNotFound     Kind = "FileNotFound"
	KindPermissionDenied Kind = "PermissionDenied"
	KindFileTooLarge     Kind = "FileTooLarge"
	KindInvalidRequest   Kind = "InvalidRequest"
	// KindEngine covers engine failures that are not one of the above.
	KindEngine Kind = "EngineError"
)

// Sentinels for errors.Is; an *Error matches the sentinel of its Kind.
var (
	ErrProvision        = &Error{Kind: KindProvision}
	ErrRuntimeNotFound  = &Error{Kind: KindRuntimeNotFound}
	ErrExecutionTimeout = &Error{Kind: KindExecutionTimeout}
	ErrExecutionFailure = &Error{Kind: KindExecutionFailure}
	ErrInvalidPath      = &Error{Kind: KindInvalidPath}
	ErrFileNotFound     = &Error{Kind: KindFileNotFound}
	ErrPermissionDenied = &Error{Kind: KindPermissionDenied}
	ErrFileTooLarge     = &Error{Kind: KindFileTooLarge}
	ErrInvalidRequest   = &Error{Kind: KindInvalidRequest}
	ErrEngine           = &Error{Kind: KindEngine}
)

// HTTPStatus is the status the API answers with for this kind.
// Execution-level failures are reported in a 200 body.
func (k Kind) HTTPStatus() int {
	switch k {
	case KindProvision, KindRuntimeNotFound, KindEngine:
		return http.StatusServiceUnavailable
	case KindInvalidPath, KindInvalidRequest:
		return http.StatusBadRequest
	case KindFileNotFound:
		return http.StatusNotFound
	case KindPermissionDenied:
		return http.StatusForbidden
	case KindFileTooLarge:
		return http.StatusRequestEntityTooLarge
	default:
		return http.StatusOK
	}
}

// Retryable reports whether re-issuing the call may succeed.
func (k Kind) Retryable() bool {
	switch k {
	case KindProvision, KindRuntimeNotFound, KindEngine:
		return true
	}
	return false
}

// Error is the error type returned at sandbox component boundaries.
type Error struct {
	Kind      Kind
	Op        string
	SessionID string
	Message   string
	Err       error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	} else if e.Err != nil {
		msg = msg + ": " + e.Err.Error()
	}
	if msg == "" {
		msg = string(e.Kind)
	}
	if e.Op != "" {
		return fmt.Sprintf("%s: %s", e.Op, msg)
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same Kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

func newError(kind Kind, op, sessionID, msg string, err error) *Error {
	return &Error{Kind: kind, Op: op, SessionID: sessionID, Message: msg, Err: err}
}

// KindOf returns the Kind of err, or "" when err carries none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}
