package alert

import (
	"errors"
	"fmt"
)

// Store error codes. They follow the canonical cloud status names so the
// classifier can treat every backend the same way.
const (
	CodePermissionDenied   = "permission-denied"
	CodeUnauthenticated    = "unauthenticated"
	CodeNotFound           = "not-found"
	CodeFailedPrecondition = "failed-precondition"
	CodeUnavailable        = "unavailable"
	CodeResourceExhausted  = "resource-exhausted"
	CodeInvalidArgument    = "invalid-argument"
	CodeDeadlineExceeded   = "deadline-exceeded"
	CodeInternal           = "internal"
)

// ErrNotFound is matched by errors.Is for a missing alert.
var ErrNotFound = errors.New("alert: not found")

// StoreError is the typed failure returned by Store implementations.
type StoreError struct {
	Op      string
	Code    string
	Message string
	Name    string
	Err     error
}

func (e *StoreError) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Op == "" {
		return fmt.Sprintf("%s: %s", e.Code, msg)
	}
	return fmt.Sprintf("%s: %s: %s", e.Op, e.Code, msg)
}

func (e *StoreError) Unwrap() error { return e.Err }

// Is lets errors.Is(err, ErrNotFound) match not-found store errors.
func (e *StoreError) Is(target error) bool {
	return target == ErrNotFound && e.Code == CodeNotFound
}

func notFound(op, id string) error {
	return &StoreError{
		Op:      op,
		Code:    CodeNotFound,
		Message: fmt.Sprintf("no alert with id %q", id),
		Name:    "StoreError",
	}
}

// DebugInfo is the raw diagnostic detail surfaced next to a friendly message.
type DebugInfo struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
	Name    string `json:"name"`
}

// Debug extracts diagnostic detail from err.
func Debug(err error) DebugInfo {
	if err == nil {
		return DebugInfo{}
	}
	var se *StoreError
	if errors.As(err, &se) {
		name := se.Name
		if name == "" {
			name = "StoreError"
		}
		msg := se.Message
		if msg == "" && se.Err != nil {
			msg = se.Err.Error()
		}
		return DebugInfo{Code: se.Code, Message: msg, Name: name}
	}
	return DebugInfo{Message: err.Error(), Name: fmt.Sprintf("%T", err)}
}
