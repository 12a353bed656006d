// Package shared provides the failure model every remote operation reports
// through, and the classification that decides how the engine reacts to it.
package shared

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sort"
	"strings"
)

// ErrNotFound indicates the referenced scan, result or report no longer exists
// on the remote system.
var ErrNotFound = errors.New("not found")

// RemoteError is the failure half of a remote operation's result. It carries
// the HTTP-like status class and an optional structured message.
type RemoteError struct {
	// StatusCode is the status class reported by the remote (400, 403, 409, ...).
	StatusCode int
	// Message is the top-level message from the response body, if any.
	Message string
	// FieldErrors holds field-level validation messages keyed by field name.
	FieldErrors map[string]string
}

// NewRemoteError builds a RemoteError for the given status and message.
func NewRemoteError(status int, msg string) *RemoteError {
	return &RemoteError{StatusCode: status, Message: msg}
}

func (e *RemoteError) Error() string {
	if msg := e.DisplayMessage(); msg != "" {
		return fmt.Sprintf("remote error (status %d): %s", e.StatusCode, msg)
	}
	return fmt.Sprintf("remote error (status %d)", e.StatusCode)
}

// Is lets errors.Is(err, ErrNotFound) match a 404 RemoteError.
func (e *RemoteError) Is(target error) bool {
	return target == ErrNotFound && e.StatusCode == http.StatusNotFound
}

// DisplayMessage returns the most specific message available: the field-level
// messages when present, otherwise the top-level message.
func (e *RemoteError) DisplayMessage() string {
	if len(e.FieldErrors) == 0 {
		return e.Message
	}
	fields := make([]string, 0, len(e.FieldErrors))
	for f := range e.FieldErrors {
		fields = append(fields, f)
	}
	sort.Strings(fields)

	msgs := make([]string, 0, len(fields))
	for _, f := range fields {
		msgs = append(msgs, e.FieldErrors[f])
	}
	return strings.Join(msgs, "; ")
}

// FailureKind is the engine's classification of a failed remote operation.
type FailureKind int

const (
	// FailureNone means there was no failure.
	FailureNone FailureKind = iota
	// FailureValidation covers 400/409: bad input or conflicting state.
	FailureValidation
	// FailurePermission covers 403.
	FailurePermission
	// FailureNotFound means the referenced entity is gone.
	FailureNotFound
	// FailureTransient covers network failures, throttling and 5xx.
	FailureTransient
	// FailureUnexpected is everything else; it propagates to the top-level caller.
	FailureUnexpected
)

func (k FailureKind) String() string {
	switch k {
	case FailureNone:
		return "none"
	case FailureValidation:
		return "validation"
	case FailurePermission:
		return "permission"
	case FailureNotFound:
		return "not_found"
	case FailureTransient:
		return "transient"
	case FailureUnexpected:
		return "unexpected"
	default:
		return "unknown"
	}
}

// Recoverable reports whether the failure is turned into a typed outcome for
// the immediate caller rather than propagated.
func (k FailureKind) Recoverable() bool {
	return k == FailureValidation || k == FailurePermission || k == FailureNotFound
}

// Classify maps an error returned by a remote operation to a FailureKind.
func Classify(err error) FailureKind {
	if err == nil {
		return FailureNone
	}

	// Caller cancellation is never retried and never recovered.
	if errors.Is(err, context.Canceled) {
		return FailureUnexpected
	}

	var re *RemoteError
	if errors.As(err, &re) {
		return classifyStatus(re.StatusCode)
	}

	if errors.Is(err, ErrNotFound) {
		return FailureNotFound
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, io.ErrUnexpectedEOF) {
		return FailureTransient
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return FailureTransient
	}

	return FailureUnexpected
}

func classifyStatus(status int) FailureKind {
	switch {
	case status == http.StatusBadRequest, status == http.StatusConflict:
		return FailureValidation
	case status == http.StatusForbidden:
		return FailurePermission
	case status == http.StatusNotFound:
		return FailureNotFound
	case status == http.StatusRequestTimeout, status == http.StatusTooManyRequests, status >= 500:
		return FailureTransient
	default:
		return FailureUnexpected
	}
}

// Message extracts the displayable message carried by err, or "" if err is
// not a RemoteError.
func Message(err error) string {
	var re *RemoteError
	if errors.As(err, &re) {
		return re.DisplayMessage()
	}
	return ""
}

// PermissionMessage is the separate message-extraction step for 403 failures:
// the remote's message when it sent one, otherwise a default naming the action.
func PermissionMessage(err error, action string) string {
	if msg := Message(err); msg != "" {
		return msg
	}
	return fmt.Sprintf("You do not have enough permissions to %s", action)
}
