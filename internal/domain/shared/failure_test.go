package shared

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want FailureKind
	}{
		{name: "nil", err: nil, want: FailureNone},
		{name: "bad request", err: NewRemoteError(http.StatusBadRequest, "bad"), want: FailureValidation},
		{name: "conflict", err: NewRemoteError(http.StatusConflict, "busy"), want: FailureValidation},
		{name: "forbidden", err: NewRemoteError(http.StatusForbidden, ""), want: FailurePermission},
		{name: "not found status", err: NewRemoteError(http.StatusNotFound, ""), want: FailureNotFound},
		{name: "not found sentinel", err: fmt.Errorf("get scan: %w", ErrNotFound), want: FailureNotFound},
		{name: "server error", err: NewRemoteError(http.StatusBadGateway, ""), want: FailureTransient},
		{name: "throttled", err: NewRemoteError(http.StatusTooManyRequests, ""), want: FailureTransient},
		{name: "unauthorized is unexpected", err: NewRemoteError(http.StatusUnauthorized, ""), want: FailureUnexpected},
		{name: "wrapped remote error", err: fmt.Errorf("mask: %w", NewRemoteError(http.StatusConflict, "")), want: FailureValidation},
		{name: "network error", err: &net.OpError{Op: "dial", Err: errors.New("refused")}, want: FailureTransient},
		{name: "truncated body", err: io.ErrUnexpectedEOF, want: FailureTransient},
		{name: "attempt deadline", err: context.DeadlineExceeded, want: FailureTransient},
		{name: "caller cancelled", err: context.Canceled, want: FailureUnexpected},
		{name: "plain error", err: errors.New("boom"), want: FailureUnexpected},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}

func TestRemoteError_DisplayMessagePrefersFieldErrors(t *testing.T) {
	err := &RemoteError{
		StatusCode:  http.StatusBadRequest,
		Message:     "validation failed",
		FieldErrors: map[string]string{"scan_type": "scan_type is required", "node_type": "node_type is invalid"},
	}

	assert.Equal(t, "node_type is invalid; scan_type is required", err.DisplayMessage())
	assert.Equal(t, "node_type is invalid; scan_type is required", Message(fmt.Errorf("wrap: %w", err)))
}

func TestRemoteError_IsNotFound(t *testing.T) {
	assert.ErrorIs(t, NewRemoteError(http.StatusNotFound, "gone"), ErrNotFound)
	assert.NotErrorIs(t, NewRemoteError(http.StatusBadRequest, "gone"), ErrNotFound)
}

func TestPermissionMessage(t *testing.T) {
	assert.Equal(t, "denied by policy", PermissionMessage(NewRemoteError(http.StatusForbidden, "denied by policy"), "mask"))
	assert.Equal(t, "You do not have enough permissions to mask",
		PermissionMessage(NewRemoteError(http.StatusForbidden, ""), "mask"))
}

func TestFailureKind_Recoverable(t *testing.T) {
	assert.True(t, FailureValidation.Recoverable())
	assert.True(t, FailurePermission.Recoverable())
	assert.True(t, FailureNotFound.Recoverable())
	assert.False(t, FailureTransient.Recoverable())
	assert.False(t, FailureUnexpected.Recoverable())
}
