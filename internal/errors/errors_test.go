package apperrors

import (
	"context"
	"errors"
	"fmt"
	"net"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAppError_ErrorFormatting(t *testing.T) {
	err := New(TypeConnection, "receiver unreachable", "Check your firewall settings.")

	assert.Equal(t, "receiver unreachable", err.Error())
	assert.Equal(t, TypeConnection, err.Type)
	assert.Equal(t, "receiver unreachable", err.Message)
	assert.Equal(t, "Check your firewall settings.", err.Hint)
}

func TestAppError_Unwrap(t *testing.T) {
	baseErr := errors.New("underlying socket error")
	appErr := Wrap(baseErr, TypeConnection, "receiver unreachable", "Check your firewall settings.")

	assert.Equal(t, "receiver unreachable: underlying socket error", appErr.Error())
	assert.True(t, errors.Is(appErr, baseErr))
	assert.Equal(t, baseErr, errors.Unwrap(appErr))
}

func TestAppError_Is(t *testing.T) {
	err := New(TypeAuth, "access denied", "Check your transfer token.")
	assert.True(t, Is(err, TypeAuth))
	assert.False(t, Is(err, TypeConnection))

	stdErr := errors.New("standard error")
	assert.False(t, Is(stdErr, TypeAuth))

	wrapped := fmt.Errorf("wrapped: %w", err)
	assert.True(t, Is(wrapped, TypeAuth))
}

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		transient bool
	}{
		{"nil", nil, false},
		{"context canceled", context.Canceled, false},
		{"deadline exceeded", context.DeadlineExceeded, true},
		{"connection app error", New(TypeConnection, "conn reset", ""), true},
		{"timeout app error", New(TypeTimeout, "too slow", ""), true},
		{"validation app error", New(TypeValidation, "bad port", ""), false},
		{"integrity app error", ErrChecksumMismatch, false},
		{"net timeout", timeoutErr{}, true},
		{"econnreset", syscall.ECONNRESET, true},
		{"econnrefused", &net.OpError{Op: "dial", Err: syscall.ECONNREFUSED}, true},
		{"plain error", errors.New("boom"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.transient, IsTransient(tt.err))
		})
	}
}

func TestRetryExhaustedError(t *testing.T) {
	cause := New(TypeConnection, "conn reset", "")
	err := &RetryExhaustedError{Operation: "send chunk 3", Attempts: 5, Err: cause}

	assert.Contains(t, err.Error(), "send chunk 3")
	assert.Contains(t, err.Error(), "5 attempts")
	assert.True(t, errors.Is(err, cause))

	var rex *RetryExhaustedError
	assert.True(t, errors.As(fmt.Errorf("transfer: %w", err), &rex))
	assert.Equal(t, 5, rex.Attempts)
}

func TestIncompleteTransferError(t *testing.T) {
	err := &IncompleteTransferError{TransferID: "t-1", Missing: []int{2, 5}}
	assert.Contains(t, err.Error(), "t-1")
	assert.Contains(t, err.Error(), "2 chunk(s) missing")
}
