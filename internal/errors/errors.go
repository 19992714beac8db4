package apperrors

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"syscall"
)

type ErrorType string

const (
	TypeValidation   ErrorType = "Validation"   // Bad input, never retried
	TypeConnection   ErrorType = "Connection"   // Network issue, retry-eligible
	TypeTimeout      ErrorType = "Timeout"      // Deadline exceeded, retry-eligible
	TypeIntegrity    ErrorType = "Integrity"    // Checksum mismatch, corrupt payload
	TypeSecurity     ErrorType = "Security"     // Encryption failure, missing key
	TypeAuth         ErrorType = "Auth"         // Rejected transfer session
	TypeResource     ErrorType = "Resource"     // Permission denied, out of space, not found
	TypeMySQLService ErrorType = "MySQLService" // Instance stop/start/verify failure
	TypeIncomplete   ErrorType = "Incomplete"   // Transfer finalized with missing chunks
	TypeExhausted    ErrorType = "Exhausted"    // Retry budget spent
	TypeInternal     ErrorType = "Internal"     // Unexpected internal failure
)

// AppError is a rich error type that categorizes failures and carries hints for users.
type AppError struct {
	Type    ErrorType
	Message string
	Err     error
	Hint    string
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// New creates a new AppError
func New(t ErrorType, msg string, hint string) *AppError {
	return &AppError{
		Type:    t,
		Message: msg,
		Hint:    hint,
	}
}

// Wrap wraps an existing error into an AppError
func Wrap(err error, t ErrorType, msg string, hint string) *AppError {
	return &AppError{
		Type:    t,
		Message: msg,
		Err:     err,
		Hint:    hint,
	}
}

// TypeOf reports the ErrorType of err, or TypeInternal for untyped errors.
func TypeOf(err error) ErrorType {
	var ae *AppError
	if errors.As(err, &ae) {
		return ae.Type
	}
	return TypeInternal
}

// Is reports whether err carries the given ErrorType anywhere in its chain.
func Is(err error, t ErrorType) bool {
	var ae *AppError
	if errors.As(err, &ae) {
		return ae.Type == t
	}
	return false
}

// RetryExhaustedError is raised after the retry budget for an operation is spent.
// It keeps the original cause so callers can still classify the failure.
type RetryExhaustedError struct {
	Operation string
	Attempts  int
	Err       error
}

func (e *RetryExhaustedError) Error() string {
	return fmt.Sprintf("operation %q failed after %d attempts: %v", e.Operation, e.Attempts, e.Err)
}

func (e *RetryExhaustedError) Unwrap() error {
	return e.Err
}

// IncompleteTransferError is surfaced at finalize when chunk indices are missing.
type IncompleteTransferError struct {
	TransferID string
	Missing    []int
}

func (e *IncompleteTransferError) Error() string {
	return fmt.Sprintf("transfer %s incomplete: %d chunk(s) missing", e.TransferID, len(e.Missing))
}

// IsTransient classifies err as likely to succeed on retry. Only timeouts,
// connection-level failures and explicitly transient AppErrors qualify;
// a cancelled context is never transient.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var ae *AppError
	if errors.As(err, &ae) {
		switch ae.Type {
		case TypeConnection, TypeTimeout:
			return true
		default:
			return false
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	if errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}

	var opErr *net.OpError
	return errors.As(err, &opErr)
}

var (
	ErrChecksumMismatch = New(TypeIntegrity, "chunk checksum mismatch", "The chunk was corrupted in transit. It will be retried.")
	ErrUnknownTransfer  = New(TypeValidation, "unknown transfer session", "The session may have expired or was never initialized.")
)
