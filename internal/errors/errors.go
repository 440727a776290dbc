// Package errors provides error code definitions shared across the sync core.
package errors

import (
	stderrors "errors"
	"fmt"
)

// ErrorCode classifies a failure for retry and reporting decisions.
type ErrorCode string

const (
	// General errors
	ErrInternal   ErrorCode = "INTERNAL_ERROR"
	ErrInvalid    ErrorCode = "INVALID_INPUT"
	ErrNotFound   ErrorCode = "NOT_FOUND"
	ErrValidation ErrorCode = "VALIDATION_ERROR"

	// Local store errors. A store failure is fatal for the whole sync cycle
	// because internal consistency can no longer be assumed.
	ErrLocalStore ErrorCode = "LOCAL_STORE_ERROR"
	ErrMigration  ErrorCode = "MIGRATION_FAILED"

	// Sync errors
	ErrNetworkUnavailable ErrorCode = "NETWORK_UNAVAILABLE"
	ErrRemoteRejected     ErrorCode = "REMOTE_REJECTED"
	ErrTransientServer    ErrorCode = "TRANSIENT_SERVER_ERROR"
	ErrConflictDetected   ErrorCode = "CONFLICT_DETECTED"
	ErrSyncInProgress     ErrorCode = "SYNC_IN_PROGRESS"
	ErrSyncFailed         ErrorCode = "SYNC_FAILED"

	// Queue errors
	ErrQueueItemNotFound ErrorCode = "QUEUE_ITEM_NOT_FOUND"
	ErrMaxRetriesReached ErrorCode = "MAX_RETRIES_REACHED"
)

// AppError represents an application error with code and message.
type AppError struct {
	Code    ErrorCode
	Message string
	Err     error
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error.
func (e *AppError) Unwrap() error {
	return e.Err
}

// New creates a new AppError.
func New(code ErrorCode, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
	}
}

// Wrap wraps an existing error with an error code.
func Wrap(code ErrorCode, message string, err error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// Is checks if an error carries a specific code anywhere in its chain.
func Is(err error, code ErrorCode) bool {
	for err != nil {
		if appErr, ok := err.(*AppError); ok && appErr.Code == code {
			return true
		}
		err = stderrors.Unwrap(err)
	}
	return false
}

// CodeOf returns the error code of the outermost AppError in the chain, or
// ErrInternal when the error is not an AppError.
func CodeOf(err error) ErrorCode {
	for err != nil {
		if appErr, ok := err.(*AppError); ok {
			return appErr.Code
		}
		err = stderrors.Unwrap(err)
	}
	return ErrInternal
}

// Retryable reports whether a failure with this code may be retried on a later
// cycle. Rejections and store failures are terminal.
func Retryable(err error) bool {
	switch CodeOf(err) {
	case ErrNetworkUnavailable, ErrTransientServer, ErrSyncFailed:
		return true
	default:
		return false
	}
}
