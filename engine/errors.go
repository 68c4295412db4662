package engine

import (
	"errors"
	"fmt"

	"chatsync/models"
)

// ErrorCode classifies engine failures.
type ErrorCode string

const (
	CodeValidation          ErrorCode = "VALIDATION"
	CodeNotFound            ErrorCode = "NOT_FOUND"
	CodeRemoteFailure       ErrorCode = "REMOTE_FAILURE"
	CodeTimeout             ErrorCode = "TIMEOUT"
	CodeConcurrentOperation ErrorCode = "CONCURRENT_OPERATION"
)

var (
	// ErrEmptyMessage rejects a send with no text, media or poll.
	ErrEmptyMessage = models.ErrEmptyDraft
	// ErrNotFound marks a message, poll or cursor that no longer exists.
	ErrNotFound = models.ErrNotFound
	// ErrConversationClosed is returned for conversations without an open view.
	ErrConversationClosed = errors.New("conversation is not open")
	// ErrStopped is returned after Stop.
	ErrStopped = errors.New("engine stopped")
)

// Error is the error type returned by engine operations.
type Error struct {
	Code   ErrorCode
	Op     string
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Err == nil {
		return fmt.Sprintf("engine: %s: %s (%s)", e.Op, e.Code, e.Reason)
	}
	return fmt.Sprintf("engine: %s: %s (%s): %v", e.Op, e.Code, e.Reason, e.Err)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func newError(code ErrorCode, op, reason string, err error) *Error {
	return &Error{Code: code, Op: op, Reason: reason, Err: err}
}

// CodeOf returns the code of the first *Error in err's chain, or "".
func CodeOf(err error) ErrorCode {
	var engineErr *Error
	if errors.As(err, &engineErr) {
		return engineErr.Code
	}
	return ""
}

// IsRetryable reports whether the caller may retry the same operation.
func IsRetryable(err error) bool {
	return CodeOf(err) == CodeRemoteFailure
}

// IsSoft reports whether err was resolved locally and should not be shown
// to the user as a failure.
func IsSoft(err error) bool {
	switch CodeOf(err) {
	case CodeValidation, CodeConcurrentOperation, CodeTimeout:
		return true
	default:
		return false
	}
}

func remoteFailure(op string, err error) *Error {
	if errors.Is(err, models.ErrNotFound) {
		return newError(CodeNotFound, op, "target no longer exists", err)
	}
	return newError(CodeRemoteFailure, op, "store call failed", err)
}
