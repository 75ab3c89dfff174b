// Package apperr provides stable error codes and the uniform request result
// envelope used by every inbound verb of the coordinator.
package apperr

import (
	"errors"
	"fmt"
)

// Stable error codes. The UI and tests switch on these, never on messages.
const (
	CodeSessionNotFound       = "SESSION_NOT_FOUND"
	CodeSessionCreateFailed   = "SESSION_CREATE_FAILED"
	CodeSessionCloseFailed    = "SESSION_CLOSE_FAILED"
	CodeSessionRestartFailed  = "SESSION_RESTART_FAILED"
	CodeWatcherStartFailed    = "WATCHER_START_FAILED"
	CodeWatcherStopFailed     = "WATCHER_STOP_FAILED"
	CodeLockDeclareFailed     = "LOCK_DECLARE_FAILED"
	CodeLockReleaseFailed     = "LOCK_RELEASE_FAILED"
	CodeLockConflict          = "LOCK_CONFLICT"
	CodeRebaseStartFailed     = "REBASE_START_FAILED"
	CodeRebaseStopFailed      = "REBASE_STOP_FAILED"
	CodeRebaseForceCheckFail  = "REBASE_FORCE_CHECK_FAILED"
	CodeRebaseTriggerFailed   = "REBASE_TRIGGER_FAILED"
	CodeRebaseInProgress      = "REBASE_IN_PROGRESS"
	CodeScanFailed            = "SCAN_SESSIONS_FAILED"
	CodeRecoverSessionFailed  = "RECOVER_SESSION_FAILED"
	CodeDeleteOrphanFailed    = "DELETE_ORPHAN_FAILED"
	CodeInstanceStoreFailed   = "INSTANCE_STORE_FAILED"
	CodeValidationFailed      = "VALIDATION_FAILED"
	CodeInternalError         = "INTERNAL_ERROR"
)

// Error is an application error with a stable code.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Err     error  `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the wrapped error for use with errors.Is and errors.As.
func (e *Error) Unwrap() error {
	return e.Err
}

// New creates an Error with the given code and message.
func New(code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Wrap creates an Error with the given code that wraps an underlying cause.
func Wrap(code, message string, err error) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

// Result is the uniform envelope returned by every inbound request verb.
// Failures are returned, never raised, across the request boundary.
type Result struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   *Error `json:"error,omitempty"`
}

// OK builds a successful result carrying data.
func OK(data any) Result {
	return Result{Success: true, Data: data}
}

// Fail builds a failed result from an error, preserving the stable code when
// the error is (or wraps) an *Error.
func Fail(err error) Result {
	var appErr *Error
	if errors.As(err, &appErr) {
		return Result{Success: false, Error: appErr}
	}
	return Result{Success: false, Error: &Error{Code: CodeInternalError, Message: err.Error()}}
}
