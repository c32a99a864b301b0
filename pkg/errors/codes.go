package errors

import (
	stderrors "errors"
	"fmt"

	"github.com/turtacn/Phoenix/pkg/consts"
)

// ErrorCode represents a unique identifier for specific error conditions in Phoenix.
type ErrorCode int

const (
	ErrCodeUnknown ErrorCode = 1000

	// Startup
	ErrCodeConfigInvalid ErrorCode = 1001
	ErrCodeIPC           ErrorCode = 1002
	ErrCodeUsage         ErrorCode = 1003

	// Deployment
	ErrCodeDeployFailed ErrorCode = 2001
	ErrCodeSourceUpdate ErrorCode = 2002

	// Worker lifecycle
	ErrCodeProcessStart       ErrorCode = 3001
	ErrCodeWorkerUnclean      ErrorCode = 3002
	ErrCodeSignalUnrecognized ErrorCode = 3003
	ErrCodeRetriesExhausted   ErrorCode = 3004

	ErrCodeInterrupted ErrorCode = 4001
)

// Error is the structured error type used across Phoenix. It carries an error
// code, the operation being performed, and the underlying cause.
type Error struct {
	// Code is the specific error code.
	Code ErrorCode
	// Msg is a human-readable description of the error.
	Msg string
	// Operation describes the action being performed when the error occurred.
	Operation string
	// Err is the underlying error that caused this error, if any.
	Err error
}

// Error returns a formatted string representation of the error.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%d] %s: %s (cause: %v)", e.Code, e.Operation, e.Msg, e.Err)
	}
	return fmt.Sprintf("[%d] %s: %s", e.Code, e.Operation, e.Msg)
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

// New creates a new Error with the specified code, operation, message, and underlying error.
func New(code ErrorCode, op, msg string, err error) error {
	return &Error{
		Code:      code,
		Msg:       msg,
		Operation: op,
		Err:       err,
	}
}

// CodeOf returns the code of the outermost *Error in err's chain, or
// ErrCodeUnknown if there is none.
func CodeOf(err error) ErrorCode {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Code
	}
	return ErrCodeUnknown
}

// Is reports whether err carries the given code.
func Is(err error, code ErrorCode) bool {
	return err != nil && CodeOf(err) == code
}

// ExitCode maps an error returned by a command to the process exit status.
func ExitCode(err error) int {
	if err == nil {
		return consts.ExitOK
	}
	switch CodeOf(err) {
	case ErrCodeConfigInvalid:
		return consts.ExitConfig
	case ErrCodeDeployFailed:
		return consts.ExitDeploy
	case ErrCodeRetriesExhausted:
		return consts.ExitRetriesExhausted
	case ErrCodeUsage:
		return consts.ExitUsage
	case ErrCodeInterrupted:
		return consts.ExitInterrupted
	default:
		return 1
	}
}

// Personal.AI order the ending
