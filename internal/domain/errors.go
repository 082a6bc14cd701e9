package domain

import (
	"errors"
	"fmt"
)

// ─── Sentinel Errors ────────────────────────────────────────────────────────
// Domain errors carry no infrastructure dependency.

var (
	ErrInvalidArgument = errors.New("invalid argument")

	// Workflow construction errors (fatal at registration, never at runtime)
	ErrWorkflowExists      = errors.New("workflow already registered")
	ErrWorkflowInvalid     = errors.New("invalid workflow definition")
	ErrWorkflowNotFound    = errors.New("workflow not found")
	ErrDuplicateTaskID     = errors.New("task already exists")
	ErrUnknownState        = errors.New("state not defined in workflow")
	ErrDuplicateTransition = errors.New("duplicate transition id")

	// Not-found errors
	ErrTaskNotFound        = errors.New("task not found")
	ErrApplicationNotFound = errors.New("application not found")
	ErrStepNotFound        = errors.New("step not found")
	ErrJobNotFound         = errors.New("job not found")

	// Authorization / consistency errors
	ErrPeerNotConnected   = errors.New("peer is not connected")
	ErrNotAssignee        = errors.New("peer is not the task's current assignee")
	ErrCompletionConflict = errors.New("task is not in a state that accepts completion")
	ErrAcceptConflict     = errors.New("task is not awaiting acceptance")

	// Job errors
	ErrJobExists        = errors.New("job already active")
	ErrEmptyApplication = errors.New("application has no steps")
	ErrNotFirstStep     = errors.New("job must start at the application's first step")

	// Storage errors
	ErrStorage = errors.New("storage failure")
)

// ─── Structured Errors ──────────────────────────────────────────────────────

// Code classifies an error for operator-visible acknowledgements.
type Code string

const (
	CodeInvalidArgument Code = "invalid_argument"
	CodeNotFound        Code = "not_found"
	CodeUnauthorized    Code = "unauthorized"
	CodeConflict        Code = "conflict"
	CodeAlreadyExists   Code = "already_exists"
	CodeStorage         Code = "storage"
	CodeInternal        Code = "internal"
)

// Error is an error with an explicit code.
type Error struct {
	Code    Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// Errorf wraps err with a code and a formatted message.
func Errorf(code Code, err error, format string, args ...any) error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Err: err}
}

// CodeOf maps an error to its code.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) && e.Code != "" {
		return e.Code
	}
	switch {
	case errors.Is(err, ErrTaskNotFound), errors.Is(err, ErrApplicationNotFound),
		errors.Is(err, ErrStepNotFound), errors.Is(err, ErrJobNotFound),
		errors.Is(err, ErrWorkflowNotFound):
		return CodeNotFound
	case errors.Is(err, ErrNotAssignee), errors.Is(err, ErrPeerNotConnected):
		return CodeUnauthorized
	case errors.Is(err, ErrCompletionConflict), errors.Is(err, ErrAcceptConflict):
		return CodeConflict
	case errors.Is(err, ErrJobExists), errors.Is(err, ErrWorkflowExists),
		errors.Is(err, ErrDuplicateTaskID):
		return CodeAlreadyExists
	case errors.Is(err, ErrInvalidArgument), errors.Is(err, ErrEmptyApplication),
		errors.Is(err, ErrNotFirstStep), errors.Is(err, ErrWorkflowInvalid):
		return CodeInvalidArgument
	case errors.Is(err, ErrStorage):
		return CodeStorage
	default:
		return CodeInternal
	}
}

// ─── Acknowledgements ───────────────────────────────────────────────────────

// Ack is the structured reply to an operator or peer request.
type Ack struct {
	OK      bool   `json:"ok"`
	Code    Code   `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
	Data    any    `json:"data,omitempty"`
}

// OK builds a successful ack.
func OK(data any) Ack {
	return Ack{OK: true, Data: data}
}

// Fail builds a failed ack from err.
func Fail(err error) Ack {
	return Ack{OK: false, Code: CodeOf(err), Message: err.Error()}
}
