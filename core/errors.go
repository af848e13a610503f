package core

import (
	"errors"
	"fmt"
	"time"
)

// ErrorKind classifies command execution failures.
type ErrorKind int

const (
	// ErrKindIO covers spawn, pipe and other OS-level failures.
	ErrKindIO ErrorKind = iota

	// ErrKindTimeout means the command outlived its configured timeout and was killed.
	ErrKindTimeout

	// ErrKindChild describes abnormal child state, e.g. a malformed worker response.
	ErrKindChild
)

func (k ErrorKind) String() string {
	switch k {
	case ErrKindIO:
		return "io"
	case ErrKindTimeout:
		return "timeout"
	case ErrKindChild:
		return "child"
	default:
		return "unknown"
	}
}

// ExecuteError is returned by every CommandExecutor.
type ExecuteError struct {
	Kind    ErrorKind
	Timeout time.Duration // set for ErrKindTimeout
	Msg     string
	Err     error
}

func (e *ExecuteError) Error() string {
	switch e.Kind {
	case ErrKindTimeout:
		return fmt.Sprintf("command execution timed out after %v", e.Timeout)
	case ErrKindChild:
		if e.Err != nil {
			return fmt.Sprintf("child process error: %s: %v", e.Msg, e.Err)
		}
		return "child process error: " + e.Msg
	default:
		if e.Msg != "" && e.Err != nil {
			return fmt.Sprintf("io error: %s: %v", e.Msg, e.Err)
		}
		if e.Err != nil {
			return fmt.Sprintf("io error: %v", e.Err)
		}
		return "io error: " + e.Msg
	}
}

func (e *ExecuteError) Unwrap() error { return e.Err }

// NewIOError wraps an OS-level failure.
func NewIOError(msg string, err error) *ExecuteError {
	return &ExecuteError{Kind: ErrKindIO, Msg: msg, Err: err}
}

// NewTimeoutError reports that a command exceeded timeout.
func NewTimeoutError(timeout time.Duration) *ExecuteError {
	return &ExecuteError{Kind: ErrKindTimeout, Timeout: timeout}
}

// NewChildError reports abnormal child process state.
func NewChildError(msg string, err error) *ExecuteError {
	return &ExecuteError{Kind: ErrKindChild, Msg: msg, Err: err}
}

// IsTimeout reports whether err is (or wraps) a timeout ExecuteError.
func IsTimeout(err error) bool {
	var ee *ExecuteError
	return errors.As(err, &ee) && ee.Kind == ErrKindTimeout
}

// KindOf returns the ErrorKind of err, or ErrKindIO for foreign errors.
func KindOf(err error) ErrorKind {
	var ee *ExecuteError
	if errors.As(err, &ee) {
		return ee.Kind
	}
	return ErrKindIO
}

var (
	ErrQueueFull     = errors.New("task queue is full")
	ErrQueueClosed   = errors.New("task queue is closed")
	ErrEmptyPipeline = errors.New("pipeline is empty")
	ErrPoolClosed    = errors.New("resident worker pool is closed")
	ErrPoolExhausted = errors.New("resident worker pool has no live workers")
	ErrInvalidConfig = errors.New("invalid backend config")

	ErrBackendNotStarted = errors.New("backend is not started")
	ErrCommandPoolClosed = errors.New("command pool is closed")
	ErrTaskDiscarded     = errors.New("task was removed from the queue before it ran")
)
