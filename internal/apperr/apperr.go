// Package apperr defines the error taxonomy shared by every component of the
// scheduler, so callers can branch on a stable Code instead of matching
// strings.
package apperr

import (
	"errors"
	"fmt"
)

// Code identifies the class of failure. The scheduler never invents a new
// class at a call site: every error returned across a package boundary is
// one of these.
type Code int

const (
	// IoError wraps a filesystem or disk failure (blob store, index storage).
	IoError Code = iota
	// KvError wraps a failure from the transactional KV environment itself.
	KvError
	// CorruptedTaskQueue marks a broken invariant: a bitmap entry with no
	// matching all-tasks record, or a poisoned processing-tasks lock.
	CorruptedTaskQueue
	// IndexNotFound is returned when an index uid has no on-disk storage.
	IndexNotFound
	// IndexAlreadyExists is returned by create_index on a known uid.
	IndexAlreadyExists
	// InvalidQuery marks a malformed Query (e.g. a degenerate limit).
	InvalidQuery
	// PayloadError wraps a failure reading or writing an update-file blob.
	PayloadError
	// BatchExecutionError wraps a failure from the index engine while a
	// batch was executing, distinct from a single task's own error.
	BatchExecutionError
)

func (c Code) String() string {
	switch c {
	case IoError:
		return "io_error"
	case KvError:
		return "kv_error"
	case CorruptedTaskQueue:
		return "corrupted_task_queue"
	case IndexNotFound:
		return "index_not_found"
	case IndexAlreadyExists:
		return "index_already_exists"
	case InvalidQuery:
		return "invalid_query"
	case PayloadError:
		return "payload_error"
	case BatchExecutionError:
		return "batch_execution_error"
	default:
		return "unknown_error"
	}
}

// Error is the concrete error type returned at every package boundary in the
// scheduler. It carries a stable Code plus an optional wrapped cause so
// %w-chains keep working with errors.Is/errors.As.
type Error struct {
	Code  Code
	Msg   string
	Cause error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Msg, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Msg)
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds a bare Error with no wrapped cause.
func New(code Code, msg string) *Error {
	return &Error{Code: code, Msg: msg}
}

// Newf builds a bare Error with a formatted message.
func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Msg: fmt.Sprintf(format, args...)}
}

// Wrap attaches code and msg to an existing error, preserving it as Cause so
// errors.Unwrap still reaches the original failure.
func Wrap(code Code, msg string, cause error) *Error {
	return &Error{Code: code, Msg: msg, Cause: cause}
}

// Wrapf is Wrap with a formatted message.
func Wrapf(code Code, cause error, format string, args ...any) *Error {
	return &Error{Code: code, Msg: fmt.Sprintf(format, args...), Cause: cause}
}

// Is reports whether err is an *Error carrying the given code, looking
// through any wrapping in between.
func Is(err error, code Code) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}

// CodeOf extracts the Code of err if it (or something it wraps) is an
// *Error, and ok=false otherwise.
func CodeOf(err error) (code Code, ok bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Code, true
	}
	return 0, false
}
