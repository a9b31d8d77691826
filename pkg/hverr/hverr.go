// Package hverr defines the error-kind taxonomy shared by every
// hypervisor-core package, mirroring the axerrno convention the core's
// reference implementation uses: a small closed set of kinds, each
// constructible with a formatted message and an optional wrapped cause.
package hverr

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind is one of the closed set of error categories the core reports.
type Kind uint8

const (
	Unsupported Kind = iota
	BadState
	ResourceBusy
	InvalidInput
	AlreadyExists
	NoMemory
	NotFound
	Io
	BadAddress
)

func (k Kind) String() string {
	switch k {
	case Unsupported:
		return "unsupported"
	case BadState:
		return "bad_state"
	case ResourceBusy:
		return "resource_busy"
	case InvalidInput:
		return "invalid_input"
	case AlreadyExists:
		return "already_exists"
	case NoMemory:
		return "no_memory"
	case NotFound:
		return "not_found"
	case Io:
		return "io"
	case BadAddress:
		return "bad_address"
	default:
		return "unknown"
	}
}

// Error is the concrete error type every exported function in the core
// returns. It carries a Kind, a message, and (on Wrap) a stack trace via
// github.com/pkg/errors.
type Error struct {
	Kind  Kind
	Msg   string
	cause error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.cause)
	}

	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.cause }

// Is reports whether target is an *Error with the same Kind, so that
// errors.Is(err, hverr.New(hverr.NotFound, "")) style matching works.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}

	return t.Kind == e.Kind
}

// New constructs an Error of the given kind with a formatted message.
func New(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap attaches a stack-trace-carrying cause to a new Error of the given
// kind, using github.com/pkg/errors so the cause keeps its trace.
func Wrap(cause error, kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...), cause: errors.WithStack(cause)}
}

// KindOf extracts the Kind from err if it is (or wraps) an *Error,
// defaulting to Unsupported for foreign errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}

	return Unsupported
}
