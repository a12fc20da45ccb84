// Package cmderr defines the error kinds of spec.md §7 as a single error
// type carrying a Kind, rather than a hierarchy of exception classes: this
// lets every layer (param, transit, dispatch, exec) test "what kind of
// failure is this" with one errors.As call instead of a chain of concrete
// type assertions.
package cmderr

import (
	"errors"
	"fmt"
)

// Kind enumerates the error kinds named in spec.md §7.
type Kind string

const (
	MissingEnvVar    Kind = "MissingEnvVar"
	UnknownCommand   Kind = "UnknownCommand"
	CommandNotFound  Kind = "CommandNotFound"
	BlobMissing      Kind = "BlobMissing"
	BlobConflict     Kind = "BlobConflict"
	EnvelopeDecode   Kind = "EnvelopeDecode"
	DispatchFailure  Kind = "DispatchFailure"
	ExecutionFailure Kind = "ExecutionFailure"
	ServerEnd        Kind = "ServerEnd"
)

// Error is the single error type used across the core: a Kind plus a
// human-readable detail and an optional wrapped cause.
type Error struct {
	Kind    Kind
	Detail  string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %s", e.Kind, e.Detail, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds an *Error of the given kind with no wrapped cause.
func New(kind Kind, detail string) *Error {
	return &Error{Kind: kind, Detail: detail}
}

// Newf builds an *Error of the given kind with a formatted detail.
func Newf(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Detail: fmt.Sprintf(format, args...)}
}

// Wrap builds an *Error of the given kind around an existing error.
func Wrap(kind Kind, detail string, cause error) *Error {
	return &Error{Kind: kind, Detail: detail, Cause: cause}
}

// Is reports whether err is (or wraps) a *cmderr.Error of the given kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// ServerEndError is raised at the client when decoding a RunResponse whose
// Error field is non-nil (spec.md §7 "ServerEnd"). It carries the return
// code the client should surface (-1 per spec.md §4.5).
type ServerEndError struct {
	*Error
	ReturnCode int
}

// NewServerEnd builds a ServerEndError from the diagnostic string a worker
// returned.
func NewServerEnd(diagnostic string, returnCode int) *ServerEndError {
	return &ServerEndError{
		Error:      New(ServerEnd, diagnostic),
		ReturnCode: returnCode,
	}
}
