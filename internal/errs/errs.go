// Package errs defines the error vocabulary shared across the core: a small
// set of typed Kinds plus a wrapper carrying enough context for a caller to
// branch on the failure without string-matching messages.
package errs

import (
	"errors"
	"fmt"
)

// Kind names one of the error categories from the core's error handling
// design. It is not a type name from any external grammar, just a tag.
type Kind string

const (
	NotFound      Kind = "not_found"
	AlreadyExists Kind = "already_exists"
	Busy          Kind = "busy"
	InvalidSchema Kind = "invalid_schema"
	InvalidQuery  Kind = "invalid_query"
	InvalidUpdate Kind = "invalid_update"
	Aborted       Kind = "aborted"
	Storage       Kind = "storage"
)

// Error is the core's error type. Kind is stable and meant to be switched
// on; Message and Cause are for humans and logs.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is lets errors.Is(err, errs.KindOf(errs.NotFound)) work by comparing Kind
// against a Kind wrapped as an error by KindOf.
func (e *Error) Is(target error) bool {
	k, ok := target.(kindSentinel)
	return ok && e.Kind == Kind(k)
}

type kindSentinel Kind

func (k kindSentinel) Error() string { return string(k) }

// KindOf returns k as an error usable with errors.Is against an *Error.
func KindOf(k Kind) error { return kindSentinel(k) }

func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Message: msg}
}

func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func Wrap(kind Kind, msg string, cause error) *Error {
	return &Error{Kind: kind, Message: msg, Cause: cause}
}

func Wrapf(kind Kind, format string, cause error, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// Of reports the Kind of err if it is (or wraps) an *Error, and ok=false
// otherwise.
func Of(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return "", false
}
