package domain

import (
	"errors"
	"fmt"
)

// ErrNotFound indicates the requested resource does not exist within the
// caller's organization. Cross-org lookups report this too — existence of
// another org's resources must not leak.
var ErrNotFound = errors.New("resource not found")

// ErrAlreadyExists indicates a create operation conflicted with an existing resource.
var ErrAlreadyExists = errors.New("resource already exists")

// ErrorKind classifies an error for the API envelope and HTTP status mapping.
type ErrorKind string

const (
	ErrBadRequest   ErrorKind = "bad_request"
	ErrUnauthorized ErrorKind = "unauthorized"
	ErrForbidden    ErrorKind = "forbidden"
	ErrKindNotFound ErrorKind = "not_found"
	ErrConflict     ErrorKind = "conflict"
	ErrRateLimited  ErrorKind = "rate_limited"
	ErrConnection   ErrorKind = "connection_error"
	ErrQueryTimeout ErrorKind = "query_timeout"
	ErrInternal     ErrorKind = "internal"
)

// Error is a kind-classified error carried from domain logic to the API
// layer, which maps Kind to an HTTP status.
type Error struct {
	Kind    ErrorKind
	Message string
	cause   error
}

// E constructs a classified error.
func E(kind ErrorKind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Ef constructs a classified error with a formatted message.
func Ef(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap constructs a classified error with a cause, preserved for
// errors.Is/As chains.
func Wrap(kind ErrorKind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, cause: cause}
}

func (e *Error) Error() string {
	if e.cause != nil {
		return e.Message + ": " + e.cause.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.cause }

// KindOf extracts the ErrorKind from an error chain. Sentinels map to their
// natural kinds; anything unclassified is internal.
func KindOf(err error) ErrorKind {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	if errors.Is(err, ErrNotFound) {
		return ErrKindNotFound
	}
	if errors.Is(err, ErrAlreadyExists) {
		return ErrConflict
	}
	return ErrInternal
}
