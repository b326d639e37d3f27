// Package apierror defines the error taxonomy shared by the store, the
// worker, and the admin surface. Handlers map a Kind to an HTTP status
// without leaking the underlying message.
package apierror

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error at the core boundary.
type Kind int

const (
	KindInternal Kind = iota
	KindInvalidProjectName
	KindInvalidAccountName
	KindProjectNotFound
	KindProjectAlreadyExists
	KindProjectUnavailable
	KindAccountNotFound
	KindDomainNotFound
	KindUnauthorized
	KindForbidden
	KindServiceUnavailable
)

func (k Kind) String() string {
	switch k {
	case KindInvalidProjectName:
		return "invalid_project_name"
	case KindInvalidAccountName:
		return "invalid_account_name"
	case KindProjectNotFound:
		return "project_not_found"
	case KindProjectAlreadyExists:
		return "project_already_exists"
	case KindProjectUnavailable:
		return "project_unavailable"
	case KindAccountNotFound:
		return "account_not_found"
	case KindDomainNotFound:
		return "domain_not_found"
	case KindUnauthorized:
		return "unauthorized"
	case KindForbidden:
		return "forbidden"
	case KindServiceUnavailable:
		return "service_unavailable"
	default:
		return "internal"
	}
}

// Status returns the HTTP status code for the kind.
func (k Kind) Status() int {
	switch k {
	case KindInvalidProjectName, KindInvalidAccountName:
		return http.StatusBadRequest
	case KindProjectNotFound, KindAccountNotFound, KindDomainNotFound:
		return http.StatusNotFound
	case KindProjectAlreadyExists:
		return http.StatusConflict
	case KindProjectUnavailable:
		return http.StatusServiceUnavailable
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindForbidden:
		return http.StatusForbidden
	case KindServiceUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Error carries a Kind alongside an optional source error.
type Error struct {
	kind Kind
	err  error
}

// New creates an Error with a message and no source.
func New(kind Kind, msg string) *Error {
	return &Error{kind: kind, err: errors.New(msg)}
}

// Newf creates an Error with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{kind: kind, err: fmt.Errorf(format, args...)}
}

// Wrap attaches a kind to an existing error.
func Wrap(kind Kind, err error) *Error {
	return &Error{kind: kind, err: err}
}

func (e *Error) Kind() Kind { return e.kind }

func (e *Error) Error() string {
	if e.err == nil {
		return e.kind.String()
	}
	return e.kind.String() + ": " + e.err.Error()
}

func (e *Error) Unwrap() error { return e.err }

// KindOf extracts the Kind from an error chain, defaulting to KindInternal.
func KindOf(err error) Kind {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.kind
	}
	return KindInternal
}

// IsKind reports whether the error chain carries the given kind.
func IsKind(err error, kind Kind) bool {
	var ae *Error
	return errors.As(err, &ae) && ae.kind == kind
}
