// Package apperr defines the error taxonomy shared by services and the HTTP
// boundary. Services return *Error values (possibly wrapped); handlers map the
// Kind to a status code.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an application error.
type Kind int

const (
	KindInternal Kind = iota
	KindValidation
	KindNotFound
	KindQuotaExceeded
	KindUnauthorized
	KindForbidden
	KindProvider
	KindDuplicateKey
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation_error"
	case KindNotFound:
		return "not_found"
	case KindQuotaExceeded:
		return "quota_exceeded"
	case KindUnauthorized:
		return "unauthorized"
	case KindForbidden:
		return "forbidden"
	case KindProvider:
		return "provider_error"
	case KindDuplicateKey:
		return "duplicate_key"
	default:
		return "internal_error"
	}
}

// HTTPStatus maps a Kind to the response status code.
func (k Kind) HTTPStatus() int {
	switch k {
	case KindValidation, KindDuplicateKey:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindQuotaExceeded:
		return http.StatusTooManyRequests
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindForbidden:
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}

// FieldError is a single field-level validation failure.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// Error is an application error
type Error struct {
	Kind    Kind
	Message string
	Fields  []FieldError
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same Kind, so errors.Is(err, apperr.NotFound("", nil)) works.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

func Validation(message string, fields ...FieldError) *Error {
	return &Error{Kind: KindValidation, Message: message, Fields: fields}
}

// InvalidArgument is a validation failure on a single named argument.
func InvalidArgument(field, message string) *Error {
	return &Error{
		Kind:    KindValidation,
		Message: fmt.Sprintf("invalid %s", field),
		Fields:  []FieldError{{Field: field, Message: message}},
	}
}

func NotFound(resource string, err error) *Error {
	return &Error{Kind: KindNotFound, Message: fmt.Sprintf("%s not found", resource), Err: err}
}

func QuotaExceeded(resource string, err error) *Error {
	return &Error{Kind: KindQuotaExceeded, Message: fmt.Sprintf("%s quota exceeded", resource), Err: err}
}

func Unauthorized(message string) *Error {
	return &Error{Kind: KindUnauthorized, Message: message}
}

func Forbidden(message string) *Error {
	return &Error{Kind: KindForbidden, Message: message}
}

func Provider(provider string, err error) *Error {
	return &Error{Kind: KindProvider, Message: fmt.Sprintf("provider %s failed", provider), Err: err}
}

func DuplicateKey(field string, err error) *Error {
	return &Error{
		Kind:    KindDuplicateKey,
		Message: fmt.Sprintf("duplicate %s", field),
		Fields:  []FieldError{{Field: field, Message: "already exists"}},
		Err:     err,
	}
}

func Internal(err error) *Error {
	return &Error{Kind: KindInternal, Message: "internal error", Err: err}
}

// KindOf returns the Kind of the first *Error in err's chain, or KindInternal.
func KindOf(err error) Kind {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return KindInternal
}

// As returns the first *Error in err's chain.
func As(err error) (*Error, bool) {
	var ae *Error
	ok := errors.As(err, &ae)
	return ae, ok
}
