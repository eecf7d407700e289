package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error by cause so callers can branch on it.
type Kind string

const (
	KindValidation Kind = "validation_error"
	KindAuth       Kind = "auth_error"
	KindStorage    Kind = "storage_error"
	KindInference  Kind = "inference_error"
	KindInternal   Kind = "internal_error"
	KindNotFound   Kind = "not_found"
)

// Error is a tagged error produced by the store, backends, the auth gate and the dispatcher.
type Error struct {
	Kind      Kind
	Op        string
	Message   string
	Transient bool
	Err       error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	} else if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	if e.Op != "" {
		return fmt.Sprintf("%s [%s]: %s", e.Op, e.Kind, msg)
	}
	return fmt.Sprintf("[%s]: %s", e.Kind, msg)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// New builds a permanent error of the given kind.
func New(kind Kind, op, message string, err error) *Error {
	return &Error{Kind: kind, Op: op, Message: message, Err: err}
}

// NewTransient builds an error the caller may retry.
func NewTransient(kind Kind, op, message string, err error) *Error {
	return &Error{Kind: kind, Op: op, Message: message, Transient: true, Err: err}
}

func Validation(op, message string) *Error {
	return New(KindValidation, op, message, nil)
}

// KindOf reports the kind of the outermost tagged error in err's chain.
// Untagged errors are internal.
func KindOf(err error) Kind {
	var tagged *Error
	if errors.As(err, &tagged) {
		return tagged.Kind
	}
	return KindInternal
}

// IsTransient reports whether the outermost tagged error is marked retryable.
func IsTransient(err error) bool {
	var tagged *Error
	if errors.As(err, &tagged) {
		return tagged.Transient
	}
	return false
}

// MessageOf returns a client-safe message for err.
func MessageOf(err error) string {
	var tagged *Error
	if errors.As(err, &tagged) && tagged.Message != "" {
		return tagged.Message
	}
	return "internal error"
}

// HTTPStatus maps err to the response status used by the HTTP surface.
func HTTPStatus(err error) int {
	transient := IsTransient(err)
	switch KindOf(err) {
	case KindValidation:
		return http.StatusUnprocessableEntity
	case KindAuth:
		return http.StatusUnauthorized
	case KindNotFound:
		return http.StatusNotFound
	case KindStorage:
		return http.StatusInternalServerError
	case KindInference:
		if transient {
			return http.StatusServiceUnavailable
		}
		return http.StatusBadGateway
	default:
		if transient {
			return http.StatusServiceUnavailable
		}
		return http.StatusInternalServerError
	}
}
