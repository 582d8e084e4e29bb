// Package models pkg/models/errors.go defines the structured error
// taxonomy shared by every component.
package models

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a failure so callers can distinguish "fix your
// input" from "retry later" from "permanently impossible in this state".
type ErrorKind string

const (
	KindValidation         ErrorKind = "validation"
	KindNotFound           ErrorKind = "not_found"
	KindDuplicate          ErrorKind = "duplicate"
	KindAuthorization      ErrorKind = "authorization"
	KindStateTransition    ErrorKind = "state_transition"
	KindServiceUnavailable ErrorKind = "service_unavailable"
	KindTimeout            ErrorKind = "timeout"
)

// Retryable reports whether a failure of this kind may succeed if the
// caller retries later without changing the request.
func (k ErrorKind) Retryable() bool {
	return k == KindServiceUnavailable || k == KindTimeout
}

// Error is a structured domain error: a kind, a human message, and the
// offending field or state when one is identifiable.
type Error struct {
	Kind    ErrorKind
	Message string
	Field   string
}

func (e *Error) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Kind, e.Message, e.Field)
	}

	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Is matches any *Error of the same kind, so
// errors.Is(err, models.ErrValidation) works regardless of message.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}

	return e.Kind == t.Kind
}

// Kind sentinels for errors.Is checks.
var (
	ErrValidation         = &Error{Kind: KindValidation}
	ErrNotFound           = &Error{Kind: KindNotFound}
	ErrDuplicate          = &Error{Kind: KindDuplicate}
	ErrAuthorization      = &Error{Kind: KindAuthorization}
	ErrStateTransition    = &Error{Kind: KindStateTransition}
	ErrServiceUnavailable = &Error{Kind: KindServiceUnavailable}
	ErrTimeout            = &Error{Kind: KindTimeout}
)

// NewValidationError builds a KindValidation error for the given field.
func NewValidationError(field, format string, args ...interface{}) *Error {
	return &Error{Kind: KindValidation, Field: field, Message: fmt.Sprintf(format, args...)}
}

// NewNotFoundError builds a KindNotFound error naming the missing entity.
func NewNotFoundError(entity, id string) *Error {
	return &Error{Kind: KindNotFound, Field: entity, Message: fmt.Sprintf("%s %q not found", entity, id)}
}

// NewDuplicateError builds a KindDuplicate error.
func NewDuplicateError(format string, args ...interface{}) *Error {
	return &Error{Kind: KindDuplicate, Message: fmt.Sprintf(format, args...)}
}

// NewStateTransitionError builds a KindStateTransition error recording the
// rejected move.
func NewStateTransitionError(from, to string) *Error {
	return &Error{
		Kind:    KindStateTransition,
		Field:   from,
		Message: fmt.Sprintf("illegal transition %s -> %s", from, to),
	}
}

// NewAuthorizationError builds a KindAuthorization error.
func NewAuthorizationError(format string, args ...interface{}) *Error {
	return &Error{Kind: KindAuthorization, Message: fmt.Sprintf(format, args...)}
}

// NewServiceUnavailableError builds a KindServiceUnavailable error naming
// the unreachable collaborator.
func NewServiceUnavailableError(service string, cause error) *Error {
	return &Error{
		Kind:    KindServiceUnavailable,
		Field:   service,
		Message: fmt.Sprintf("%s unavailable: %v", service, cause),
	}
}

// NewTimeoutError builds a KindTimeout error.
func NewTimeoutError(format string, args ...interface{}) *Error {
	return &Error{Kind: KindTimeout, Message: fmt.Sprintf(format, args...)}
}
