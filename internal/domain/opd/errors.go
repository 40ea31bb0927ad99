package opd

import (
	"errors"
	"fmt"
)

// Kind classifies orchestrator errors
type Kind string

const (
	KindNetwork           Kind = "network"
	KindValidation        Kind = "validation"
	KindInvalidTransition Kind = "invalid_transition"
	KindNotFound          Kind = "not_found"
	KindConflict          Kind = "conflict"
)

// Sentinels for errors.Is matching against any *Error of the same kind
var (
	ErrNetwork           = &Error{Kind: KindNetwork}
	ErrValidation        = &Error{Kind: KindValidation}
	ErrInvalidTransition = &Error{Kind: KindInvalidTransition}
	ErrNotFound          = &Error{Kind: KindNotFound}
	ErrConflict          = &Error{Kind: KindConflict}
)

// Error is a classified orchestrator error
type Error struct {
	Kind    Kind
	Op      string
	Message string
	Cause   error
}

// NewError creates a classified error
func NewError(kind Kind, op, message string, cause error) *Error {
	return &Error{Kind: kind, Op: op, Message: message, Cause: cause}
}

func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Cause != nil {
		msg += " (" + e.Cause.Error() + ")"
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches on Kind so sentinels compare equal to any error of the same kind
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// KindOf returns the kind of err, or "" if it is not classified
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsTransient reports whether retrying may succeed
func IsTransient(err error) bool {
	return errors.Is(err, ErrNetwork)
}

// Network wraps a transport failure
func Network(op string, cause error) error {
	return NewError(KindNetwork, op, "collaborator unreachable", cause)
}

// NotFound reports a missing entry or consultation
func NotFound(op, what, id string) error {
	return NewError(KindNotFound, op, fmt.Sprintf("%s %s not found", what, id), nil)
}

// Validation reports missing or malformed draft fields
func Validation(op, message string) error {
	return NewError(KindValidation, op, message, nil)
}

// Conflict reports a concurrent modification observed by the collaborator
func Conflict(op, message string, cause error) error {
	return NewError(KindConflict, op, message, cause)
}
