package engine

import (
	"errors"
	"fmt"

	"caseflow/internal/engine/auth"
	"caseflow/internal/repo"
)

// Kind classifies the errors the engine surfaces to callers.
type Kind string

const (
	KindPermissionDenied     Kind = "permission_denied"
	KindInvalidTransition    Kind = "invalid_transition"
	KindStaleTransition      Kind = "stale_transition"
	KindValidation           Kind = "validation_failed"
	KindNotFound             Kind = "not_found"
	KindInteractionAdjacency Kind = "interaction_adjacency"
)

// Error is the typed result of a failed engine operation. No state is
// mutated when an Error is returned.
type Error struct {
	Kind    Kind
	Message string
	Details map[string]any
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil && e.Message == "" {
		return e.Err.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches sentinels by kind so errors.Is(err, ErrStaleTransition) works.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Message == "" && t.Kind == e.Kind
}

var (
	ErrPermissionDenied     = &Error{Kind: KindPermissionDenied}
	ErrInvalidTransition    = &Error{Kind: KindInvalidTransition}
	ErrStaleTransition      = &Error{Kind: KindStaleTransition}
	ErrValidation           = &Error{Kind: KindValidation}
	ErrNotFound             = &Error{Kind: KindNotFound}
	ErrInteractionAdjacency = &Error{Kind: KindInteractionAdjacency}
)

func newError(kind Kind, details map[string]any, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Details: details}
}

func validationError(format string, args ...any) *Error {
	return newError(KindValidation, nil, format, args...)
}

func notFound(what, id string) *Error {
	return &Error{Kind: KindNotFound, Message: fmt.Sprintf("%s %s not found", what, id), Details: map[string]any{what: id}, Err: repo.ErrNotFound}
}

// KindOf returns the kind of err, or "" for untyped errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	var fe auth.ForbiddenError
	if errors.As(err, &fe) {
		return KindPermissionDenied
	}
	if errors.Is(err, repo.ErrNotFound) {
		return KindNotFound
	}
	return ""
}

// fromGate converts a role gate refusal into a PermissionDenied error.
func fromGate(err error) error {
	var fe auth.ForbiddenError
	if errors.As(err, &fe) {
		return &Error{
			Kind:    KindPermissionDenied,
			Message: fe.Error(),
			Details: map[string]any{"user": fe.User, "role": fe.Role, "action": fe.Action},
			Err:     err,
		}
	}
	return err
}
