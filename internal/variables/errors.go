package variables

import (
	"errors"
	"fmt"
)

var (
	// ErrUnknownVariable is returned when a name is not declared by the quiz.
	ErrUnknownVariable = errors.New("unknown variable")
	// ErrPermissionDenied is returned when the actor may not write the variable.
	ErrPermissionDenied = errors.New("permission denied")
	// ErrTypeMismatch is returned when a value cannot be coerced to the declared type.
	ErrTypeMismatch = errors.New("type mismatch")
	// ErrConstraintViolation is returned when a value breaks a declared constraint.
	ErrConstraintViolation = errors.New("constraint violation")
)

// Error describes a rejected write. It unwraps to one of the sentinel errors above.
type Error struct {
	Kind   error
	Name   string
	Actor  Actor
	Detail string
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("variable %q: %v", e.Name, e.Kind)
	if e.Actor != "" {
		msg += fmt.Sprintf(" (actor %s)", e.Actor)
	}
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Kind }
