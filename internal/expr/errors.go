package expr

import (
	"errors"
	"fmt"
)

var (
	// ErrSyntax is returned when the text cannot be parsed.
	ErrSyntax = errors.New("syntax error")
	// ErrDisallowedConstruct is returned for any node kind outside the whitelist.
	ErrDisallowedConstruct = errors.New("disallowed construct")
	// ErrUnauthorizedVariable is returned for references to undeclared names.
	ErrUnauthorizedVariable = errors.New("unauthorized variable")
	// ErrUnknownReference is returned when an api result path does not exist.
	ErrUnknownReference = errors.New("unknown reference")
	// ErrType is returned when an operator is applied to unsupported operands.
	ErrType = errors.New("type error")
	// ErrDivisionByZero is returned for division or modulo by zero.
	ErrDivisionByZero = errors.New("division by zero")
	// ErrLimit is returned when an expression or a result exceeds a resource limit.
	ErrLimit = errors.New("limit exceeded")
)

// Error carries the failing position alongside one of the sentinel kinds.
type Error struct {
	Kind error
	Pos  int
	Msg  string
}

func (e *Error) Error() string {
	if e.Msg == "" {
		return fmt.Sprintf("%v at offset %d", e.Kind, e.Pos)
	}
	return fmt.Sprintf("%v at offset %d: %s", e.Kind, e.Pos, e.Msg)
}

func (e *Error) Unwrap() error { return e.Kind }

func errorf(kind error, pos int, format string, args ...any) *Error {
	return &Error{Kind: kind, Pos: pos, Msg: fmt.Sprintf(format, args...)}
}
