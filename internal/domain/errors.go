package domain

import (
	"errors"
	"fmt"
	"strings"
)

// Error categories. Every error leaving the engine unwraps to exactly one of these.
var (
	// ErrDefinition marks a quiz that failed static validation.
	ErrDefinition = errors.New("invalid quiz definition")
	// ErrPermission marks an actor or creator acting beyond its rights.
	ErrPermission = errors.New("permission denied")
	// ErrEvaluation marks an expression that could not be evaluated.
	ErrEvaluation = errors.New("expression evaluation failed")
	// ErrNetworkSecurity marks an outbound request blocked by the safety validator.
	ErrNetworkSecurity = errors.New("outbound request blocked")
	// ErrTransientAPI marks a retryable failure of an external API.
	ErrTransientAPI = errors.New("external api unavailable")
	// ErrSessionState marks an operation on a session that cannot accept it.
	ErrSessionState = errors.New("invalid session state")
)

var (
	// ErrSessionNotFound is returned when a quiz session has not been initialized.
	ErrSessionNotFound = errors.New("quiz session not found")
	// ErrSessionCompleted is returned when an answer arrives for a finished session.
	ErrSessionCompleted = errors.New("quiz session already completed")
	// ErrNotSessionOwner is returned when a user acts on another user's session.
	ErrNotSessionOwner = errors.New("session belongs to another user")
	// ErrQuizNotFound indicates the quiz content could not be loaded.
	ErrQuizNotFound = errors.New("quiz not found")
	// ErrQuizVersionRetired indicates a session whose quiz version is no longer available.
	ErrQuizVersionRetired = errors.New("quiz version no longer available")
	// ErrCreatorNotFound indicates a quiz author unknown to the creator directory.
	ErrCreatorNotFound = errors.New("creator not found")
	// ErrQuestionNotFound indicates a referenced question ID is invalid.
	ErrQuestionNotFound = errors.New("question not found")
	// ErrOptionNotFound indicates a submitted option is not offered by the question.
	ErrOptionNotFound = errors.New("option not found")
	// ErrInvalidAnswer indicates an answer that does not fit the question kind.
	ErrInvalidAnswer = errors.New("invalid answer")
	// ErrIntegrationFailed is raised by an integration whose fallback policy is fail.
	ErrIntegrationFailed = errors.New("api integration failed")
	// ErrInvalidToken indicates a start token that is malformed, expired or unsigned.
	ErrInvalidToken = errors.New("invalid start token")
	// ErrRateLimited indicates a quota was exhausted.
	ErrRateLimited = errors.New("rate limit exceeded")
)

// Error attaches a category and the failing operation to a cause.
type Error struct {
	Category error
	Op       string
	Err      error
}

// Wrap categorizes err. A nil err yields nil.
func Wrap(category error, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Category: category, Op: op, Err: err}
}

func (e *Error) Error() string {
	if e.Op == "" {
		return e.Err.Error()
	}
	return e.Op + ": " + e.Err.Error()
}

// Unwrap exposes both the category and the cause to errors.Is and errors.As.
func (e *Error) Unwrap() []error { return []error{e.Category, e.Err} }

// DefinitionError lists every problem found while validating a quiz.
type DefinitionError struct {
	Problems []string
}

func (e *DefinitionError) Error() string {
	if len(e.Problems) == 1 {
		return "invalid quiz definition: " + e.Problems[0]
	}
	return fmt.Sprintf("invalid quiz definition (%d problems): %s", len(e.Problems), strings.Join(e.Problems, "; "))
}

func (e *DefinitionError) Unwrap() error { return ErrDefinition }
