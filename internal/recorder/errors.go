package recorder

import (
	"errors"
	"fmt"
	"time"
)

// Failure taxonomy for lifecycle commands. Invalid transitions, guard
// failures and duplicate operations leave the current state untouched;
// side-effect failures force the machine into StateError.
var (
	ErrInvalidTransition   = errors.New("invalid transition")
	ErrOperationInProgress = errors.New("operation already in progress")
	ErrGuardFailed         = errors.New("transition guard failed")
	ErrSideEffect          = errors.New("transition side effect failed")
	ErrNotReady            = errors.New("recorder has not completed recovery")
)

// TransitionError records a failed lifecycle step. The most recent one
// is kept on the recorder and surfaced through State() while the
// machine sits in StateError.
type TransitionError struct {
	From      State     `json:"fromState"`
	To        State     `json:"toState"`
	Message   string    `json:"errorMessage"`
	Timestamp time.Time `json:"timestamp"`

	kind error
}

func newTransitionError(kind error, from, to State, msg string, at time.Time) *TransitionError {
	return &TransitionError{From: from, To: to, Message: msg, Timestamp: at, kind: kind}
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("%s -> %s: %s", e.From, e.To, e.Message)
}

func (e *TransitionError) Unwrap() error { return e.kind }
