package runtime

import (
	"errors"
	"fmt"
)

// Kind classifies runtime errors for propagation decisions and trace
// reporting.
type Kind string

const (
	KindValidation  Kind = "validation"
	KindTimeout     Kind = "timeout"
	KindPolicy      Kind = "policy"
	KindExecution   Kind = "execution"
	KindModel       Kind = "model"
	KindDependency  Kind = "dependency"
	KindGraph       Kind = "graph"
	KindHardGate    Kind = "hard_gate"
	KindPersistence Kind = "persistence"
)

// Error carries the taxonomy kind alongside the wrapped cause.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Kind, e.Op)
	}
	return fmt.Sprintf("%s: %s: %v", e.Kind, e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// NewError wraps err with a kind and operation label.
func NewError(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf extracts the taxonomy kind, defaulting to execution.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindExecution
}

// User-visible failure sentinels.
const (
	// TransportFallback replaces the reply when the main-pass model call fails.
	TransportFallback = "I'm having trouble connecting right now. Please try again later."

	// HardGateRefusal replaces the draft when the hard-evidence gate stays
	// unmet after the forced retry.
	HardGateRefusal = "I couldn't verify this with tools right now, so I won't provide an unverified answer. Please try again."
)
