// Package fault defines the error taxonomy shared by every biosync component.
//
// No fault is fatal to the device loop. The kind decides how a caller reacts:
//
//   - Transient: network timeout or authority non-2xx. Retried by the normal
//     drain/resync cycle, never escalated.
//   - Capacity: queue full or slot table full. Resolved by policy
//     (drop-oldest, reject-and-report).
//   - Permanent: a single item exceeded its retry ceiling. The item is
//     dropped and reported; the rest of the queue is unaffected.
//   - Consistency: two stores would disagree (cache vs sensor). The mutation
//     is refused and the failure reported to the caller.
package fault

import (
	"errors"
	"fmt"
)

// Kind categorizes a fault.
type Kind string

const (
	KindTransient   Kind = "transient"
	KindCapacity    Kind = "capacity"
	KindPermanent   Kind = "permanent"
	KindConsistency Kind = "consistency"
	KindConfig      Kind = "config"
	KindStorage     Kind = "storage"
	KindUnknown     Kind = "unknown"
)

// Error carries a kind and the operation that produced it.
type Error struct {
	Kind    Kind
	Op      string
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s:%s] %s: %v", e.Kind, e.Op, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s:%s] %s", e.Kind, e.Op, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// New creates a fault without a cause.
func New(kind Kind, op, message string) *Error {
	return &Error{Kind: kind, Op: op, Message: message}
}

// Wrap attaches a kind to err. Returns nil for a nil err.
// An err that already is a fault keeps its original kind.
func Wrap(kind Kind, op, message string, err error) error {
	if err == nil {
		return nil
	}
	var typed *Error
	if errors.As(err, &typed) {
		return err
	}
	return &Error{Kind: kind, Op: op, Message: message, Cause: err}
}

// KindOf returns the kind of the first fault in the chain, or KindUnknown.
func KindOf(err error) Kind {
	var typed *Error
	if errors.As(err, &typed) {
		return typed.Kind
	}
	return KindUnknown
}

// IsKind reports whether the first fault in the chain has the given kind.
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// IsTransient is shorthand for IsKind(err, KindTransient).
func IsTransient(err error) bool { return IsKind(err, KindTransient) }

// IsCapacity is shorthand for IsKind(err, KindCapacity).
func IsCapacity(err error) bool { return IsKind(err, KindCapacity) }

// IsConsistency is shorthand for IsKind(err, KindConsistency).
func IsConsistency(err error) bool { return IsKind(err, KindConsistency) }
