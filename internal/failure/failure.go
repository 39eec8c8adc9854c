package failure

import (
	"errors"
	"fmt"
)

// Kind classifies failures surfaced by the scorer, dispatcher, and stores.
// Params: one of InvalidInput, Delivery, Persistence.
// Returns: machine-readable failure category.
type Kind string

const (
	// InvalidInput marks malformed arguments; surfaced to the caller immediately.
	InvalidInput Kind = "invalid_input"
	// Delivery marks one contact's channel call failure.
	Delivery Kind = "delivery"
	// Persistence marks a failed record append or contact update.
	Persistence Kind = "persistence"
)

// Error carries failure kind and wrapped root cause.
// Params: kind, optional operation label, wrapped error.
// Returns: typed failure usable with errors.Is/errors.As.
type Error struct {
	Kind      Kind
	Op        string
	Err       error
	permanent bool
}

// Error renders "<op>: <cause>" or the kind when cause is absent.
// Params: none.
// Returns: string representation.
func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Op == "" {
		return msg
	}
	return e.Op + ": " + msg
}

// Unwrap exposes wrapped cause for errors.Is/errors.As.
// Params: none.
// Returns: wrapped error.
func (e *Error) Unwrap() error {
	return e.Err
}

// Permanent reports whether the failure must not be retried.
// Params: none.
// Returns: true for permanent failures and for all InvalidInput failures.
func (e *Error) Permanent() bool {
	return e.permanent || e.Kind == InvalidInput
}

// New builds typed failure from a formatted message.
// Params: kind, operation label, and format arguments.
// Returns: typed failure error.
func New(kind Kind, op, format string, args ...any) error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// Wrap tags existing error with failure kind.
// Params: kind, operation label, and source error.
// Returns: wrapped error or nil when err is nil.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// Invalid is shorthand for InvalidInput failures.
// Params: operation label and format arguments.
// Returns: InvalidInput failure.
func Invalid(op, format string, args ...any) error {
	return New(InvalidInput, op, format, args...)
}

// Is reports whether err chain contains a failure of given kind.
// Params: candidate error and expected kind.
// Returns: true when kind matches.
func Is(err error, kind Kind) bool {
	var typed *Error
	for err != nil {
		if !errors.As(err, &typed) {
			return false
		}
		if typed.Kind == kind {
			return true
		}
		err = typed.Err
	}
	return false
}

// MarkPermanent wraps error with non-retryable marker.
// Params: source error.
// Returns: permanent failure or nil.
func MarkPermanent(err error) error {
	if err == nil {
		return nil
	}
	var typed *Error
	if errors.As(err, &typed) {
		return &Error{Kind: typed.Kind, Err: err, permanent: true}
	}
	return &Error{Kind: Delivery, Err: err, permanent: true}
}

// IsPermanent reports whether any error in chain has non-retryable marker.
// Params: candidate error.
// Returns: true when worker must not retry.
func IsPermanent(err error) bool {
	type marker interface {
		Permanent() bool
	}
	for err != nil {
		if tagged, ok := err.(marker); ok && tagged.Permanent() {
			return true
		}
		err = errors.Unwrap(err)
	}
	return false
}
