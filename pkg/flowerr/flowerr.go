// Package flowerr defines the error taxonomy shared by the flow, reversal,
// entropy and shard subsystems.
//
// Every error that crosses a package boundary carries a Kind. Callers branch
// on the kind with errors.Is against the sentinel values below, or with
// KindOf when they need the code itself (for log entries and wire responses).
package flowerr

import (
	"errors"
	"fmt"
)

// Kind identifies a member of the error taxonomy.
type Kind string

const (
	// KindNone is the error_code recorded on successful log entries.
	KindNone Kind = "NONE"

	KindValidation       Kind = "validation_error"
	KindCrypto           Kind = "crypto_error"
	KindNonInvertible    Kind = "non_invertible_step"
	KindNoCommitment     Kind = "no_commitment"
	KindExpired          Kind = "expired"
	KindHashMismatch     Kind = "hash_mismatch"
	KindInsufficientFee  Kind = "insufficient_fee"
	KindCommitmentExists Kind = "commitment_exists"
	KindNotFound         Kind = "not_found"
	KindInternal         Kind = "internal_error"
)

// Sentinels for errors.Is. An *Error matches the sentinel of its kind.
var (
	ErrValidation       = &Error{Kind: KindValidation}
	ErrCrypto           = &Error{Kind: KindCrypto}
	ErrNonInvertible    = &Error{Kind: KindNonInvertible}
	ErrNoCommitment     = &Error{Kind: KindNoCommitment}
	ErrExpired          = &Error{Kind: KindExpired}
	ErrHashMismatch     = &Error{Kind: KindHashMismatch}
	ErrInsufficientFee  = &Error{Kind: KindInsufficientFee}
	ErrCommitmentExists = &Error{Kind: KindCommitmentExists}
	ErrNotFound         = &Error{Kind: KindNotFound}
	ErrInternal         = &Error{Kind: KindInternal}
)

// Error is a classified failure.
type Error struct {
	Kind    Kind
	Op      string // operation that failed, e.g. "execute" or "reveal"
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = string(e.Kind)
	}
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		return msg + ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports kind equality so wrapped errors match the package sentinels.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// New returns an error of the given kind.
func New(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Message: fmt.Sprintf(format, args...)}
}

// Wrap classifies err under kind. A nil err yields nil.
func Wrap(kind Kind, op string, err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Message: fmt.Sprintf(format, args...), Err: err}
}

// Validation is shorthand for a validation_error.
func Validation(op, format string, args ...any) *Error {
	return New(KindValidation, op, format, args...)
}

// KindOf returns the taxonomy kind of err. Unclassified errors are internal.
func KindOf(err error) Kind {
	if err == nil {
		return KindNone
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return KindInternal
}

// MessageOf returns a human-readable message for err without its op prefix.
func MessageOf(err error) string {
	var fe *Error
	if errors.As(err, &fe) {
		if fe.Message != "" {
			return fe.Message
		}
		return string(fe.Kind)
	}
	if err == nil {
		return ""
	}
	return err.Error()
}
