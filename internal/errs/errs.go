// Package errs defines the error taxonomy shared by the messaging core.
//
// Callers inspect errors with errors.As or the Is* helpers:
//
//	if errs.IsTransient(err) {
//	    // offer the user a retry
//	}
package errs

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// Kind classifies a failure by how the caller should react to it.
type Kind int

const (
	// KindTransient is a network or timeout failure. Retry is always a
	// user-initiated action.
	KindTransient Kind = iota + 1
	// KindValidation is a request rejected before any network call.
	KindValidation
	// KindConflict is a duplicate the backend resolves on its own.
	KindConflict
	// KindAuthorization is a permission failure, surfaced as-is.
	KindAuthorization
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindValidation:
		return "validation"
	case KindConflict:
		return "conflict"
	case KindAuthorization:
		return "authorization"
	default:
		return "unknown"
	}
}

// Error is a classified failure of an operation.
type Error struct {
	Kind Kind
	// Op names the failed operation, e.g. "send_message".
	Op  string
	Err error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s error", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Validation returns a KindValidation error for op.
func Validation(op, msg string) error {
	return &Error{Kind: KindValidation, Op: op, Err: errors.New(msg)}
}

// Transient wraps err as a KindTransient error for op.
func Transient(op string, err error) error {
	return &Error{Kind: KindTransient, Op: op, Err: err}
}

// Authorization wraps err as a KindAuthorization error for op.
func Authorization(op string, err error) error {
	return &Error{Kind: KindAuthorization, Op: op, Err: err}
}

// Conflict wraps err as a KindConflict error for op.
func Conflict(op string, err error) error {
	return &Error{Kind: KindConflict, Op: op, Err: err}
}

// KindOf returns the kind of err. Unclassified network failures and
// deadline errors count as transient; anything else returns 0.
func KindOf(err error) Kind {
	if err == nil {
		return 0
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTransient
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return KindTransient
	}
	return 0
}

// IsTransient reports whether err is a transient failure.
func IsTransient(err error) bool { return KindOf(err) == KindTransient }

// IsValidation reports whether err is a validation failure.
func IsValidation(err error) bool { return KindOf(err) == KindValidation }

// IsConflict reports whether err is a conflict.
func IsConflict(err error) bool { return KindOf(err) == KindConflict }

// IsAuthorization reports whether err is an authorization failure.
func IsAuthorization(err error) bool { return KindOf(err) == KindAuthorization }
