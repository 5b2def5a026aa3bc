// Package xerrors defines the error kinds shared across the transceiver's
// subsystems, so callers can distinguish a transient I/O failure from a
// protocol violation without string-matching error messages.
package xerrors

import "github.com/pkg/errors"

// Kind classifies why an operation failed.
type Kind int

const (
	// KindOther is the default kind for errors that do not fit the
	// categories below.
	KindOther Kind = iota
	// KindProtocol marks a peer or tracker violating the wire format.
	KindProtocol
	// KindTimeout marks an operation that exceeded its deadline.
	KindTimeout
	// KindIO marks a local disk or socket failure.
	KindIO
	// KindVerification marks a SHA-1 hash mismatch (piece or info dict).
	KindVerification
	// KindClosed marks use of an object after it was shut down.
	KindClosed
)

func (k Kind) String() string {
	switch k {
	case KindProtocol:
		return "protocol"
	case KindTimeout:
		return "timeout"
	case KindIO:
		return "io"
	case KindVerification:
		return "verification"
	case KindClosed:
		return "closed"
	default:
		return "other"
	}
}

// Error wraps an underlying cause with a Kind and a component tag.
type Error struct {
	Kind      Kind
	Component string
	Cause     error
}

func (e *Error) Error() string {
	if e.Cause == nil {
		return e.Component + ": " + e.Kind.String()
	}
	return e.Component + ": " + e.Kind.String() + ": " + e.Cause.Error()
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds an Error, wrapping cause with a stack trace via pkg/errors so
// the original call site survives past a %w chain.
func New(component string, kind Kind, cause error) *Error {
	if cause != nil {
		cause = errors.WithStack(cause)
	}
	return &Error{Kind: kind, Component: component, Cause: cause}
}

// Is reports whether the first *Error found in err's wrap chain (err
// itself included) carries the given Kind; deeper *Errors are not checked.
func Is(err error, kind Kind) bool {
	var e *Error
	for err != nil {
		if x, ok := err.(*Error); ok {
			e = x
			break
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			break
		}
		err = u.Unwrap()
	}
	return e != nil && e.Kind == kind
}
