// Package fault classifies capture pipeline failures by the component that
// owns them. Only acquisition failures are fatal.
package fault

import (
	"errors"
	"fmt"
)

// Kind classifies pipeline failures by the component that owns them
type Kind int

const (
	// KindAcquisition is a frame source failure. It is the only fatal kind.
	KindAcquisition Kind = iota + 1
	// KindTransport is a trigger poll failure, treated as an empty poll
	KindTransport
	// KindDecode is a malformed trigger payload
	KindDecode
	// KindExport loses a single clip
	KindExport
	// KindShutdown marks an upstream channel that closed unexpectedly
	KindShutdown
)

func (k Kind) String() string {
	switch k {
	case KindAcquisition:
		return "acquisition"
	case KindTransport:
		return "transport"
	case KindDecode:
		return "decode"
	case KindExport:
		return "export"
	case KindShutdown:
		return "shutdown"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Error is the error type shared by the capture pipeline components
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s error: %s", e.Kind, e.Op)
	}
	return fmt.Sprintf("%s error: %s: %v", e.Kind, e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error with the same Kind, so callers can write
// errors.Is(err, &fault.Error{Kind: fault.KindExport})
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind && t.Op == "" && t.Err == nil
}

// Errorf builds an *Error of the given kind
func Errorf(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// IsKind reports whether err wraps an *Error of the given kind
func IsKind(err error, kind Kind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == kind
}
