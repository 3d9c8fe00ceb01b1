package ecometer

import (
	"errors"
	"fmt"
)

var (
	// ErrTimeout means the read timeout elapsed before a header or length
	// arrived. The caller should read again.
	ErrTimeout = errors.New("ecometer: read timeout")
	// ErrHeaderMismatch means the first two bytes were not the frame marker.
	// They are discarded and the next read resynchronises.
	ErrHeaderMismatch = errors.New("ecometer: header mismatch")
	// ErrMalformed covers frames that are too short or declare an impossible length.
	ErrMalformed = errors.New("ecometer: malformed frame")
	// ErrDivisionByZero is returned for a live payload whose total is zero.
	ErrDivisionByZero = errors.New("ecometer: division by zero")
	// ErrTransport wraps failures to open or read the serial port.
	ErrTransport = errors.New("ecometer: transport failure")

	ErrAlreadyRunning = errors.New("ecometer: session already running")
)

// DecodeKind classifies a DecodeError.
type DecodeKind int

const (
	KindMalformed DecodeKind = iota
	KindDivisionByZero
)

func (k DecodeKind) String() string {
	switch k {
	case KindMalformed:
		return "malformed"
	case KindDivisionByZero:
		return "division by zero"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// DecodeError is a recoverable per-frame decoding failure.
type DecodeError struct {
	Kind DecodeKind
	Err  error
}

func newDecodeError(kind DecodeKind, err error) *DecodeError {
	return &DecodeError{Kind: kind, Err: err}
}

func (e *DecodeError) Error() string {
	if e.Err == nil {
		return "ecometer: decode: " + e.Kind.String()
	}
	return fmt.Sprintf("ecometer: decode: %s: %v", e.Kind, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// Is lets errors.Is match a DecodeError against the sentinel of its kind.
func (e *DecodeError) Is(target error) bool {
	switch target {
	case ErrMalformed:
		return e.Kind == KindMalformed
	case ErrDivisionByZero:
		return e.Kind == KindDivisionByZero
	}
	return false
}

// IsNoFrame reports whether err only means no frame was available this
// cycle (timeout or header mismatch).
func IsNoFrame(err error) bool {
	return errors.Is(err, ErrTimeout) || errors.Is(err, ErrHeaderMismatch)
}
