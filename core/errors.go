package core

import (
	"errors"
	"fmt"
)

// =============================================================================
// Error taxonomy
// =============================================================================

// ErrorKind classifies failures surfaced by streams and events.
type ErrorKind int

const (
	// KindConfiguration: invalid construction arguments, invalid device index,
	// or the runtime pool could not hand out a stream.
	KindConfiguration ErrorKind = iota + 1

	// KindPrecondition: the operation needs state that is not there yet
	// (e.g. waiting on an event that was never recorded).
	KindPrecondition

	// KindDeviceFault: the device reported an asynchronous execution error.
	// Device state is unknown afterwards and the call must not be retried.
	KindDeviceFault
)

func (k ErrorKind) String() string {
	switch k {
	case KindConfiguration:
		return "configuration error"
	case KindPrecondition:
		return "precondition error"
	case KindDeviceFault:
		return "device fault"
	default:
		return "unknown error"
	}
}

// Sentinels for errors.Is matching.
var (
	ErrConfiguration = errors.New("configuration error")
	ErrPrecondition  = errors.New("precondition error")
	ErrDeviceFault   = errors.New("device fault")
)

// Error is returned by every failing Stream and Event operation.
type Error struct {
	Kind   ErrorKind
	Op     string // e.g. "stream.waitEvent"
	Reason string
	Err    error // underlying runtime error, may be nil
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("gpustream: %s: %s", e.Op, e.Kind)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap exposes both the kind sentinel and the underlying cause.
func (e *Error) Unwrap() []error {
	errs := []error{e.Kind.sentinel()}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}

func (k ErrorKind) sentinel() error {
	switch k {
	case KindConfiguration:
		return ErrConfiguration
	case KindPrecondition:
		return ErrPrecondition
	default:
		return ErrDeviceFault
	}
}

func configurationError(op, reason string, err error) error {
	return &Error{Kind: KindConfiguration, Op: op, Reason: reason, Err: err}
}

func preconditionError(op, reason string) error {
	return &Error{Kind: KindPrecondition, Op: op, Reason: reason}
}

// NewPreconditionError returns a KindPrecondition error. Runtimes return it
// for misuse and lifecycle errors so that Stream and Event report them
// unchanged instead of as device faults. err may be nil.
func NewPreconditionError(op, reason string, err error) error {
	return &Error{Kind: KindPrecondition, Op: op, Reason: reason, Err: err}
}

// deviceFault wraps a runtime failure observed during a blocking or polling
// call. Errors the runtime already classified keep their kind.
func deviceFault(op string, err error) error {
	var classified *Error
	if errors.As(err, &classified) {
		return &Error{Kind: classified.Kind, Op: op, Reason: classified.Reason, Err: classified.Err}
	}
	return &Error{Kind: KindDeviceFault, Op: op, Err: err}
}

// IsConfigurationError reports whether err is a KindConfiguration failure.
func IsConfigurationError(err error) bool { return errors.Is(err, ErrConfiguration) }

// IsPreconditionError reports whether err is a KindPrecondition failure.
func IsPreconditionError(err error) bool { return errors.Is(err, ErrPrecondition) }

// IsDeviceFault reports whether err is a KindDeviceFault failure.
func IsDeviceFault(err error) bool { return errors.Is(err, ErrDeviceFault) }
