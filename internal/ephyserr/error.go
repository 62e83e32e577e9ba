// Package ephyserr defines the structured error kinds used throughout
// ephysd's acquisition, filter, and scheduling paths (spec §7).
package ephyserr

import "fmt"

// Kind enumerates the error categories named in the system design.
type Kind int

const (
	Unknown Kind = iota
	NotOpen
	InvalidDevice
	InvalidChannel
	InvalidReference
	InvalidSampleRate
	InvalidContinuous
	InvalidChannelSequence
	Overflow
	Underflow
	IntensityOverflow
	IntensityUnderflow
	IntensityError
	ReadError
	WriteError
	BufferUnderrun
	BufferOverflow
	Busy
	OutOfRange
	ConfigSyntax
	UnknownPlugin
	MissingFallback
)

func (k Kind) String() string {
	switch k {
	case NotOpen:
		return "NotOpen"
	case InvalidDevice:
		return "InvalidDevice"
	case InvalidChannel:
		return "InvalidChannel"
	case InvalidReference:
		return "InvalidReference"
	case InvalidSampleRate:
		return "InvalidSampleRate"
	case InvalidContinuous:
		return "InvalidContinuous"
	case InvalidChannelSequence:
		return "InvalidChannelSequence"
	case Overflow:
		return "Overflow"
	case Underflow:
		return "Underflow"
	case IntensityOverflow:
		return "IntensityOverflow"
	case IntensityUnderflow:
		return "IntensityUnderflow"
	case IntensityError:
		return "IntensityError"
	case ReadError:
		return "ReadError"
	case WriteError:
		return "WriteError"
	case BufferUnderrun:
		return "BufferUnderrun"
	case BufferOverflow:
		return "BufferOverflow"
	case Busy:
		return "Busy"
	case OutOfRange:
		return "OutOfRange"
	case ConfigSyntax:
		return "ConfigSyntax"
	case UnknownPlugin:
		return "UnknownPlugin"
	case MissingFallback:
		return "MissingFallback"
	default:
		return "Unknown"
	}
}

// Error is a structured error carrying the failing operation, its kind,
// an optional trace/device/channel identifier, and the underlying cause.
type Error struct {
	Op    string // operation that failed, e.g. "daq.Write", "filter.Build"
	Kind  Kind
	Trace string // trace, device, or node name the error concerns, if any
	Msg   string
	Err   error
}

func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" {
		msg = e.Kind.String()
	}
	if e.Trace != "" {
		return fmt.Sprintf("ephysd: %s: %s (%s)", e.Op, msg, e.Trace)
	}
	return fmt.Sprintf("ephysd: %s: %s", e.Op, msg)
}

func (e *Error) Unwrap() error { return e.Err }

// Is supports errors.Is comparisons against a bare Kind sentinel wrapped
// in an *Error{Kind: k}.
func (e *Error) Is(target error) bool {
	other, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == other.Kind
}

// New builds an *Error for the given operation and kind.
func New(op string, kind Kind, trace, msg string) *Error {
	return &Error{Op: op, Kind: kind, Trace: trace, Msg: msg}
}

// Wrap builds an *Error that also carries an underlying cause.
func Wrap(op string, kind Kind, trace string, err error) *Error {
	return &Error{Op: op, Kind: kind, Trace: trace, Err: err}
}

// Of returns a bare sentinel of the given kind, for use with errors.Is.
func Of(kind Kind) *Error {
	return &Error{Kind: kind}
}
