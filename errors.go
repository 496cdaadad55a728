// Package airplay2 implements the AirPlay 2 output engine: device
// registry, master-session-backed streaming, the RTSP device-session
// state machine and its request sequences, and the Output interface the
// surrounding media server drives playback through.
package airplay2

import "errors"

// Kind is the abstract error taxonomy of the surrounding engine (spec.md
// §7), mirroring the teacher's sentinel-error style
// (ErrDigestAuthNoChallenge/ErrDigestAuthBadCreds) generalised into one
// small enum so callers can branch with errors.Is/As instead of string
// matching.
type Kind int

const (
	KindTransport Kind = iota
	KindProtocol
	KindAuthentication
	KindCapability
	KindResource
	KindBusy
	KindCache
)

func (k Kind) String() string {
	switch k {
	case KindTransport:
		return "transport"
	case KindProtocol:
		return "protocol"
	case KindAuthentication:
		return "authentication"
	case KindCapability:
		return "capability"
	case KindResource:
		return "resource"
	case KindBusy:
		return "busy"
	case KindCache:
		return "cache"
	default:
		return "unknown"
	}
}

// Error wraps a Kind and the underlying cause, per spec.md §7's error
// handling design.
type Error struct {
	Kind  Kind
	Cause error
}

func (e *Error) Error() string {
	if e.Cause == nil {
		return "airplay2: " + e.Kind.String() + " error"
	}
	return "airplay2: " + e.Kind.String() + ": " + e.Cause.Error()
}

func (e *Error) Unwrap() error { return e.Cause }

// Is reports whether target is the sentinel for e's Kind, so callers can
// write errors.Is(err, airplay2.ErrCapability) without reaching into the
// struct.
func (e *Error) Is(target error) bool {
	switch e.Kind {
	case KindTransport:
		return target == ErrTransport
	case KindProtocol:
		return target == ErrProtocol
	case KindAuthentication:
		return target == ErrAuthentication
	case KindCapability:
		return target == ErrCapability
	case KindResource:
		return target == ErrResource
	case KindBusy:
		return target == ErrBusy
	case KindCache:
		return target == ErrCache
	}
	return false
}

// NewError wraps cause under kind.
func NewError(kind Kind, cause error) *Error {
	return &Error{Kind: kind, Cause: cause}
}

var (
	ErrTransport      = errors.New("airplay2: transport error")
	ErrProtocol       = errors.New("airplay2: protocol error")
	ErrAuthentication = errors.New("airplay2: authentication error")
	ErrCapability     = errors.New("airplay2: capability error")
	ErrResource       = errors.New("airplay2: resource error")
	ErrBusy           = errors.New("airplay2: busy")
	ErrCache          = errors.New("airplay2: cache error")
)
