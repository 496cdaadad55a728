package pairing

import "errors"

// Error mirrors the abstract error kinds in the surrounding engine's taxonomy
// (transport/protocol/authentication/capability/resource/busy/cache) scoped
// to the pairing library: anything that goes wrong here is either a protocol
// violation (malformed TLV8/plist) or an authentication failure (bad proof,
// bad signature, server Error TLV).
var (
	// ErrProtocol covers malformed TLV8, missing required fields, or a
	// state/method mismatch.
	ErrProtocol = errors.New("pairing: protocol error")
	// ErrAuthentication covers SRP proof mismatch, signature verification
	// failure, or decrypt/tag failure.
	ErrAuthentication = errors.New("pairing: authentication failed")
	// ErrRemote wraps a TLVType_Error the peer returned.
	ErrRemote = errors.New("pairing: remote error")
)

// RemoteError is returned when the peer's response carries a TLVType_Error.
type RemoteError struct {
	Code ErrorCode
}

func (e *RemoteError) Error() string {
	switch e.Code {
	case ErrorAuthentication:
		return "pairing: remote error: authentication"
	case ErrorBackoff:
		return "pairing: remote error: backoff"
	case ErrorMaxPeers:
		return "pairing: remote error: max peers"
	case ErrorMaxTries:
		return "pairing: remote error: max tries"
	case ErrorUnavailable:
		return "pairing: remote error: unavailable"
	case ErrorBusy:
		return "pairing: remote error: busy"
	default:
		return "pairing: remote error: unknown"
	}
}

func (e *RemoteError) Unwrap() error { return ErrRemote }
