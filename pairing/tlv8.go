// Package pairing implements the pair_ap library: HomeKit-style pair-setup and
// pair-verify over TLV8, SRP-6a, Curve25519/Ed25519, and the ChaCha20-Poly1305
// framed transport that follows a successful verification.
package pairing

import "fmt"

// TLV8 types used by pair-setup/pair-verify, per HAP R2.
type Type uint8

const (
	TypeMethod        Type = 0
	TypeIdentifier    Type = 1
	TypeSalt          Type = 2
	TypePublicKey     Type = 3
	TypeProof         Type = 4
	TypeEncryptedData Type = 5
	TypeState         Type = 6
	TypeError         Type = 7
	TypeRetryDelay    Type = 8
	TypeCertificate   Type = 9
	TypeSignature     Type = 10
	TypePermissions   Type = 11
	TypeFragmentData  Type = 13
	TypeFragmentLast  Type = 14
	TypeFlags         Type = 19
	TypeSeparator     Type = 0xff
)

// ErrorCode is the TLVType_Error payload value.
type ErrorCode uint8

const (
	ErrorUnknown        ErrorCode = 1
	ErrorAuthentication ErrorCode = 2
	ErrorBackoff        ErrorCode = 3
	ErrorMaxPeers       ErrorCode = 4
	ErrorMaxTries       ErrorCode = 5
	ErrorUnavailable    ErrorCode = 6
	ErrorBusy           ErrorCode = 7
)

// Pair is one logical (type, value) entry. Values longer than 255 bytes are
// chunked on the wire into consecutive same-type entries; Pair always holds
// the coalesced logical value.
type Pair struct {
	Type  Type
	Value []byte
}

// TLV is an ordered sequence of logical pairs, preserving first-seen order.
type TLV []Pair

// Add appends a logical value, chunking it on format per the 255-byte rule.
func (t *TLV) Add(typ Type, value []byte) {
	*t = append(*t, Pair{Type: typ, Value: value})
}

// AddUint8 is a convenience for single-byte integer TLV values (Method,
// State, Error, Flags, Permissions).
func (t *TLV) AddUint8(typ Type, v uint8) {
	t.Add(typ, []byte{v})
}

// Get returns the first pair's value for typ, or nil if absent.
func (t TLV) Get(typ Type) []byte {
	for _, p := range t {
		if p.Type == typ {
			return p.Value
		}
	}
	return nil
}

// GetUint8 reads a single-byte integer value, or ok=false if absent/empty.
func (t TLV) GetUint8(typ Type) (v uint8, ok bool) {
	b := t.Get(typ)
	if len(b) == 0 {
		return 0, false
	}
	return b[0], true
}

// Format serialises the TLV into its wire representation, chunking any value
// longer than 255 bytes into consecutive same-type entries of up to 255
// bytes each (the final chunk may itself be exactly 255 bytes if the value
// length is a multiple of 255 — no terminating zero-length marker is added,
// matching the reference implementation).
func Format(t TLV) []byte {
	size := 0
	for _, p := range t {
		n := len(p.Value)
		if n == 0 {
			size += 2
			continue
		}
		size += n + 2*((n+254)/255)
	}

	buf := make([]byte, 0, size)
	for _, p := range t {
		if len(p.Value) == 0 {
			buf = append(buf, byte(p.Type), 0)
			continue
		}
		remaining := p.Value
		for len(remaining) > 0 {
			chunk := remaining
			if len(chunk) > 255 {
				chunk = chunk[:255]
			}
			buf = append(buf, byte(p.Type), byte(len(chunk)))
			buf = append(buf, chunk...)
			remaining = remaining[len(chunk):]
		}
	}
	return buf
}

// Parse decodes a wire TLV8 blob, coalescing consecutive entries of the same
// type (chunked values) back into a single logical Pair. The resulting order
// follows the first occurrence of each run.
func Parse(data []byte) (TLV, error) {
	var out TLV
	i := 0
	for i < len(data) {
		if i+2 > len(data) {
			return nil, fmt.Errorf("pairing: truncated tlv8 header at offset %d", i)
		}
		typ := Type(data[i])
		size := 0
		j := i
		for j < len(data) {
			if j+2 > len(data) {
				return nil, fmt.Errorf("pairing: truncated tlv8 header at offset %d", j)
			}
			if data[j] != byte(typ) {
				break
			}
			chunkLen := int(data[j+1])
			if j+2+chunkLen > len(data) {
				return nil, fmt.Errorf("pairing: truncated tlv8 value at offset %d", j)
			}
			size += chunkLen
			j += 2 + chunkLen
			if chunkLen < 255 {
				break
			}
		}

		var value []byte
		if size > 0 {
			value = make([]byte, 0, size)
			for i < j {
				chunkLen := int(data[i+1])
				value = append(value, data[i+2:i+2+chunkLen]...)
				i += 2 + chunkLen
			}
		} else {
			i = j
		}

		out = append(out, Pair{Type: typ, Value: value})
	}
	return out, nil
}
