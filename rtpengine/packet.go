package rtpengine

import (
	"encoding/binary"
	"fmt"

	"github.com/pion/rtp"
	"golang.org/x/crypto/chacha20poly1305"
)

// PayloadTypeAudio is the RTP payload type AirPlay uses for encoded ALAC
// audio packets.
const PayloadTypeAudio = 0x60

// Packet is one outgoing (or ring-stored) AirPlay audio RTP packet. Header
// fields mirror rtp.Header; Payload is the ALAC-encoded frame.
type Packet struct {
	Marker         bool
	SequenceNumber uint16
	Timestamp      uint32
	SSRC           uint32
	Payload        []byte
}

// header builds the pion rtp.Header for this packet: version 2, no CSRC,
// no extension — exactly the 12-byte fixed layout spec.md §3 describes.
func (p Packet) header() rtp.Header {
	return rtp.Header{
		Version:        2,
		Marker:         p.Marker,
		PayloadType:    PayloadTypeAudio,
		SequenceNumber: p.SequenceNumber,
		Timestamp:      p.Timestamp,
		SSRC:           p.SSRC,
	}
}

// Marshal serialises the plaintext wire form: 12-byte header || payload.
func (p Packet) Marshal() ([]byte, error) {
	h := p.header()
	hdr, err := h.Marshal()
	if err != nil {
		return nil, fmt.Errorf("rtpengine: marshal rtp header: %w", err)
	}
	out := make([]byte, 0, len(hdr)+len(p.Payload))
	out = append(out, hdr...)
	out = append(out, p.Payload...)
	return out, nil
}

// associatedData returns the 8 header bytes starting at offset 4
// (rtptime || ssrc), used as AEAD associated data per spec.md §4.5.4.
func associatedData(hdr []byte) []byte {
	return hdr[4:12]
}

// nonce builds the 12-byte AEAD nonce: 4 zero bytes || big-endian seqnum
// zero-extended to 8 bytes, so a retransmitted packet (same seqnum, same
// plaintext) always reuses the same nonce deliberately — spec.md §3.
func nonce(seqnum uint16) []byte {
	n := make([]byte, chacha20poly1305.NonceSize)
	binary.BigEndian.PutUint16(n[10:], seqnum)
	return n
}

// MarshalEncrypted serialises the encrypted wire form for one device:
// header unchanged, ChaCha20-Poly1305 over the payload (keyed per-device),
// 16-byte tag appended by Seal, and an 8-byte nonce suffix (the same
// zero-extended seqnum the AEAD nonce was built from) appended after that,
// per spec.md §3/§6.
func (p Packet) MarshalEncrypted(aead cipherAEAD) ([]byte, error) {
	h := p.header()
	hdr, err := h.Marshal()
	if err != nil {
		return nil, fmt.Errorf("rtpengine: marshal rtp header: %w", err)
	}

	n := nonce(p.SequenceNumber)
	sealed := aead.Seal(nil, n, p.Payload, associatedData(hdr))

	out := make([]byte, 0, len(hdr)+len(sealed)+8)
	out = append(out, hdr...)
	out = append(out, sealed...)
	out = append(out, n[4:]...)
	return out, nil
}

type cipherAEAD interface {
	Seal(dst, nonce, plaintext, additionalData []byte) []byte
	Open(dst, nonce, ciphertext, additionalData []byte) ([]byte, error)
}
