package rtpengine

import (
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/chacha20poly1305"
)

func TestPacketMarshalPlaintext(t *testing.T) {
	p := Packet{Marker: true, SequenceNumber: 42, Timestamp: 1000, SSRC: 99, Payload: []byte("alac-frame")}
	wire, err := p.Marshal()
	require.NoError(t, err)
	require.Equal(t, byte(0x80), wire[0])                       // version 2, no padding/extension/CSRC
	require.Equal(t, byte(0x80|PayloadTypeAudio), wire[1])       // marker bit set + payload type 0x60
	require.Equal(t, len(wire), 12+len("alac-frame"))
}

func TestPacketEncryptDecryptRoundtrip(t *testing.T) {
	key := make([]byte, chacha20poly1305.KeySize)
	for i := range key {
		key[i] = byte(i)
	}
	aead, err := chacha20poly1305.New(key)
	require.NoError(t, err)

	p := Packet{SequenceNumber: 7, Timestamp: 2464, SSRC: 0xdeadbeef, Payload: []byte("12312313")}
	wire, err := p.MarshalEncrypted(aead)
	require.NoError(t, err)

	// header(12) + ciphertext(len(payload)+16 tag) + 8-byte nonce suffix
	require.Equal(t, 12+len(p.Payload)+16+8, len(wire))

	hdr := wire[:12]
	sealed := wire[12 : len(wire)-8]
	nonceSuffix := wire[len(wire)-8:]

	n := make([]byte, chacha20poly1305.NonceSize)
	copy(n[4:], nonceSuffix)

	plain, err := aead.Open(nil, n, sealed, associatedData(hdr))
	require.NoError(t, err)
	require.Equal(t, p.Payload, plain)
}

func TestPacketRetransmitReusesSameNonce(t *testing.T) {
	key := make([]byte, chacha20poly1305.KeySize)
	aead, err := chacha20poly1305.New(key)
	require.NoError(t, err)

	p := Packet{SequenceNumber: 7, Timestamp: 2464, SSRC: 1, Payload: []byte("same-payload")}
	first, err := p.MarshalEncrypted(aead)
	require.NoError(t, err)
	second, err := p.MarshalEncrypted(aead)
	require.NoError(t, err)

	// Same seqnum, same plaintext, same AAD -> identical ciphertext, as
	// spec.md §3 requires for retransmitted packets.
	require.Equal(t, first, second)
}
