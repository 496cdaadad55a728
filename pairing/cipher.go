package pairing

import (
	"crypto/sha512"
	"encoding/binary"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// Channel identifies which transport the derived keys belong to, so callers
// can't accidentally cross-wire a Control key onto the Events channel.
type Channel int

const (
	ChannelControl Channel = iota
	ChannelEvents
)

// keyLabels holds the salt/info pairs from pair_homekit.c's pair_keys_map,
// one per distinct key derivation the protocol performs.
type keyLabels struct {
	salt, info string
}

var (
	labelPairSetupEncrypt         = keyLabels{"Pair-Setup-Encrypt-Salt", "Pair-Setup-Encrypt-Info"}
	labelPairSetupControllerSign  = keyLabels{"Pair-Setup-Controller-Sign-Salt", "Pair-Setup-Controller-Sign-Info"}
	labelPairSetupAccessorySign   = keyLabels{"Pair-Setup-Accessory-Sign-Salt", "Pair-Setup-Accessory-Sign-Info"}
	labelPairVerifyEncrypt        = keyLabels{"Pair-Verify-Encrypt-Salt", "Pair-Verify-Encrypt-Info"}
	labelControlWrite             = keyLabels{"Control-Salt", "Control-Write-Encryption-Key"}
	labelControlRead              = keyLabels{"Control-Salt", "Control-Read-Encryption-Key"}
	labelEventsWrite              = keyLabels{"Events-Salt", "Events-Write-Encryption-Key"}
	labelEventsRead               = keyLabels{"Events-Salt", "Events-Read-Encryption-Key"}
)

// deriveKey runs HKDF-SHA512 over sharedSecret with the given salt/info,
// producing a chacha20poly1305.KeySize (32) byte key.
func deriveKey(sharedSecret []byte, l keyLabels) ([]byte, error) {
	r := hkdf.New(sha512.New, sharedSecret, []byte(l.salt), []byte(l.info))
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("pairing: hkdf derive: %w", err)
	}
	return key, nil
}

// TransportCipher wraps the pair-verify-derived ChaCha20-Poly1305 keys for
// the post-handshake encrypted control (or event) channel. Each direction
// uses its own key and an independent monotonically increasing 64-bit
// little-endian nonce counter padded to the AEAD's 12-byte nonce, per
// pair_homekit.c's encrypt_nonce/decrypt_nonce handling.
type TransportCipher struct {
	writeAEAD cipherAEAD
	readAEAD  cipherAEAD

	writeCounter uint64
	readCounter  uint64
}

type cipherAEAD interface {
	Seal(dst, nonce, plaintext, additionalData []byte) []byte
	Open(dst, nonce, ciphertext, additionalData []byte) ([]byte, error)
	Overhead() int
}

// MaxBlockSize is the largest plaintext chunk sent in a single encrypted
// frame (ENCRYPTED_LEN_MAX in pair_homekit.c).
const MaxBlockSize = 0x400

// NewTransportCipher derives the read/write keys for the given channel from
// the pair-verify shared secret and builds the AEAD instances.
func NewTransportCipher(sharedSecret []byte, ch Channel, isAccessory bool) (*TransportCipher, error) {
	writeLabel, readLabel := labelControlWrite, labelControlRead
	if ch == ChannelEvents {
		writeLabel, readLabel = labelEventsWrite, labelEventsRead
	}
	// The accessory's "write" key is the controller's "read" key and vice
	// versa: each side derives both, then swaps which one it seals with.
	if isAccessory {
		writeLabel, readLabel = readLabel, writeLabel
	}

	writeKey, err := deriveKey(sharedSecret, writeLabel)
	if err != nil {
		return nil, err
	}
	readKey, err := deriveKey(sharedSecret, readLabel)
	if err != nil {
		return nil, err
	}

	writeAEAD, err := chacha20poly1305.New(writeKey)
	if err != nil {
		return nil, fmt.Errorf("pairing: build write aead: %w", err)
	}
	readAEAD, err := chacha20poly1305.New(readKey)
	if err != nil {
		return nil, fmt.Errorf("pairing: build read aead: %w", err)
	}

	return &TransportCipher{writeAEAD: writeAEAD, readAEAD: readAEAD}, nil
}

func frameNonce(counter uint64) []byte {
	nonce := make([]byte, chacha20poly1305.NonceSize)
	binary.LittleEndian.PutUint64(nonce[4:], counter)
	return nonce
}

// Encrypt seals a single frame (at most MaxBlockSize bytes) under the
// current write counter, which is then advanced. The length-prefix AAD is
// the caller's responsibility to prepend on the wire (pair_homekit.c AADs
// the little-endian uint16 block length ahead of the ciphertext).
func (c *TransportCipher) Encrypt(aad, plaintext []byte) ([]byte, error) {
	if len(plaintext) > MaxBlockSize {
		return nil, fmt.Errorf("%w: encrypted block exceeds %d bytes", ErrProtocol, MaxBlockSize)
	}
	sealed := c.writeAEAD.Seal(nil, frameNonce(c.writeCounter), plaintext, aad)
	c.writeCounter++
	return sealed, nil
}

// Decrypt opens a single frame under the current read counter, which is
// then advanced regardless of outcome (a failed frame still consumes a
// sequence slot on the wire).
func (c *TransportCipher) Decrypt(aad, ciphertext []byte) ([]byte, error) {
	nonce := frameNonce(c.readCounter)
	c.readCounter++
	plaintext, err := c.readAEAD.Open(nil, nonce, ciphertext, aad)
	if err != nil {
		return nil, fmt.Errorf("%w: decrypt frame: %v", ErrAuthentication, err)
	}
	return plaintext, nil
}

// EncryptRollback undoes the counter advance from the most recent Encrypt
// call, so a retried Encrypt reproduces the exact same ciphertext. Used
// when a failed write means the frame just sealed was never actually put
// on the wire.
func (c *TransportCipher) EncryptRollback() {
	if c.writeCounter > 0 {
		c.writeCounter--
	}
}

// DecryptRollback undoes the counter advance from the most recent Decrypt
// call, so a retried Decrypt against the same ciphertext succeeds instead
// of being read under the wrong nonce.
func (c *TransportCipher) DecryptRollback() {
	if c.readCounter > 0 {
		c.readCounter--
	}
}

// sealHandshakeMessage encrypts a single one-off pair-setup/pair-verify
// message body (M5/M6, or pair-verify's M2/M3) under a key derived from the
// shared secret with the given salt/info label. The nonce is the message's
// fixed 8-byte ASCII tag ("PS-Msg05", "PV-Msg02", ...) left-padded with four
// zero bytes, exactly as pair_keys_map's per-state nonce column is used —
// each such message is sent at most once per handshake, so a fixed nonce
// per label never repeats under a given key.
func sealHandshakeMessage(sharedSecret []byte, l keyLabels, tag string, plaintext []byte) ([]byte, error) {
	key, err := deriveKey(sharedSecret, l)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("pairing: build handshake aead: %w", err)
	}
	return aead.Seal(nil, handshakeNonce(tag), plaintext, nil), nil
}

func openHandshakeMessage(sharedSecret []byte, l keyLabels, tag string, ciphertext []byte) ([]byte, error) {
	key, err := deriveKey(sharedSecret, l)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("pairing: build handshake aead: %w", err)
	}
	plaintext, err := aead.Open(nil, handshakeNonce(tag), ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: decrypt %s: %v", ErrAuthentication, tag, err)
	}
	return plaintext, nil
}

func handshakeNonce(tag string) []byte {
	nonce := make([]byte, chacha20poly1305.NonceSize)
	copy(nonce[chacha20poly1305.NonceSize-len(tag):], tag)
	return nonce
}
