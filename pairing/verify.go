package pairing

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"

	"golang.org/x/crypto/curve25519"
)

// VerifyState is the pair-verify M-number, mirroring pair_homekit.c's
// PAIR_VERIFY_MSG0{1..4} enum.
type VerifyState uint8

const (
	VerifyM1 VerifyState = 1
	VerifyM2 VerifyState = 2
	VerifyM3 VerifyState = 3
	VerifyM4 VerifyState = 4
)

// ClientVerify drives the controller side of /pair-verify, authenticating a
// previously paired accessory (looked up by identifier in a PeerStore) and
// establishing a fresh ECDH shared secret for the encrypted session.
type ClientVerify struct {
	identity *Identity

	ephemeralPriv [32]byte
	ephemeralPub  [32]byte

	sharedSecret []byte
}

// NewClientVerify generates a fresh Curve25519 ephemeral keypair for one
// pair-verify attempt.
func NewClientVerify(identity *Identity) (*ClientVerify, error) {
	v := &ClientVerify{identity: identity}
	if _, err := rand.Read(v.ephemeralPriv[:]); err != nil {
		return nil, fmt.Errorf("pairing: generate verify ephemeral: %w", err)
	}
	pub, err := curve25519.X25519(v.ephemeralPriv[:], curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("pairing: derive verify ephemeral public key: %w", err)
	}
	copy(v.ephemeralPub[:], pub)
	return v, nil
}

// M1 builds the initial request: State=1, PublicKey=client ephemeral.
func (v *ClientVerify) M1() TLV {
	t := TLV{}
	t.AddUint8(TypeState, uint8(VerifyM1))
	t.Add(TypePublicKey, v.ephemeralPub[:])
	return t
}

// M3 consumes the server's M2 (ephemeral public key + encrypted identity
// proof), verifies the accessory's long-term signature against peers, and
// returns the client's M3 (its own encrypted identity proof).
func (v *ClientVerify) M3(m2 TLV, peers PeerStore) (TLV, error) {
	state, _ := m2.GetUint8(TypeState)
	if VerifyState(state) != VerifyM2 {
		return nil, fmt.Errorf("%w: expected pair-verify state M2, got %d", ErrProtocol, state)
	}
	if errCode, ok := m2.GetUint8(TypeError); ok {
		return nil, &RemoteError{Code: ErrorCode(errCode)}
	}

	serverEphemeral := m2.Get(TypePublicKey)
	if len(serverEphemeral) != 32 {
		return nil, fmt.Errorf("%w: pair-verify M2 malformed public key", ErrProtocol)
	}

	shared, err := curve25519.X25519(v.ephemeralPriv[:], serverEphemeral)
	if err != nil {
		return nil, fmt.Errorf("pairing: verify ecdh: %w", err)
	}
	v.sharedSecret = shared

	plain, err := openHandshakeMessage(shared, labelPairVerifyEncrypt, "PV-Msg02", m2.Get(TypeEncryptedData))
	if err != nil {
		return nil, err
	}
	inner, err := Parse(plain)
	if err != nil {
		return nil, err
	}

	accessoryID := inner.Get(TypeIdentifier)
	sig := inner.Get(TypeSignature)
	if len(accessoryID) == 0 || len(sig) == 0 {
		return nil, fmt.Errorf("%w: pair-verify M2 missing identity fields", ErrProtocol)
	}
	accessoryPub, ok := peers.Lookup(string(accessoryID))
	if !ok {
		return nil, fmt.Errorf("%w: unknown accessory %q", ErrAuthentication, accessoryID)
	}

	signed := append(append([]byte{}, serverEphemeral...), accessoryID...)
	signed = append(signed, v.ephemeralPub[:]...)
	if !ed25519.Verify(accessoryPub, signed, sig) {
		return nil, fmt.Errorf("%w: pair-verify accessory signature invalid", ErrAuthentication)
	}

	clientSigned := append(append([]byte{}, v.ephemeralPub[:]...), []byte(v.identity.ID)...)
	clientSigned = append(clientSigned, serverEphemeral...)
	clientSignature := ed25519.Sign(v.identity.PrivateKey, clientSigned)

	clientInner := TLV{}
	clientInner.Add(TypeIdentifier, []byte(v.identity.ID))
	clientInner.Add(TypeSignature, clientSignature)

	encrypted, err := sealHandshakeMessage(shared, labelPairVerifyEncrypt, "PV-Msg03", Format(clientInner))
	if err != nil {
		return nil, err
	}

	t := TLV{}
	t.AddUint8(TypeState, uint8(VerifyM3))
	t.Add(TypeEncryptedData, encrypted)
	return t, nil
}

// VerifyM4 checks the server's M4 for success (no Error TLV).
func (v *ClientVerify) VerifyM4(m4 TLV) error {
	if errCode, ok := m4.GetUint8(TypeError); ok {
		return &RemoteError{Code: ErrorCode(errCode)}
	}
	return nil
}

// SharedSecret returns the raw Curve25519 ECDH output, the input to
// NewTransportCipher for the Control/Events channels this verify opens.
func (v *ClientVerify) SharedSecret() []byte { return v.sharedSecret }

// ServerVerify drives the accessory side of /pair-verify.
type ServerVerify struct {
	identity *Identity

	ephemeralPriv [32]byte
	ephemeralPub  [32]byte

	clientEphemeral []byte
	sharedSecret    []byte
}

// NewServerVerify generates a fresh Curve25519 ephemeral keypair for one
// pair-verify attempt.
func NewServerVerify(identity *Identity) (*ServerVerify, error) {
	v := &ServerVerify{identity: identity}
	if _, err := rand.Read(v.ephemeralPriv[:]); err != nil {
		return nil, fmt.Errorf("pairing: generate verify ephemeral: %w", err)
	}
	pub, err := curve25519.X25519(v.ephemeralPriv[:], curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("pairing: derive verify ephemeral public key: %w", err)
	}
	copy(v.ephemeralPub[:], pub)
	return v, nil
}

// M2 consumes the client's M1, derives the shared secret, and returns the
// accessory's M2 (its ephemeral public key plus its encrypted identity
// proof).
func (v *ServerVerify) M2(m1 TLV) (TLV, error) {
	clientEphemeral := m1.Get(TypePublicKey)
	if len(clientEphemeral) != 32 {
		return nil, fmt.Errorf("%w: pair-verify M1 malformed public key", ErrProtocol)
	}
	v.clientEphemeral = clientEphemeral

	shared, err := curve25519.X25519(v.ephemeralPriv[:], clientEphemeral)
	if err != nil {
		return nil, fmt.Errorf("pairing: verify ecdh: %w", err)
	}
	v.sharedSecret = shared

	signed := append(append([]byte{}, v.ephemeralPub[:]...), []byte(v.identity.ID)...)
	signed = append(signed, clientEphemeral...)
	signature := ed25519.Sign(v.identity.PrivateKey, signed)

	inner := TLV{}
	inner.Add(TypeIdentifier, []byte(v.identity.ID))
	inner.Add(TypeSignature, signature)

	encrypted, err := sealHandshakeMessage(shared, labelPairVerifyEncrypt, "PV-Msg02", Format(inner))
	if err != nil {
		return nil, err
	}

	t := TLV{}
	t.AddUint8(TypeState, uint8(VerifyM2))
	t.Add(TypePublicKey, v.ephemeralPub[:])
	t.Add(TypeEncryptedData, encrypted)
	return t, nil
}

// M4 consumes the client's M3, verifies the controller's long-term
// signature against peers, and returns the accessory's M4 (success, or a
// TLVType_Error on authentication failure).
func (v *ServerVerify) M4(m3 TLV, peers PeerStore) TLV {
	plain, err := openHandshakeMessage(v.sharedSecret, labelPairVerifyEncrypt, "PV-Msg03", m3.Get(TypeEncryptedData))
	if err != nil {
		return verifyErrorTLV()
	}
	inner, err := Parse(plain)
	if err != nil {
		return verifyErrorTLV()
	}

	controllerID := inner.Get(TypeIdentifier)
	sig := inner.Get(TypeSignature)
	if len(controllerID) == 0 || len(sig) == 0 {
		return verifyErrorTLV()
	}
	controllerPub, ok := peers.Lookup(string(controllerID))
	if !ok {
		return verifyErrorTLV()
	}

	signed := append(append([]byte{}, v.clientEphemeral...), controllerID...)
	signed = append(signed, v.ephemeralPub[:]...)
	if !ed25519.Verify(controllerPub, signed, sig) {
		return verifyErrorTLV()
	}

	t := TLV{}
	t.AddUint8(TypeState, uint8(VerifyM4))
	return t
}

func verifyErrorTLV() TLV {
	t := TLV{}
	t.AddUint8(TypeState, uint8(VerifyM4))
	t.AddUint8(TypeError, uint8(ErrorAuthentication))
	return t
}

// SharedSecret returns the raw Curve25519 ECDH output, valid after M2.
func (v *ServerVerify) SharedSecret() []byte { return v.sharedSecret }
