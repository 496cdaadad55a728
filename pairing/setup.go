package pairing

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
)

// SetupState is the pair-setup M-number, mirroring pair_homekit.c's
// PAIR_SETUP_MSG0{1..6} enum.
type SetupState uint8

const (
	SetupM1 SetupState = 1
	SetupM2 SetupState = 2
	SetupM3 SetupState = 3
	SetupM4 SetupState = 4
	SetupM5 SetupState = 5
	SetupM6 SetupState = 6
)

const (
	methodPairSetup         = 0x00
	methodPairSetupWithAuth = 0x01
	flagTransient           = 0x10
)

// Identity is a long-term Ed25519 keypair plus a stable identifier string,
// the accessory/controller's "LTPK"/"LTSK" pair in HAP terms.
type Identity struct {
	ID         string
	PublicKey  ed25519.PublicKey
	PrivateKey ed25519.PrivateKey
}

// NewIdentity generates a fresh long-term signing identity.
func NewIdentity(id string) (*Identity, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("pairing: generate identity: %w", err)
	}
	return &Identity{ID: id, PublicKey: pub, PrivateKey: priv}, nil
}

// KnownPeer is a previously-paired peer's identifier and long-term public
// key.
type KnownPeer struct {
	ID        string
	PublicKey ed25519.PublicKey
}

// PeerStore resolves a peer identifier to its stored long-term public key,
// and records new pairings. Transient (PIN-only) sessions never touch it.
type PeerStore interface {
	Lookup(id string) (ed25519.PublicKey, bool)
	Add(id string, pub ed25519.PublicKey) error
	Remove(id string) error
}

// ClientSetup drives the controller side of /pair-setup.
type ClientSetup struct {
	identity  *Identity
	pin       string
	transient bool

	srp        *SRPClient
	sessionKey []byte
}

// NewClientSetup starts a pair-setup attempt. transient selects the
// PairingMethodPairSetup / Flags=Transient variant used for one-off,
// unpaired AirPlay sessions (spec.md's "normal vs transient" distinction);
// non-transient setup additionally exchanges and signs long-term keys.
func NewClientSetup(identity *Identity, pin string, transient bool) *ClientSetup {
	return &ClientSetup{identity: identity, pin: pin, transient: transient}
}

// M1 builds the initial request: Method + (Flags if transient).
func (c *ClientSetup) M1() TLV {
	t := TLV{}
	t.AddUint8(TypeState, uint8(SetupM1))
	if c.transient {
		t.AddUint8(TypeMethod, methodPairSetup)
		t.AddUint8(TypeFlags, flagTransient)
	} else {
		t.AddUint8(TypeMethod, methodPairSetupWithAuth)
	}
	return t
}

// M3 consumes the server's M2 (salt, B), runs SRP, and returns the client's
// M3 (A, proof M1).
func (c *ClientSetup) M3(m2 TLV) (TLV, error) {
	state, _ := m2.GetUint8(TypeState)
	if SetupState(state) != SetupM2 {
		return nil, fmt.Errorf("%w: expected pair-setup state M2, got %d", ErrProtocol, state)
	}
	if errCode, ok := m2.GetUint8(TypeError); ok {
		return nil, &RemoteError{Code: ErrorCode(errCode)}
	}

	salt := m2.Get(TypeSalt)
	serverPublic := m2.Get(TypePublicKey)
	if len(salt) == 0 || len(serverPublic) == 0 {
		return nil, fmt.Errorf("%w: pair-setup M2 missing salt or public key", ErrProtocol)
	}

	srpClient, err := NewSRPClient()
	if err != nil {
		return nil, err
	}
	proof, err := srpClient.ComputeProof(c.pin, salt, serverPublic)
	if err != nil {
		return nil, err
	}
	c.srp = srpClient
	c.sessionKey = srpClient.SessionKey()

	t := TLV{}
	t.AddUint8(TypeState, uint8(SetupM3))
	t.Add(TypePublicKey, srpClient.PublicKey())
	t.Add(TypeProof, proof)
	return t, nil
}

// M5 consumes the server's M4 (proof M2), verifies it, then - for
// non-transient setup - signs the exchanged public keys with the
// controller's long-term Ed25519 key and returns the encrypted M5 payload.
// Transient setup returns a nil M5 (there is nothing further to send; the
// session key from M3 is already the shared secret).
func (c *ClientSetup) M5(m4 TLV) (TLV, error) {
	state, _ := m4.GetUint8(TypeState)
	if SetupState(state) != SetupM4 {
		return nil, fmt.Errorf("%w: expected pair-setup state M4, got %d", ErrProtocol, state)
	}
	if errCode, ok := m4.GetUint8(TypeError); ok {
		return nil, &RemoteError{Code: ErrorCode(errCode)}
	}
	serverProof := m4.Get(TypeProof)
	if !c.srp.VerifyServerProof(serverProof) {
		return nil, fmt.Errorf("%w: pair-setup server proof mismatch", ErrAuthentication)
	}
	if c.transient {
		return nil, nil
	}

	x, err := deriveKey(c.sessionKey, labelPairSetupControllerSign)
	if err != nil {
		return nil, err
	}
	signed := append(append([]byte{}, x...), []byte(c.identity.ID)...)
	signed = append(signed, c.identity.PublicKey...)
	signature := ed25519.Sign(c.identity.PrivateKey, signed)

	inner := TLV{}
	inner.Add(TypeIdentifier, []byte(c.identity.ID))
	inner.Add(TypePublicKey, c.identity.PublicKey)
	inner.Add(TypeSignature, signature)

	encrypted, err := sealHandshakeMessage(c.sessionKey, labelPairSetupEncrypt, "PS-Msg05", Format(inner))
	if err != nil {
		return nil, err
	}

	t := TLV{}
	t.AddUint8(TypeState, uint8(SetupM5))
	t.Add(TypeEncryptedData, encrypted)
	return t, nil
}

// VerifyM6 consumes the server's M6, decrypting and verifying the
// accessory's long-term identity and signature, then records it via store.
func (c *ClientSetup) VerifyM6(m6 TLV, store PeerStore) error {
	state, _ := m6.GetUint8(TypeState)
	if SetupState(state) != SetupM6 {
		return fmt.Errorf("%w: expected pair-setup state M6, got %d", ErrProtocol, state)
	}
	if errCode, ok := m6.GetUint8(TypeError); ok {
		return &RemoteError{Code: ErrorCode(errCode)}
	}

	plain, err := openHandshakeMessage(c.sessionKey, labelPairSetupEncrypt, "PS-Msg06", m6.Get(TypeEncryptedData))
	if err != nil {
		return err
	}
	inner, err := Parse(plain)
	if err != nil {
		return err
	}

	id := inner.Get(TypeIdentifier)
	pub := inner.Get(TypePublicKey)
	sig := inner.Get(TypeSignature)
	if len(id) == 0 || len(pub) != ed25519.PublicKeySize || len(sig) == 0 {
		return fmt.Errorf("%w: pair-setup M6 missing identity fields", ErrProtocol)
	}

	x, err := deriveKey(c.sessionKey, labelPairSetupAccessorySign)
	if err != nil {
		return err
	}
	signed := append(append([]byte{}, x...), id...)
	signed = append(signed, pub...)
	if !ed25519.Verify(ed25519.PublicKey(pub), signed, sig) {
		return fmt.Errorf("%w: pair-setup accessory signature invalid", ErrAuthentication)
	}

	if store != nil {
		return store.Add(string(id), ed25519.PublicKey(pub))
	}
	return nil
}

// ServerSetup drives the accessory side of /pair-setup.
type ServerSetup struct {
	identity *Identity

	srp        *SRPServer
	sessionKey []byte
	transient  bool
}

// NewServerSetup starts an accessory-side pair-setup attempt against a
// previously stored (salt, verifier) for the current setup code.
func NewServerSetup(identity *Identity, v *SRPVerifier) (*ServerSetup, error) {
	srp, err := NewSRPServer(v)
	if err != nil {
		return nil, err
	}
	return &ServerSetup{identity: identity, srp: srp}, nil
}

// M2 consumes the client's M1, records the Transient flag, and returns
// (salt, B) for M2.
func (s *ServerSetup) M2(m1 TLV) TLV {
	if flags, ok := m1.GetUint8(TypeFlags); ok {
		s.transient = flags&flagTransient != 0
	}

	t := TLV{}
	t.AddUint8(TypeState, uint8(SetupM2))
	t.Add(TypeSalt, s.srp.Salt())
	t.Add(TypePublicKey, s.srp.PublicKey())
	return t
}

// M4 consumes the client's M3 (A, proof), verifies it, and returns
// (proof M2) for M4, or a TLVType_Error on authentication failure.
func (s *ServerSetup) M4(m3 TLV) TLV {
	a := m3.Get(TypePublicKey)
	clientProof := m3.Get(TypeProof)

	serverProof, err := s.srp.VerifyClientProof(a, clientProof)
	if err != nil {
		t := TLV{}
		t.AddUint8(TypeState, uint8(SetupM4))
		t.AddUint8(TypeError, uint8(ErrorAuthentication))
		return t
	}
	s.sessionKey = s.srp.SessionKey()

	t := TLV{}
	t.AddUint8(TypeState, uint8(SetupM4))
	t.Add(TypeProof, serverProof)
	return t
}

// M6 consumes the client's M5 (or, for transient setup, is not called at
// all), decrypts and verifies the controller's identity, records it via
// store, and returns the accessory's own signed M6 payload.
func (s *ServerSetup) M6(m5 TLV, store PeerStore) (TLV, error) {
	plain, err := openHandshakeMessage(s.sessionKey, labelPairSetupEncrypt, "PS-Msg05", m5.Get(TypeEncryptedData))
	if err != nil {
		return nil, err
	}
	inner, err := Parse(plain)
	if err != nil {
		return nil, err
	}

	id := inner.Get(TypeIdentifier)
	pub := inner.Get(TypePublicKey)
	sig := inner.Get(TypeSignature)
	if len(id) == 0 || len(pub) != ed25519.PublicKeySize || len(sig) == 0 {
		return nil, fmt.Errorf("%w: pair-setup M5 missing identity fields", ErrProtocol)
	}

	x, err := deriveKey(s.sessionKey, labelPairSetupControllerSign)
	if err != nil {
		return nil, err
	}
	signed := append(append([]byte{}, x...), id...)
	signed = append(signed, pub...)
	if !ed25519.Verify(ed25519.PublicKey(pub), signed, sig) {
		return nil, fmt.Errorf("%w: pair-setup controller signature invalid", ErrAuthentication)
	}
	if store != nil {
		if err := store.Add(string(id), ed25519.PublicKey(pub)); err != nil {
			return nil, fmt.Errorf("pairing: store controller pairing: %w", err)
		}
	}

	ax, err := deriveKey(s.sessionKey, labelPairSetupAccessorySign)
	if err != nil {
		return nil, err
	}
	accessorySigned := append(append([]byte{}, ax...), []byte(s.identity.ID)...)
	accessorySigned = append(accessorySigned, s.identity.PublicKey...)
	accessorySignature := ed25519.Sign(s.identity.PrivateKey, accessorySigned)

	accessoryInner := TLV{}
	accessoryInner.Add(TypeIdentifier, []byte(s.identity.ID))
	accessoryInner.Add(TypePublicKey, s.identity.PublicKey)
	accessoryInner.Add(TypeSignature, accessorySignature)

	encrypted, err := sealHandshakeMessage(s.sessionKey, labelPairSetupEncrypt, "PS-Msg06", Format(accessoryInner))
	if err != nil {
		return nil, err
	}

	t := TLV{}
	t.AddUint8(TypeState, uint8(SetupM6))
	t.Add(TypeEncryptedData, encrypted)
	return t, nil
}
