package pairing

import (
	"crypto/ed25519"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

type memPeerStore struct {
	mu   sync.Mutex
	byID map[string]ed25519.PublicKey
}

func newMemPeerStore() *memPeerStore {
	return &memPeerStore{byID: map[string]ed25519.PublicKey{}}
}

func (s *memPeerStore) Lookup(id string) (ed25519.PublicKey, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pub, ok := s.byID[id]
	return pub, ok
}

func (s *memPeerStore) Add(id string, pub ed25519.PublicKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byID[id] = pub
	return nil
}

func (s *memPeerStore) Remove(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.byID, id)
	return nil
}

func TestPairSetupNormalRoundtrip(t *testing.T) {
	const pin = "555-55-555"

	controllerID, err := NewIdentity("controller-1")
	require.NoError(t, err)
	accessoryID, err := NewIdentity("accessory-1")
	require.NoError(t, err)

	verifier, err := NewSRPVerifier(pin)
	require.NoError(t, err)

	client := NewClientSetup(controllerID, pin, false)
	server, err := NewServerSetup(accessoryID, verifier)
	require.NoError(t, err)

	accessoryStore := newMemPeerStore()
	controllerStore := newMemPeerStore()

	m1 := client.M1()
	m2 := server.M2(m1)
	m3, err := client.M3(m2)
	require.NoError(t, err)
	m4 := server.M4(m3)
	require.Nil(t, m4.Get(TypeError))

	m5, err := client.M5(m4)
	require.NoError(t, err)
	require.NotNil(t, m5)

	m6, err := server.M6(m5, accessoryStore)
	require.NoError(t, err)

	err = client.VerifyM6(m6, controllerStore)
	require.NoError(t, err)

	_, ok := accessoryStore.Lookup(controllerID.ID)
	require.True(t, ok)
	_, ok = controllerStore.Lookup(accessoryID.ID)
	require.True(t, ok)
}

func TestPairSetupTransientSkipsM5M6(t *testing.T) {
	const pin = "111-22-333"

	controllerID, err := NewIdentity("controller-2")
	require.NoError(t, err)
	accessoryID, err := NewIdentity("accessory-2")
	require.NoError(t, err)

	verifier, err := NewSRPVerifier(pin)
	require.NoError(t, err)

	client := NewClientSetup(controllerID, pin, true)
	server, err := NewServerSetup(accessoryID, verifier)
	require.NoError(t, err)

	m1 := client.M1()
	require.Equal(t, uint8(flagTransient), mustGetUint8(t, m1, TypeFlags))

	m2 := server.M2(m1)
	require.True(t, server.transient)

	m3, err := client.M3(m2)
	require.NoError(t, err)
	m4 := server.M4(m3)

	m5, err := client.M5(m4)
	require.NoError(t, err)
	require.Nil(t, m5)
}

func TestPairSetupWrongPinFails(t *testing.T) {
	controllerID, err := NewIdentity("controller-3")
	require.NoError(t, err)
	accessoryID, err := NewIdentity("accessory-3")
	require.NoError(t, err)

	verifier, err := NewSRPVerifier("999-99-999")
	require.NoError(t, err)

	client := NewClientSetup(controllerID, "000-00-000", false)
	server, err := NewServerSetup(accessoryID, verifier)
	require.NoError(t, err)

	m1 := client.M1()
	m2 := server.M2(m1)
	m3, err := client.M3(m2)
	require.NoError(t, err)

	m4 := server.M4(m3)
	code, ok := m4.GetUint8(TypeError)
	require.True(t, ok)
	require.Equal(t, uint8(ErrorAuthentication), code)
}

func mustGetUint8(t *testing.T, tlv TLV, typ Type) uint8 {
	t.Helper()
	v, ok := tlv.GetUint8(typ)
	require.True(t, ok)
	return v
}
