package pairing

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSRPHandshakeAgreesOnSessionKey(t *testing.T) {
	const pin = "123-45-678"

	v, err := NewSRPVerifier(pin)
	require.NoError(t, err)

	server, err := NewSRPServer(v)
	require.NoError(t, err)

	client, err := NewSRPClient()
	require.NoError(t, err)

	clientProof, err := client.ComputeProof(pin, v.Salt, server.PublicKey())
	require.NoError(t, err)

	serverProof, err := server.VerifyClientProof(client.PublicKey(), clientProof)
	require.NoError(t, err)

	require.True(t, client.VerifyServerProof(serverProof))
	require.Equal(t, client.SessionKey(), server.SessionKey())
}

func TestSRPHandshakeRejectsWrongPin(t *testing.T) {
	v, err := NewSRPVerifier("111-11-111")
	require.NoError(t, err)

	server, err := NewSRPServer(v)
	require.NoError(t, err)

	client, err := NewSRPClient()
	require.NoError(t, err)

	clientProof, err := client.ComputeProof("222-22-222", v.Salt, server.PublicKey())
	require.NoError(t, err)

	_, err = server.VerifyClientProof(client.PublicKey(), clientProof)
	require.ErrorIs(t, err, ErrAuthentication)
}

func TestSRPRejectsDegeneratePublicKey(t *testing.T) {
	v, err := NewSRPVerifier("123-45-678")
	require.NoError(t, err)

	server, err := NewSRPServer(v)
	require.NoError(t, err)

	_, err = server.VerifyClientProof(make([]byte, 384), make([]byte, 64))
	require.ErrorIs(t, err, ErrAuthentication)
}

func TestSRPEachPairingGetsFreshSaltAndVerifier(t *testing.T) {
	a, err := NewSRPVerifier("123-45-678")
	require.NoError(t, err)
	b, err := NewSRPVerifier("123-45-678")
	require.NoError(t, err)

	require.NotEqual(t, a.Salt, b.Salt)
	require.NotEqual(t, a.Verifier, b.Verifier)
}
