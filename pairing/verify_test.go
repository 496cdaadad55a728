package pairing

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func setupPairedIdentities(t *testing.T) (controller, accessory *Identity, controllerPeers, accessoryPeers *memPeerStore) {
	t.Helper()
	var err error
	controller, err = NewIdentity("controller-v1")
	require.NoError(t, err)
	accessory, err = NewIdentity("accessory-v1")
	require.NoError(t, err)

	controllerPeers = newMemPeerStore()
	accessoryPeers = newMemPeerStore()
	require.NoError(t, controllerPeers.Add(accessory.ID, accessory.PublicKey))
	require.NoError(t, accessoryPeers.Add(controller.ID, controller.PublicKey))
	return
}

func TestPairVerifyRoundtrip(t *testing.T) {
	controller, accessory, controllerPeers, accessoryPeers := setupPairedIdentities(t)

	client, err := NewClientVerify(controller)
	require.NoError(t, err)
	server, err := NewServerVerify(accessory)
	require.NoError(t, err)

	m1 := client.M1()
	m2, err := server.M2(m1)
	require.NoError(t, err)

	m3, err := client.M3(m2, controllerPeers)
	require.NoError(t, err)

	m4 := server.M4(m3, accessoryPeers)
	require.NoError(t, client.VerifyM4(m4))

	require.Equal(t, client.SharedSecret(), server.SharedSecret())
}

func TestPairVerifyUnknownAccessoryRejected(t *testing.T) {
	controller, accessory, _, _ := setupPairedIdentities(t)
	emptyPeers := newMemPeerStore()

	client, err := NewClientVerify(controller)
	require.NoError(t, err)
	server, err := NewServerVerify(accessory)
	require.NoError(t, err)

	m1 := client.M1()
	m2, err := server.M2(m1)
	require.NoError(t, err)

	_, err = client.M3(m2, emptyPeers)
	require.ErrorIs(t, err, ErrAuthentication)
}

func TestPairVerifyUnknownControllerRejected(t *testing.T) {
	controller, accessory, controllerPeers, _ := setupPairedIdentities(t)
	emptyPeers := newMemPeerStore()

	client, err := NewClientVerify(controller)
	require.NoError(t, err)
	server, err := NewServerVerify(accessory)
	require.NoError(t, err)

	m1 := client.M1()
	m2, err := server.M2(m1)
	require.NoError(t, err)

	m3, err := client.M3(m2, controllerPeers)
	require.NoError(t, err)

	m4 := server.M4(m3, emptyPeers)
	err = client.VerifyM4(m4)
	require.ErrorIs(t, err, ErrRemote)
}

func TestPairVerifyThenTransportCipherRoundtrip(t *testing.T) {
	controller, accessory, controllerPeers, accessoryPeers := setupPairedIdentities(t)

	client, err := NewClientVerify(controller)
	require.NoError(t, err)
	server, err := NewServerVerify(accessory)
	require.NoError(t, err)

	m1 := client.M1()
	m2, err := server.M2(m1)
	require.NoError(t, err)
	m3, err := client.M3(m2, controllerPeers)
	require.NoError(t, err)
	m4 := server.M4(m3, accessoryPeers)
	require.NoError(t, client.VerifyM4(m4))

	controllerCipher, err := NewTransportCipher(client.SharedSecret(), ChannelControl, false)
	require.NoError(t, err)
	accessoryCipher, err := NewTransportCipher(server.SharedSecret(), ChannelControl, true)
	require.NoError(t, err)

	plaintext := []byte("RTSP/1.0 200 OK\r\n\r\n")
	frame, err := controllerCipher.Encrypt(nil, plaintext)
	require.NoError(t, err)

	decoded, err := accessoryCipher.Decrypt(nil, frame)
	require.NoError(t, err)
	require.Equal(t, plaintext, decoded)

	reply, err := accessoryCipher.Encrypt(nil, []byte("ack"))
	require.NoError(t, err)
	decodedReply, err := controllerCipher.Decrypt(nil, reply)
	require.NoError(t, err)
	require.Equal(t, []byte("ack"), decodedReply)
}
