package pairing

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func testCiphers(t *testing.T) (a, b *TransportCipher) {
	t.Helper()
	secret := make([]byte, 64)
	for i := range secret {
		secret[i] = byte(i)
	}
	var err error
	a, err = NewTransportCipher(secret, ChannelControl, false)
	require.NoError(t, err)
	b, err = NewTransportCipher(secret, ChannelControl, true)
	require.NoError(t, err)
	return a, b
}

func TestEncryptDecryptRoundtrip(t *testing.T) {
	controller, accessory := testCiphers(t)

	aad := []byte{0x01, 0x00}
	sealed, err := controller.Encrypt(aad, []byte("hello accessory"))
	require.NoError(t, err)

	opened, err := accessory.Decrypt(aad, sealed)
	require.NoError(t, err)
	require.Equal(t, "hello accessory", string(opened))
}

func TestEncryptRejectsOversizedBlock(t *testing.T) {
	controller, _ := testCiphers(t)
	_, err := controller.Encrypt(nil, make([]byte, MaxBlockSize+1))
	require.Error(t, err)
}

func TestEncryptRollbackReproducesCiphertext(t *testing.T) {
	controller, _ := testCiphers(t)

	aad := []byte{0x01, 0x00}
	first, err := controller.Encrypt(aad, []byte("retry me"))
	require.NoError(t, err)

	controller.EncryptRollback()

	second, err := controller.Encrypt(aad, []byte("retry me"))
	require.NoError(t, err)

	require.Equal(t, first, second)
}

func TestDecryptRollbackReplaysSameCiphertext(t *testing.T) {
	controller, accessory := testCiphers(t)

	aad := []byte{0x01, 0x00}
	sealed, err := controller.Encrypt(aad, []byte("one frame"))
	require.NoError(t, err)

	_, err = accessory.Decrypt(aad, sealed)
	require.NoError(t, err)

	// A second Decrypt of the same ciphertext advances past the nonce that
	// produced it and fails.
	_, err = accessory.Decrypt(aad, sealed)
	require.Error(t, err)

	// Rolling back twice (undoing both Decrypt advances) lets the same
	// ciphertext be opened again.
	accessory.DecryptRollback()
	accessory.DecryptRollback()

	opened, err := accessory.Decrypt(aad, sealed)
	require.NoError(t, err)
	require.Equal(t, "one frame", string(opened))
}

func TestWriteAndReadCountersAreIndependent(t *testing.T) {
	controller, accessory := testCiphers(t)

	aad := []byte{0x01, 0x00}
	first, err := controller.Encrypt(aad, []byte("frame one"))
	require.NoError(t, err)
	second, err := controller.Encrypt(aad, []byte("frame two"))
	require.NoError(t, err)
	require.NotEqual(t, first, second)

	_, err = accessory.Decrypt(aad, first)
	require.NoError(t, err)
	_, err = accessory.Decrypt(aad, second)
	require.NoError(t, err)
}
