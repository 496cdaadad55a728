package cache

import (
	"crypto/ed25519"
	"crypto/rand"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestPairingCache(t *testing.T) *PairingCache {
	t.Helper()
	dir := t.TempDir()
	c, err := OpenPairingCache(filepath.Join(dir, "pairing.db"))
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestPairingCacheAddLookup(t *testing.T) {
	c := newTestPairingCache(t)
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	_, ok := c.Lookup("accessory-1")
	require.False(t, ok)

	require.NoError(t, c.Add("accessory-1", pub))
	got, ok := c.Lookup("accessory-1")
	require.True(t, ok)
	require.Equal(t, pub, got)
}

func TestPairingCacheSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pairing.db")
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	c1, err := OpenPairingCache(path)
	require.NoError(t, err)
	require.NoError(t, c1.Add("accessory-1", pub))
	require.NoError(t, c1.Close())

	c2, err := OpenPairingCache(path)
	require.NoError(t, err)
	defer c2.Close()
	got, ok := c2.Lookup("accessory-1")
	require.True(t, ok)
	require.Equal(t, pub, got)
}

func TestPairingCacheRemove(t *testing.T) {
	c := newTestPairingCache(t)
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	require.NoError(t, c.Add("accessory-1", pub))

	require.NoError(t, c.Remove("accessory-1"))
	_, ok := c.Lookup("accessory-1")
	require.False(t, ok)
}
