package alac

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMagicCookieRoundtrip(t *testing.T) {
	cookie := NewMagicCookie(DefaultConfig)
	wire := cookie.Marshal()
	require.Len(t, wire, 24)

	parsed, ok := ParseMagicCookie(wire)
	require.True(t, ok)
	require.Equal(t, cookie, parsed)
}

func TestParseMagicCookieRejectsShortInput(t *testing.T) {
	_, ok := ParseMagicCookie(make([]byte, 10))
	require.False(t, ok)
}
