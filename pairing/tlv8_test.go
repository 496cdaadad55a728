package pairing

import (
	"bytes"
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTLVFormatParseRoundtrip(t *testing.T) {
	in := TLV{}
	in.AddUint8(TypeState, 1)
	in.AddUint8(TypeMethod, 0)
	in.Add(TypeIdentifier, []byte("Pair-Setup"))

	out, err := Parse(Format(in))
	require.NoError(t, err)
	require.Len(t, out, len(in))
	for i := range in {
		require.Equal(t, in[i].Type, out[i].Type)
		require.Equal(t, in[i].Value, out[i].Value)
	}
}

func TestTLVChunking(t *testing.T) {
	value := make([]byte, 612) // not a multiple of 255
	_, err := rand.Read(value)
	require.NoError(t, err)

	in := TLV{{Type: TypePublicKey, Value: value}}
	wire := Format(in)

	// 612 = 255 + 255 + 102: three chunks, two headers of 255 and one of 102.
	require.Equal(t, byte(TypePublicKey), wire[0])
	require.Equal(t, byte(255), wire[1])
	require.Equal(t, byte(TypePublicKey), wire[257])
	require.Equal(t, byte(255), wire[258])
	require.Equal(t, byte(TypePublicKey), wire[514])
	require.Equal(t, byte(102), wire[515])

	out, err := Parse(wire)
	require.NoError(t, err)
	require.Len(t, out, 1)
	require.True(t, bytes.Equal(value, out[0].Value))
}

func TestTLVChunkingExactMultiple(t *testing.T) {
	value := make([]byte, 510) // exactly 2*255: no terminating zero-length chunk
	in := TLV{{Type: TypeCertificate, Value: value}}
	wire := Format(in)
	require.Len(t, wire, 510+2*2)

	out, err := Parse(wire)
	require.NoError(t, err)
	require.Len(t, out, 1)
	require.Equal(t, 510, len(out[0].Value))
}

func TestTLVEmptyValue(t *testing.T) {
	in := TLV{{Type: TypeFragmentData, Value: nil}}
	wire := Format(in)
	require.Equal(t, []byte{byte(TypeFragmentData), 0}, wire)

	out, err := Parse(wire)
	require.NoError(t, err)
	require.Len(t, out, 1)
	require.Empty(t, out[0].Value)
}

func TestTLVGetHelpers(t *testing.T) {
	in := TLV{}
	in.AddUint8(TypeState, 3)
	in.Add(TypeSalt, []byte{1, 2, 3, 4})

	v, ok := in.GetUint8(TypeState)
	require.True(t, ok)
	require.Equal(t, uint8(3), v)

	require.Equal(t, []byte{1, 2, 3, 4}, in.Get(TypeSalt))
	require.Nil(t, in.Get(TypeProof))

	_, ok = in.GetUint8(TypeProof)
	require.False(t, ok)
}

func TestTLVParseTruncated(t *testing.T) {
	_, err := Parse([]byte{byte(TypeState)})
	require.Error(t, err)

	_, err = Parse([]byte{byte(TypeState), 5, 1, 2})
	require.Error(t, err)
}
