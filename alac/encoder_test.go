package alac

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"
)

func makePCMFrame(channels int, fill func(i, c int) int16) []byte {
	buf := make([]byte, SamplesPerPacket*channels*2)
	for i := 0; i < SamplesPerPacket; i++ {
		for c := 0; c < channels; c++ {
			offset := (i*channels + c) * 2
			binary.LittleEndian.PutUint16(buf[offset:offset+2], uint16(fill(i, c)))
		}
	}
	return buf
}

func TestEncodeFrameRejectsWrongSize(t *testing.T) {
	enc, err := NewEncoder(DefaultConfig)
	require.NoError(t, err)

	_, err = enc.EncodeFrame(make([]byte, 10))
	require.Error(t, err)
}

func TestEncodeFrameProducesNonEmptyOutput(t *testing.T) {
	enc, err := NewEncoder(DefaultConfig)
	require.NoError(t, err)

	pcm := makePCMFrame(2, func(i, c int) int16 { return int16(i + c) })
	out, err := enc.EncodeFrame(pcm)
	require.NoError(t, err)
	require.NotEmpty(t, out)

	// Escape-mode frames are at least as large as the raw samples, since
	// they carry them verbatim plus a small header.
	require.GreaterOrEqual(t, len(out)*8, SamplesPerPacket*2*16)
}

func TestNewEncoderRejectsUnsupportedDepth(t *testing.T) {
	_, err := NewEncoder(Config{SampleRate: 44100, BitsPerSample: 24, Channels: 2})
	require.Error(t, err)
}
