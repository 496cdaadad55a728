package mastersession

import (
	"testing"

	"github.com/owntone-go/airplay2/alac"
	"github.com/owntone-go/airplay2/rtpengine"
	"github.com/stretchr/testify/require"
)

func makeFrame(channels int, samples int, value int16) []byte {
	buf := make([]byte, samples*channels*2)
	for i := 0; i < samples*channels; i++ {
		buf[i*2] = byte(value)
		buf[i*2+1] = byte(value >> 8)
	}
	return buf
}

// TestTimestampReferenceTracksInputAndOutputBuffers implements spec.md §8
// Testable Property 7: with sample_rate=44100, output_buffer_samples=8820
// (200ms), after 10 writes of 441 samples each the timestamp reference
// equals rtp_start + 4410 - 8820 (modular u32).
func TestTimestampReferenceTracksInputAndOutputBuffers(t *testing.T) {
	key := Key{SampleRate: 44100, BitsPerSample: 16, Channels: 2, UsePTP: false}
	s, err := newSession(key, 1)
	require.NoError(t, err)

	s.SetOutputBufferSamples(8820)
	rtpStart := s.RTP.Position()

	const samplesPerWrite = 441
	var lastRef TimestampRef
	for i := 0; i < 10; i++ {
		frame := makeFrame(2, samplesPerWrite, int16(i))
		err := s.Write(frame, int64(i), nil)
		require.NoError(t, err)
		lastRef = s.TimestampRef()
	}

	want := rtpStart + 4410 - 8820
	require.Equal(t, want, lastRef.RTPPos)
}

func TestWriteEncodesCompleteFramesAndKeepsRemainder(t *testing.T) {
	key := Key{SampleRate: 44100, BitsPerSample: 16, Channels: 2, UsePTP: false}
	s, err := newSession(key, 1)
	require.NoError(t, err)

	var emitted []rtpengine.Packet
	emit := func(p rtpengine.Packet) { emitted = append(emitted, p) }

	// Two and a half frames worth of samples.
	frame := makeFrame(2, alac.SamplesPerPacket*2+alac.SamplesPerPacket/2, 7)
	err = s.Write(frame, 0, emit)
	require.NoError(t, err)

	require.Len(t, emitted, 2)
	require.Len(t, s.inputBuffer, (alac.SamplesPerPacket/2)*2*2)

	for _, p := range emitted {
		require.NotEmpty(t, p.Payload)
	}
	require.Equal(t, emitted[1].SequenceNumber, emitted[0].SequenceNumber+1)
	require.Equal(t, emitted[1].Timestamp, emitted[0].Timestamp+alac.SamplesPerPacket)
}

func TestRegistrySharesSessionPerKeyAndDestroysOnLastRelease(t *testing.T) {
	r := NewRegistry()
	key := Key{SampleRate: 44100, BitsPerSample: 16, Channels: 2, UsePTP: false}

	s1, err := r.GetOrCreate(key)
	require.NoError(t, err)
	s2, err := r.GetOrCreate(key)
	require.NoError(t, err)
	require.Same(t, s1, s2)
	require.Equal(t, 1, r.Count())

	otherKey := Key{SampleRate: 44100, BitsPerSample: 16, Channels: 2, UsePTP: true}
	s3, err := r.GetOrCreate(otherKey)
	require.NoError(t, err)
	require.NotSame(t, s1, s3)
	require.Equal(t, 2, r.Count())

	r.Release(key)
	require.Equal(t, 2, r.Count(), "first release should only decrement refcount")

	r.Release(key)
	require.Equal(t, 1, r.Count(), "second release should destroy the session")

	r.Release(otherKey)
	require.Equal(t, 0, r.Count())
}
