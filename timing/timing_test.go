package timing

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNTPTimestampRoundtrip(t *testing.T) {
	now := time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC)
	ts := NTPTimestamp(now)
	back := NTPToTime(ts)
	require.WithinDuration(t, now, back, time.Millisecond)
}

func makeQuery(clientTransmit uint64, cseqBytes [6]byte) []byte {
	q := make([]byte, packetLen)
	q[0] = 0x80
	q[1] = queryMarker
	copy(q[2:8], cseqBytes[:])
	for i := 0; i < 8; i++ {
		q[8+i] = byte(clientTransmit >> uint(56-8*i))
	}
	return q
}

func TestReflectorHandleDatagramEchoesClientTimestampAndFillsReceiveTransmit(t *testing.T) {
	var cseq [6]byte
	copy(cseq[:], []byte{0x00, 0x2a, 0, 0, 0, 0})
	clientTS := NTPTimestamp(time.Date(2026, 7, 31, 11, 59, 0, 0, time.UTC))
	query := makeQuery(clientTS, cseq)

	callCount := 0
	times := []time.Time{
		time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC),
		time.Date(2026, 7, 31, 12, 0, 0, 100, time.UTC),
	}
	r := &Reflector{Now: func() time.Time {
		ts := times[callCount]
		callCount++
		return ts
	}}

	reply, err := r.HandleDatagram(query)
	require.NoError(t, err)
	require.Len(t, reply, packetLen)
	require.Equal(t, byte(0x80), reply[0])
	require.Equal(t, byte(replyMarker), reply[1])
	require.Equal(t, cseq[:], reply[2:8])

	q, err := ParseQuery(query)
	require.NoError(t, err)
	require.Equal(t, clientTS, q.ClientTransmitTime())
}

func TestParseQueryRejectsWrongLengthOrMarker(t *testing.T) {
	_, err := ParseQuery(make([]byte, 10))
	require.Error(t, err)

	bad := make([]byte, packetLen)
	bad[0] = 0x80
	bad[1] = 0xAA
	_, err = ParseQuery(bad)
	require.Error(t, err)
}
