// Package timing implements the AirPlay timing reflector (spec.md §4.6): a
// UDP service that turns a client's 32-byte timing query into a reply
// carrying three 64-bit NTP timestamps, used by devices to estimate clock
// offset/round-trip when PTP is not in use. Grounded on the teacher's
// media.NTPTimestamp/NTPToTime pair (media/rtp_utils.go), the same NTP
// encoding reused verbatim here since AirPlay's timing format embeds the
// identical 32.32 fixed-point NTP layout.
package timing

import (
	"encoding/binary"
	"fmt"
	"time"
)

const ntpEpochOffset int64 = 2208988800

// NTPTimestamp encodes t as a 64-bit NTP timestamp (32-bit seconds since
// 1900-01-01, 32-bit fraction), identical in layout to the teacher's
// media.NTPTimestamp helper.
func NTPTimestamp(t time.Time) uint64 {
	seconds := t.Unix() + ntpEpochOffset
	frac := (float64(t.Nanosecond()) / 1e9) * (1 << 32)
	return uint64(seconds)<<32 | uint64(frac)
}

// NTPToTime is the inverse of NTPTimestamp.
func NTPToTime(ntp uint64) time.Time {
	seconds := int64(ntp>>32) - ntpEpochOffset
	frac := float64(ntp&0xffffffff) / (1 << 32)
	return time.Unix(seconds, int64(frac*1e9))
}

const (
	queryMarker = 0xd2
	replyMarker = 0xd3
	packetLen   = 32
)

// Query is a 32-byte timing request: `0x80 0xd2 <u16 unused> <4 reserved
// bytes> <u64 client transmit NTP timestamp at offset 8> <16 further bytes>`. Only the
// client-transmit timestamp at offset 8 is consumed by the reflector; the
// remaining header bytes are round-tripped unexamined.
type Query struct {
	raw [packetLen]byte
}

// ParseQuery validates and wraps a received timing-query datagram.
func ParseQuery(b []byte) (Query, error) {
	var q Query
	if len(b) != packetLen {
		return q, fmt.Errorf("timing: query must be %d bytes, got %d", packetLen, len(b))
	}
	if b[0] != 0x80 || b[1] != queryMarker {
		return q, fmt.Errorf("timing: not a timing query (got %#x %#x)", b[0], b[1])
	}
	copy(q.raw[:], b)
	return q, nil
}

// ClientTransmitTime is the timestamp the client recorded when it sent
// this query (offset 8, per spec.md §4.6).
func (q Query) ClientTransmitTime() uint64 {
	return binary.BigEndian.Uint64(q.raw[8:16])
}

// Reply builds the 32-byte timing reply: `0x80 0xd3 <cseq from the
// query's own header> <client-sent timestamp at offset 8> <receive
// timestamp at offset 16> <transmit timestamp at offset 24>`.
func (q Query) Reply(receiveTime, transmitTime time.Time) []byte {
	out := make([]byte, packetLen)
	out[0] = 0x80
	out[1] = replyMarker
	copy(out[2:8], q.raw[2:8])
	binary.BigEndian.PutUint64(out[8:16], q.ClientTransmitTime())
	binary.BigEndian.PutUint64(out[16:24], NTPTimestamp(receiveTime))
	binary.BigEndian.PutUint64(out[24:32], NTPTimestamp(transmitTime))
	return out
}

// Reflector answers timing queries on a UDP socket. Now is overridable for
// tests; it defaults to time.Now.
type Reflector struct {
	Now func() time.Time
}

// NewReflector returns a Reflector using the real clock.
func NewReflector() *Reflector {
	return &Reflector{Now: time.Now}
}

// HandleDatagram parses b as a timing query and returns the reply bytes to
// send back to the peer, or an error if b isn't a well-formed query. The
// receive timestamp is taken at call entry; the transmit timestamp is
// taken just before marshalling, matching spec.md §4.6's three-timestamp
// reply.
func (r *Reflector) HandleDatagram(b []byte) ([]byte, error) {
	receiveTime := r.now()
	q, err := ParseQuery(b)
	if err != nil {
		return nil, err
	}
	transmitTime := r.now()
	return q.Reply(receiveTime, transmitTime), nil
}

func (r *Reflector) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}
