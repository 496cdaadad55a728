package rtpengine

import (
	"crypto/rand"
	"encoding/binary"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Session owns the monotonic sequence number, RTP timestamp position, and
// retransmit ring for one master session's outgoing audio stream. Grounded
// on the teacher's media.RTPSession (which owns equivalent read/write
// bookkeeping for a SIP call leg), generalised here with a retransmit ring
// since AirPlay, unlike SIP/RTP, requires serving retransmits from history.
type Session struct {
	mu sync.Mutex

	seqnum uint16
	pos    uint32
	ssrc   uint32

	clockIdentifier uint64
	ring            *Ring

	log zerolog.Logger
}

// NewSession creates an RTP session with random initial seqnum/pos (upper
// bit of pos cleared, as RFC 3550 recommends for a fresh timestamp base),
// and the given 64-bit clock identifier (PTP or process-local).
func NewSession(clockIdentifier uint64) (*Session, error) {
	var buf [6]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return nil, err
	}
	s := &Session{
		seqnum:          binary.BigEndian.Uint16(buf[0:2]),
		pos:             binary.BigEndian.Uint32(buf[2:6]) &^ (1 << 31),
		ssrc:            0,
		clockIdentifier: clockIdentifier,
		ring:            NewRing(),
		log:             log.Logger,
	}
	return s, nil
}

// SetSSRC fixes the synchronisation source identifier carried in every
// packet this session produces.
func (s *Session) SetSSRC(ssrc uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ssrc = ssrc
}

// ClockIdentifier returns the 64-bit identifier embedded in setup plists.
func (s *Session) ClockIdentifier() uint64 { return s.clockIdentifier }

// Position returns the current RTP timestamp position (pos).
func (s *Session) Position() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pos
}

// NextPacket builds the next outgoing packet from payload without
// committing it to the ring — callers distribute the same payload to
// multiple device sessions (each with its own AEAD key) before committing
// once per master-session tick.
func (s *Session) NextPacket(payload []byte, marker bool) Packet {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Packet{
		Marker:         marker,
		SequenceNumber: s.seqnum,
		Timestamp:      s.pos,
		SSRC:           s.ssrc,
		Payload:        payload,
	}
}

// Commit stores p in the retransmit ring and advances seqnum/pos by
// samplesPerPacket, per spec.md §4.2's commit() semantics. p must be the
// most recently produced packet (from NextPacket); calling Commit more
// than once per packet, or out of order, desyncs seqnum from the ring.
func (s *Session) Commit(p Packet, samplesPerPacket uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ring.Store(p)
	s.seqnum++
	s.pos += samplesPerPacket
}

// Get looks up a previously committed packet by sequence number, for
// retransmit requests (spec.md §4.5.5/§8 Testable Property 6).
func (s *Session) Get(seqnum uint16) (Packet, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ring.Get(seqnum)
}
