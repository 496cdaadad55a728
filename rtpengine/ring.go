// Package rtpengine owns the AirPlay RTP session: sequence/timestamp
// bookkeeping, the retransmit ring buffer, per-device AEAD framing, and
// sync-packet construction. It mirrors the role the teacher's
// media.RTPSession plays for SIP/RTP, generalised to AirPlay's ring-buffer
// retransmit model (which diago's RTP session does not need, since SIP has
// no retransmit-from-history requirement).
package rtpengine

// RingSize is the number of retransmittable packets retained, per
// spec.md §4.2/§8 Testable Property 6.
const RingSize = 1000

// Ring is a fixed-size retransmit buffer addressed by sequence number
// modulo RingSize. A slot is considered to hold seqnum s only if the
// stored packet's own sequence number still equals s — once overwritten by
// a later packet sharing the same slot, a lookup for the old seqnum misses.
type Ring struct {
	slots [RingSize]Packet
	valid [RingSize]bool
}

// NewRing returns an empty ring.
func NewRing() *Ring {
	return &Ring{}
}

// Store records p at its seqnum's slot, evicting whatever previously lived
// there.
func (r *Ring) Store(p Packet) {
	slot := int(p.SequenceNumber) % RingSize
	r.slots[slot] = p
	r.valid[slot] = true
}

// Get returns the packet stored for seqnum, or ok=false if that slot is
// empty or now holds a different (later) packet.
func (r *Ring) Get(seqnum uint16) (Packet, bool) {
	slot := int(seqnum) % RingSize
	if !r.valid[slot] {
		return Packet{}, false
	}
	p := r.slots[slot]
	if p.SequenceNumber != seqnum {
		return Packet{}, false
	}
	return p, true
}
