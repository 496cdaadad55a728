package rtpengine

import "encoding/binary"

// Sync packet variants, per spec.md §4.2/§6.
const (
	SyncVariantPeriodic byte = 0x80
	SyncVariantJoin     byte = 0x90

	syncType   byte = 0xd4
	syncLength byte = 0x07
)

// SyncPacket is the 20-byte timing-reference packet AirPlay sends
// immediately on device join (variant 0x90) and periodically thereafter
// (variant 0x80, every ~126 ms of audio).
type SyncPacket struct {
	Variant        byte
	CurrentTimeRTP uint32
	NTPSeconds     uint32
	NTPFraction    uint32
	NextPacketRTP  uint32
}

// Marshal serialises the 20-byte big-endian wire form described in
// spec.md §6: <0x80, variant, type=0xd4, length=0x07>, then four u32
// fields.
func (p SyncPacket) Marshal() []byte {
	out := make([]byte, 20)
	out[0] = 0x80
	out[1] = p.Variant
	out[2] = syncType
	out[3] = syncLength
	binary.BigEndian.PutUint32(out[4:8], p.CurrentTimeRTP)
	binary.BigEndian.PutUint32(out[8:12], p.NTPSeconds)
	binary.BigEndian.PutUint32(out[12:16], p.NTPFraction)
	binary.BigEndian.PutUint32(out[16:20], p.NextPacketRTP)
	return out
}

// ControlRetransmitRequest is the 8-byte retransmit-request wire format
// described in spec.md §4.5.5/§6: <0x80 0xd5 CSeq seq_start seq_len>.
type ControlRetransmitRequest struct {
	CSeq     uint16
	SeqStart uint16
	SeqLen   uint16
}

const controlRetransmitType byte = 0xd5

// ParseControlRetransmitRequest decodes an 8-byte control-channel
// retransmit request, or reports a format error.
func ParseControlRetransmitRequest(data []byte) (ControlRetransmitRequest, bool) {
	if len(data) != 8 || data[0] != 0x80 || data[1] != controlRetransmitType {
		return ControlRetransmitRequest{}, false
	}
	return ControlRetransmitRequest{
		CSeq:     binary.BigEndian.Uint16(data[2:4]),
		SeqStart: binary.BigEndian.Uint16(data[4:6]),
		SeqLen:   binary.BigEndian.Uint16(data[6:8]),
	}, true
}

// Marshal serialises a control retransmit request (used by tests and by
// any loopback/verification tooling exercising the control service).
func (r ControlRetransmitRequest) Marshal() []byte {
	out := make([]byte, 8)
	out[0] = 0x80
	out[1] = controlRetransmitType
	binary.BigEndian.PutUint16(out[2:4], r.CSeq)
	binary.BigEndian.PutUint16(out[4:6], r.SeqStart)
	binary.BigEndian.PutUint16(out[6:8], r.SeqLen)
	return out
}
