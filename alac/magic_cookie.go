package alac

import "encoding/binary"

// MagicCookie is Apple's ALACSpecificConfig, the 24-byte big-endian
// extradata block that accompanies every ALAC elementary stream (in an MP4
// `alac` box, or here, prepended to a device's magic-cookie SETUP
// parameter). Field order and defaults (pb=40, mb=10, kb=14) are Apple's
// documented ALACMagicCookieDescription.
type MagicCookie struct {
	FrameLength       uint32
	CompatibleVersion uint8
	BitDepth          uint8
	PB                uint8
	MB                uint8
	KB                uint8
	NumChannels       uint8
	MaxRun            uint16
	MaxFrameBytes     uint32
	AvgBitRate        uint32
	SampleRate        uint32
}

// NewMagicCookie builds the cookie for cfg using Apple's standard tuning
// constants (pb/mb/kb), the same values every ALAC encoder profile uses
// regardless of escape-vs-predicted encoding — a decoder only consults
// them when the escape flag in a given frame is clear.
func NewMagicCookie(cfg Config) MagicCookie {
	return MagicCookie{
		FrameLength:       SamplesPerPacket,
		CompatibleVersion: 0,
		BitDepth:          cfg.BitsPerSample,
		PB:                40,
		MB:                10,
		KB:                14,
		NumChannels:       cfg.Channels,
		MaxRun:            255,
		MaxFrameBytes:     0, // 0 == unknown/unbounded, valid per spec
		AvgBitRate:        0, // 0 == variable bit rate
		SampleRate:        cfg.SampleRate,
	}
}

// Marshal serialises the cookie to its wire form, grounded on
// original_source/src/transcode.c's ALAC extradata construction (same 24
// fixed big-endian fields, built once and cached per spec.md §4.3/§4.8).
func (c MagicCookie) Marshal() []byte {
	buf := make([]byte, 24)
	binary.BigEndian.PutUint32(buf[0:4], c.FrameLength)
	buf[4] = c.CompatibleVersion
	buf[5] = c.BitDepth
	buf[6] = c.PB
	buf[7] = c.MB
	buf[8] = c.KB
	buf[9] = c.NumChannels
	binary.BigEndian.PutUint16(buf[10:12], c.MaxRun)
	binary.BigEndian.PutUint32(buf[12:16], c.MaxFrameBytes)
	binary.BigEndian.PutUint32(buf[16:20], c.AvgBitRate)
	binary.BigEndian.PutUint32(buf[20:24], c.SampleRate)
	return buf
}

// ParseMagicCookie decodes a 24-byte ALACSpecificConfig.
func ParseMagicCookie(b []byte) (MagicCookie, bool) {
	if len(b) < 24 {
		return MagicCookie{}, false
	}
	return MagicCookie{
		FrameLength:       binary.BigEndian.Uint32(b[0:4]),
		CompatibleVersion: b[4],
		BitDepth:          b[5],
		PB:                b[6],
		MB:                b[7],
		KB:                b[8],
		NumChannels:       b[9],
		MaxRun:            binary.BigEndian.Uint16(b[10:12]),
		MaxFrameBytes:     binary.BigEndian.Uint32(b[12:16]),
		AvgBitRate:        binary.BigEndian.Uint32(b[16:20]),
		SampleRate:        binary.BigEndian.Uint32(b[20:24]),
	}, true
}
