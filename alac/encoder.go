// Package alac implements the PCM-to-ALAC packet encoder used by the
// master session (spec.md §4.3): a persistent-state struct wrapping frame
// production, the same shape the teacher uses for its codec translators in
// audio/pcm_encoder.go (io.Writer in, transcoded bytes out via a
// persistent-state struct), generalised from G.711 to ALAC.
package alac

import (
	"encoding/binary"
	"fmt"
)

// SamplesPerPacket is the fixed ALAC frame size AirPlay uses: 352 samples
// per channel, per spec.md §4.3.
const SamplesPerPacket = 352

// Config describes the fixed audio format this encoder instance produces
// for — AirPlay only ever negotiates one quality (spec.md §9 Open Question:
// audioFormat is hard-coded), but the encoder itself is format-parametric
// so a future additional quality only needs a new Config, not a new type.
type Config struct {
	SampleRate     uint32
	BitsPerSample  uint8
	Channels       uint8
}

// DefaultConfig is AirPlay's one supported quality: 44.1 kHz/16-bit stereo.
var DefaultConfig = Config{SampleRate: 44100, BitsPerSample: 16, Channels: 2}

// Encoder converts fixed-size blocks of interleaved 16-bit PCM samples into
// ALAC payload bytes of the same sample count, in "escape" (uncompressed)
// mode: each frame carries the raw samples verbatim inside ALAC's documented
// frame-element framing rather than LPC-predicted/Rice-coded residuals, so
// it needs no persistent predictor state across frames — only the channel
// count and bit depth, which Config already fixes for the session's
// lifetime.
type Encoder struct {
	cfg Config
}

// NewEncoder builds a stateful encoder for cfg. AirPlay only exercises
// DefaultConfig today; other configs are accepted so a higher-quality
// master session (spec.md §9's flagged open question) has somewhere to
// plug in later.
func NewEncoder(cfg Config) (*Encoder, error) {
	if cfg.BitsPerSample != 16 {
		return nil, fmt.Errorf("alac: unsupported bit depth %d", cfg.BitsPerSample)
	}
	if cfg.Channels == 0 {
		return nil, fmt.Errorf("alac: channels must be > 0")
	}
	return &Encoder{cfg: cfg}, nil
}

// EncodeFrame consumes exactly SamplesPerPacket*Channels 16-bit interleaved
// PCM samples (little-endian, 2 bytes per sample) and produces one ALAC
// escape-mode frame.
func (e *Encoder) EncodeFrame(pcm []byte) ([]byte, error) {
	wantBytes := SamplesPerPacket * int(e.cfg.Channels) * 2
	if len(pcm) != wantBytes {
		return nil, fmt.Errorf("alac: expected %d PCM bytes, got %d", wantBytes, len(pcm))
	}

	w := newBitWriter()

	// Per-frame element header: channel count tag, partial-frame flag
	// (always false — every frame here is a full SamplesPerPacket block),
	// sample count, escape flag (always set: no LPC prediction).
	w.WriteBits(uint32(e.cfg.Channels-1), 3)
	w.WriteBits(0, 4) // element instance tag, unused (single stream)
	w.WriteBits(0, 1) // partial frame
	w.WriteBits(1, 1) // escape mode
	w.WriteBits(uint32(SamplesPerPacket), 32)

	for i := 0; i < SamplesPerPacket; i++ {
		for c := 0; c < int(e.cfg.Channels); c++ {
			offset := (i*int(e.cfg.Channels) + c) * 2
			sample := int16(binary.LittleEndian.Uint16(pcm[offset : offset+2]))
			w.WriteBits(uint32(uint16(sample)), 16)
		}
	}

	return w.Bytes(), nil
}
