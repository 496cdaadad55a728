// Package mastersession implements the per-(quality, timing) singleton
// that owns one RTP session, one ALAC encoder, and the shared playback
// timestamp reference all device sessions of the same quality stream from
// (spec.md §4.4). Grounded on the teacher's pattern of a small registry
// keyed by an immutable value struct — the same role diago's dialog/bridge
// registries play for call legs, generalised here to audio quality keys.
package mastersession

import (
	"fmt"
	"sync"

	"github.com/owntone-go/airplay2/alac"
	"github.com/owntone-go/airplay2/rtpengine"
)

// Key identifies one master session. Two device sessions negotiating the
// same quality and timing mode always share a master session, per spec.md
// §3's uniqueness invariant.
type Key struct {
	SampleRate    uint32
	BitsPerSample uint8
	Channels      uint8
	UsePTP        bool
}

func (k Key) String() string {
	return fmt.Sprintf("%d/%d/%dch/ptp=%v", k.SampleRate, k.BitsPerSample, k.Channels, k.UsePTP)
}

// TimestampRef answers "which RTP sample is playing at wall time wall_ts?",
// per spec.md §4.4.1.
type TimestampRef struct {
	WallTS int64 // unix nanoseconds
	RTPPos uint32
}

// Session is one master session: shared RTP engine, ALAC encoder, input
// PCM buffer, and the current timestamp reference. Multiple device
// sessions attach to (and detach from) the same Session; it is destroyed
// when the last one detaches (see Registry.Release).
type Session struct {
	key Key

	RTP     *rtpengine.Session
	Encoder *alac.Encoder

	mu               sync.Mutex
	inputBuffer      []byte
	outputBufferSamples uint32
	ref              TimestampRef
	refCount         int
}

func newSession(key Key, clockIdentifier uint64) (*Session, error) {
	rtp, err := rtpengine.NewSession(clockIdentifier)
	if err != nil {
		return nil, fmt.Errorf("mastersession: new rtp session: %w", err)
	}
	enc, err := alac.NewEncoder(alac.Config{
		SampleRate:    key.SampleRate,
		BitsPerSample: key.BitsPerSample,
		Channels:      key.Channels,
	})
	if err != nil {
		return nil, fmt.Errorf("mastersession: new alac encoder: %w", err)
	}
	return &Session{key: key, RTP: rtp, Encoder: enc}, nil
}

// Key returns this session's registry key.
func (s *Session) Key() Key { return s.key }

// SetOutputBufferSamples records how many samples downstream is expected
// to buffer (used in the §4.4.1 timestamp-reference computation).
func (s *Session) SetOutputBufferSamples(n uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outputBufferSamples = n
}

// frameBytes is the byte length of one ALAC input frame for this session's
// format.
func (s *Session) frameBytes() int {
	return alac.SamplesPerPacket * int(s.key.Channels) * 2
}

// Write appends samples (interleaved PCM, tagged with the wall-clock time
// the player captured them) to the input buffer, updates the timestamp
// reference per §4.4.1, and drains as many complete ALAC frames as are
// available, invoking emit for each resulting RTP packet. emit is called
// with the packet still uncommitted to the ring — callers fan it out to
// attached device sessions (each under its own AEAD key) before calling
// Commit.
func (s *Session) Write(samples []byte, wallTS int64, emit func(rtpengine.Packet)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.inputBuffer = append(s.inputBuffer, samples...)

	inputBufferSamples := uint32(len(s.inputBuffer) / (int(s.key.Channels) * 2))
	rtpRef := s.RTP.Position() + inputBufferSamples - s.outputBufferSamples
	s.ref = TimestampRef{WallTS: wallTS, RTPPos: rtpRef}

	frameBytes := s.frameBytes()
	for len(s.inputBuffer) >= frameBytes {
		frame := s.inputBuffer[:frameBytes]
		s.inputBuffer = s.inputBuffer[frameBytes:]

		payload, err := s.Encoder.EncodeFrame(frame)
		if err != nil {
			return fmt.Errorf("mastersession: encode frame: %w", err)
		}

		pkt := s.RTP.NextPacket(payload, false)
		if emit != nil {
			emit(pkt)
		}
		s.RTP.Commit(pkt, alac.SamplesPerPacket)
	}
	return nil
}

// TimestampRef returns the most recently computed (wall_ts, rtp_pos) pair.
func (s *Session) TimestampRef() TimestampRef {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ref
}

// Registry is the process-wide table of master sessions keyed by Key. At
// most one Session exists per Key at a time (spec.md §3 invariant).
type Registry struct {
	mu       sync.Mutex
	sessions map[Key]*Session

	// NextClockIdentifier supplies the 64-bit clock id for a freshly
	// constructed RTP session (PTP mode asks the PTP subsystem; non-PTP
	// mode can use a process-local counter). Defaults to a monotonic
	// counter if nil.
	NextClockIdentifier func(key Key) (uint64, error)

	counter uint64
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[Key]*Session)}
}

// GetOrCreate returns the existing session for key, incrementing its
// refcount, or constructs a new one if none exists yet.
func (r *Registry) GetOrCreate(key Key) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s, ok := r.sessions[key]; ok {
		s.mu.Lock()
		s.refCount++
		s.mu.Unlock()
		return s, nil
	}

	var clockID uint64
	var err error
	if r.NextClockIdentifier != nil {
		clockID, err = r.NextClockIdentifier(key)
		if err != nil {
			return nil, fmt.Errorf("mastersession: obtain clock identifier: %w", err)
		}
	} else {
		r.counter++
		clockID = r.counter
	}

	s, err := newSession(key, clockID)
	if err != nil {
		return nil, err
	}
	s.refCount = 1
	r.sessions[key] = s
	return s, nil
}

// Release decrements the session's refcount and destroys it (removing it
// from the registry) when it reaches zero, per spec.md §3/§5's refcounting
// invariant: deletion is always initiated by the departing device session.
func (r *Registry) Release(key Key) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[key]
	if !ok {
		return
	}
	s.mu.Lock()
	s.refCount--
	destroy := s.refCount <= 0
	s.mu.Unlock()
	if destroy {
		delete(r.sessions, key)
	}
}

// Count returns how many sessions currently exist, for tests/metrics.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}
