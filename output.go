package airplay2

import "context"

// Output is the common backend interface spec.md §9's Design Notes
// describe for dynamic dispatch across output types ("the repo has other
// output backends"): AirPlay implements this alongside sibling backends
// (ALSA, Chromecast, ...) that are out of this spec's scope. Modeled as a
// Go interface per the Design Notes' own guidance ("model as an
// interface/trait; tests can supply a loopback implementation").
type Output interface {
	// Init prepares the backend for use (opening shared sockets,
	// subscribing to the master-session registry). Called once.
	Init(ctx context.Context) error
	// Deinit releases everything Init acquired. Called once, at shutdown.
	Deinit() error

	// DeviceStart begins streaming to device, attaching it to (or
	// creating) the master session matching its negotiated quality.
	DeviceStart(ctx context.Context, device *Device) error
	// DeviceStop tears the device session down and detaches from its
	// master session.
	DeviceStop(device *Device) error
	// DeviceFlush asks the device to discard buffered audio up to the
	// given RTP position (spec.md §6's FLUSH payload).
	DeviceFlush(device *Device, rtpSeq uint16, rtpTime uint32) error
	// DeviceProbe checks reachability/capability without starting a full
	// session (used before committing to DeviceStart).
	DeviceProbe(ctx context.Context, device *Device) error
	// DeviceVolumeSet pushes a new volume to an already-streaming device.
	DeviceVolumeSet(device *Device, volume int) error

	// Write hands a buffer of interleaved PCM samples, tagged with the
	// wall-clock time they were captured, to the backend (spec.md §4.4's
	// master-session write path).
	Write(samples []byte, wallTS int64) error

	// MetadataPrepare stages progress/now-playing metadata for the next
	// send (spec.md §4.5.2's "feedback" step references this).
	MetadataPrepare(progress Progress) error
	// MetadataSend flushes previously prepared metadata to every
	// connected device.
	MetadataSend() error
}

// Progress is the playback-position triple carried in progress metadata
// (spec.md §6: "progress: start/cur/end").
type Progress struct {
	Start int64
	Cur   int64
	End   int64
}
