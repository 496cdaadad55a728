package airplay2

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/owntone-go/airplay2/devicemeta"
	"github.com/owntone-go/airplay2/mastersession"
	"github.com/owntone-go/airplay2/pairing"
	"github.com/owntone-go/airplay2/ptp"
	"github.com/owntone-go/airplay2/rtpengine"
	"github.com/owntone-go/airplay2/timing"
	"github.com/owntone-go/airplay2/worker"
)

// keepAliveInterval is the progress broadcast period for devices whose
// model is known to disconnect when idle, per spec.md §4.5.6.
const keepAliveInterval = 25 * time.Second

// Engine is the top-level AirPlay output backend, implementing Output by
// orchestrating a master-session registry, the pairing identity/peer
// store, the timing/control UDP services, the PTP slave manager, a
// worker pool for the blocking RTSP sequences, and one DeviceSession per
// connected speaker. Grounded on the teacher's Diago aggregator struct
// (one struct gathering every subsystem, built via functional options).
type Engine struct {
	identity *pairing.Identity
	peers    pairing.PeerStore

	registry  *mastersession.Registry
	ptpMgr    *ptp.Manager
	reflector *timing.Reflector
	control   *timing.ControlService
	pool      *worker.Pool

	username, password string

	mu               sync.Mutex
	sessions         map[int64]*DeviceSession
	keepAlive        *time.Timer
	pendingProgress  Progress

	log zerolog.Logger
}

// EngineOption configures an Engine at construction time.
type EngineOption func(e *Engine)

// WithCredentials sets the username/password used to answer a digest
// challenge during SETUP (spec.md §8 scenario S3).
func WithCredentials(username, password string) EngineOption {
	return func(e *Engine) { e.username, e.password = username, password }
}

// WithLogger overrides the default logger.
func WithLogger(l zerolog.Logger) EngineOption {
	return func(e *Engine) { e.log = l }
}

// WithWorkerPool overrides the default two-thread worker pool, letting a
// caller size it to the expected device count.
func WithWorkerPool(p *worker.Pool) EngineOption {
	return func(e *Engine) { e.pool = p }
}

// NewEngine builds an Engine around the given long-term pairing identity
// and peer store (normally cache.PairingCache).
func NewEngine(identity *pairing.Identity, peers pairing.PeerStore, opts ...EngineOption) (*Engine, error) {
	ptpMgr, err := ptp.NewManager()
	if err != nil {
		return nil, fmt.Errorf("airplay2: new ptp manager: %w", err)
	}

	e := &Engine{
		identity:  identity,
		peers:     peers,
		registry:  mastersession.NewRegistry(),
		ptpMgr:    ptpMgr,
		reflector: timing.NewReflector(),
		control:   timing.NewControlService(),
		sessions:  make(map[int64]*DeviceSession),
		log:       log.Logger,
	}
	e.registry.NextClockIdentifier = func(mastersession.Key) (uint64, error) {
		return ptpMgr.ClockIdentifier(), nil
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.pool == nil {
		e.pool = worker.NewPool(2, worker.Hooks{})
	}
	return e, nil
}

// Init satisfies Output. The engine has no shared sockets to open beyond
// what DeviceStart opens per-device, so this is a no-op seam for parity
// with the interface's lifecycle.
func (e *Engine) Init(ctx context.Context) error { return nil }

// Deinit stops the worker pool and every active device session.
func (e *Engine) Deinit() error {
	e.mu.Lock()
	sessions := make([]*DeviceSession, 0, len(e.sessions))
	for _, ds := range e.sessions {
		sessions = append(sessions, ds)
	}
	e.mu.Unlock()

	for _, ds := range sessions {
		if err := e.DeviceStop(ds.Device); err != nil {
			e.log.Warn().Err(err).Int64("device_id", ds.Device.DeviceID).Msg("airplay2: device stop during deinit failed")
		}
	}
	e.pool.Stop()
	return nil
}

// DeviceStart runs the full connect sequence for device: /info, pairing
// (skipping pair-setup if a long-term key is already known), pair-verify,
// then the start-playback sequence, attaching to the master session
// matching the device's negotiated quality.
func (e *Engine) DeviceStart(ctx context.Context, device *Device) error {
	conn, err := net.Dial("tcp", device.rtspAddr())
	if err != nil {
		return fmt.Errorf("%w: dial device %d: %v", ErrTransport, device.DeviceID, err)
	}

	ds := NewDeviceSession(device, conn, e.registry, e.identity, e.peers)
	ds.transport.ActiveRemote = device.ActiveRemote()
	ds.SessionURL = fmt.Sprintf("rtsp://%s/%s", device.rtspAddr(), ds.SessionUUID)
	ds.OnStateChange(func(ds *DeviceSession, s State) {
		e.log.Debug().Int64("device_id", device.DeviceID).Stringer("state", s).Msg("airplay2: device session state change")
	})

	key := mastersession.Key{
		SampleRate:    device.Quality.SampleRate,
		BitsPerSample: device.Quality.BitsPerSample,
		Channels:      device.Quality.Channels,
	}
	if err := ds.attachMaster(key); err != nil {
		conn.Close()
		return err
	}

	if err := infoSequence.Run(ds); err != nil {
		ds.detachMaster()
		conn.Close()
		return err
	}

	if device.Flags.Has(FlagRequiresAuth) {
		ds.setState(StateAuth)
	}

	if device.PairingKey == nil {
		mode := device.PairingMode()
		if mode == devicemeta.PairingUnsupported {
			ds.detachMaster()
			conn.Close()
			return fmt.Errorf("%w: device %d advertises no supported pairing mode", ErrCapability, device.DeviceID)
		}
		pin := ""
		if err := pairSetupTransientOrNormal(ds, mode == devicemeta.PairingTransient, pin); err != nil {
			ds.detachMaster()
			conn.Close()
			return err
		}
	}

	if err := pairVerifySequence.Run(ds); err != nil {
		ds.detachMaster()
		conn.Close()
		return err
	}

	clockID := ds.master.RTP.ClockIdentifier()
	seq := startPlaybackSequence(clockID, device.Volume, e.username, e.password)
	if err := seq.Run(ds); err != nil {
		conn.Close()
		return err
	}

	e.mu.Lock()
	e.sessions[device.DeviceID] = ds
	if addr, ok := deviceAddr(device); ok {
		e.control.Sessions[addr] = ds
	}
	e.armKeepAliveLocked()
	e.mu.Unlock()

	return nil
}

func pairSetupTransientOrNormal(ds *DeviceSession, transient bool, pin string) error {
	if transient {
		return pairSetupTransientSequence(pin).Run(ds)
	}
	return pairSetupNormalSequence(pin).Run(ds)
}

// DeviceStop tears a device session down and releases its master-session
// reference.
func (e *Engine) DeviceStop(device *Device) error {
	e.mu.Lock()
	ds, ok := e.sessions[device.DeviceID]
	if ok {
		delete(e.sessions, device.DeviceID)
		if addr, ok := deviceAddr(device); ok {
			delete(e.control.Sessions, addr)
		}
	}
	remaining := len(e.sessions)
	e.mu.Unlock()
	if !ok {
		return nil
	}

	err := teardownSequence(0, device.Flags.Has(FlagResurrectOnDisconnect)).Run(ds)
	ds.transport.Close()

	if remaining == 0 {
		e.mu.Lock()
		if e.keepAlive != nil {
			e.keepAlive.Stop()
			e.keepAlive = nil
		}
		e.mu.Unlock()
	}
	return err
}

// DeviceFlush asks device to discard buffered audio up to (rtpSeq, rtpTime).
func (e *Engine) DeviceFlush(device *Device, rtpSeq uint16, rtpTime uint32) error {
	ds, ok := e.sessionFor(device)
	if !ok {
		return fmt.Errorf("%w: device %d has no active session", ErrResource, device.DeviceID)
	}
	return flushSequence(rtpSeq, rtpTime).Run(ds)
}

// DeviceProbe runs /info against device without committing to a full
// session, used to check reachability/capability ahead of DeviceStart.
func (e *Engine) DeviceProbe(ctx context.Context, device *Device) error {
	conn, err := net.Dial("tcp", device.rtspAddr())
	if err != nil {
		return fmt.Errorf("%w: dial device %d: %v", ErrTransport, device.DeviceID, err)
	}
	defer conn.Close()

	ds := NewDeviceSession(device, conn, e.registry, e.identity, e.peers)
	return infoSequence.Run(ds)
}

// DeviceVolumeSet pushes a new volume to an already-streaming device.
func (e *Engine) DeviceVolumeSet(device *Device, volume int) error {
	ds, ok := e.sessionFor(device)
	if !ok {
		return fmt.Errorf("%w: device %d has no active session", ErrResource, device.DeviceID)
	}
	device.SetVolume(volume)
	return volumeSequence(volume).Run(ds)
}

// Write hands interleaved PCM samples to every master session's ALAC
// encoder/RTP session, fanning out the resulting packets to every
// attached device session's own encrypted audio channel (spec.md §4.4). A
// device session that just reached connected is owed a join handshake
// first (spec.md §4.5.4): a 0x90 sync packet over its control channel,
// then its next audio packet with the RTP marker bit set, after which it
// moves to streaming.
func (e *Engine) Write(samples []byte, wallTS int64) error {
	byKey := e.sessionsByMasterKey()
	for key, members := range byKey {
		master, err := e.registry.GetOrCreate(key)
		if err != nil {
			return err
		}

		err = master.Write(samples, wallTS, func(pkt rtpengine.Packet) {
			for _, ds := range members {
				e.sendToMember(ds, pkt, wallTS)
			}
		})
		e.registry.Release(key)
		if err != nil {
			return fmt.Errorf("airplay2: master session write: %w", err)
		}
	}
	return nil
}

// sendToMember delivers one master-session packet to ds, performing its
// join handshake first if it's still owed one.
func (e *Engine) sendToMember(ds *DeviceSession, pkt rtpengine.Packet, wallTS int64) {
	if ds.audioPeer == nil {
		return
	}
	if ds.takeJoinSync() {
		if err := e.sendJoinSync(ds, pkt, wallTS); err != nil {
			e.log.Warn().Err(err).Int64("device_id", ds.Device.DeviceID).Msg("airplay2: send join sync packet failed")
		}
		pkt.Marker = true
	}
	if err := ds.SendAudio(pkt, ds.audioPeer); err != nil {
		e.log.Warn().Err(err).Int64("device_id", ds.Device.DeviceID).Msg("airplay2: send audio packet failed")
		return
	}
	if ds.State() == StateConnected {
		ds.setState(StateStreaming)
	}
}

// sendJoinSync emits the 0x90 join sync packet a newly-connected device
// expects before its first marked audio packet, over its control channel
// (spec.md §4.2/§6).
func (e *Engine) sendJoinSync(ds *DeviceSession, pkt rtpengine.Packet, wallTS int64) error {
	if ds.ControlConn == nil || ds.controlPeer == nil {
		return fmt.Errorf("%w: no control channel to send join sync on", ErrTransport)
	}
	ntp := timing.NTPTimestamp(time.Unix(0, wallTS))
	sync := rtpengine.SyncPacket{
		Variant:        rtpengine.SyncVariantJoin,
		CurrentTimeRTP: pkt.Timestamp,
		NTPSeconds:     uint32(ntp >> 32),
		NTPFraction:    uint32(ntp),
		NextPacketRTP:  pkt.Timestamp,
	}
	_, err := ds.ControlConn.WriteTo(sync.Marshal(), ds.controlPeer)
	return err
}

// MetadataPrepare stages progress metadata; MetadataSend flushes it to
// every connected device. Kept separate to match the Output interface's
// prepare/send split (spec.md §4.5.2's feedback-step note).
func (e *Engine) MetadataPrepare(progress Progress) error {
	e.mu.Lock()
	e.pendingProgress = progress
	e.mu.Unlock()
	return nil
}

func (e *Engine) MetadataSend() error {
	e.mu.Lock()
	sessions := make([]*DeviceSession, 0, len(e.sessions))
	for _, ds := range e.sessions {
		sessions = append(sessions, ds)
	}
	progress := e.pendingProgress
	e.mu.Unlock()

	seq := progressSequence(progress)
	for _, ds := range sessions {
		ds := ds
		if err := e.pool.Execute(func() {
			if err := seq.Run(ds); err != nil {
				e.log.Warn().Err(err).Int64("device_id", ds.Device.DeviceID).Msg("airplay2: progress broadcast failed")
			}
		}, 0); err != nil {
			e.log.Warn().Err(err).Msg("airplay2: worker pool rejected progress broadcast")
		}
	}
	return nil
}

func (e *Engine) sessionFor(device *Device) (*DeviceSession, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	ds, ok := e.sessions[device.DeviceID]
	return ds, ok
}

func (e *Engine) sessionsByMasterKey() map[mastersession.Key][]*DeviceSession {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[mastersession.Key][]*DeviceSession)
	for _, ds := range e.sessions {
		out[ds.masterKey] = append(out[ds.masterKey], ds)
	}
	return out
}

// armKeepAliveLocked starts the 25 s keep-alive broadcast timer the first
// time a device needing it connects. Caller must hold e.mu.
func (e *Engine) armKeepAliveLocked() {
	if e.keepAlive != nil {
		return
	}
	needsIt := false
	for _, ds := range e.sessions {
		if ds.Device.needsKeepAlive() {
			needsIt = true
			break
		}
	}
	if !needsIt {
		return
	}
	e.keepAlive = time.AfterFunc(keepAliveInterval, e.broadcastKeepAlive)
}

func (e *Engine) broadcastKeepAlive() {
	if err := e.MetadataSend(); err != nil {
		e.log.Warn().Err(err).Msg("airplay2: keep-alive broadcast failed")
	}
	e.mu.Lock()
	if e.keepAlive != nil {
		e.keepAlive.Reset(keepAliveInterval)
	}
	e.mu.Unlock()
}

// deviceAddr resolves device's RTSP host to the netip.Addr its control
// retransmit requests will arrive from, for ControlService.Sessions.
func deviceAddr(device *Device) (netip.Addr, bool) {
	host, _, err := net.SplitHostPort(device.Address)
	if err != nil {
		host = device.Address
	}
	ips, err := net.LookupIP(host)
	if err != nil || len(ips) == 0 {
		return netip.Addr{}, false
	}
	addr, ok := netip.AddrFromSlice(ips[0])
	if !ok {
		return netip.Addr{}, false
	}
	return addr.Unmap(), true
}

// rtspAddr is the host:port this device's RTSP control connection dials.
func (d *Device) rtspAddr() string {
	return d.Address
}
