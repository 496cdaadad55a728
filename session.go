package airplay2

import (
	"fmt"
	"net"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/crypto/chacha20poly1305"

	"github.com/owntone-go/airplay2/mastersession"
	"github.com/owntone-go/airplay2/pairing"
	"github.com/owntone-go/airplay2/ptp"
	"github.com/owntone-go/airplay2/rtpengine"
)

// audioAEAD is the minimal interface rtpengine.Packet.MarshalEncrypted
// needs; chacha20poly1305's concrete AEAD already satisfies it.
type audioAEAD interface {
	Seal(dst, nonce, plaintext, additionalData []byte) []byte
	Open(dst, nonce, ciphertext, additionalData []byte) ([]byte, error)
}

// DeviceSession is one speaker's protocol state machine, per spec.md §3/§4.5.
// It holds exactly one master-session reference for its whole lifetime
// (spec.md §3's invariant); cleanup always decrements the master's refcount.
type DeviceSession struct {
	mu sync.Mutex

	Device *Device

	transport *Transport

	DataConn    net.PacketConn
	ControlConn net.PacketConn
	EventsConn  net.Conn

	// audioPeer and controlPeer are the device's own data/control-port
	// addresses, learned from the SETUP replies.
	audioPeer   net.Addr
	controlPeer net.Addr

	// needsJoinSync is set once setup-stream reaches StateConnected and
	// cleared once the join handshake (sync packet + marked first audio
	// packet) has gone out, per spec.md §4.5.4.
	needsJoinSync bool

	master    *mastersession.Session
	masterKey mastersession.Key
	registry  *mastersession.Registry

	audioCipher audioAEAD

	SessionUUID string
	GroupUUID   string
	SessionURL  string

	PTPSlaveID ptp.SlaveID
	hasPTP     bool

	state State

	identity *pairing.Identity
	peers    pairing.PeerStore
	verify   *pairing.ClientVerify
	setup    *pairing.ClientSetup

	// pendingAuth is the Authorization header value the next sent request
	// should carry — set by a digest-retry handler, cleared after use.
	pendingAuth string

	// pendingBody carries a step's outbound body across sequence steps when
	// it was computed inside the previous step's HandleResponse (the
	// pair-setup/pair-verify message chain, where each reply determines the
	// next request).
	pendingBody []byte

	onStateChange func(ds *DeviceSession, s State)
}

// NewDeviceSession builds a session for device, talking RTSP over conn and
// drawing its master session from registry. identity is this controller's
// long-term pairing identity; peers resolves/records accessory identities.
func NewDeviceSession(device *Device, conn net.Conn, registry *mastersession.Registry, identity *pairing.Identity, peers pairing.PeerStore) *DeviceSession {
	return &DeviceSession{
		Device:      device,
		transport:   NewTransport(conn),
		registry:    registry,
		identity:    identity,
		peers:       peers,
		SessionUUID: uuid.NewString(),
		GroupUUID:   uuid.NewString(),
		state:       StateStopped,
	}
}

// State returns the current protocol state.
func (ds *DeviceSession) State() State {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	return ds.state
}

func (ds *DeviceSession) setState(s State) {
	ds.mu.Lock()
	ds.state = s
	cb := ds.onStateChange
	ds.mu.Unlock()
	if cb != nil {
		cb(ds, s)
	}
}

// OnStateChange registers a callback invoked on every state transition —
// the surfacing mechanism spec.md §7 describes ("state transitions ...
// are reported to the player via a callback").
func (ds *DeviceSession) OnStateChange(f func(ds *DeviceSession, s State)) {
	ds.mu.Lock()
	ds.onStateChange = f
	ds.mu.Unlock()
}

// attachMaster obtains (creating if needed) the master session for key and
// records it as this device session's sole master-session reference.
func (ds *DeviceSession) attachMaster(key mastersession.Key) error {
	m, err := ds.registry.GetOrCreate(key)
	if err != nil {
		return fmt.Errorf("airplay2: attach master session: %w", err)
	}
	ds.master = m
	ds.masterKey = key
	return nil
}

// detachMaster releases this device session's master-session reference,
// per spec.md §3/§5's refcounting invariant: deletion is always initiated
// by the departing device session.
func (ds *DeviceSession) detachMaster() {
	if ds.master == nil {
		return
	}
	ds.registry.Release(ds.masterKey)
	ds.master = nil
}

// deriveAudioCipher builds the per-device AEAD from the pair-verify shared
// secret's first 32 bytes, per spec.md §3: "the first 32 are also the
// audio-channel key".
func (ds *DeviceSession) deriveAudioCipher(sharedSecret []byte) error {
	if len(sharedSecret) < chacha20poly1305.KeySize {
		return fmt.Errorf("%w: shared secret too short for audio key", ErrProtocol)
	}
	aead, err := chacha20poly1305.New(sharedSecret[:chacha20poly1305.KeySize])
	if err != nil {
		return fmt.Errorf("airplay2: build audio cipher: %w", err)
	}
	ds.audioCipher = aead
	return nil
}

// SendAudio encrypts pkt under this device's audio cipher and writes it to
// the data socket with a non-blocking send, per spec.md §4.5.4. A write
// failure marks the session failed rather than blocking the caller.
func (ds *DeviceSession) SendAudio(pkt rtpengine.Packet, peer net.Addr) error {
	ds.mu.Lock()
	cipher := ds.audioCipher
	conn := ds.DataConn
	ds.mu.Unlock()
	if cipher == nil {
		return fmt.Errorf("%w: audio cipher not established", ErrProtocol)
	}
	wire, err := pkt.MarshalEncrypted(cipher)
	if err != nil {
		return fmt.Errorf("airplay2: marshal encrypted audio packet: %w", err)
	}
	if _, err := conn.WriteTo(wire, peer); err != nil {
		ds.setState(StateFailed)
		return fmt.Errorf("%w: send audio packet: %v", ErrTransport, err)
	}
	return nil
}

// takeJoinSync reports whether this device session is still owed its join
// handshake (sync packet + marked first audio packet) and, if so, clears
// the flag so it only fires once.
func (ds *DeviceSession) takeJoinSync() bool {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	if !ds.needsJoinSync {
		return false
	}
	ds.needsJoinSync = false
	return true
}

// Get implements timing.RetransmitHandler by delegating to the attached
// master session's RTP ring (spec.md §4.5.5).
func (ds *DeviceSession) Get(seqnum uint16) (rtpengine.Packet, bool) {
	ds.mu.Lock()
	m := ds.master
	ds.mu.Unlock()
	if m == nil {
		return rtpengine.Packet{}, false
	}
	return m.RTP.Get(seqnum)
}

// openLocalSockets binds the ephemeral UDP sockets a device session
// listens on for its events/control/data channels, per spec.md §4.5.3's
// per-device socket set. Idempotent: a second call is a no-op so a
// digest-retried SETUP doesn't leak sockets.
func (ds *DeviceSession) openLocalSockets() error {
	if ds.EventsConn == nil {
		conn, err := net.ListenPacket("udp", ":0")
		if err != nil {
			return fmt.Errorf("%w: listen timing socket: %v", ErrTransport, err)
		}
		ds.EventsConn = &packetConnAsConn{conn}
	}
	if ds.ControlConn == nil {
		conn, err := net.ListenPacket("udp", ":0")
		if err != nil {
			return fmt.Errorf("%w: listen control socket: %v", ErrTransport, err)
		}
		ds.ControlConn = conn
	}
	if ds.DataConn == nil {
		conn, err := net.ListenPacket("udp", ":0")
		if err != nil {
			return fmt.Errorf("%w: listen data socket: %v", ErrTransport, err)
		}
		ds.DataConn = conn
	}
	return nil
}

// packetConnAsConn adapts a net.PacketConn to net.Conn for the events
// socket field, which only ever talks to the one device peer.
type packetConnAsConn struct{ net.PacketConn }

func (c *packetConnAsConn) Read(b []byte) (int, error) {
	n, _, err := c.PacketConn.ReadFrom(b)
	return n, err
}

func (c *packetConnAsConn) Write(b []byte) (int, error) {
	return 0, fmt.Errorf("%w: events socket has no fixed peer yet", ErrTransport)
}

func (c *packetConnAsConn) RemoteAddr() net.Addr { return nil }

// peerAddr builds the device's address on port, reusing the RTSP control
// connection's remote host.
func (ds *DeviceSession) peerAddr(port int) net.Addr {
	host, _, err := net.SplitHostPort(ds.transport.conn.RemoteAddr().String())
	if err != nil {
		host = ds.transport.conn.RemoteAddr().String()
	}
	addr, err := net.ResolveUDPAddr("udp", net.JoinHostPort(host, fmt.Sprintf("%d", port)))
	if err != nil {
		return nil
	}
	return addr
}

// udpLocalPort returns conn's bound local port, or 0 if conn is nil or not
// UDP-backed.
func udpLocalPort(conn interface{ LocalAddr() net.Addr }) int {
	if conn == nil {
		return 0
	}
	addr, ok := conn.LocalAddr().(*net.UDPAddr)
	if !ok {
		return 0
	}
	return addr.Port
}
