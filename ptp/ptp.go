// Package ptp implements the PTP (IEEE 1588-2008) slave-instance manager
// referenced by spec.md §4.7: it tracks which peer addresses have an
// active PTP slave, binds the privileged timing ports before the process
// drops privileges, and hands out the process-wide clock identifier
// master sessions embed in setup plists. Actually running the PTP Best
// Master Clock Algorithm / sync protocol is out of this spec's scope —
// devices advertising bit 41 negotiate PTP with the accessory directly;
// this package only owns the bookkeeping AirPlay's Go engine needs
// (slave lifecycle + privileged port binding), grounded on the teacher's
// SO_REUSEADDR listener setup in the SIP/RTP transport layer.
package ptp

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"net"
	"os"
	"sync"

	"golang.org/x/sys/unix"
)

// SlaveID identifies one PTP slave instance addressed by peer address.
type SlaveID uint64

// Manager tracks PTP slave instances and owns the process-wide clock
// identifier, seeded once at construction (spec.md §4.7).
type Manager struct {
	mu              sync.Mutex
	clockIdentifier uint64
	nextID          SlaveID
	slaves          map[SlaveID]net.Addr
}

// NewManager seeds the clock identifier from a cryptographically random
// 64-bit value, as spec.md §4.7 requires ("seeding a 64-bit value at
// init").
func NewManager() (*Manager, error) {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return nil, fmt.Errorf("ptp: seed clock identifier: %w", err)
	}
	return &Manager{
		clockIdentifier: binary.BigEndian.Uint64(buf[:]),
		slaves:          make(map[SlaveID]net.Addr),
	}, nil
}

// ClockIdentifier is the process-wide 64-bit identifier embedded in setup
// plists for PTP-mode master sessions.
func (m *Manager) ClockIdentifier() uint64 {
	return m.clockIdentifier
}

// SlaveAdd registers a new PTP slave instance for addr and returns its id.
func (m *Manager) SlaveAdd(addr net.Addr) SlaveID {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	id := m.nextID
	m.slaves[id] = addr
	return id
}

// SlaveRemove tears down a previously added slave instance. Removing an
// unknown id is a no-op, matching the teacher's idempotent-teardown style.
func (m *Manager) SlaveRemove(id SlaveID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.slaves, id)
}

// SlaveAddr returns the peer address a slave id was registered with.
func (m *Manager) SlaveAddr(id SlaveID) (net.Addr, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	addr, ok := m.slaves[id]
	return addr, ok
}

// SlaveCount returns how many slave instances are currently active, for
// tests/metrics.
func (m *Manager) SlaveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.slaves)
}

// BindPrivilegedPorts binds the PTP event (319) and general (320) UDP
// ports with SO_REUSEADDR, so a later restart (or a second process
// briefly overlapping during a restart) does not fail to bind — this
// must happen before the process drops privileges, per spec.md §4.7.
func BindPrivilegedPorts() (event, general *net.UDPConn, err error) {
	event, err = bindReusableUDP(319)
	if err != nil {
		return nil, nil, fmt.Errorf("ptp: bind event port 319: %w", err)
	}
	general, err = bindReusableUDP(320)
	if err != nil {
		event.Close()
		return nil, nil, fmt.Errorf("ptp: bind general port 320: %w", err)
	}
	return event, general, nil
}

func bindReusableUDP(port int) (*net.UDPConn, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_DGRAM, unix.IPPROTO_UDP)
	if err != nil {
		return nil, err
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return nil, err
	}
	sa := &unix.SockaddrInet4{Port: port}
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return nil, err
	}

	f := os.NewFile(uintptr(fd), fmt.Sprintf("ptp-%d", port))
	conn, err := net.FilePacketConn(f)
	f.Close()
	if err != nil {
		return nil, err
	}
	udpConn, ok := conn.(*net.UDPConn)
	if !ok {
		conn.Close()
		return nil, fmt.Errorf("ptp: unexpected conn type for port %d", port)
	}
	return udpConn, nil
}
