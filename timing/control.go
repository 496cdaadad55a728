package timing

import (
	"fmt"
	"net"
	"net/netip"

	"github.com/owntone-go/airplay2/rtpengine"
)

// RetransmitHandler looks up packets for a retransmit request and is
// invoked once per requested sequence number. Entries no longer in the
// session's ring are skipped and not resent — spec.md §4.5.5: "the
// protocol has no way to signal 'gone'".
type RetransmitHandler interface {
	// Get returns the packet for seqnum and whether it was found.
	Get(seqnum uint16) (rtpengine.Packet, bool)
}

// ControlService dispatches retransmit requests arriving on the control
// UDP socket to the device session matching the peer address, per
// spec.md §4.6.
type ControlService struct {
	// Sessions maps an unwrapped peer IP to its RetransmitHandler (the
	// owning device session's RTP session). Populated/depopulated by the
	// device-session lifecycle.
	Sessions map[netip.Addr]RetransmitHandler

	// OnMissing, if set, is called for each requested seqnum absent from
	// the ring (for logging/metrics); it must not block.
	OnMissing func(peer netip.Addr, seqnum uint16)
}

// NewControlService returns an empty ControlService.
func NewControlService() *ControlService {
	return &ControlService{Sessions: make(map[netip.Addr]RetransmitHandler)}
}

// HandleDatagram parses b as a control-retransmit request from peer and
// returns the wire-encoded packets to resend, in requested order. An
// ipv4-mapped ipv6 peer address is unwrapped to plain ipv4 before lookup,
// per spec.md §4.6.
func (c *ControlService) HandleDatagram(peer net.Addr, b []byte) ([][]byte, error) {
	req, ok := rtpengine.ParseControlRetransmitRequest(b)
	if !ok {
		return nil, fmt.Errorf("timing: not a control-retransmit request")
	}

	addr, err := peerAddr(peer)
	if err != nil {
		return nil, err
	}

	handler, ok := c.Sessions[addr]
	if !ok {
		return nil, fmt.Errorf("timing: no session for peer %s", addr)
	}

	var out [][]byte
	for i := uint16(0); i < req.SeqLen; i++ {
		seqnum := req.SeqStart + i
		pkt, ok := handler.Get(seqnum)
		if !ok {
			if c.OnMissing != nil {
				c.OnMissing(addr, seqnum)
			}
			continue
		}
		wire, err := pkt.Marshal()
		if err != nil {
			return nil, fmt.Errorf("timing: marshal retransmit packet %d: %w", seqnum, err)
		}
		out = append(out, wire)
	}
	return out, nil
}

func peerAddr(peer net.Addr) (netip.Addr, error) {
	udpAddr, ok := peer.(*net.UDPAddr)
	if !ok {
		addrPort, err := netip.ParseAddrPort(peer.String())
		if err != nil {
			return netip.Addr{}, fmt.Errorf("timing: unrecognised peer address %v", peer)
		}
		return addrPort.Addr().Unmap(), nil
	}
	addr, ok := netip.AddrFromSlice(udpAddr.IP)
	if !ok {
		return netip.Addr{}, fmt.Errorf("timing: invalid peer IP %v", udpAddr.IP)
	}
	return addr.Unmap(), nil
}
