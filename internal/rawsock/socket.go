// Package rawsock wraps the single raw ICMPv6 socket ftthd uses for all
// NDP/MLD I/O and for programming the kernel's IPv6 multicast-routing
// session.
package rawsock

import (
	"fmt"
	"net"
	"net/netip"

	"github.com/AdguardTeam/golibs/errors"
	"github.com/ftthd/ftthd/internal/icmp6"
	"golang.org/x/net/icmp"
	"golang.org/x/net/ipv6"
)

// Socket is the one AF_INET6/SOCK_RAW/IPPROTO_ICMPV6 socket ftthd opens.  Its
// zero value is not usable; use [Listen].
type Socket struct {
	raw *icmp.PacketConn
	pc6 *ipv6.PacketConn
}

// Listen opens the raw ICMPv6 socket, unbound to any particular address (so
// it can send and receive on every configured interface).
func Listen() (s *Socket, err error) {
	raw, err := icmp.ListenPacket("ip6:ipv6-icmp", "::")
	if err != nil {
		return nil, fmt.Errorf("opening raw icmpv6 socket: %w", err)
	}

	return &Socket{raw: raw, pc6: raw.IPv6PacketConn()}, nil
}

// Close releases the socket.  Closing the descriptor implicitly tears down
// the kernel's MRT6 session, so an explicit MRT6_DONE isn't required on this
// path.
func (s *Socket) Close() (err error) {
	return s.raw.Close()
}

// File descriptor access for MRT6 and other setsockopt calls x/net/ipv6
// doesn't expose.
func (s *Socket) control(f func(fd uintptr) error) (err error) {
	sc, err := s.raw.IPv6PacketConn().SyscallConn()
	if err != nil {
		return fmt.Errorf("getting syscall conn: %w", err)
	}

	var controlErr error
	err = sc.Control(func(fd uintptr) {
		controlErr = f(fd)
	})
	if err != nil {
		return fmt.Errorf("control: %w", err)
	}

	return controlErr
}

// SetRecvPacketInfo toggles IPV6_RECVPKTINFO.
func (s *Socket) SetRecvPacketInfo(on bool) (err error) {
	return s.pc6.SetControlMessage(ipv6.FlagDst|ipv6.FlagInterface, on)
}

// SetRecvHopLimit toggles IPV6_RECVHOPLIMIT.
func (s *Socket) SetRecvHopLimit(on bool) (err error) {
	return s.pc6.SetControlMessage(ipv6.FlagHopLimit, on)
}

// SetRecvHopOpts toggles IPV6_RECVHOPOPTS.
func (s *Socket) SetRecvHopOpts(on bool) (err error) {
	return s.pc6.SetControlMessage(ipv6.FlagHopByHop, on)
}

// SetMulticastLoopback toggles IPV6_MULTICAST_LOOP.
func (s *Socket) SetMulticastLoopback(on bool) (err error) {
	return s.pc6.SetMulticastLoopback(on)
}

// SetMulticastAll toggles IPV6_MULTICAST_ALL.
func (s *Socket) SetMulticastAll(on bool) (err error) {
	return s.control(func(fd uintptr) error { return setsockoptBool(fd, optMulticastAll, on) })
}

// SetAutoFlowlabel toggles IPV6_AUTOFLOWLABEL.
func (s *Socket) SetAutoFlowlabel(on bool) (err error) {
	return s.control(func(fd uintptr) error { return setsockoptBool(fd, optAutoflowlabel, on) })
}

// SetUnicastHops sets IPV6_UNICAST_HOPS.
func (s *Socket) SetUnicastHops(hops int) (err error) {
	return s.pc6.SetHopLimit(hops)
}

// SetMulticastHops sets IPV6_MULTICAST_HOPS.
func (s *Socket) SetMulticastHops(hops int) (err error) {
	return s.pc6.SetMulticastHopLimit(hops)
}

// SetRouterAlert sets the IPV6_ROUTER_ALERT socket option to value.
func (s *Socket) SetRouterAlert(value int) (err error) {
	return s.control(func(fd uintptr) error { return setsockoptInt(fd, optRouterAlert, value) })
}

// JoinMulticast joins group on ifIndex (IPV6_ADD_MEMBERSHIP).
func (s *Socket) JoinMulticast(group netip.Addr, ifIndex int) (err error) {
	ifi, err := net.InterfaceByIndex(ifIndex)
	if err != nil {
		return fmt.Errorf("resolving interface %d: %w", ifIndex, err)
	}

	return s.pc6.JoinGroup(ifi, &net.UDPAddr{IP: group.AsSlice()})
}

// LeaveMulticast leaves group on ifIndex (IPV6_DROP_MEMBERSHIP).  ifIndex may
// be [iface.Unspecified] (0), in which case the kernel drops the membership
// on whichever interface it was joined on.
func (s *Socket) LeaveMulticast(group netip.Addr, ifIndex int) (err error) {
	var ifi *net.Interface
	if ifIndex != 0 {
		ifi, err = net.InterfaceByIndex(ifIndex)
		if err != nil {
			return fmt.Errorf("resolving interface %d: %w", ifIndex, err)
		}
	}

	return s.pc6.LeaveGroup(ifi, &net.UDPAddr{IP: group.AsSlice()})
}

// errShortRead is returned when the kernel hands back a vanishingly small
// datagram that can't possibly carry a valid ICMPv6 header.
const errShortRead errors.Error = "rawsock: short read"

// Recv blocks until a datagram arrives and populates p.
func (s *Socket) Recv(p *icmp6.Packet) (err error) {
	if len(p.Data) == 0 {
		p.Data = make([]byte, 65536)
	}

	n, cm, peer, err := s.pc6.ReadFrom(p.Data)
	if err != nil {
		return fmt.Errorf("reading: %w", err)
	}
	if n < 4 {
		return errShortRead
	}

	p.N = n

	if udpAddr, ok := peer.(*net.UDPAddr); ok {
		if addr, ok := netip.AddrFromSlice(udpAddr.IP); ok {
			p.TargetAddr = addr.Unmap()
		}
	}

	p.Info = nil
	p.HopLimit = nil
	p.HopByHop = nil

	if cm != nil {
		if len(cm.Dst) > 0 {
			if addr, ok := netip.AddrFromSlice(cm.Dst); ok {
				p.Info = &icmp6.PacketInfo{IfIndex: cm.IfIndex, Addr: addr.Unmap()}
			}
		}

		if cm.HopLimit != 0 {
			hl := cm.HopLimit
			p.HopLimit = &hl
		}

		if len(cm.HopOpts) > 0 {
			p.HopByHop = append([]byte(nil), cm.HopOpts...)
		}
	}

	return nil
}

// Send transmits p.  If p.Info, p.HopLimit, or p.HopByHop is set, the
// corresponding ancillary data is attached.
func (s *Socket) Send(p *icmp6.Packet) (err error) {
	cm := &ipv6.ControlMessage{}

	if p.Info != nil {
		cm.Src = p.Info.Addr.AsSlice()
		cm.IfIndex = p.Info.IfIndex
	}

	if p.HopLimit != nil {
		cm.HopLimit = *p.HopLimit
	}

	if len(p.HopByHop) > 0 {
		cm.HopOpts = p.HopByHop
	}

	dst := &net.UDPAddr{IP: p.TargetAddr.AsSlice()}

	_, err = s.pc6.WriteTo(p.Payload(), cm, dst)
	if err != nil {
		return fmt.Errorf("writing: %w", err)
	}

	return nil
}
