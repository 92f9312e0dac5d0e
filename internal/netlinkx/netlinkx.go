// Package netlinkx is a thin collaborator wrapper around a netlink client
// library.  It carries no forwarding or protocol logic of its own; it only
// translates ftthd's needs (link lookup, link-local address listing, route
// and proxy-neighbor programming) into calls on a real netlink
// implementation.
package netlinkx

import (
	"fmt"
	"net"
	"net/netip"

	"github.com/vishvananda/netlink"
)

// Scope selects which IPv6 addresses [Client.AddrGetV6] returns.
type Scope int

// Supported address scopes.
const (
	ScopeGlobal Scope = iota
	ScopeLinkLocal
)

// Link is the subset of link attributes ftthd cares about.
type Link struct {
	Name  string
	Index int
}

// Client is the netlink collaborator surface used throughout ftthd.
type Client interface {
	// LinkGetAll returns every network interface known to the kernel.
	LinkGetAll() (links []Link, err error)
	// LinkGet returns the interface with the given index.
	LinkGet(index int) (link Link, err error)
	// LinkGetByName returns the interface with the given name.
	LinkGetByName(name string) (link Link, err error)
	// LinkLayerAddress returns the link-layer (MAC) address of index.
	LinkLayerAddress(index int) (hw net.HardwareAddr, err error)
	// SetAllMulticastMode enables or disables all-multicast mode on index.
	SetAllMulticastMode(index int, on bool) (err error)

	// AddrGetV6 returns the IPv6 addresses of the given scope configured on
	// index.
	AddrGetV6(index int, scope Scope) (addrs []netip.Addr, err error)

	// RouteAddV6 installs a /prefixLen route to dst via ifIndex.  A nil
	// gateway means a directly-connected (on-link) route.
	RouteAddV6(ifIndex int, dst netip.Addr, prefixLen int, gateway *netip.Addr) (err error)
	// RouteDeleteV6 removes a previously installed route.  It is expected to
	// fail, harmlessly, when no matching route exists.
	RouteDeleteV6(ifIndex int, dst netip.Addr, prefixLen int, gateway *netip.Addr) (err error)

	// NeighProxyAdd installs a proxy-NDP entry for ip on ifIndex.
	NeighProxyAdd(ifIndex int, ip netip.Addr) (err error)
	// NeighProxyDelete removes a proxy-NDP entry for ip on ifIndex.  It is
	// expected to fail, harmlessly, when no matching entry exists.
	NeighProxyDelete(ifIndex int, ip netip.Addr) (err error)
}

// client is the [Client] implementation backed by
// github.com/vishvananda/netlink.
type client struct{}

// New returns the default, kernel-backed netlink [Client].
func New() Client {
	return client{}
}

// type check
var _ Client = client{}

// LinkGetAll implements the [Client] interface for client.
func (client) LinkGetAll() (links []Link, err error) {
	list, err := netlink.LinkList()
	if err != nil {
		return nil, fmt.Errorf("listing links: %w", err)
	}

	links = make([]Link, 0, len(list))
	for _, l := range list {
		attrs := l.Attrs()
		links = append(links, Link{Name: attrs.Name, Index: attrs.Index})
	}

	return links, nil
}

// LinkGet implements the [Client] interface for client.
func (client) LinkGet(index int) (link Link, err error) {
	l, err := netlink.LinkByIndex(index)
	if err != nil {
		return Link{}, fmt.Errorf("getting link %d: %w", index, err)
	}

	attrs := l.Attrs()

	return Link{Name: attrs.Name, Index: attrs.Index}, nil
}

// LinkGetByName implements the [Client] interface for client.
func (client) LinkGetByName(name string) (link Link, err error) {
	l, err := netlink.LinkByName(name)
	if err != nil {
		return Link{}, fmt.Errorf("getting link %q: %w", name, err)
	}

	attrs := l.Attrs()

	return Link{Name: attrs.Name, Index: attrs.Index}, nil
}

// LinkLayerAddress implements the [Client] interface for client.
func (client) LinkLayerAddress(index int) (hw net.HardwareAddr, err error) {
	l, err := netlink.LinkByIndex(index)
	if err != nil {
		return nil, fmt.Errorf("getting link %d: %w", index, err)
	}

	return l.Attrs().HardwareAddr, nil
}

// SetAllMulticastMode implements the [Client] interface for client.
func (client) SetAllMulticastMode(index int, on bool) (err error) {
	l, err := netlink.LinkByIndex(index)
	if err != nil {
		return fmt.Errorf("getting link %d: %w", index, err)
	}

	if on {
		err = netlink.LinkSetAllmulticastOn(l)
	} else {
		err = netlink.LinkSetAllmulticastOff(l)
	}
	if err != nil {
		return fmt.Errorf("setting allmulticast on %d: %w", index, err)
	}

	return nil
}

// AddrGetV6 implements the [Client] interface for client.
func (client) AddrGetV6(index int, scope Scope) (addrs []netip.Addr, err error) {
	l, err := netlink.LinkByIndex(index)
	if err != nil {
		return nil, fmt.Errorf("getting link %d: %w", index, err)
	}

	list, err := netlink.AddrList(l, netlink.FAMILY_V6)
	if err != nil {
		return nil, fmt.Errorf("listing addresses of %d: %w", index, err)
	}

	for _, a := range list {
		addr, ok := netip.AddrFromSlice(a.IP)
		if !ok {
			continue
		}
		addr = addr.Unmap()

		isLL := addr.IsLinkLocalUnicast()
		if scope == ScopeLinkLocal && isLL || scope == ScopeGlobal && !isLL {
			addrs = append(addrs, addr)
		}
	}

	return addrs, nil
}

// RouteAddV6 implements the [Client] interface for client.
func (client) RouteAddV6(
	ifIndex int,
	dst netip.Addr,
	prefixLen int,
	gateway *netip.Addr,
) (err error) {
	route := routeFor(ifIndex, dst, prefixLen, gateway)

	err = netlink.RouteAdd(route)
	if err != nil {
		return fmt.Errorf("adding route to %s/%d via %d: %w", dst, prefixLen, ifIndex, err)
	}

	return nil
}

// RouteDeleteV6 implements the [Client] interface for client.
func (client) RouteDeleteV6(
	ifIndex int,
	dst netip.Addr,
	prefixLen int,
	gateway *netip.Addr,
) (err error) {
	route := routeFor(ifIndex, dst, prefixLen, gateway)

	err = netlink.RouteDel(route)
	if err != nil {
		return fmt.Errorf("deleting route to %s/%d via %d: %w", dst, prefixLen, ifIndex, err)
	}

	return nil
}

// routeFor builds the netlink route descriptor shared by add and delete.
func routeFor(ifIndex int, dst netip.Addr, prefixLen int, gateway *netip.Addr) (r *netlink.Route) {
	r = &netlink.Route{
		LinkIndex: ifIndex,
		Dst: &net.IPNet{
			IP:   dst.AsSlice(),
			Mask: net.CIDRMask(prefixLen, dst.BitLen()),
		},
	}
	if gateway != nil {
		r.Gw = gateway.AsSlice()
	}

	return r
}

// NeighProxyAdd implements the [Client] interface for client.
func (client) NeighProxyAdd(ifIndex int, ip netip.Addr) (err error) {
	n := proxyNeighFor(ifIndex, ip)

	err = netlink.NeighAdd(n)
	if err != nil {
		return fmt.Errorf("adding proxy neighbor %s on %d: %w", ip, ifIndex, err)
	}

	return nil
}

// NeighProxyDelete implements the [Client] interface for client.
func (client) NeighProxyDelete(ifIndex int, ip netip.Addr) (err error) {
	n := proxyNeighFor(ifIndex, ip)

	err = netlink.NeighDel(n)
	if err != nil {
		return fmt.Errorf("deleting proxy neighbor %s on %d: %w", ip, ifIndex, err)
	}

	return nil
}

// proxyNeighFor builds the netlink proxy-neighbor descriptor shared by add
// and delete.
func proxyNeighFor(ifIndex int, ip netip.Addr) (n *netlink.Neigh) {
	return &netlink.Neigh{
		LinkIndex: ifIndex,
		Family:    netlink.FAMILY_V6,
		Flags:     netlink.NTF_PROXY,
		IP:        ip.AsSlice(),
	}
}
