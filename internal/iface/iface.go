// Package iface maintains a live, periodically refreshed view of the host's
// network interfaces: their names, link-layer addresses, and link-local IPv6
// addresses.  It is the only part of ftthd that talks to the netlink
// collaborator for interface discovery.
package iface

import (
	"net"
	"net/netip"
)

// ID is an opaque network interface index.  The zero value, [Unspecified],
// means "any" or "the system default" depending on context.
type ID int

// Unspecified is the distinguished interface ID meaning "any/system default".
const Unspecified ID = 0

// Interface is an immutable snapshot of a network interface's identity.
type Interface struct {
	Name string
	ID   ID
}

// Snapshot is one immutable, internally consistent view of the host's
// interfaces, as assembled by a single cache refresh pass.
type Snapshot struct {
	byID   map[ID]Interface
	byName map[string]ID
	// linkLocal maps an interface ID to its link-local IPv6 addresses, in the
	// order reported by the kernel.  The first entry is used as the source
	// address for outbound mirrored packets.
	linkLocal map[ID][]netip.Addr
	// hwAddr maps an interface ID to its link-layer (MAC) address.
	hwAddr map[ID]net.HardwareAddr
}

// newSnapshot returns an empty, ready to populate Snapshot.
func newSnapshot() *Snapshot {
	return &Snapshot{
		byID:      map[ID]Interface{},
		byName:    map[string]ID{},
		linkLocal: map[ID][]netip.Addr{},
		hwAddr:    map[ID]net.HardwareAddr{},
	}
}

// ByID returns the interface with the given id.
func (s *Snapshot) ByID(id ID) (ifc Interface, ok bool) {
	ifc, ok = s.byID[id]

	return ifc, ok
}

// ByName returns the interface with the given name.
func (s *Snapshot) ByName(name string) (ifc Interface, ok bool) {
	id, ok := s.byName[name]
	if !ok {
		return Interface{}, false
	}

	return s.ByID(id)
}

// LinkLocal returns the full, ordered list of link-local IPv6 addresses
// configured on id.
func (s *Snapshot) LinkLocal(id ID) (addrs []netip.Addr) {
	return s.linkLocal[id]
}

// FirstLinkLocal returns the first link-local IPv6 address configured on id,
// the one used as the source address for packets ftthd mirrors out of id.
func (s *Snapshot) FirstLinkLocal(id ID) (addr netip.Addr, ok bool) {
	addrs := s.linkLocal[id]
	if len(addrs) == 0 {
		return netip.Addr{}, false
	}

	return addrs[0], true
}

// HardwareAddr returns the link-layer address of id, if known.
func (s *Snapshot) HardwareAddr(id ID) (hw net.HardwareAddr, ok bool) {
	hw, ok = s.hwAddr[id]

	return hw, ok
}

// IDs returns every interface ID known to the snapshot, in no particular
// order.
func (s *Snapshot) IDs() (ids []ID) {
	ids = make([]ID, 0, len(s.byID))
	for id := range s.byID {
		ids = append(ids, id)
	}

	return ids
}
