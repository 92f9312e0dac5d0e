// Package ndpmc implements the NDP multicast manager: it tracks which
// solicited-node multicast addresses have been heard on which interfaces
// and mirrors the corresponding kernel group memberships onto every other
// configured interface, so proxy NDP can deliver neighbor solicitations
// from any side of the bridge.
package ndpmc

import (
	"log/slog"
	"net/netip"
	"sync"
	"time"

	"github.com/ftthd/ftthd/internal/iface"
	"github.com/ftthd/ftthd/internal/metrics"
)

// solicitedNodePrefix is ff02::1:ff00:0, the upper 104 bits shared by every
// solicited-node multicast address.
var solicitedNodePrefix = netip.MustParseAddr("ff02::1:ff00:0")

// IsSolicitedNode reports whether addr's upper 104 bits equal
// ff02::1:ff00:0.
func IsSolicitedNode(addr netip.Addr) (ok bool) {
	if !addr.Is6() {
		return false
	}

	a := addr.As16()
	p := solicitedNodePrefix.As16()

	if a[0] != p[0] || a[1] != p[1] {
		return false
	}

	// Bytes 2..12 must match exactly; bytes 13..15 are the wildcard low 24
	// bits, so only the first byte of the last 4 needs the 0xff high nibble
	// pair check already implied by p[12] == 0xff.
	for i := 2; i < 13; i++ {
		if a[i] != p[i] {
			return false
		}
	}

	return true
}

// Socket is the subset of [rawsock.Handle] the manager needs.
type Socket interface {
	JoinMulticast(group netip.Addr, ifIndex int) (err error)
	LeaveMulticast(group netip.Addr, ifIndex int) (err error)
}

// entry is one (address, arrival interface) observation.
type entry struct {
	timestamp time.Time
}

// Manager tracks solicited-node address observations per interface.  Like
// [mld.Manager], it is owned solely by the forwarding engine's goroutine
// and needs no internal synchronisation for that access pattern; the mutex
// here exists only to make reads from auxiliary tools safe.
type Manager struct {
	logger *slog.Logger
	sock   Socket

	mu        sync.Mutex
	byAddr    map[netip.Addr]map[iface.ID]*entry
	allIfaces func() []iface.Interface
}

// New constructs a Manager.  allIfaces must return every configured
// interface (upstream and downstreams) at call time, so joins can be
// mirrored onto interfaces added after construction.
func New(logger *slog.Logger, sock Socket, allIfaces func() []iface.Interface) (m *Manager) {
	return &Manager{
		logger:    logger,
		sock:      sock,
		byAddr:    map[netip.Addr]map[iface.ID]*entry{},
		allIfaces: allIfaces,
	}
}

// AddSubscription records that addr was heard on arrivalIf.  If this is the
// first observation of addr on that interface, the manager joins addr on
// every other configured interface.
func (m *Manager) AddSubscription(addr netip.Addr, arrivalIf iface.ID) {
	m.mu.Lock()
	defer m.mu.Unlock()

	perIf, ok := m.byAddr[addr]
	if !ok {
		perIf = map[iface.ID]*entry{}
		m.byAddr[addr] = perIf
	}

	if _, ok = perIf[arrivalIf]; ok {
		perIf[arrivalIf].timestamp = time.Now()

		return
	}

	perIf[arrivalIf] = &entry{timestamp: time.Now()}

	for _, ifc := range m.allIfaces() {
		if ifc.ID == arrivalIf {
			continue
		}

		if err := m.sock.JoinMulticast(addr, int(ifc.ID)); err != nil {
			m.logger.Error(
				"joining solicited-node multicast group",
				"address", addr, "interface", ifc.Name, "error", err,
			)
		} else {
			metrics.NDPMulticastJoins.Inc()
		}
	}
}

// RemoveOldSubscriptions expires observations older than timeout.  When the
// last interface for an address falls out, the manager leaves the
// multicast group on the unspecified interface, letting the kernel tear
// down whichever membership it was holding.
func (m *Manager) RemoveOldSubscriptions(timeout time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := time.Now().Add(-timeout)

	for addr, perIf := range m.byAddr {
		for ifID, e := range perIf {
			if e.timestamp.After(cutoff) {
				continue
			}

			delete(perIf, ifID)
		}

		if len(perIf) == 0 {
			delete(m.byAddr, addr)

			if err := m.sock.LeaveMulticast(addr, int(iface.Unspecified)); err != nil {
				m.logger.Error("leaving solicited-node multicast group", "address", addr, "error", err)
			} else {
				metrics.NDPMulticastLeaves.Inc()
			}
		}
	}
}
