// Package mld implements the MLD subscription manager: it tracks which
// downstream interfaces are subscribed to which multicast groups and
// sources, and keeps the kernel's multicast forwarding cache in sync with
// that state.
package mld

import (
	"fmt"
	"log/slog"
	"net/netip"
	"sync"
	"time"

	"github.com/ftthd/ftthd/internal/iface"
	"github.com/ftthd/ftthd/internal/metrics"
)

// Socket is the subset of the raw-socket surface the manager programs the
// kernel's multicast-routing state through.
type Socket interface {
	MulticastAddVif(vifID uint16, ifIndex int) (err error)
	MulticastDelVif(vifID uint16) (err error)
	MulticastAddMroute(
		parentVif uint16,
		outputVifs []uint16,
		group netip.Addr,
		source netip.Addr,
	) (err error)
	MulticastDelMroute(parentVif uint16, group netip.Addr, source netip.Addr) (err error)
}

// DefaultTimeout is the subscription expiry window used by the forwarding
// engine for MulticastListenerQuery handling.
const DefaultTimeout = 300 * time.Second

// key identifies a subscription by its arrival interface and group.
type key struct {
	ifID  iface.ID
	group netip.Addr
}

// subscription is one (interface, group) entry.
type subscription struct {
	sources   map[netip.Addr]struct{}
	timestamp time.Time
}

// Manager owns the MLD subscription table and the VIF assignment for the
// kernel's multicast-routing session.  It is owned by the forwarding
// engine's goroutine; the mutex only guards reads from auxiliary tools.
type Manager struct {
	logger *slog.Logger
	sock   Socket

	mu            sync.Mutex
	subscriptions map[key]*subscription
	vifs          map[iface.ID]uint16
	lastVifID     uint16
	upstream      iface.ID
}

// New constructs a Manager and assigns VIF 1 to upstream and VIFs 2..N+1 to
// downstreams, installing each via MRT6_ADD_MIF.
func New(
	logger *slog.Logger,
	sock Socket,
	upstream iface.Interface,
	downstreams []iface.Interface,
) (m *Manager, err error) {
	m = &Manager{
		logger:        logger,
		sock:          sock,
		subscriptions: map[key]*subscription{},
		vifs:          map[iface.ID]uint16{},
		upstream:      upstream.ID,
	}

	if err = m.addVif(upstream); err != nil {
		return nil, fmt.Errorf("mld: installing upstream vif: %w", err)
	}

	for _, d := range downstreams {
		if err = m.addVif(d); err != nil {
			return nil, fmt.Errorf("mld: installing downstream vif for %s: %w", d.Name, err)
		}
	}

	return m, nil
}

func (m *Manager) addVif(ifc iface.Interface) (err error) {
	m.lastVifID++
	vifID := m.lastVifID

	if err = m.sock.MulticastAddVif(vifID, int(ifc.ID)); err != nil {
		return err
	}

	m.vifs[ifc.ID] = vifID

	return nil
}

// upstreamVif returns the VIF id assigned to the upstream interface.
func (m *Manager) upstreamVif() (vifID uint16) {
	return m.vifs[m.upstream]
}

// AddSubscription records a subscription for (ifID, group, sources) and
// recomputes the MFC entries for group across every subscribed interface.
// If (ifID, group) already has a live subscription, this is a no-op;
// re-reports from an already-known subscriber do not extend its timeout.
func (m *Manager) AddSubscription(ifID iface.ID, group netip.Addr, sources []netip.Addr) (err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := key{ifID: ifID, group: group}
	if existing, ok := m.subscriptions[k]; ok && !existing.timestamp.IsZero() {
		return nil
	}

	set := make(map[netip.Addr]struct{}, len(sources))
	for _, s := range sources {
		set[s] = struct{}{}
	}

	m.subscriptions[k] = &subscription{sources: set, timestamp: now()}
	metrics.MLDSubscriptions.Set(float64(len(m.subscriptions)))

	return m.reinstallGroup(group)
}

// reinstallGroup recomputes the union of sources and the set of subscribed
// output VIFs for group across every interface and replaces the MFC
// entries.  Callers must hold mu.
func (m *Manager) reinstallGroup(group netip.Addr) (err error) {
	outputs, sources := m.groupState(group)
	if len(outputs) == 0 {
		return nil
	}

	parent := m.upstreamVif()

	if len(sources) == 0 {
		if err = m.sock.MulticastAddMroute(parent, outputs, group, netip.IPv6Unspecified()); err != nil {
			m.logger.Error("installing wildcard mfc entry", "group", group, "error", err)
		} else {
			metrics.MFCEntriesInstalled.Inc()
		}

		return nil
	}

	for src := range sources {
		if err = m.sock.MulticastAddMroute(parent, outputs, group, src); err != nil {
			m.logger.Error("installing mfc entry", "group", group, "source", src, "error", err)
		} else {
			metrics.MFCEntriesInstalled.Inc()
		}
	}

	return nil
}

// groupState aggregates, across every subscription to group, the set of
// output VIFs and the union of recorded sources.  Callers must hold mu.
func (m *Manager) groupState(group netip.Addr) (outputs []uint16, sources map[netip.Addr]struct{}) {
	sources = map[netip.Addr]struct{}{}
	seen := map[uint16]struct{}{}

	for k, sub := range m.subscriptions {
		if k.group != group {
			continue
		}

		vifID, ok := m.vifs[k.ifID]
		if !ok {
			continue
		}

		if _, dup := seen[vifID]; !dup {
			seen[vifID] = struct{}{}
			outputs = append(outputs, vifID)
		}

		for s := range sub.sources {
			sources[s] = struct{}{}
		}
	}

	return outputs, sources
}

// RemoveOldSubscriptions expires every subscription whose age exceeds
// timeout, deleting its MFC entries and reinstalling the shrunken oif set
// for its group so remaining subscribers stay reachable.
func (m *Manager) RemoveOldSubscriptions(timeout time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := now().Add(-timeout)
	affected := map[netip.Addr]struct{}{}

	for k, sub := range m.subscriptions {
		if sub.timestamp.After(cutoff) {
			continue
		}

		m.deleteGroupRoutes(k.group, sub)
		delete(m.subscriptions, k)
		affected[k.group] = struct{}{}
	}

	metrics.MLDSubscriptions.Set(float64(len(m.subscriptions)))

	for group := range affected {
		if err := m.reinstallGroup(group); err != nil {
			m.logger.Error("reinstalling mfc after expiry", "group", group, "error", err)
		}
	}
}

// deleteGroupRoutes removes the MFC entries sub contributed to group.
// Callers must hold mu.
func (m *Manager) deleteGroupRoutes(group netip.Addr, sub *subscription) {
	parent := m.upstreamVif()

	if len(sub.sources) == 0 {
		if err := m.sock.MulticastDelMroute(parent, group, netip.IPv6Unspecified()); err != nil {
			m.logger.Debug("deleting wildcard mfc entry", "group", group, "error", err)
		} else {
			metrics.MFCEntriesRemoved.Inc()
		}

		return
	}

	for src := range sub.sources {
		if err := m.sock.MulticastDelMroute(parent, group, src); err != nil {
			m.logger.Debug("deleting mfc entry", "group", group, "source", src, "error", err)
		} else {
			metrics.MFCEntriesRemoved.Inc()
		}
	}

	// Best-effort: a subscriber with mixed history (sourced, then sourceless)
	// may have left a wildcard entry behind too.
	if err := m.sock.MulticastDelMroute(parent, group, netip.IPv6Unspecified()); err != nil {
		m.logger.Debug("deleting residual wildcard mfc entry", "group", group, "error", err)
	}
}

// GetGroups returns every multicast group with at least one live
// subscription.
func (m *Manager) GetGroups() (groups []netip.Addr) {
	m.mu.Lock()
	defer m.mu.Unlock()

	seen := map[netip.Addr]struct{}{}
	for k := range m.subscriptions {
		if _, ok := seen[k.group]; !ok {
			seen[k.group] = struct{}{}
			groups = append(groups, k.group)
		}
	}

	return groups
}

// GetSourceAddresses returns the union of sources recorded for group across
// every subscribed interface.
func (m *Manager) GetSourceAddresses(group netip.Addr) (sources []netip.Addr) {
	m.mu.Lock()
	defer m.mu.Unlock()

	_, set := m.groupState(group)
	sources = make([]netip.Addr, 0, len(set))
	for s := range set {
		sources = append(sources, s)
	}

	return sources
}

// now is overridden in tests.
var now = time.Now
