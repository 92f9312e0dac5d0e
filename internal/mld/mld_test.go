package mld

import (
	"net/netip"
	"testing"
	"time"

	"github.com/AdguardTeam/golibs/logutil/slogutil"
	"github.com/ftthd/ftthd/internal/iface"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testLogger = slogutil.NewDiscardLogger()

// fakeSocket records every multicast-routing call issued by the manager.
type fakeSocket struct {
	vifsAdded   []vifCall
	vifsRemoved []uint16
	added       []mrouteCall
	removed     []mrouteCall
}

type vifCall struct {
	vifID   uint16
	ifIndex int
}

type mrouteCall struct {
	group   netip.Addr
	source  netip.Addr
	outputs []uint16
	parent  uint16
}

// MulticastAddVif implements the [Socket] interface for *fakeSocket.
func (s *fakeSocket) MulticastAddVif(vifID uint16, ifIndex int) (err error) {
	s.vifsAdded = append(s.vifsAdded, vifCall{vifID: vifID, ifIndex: ifIndex})

	return nil
}

// MulticastDelVif implements the [Socket] interface for *fakeSocket.
func (s *fakeSocket) MulticastDelVif(vifID uint16) (err error) {
	s.vifsRemoved = append(s.vifsRemoved, vifID)

	return nil
}

// MulticastAddMroute implements the [Socket] interface for *fakeSocket.
func (s *fakeSocket) MulticastAddMroute(
	parentVif uint16,
	outputVifs []uint16,
	group netip.Addr,
	source netip.Addr,
) (err error) {
	s.added = append(s.added, mrouteCall{
		parent:  parentVif,
		outputs: append([]uint16(nil), outputVifs...),
		group:   group,
		source:  source,
	})

	return nil
}

// MulticastDelMroute implements the [Socket] interface for *fakeSocket.
func (s *fakeSocket) MulticastDelMroute(
	parentVif uint16,
	group netip.Addr,
	source netip.Addr,
) (err error) {
	s.removed = append(s.removed, mrouteCall{parent: parentVif, group: group, source: source})

	return nil
}

// newTestManager builds a manager bridging eth0 (upstream, index 1) and
// eth1/eth2 (downstreams, indexes 2 and 3).
func newTestManager(t *testing.T) (m *Manager, sock *fakeSocket) {
	t.Helper()

	sock = &fakeSocket{}

	m, err := New(
		testLogger,
		sock,
		iface.Interface{ID: 1, Name: "eth0"},
		[]iface.Interface{{ID: 2, Name: "eth1"}, {ID: 3, Name: "eth2"}},
	)
	require.NoError(t, err)

	return m, sock
}

func TestNew_vifAssignment(t *testing.T) {
	t.Parallel()

	_, sock := newTestManager(t)

	require.Len(t, sock.vifsAdded, 3)
	assert.Equal(t, vifCall{vifID: 1, ifIndex: 1}, sock.vifsAdded[0])
	assert.Equal(t, vifCall{vifID: 2, ifIndex: 2}, sock.vifsAdded[1])
	assert.Equal(t, vifCall{vifID: 3, ifIndex: 3}, sock.vifsAdded[2])
}

func TestManager_AddSubscription(t *testing.T) {
	group := netip.MustParseAddr("ff38::1234")
	srcA := netip.MustParseAddr("2001:db8::a")
	srcB := netip.MustParseAddr("2001:db8::b")

	t.Run("sourced", func(t *testing.T) {
		m, sock := newTestManager(t)

		err := m.AddSubscription(2, group, []netip.Addr{srcA, srcB})
		require.NoError(t, err)

		require.Len(t, sock.added, 2)
		for _, call := range sock.added {
			assert.Equal(t, uint16(1), call.parent)
			assert.Equal(t, []uint16{2}, call.outputs)
			assert.Equal(t, group, call.group)
		}

		assert.ElementsMatch(t, []netip.Addr{srcA, srcB}, []netip.Addr{sock.added[0].source, sock.added[1].source})
	})

	t.Run("wildcard", func(t *testing.T) {
		m, sock := newTestManager(t)

		err := m.AddSubscription(2, group, nil)
		require.NoError(t, err)

		require.Len(t, sock.added, 1)
		assert.Equal(t, netip.IPv6Unspecified(), sock.added[0].source)
	})

	t.Run("second_interface_widens_oifs", func(t *testing.T) {
		m, sock := newTestManager(t)

		require.NoError(t, m.AddSubscription(2, group, nil))
		require.NoError(t, m.AddSubscription(3, group, nil))

		require.Len(t, sock.added, 2)
		assert.ElementsMatch(t, []uint16{2, 3}, sock.added[1].outputs)
	})
}

func TestManager_AddSubscription_idempotent(t *testing.T) {
	group := netip.MustParseAddr("ff38::1234")

	m, sock := newTestManager(t)

	require.NoError(t, m.AddSubscription(2, group, nil))
	first := m.subscriptions[key{ifID: 2, group: group}].timestamp

	require.NoError(t, m.AddSubscription(2, group, nil))

	assert.Equal(t, first, m.subscriptions[key{ifID: 2, group: group}].timestamp)
	assert.Len(t, sock.added, 1)
}

func TestManager_RemoveOldSubscriptions(t *testing.T) {
	group := netip.MustParseAddr("ff38::1234")
	srcA := netip.MustParseAddr("2001:db8::a")

	t.Run("expired_sourced", func(t *testing.T) {
		m, sock := newTestManager(t)

		require.NoError(t, m.AddSubscription(2, group, []netip.Addr{srcA}))

		base := now()
		now = func() (t time.Time) { return base.Add(301 * time.Second) }
		t.Cleanup(func() { now = time.Now })

		m.RemoveOldSubscriptions(300 * time.Second)

		assert.Empty(t, m.subscriptions)

		// One per-source delete plus the best-effort wildcard delete.
		require.Len(t, sock.removed, 2)
		assert.Equal(t, srcA, sock.removed[0].source)
		assert.Equal(t, netip.IPv6Unspecified(), sock.removed[1].source)
	})

	t.Run("survivor_reinstalled", func(t *testing.T) {
		m, sock := newTestManager(t)

		require.NoError(t, m.AddSubscription(2, group, nil))

		base := now()
		now = func() (t time.Time) { return base.Add(301 * time.Second) }
		require.NoError(t, m.AddSubscription(3, group, nil))
		t.Cleanup(func() { now = time.Now })

		m.RemoveOldSubscriptions(300 * time.Second)

		// eth1's stale entry expired; eth2's fresh one must have been
		// reinstalled with the shrunken output set.
		require.Len(t, m.subscriptions, 1)

		last := sock.added[len(sock.added)-1]
		assert.Equal(t, []uint16{3}, last.outputs)
	})

	t.Run("fresh_kept", func(t *testing.T) {
		m, sock := newTestManager(t)

		require.NoError(t, m.AddSubscription(2, group, nil))
		m.RemoveOldSubscriptions(300 * time.Second)

		assert.Len(t, m.subscriptions, 1)
		assert.Empty(t, sock.removed)
	})
}

func TestManager_aggregation(t *testing.T) {
	groupA := netip.MustParseAddr("ff38::1234")
	groupB := netip.MustParseAddr("ff38::5678")
	srcA := netip.MustParseAddr("2001:db8::a")
	srcB := netip.MustParseAddr("2001:db8::b")

	m, _ := newTestManager(t)

	require.NoError(t, m.AddSubscription(2, groupA, []netip.Addr{srcA}))
	require.NoError(t, m.AddSubscription(3, groupA, []netip.Addr{srcB}))
	require.NoError(t, m.AddSubscription(2, groupB, nil))

	assert.ElementsMatch(t, []netip.Addr{groupA, groupB}, m.GetGroups())
	assert.ElementsMatch(t, []netip.Addr{srcA, srcB}, m.GetSourceAddresses(groupA))
	assert.Empty(t, m.GetSourceAddresses(groupB))
}
