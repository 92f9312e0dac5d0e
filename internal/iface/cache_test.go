package iface

import (
	"context"
	"net"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/AdguardTeam/golibs/errors"
	"github.com/AdguardTeam/golibs/logutil/slogutil"
	"github.com/AdguardTeam/golibs/testutil"
	"github.com/ftthd/ftthd/internal/netlinkx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testTimeout = 1 * time.Second

var testLogger = slogutil.NewDiscardLogger()

// fakeNetlink implements [netlinkx.Client] over a static two-interface host.
// Its failing flag makes every call return an error, for the retry path.
type fakeNetlink struct {
	mu      sync.Mutex
	failing bool
}

const errFake errors.Error = "fakeNetlink: failing"

func (c *fakeNetlink) fail() (err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.failing {
		return errFake
	}

	return nil
}

func (c *fakeNetlink) setFailing(on bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.failing = on
}

func (c *fakeNetlink) LinkGetAll() (links []netlinkx.Link, err error) {
	if err = c.fail(); err != nil {
		return nil, err
	}

	return []netlinkx.Link{{Name: "eth0", Index: 1}, {Name: "eth1", Index: 2}}, nil
}

func (c *fakeNetlink) LinkGet(index int) (link netlinkx.Link, err error) {
	return netlinkx.Link{}, errFake
}

func (c *fakeNetlink) LinkGetByName(name string) (link netlinkx.Link, err error) {
	return netlinkx.Link{}, errFake
}

func (c *fakeNetlink) LinkLayerAddress(index int) (hw net.HardwareAddr, err error) {
	if err = c.fail(); err != nil {
		return nil, err
	}

	return net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, byte(index)}, nil
}

func (c *fakeNetlink) SetAllMulticastMode(_ int, _ bool) (err error) { return nil }

func (c *fakeNetlink) AddrGetV6(index int, scope netlinkx.Scope) (addrs []netip.Addr, err error) {
	if err = c.fail(); err != nil {
		return nil, err
	}

	if scope != netlinkx.ScopeLinkLocal {
		return nil, nil
	}

	switch index {
	case 1:
		return []netip.Addr{
			netip.MustParseAddr("fe80::1"),
			netip.MustParseAddr("fe80::1:1"),
		}, nil
	default:
		return nil, nil
	}
}

func (c *fakeNetlink) RouteAddV6(_ int, _ netip.Addr, _ int, _ *netip.Addr) (err error) {
	return nil
}

func (c *fakeNetlink) RouteDeleteV6(_ int, _ netip.Addr, _ int, _ *netip.Addr) (err error) {
	return nil
}

func (c *fakeNetlink) NeighProxyAdd(_ int, _ netip.Addr) (err error)    { return nil }
func (c *fakeNetlink) NeighProxyDelete(_ int, _ netip.Addr) (err error) { return nil }

func TestCache(t *testing.T) {
	nl := &fakeNetlink{}
	c := New(nl, testLogger)

	ctx := testutil.ContextWithTimeout(t, testTimeout)
	require.NoError(t, c.Start(ctx))
	testutil.CleanupAndRequireSuccess(t, func() (err error) { return c.Shutdown(ctx) })

	snap := c.Snapshot()

	t.Run("by_id", func(t *testing.T) {
		ifc, ok := snap.ByID(1)
		require.True(t, ok)

		assert.Equal(t, Interface{ID: 1, Name: "eth0"}, ifc)

		_, ok = snap.ByID(99)
		assert.False(t, ok)
	})

	t.Run("by_name", func(t *testing.T) {
		ifc, ok := snap.ByName("eth1")
		require.True(t, ok)

		assert.Equal(t, Interface{ID: 2, Name: "eth1"}, ifc)

		_, ok = snap.ByName("wlan0")
		assert.False(t, ok)
	})

	t.Run("link_local", func(t *testing.T) {
		addr, ok := snap.FirstLinkLocal(1)
		require.True(t, ok)

		// The first kernel-reported address is the one used as the mirrored
		// packets' source.
		assert.Equal(t, netip.MustParseAddr("fe80::1"), addr)
		assert.Len(t, snap.LinkLocal(1), 2)

		_, ok = snap.FirstLinkLocal(2)
		assert.False(t, ok)
	})

	t.Run("hardware_addr", func(t *testing.T) {
		hw, ok := snap.HardwareAddr(2)
		require.True(t, ok)

		assert.Equal(t, net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x02}, hw)
	})

	t.Run("ids", func(t *testing.T) {
		assert.ElementsMatch(t, []ID{1, 2}, snap.IDs())
	})
}

func TestCache_startFailure(t *testing.T) {
	nl := &fakeNetlink{}
	nl.setFailing(true)

	c := New(nl, testLogger)

	// The first pass fails, so readiness must not be signalled within the
	// start context's deadline.
	ctx := testutil.ContextWithTimeout(t, 50*time.Millisecond)
	err := c.Start(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	shutdownCtx := testutil.ContextWithTimeout(t, testTimeout)
	require.NoError(t, c.Shutdown(shutdownCtx))
}
