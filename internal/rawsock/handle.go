package rawsock

import (
	"context"
	"fmt"
	"net/netip"
	"sync/atomic"

	"github.com/AdguardTeam/golibs/errors"
	"github.com/ftthd/ftthd/internal/icmp6"
)

// ErrHandleClosed is returned by [Handle.Recv] and [Handle.Send] once that
// handle has been closed.
const ErrHandleClosed errors.Error = "rawsock: handle closed"

// shared is the state behind every clone of a [Handle]: one socket and one
// reference count.
type shared struct {
	sock *Socket
	refs *int32
}

// Handle is an async wrapper over [Socket]: it exposes the same I/O
// operations but waits for the socket to be usable before each attempt, and
// it can be cloned cheaply so multiple goroutines share one descriptor.
// Concurrent readers are permitted by the kernel, but nothing in ftthd relies
// on more than one; the engine keeps a single reader.
//
// Handle's zero value is not usable; use [NewHandle] or [Handle.Clone].
type Handle struct {
	shared
	closed atomic.Bool
}

// NewHandle wraps sock in a [Handle] with an initial reference count of 1.
func NewHandle(sock *Socket) (h *Handle) {
	refs := int32(1)

	return &Handle{shared: shared{sock: sock, refs: &refs}}
}

// Clone returns a new [Handle] sharing the same underlying socket, bumping
// the reference count.  The returned handle must be closed independently of
// its parent.
func (h *Handle) Clone() (clone *Handle) {
	atomic.AddInt32(h.refs, 1)

	return &Handle{shared: h.shared}
}

// Close releases this handle's reference.  Once every clone has been closed,
// the underlying socket is closed too.
func (h *Handle) Close() (err error) {
	if !h.closed.CompareAndSwap(false, true) {
		return nil
	}

	if atomic.AddInt32(h.refs, -1) > 0 {
		return nil
	}

	return h.sock.Close()
}

// Recv blocks until either a datagram arrives, populating p, or ctx is done.
func (h *Handle) Recv(ctx context.Context, p *icmp6.Packet) (err error) {
	if h.closed.Load() {
		return ErrHandleClosed
	}

	return h.await(ctx, func() error { return h.sock.Recv(p) })
}

// Send transmits p once, returning early with an error if ctx is done first.
func (h *Handle) Send(ctx context.Context, p *icmp6.Packet) (err error) {
	if h.closed.Load() {
		return ErrHandleClosed
	}

	return h.await(ctx, func() error { return h.sock.Send(p) })
}

// The remaining methods configure the shared socket directly; unlike Recv
// and Send they don't block on kernel readiness, so they pass straight
// through without going via await.

// SetMrtFlag delegates to [Socket.SetMrtFlag].
func (h *Handle) SetMrtFlag(on bool) (err error) { return h.sock.SetMrtFlag(on) }

// SetRecvPacketInfo delegates to [Socket.SetRecvPacketInfo].
func (h *Handle) SetRecvPacketInfo(on bool) (err error) { return h.sock.SetRecvPacketInfo(on) }

// SetRecvHopLimit delegates to [Socket.SetRecvHopLimit].
func (h *Handle) SetRecvHopLimit(on bool) (err error) { return h.sock.SetRecvHopLimit(on) }

// SetRecvHopOpts delegates to [Socket.SetRecvHopOpts].
func (h *Handle) SetRecvHopOpts(on bool) (err error) { return h.sock.SetRecvHopOpts(on) }

// SetMulticastLoopback delegates to [Socket.SetMulticastLoopback].
func (h *Handle) SetMulticastLoopback(on bool) (err error) { return h.sock.SetMulticastLoopback(on) }

// SetMulticastAll delegates to [Socket.SetMulticastAll].
func (h *Handle) SetMulticastAll(on bool) (err error) { return h.sock.SetMulticastAll(on) }

// SetAutoFlowlabel delegates to [Socket.SetAutoFlowlabel].
func (h *Handle) SetAutoFlowlabel(on bool) (err error) { return h.sock.SetAutoFlowlabel(on) }

// SetUnicastHops delegates to [Socket.SetUnicastHops].
func (h *Handle) SetUnicastHops(hops int) (err error) { return h.sock.SetUnicastHops(hops) }

// SetMulticastHops delegates to [Socket.SetMulticastHops].
func (h *Handle) SetMulticastHops(hops int) (err error) { return h.sock.SetMulticastHops(hops) }

// SetRouterAlert delegates to [Socket.SetRouterAlert].
func (h *Handle) SetRouterAlert(value int) (err error) { return h.sock.SetRouterAlert(value) }

// JoinMulticast delegates to [Socket.JoinMulticast].
func (h *Handle) JoinMulticast(group netip.Addr, ifIndex int) (err error) {
	return h.sock.JoinMulticast(group, ifIndex)
}

// LeaveMulticast delegates to [Socket.LeaveMulticast].
func (h *Handle) LeaveMulticast(group netip.Addr, ifIndex int) (err error) {
	return h.sock.LeaveMulticast(group, ifIndex)
}

// MulticastAddVif delegates to [Socket.MulticastAddVif].
func (h *Handle) MulticastAddVif(vifID uint16, ifIndex int) (err error) {
	return h.sock.MulticastAddVif(vifID, ifIndex)
}

// MulticastDelVif delegates to [Socket.MulticastDelVif].
func (h *Handle) MulticastDelVif(vifID uint16) (err error) {
	return h.sock.MulticastDelVif(vifID)
}

// MulticastAddMroute delegates to [Socket.MulticastAddMroute].
func (h *Handle) MulticastAddMroute(
	parentVif uint16,
	outputVifs []uint16,
	group netip.Addr,
	source netip.Addr,
) (err error) {
	return h.sock.MulticastAddMroute(parentVif, outputVifs, group, source)
}

// MulticastDelMroute delegates to [Socket.MulticastDelMroute].
func (h *Handle) MulticastDelMroute(parentVif uint16, group netip.Addr, source netip.Addr) (err error) {
	return h.sock.MulticastDelMroute(parentVif, group, source)
}

// await runs op in its own goroutine and returns whichever of op's result or
// ctx's cancellation happens first.  The socket's own calls already block
// until the kernel reports readiness; await's job is purely to make that
// wait cancellable by ctx.  If ctx is cancelled first, the goroutine is left
// to finish
// op() on its own and its result is discarded.
func (h *Handle) await(ctx context.Context, op func() error) (err error) {
	done := make(chan error, 1)

	go func() { done <- op() }()

	select {
	case err = <-done:
		return err
	case <-ctx.Done():
		return fmt.Errorf("rawsock: %w", ctx.Err())
	}
}
