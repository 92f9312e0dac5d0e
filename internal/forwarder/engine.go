// Package forwarder implements the forwarding engine: the single event loop
// that receives NDP and MLD traffic on the raw ICMPv6 socket and mirrors it
// between the upstream provider link and the downstream LAN links that make
// up one IPv6 broadcast domain.
package forwarder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"os"

	aghErrors "github.com/AdguardTeam/golibs/errors"
	"github.com/AdguardTeam/golibs/logutil/slogutil"
	"github.com/AdguardTeam/golibs/service"
	"github.com/ftthd/ftthd/internal/iface"
	"github.com/ftthd/ftthd/internal/icmp6"
	"github.com/ftthd/ftthd/internal/metrics"
	"github.com/ftthd/ftthd/internal/mld"
	"github.com/ftthd/ftthd/internal/ndpmc"
	"github.com/ftthd/ftthd/internal/netlinkx"
	"github.com/ftthd/ftthd/internal/rawsock"
)

// Socket is the raw-socket surface the engine and its subscription managers
// drive.  [rawsock.Handle] implements it.
type Socket interface {
	Recv(ctx context.Context, p *icmp6.Packet) (err error)
	Send(ctx context.Context, p *icmp6.Packet) (err error)

	SetMrtFlag(on bool) (err error)
	SetRecvHopLimit(on bool) (err error)
	SetRecvHopOpts(on bool) (err error)
	SetRecvPacketInfo(on bool) (err error)
	SetMulticastLoopback(on bool) (err error)
	SetAutoFlowlabel(on bool) (err error)
	SetMulticastAll(on bool) (err error)

	mld.Socket
	ndpmc.Socket
}

// type check
var _ Socket = (*rawsock.Handle)(nil)

// allRoutersMLDv2 is ff02::16, the MLDv2 all-routers multicast address.
var allRoutersMLDv2 = netip.MustParseAddr("ff02::16")

// scopeThreshold is ff03::, the boundary below which MLD groups are
// link-local or node-local and out of scope for forwarding.
var scopeThreshold = netip.MustParseAddr("ff03::")

// ndpHopLimit is the hop limit ftthd forces on every re-emitted NDP message.
const ndpHopLimit = 255

// subscriptionTimeout is how old an MLD subscription may get before it is
// expired.
const subscriptionTimeout = mld.DefaultTimeout

// ErrUpstreamIsDownstream is a fatal startup error: the configured upstream
// interface also appears in the downstream list.
const ErrUpstreamIsDownstream aghErrors.Error = "forwarder: upstream interface also listed as downstream"

// Engine is the forwarding engine.  Its zero value is not usable; use [New].
type Engine struct {
	logger *slog.Logger
	sock   Socket
	cache  *iface.Cache
	nl     netlinkx.Client

	upstreamName    string
	downstreamNames []string
	upstream        iface.Interface
	downstreams     []iface.Interface
	downstreamByID  map[iface.ID]struct{}

	mld *mld.Manager
	ndp *ndpmc.Manager

	cancel context.CancelFunc
	done   chan struct{}
}

// Config names the interfaces the engine bridges.
type Config struct {
	Upstream    string
	Downstreams []string
}

// New validates cfg and constructs an Engine.  It does not touch the kernel;
// call [Engine.Bootstrap] to do that.
func New(
	logger *slog.Logger,
	sock Socket,
	cache *iface.Cache,
	nl netlinkx.Client,
	cfg Config,
) (e *Engine, err error) {
	for _, d := range cfg.Downstreams {
		if d == cfg.Upstream {
			return nil, ErrUpstreamIsDownstream
		}
	}

	return &Engine{
		logger:          logger,
		sock:            sock,
		cache:           cache,
		nl:              nl,
		upstreamName:    cfg.Upstream,
		downstreamNames: cfg.Downstreams,
		downstreamByID:  map[iface.ID]struct{}{},
	}, nil
}

// type check
var _ service.Interface = (*Engine)(nil)

// Bootstrap performs the startup sequence: proc toggles, socket
// configuration, all-multicast mode, proxy-NDP seeding from the upstream's
// global addresses, and subscription-manager construction.
func (e *Engine) Bootstrap(ctx context.Context) (err error) {
	if err = enableForwardingAndProxyNDP(); err != nil {
		return fmt.Errorf("forwarder: enabling kernel forwarding: %w", err)
	}

	if err = e.configureSocket(); err != nil {
		return fmt.Errorf("forwarder: configuring socket: %w", err)
	}

	if err = e.resolveInterfaces(); err != nil {
		return fmt.Errorf("forwarder: resolving interfaces: %w", err)
	}

	for _, ifc := range e.allInterfaces() {
		if err = e.nl.SetAllMulticastMode(int(ifc.ID), true); err != nil {
			e.logger.ErrorContext(ctx, "enabling all-multicast mode", "interface", ifc.Name, slogutil.KeyError, err)
		}
	}

	e.seedProxyNDP(ctx)

	e.mld, err = mld.New(e.logger, e.sock, e.upstream, e.downstreams)
	if err != nil {
		return fmt.Errorf("forwarder: constructing mld manager: %w", err)
	}

	e.ndp = ndpmc.New(e.logger, e.sock, e.allInterfaces)

	return nil
}

// configureSocket applies the socket options the engine depends on: the MRT6
// session, the three RECV* ancillary-data toggles, multicast behavior, and
// the MLDv2 all-routers membership.
func (e *Engine) configureSocket() (err error) {
	type step struct {
		name string
		fn   func() error
	}

	steps := []step{
		{"mrt6 init", func() error { return e.sock.SetMrtFlag(true) }},
		{"recv hoplimit", func() error { return e.sock.SetRecvHopLimit(true) }},
		{"recv hopopts", func() error { return e.sock.SetRecvHopOpts(true) }},
		{"recv pktinfo", func() error { return e.sock.SetRecvPacketInfo(true) }},
		{"multicast loopback off", func() error { return e.sock.SetMulticastLoopback(false) }},
		{"autoflowlabel off", func() error { return e.sock.SetAutoFlowlabel(false) }},
		{"multicast all", func() error { return e.sock.SetMulticastAll(true) }},
		{
			"join mldv2 all-routers",
			func() error { return e.sock.JoinMulticast(allRoutersMLDv2, int(iface.Unspecified)) },
		},
	}

	for _, s := range steps {
		if err = s.fn(); err != nil {
			return fmt.Errorf("%s: %w", s.name, err)
		}
	}

	return nil
}

// resolveInterfaces looks up the configured interface names in the cache and
// populates e.upstream, e.downstreams, and e.downstreamByID.
func (e *Engine) resolveInterfaces() (err error) {
	snap := e.cache.Snapshot()

	var ok bool
	e.upstream, ok = snap.ByName(e.upstreamName)
	if !ok {
		return fmt.Errorf("forwarder: upstream interface %q not found", e.upstreamName)
	}

	e.downstreams = make([]iface.Interface, 0, len(e.downstreamNames))
	for _, name := range e.downstreamNames {
		ifc, found := snap.ByName(name)
		if !found {
			return fmt.Errorf("forwarder: downstream interface %q not found", name)
		}

		e.downstreams = append(e.downstreams, ifc)
		e.downstreamByID[ifc.ID] = struct{}{}
	}

	return nil
}

// allInterfaces returns the upstream followed by every downstream.
func (e *Engine) allInterfaces() (ifcs []iface.Interface) {
	ifcs = make([]iface.Interface, 0, len(e.downstreams)+1)
	ifcs = append(ifcs, e.upstream)
	ifcs = append(ifcs, e.downstreams...)

	return ifcs
}

// seedProxyNDP installs a proxy-NDP entry on every downstream interface for
// every global IPv6 address configured on the upstream.  Failures are logged
// and otherwise ignored.
func (e *Engine) seedProxyNDP(ctx context.Context) {
	globals, err := e.nl.AddrGetV6(int(e.upstream.ID), netlinkx.ScopeGlobal)
	if err != nil {
		e.logger.ErrorContext(ctx, "listing upstream global addresses", slogutil.KeyError, err)

		return
	}

	for _, addr := range globals {
		for _, d := range e.downstreams {
			if err = e.nl.NeighProxyAdd(int(d.ID), addr); err != nil {
				e.logger.ErrorContext(
					ctx, "seeding proxy ndp entry",
					"address", addr, "interface", d.Name, slogutil.KeyError, err,
				)
			}
		}
	}
}

// enableForwardingAndProxyNDP writes "1" to the two /proc toggles ftthd
// requires.
func enableForwardingAndProxyNDP() (err error) {
	paths := []string{
		"/proc/sys/net/ipv6/conf/all/forwarding",
		"/proc/sys/net/ipv6/conf/all/proxy_ndp",
	}

	for _, p := range paths {
		if err = os.WriteFile(p, []byte("1"), 0o644); err != nil {
			return fmt.Errorf("writing %s: %w", p, err)
		}
	}

	return nil
}

// Start implements the service lifecycle for Engine: it bootstraps the
// kernel-facing state and launches the main loop in the background.  Start's
// context is used only to bound Bootstrap; Shutdown stops the loop by
// cancelling a separate, internally-owned context.
func (e *Engine) Start(ctx context.Context) (err error) {
	if err = e.Bootstrap(ctx); err != nil {
		return fmt.Errorf("forwarder: bootstrap: %w", err)
	}

	var runCtx context.Context
	runCtx, e.cancel = context.WithCancel(context.Background())
	e.done = make(chan struct{})

	go func() {
		defer close(e.done)
		defer slogutil.RecoverAndLog(runCtx, e.logger)

		if runErr := e.Run(runCtx); runErr != nil {
			e.logger.ErrorContext(runCtx, "forwarding loop exited", slogutil.KeyError, runErr)
		}
	}()

	return nil
}

// Shutdown stops the main loop and waits for it to exit.
func (e *Engine) Shutdown(ctx context.Context) (err error) {
	if e.cancel == nil {
		return nil
	}

	e.cancel()

	select {
	case <-e.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run is the main loop.  It blocks until ctx is cancelled or a fatal receive
// error occurs.  No error from packet handling escapes this loop; only a
// receive failure does.
func (e *Engine) Run(ctx context.Context) (err error) {
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		p := &icmp6.Packet{}
		if err = e.sock.Recv(ctx, p); err != nil {
			if ctx.Err() != nil {
				return nil
			}

			return fmt.Errorf("forwarder: receiving packet: %w", err)
		}

		e.handlePacket(ctx, p)
	}
}

// handlePacket parses and dispatches one received packet.  No error from
// this call escapes to Run.
func (e *Engine) handlePacket(ctx context.Context, p *icmp6.Packet) {
	msg, err := icmp6.Parse(p)
	if err != nil {
		metrics.ParseErrors.WithLabelValues(parseErrorLabel(err)).Inc()
		e.logger.DebugContext(ctx, "parsing packet", slogutil.KeyError, err)

		return
	}

	if p.Info == nil {
		metrics.PacketsDropped.WithLabelValues("no_arrival_interface").Inc()
		e.logger.DebugContext(ctx, "packet without arrival interface, dropping")

		return
	}

	arrivalID := iface.ID(p.Info.IfIndex)
	arrival, ok := e.cache.Snapshot().ByID(arrivalID)
	if !ok || (!e.isUpstream(arrivalID) && !e.isDownstream(arrivalID)) {
		metrics.PacketsDropped.WithLabelValues("unconfigured_interface").Inc()
		e.logger.DebugContext(ctx, "packet from unconfigured interface, dropping", "if_index", p.Info.IfIndex)

		return
	}

	origDest := p.Info.Addr

	switch m := msg.(type) {
	case icmp6.RouterSolicitation:
		e.handleRouterSolicitation(ctx, arrival, origDest, m)
	case icmp6.RouterAdvertisement:
		e.handleRouterAdvertisement(ctx, arrival, origDest, m)
	case icmp6.NeighborSolicitation:
		e.handleNeighborSolicitation(ctx, arrival, origDest, m)
	case icmp6.NeighborAdvertisement:
		e.handleNeighborAdvertisement(ctx, arrival, m)
	case icmp6.Redirect:
		e.logger.DebugContext(ctx, "received redirect", "interface", arrival.Name, "target", m.Target)
	case icmp6.MulticastListenerQuery:
		e.handleMLDQuery(ctx, arrival, m)
	case icmp6.V2MulticastListenerReport:
		e.handleV2Report(ctx, arrival, m)
	case icmp6.V1MulticastListenerReport:
		e.logger.DebugContext(ctx, "received mldv1 report", "interface", arrival.Name, "group", m.Group)
	case icmp6.V1MulticastListenerDone:
		e.logger.DebugContext(ctx, "received mldv1 done", "interface", arrival.Name, "group", m.Group)
	case icmp6.EchoRequest, icmp6.EchoReply:
		// Handled by auxiliary tools, not the engine.
	default:
	}
}

// isUpstream reports whether id is the configured upstream interface.
func (e *Engine) isUpstream(id iface.ID) (ok bool) {
	return id == e.upstream.ID
}

// isDownstream reports whether id is one of the configured downstream
// interfaces.
func (e *Engine) isDownstream(id iface.ID) (ok bool) {
	_, ok = e.downstreamByID[id]

	return ok
}

// send serializes msg and transmits it to dest via the interface identified
// by out.  hopLimit is used unless [icmp6.Serialize] produced a hop limit of
// its own, which takes precedence (MLD outputs force hop limit 1 and attach
// their own hop-by-hop header).
func (e *Engine) send(ctx context.Context, out iface.Interface, dest netip.Addr, msg icmp6.Message, hopLimit int) {
	serialized, err := icmp6.Serialize(msg)
	if err != nil {
		e.logger.ErrorContext(ctx, "serializing message", slogutil.KeyError, err)

		return
	}

	srcLL, ok := e.cache.Snapshot().FirstLinkLocal(out.ID)
	if !ok {
		e.logger.WarnContext(ctx, "no link-local address on output interface, skipping", "interface", out.Name)

		return
	}

	hl := hopLimit
	if serialized.HopLimit != nil {
		hl = *serialized.HopLimit
	}

	pkt := &icmp6.Packet{
		TargetAddr: dest,
		Data:       serialized.Data,
		N:          len(serialized.Data),
		Info:       &icmp6.PacketInfo{Addr: srcLL, IfIndex: int(out.ID)},
		HopLimit:   &hl,
		HopByHop:   serialized.HopByHop,
	}

	if err = e.sock.Send(ctx, pkt); err != nil {
		e.logger.ErrorContext(ctx, "sending message", "interface", out.Name, slogutil.KeyError, err)

		return
	}

	metrics.PacketsForwarded.WithLabelValues(fmt.Sprintf("%T", msg)).Inc()
}

// parseErrorLabel maps a decode error to a short, bounded Prometheus label so
// unrecognized errors don't grow the parse_errors_total cardinality.
func parseErrorLabel(err error) (label string) {
	switch {
	case errors.Is(err, icmp6.ErrPacketTooShort):
		return "packet_too_short"
	case errors.Is(err, icmp6.ErrBadHopLimit):
		return "bad_hop_limit"
	case errors.Is(err, icmp6.ErrMissingRouterAlert):
		return "missing_router_alert"
	case errors.Is(err, icmp6.ErrTooManySources):
		return "too_many_sources"
	case errors.Is(err, icmp6.ErrOutOfRange):
		return "out_of_range"
	default:
		return "other"
	}
}
