package forwarder

import (
	"context"
	"net/netip"

	"github.com/AdguardTeam/golibs/logutil/slogutil"
	"github.com/ftthd/ftthd/internal/iface"
	"github.com/ftthd/ftthd/internal/icmp6"
	"github.com/ftthd/ftthd/internal/ndpmc"
	"github.com/ftthd/ftthd/internal/netlinkx"
)

// stripLinkLayerOptions returns opts with every source-link-layer address
// option removed.
func stripLinkLayerOptions(opts []icmp6.NdpOption) (stripped []icmp6.NdpOption) {
	for _, o := range opts {
		if o.Type == icmp6.NdpOptSourceLinkLayerAddr {
			continue
		}

		stripped = append(stripped, o)
	}

	return stripped
}

// withSourceLinkLayer strips any existing source-LL options from opts and
// appends a fresh one carrying out's hardware address, if known.
func (e *Engine) withSourceLinkLayer(opts []icmp6.NdpOption, out iface.ID) (result []icmp6.NdpOption) {
	result = stripLinkLayerOptions(opts)

	hw, ok := e.cache.Snapshot().HardwareAddr(out)
	if !ok || len(hw) == 0 {
		return result
	}

	return append(result, icmp6.NewLinkLayerOption(icmp6.NdpOptSourceLinkLayerAddr, hw))
}

// handleRouterSolicitation mirrors a router solicitation to the upstream:
// accepted only from a downstream, re-emitted with a fresh source-LL option
// carrying the upstream's hardware address.
func (e *Engine) handleRouterSolicitation(
	ctx context.Context,
	arrival iface.Interface,
	origDest netip.Addr,
	m icmp6.RouterSolicitation,
) {
	if !e.isDownstream(arrival.ID) {
		e.logger.DebugContext(ctx, "rs from non-downstream, dropping", "interface", arrival.Name)

		return
	}

	out := icmp6.RouterSolicitation{Options: e.withSourceLinkLayer(m.Options, e.upstream.ID)}
	e.send(ctx, e.upstream, origDest, out, ndpHopLimit)
}

// handleRouterAdvertisement mirrors a router advertisement to every
// downstream.  Accepted only from the upstream; no target-LL rewrite is
// added.
func (e *Engine) handleRouterAdvertisement(
	ctx context.Context,
	arrival iface.Interface,
	origDest netip.Addr,
	m icmp6.RouterAdvertisement,
) {
	if !e.isUpstream(arrival.ID) {
		e.logger.DebugContext(ctx, "ra from non-upstream, dropping", "interface", arrival.Name)

		return
	}

	for _, d := range e.downstreams {
		out := m
		out.Options = stripLinkLayerOptions(m.Options)
		e.send(ctx, d, origDest, out, ndpHopLimit)
	}
}

// handleNeighborSolicitation mirrors a neighbor solicitation to every
// configured interface other than the arrival one.
func (e *Engine) handleNeighborSolicitation(
	ctx context.Context,
	arrival iface.Interface,
	origDest netip.Addr,
	m icmp6.NeighborSolicitation,
) {
	if m.Target.IsLinkLocalUnicast() {
		e.logger.DebugContext(ctx, "ns for link-local target, dropping", "target", m.Target)

		return
	}

	if e.targetMatchesUpstreamGlobal(m.Target) {
		e.logger.DebugContext(ctx, "ns for upstream global address, handled by proxy ndp", "target", m.Target)

		return
	}

	for _, out := range e.allInterfaces() {
		if out.ID == arrival.ID {
			continue
		}

		fwd := icmp6.NeighborSolicitation{
			Target:  m.Target,
			Options: e.withSourceLinkLayer(m.Options, out.ID),
		}
		e.send(ctx, out, origDest, fwd, ndpHopLimit)
	}
}

// targetMatchesUpstreamGlobal reports whether target is one of the
// upstream's global IPv6 addresses, which are handled by static proxy NDP
// entries rather than NS mirroring.
func (e *Engine) targetMatchesUpstreamGlobal(target netip.Addr) (ok bool) {
	globals, err := e.nl.AddrGetV6(int(e.upstream.ID), netlinkx.ScopeGlobal)
	if err != nil {
		return false
	}

	for _, g := range globals {
		if g == target {
			return true
		}
	}

	return false
}

// handleNeighborAdvertisement learns the target as reachable via the
// arrival interface and updates routes and proxy-NDP state accordingly. It
// never re-emits the advertisement.
func (e *Engine) handleNeighborAdvertisement(ctx context.Context, arrival iface.Interface, m icmp6.NeighborAdvertisement) {
	if m.Target.IsLinkLocalUnicast() {
		e.logger.DebugContext(ctx, "na for link-local target, dropping", "target", m.Target)

		return
	}

	for _, ifc := range e.allInterfaces() {
		if err := e.nl.RouteDeleteV6(int(ifc.ID), m.Target, 128, nil); err != nil {
			e.logger.DebugContext(ctx, "deleting stale route", "interface", ifc.Name, slogutil.KeyError, err)
		}
	}

	if err := e.nl.RouteAddV6(int(arrival.ID), m.Target, 128, nil); err != nil {
		e.logger.ErrorContext(ctx, "installing route", "interface", arrival.Name, "target", m.Target, slogutil.KeyError, err)
	}

	if err := e.nl.NeighProxyDelete(int(arrival.ID), m.Target); err != nil {
		e.logger.DebugContext(ctx, "deleting arrival proxy ndp entry", slogutil.KeyError, err)
	}

	for _, out := range e.allInterfaces() {
		if out.ID == arrival.ID {
			continue
		}

		if err := e.nl.NeighProxyDelete(int(out.ID), m.Target); err != nil {
			e.logger.DebugContext(ctx, "deleting old proxy ndp entry before replace", slogutil.KeyError, err)
		}

		if err := e.nl.NeighProxyAdd(int(out.ID), m.Target); err != nil {
			e.logger.ErrorContext(
				ctx, "installing proxy ndp entry",
				"interface", out.Name, "target", m.Target, slogutil.KeyError, err,
			)
		}
	}
}

// handleMLDQuery answers a multicast listener query from the upstream with
// the current aggregate subscription state and re-issues the query, with its
// source list cleared, to every downstream.
func (e *Engine) handleMLDQuery(ctx context.Context, arrival iface.Interface, m icmp6.MulticastListenerQuery) {
	if !e.isUpstream(arrival.ID) {
		e.logger.DebugContext(ctx, "mld query from non-upstream, dropping", "interface", arrival.Name)

		return
	}

	if m.Group.Compare(scopeThreshold) < 0 {
		e.logger.DebugContext(ctx, "mld query for out-of-scope group, dropping", "group", m.Group)

		return
	}

	e.mld.RemoveOldSubscriptions(subscriptionTimeout)

	e.emitAggregateReport(ctx, m.Group)

	query := m
	query.Sources = nil
	for _, d := range e.downstreams {
		e.send(ctx, d, allRoutersMLDv2, query, ndpHopLimit)
	}
}

// emitAggregateReport builds and sends, towards the upstream, a single
// MLDv2 report record describing the current subscription state for group,
// if any subscription for it exists.
func (e *Engine) emitAggregateReport(ctx context.Context, group netip.Addr) {
	sources := e.mld.GetSourceAddresses(group)

	subscribed := false
	for _, g := range e.mld.GetGroups() {
		if g == group {
			subscribed = true

			break
		}
	}

	if !subscribed {
		return
	}

	recordType := icmp6.RecordModeIsExclude
	if len(sources) > 0 {
		recordType = icmp6.RecordModeIsInclude
	}

	report := icmp6.V2MulticastListenerReport{
		Records: []icmp6.MulticastReportRecord{{
			RecordType:       recordType,
			MulticastAddress: group,
			Sources:          sources,
		}},
	}

	e.send(ctx, e.upstream, allRoutersMLDv2, report, 1)
}

// handleV2Report records the subscriptions carried by an MLDv2 report,
// routes solicited-node records to the NDP multicast manager, and relays the
// aggregate state upstream.
func (e *Engine) handleV2Report(ctx context.Context, arrival iface.Interface, m icmp6.V2MulticastListenerReport) {
	var processedGroups []netip.Addr

	for _, rec := range m.Records {
		if ndpmc.IsSolicitedNode(rec.MulticastAddress) {
			e.ndp.AddSubscription(rec.MulticastAddress, arrival.ID)

			continue
		}

		if !e.isDownstream(arrival.ID) {
			continue
		}

		if rec.MulticastAddress.Compare(scopeThreshold) < 0 {
			continue
		}

		if err := e.mld.AddSubscription(arrival.ID, rec.MulticastAddress, rec.Sources); err != nil {
			e.logger.ErrorContext(
				ctx, "recording mld subscription",
				"interface", arrival.Name, "group", rec.MulticastAddress, slogutil.KeyError, err,
			)

			continue
		}

		processedGroups = append(processedGroups, rec.MulticastAddress)
	}

	if len(processedGroups) == 0 {
		return
	}

	e.emitAggregateReportSet(ctx, processedGroups)
}

// emitAggregateReportSet builds one V2 report with one record per group in
// groups, reflecting the current aggregate subscription state, and emits it
// on the upstream interface.
func (e *Engine) emitAggregateReportSet(ctx context.Context, groups []netip.Addr) {
	records := make([]icmp6.MulticastReportRecord, 0, len(groups))

	for _, group := range groups {
		sources := e.mld.GetSourceAddresses(group)

		recordType := icmp6.RecordModeIsExclude
		if len(sources) > 0 {
			recordType = icmp6.RecordModeIsInclude
		}

		records = append(records, icmp6.MulticastReportRecord{
			RecordType:       recordType,
			MulticastAddress: group,
			Sources:          sources,
		})
	}

	if len(records) == 0 {
		return
	}

	report := icmp6.V2MulticastListenerReport{Records: records}
	e.send(ctx, e.upstream, allRoutersMLDv2, report, 1)
}
