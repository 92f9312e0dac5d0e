// Package icmp6 implements the ICMPv6 codec: parsing and serializing the
// Neighbor Discovery and Multicast Listener Discovery messages ftthd
// forwards, plus the handful of other ICMPv6 types it must recognize well
// enough to classify and, where required, reject.
package icmp6

import (
	"net"
	"net/netip"

	"github.com/AdguardTeam/golibs/errors"
)

// Type is an ICMPv6 message type, as in RFC 4443 and RFC 4861/4862.
type Type uint8

// Recognized ICMPv6 message types.
const (
	TypeDestinationUnreachable Type = 1
	TypePacketTooBig           Type = 2
	TypeTimeExceeded           Type = 3
	TypeParameterProblem       Type = 4
	TypeEchoRequest            Type = 128
	TypeEchoReply              Type = 129
	TypeMLDQuery               Type = 130
	TypeMLDv1Report            Type = 131
	TypeMLDv1Done              Type = 132
	TypeRouterSolicitation     Type = 133
	TypeRouterAdvertisement    Type = 134
	TypeNeighborSolicitation   Type = 135
	TypeNeighborAdvertisement  Type = 136
	TypeRedirect               Type = 137
	TypeMLDv2Report            Type = 143
)

// maxType is the highest ICMPv6 type the codec will decode at all; types
// above this are rejected by [Parse] as out of range.
const maxType = 161

// Decode error taxonomy.  These are sentinel [errors.Error] values so callers
// can compare with errors.Is instead of matching strings.
const (
	// ErrPacketTooShort is returned when the payload is smaller than the
	// fixed size required for its message type.
	ErrPacketTooShort errors.Error = "icmp6: packet too short"
	// ErrPacketTooLong is returned by the serializer when an NDP or MLD
	// message would exceed 1500 bytes on the wire.
	ErrPacketTooLong errors.Error = "icmp6: packet too long"
	// ErrBadHopLimit is returned when an MLD-typed message doesn't carry hop
	// limit 1.
	ErrBadHopLimit errors.Error = "icmp6: mld message without hop limit 1"
	// ErrMissingRouterAlert is returned when an MLD-typed message doesn't
	// carry the Router Alert (MLD) hop-by-hop option.
	ErrMissingRouterAlert errors.Error = "icmp6: mld message without router alert option"
	// ErrTooManySources is returned when an MLD query or report names more
	// than 80 source addresses.
	ErrTooManySources errors.Error = "icmp6: too many source addresses"
	// ErrOutOfRange is returned for a type outside the 1-161 range this
	// codec covers.
	ErrOutOfRange errors.Error = "icmp6: type out of range"
)

// maxSources is the largest number of source addresses this codec will parse
// or emit in an MLD query or report.
const maxSources = 80

// maxWireSize is the largest serialized size allowed for an NDP or MLD
// message.
const maxWireSize = 1500

// PacketInfo carries the destination-on-receive / source-on-send address and
// the arrival or departure interface, mirroring IPV6_PKTINFO.
type PacketInfo struct {
	Addr    netip.Addr
	IfIndex int
}

// Packet is the on-wire container handed to and returned from the raw
// socket.  Exactly one of TargetAddr or Info.Addr is meaningful depending on
// direction; both are populated where available.
type Packet struct {
	// TargetAddr is the destination address to send to, or the source
	// address a received packet arrived from.
	TargetAddr netip.Addr
	// Data is the raw ICMPv6 message: type, code, checksum, and body.
	Data []byte
	// N is the number of valid bytes at the front of Data for a received
	// packet.
	N int
	// Info is the IPV6_PKTINFO ancillary data, if requested/present.
	Info *PacketInfo
	// HopLimit is the IPV6_HOPLIMIT ancillary data, if requested/present.
	HopLimit *int
	// HopByHop is the raw hop-by-hop options header, if requested/present.
	HopByHop []byte
}

// Payload returns the valid portion of p.Data.
func (p *Packet) Payload() (b []byte) {
	if p.N > 0 && p.N <= len(p.Data) {
		return p.Data[:p.N]
	}

	return p.Data
}

// Message is any decoded ICMPv6 message.
type Message interface {
	// Type returns the ICMPv6 type this message serializes to.
	Type() Type
}

// DestinationUnreachable is ICMPv6 type 1.
type DestinationUnreachable struct {
	Code uint8
}

// Type implements the [Message] interface for DestinationUnreachable.
func (DestinationUnreachable) Type() Type { return TypeDestinationUnreachable }

// PacketTooBig is ICMPv6 type 2.
type PacketTooBig struct {
	MTU uint32
}

// Type implements the [Message] interface for PacketTooBig.
func (PacketTooBig) Type() Type { return TypePacketTooBig }

// TimeExceeded is ICMPv6 type 3.
type TimeExceeded struct {
	Code uint8
}

// Type implements the [Message] interface for TimeExceeded.
func (TimeExceeded) Type() Type { return TypeTimeExceeded }

// ParameterProblem is ICMPv6 type 4.
type ParameterProblem struct {
	Code uint8
}

// Type implements the [Message] interface for ParameterProblem.
func (ParameterProblem) Type() Type { return TypeParameterProblem }

// EchoRequest is ICMPv6 type 128.  ftthd does not answer these; they are
// handled by auxiliary tools.
type EchoRequest struct {
	Data []byte
	ID   uint16
	Seq  uint16
}

// Type implements the [Message] interface for EchoRequest.
func (EchoRequest) Type() Type { return TypeEchoRequest }

// EchoReply is ICMPv6 type 129.
type EchoReply struct {
	Data []byte
	ID   uint16
	Seq  uint16
}

// Type implements the [Message] interface for EchoReply.
func (EchoReply) Type() Type { return TypeEchoReply }

// RouterSolicitation is ICMPv6 type 133.
type RouterSolicitation struct {
	Options []NdpOption
}

// Type implements the [Message] interface for RouterSolicitation.
func (RouterSolicitation) Type() Type { return TypeRouterSolicitation }

// RouterAdvertisement is ICMPv6 type 134.
type RouterAdvertisement struct {
	Options        []NdpOption
	RouterLifetime uint16
	ReachableTime  uint32
	RetransTimer   uint32
	CurHopLimit    uint8
	Managed        bool
	Other          bool
}

// Type implements the [Message] interface for RouterAdvertisement.
func (RouterAdvertisement) Type() Type { return TypeRouterAdvertisement }

// NeighborSolicitation is ICMPv6 type 135.
type NeighborSolicitation struct {
	Target  netip.Addr
	Options []NdpOption
}

// Type implements the [Message] interface for NeighborSolicitation.
func (NeighborSolicitation) Type() Type { return TypeNeighborSolicitation }

// NeighborAdvertisement is ICMPv6 type 136.
type NeighborAdvertisement struct {
	Target    netip.Addr
	Options   []NdpOption
	Router    bool
	Solicited bool
	Override  bool
}

// Type implements the [Message] interface for NeighborAdvertisement.
func (NeighborAdvertisement) Type() Type { return TypeNeighborAdvertisement }

// Redirect is ICMPv6 type 137.
type Redirect struct {
	Target      netip.Addr
	Destination netip.Addr
	Options     []NdpOption
}

// Type implements the [Message] interface for Redirect.
func (Redirect) Type() Type { return TypeRedirect }

// MulticastListenerQuery is ICMPv6 type 130.  It covers both the MLDv1 query
// shape and, when the wire form carries the MLDv2 trailer, the QRV/QQIC/
// source list.
type MulticastListenerQuery struct {
	Group            netip.Addr
	Sources          []netip.Addr
	MaxResponseDelay uint16
	QQIC             uint8
	QRV              uint8
	S                bool
}

// Type implements the [Message] interface for MulticastListenerQuery.
func (MulticastListenerQuery) Type() Type { return TypeMLDQuery }

// V1MulticastListenerReport is ICMPv6 type 131.
type V1MulticastListenerReport struct {
	Group netip.Addr
}

// Type implements the [Message] interface for V1MulticastListenerReport.
func (V1MulticastListenerReport) Type() Type { return TypeMLDv1Report }

// V1MulticastListenerDone is ICMPv6 type 132.
type V1MulticastListenerDone struct {
	Group netip.Addr
}

// Type implements the [Message] interface for V1MulticastListenerDone.
func (V1MulticastListenerDone) Type() Type { return TypeMLDv1Done }

// V2MulticastListenerReport is ICMPv6 type 143.
type V2MulticastListenerReport struct {
	Records []MulticastReportRecord
}

// Type implements the [Message] interface for V2MulticastListenerReport.
func (V2MulticastListenerReport) Type() Type { return TypeMLDv2Report }

// Unknown is any recognized-but-unhandled type in [1, 161] that doesn't have
// a dedicated variant above.
type Unknown struct {
	Data    []byte
	RawType uint8
	Code    uint8
}

// Type implements the [Message] interface for Unknown.
func (u Unknown) Type() Type { return Type(u.RawType) }

// Ignored is the sentinel for the 138-161 range, which ftthd recognizes but
// never acts on.
type Ignored struct {
	RawType uint8
}

// Type implements the [Message] interface for Ignored.
func (i Ignored) Type() Type { return Type(i.RawType) }

// NdpOption is a single Neighbor Discovery option, RFC 4861 §4.6.
type NdpOption struct {
	Data []byte
	Type uint8
}

// NDP option type numbers used directly by ftthd.
const (
	NdpOptSourceLinkLayerAddr uint8 = 1
	NdpOptTargetLinkLayerAddr uint8 = 2
)

// NewLinkLayerOption builds a source- or target-link-layer-address option
// carrying hw.  optType must be [NdpOptSourceLinkLayerAddr] or
// [NdpOptTargetLinkLayerAddr].
func NewLinkLayerOption(optType uint8, hw net.HardwareAddr) (o NdpOption) {
	return NdpOption{Type: optType, Data: append(net.HardwareAddr(nil), hw...)}
}

// LinkLayerAddr returns the link-layer address carried by a source- or
// target-link-layer-address option.
func (o NdpOption) LinkLayerAddr() (hw net.HardwareAddr, ok bool) {
	if o.Type != NdpOptSourceLinkLayerAddr && o.Type != NdpOptTargetLinkLayerAddr {
		return nil, false
	}

	return net.HardwareAddr(o.Data), true
}

// MulticastReportRecord is a single MLDv2 report record, RFC 3810 §5.2.
type MulticastReportRecord struct {
	MulticastAddress netip.Addr
	Sources          []netip.Addr
	RecordType       uint8
}

// MLDv2 report record types.
const (
	RecordModeIsInclude   uint8 = 1
	RecordModeIsExclude   uint8 = 2
	RecordChangeToInclude uint8 = 3
	RecordChangeToExclude uint8 = 4
	RecordAllowNewSources uint8 = 5
	RecordBlockOldSources uint8 = 6
)
