package icmp6

import (
	"encoding/binary"
	"fmt"
	"net/netip"
)

// Serialized is the wire form produced by [Serialize], plus the ancillary
// data the caller must attach to the outgoing [Packet].
type Serialized struct {
	// Data is the raw ICMPv6 message, checksum left zero for the kernel to
	// fill in.
	Data []byte
	// HopByHop is the hop-by-hop options header to attach, non-nil only for
	// MLD outputs.
	HopByHop []byte
	// HopLimit is the hop limit to attach, non-nil only for MLD outputs,
	// which are always forced to 1.
	HopLimit *int
}

// Serialize encodes msg into its wire form.  For MLD query and MLDv2 report
// outputs, it also fills in [Serialized.HopLimit] (1) and
// [Serialized.HopByHop] (PadN + Router Alert/MLD).
func Serialize(msg Message) (s Serialized, err error) {
	switch m := msg.(type) {
	case DestinationUnreachable:
		return Serialized{Data: fixedHeader(TypeDestinationUnreachable, m.Code, make([]byte, 4))}, nil
	case PacketTooBig:
		body := make([]byte, 4)
		binary.BigEndian.PutUint32(body, m.MTU)

		return Serialized{Data: fixedHeader(TypePacketTooBig, 0, body)}, nil
	case TimeExceeded:
		return Serialized{Data: fixedHeader(TypeTimeExceeded, m.Code, make([]byte, 4))}, nil
	case ParameterProblem:
		return Serialized{Data: fixedHeader(TypeParameterProblem, m.Code, make([]byte, 4))}, nil
	case EchoRequest:
		return Serialized{Data: serializeEcho(TypeEchoRequest, m.ID, m.Seq, m.Data)}, nil
	case EchoReply:
		return Serialized{Data: serializeEcho(TypeEchoReply, m.ID, m.Seq, m.Data)}, nil
	case RouterSolicitation:
		return serializeRouterSolicitation(m)
	case RouterAdvertisement:
		return serializeRouterAdvertisement(m)
	case NeighborSolicitation:
		return serializeNeighborSolicitation(m)
	case NeighborAdvertisement:
		return serializeNeighborAdvertisement(m)
	case Redirect:
		return serializeRedirect(m)
	case MulticastListenerQuery:
		return serializeMLDQuery(m)
	case V1MulticastListenerReport:
		return Serialized{Data: fixedMLDv1(TypeMLDv1Report, m.Group)}, nil
	case V1MulticastListenerDone:
		return Serialized{Data: fixedMLDv1(TypeMLDv1Done, m.Group)}, nil
	case V2MulticastListenerReport:
		return serializeV2Report(m)
	case Unknown:
		return Serialized{Data: fixedHeader(Type(m.RawType), m.Code, m.Data)}, nil
	case Ignored:
		return Serialized{Data: fixedHeader(Type(m.RawType), 0, nil)}, nil
	default:
		return Serialized{}, fmt.Errorf("icmp6: unsupported message type %T", msg)
	}
}

// mldHopByHop is the raw hop-by-hop options header auto-inserted ahead of
// MLD query and v2-report outputs: PadN(1) to keep the header 8-byte
// aligned, then Router Alert carrying the MLD value.
//
// Layout: next-header(1, filled by the sender) + hdr-ext-len(1, in 8-byte
// units minus one) + PadN(1,0) + RouterAlert(5,2,MLD) = 8 bytes.
var mldHopByHop = []byte{
	0, 0, // next header, hdr ext len (one 8-byte unit)
	1, 0, // PadN(1) option: type=1, len=0
	5, 2, 0, 0, // Router Alert option: type=5, len=2, value=0 (MLD)
}

// mldHopLimit is the hop limit forced on every MLD output.
var mldHopLimit = 1

func mldFraming() (hopByHop []byte, hopLimit *int) {
	hl := mldHopLimit

	return append([]byte(nil), mldHopByHop...), &hl
}

// fixedHeader assembles type, code, a zero checksum, and body.
func fixedHeader(t Type, code uint8, body []byte) (data []byte) {
	data = make([]byte, 4+len(body))
	data[0] = byte(t)
	data[1] = code
	copy(data[4:], body)

	return data
}

func serializeEcho(t Type, id, seq uint16, payload []byte) (data []byte) {
	body := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint16(body[0:2], id)
	binary.BigEndian.PutUint16(body[2:4], seq)
	copy(body[4:], payload)

	return fixedHeader(t, 0, body)
}

func serializeRouterSolicitation(m RouterSolicitation) (s Serialized, err error) {
	body := make([]byte, 4)
	body = append(body, serializeOptions(m.Options)...)
	data := fixedHeader(TypeRouterSolicitation, 0, body)

	return checkNDPSize(data)
}

func serializeRouterAdvertisement(m RouterAdvertisement) (s Serialized, err error) {
	body := make([]byte, 12)
	body[0] = m.CurHopLimit

	var flags uint8
	if m.Managed {
		flags |= 0x80
	}
	if m.Other {
		flags |= 0x40
	}
	body[1] = flags

	binary.BigEndian.PutUint16(body[2:4], m.RouterLifetime)
	binary.BigEndian.PutUint32(body[4:8], m.ReachableTime)
	binary.BigEndian.PutUint32(body[8:12], m.RetransTimer)

	body = append(body, serializeOptions(m.Options)...)
	data := fixedHeader(TypeRouterAdvertisement, 0, body)

	return checkNDPSize(data)
}

func serializeNeighborSolicitation(m NeighborSolicitation) (s Serialized, err error) {
	body := make([]byte, 20)
	copy(body[4:20], m.Target.AsSlice())
	body = append(body, serializeOptions(m.Options)...)
	data := fixedHeader(TypeNeighborSolicitation, 0, body)

	return checkNDPSize(data)
}

func serializeNeighborAdvertisement(m NeighborAdvertisement) (s Serialized, err error) {
	body := make([]byte, 20)

	var flags uint8
	if m.Router {
		flags |= 0x80
	}
	if m.Solicited {
		flags |= 0x40
	}
	if m.Override {
		flags |= 0x20
	}
	body[0] = flags

	copy(body[4:20], m.Target.AsSlice())
	body = append(body, serializeOptions(m.Options)...)
	data := fixedHeader(TypeNeighborAdvertisement, 0, body)

	return checkNDPSize(data)
}

func serializeRedirect(m Redirect) (s Serialized, err error) {
	body := make([]byte, 36)
	copy(body[4:20], m.Target.AsSlice())
	copy(body[20:36], m.Destination.AsSlice())
	body = append(body, serializeOptions(m.Options)...)
	data := fixedHeader(TypeRedirect, 0, body)

	return checkNDPSize(data)
}

// fixedMLDv1 assembles the fixed 20-byte body shared by MLDv1 report and done
// messages: max-response-delay/reserved left zero, then the multicast
// address.
func fixedMLDv1(t Type, group netip.Addr) (data []byte) {
	body := make([]byte, 20)
	copy(body[4:20], group.AsSlice())

	return fixedHeader(t, 0, body)
}

func serializeMLDQuery(m MulticastListenerQuery) (s Serialized, err error) {
	if len(m.Sources) > maxSources {
		return Serialized{}, ErrTooManySources
	}

	body := make([]byte, 24)
	binary.BigEndian.PutUint16(body[0:2], m.MaxResponseDelay)
	copy(body[4:20], m.Group.AsSlice())

	sAndQRV := m.QRV & 0x07
	if m.S {
		sAndQRV |= 0x08
	}
	body[20] = sAndQRV
	body[21] = m.QQIC
	binary.BigEndian.PutUint16(body[22:24], uint16(len(m.Sources)))

	for _, src := range m.Sources {
		body = append(body, src.AsSlice()...)
	}

	data := fixedHeader(TypeMLDQuery, 0, body)
	if len(data) > maxWireSize {
		return Serialized{}, ErrPacketTooLong
	}

	hopByHop, hopLimit := mldFraming()

	return Serialized{Data: data, HopByHop: hopByHop, HopLimit: hopLimit}, nil
}

func serializeV2Report(m V2MulticastListenerReport) (s Serialized, err error) {
	totalSources := 0
	for _, r := range m.Records {
		totalSources += len(r.Sources)
	}
	if totalSources > maxSources {
		return Serialized{}, ErrTooManySources
	}

	body := make([]byte, 4)
	binary.BigEndian.PutUint16(body[2:4], uint16(len(m.Records)))

	for _, r := range m.Records {
		rec := make([]byte, 20)
		rec[0] = r.RecordType
		binary.BigEndian.PutUint16(rec[2:4], uint16(len(r.Sources)))
		copy(rec[4:20], r.MulticastAddress.AsSlice())

		for _, src := range r.Sources {
			rec = append(rec, src.AsSlice()...)
		}

		body = append(body, rec...)
	}

	data := fixedHeader(TypeMLDv2Report, 0, body)
	if len(data) > maxWireSize {
		return Serialized{}, ErrPacketTooLong
	}

	hopByHop, hopLimit := mldFraming()

	return Serialized{Data: data, HopByHop: hopByHop, HopLimit: hopLimit}, nil
}

// serializeOptions encodes a sequence of NDP options, right-padding each
// option's data to a multiple of 8 bytes minus the 2-byte type/length
// header.
func serializeOptions(opts []NdpOption) (b []byte) {
	for _, o := range opts {
		units := (len(o.Data) + 2 + 7) / 8
		if units == 0 {
			units = 1
		}

		optBytes := make([]byte, units*8)
		optBytes[0] = o.Type
		optBytes[1] = byte(units)
		copy(optBytes[2:], o.Data)

		b = append(b, optBytes...)
	}

	return b
}

// checkNDPSize rejects NDP/MLD serializations larger than 1500 bytes.
func checkNDPSize(data []byte) (s Serialized, err error) {
	if len(data) > maxWireSize {
		return Serialized{}, ErrPacketTooLong
	}

	return Serialized{Data: data}, nil
}
