package icmp6

import (
	"encoding/binary"
	"net/netip"
)

// routerAlertMLD is the value of the Router Alert hop-by-hop option (type 5)
// that flags a packet as MLD-eligible, RFC 2711.
const routerAlertMLD = 0

// hopByHopOptRouterAlert is the IPv6 hop-by-hop option type for Router Alert.
const hopByHopOptRouterAlert = 5

// hasRouterAlertMLD walks a raw hop-by-hop options header (starting at the
// next-header/length pair) and reports whether it carries the Router Alert
// option with the MLD value.
func hasRouterAlertMLD(hopByHop []byte) (ok bool) {
	if len(hopByHop) < 2 {
		return false
	}

	// Skip the next-header and header-extension-length fields; the rest is a
	// sequence of TLV options (PadN options included).
	opts := hopByHop[2:]
	for i := 0; i < len(opts); {
		optType := opts[i]
		if optType == 0 {
			// Pad1.
			i++

			continue
		}

		if i+1 >= len(opts) {
			return false
		}

		optLen := int(opts[i+1])
		if i+2+optLen > len(opts) {
			return false
		}

		if optType == hopByHopOptRouterAlert && optLen == 2 {
			v := binary.BigEndian.Uint16(opts[i+2 : i+4])
			if v == routerAlertMLD {
				return true
			}
		}

		i += 2 + optLen
	}

	return false
}

// isMLDType reports whether t is one of the MLD message types that require
// hop limit 1 and the Router Alert (MLD) option.
func isMLDType(t Type) (ok bool) {
	switch t {
	case TypeMLDQuery, TypeMLDv1Report, TypeMLDv1Done, TypeMLDv2Report:
		return true
	default:
		return false
	}
}

// Parse decodes p into a [Message].  p.HopLimit and p.HopByHop must be
// populated for MLD-typed packets.
func Parse(p *Packet) (msg Message, err error) {
	data := p.Payload()
	if len(data) < 4 {
		return nil, ErrPacketTooShort
	}

	rawType := data[0]
	code := data[1]
	body := data[4:]
	t := Type(rawType)

	if rawType == 0 || int(rawType) > maxType {
		return nil, ErrOutOfRange
	}

	if isMLDType(t) {
		if p.HopLimit == nil || *p.HopLimit != 1 {
			return nil, ErrBadHopLimit
		}

		if !hasRouterAlertMLD(p.HopByHop) {
			return nil, ErrMissingRouterAlert
		}
	}

	switch t {
	case TypeDestinationUnreachable:
		if len(body) < 4 {
			return nil, ErrPacketTooShort
		}

		return DestinationUnreachable{Code: code}, nil
	case TypePacketTooBig:
		if len(body) < 4 {
			return nil, ErrPacketTooShort
		}

		return PacketTooBig{MTU: binary.BigEndian.Uint32(body[:4])}, nil
	case TypeTimeExceeded:
		if len(body) < 4 {
			return nil, ErrPacketTooShort
		}

		return TimeExceeded{Code: code}, nil
	case TypeParameterProblem:
		if len(body) < 4 {
			return nil, ErrPacketTooShort
		}

		return ParameterProblem{Code: code}, nil
	case TypeEchoRequest, TypeEchoReply:
		return parseEcho(t, body)
	case TypeRouterSolicitation:
		return parseRouterSolicitation(body)
	case TypeRouterAdvertisement:
		return parseRouterAdvertisement(body)
	case TypeNeighborSolicitation:
		return parseNeighborSolicitation(body)
	case TypeNeighborAdvertisement:
		return parseNeighborAdvertisement(body)
	case TypeRedirect:
		return parseRedirect(body)
	case TypeMLDQuery:
		return parseMLDQuery(body)
	case TypeMLDv1Report:
		return parseV1Report(body)
	case TypeMLDv1Done:
		return parseV1Done(body)
	case TypeMLDv2Report:
		return parseV2Report(body)
	default:
		if rawType >= 138 {
			return Ignored{RawType: rawType}, nil
		}

		return Unknown{RawType: rawType, Code: code, Data: append([]byte(nil), body...)}, nil
	}
}

func parseEcho(t Type, body []byte) (msg Message, err error) {
	if len(body) < 4 {
		return nil, ErrPacketTooShort
	}

	id := binary.BigEndian.Uint16(body[0:2])
	seq := binary.BigEndian.Uint16(body[2:4])
	data := append([]byte(nil), body[4:]...)

	if t == TypeEchoRequest {
		return EchoRequest{ID: id, Seq: seq, Data: data}, nil
	}

	return EchoReply{ID: id, Seq: seq, Data: data}, nil
}

func parseRouterSolicitation(body []byte) (msg Message, err error) {
	if len(body) < 4 {
		return nil, ErrPacketTooShort
	}

	opts, err := parseOptions(body[4:])
	if err != nil {
		return nil, err
	}

	return RouterSolicitation{Options: opts}, nil
}

func parseRouterAdvertisement(body []byte) (msg Message, err error) {
	if len(body) < 12 {
		return nil, ErrPacketTooShort
	}

	flags := body[1]
	opts, err := parseOptions(body[12:])
	if err != nil {
		return nil, err
	}

	return RouterAdvertisement{
		CurHopLimit:    body[0],
		Managed:        flags&0x80 != 0,
		Other:          flags&0x40 != 0,
		RouterLifetime: binary.BigEndian.Uint16(body[2:4]),
		ReachableTime:  binary.BigEndian.Uint32(body[4:8]),
		RetransTimer:   binary.BigEndian.Uint32(body[8:12]),
		Options:        opts,
	}, nil
}

func parseNeighborSolicitation(body []byte) (msg Message, err error) {
	if len(body) < 20 {
		return nil, ErrPacketTooShort
	}

	target, ok := netip.AddrFromSlice(body[4:20])
	if !ok {
		return nil, ErrPacketTooShort
	}

	opts, err := parseOptions(body[20:])
	if err != nil {
		return nil, err
	}

	return NeighborSolicitation{Target: target.Unmap(), Options: opts}, nil
}

func parseNeighborAdvertisement(body []byte) (msg Message, err error) {
	if len(body) < 20 {
		return nil, ErrPacketTooShort
	}

	flags := body[0]
	target, ok := netip.AddrFromSlice(body[4:20])
	if !ok {
		return nil, ErrPacketTooShort
	}

	opts, err := parseOptions(body[20:])
	if err != nil {
		return nil, err
	}

	return NeighborAdvertisement{
		Router:    flags&0x80 != 0,
		Solicited: flags&0x40 != 0,
		Override:  flags&0x20 != 0,
		Target:    target.Unmap(),
		Options:   opts,
	}, nil
}

func parseRedirect(body []byte) (msg Message, err error) {
	if len(body) < 36 {
		return nil, ErrPacketTooShort
	}

	target, ok := netip.AddrFromSlice(body[4:20])
	if !ok {
		return nil, ErrPacketTooShort
	}

	dest, ok := netip.AddrFromSlice(body[20:36])
	if !ok {
		return nil, ErrPacketTooShort
	}

	opts, err := parseOptions(body[36:])
	if err != nil {
		return nil, err
	}

	return Redirect{Target: target.Unmap(), Destination: dest.Unmap(), Options: opts}, nil
}

// mldv1BodyLen is the fixed body length of an MLDv1 query/report/done:
// max-response-delay(2) + reserved(2) + multicast-address(16).
const mldv1BodyLen = 20

func parseMLDQuery(body []byte) (msg Message, err error) {
	if len(body) < mldv1BodyLen {
		return nil, ErrPacketTooShort
	}

	maxRespDelay := binary.BigEndian.Uint16(body[0:2])
	group, ok := netip.AddrFromSlice(body[4:20])
	if !ok {
		return nil, ErrPacketTooShort
	}
	group = group.Unmap()

	q := MulticastListenerQuery{MaxResponseDelay: maxRespDelay, Group: group}

	if len(body) < mldv1BodyLen+4 {
		// Plain MLDv1 query: no QRV/QQIC/source list.
		return q, nil
	}

	sFlagAndQRV := body[20]
	q.S = sFlagAndQRV&0x08 != 0
	q.QRV = sFlagAndQRV & 0x07
	q.QQIC = body[21]
	numSrc := int(binary.BigEndian.Uint16(body[22:24]))

	if numSrc > maxSources {
		return nil, ErrTooManySources
	}

	want := 24 + numSrc*16
	if len(body) < want {
		return nil, ErrPacketTooShort
	}

	q.Sources = make([]netip.Addr, 0, numSrc)
	for i := range numSrc {
		off := 24 + i*16
		src, ok := netip.AddrFromSlice(body[off : off+16])
		if !ok {
			return nil, ErrPacketTooShort
		}

		q.Sources = append(q.Sources, src.Unmap())
	}

	return q, nil
}

func parseV1Report(body []byte) (msg Message, err error) {
	if len(body) < mldv1BodyLen {
		return nil, ErrPacketTooShort
	}

	group, ok := netip.AddrFromSlice(body[4:20])
	if !ok {
		return nil, ErrPacketTooShort
	}

	return V1MulticastListenerReport{Group: group.Unmap()}, nil
}

func parseV1Done(body []byte) (msg Message, err error) {
	if len(body) < mldv1BodyLen {
		return nil, ErrPacketTooShort
	}

	group, ok := netip.AddrFromSlice(body[4:20])
	if !ok {
		return nil, ErrPacketTooShort
	}

	return V1MulticastListenerDone{Group: group.Unmap()}, nil
}

func parseV2Report(body []byte) (msg Message, err error) {
	if len(body) < 4 {
		return nil, ErrPacketTooShort
	}

	numRecords := int(binary.BigEndian.Uint16(body[2:4]))
	off := 4

	records := make([]MulticastReportRecord, 0, numRecords)
	totalSources := 0

	for range numRecords {
		if off+20 > len(body) {
			return nil, ErrPacketTooShort
		}

		recordType := body[off]
		auxDataLen := int(body[off+1])
		numSrc := int(binary.BigEndian.Uint16(body[off+2 : off+4]))

		group, ok := netip.AddrFromSlice(body[off+4 : off+20])
		if !ok {
			return nil, ErrPacketTooShort
		}

		off += 20

		totalSources += numSrc
		if totalSources > maxSources {
			return nil, ErrTooManySources
		}

		if off+numSrc*16 > len(body) {
			return nil, ErrPacketTooShort
		}

		sources := make([]netip.Addr, 0, numSrc)
		for i := range numSrc {
			s, ok := netip.AddrFromSlice(body[off+i*16 : off+i*16+16])
			if !ok {
				return nil, ErrPacketTooShort
			}

			sources = append(sources, s.Unmap())
		}
		off += numSrc * 16

		// Skip per-record auxiliary data.
		off += auxDataLen
		if off > len(body) {
			return nil, ErrPacketTooShort
		}

		records = append(records, MulticastReportRecord{
			RecordType:       recordType,
			MulticastAddress: group.Unmap(),
			Sources:          sources,
		})
	}

	return V2MulticastListenerReport{Records: records}, nil
}

// parseOptions parses a sequence of NDP options from the byte after the
// fixed header to end-of-packet.
func parseOptions(b []byte) (opts []NdpOption, err error) {
	for len(b) > 0 {
		if len(b) < 2 {
			break
		}

		optType := b[0]
		lengthUnits := int(b[1])
		if lengthUnits == 0 {
			break
		}

		optLen := lengthUnits * 8
		if optLen > len(b) {
			break
		}

		opts = append(opts, NdpOption{Type: optType, Data: append([]byte(nil), b[2:optLen]...)})
		b = b[optLen:]
	}

	return opts, nil
}
