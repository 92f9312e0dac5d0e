package icmp6

import (
	"net"
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// packetFor wraps a [Serialized] into the received-packet shape [Parse]
// expects, carrying over the ancillary data the serializer produced.
func packetFor(s Serialized) (p *Packet) {
	return &Packet{
		Data:     s.Data,
		N:        len(s.Data),
		HopLimit: s.HopLimit,
		HopByHop: s.HopByHop,
	}
}

func TestRoundTrip(t *testing.T) {
	t.Parallel()

	mac := net.HardwareAddr{0x00, 0x11, 0x22, 0x33, 0x44, 0x55}
	srcLL := NewLinkLayerOption(NdpOptSourceLinkLayerAddr, mac)

	testCases := []struct {
		msg  Message
		name string
	}{{
		name: "destination_unreachable",
		msg:  DestinationUnreachable{Code: 3},
	}, {
		name: "packet_too_big",
		msg:  PacketTooBig{MTU: 1280},
	}, {
		name: "time_exceeded",
		msg:  TimeExceeded{Code: 1},
	}, {
		name: "parameter_problem",
		msg:  ParameterProblem{Code: 2},
	}, {
		name: "echo_request",
		msg:  EchoRequest{ID: 0x1234, Seq: 7, Data: []byte("ping")},
	}, {
		name: "echo_reply",
		msg:  EchoReply{ID: 0x1234, Seq: 7, Data: []byte("pong")},
	}, {
		name: "router_solicitation",
		msg:  RouterSolicitation{Options: []NdpOption{srcLL}},
	}, {
		name: "router_advertisement",
		msg: RouterAdvertisement{
			CurHopLimit:    64,
			Managed:        true,
			Other:          true,
			RouterLifetime: 1800,
			ReachableTime:  30000,
			RetransTimer:   1000,
			Options:        []NdpOption{srcLL},
		},
	}, {
		name: "neighbor_solicitation",
		msg: NeighborSolicitation{
			Target:  netip.MustParseAddr("2001:db8::42"),
			Options: []NdpOption{srcLL},
		},
	}, {
		name: "neighbor_advertisement",
		msg: NeighborAdvertisement{
			Router:    true,
			Solicited: true,
			Override:  true,
			Target:    netip.MustParseAddr("2001:db8::42"),
			Options:   []NdpOption{NewLinkLayerOption(NdpOptTargetLinkLayerAddr, mac)},
		},
	}, {
		name: "redirect",
		msg: Redirect{
			Target:      netip.MustParseAddr("fe80::1"),
			Destination: netip.MustParseAddr("2001:db8::99"),
			Options:     []NdpOption{srcLL},
		},
	}, {
		name: "mld_query",
		msg: MulticastListenerQuery{
			MaxResponseDelay: 10000,
			Group:            netip.MustParseAddr("ff38::1234"),
			S:                true,
			QRV:              2,
			QQIC:             125,
			Sources: []netip.Addr{
				netip.MustParseAddr("2001:db8::a"),
				netip.MustParseAddr("2001:db8::b"),
			},
		},
	}, {
		name: "v2_report",
		msg: V2MulticastListenerReport{
			Records: []MulticastReportRecord{{
				RecordType:       RecordModeIsInclude,
				MulticastAddress: netip.MustParseAddr("ff38::1234"),
				Sources:          []netip.Addr{netip.MustParseAddr("2001:db8::a")},
			}, {
				RecordType:       RecordModeIsExclude,
				MulticastAddress: netip.MustParseAddr("ff38::5678"),
				Sources:          []netip.Addr{netip.MustParseAddr("2001:db8::b")},
			}},
		},
	}}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			s, err := Serialize(tc.msg)
			require.NoError(t, err)

			got, err := Parse(packetFor(s))
			require.NoError(t, err)

			assert.Equal(t, tc.msg, got)
		})
	}
}

func TestRoundTrip_mldv1(t *testing.T) {
	t.Parallel()

	group := netip.MustParseAddr("ff38::1234")

	testCases := []struct {
		msg  Message
		name string
	}{{
		name: "report",
		msg:  V1MulticastListenerReport{Group: group},
	}, {
		name: "done",
		msg:  V1MulticastListenerDone{Group: group},
	}}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			s, err := Serialize(tc.msg)
			require.NoError(t, err)

			// MLDv1 outputs are only ever produced by other nodes; attach the
			// MLD framing the kernel would deliver alongside them.
			hl := 1
			p := packetFor(s)
			p.HopLimit = &hl
			p.HopByHop = append([]byte(nil), mldHopByHop...)

			got, err := Parse(p)
			require.NoError(t, err)

			assert.Equal(t, tc.msg, got)
		})
	}
}

func TestParse_mldGate(t *testing.T) {
	t.Parallel()

	s, err := Serialize(MulticastListenerQuery{Group: netip.MustParseAddr("ff38::1")})
	require.NoError(t, err)

	t.Run("bad_hop_limit", func(t *testing.T) {
		t.Parallel()

		hl := 2
		p := packetFor(s)
		p.HopLimit = &hl

		_, parseErr := Parse(p)
		assert.ErrorIs(t, parseErr, ErrBadHopLimit)
	})

	t.Run("no_hop_limit", func(t *testing.T) {
		t.Parallel()

		p := packetFor(s)
		p.HopLimit = nil

		_, parseErr := Parse(p)
		assert.ErrorIs(t, parseErr, ErrBadHopLimit)
	})

	t.Run("no_router_alert", func(t *testing.T) {
		t.Parallel()

		p := packetFor(s)
		p.HopByHop = nil

		_, parseErr := Parse(p)
		assert.ErrorIs(t, parseErr, ErrMissingRouterAlert)
	})
}

func TestParse_tooShort(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name string
		data []byte
	}{{
		name: "ns_truncated_target",
		data: append([]byte{byte(TypeNeighborSolicitation), 0, 0, 0}, make([]byte, 10)...),
	}, {
		name: "ra_truncated",
		data: append([]byte{byte(TypeRouterAdvertisement), 0, 0, 0}, make([]byte, 4)...),
	}, {
		name: "packet_too_big_truncated",
		data: []byte{byte(TypePacketTooBig), 0, 0, 0},
	}}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			_, err := Parse(&Packet{Data: tc.data, N: len(tc.data)})
			assert.ErrorIs(t, err, ErrPacketTooShort)
		})
	}
}

func TestParse_outOfRange(t *testing.T) {
	t.Parallel()

	data := []byte{200, 0, 0, 0}
	_, err := Parse(&Packet{Data: data, N: len(data)})
	assert.ErrorIs(t, err, ErrOutOfRange)
}

func TestParse_ignoredRange(t *testing.T) {
	t.Parallel()

	data := []byte{140, 0, 0, 0}
	msg, err := Parse(&Packet{Data: data, N: len(data)})
	require.NoError(t, err)

	assert.Equal(t, Ignored{RawType: 140}, msg)
}

func TestSerializeOptions_padding(t *testing.T) {
	t.Parallel()

	mac := net.HardwareAddr{0x00, 0x11, 0x22, 0x33, 0x44, 0x55}
	b := serializeOptions([]NdpOption{NewLinkLayerOption(NdpOptSourceLinkLayerAddr, mac)})

	require.Len(t, b, 8)
	assert.Equal(t, uint8(1), b[0])
	assert.Equal(t, uint8(1), b[1])
	assert.Equal(t, []byte(mac), b[2:8])

	// A 9-byte payload needs two 8-byte units and zero right-padding.
	b = serializeOptions([]NdpOption{{Type: 25, Data: make([]byte, 9)}})
	require.Len(t, b, 16)
	assert.Equal(t, uint8(25), b[0])
	assert.Equal(t, uint8(2), b[1])
}

func TestParseOptions_terminators(t *testing.T) {
	t.Parallel()

	t.Run("zero_length", func(t *testing.T) {
		t.Parallel()

		opts, err := parseOptions([]byte{1, 0, 0xde, 0xad})
		require.NoError(t, err)

		assert.Empty(t, opts)
	})

	t.Run("length_past_end", func(t *testing.T) {
		t.Parallel()

		opts, err := parseOptions([]byte{1, 4, 0xde, 0xad})
		require.NoError(t, err)

		assert.Empty(t, opts)
	})
}

func TestSerialize_limits(t *testing.T) {
	t.Parallel()

	t.Run("too_many_sources", func(t *testing.T) {
		t.Parallel()

		sources := make([]netip.Addr, maxSources+1)
		for i := range sources {
			sources[i] = netip.MustParseAddr("2001:db8::1")
		}

		_, err := Serialize(MulticastListenerQuery{
			Group:   netip.MustParseAddr("ff38::1"),
			Sources: sources,
		})
		assert.ErrorIs(t, err, ErrTooManySources)

		_, err = Serialize(V2MulticastListenerReport{
			Records: []MulticastReportRecord{{
				RecordType:       RecordModeIsInclude,
				MulticastAddress: netip.MustParseAddr("ff38::1"),
				Sources:          sources,
			}},
		})
		assert.ErrorIs(t, err, ErrTooManySources)
	})

	t.Run("too_long", func(t *testing.T) {
		t.Parallel()

		opts := make([]NdpOption, 200)
		for i := range opts {
			opts[i] = NdpOption{Type: 25, Data: make([]byte, 6)}
		}

		_, err := Serialize(RouterAdvertisement{Options: opts})
		assert.ErrorIs(t, err, ErrPacketTooLong)
	})
}

func TestParseV2Report_auxData(t *testing.T) {
	t.Parallel()

	// An IS_EXCLUDE record for ff38::1 with no sources and four bytes of
	// auxiliary data, which the parser must skip, followed by a second
	// record that must still decode correctly.
	groupA := netip.MustParseAddr("ff38::1")
	groupB := netip.MustParseAddr("ff38::2")
	src := netip.MustParseAddr("2001:db8::a")

	body := []byte{0, 0, 0, 2}

	rec := []byte{RecordModeIsExclude, 4, 0, 0}
	rec = append(rec, groupA.AsSlice()...)
	rec = append(rec, 0xde, 0xad, 0xbe, 0xef)
	body = append(body, rec...)

	rec = []byte{RecordModeIsInclude, 0, 0, 1}
	rec = append(rec, groupB.AsSlice()...)
	rec = append(rec, src.AsSlice()...)
	body = append(body, rec...)

	data := append([]byte{byte(TypeMLDv2Report), 0, 0, 0}, body...)
	hl := 1

	msg, err := Parse(&Packet{
		Data:     data,
		N:        len(data),
		HopLimit: &hl,
		HopByHop: append([]byte(nil), mldHopByHop...),
	})
	require.NoError(t, err)

	report, ok := msg.(V2MulticastListenerReport)
	require.True(t, ok)
	require.Len(t, report.Records, 2)

	assert.Equal(t, groupA, report.Records[0].MulticastAddress)
	assert.Empty(t, report.Records[0].Sources)

	assert.Equal(t, groupB, report.Records[1].MulticastAddress)
	assert.Equal(t, []netip.Addr{src}, report.Records[1].Sources)
}

func TestHasRouterAlertMLD(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name string
		in   []byte
		want bool
	}{{
		name: "canonical",
		in:   mldHopByHop,
		want: true,
	}, {
		name: "pad1_then_alert",
		in:   []byte{0, 0, 0, 0, 5, 2, 0, 0},
		want: true,
	}, {
		name: "wrong_value",
		in:   []byte{0, 0, 1, 0, 5, 2, 0, 1},
		want: false,
	}, {
		name: "no_alert",
		in:   []byte{0, 0, 1, 4, 0, 0, 0, 0},
		want: false,
	}, {
		name: "empty",
		in:   nil,
		want: false,
	}}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			assert.Equal(t, tc.want, hasRouterAlertMLD(tc.in))
		})
	}
}
