//go:build linux

package rawsock

import (
	"encoding/binary"
	"fmt"
	"net/netip"
	"unsafe"

	"golang.org/x/sys/unix"
)

// MRT6 socket-option family, <linux/mroute6.h>.  Values 200+0 through
// 200+12.
const (
	mrt6Base      = 200
	mrt6Init      = mrt6Base + 0
	mrt6Done      = mrt6Base + 1
	mrt6AddMif    = mrt6Base + 2
	mrt6DelMif    = mrt6Base + 3
	mrt6AddMfc    = mrt6Base + 4
	mrt6DelMfc    = mrt6Base + 5
	mrt6MaxMifs   = 32
	mrt6IfSetSize = 256
)

// SetMrtFlag enables or disables the kernel IPv6 multicast-routing session
// on this socket via MRT6_INIT/MRT6_DONE.  At most one socket per network
// namespace may hold this.
func (s *Socket) SetMrtFlag(on bool) (err error) {
	opt := mrt6Done
	if on {
		opt = mrt6Init
	}

	// The value written for MRT6_INIT is conventionally the socket's own fd;
	// any non-negative int is accepted by the kernel.
	return s.control(func(fd uintptr) error {
		setErr := unix.SetsockoptInt(int(fd), unix.IPPROTO_IPV6, opt, int(fd))
		if setErr != nil {
			return fmt.Errorf("mrt6 flag(%v): %w", on, setErr)
		}

		return nil
	})
}

// mif6ctl mirrors struct mif6ctl from <linux/mroute6.h>:
//
//	mifi_t mif6c_mifi;              // u16
//	unsigned char mif6c_flags;      // u8
//	unsigned char vifc_threshold;   // u8
//	u16 mif6c_pifi;                 // u16
//	unsigned int vifc_rate_limit;   // u32
func marshalMif6ctl(vifID uint16, ifIndex uint16) (b []byte) {
	b = make([]byte, 10)
	binary.LittleEndian.PutUint16(b[0:2], vifID)
	b[2] = 0 // flags
	b[3] = 1 // threshold
	binary.LittleEndian.PutUint16(b[4:6], ifIndex)
	binary.LittleEndian.PutUint32(b[6:10], 0) // rate limit

	return b
}

// MulticastAddVif installs a mif entry for ifIndex at vifID, threshold 1, no
// rate limit, no flags, via MRT6_ADD_MIF.
func (s *Socket) MulticastAddVif(vifID uint16, ifIndex int) (err error) {
	b := marshalMif6ctl(vifID, uint16(ifIndex))

	return s.control(func(fd uintptr) error { return setsockoptBytes(fd, mrt6AddMif, b) })
}

// MulticastDelVif removes the mif entry for vifID via MRT6_DEL_MIF.
func (s *Socket) MulticastDelVif(vifID uint16) (err error) {
	b := make([]byte, 2)
	binary.LittleEndian.PutUint16(b, vifID)

	return s.control(func(fd uintptr) error { return setsockoptBytes(fd, mrt6DelMif, b) })
}

// sockaddrIn6 mirrors struct sockaddr_in6 on Linux: family(2) + port(2) +
// flowinfo(4) + addr(16) + scope_id(4) = 28 bytes.
func marshalSockaddrIn6(addr netip.Addr) (b []byte) {
	b = make([]byte, 28)
	binary.LittleEndian.PutUint16(b[0:2], unix.AF_INET6)

	if addr.IsValid() {
		copy(b[8:24], addr.AsSlice())
	}

	return b
}

// mf6ifSetSize is sizeof(struct if_set) on 64-bit Linux: ceil(256 bits /
// 64 bits per word) words of 8 bytes each.
const mf6ifSetSize = (mrt6IfSetSize / 64) * 8

// marshalMf6cctl mirrors struct mf6cctl from <linux/mroute6.h>:
//
//	struct sockaddr_in6 mf6cc_origin;
//	struct sockaddr_in6 mf6cc_mcastgrp;
//	mifi_t mf6cc_parent;     // u16, then 6 bytes of padding to the next
//	                         // 8-byte-aligned field
//	struct if_set mf6cc_ifset;
func marshalMf6cctl(origin, group netip.Addr, parentVif uint16, outputVifs []uint16) (b []byte) {
	b = make([]byte, 0, 28+28+8+mf6ifSetSize)
	b = append(b, marshalSockaddrIn6(origin)...)
	b = append(b, marshalSockaddrIn6(group)...)

	parent := make([]byte, 8)
	binary.LittleEndian.PutUint16(parent, parentVif)
	b = append(b, parent...)

	ifset := make([]byte, mf6ifSetSize)
	for _, vif := range outputVifs {
		word := vif / 64
		bit := vif % 64
		if int(word)*8+8 <= len(ifset) {
			off := int(word) * 8
			v := binary.LittleEndian.Uint64(ifset[off : off+8])
			v |= 1 << bit
			binary.LittleEndian.PutUint64(ifset[off:off+8], v)
		}
	}
	b = append(b, ifset...)

	return b
}

// MulticastAddMroute installs an MFC entry for (source, group) with
// parentVif as the incoming mif and outputVifs as the set bits in the oif
// bitmap, via MRT6_ADD_MFC.  A source of the unspecified address means
// source-wildcard (the "(*, G)" entry).
func (s *Socket) MulticastAddMroute(
	parentVif uint16,
	outputVifs []uint16,
	group netip.Addr,
	source netip.Addr,
) (err error) {
	b := marshalMf6cctl(source, group, parentVif, outputVifs)

	return s.control(func(fd uintptr) error { return setsockoptBytes(fd, mrt6AddMfc, b) })
}

// MulticastDelMroute removes the MFC entry matching (source, group) via
// MRT6_DEL_MFC.
func (s *Socket) MulticastDelMroute(parentVif uint16, group netip.Addr, source netip.Addr) (err error) {
	b := marshalMf6cctl(source, group, parentVif, nil)

	return s.control(func(fd uintptr) error { return setsockoptBytes(fd, mrt6DelMfc, b) })
}

// setsockoptBytes installs raw struct bytes via setsockopt(2); x/sys/unix has
// no typed helper for the MRT6 structures, so this goes straight to the
// syscall, mirroring how other Go network daemons reach kernel ioctl-like
// socket options without a vendored struct definition.
func setsockoptBytes(fd uintptr, opt int, b []byte) (err error) {
	if len(b) == 0 {
		b = []byte{0}
	}

	_, _, errno := unix.Syscall6(
		unix.SYS_SETSOCKOPT,
		fd,
		unix.IPPROTO_IPV6,
		uintptr(opt),
		uintptr(unsafe.Pointer(&b[0])),
		uintptr(len(b)),
		0,
	)
	if errno != 0 {
		return fmt.Errorf("setsockopt(IPPROTO_IPV6, %d): %w", opt, errno)
	}

	return nil
}
