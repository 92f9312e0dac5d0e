//go:build linux

package rawsock

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// IPv6 socket options not exposed by golang.org/x/net/ipv6.
const (
	optRouterAlert   = unix.IPV6_ROUTER_ALERT
	optMulticastAll  = unix.IPV6_MULTICAST_ALL
	optAutoflowlabel = unix.IPV6_AUTOFLOWLABEL
)

func setsockoptInt(fd uintptr, opt int, value int) (err error) {
	err = unix.SetsockoptInt(int(fd), unix.IPPROTO_IPV6, opt, value)
	if err != nil {
		return fmt.Errorf("setsockopt(%d, %d): %w", unix.IPPROTO_IPV6, opt, err)
	}

	return nil
}

func setsockoptBool(fd uintptr, opt int, value bool) (err error) {
	v := 0
	if value {
		v = 1
	}

	return setsockoptInt(fd, opt, v)
}
