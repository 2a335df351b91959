//go:build linux

package socket

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// setSockOpt sets a kernel socket option on fd.
func setSockOpt(fd int, opt sockOpt, value int) error {
	switch opt {
	case optReuseAddr:
		return unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, value)
	case optIPTOS:
		return unix.SetsockoptInt(fd, unix.IPPROTO_IP, unix.IP_TOS, value)
	case optIPTTL:
		return unix.SetsockoptInt(fd, unix.IPPROTO_IP, unix.IP_TTL, value)
	case optSendBuffer:
		return unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_SNDBUF, value)
	case optReceiveBuffer:
		return unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_RCVBUF, value)
	case optV6Only:
		return unix.SetsockoptInt(fd, unix.IPPROTO_IPV6, unix.IPV6_V6ONLY, value)
	}

	return fmt.Errorf("unknown socket option %d", opt)
}
