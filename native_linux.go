//go:build linux

package socket

import (
	"errors"
	"fmt"
	"net/netip"
	"time"

	"golang.org/x/sys/unix"
)

// unixAPI implements sysAPI with golang.org/x/sys/unix.
type unixAPI struct{}

func newSysAPI() sysAPI {
	return unixAPI{}
}

// wrapErrno attaches the matching sentinel to a native error.
func wrapErrno(err error) error {
	if err == nil {
		return nil
	}

	var errno unix.Errno
	if !errors.As(err, &errno) {
		return err
	}

	switch errno {
	case unix.EAGAIN:
		return fmt.Errorf("%w: %w", ErrWouldBlock, errno)
	case unix.ECONNRESET, unix.EPIPE:
		return fmt.Errorf("%w: %w", ErrConnectionReset, errno)
	case unix.ETIMEDOUT, unix.ECONNABORTED, unix.EHOSTUNREACH, unix.ENETUNREACH:
		return fmt.Errorf("%w: %w", ErrConnectionLost, errno)
	case unix.EINTR:
		return fmt.Errorf("%w: %w", errInterrupted, errno)
	case unix.EINPROGRESS:
		return fmt.Errorf("%w: %w", errInProgress, errno)
	}

	return errno
}

func milliseconds(timeout time.Duration) int {
	if timeout < 0 {
		return -1
	}

	ms := timeout.Milliseconds()
	if time.Duration(ms)*time.Millisecond < timeout {
		ms++
	}

	return int(ms)
}

func sockaddrFromAddress(domain int, addr Address) (unix.Sockaddr, error) {
	if !addr.IsValid() {
		return nil, fmt.Errorf("invalid address")
	}

	ip := addr.IP()

	switch domain {
	case unix.AF_INET:
		if !ip.Is4() {
			return nil, fmt.Errorf("%s is not an IPv4 address", ip)
		}
		return &unix.SockaddrInet4{Port: int(addr.Port()), Addr: ip.As4()}, nil
	case unix.AF_INET6:
		sa := &unix.SockaddrInet6{Port: int(addr.Port()), Addr: ip.As16()}
		if zone := ip.Zone(); len(zone) != 0 {
			// numeric zones only
			var id uint32
			if _, err := fmt.Sscanf(zone, "%d", &id); err == nil {
				sa.ZoneId = id
			}
		}
		return sa, nil
	}

	return nil, fmt.Errorf("unsupported address family %d", domain)
}

func addressFromSockaddr(sa unix.Sockaddr) Address {
	switch a := sa.(type) {
	case *unix.SockaddrInet4:
		return NewAddress(netip.AddrFrom4(a.Addr), uint16(a.Port))
	case *unix.SockaddrInet6:
		return NewAddress(netip.AddrFrom16(a.Addr), uint16(a.Port))
	}

	return Address{}
}

func domainOf(fd int) (int, error) {
	return unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_DOMAIN)
}

func (unixAPI) Socket(family Family, kind Kind) (int, error) {
	domain := unix.AF_INET
	if family == FamilyIPv6 {
		domain = unix.AF_INET6
	}

	typ := unix.SOCK_STREAM
	if kind == KindUDP {
		typ = unix.SOCK_DGRAM
	}

	fd, err := unix.Socket(domain, typ|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return -1, wrapErrno(err)
	}

	return fd, nil
}

func (unixAPI) SetNonblock(fd int, nonblocking bool) error {
	return wrapErrno(unix.SetNonblock(fd, nonblocking))
}

func (unixAPI) SetOption(fd int, opt sockOpt, value int) error {
	return wrapErrno(setSockOpt(fd, opt, value))
}

func (unixAPI) Bind(fd int, addr Address) error {
	domain, err := domainOf(fd)
	if err != nil {
		return wrapErrno(err)
	}

	sa, err := sockaddrFromAddress(domain, addr)
	if err != nil {
		return err
	}

	return wrapErrno(unix.Bind(fd, sa))
}

func (unixAPI) Listen(fd int, backlog int) error {
	return wrapErrno(unix.Listen(fd, backlog))
}

func (unixAPI) Accept(fd int) (int, Address, error) {
	nfd, sa, err := unix.Accept4(fd, unix.SOCK_CLOEXEC)
	if err != nil {
		return -1, Address{}, wrapErrno(err)
	}

	return nfd, addressFromSockaddr(sa), nil
}

func (unixAPI) Connect(fd int, addr Address) error {
	domain, err := domainOf(fd)
	if err != nil {
		return wrapErrno(err)
	}

	sa, err := sockaddrFromAddress(domain, addr)
	if err != nil {
		return err
	}

	return wrapErrno(unix.Connect(fd, sa))
}

func (unixAPI) WaitConnected(fd int, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)

	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return wrapErrno(unix.ETIMEDOUT)
		}

		fds := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLOUT}}

		n, err := unix.Poll(fds, milliseconds(remaining))
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			return wrapErrno(err)
		}

		if n == 0 {
			continue
		}

		soerr, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
		if err != nil {
			return wrapErrno(err)
		}

		if soerr != 0 {
			return wrapErrno(unix.Errno(soerr))
		}

		return nil
	}
}

func (unixAPI) Getsockname(fd int) (Address, error) {
	sa, err := unix.Getsockname(fd)
	if err != nil {
		return Address{}, wrapErrno(err)
	}

	return addressFromSockaddr(sa), nil
}

func sendFlags(nonblocking bool) int {
	flags := unix.MSG_NOSIGNAL
	if nonblocking {
		flags |= unix.MSG_DONTWAIT
	}

	return flags
}

func (unixAPI) Send(fd int, p []byte, nonblocking bool) (int, error) {
	n, err := unix.SendmsgN(fd, p, nil, nil, sendFlags(nonblocking))
	if err != nil {
		return 0, wrapErrno(err)
	}

	return n, nil
}

func (unixAPI) SendTo(fd int, p []byte, addr Address, nonblocking bool) (int, error) {
	domain, err := domainOf(fd)
	if err != nil {
		return 0, wrapErrno(err)
	}

	sa, err := sockaddrFromAddress(domain, addr)
	if err != nil {
		return 0, err
	}

	n, err := unix.SendmsgN(fd, p, nil, sa, sendFlags(nonblocking))
	if err != nil {
		return 0, wrapErrno(err)
	}

	return n, nil
}

func recvFlags(nonblocking bool) int {
	if nonblocking {
		return unix.MSG_DONTWAIT
	}

	return 0
}

func (unixAPI) Recv(fd int, p []byte, nonblocking bool) (int, error) {
	n, _, err := unix.Recvfrom(fd, p, recvFlags(nonblocking))
	if err != nil {
		return -1, wrapErrno(err)
	}

	return n, nil
}

func (unixAPI) RecvFrom(fd int, p []byte, nonblocking bool) (int, Address, error) {
	n, sa, err := unix.Recvfrom(fd, p, recvFlags(nonblocking))
	if err != nil {
		return -1, Address{}, wrapErrno(err)
	}

	return n, addressFromSockaddr(sa), nil
}

func (unixAPI) ShutdownWrite(fd int) error {
	return wrapErrno(unix.Shutdown(fd, unix.SHUT_WR))
}

func (unixAPI) Close(fd int) error {
	return wrapErrno(unix.Close(fd))
}

func (unixAPI) EpollCreate() (int, error) {
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return -1, wrapErrno(err)
	}

	return fd, nil
}

var epollFlags = []struct {
	native uint32
	flag   EventFlags
}{
	{unix.EPOLLIN, EventReadable},
	{unix.EPOLLPRI, EventPriority},
	{unix.EPOLLOUT, EventWritable},
	{unix.EPOLLERR, EventError},
	{unix.EPOLLHUP, EventHangup},
	{unix.EPOLLRDHUP, EventReadHangup},
	{unix.EPOLLET, EventEdgeTriggered},
	{unix.EPOLLONESHOT, EventOneShot},
}

func toEpoll(flags EventFlags) uint32 {
	var events uint32

	for _, f := range epollFlags {
		if flags&f.flag != 0 {
			events |= f.native
		}
	}

	return events
}

func fromEpoll(events uint32) EventFlags {
	var flags EventFlags

	for _, f := range epollFlags {
		if events&f.native != 0 {
			flags |= f.flag
		}
	}

	return flags
}

func (unixAPI) EpollAdd(epfd, fd int, events EventFlags, token uint64) error {
	ev := unix.EpollEvent{
		Events: toEpoll(events),
		Fd:     int32(uint32(token)),
		Pad:    int32(uint32(token >> 32)),
	}

	return wrapErrno(unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, fd, &ev))
}

func (unixAPI) EpollDel(epfd, fd int) error {
	return wrapErrno(unix.EpollCtl(epfd, unix.EPOLL_CTL_DEL, fd, nil))
}

// pollBuffer receives the events of one epoll_wait.
type pollBuffer struct {
	raw []unix.EpollEvent
}

func newPollBuffer(capacity int) *pollBuffer {
	return &pollBuffer{raw: make([]unix.EpollEvent, capacity)}
}

func (unixAPI) EpollWait(epfd int, buf *pollBuffer, events []pollEvent, timeout time.Duration) (int, error) {
	if len(buf.raw) < len(events) {
		buf.raw = make([]unix.EpollEvent, len(events))
	}

	raw := buf.raw[:len(events)]

	n, err := unix.EpollWait(epfd, raw, milliseconds(timeout))
	if err != nil {
		return -1, wrapErrno(err)
	}

	for i := 0; i < n; i++ {
		events[i] = pollEvent{
			Events: fromEpoll(raw[i].Events),
			Token:  uint64(uint32(raw[i].Fd)) | uint64(uint32(raw[i].Pad))<<32,
		}
	}

	return n, nil
}
