package socket

import (
	"errors"
	"net/netip"
	"time"

	srt "github.com/datarhei/gosrt"
	"github.com/datarhei/gosocket/internal/srtsock"
)

// Errors returned by a sysAPI besides the Err* sentinels.
var (
	errInterrupted = errors.New("interrupted system call")
	errInProgress  = errors.New("operation now in progress")
)

// sockOpt is a kernel socket option understood by sysAPI.SetOption.
type sockOpt int

const (
	optReuseAddr sockOpt = iota
	optIPTOS
	optIPTTL
	optSendBuffer
	optReceiveBuffer
	optV6Only
)

// Option is a socket option that can be set with Socket.SetOption.
type Option int

const (
	OptionReuseAddr     Option = iota // SO_REUSEADDR, TCP/UDP
	OptionIPTOS                       // IP_TOS, TCP/UDP
	OptionIPTTL                       // IP_TTL, TCP/UDP
	OptionSendBuffer                  // SO_SNDBUF, TCP/UDP
	OptionReceiveBuffer               // SO_RCVBUF, TCP/UDP
	OptionReceiveSync                 // SRTO_RCVSYN, SRT
	OptionSendSync                    // SRTO_SNDSYN, SRT
)

// pollEvent is one entry of a kernel poll set result. The token is stored
// inline in the native event record.
type pollEvent struct {
	Events EventFlags
	Token  uint64
}

// sysAPI are the kernel calls used by TCP and UDP transports and by the
// kernel poll set. Errors that mean "would block" match ErrWouldBlock,
// "connection reset" matches ErrConnectionReset and "connection lost"
// matches ErrConnectionLost. EINTR and EINPROGRESS are reported as
// errInterrupted and errInProgress.
type sysAPI interface {
	Socket(family Family, kind Kind) (int, error)
	SetNonblock(fd int, nonblocking bool) error
	SetOption(fd int, opt sockOpt, value int) error
	Bind(fd int, addr Address) error
	Listen(fd int, backlog int) error
	Accept(fd int) (int, Address, error)
	Connect(fd int, addr Address) error
	WaitConnected(fd int, timeout time.Duration) error
	Getsockname(fd int) (Address, error)
	Send(fd int, p []byte, nonblocking bool) (int, error)
	SendTo(fd int, p []byte, addr Address, nonblocking bool) (int, error)
	Recv(fd int, p []byte, nonblocking bool) (int, error)
	RecvFrom(fd int, p []byte, nonblocking bool) (int, Address, error)
	ShutdownWrite(fd int) error
	Close(fd int) error

	EpollCreate() (int, error)
	EpollAdd(epfd, fd int, events EventFlags, token uint64) error
	EpollDel(epfd, fd int) error
	EpollWait(epfd int, buf *pollBuffer, events []pollEvent, timeout time.Duration) (int, error)
}

// srtAPI are the SRT library calls used by the SRT transport and the SRT
// poll set. It is implemented by *srtsock.Library.
type srtAPI interface {
	Socket(config srt.Config) (srtsock.SocketID, error)
	SetSockOpt(id srtsock.SocketID, opt srtsock.Option, value bool) error
	Bind(id srtsock.SocketID, addr netip.AddrPort) error
	Listen(id srtsock.SocketID, backlog int) error
	Accept(id srtsock.SocketID) (srtsock.SocketID, netip.AddrPort, error)
	Connect(id srtsock.SocketID, addr netip.AddrPort, timeout time.Duration) error
	LocalAddr(id srtsock.SocketID) (netip.AddrPort, error)
	SendMsg(id srtsock.SocketID, p []byte) (int, error)
	RecvMsg(id srtsock.SocketID, p []byte) (int, srtsock.MsgCtrl, error)
	GetSockState(id srtsock.SocketID) srtsock.Status
	Close(id srtsock.SocketID) error

	EpollCreate() (int, error)
	EpollAddUsock(eid int, id srtsock.SocketID, flags srtsock.EpollFlags) error
	EpollRemoveUsock(eid int, id srtsock.SocketID) error
	EpollWait(eid int, ready []srtsock.SocketID, timeout time.Duration) (int, error)
	EpollRelease(eid int) error
}

var _ srtAPI = (*srtsock.Library)(nil)

// natives bundles the native layers a Socket or Multiplexer talks to.
type natives struct {
	sys sysAPI
	srt srtAPI
}

func defaultNatives() natives {
	return natives{
		sys: newSysAPI(),
		srt: srtsock.Default(),
	}
}
