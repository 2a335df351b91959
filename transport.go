package socket

import (
	"errors"
	"fmt"
	"time"

	"github.com/datarhei/gosocket/internal/srtsock"
)

// transport is the closed set of native transports: *tcpTransport,
// *udpTransport and *srtTransport. Every method issues at most one native
// call, except close.
type transport interface {
	kind() Kind
	id() int

	setNonblocking(nonblocking bool) error
	setOption(opt Option, value int) error
	bind(addr Address) (Address, error)
	listen(backlog int) error
	accept() (transport, Address, error)
	connect(addr Address, timeout time.Duration) (Address, error)
	send(p []byte) (int, error)
	sendTo(addr Address, p []byte) (int, error)
	recv(p []byte) (int, srtsock.MsgCtrl, error)
	recvFrom(p []byte) (int, Address, error)
	localAddress() Address
	close() error

	isTransport()
}

// kernelTransport is the part TCP and UDP share.
type kernelTransport struct {
	sys         sysAPI
	fd          int
	nonblocking bool
}

func (t *kernelTransport) id() int {
	return t.fd
}

func (t *kernelTransport) setNonblocking(nonblocking bool) error {
	if err := t.sys.SetNonblock(t.fd, nonblocking); err != nil {
		return err
	}

	t.nonblocking = nonblocking

	return nil
}

func (t *kernelTransport) setOption(opt Option, value int) error {
	var o sockOpt

	switch opt {
	case OptionReuseAddr:
		o = optReuseAddr
	case OptionIPTOS:
		o = optIPTOS
	case OptionIPTTL:
		o = optIPTTL
	case OptionSendBuffer:
		o = optSendBuffer
	case OptionReceiveBuffer:
		o = optReceiveBuffer
	default:
		return ErrUnsupportedOperation
	}

	return t.sys.SetOption(t.fd, o, value)
}

func (t *kernelTransport) bind(addr Address) (Address, error) {
	if err := t.sys.Bind(t.fd, addr); err != nil {
		return Address{}, err
	}

	if addr.Port() != 0 {
		return addr, nil
	}

	// the kernel picked the port
	local, err := t.sys.Getsockname(t.fd)
	if err != nil || !local.IsValid() {
		return addr, nil
	}

	return local, nil
}

func (t *kernelTransport) connect(addr Address, timeout time.Duration) (Address, error) {
	blocking := !t.nonblocking && timeout > 0

	if blocking {
		if err := t.sys.SetNonblock(t.fd, true); err != nil {
			return Address{}, err
		}

		defer t.sys.SetNonblock(t.fd, false)
	}

	err := t.sys.Connect(t.fd, addr)
	if err != nil {
		if !errors.Is(err, errInProgress) {
			return Address{}, err
		}

		if blocking {
			if err := t.sys.WaitConnected(t.fd, timeout); err != nil {
				return Address{}, err
			}
		}
	}

	return t.localAddress(), nil
}

func (t *kernelTransport) localAddress() Address {
	local, _ := t.sys.Getsockname(t.fd)
	return local
}

func (t *kernelTransport) send(p []byte) (int, error) {
	return t.sys.Send(t.fd, p, t.nonblocking)
}

func (t *kernelTransport) sendTo(addr Address, p []byte) (int, error) {
	return t.sys.SendTo(t.fd, p, addr, t.nonblocking)
}

func (t *kernelTransport) recv(p []byte) (int, srtsock.MsgCtrl, error) {
	n, err := t.sys.Recv(t.fd, p, t.nonblocking)
	return n, srtsock.MsgCtrl{}, err
}

func (t *kernelTransport) recvFrom(p []byte) (int, Address, error) {
	return t.sys.RecvFrom(t.fd, p, t.nonblocking)
}

type tcpTransport struct {
	kernelTransport
}

func (t *tcpTransport) kind() Kind { return KindTCP }
func (t *tcpTransport) isTransport() {}

func (t *tcpTransport) listen(backlog int) error {
	return t.sys.Listen(t.fd, backlog)
}

func (t *tcpTransport) accept() (transport, Address, error) {
	fd, peer, err := t.sys.Accept(t.fd)
	if err != nil {
		if errors.Is(err, ErrConnectionLost) {
			// the client went away before we got to it
			return nil, Address{}, fmt.Errorf("%w: %w", ErrWouldBlock, err)
		}
		return nil, Address{}, err
	}

	return &tcpTransport{kernelTransport{sys: t.sys, fd: fd}}, peer, nil
}

// close sends FIN to the peer before releasing the descriptor. The
// shutdown is best effort, it fails on sockets that never connected.
func (t *tcpTransport) close() error {
	t.sys.ShutdownWrite(t.fd)

	return t.sys.Close(t.fd)
}

type udpTransport struct {
	kernelTransport
}

func (t *udpTransport) kind() Kind { return KindUDP }
func (t *udpTransport) isTransport() {}

func (t *udpTransport) listen(int) error {
	return newError("listen", KindUDP, ErrInvalidState, fmt.Errorf("datagram sockets do not listen"))
}

func (t *udpTransport) accept() (transport, Address, error) {
	return nil, Address{}, newError("accept", KindUDP, ErrInvalidState, fmt.Errorf("datagram sockets do not accept"))
}

func (t *udpTransport) close() error {
	return t.sys.Close(t.fd)
}

type srtTransport struct {
	api srtAPI
	sid srtsock.SocketID
}

// srtError attaches the matching sentinel to an SRT library error.
func srtError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, srtsock.ErrAsyncRcv), errors.Is(err, srtsock.ErrAsyncSnd):
		return fmt.Errorf("%w: %w", ErrWouldBlock, err)
	case errors.Is(err, srtsock.ErrConnLost):
		return fmt.Errorf("%w: %w", ErrConnectionLost, err)
	}

	return err
}

func (t *srtTransport) kind() Kind   { return KindSRT }
func (t *srtTransport) id() int      { return int(t.sid) }
func (t *srtTransport) isTransport() {}

func (t *srtTransport) setNonblocking(nonblocking bool) error {
	if err := t.api.SetSockOpt(t.sid, srtsock.OptRcvSyn, !nonblocking); err != nil {
		return err
	}

	return t.api.SetSockOpt(t.sid, srtsock.OptSndSyn, !nonblocking)
}

func (t *srtTransport) setOption(opt Option, value int) error {
	switch opt {
	case OptionReceiveSync:
		return t.api.SetSockOpt(t.sid, srtsock.OptRcvSyn, value != 0)
	case OptionSendSync:
		return t.api.SetSockOpt(t.sid, srtsock.OptSndSyn, value != 0)
	}

	return ErrUnsupportedOperation
}

func (t *srtTransport) bind(addr Address) (Address, error) {
	if err := t.api.Bind(t.sid, addr.AddrPort()); err != nil {
		return Address{}, err
	}

	return addr, nil
}

func (t *srtTransport) listen(backlog int) error {
	return t.api.Listen(t.sid, backlog)
}

func (t *srtTransport) accept() (transport, Address, error) {
	sid, peer, err := t.api.Accept(t.sid)
	if err != nil {
		return nil, Address{}, srtError(err)
	}

	return &srtTransport{api: t.api, sid: sid}, AddressFrom(peer), nil
}

func (t *srtTransport) connect(addr Address, timeout time.Duration) (Address, error) {
	if err := t.api.Connect(t.sid, addr.AddrPort(), timeout); err != nil {
		return Address{}, err
	}

	return t.localAddress(), nil
}

func (t *srtTransport) localAddress() Address {
	local, err := t.api.LocalAddr(t.sid)
	if err != nil {
		return Address{}
	}

	return AddressFrom(local)
}

func (t *srtTransport) send(p []byte) (int, error) {
	n, err := t.api.SendMsg(t.sid, p)
	return n, srtError(err)
}

func (t *srtTransport) sendTo(Address, []byte) (int, error) {
	return -1, ErrUnsupportedOperation
}

func (t *srtTransport) recv(p []byte) (int, srtsock.MsgCtrl, error) {
	n, ctrl, err := t.api.RecvMsg(t.sid, p)
	return n, ctrl, srtError(err)
}

func (t *srtTransport) recvFrom([]byte) (int, Address, error) {
	return -1, Address{}, ErrUnsupportedOperation
}

func (t *srtTransport) close() error {
	return t.api.Close(t.sid)
}
