// Copyright 2020 FOSS GmbH. All rights reserved.
// Use of this source code is governed by a MIT
// license that can be found in the LICENSE file.

package socket

import (
	"errors"
	"fmt"
	"io"
	"runtime"
	"time"

	"github.com/hashicorp/go-multierror"
)

// Socket is a TCP, UDP or SRT endpoint with one state machine for all
// transports. A Socket has a single owner and is not safe for concurrent use.
type Socket struct {
	config  Config
	natives natives

	state       State
	t           transport
	local       Address
	remote      Address
	nonblocking bool

	// Multiplexer owned by this socket, see PrepareMultiplexer
	mux *Multiplexer

	// Registration of this socket in a Multiplexer
	reg *registration

	cleanup runtime.Cleanup
}

// NewSocket returns a closed socket. Call Create to allocate a transport.
func NewSocket(config Config) *Socket {
	return newSocket(config, defaultNatives())
}

func newSocket(config Config, n natives) *Socket {
	return &Socket{
		config:  config,
		natives: n,
		state:   StateClosed,
	}
}

// NewConnectedSocket adopts the transport of an accepted handle. The handle
// is unset afterwards. The returned socket is Connected and only knows the
// remote address.
func NewConnectedSocket(h *Handle, remote Address, config Config) (*Socket, error) {
	var t transport
	if h != nil {
		t = h.take()
	}

	if t == nil {
		return nil, misuse(newError("adopt", KindUnset, ErrInvalidState, fmt.Errorf("handle is not valid")))
	}

	s := NewSocket(config)
	s.adopt(t, remote)

	return s, nil
}

func (s *Socket) adopt(t transport, remote Address) {
	s.attach(t)
	s.remote = remote
	s.state = StateConnected

	s.log("socket:accept", func() string { return fmt.Sprintf("adopted connection from %s", remote) })
}

// attach takes ownership of a transport. If the socket is never closed, the
// transport is released once the socket is garbage collected.
func (s *Socket) attach(t transport) {
	s.t = t
	s.cleanup = runtime.AddCleanup(s, releaseLeaked, leaked{t: t, logger: s.config.Logger})
}

type leaked struct {
	t      transport
	logger Logger
}

func releaseLeaked(l leaked) {
	if debugBuild {
		panic(fmt.Sprintf("socket: %s#%d was never closed", l.t.kind(), l.t.id()))
	}

	err := l.t.close()

	if l.logger != nil {
		l.logger.Print("socket:leak", uint32(l.t.id()), 1, func() string {
			if err != nil {
				return fmt.Sprintf("%s#%d was never closed, releasing it failed: %s", l.t.kind(), l.t.id(), err)
			}
			return fmt.Sprintf("%s#%d was never closed, released", l.t.kind(), l.t.id())
		})
	}
}

// Create allocates a native transport of the given kind and applies the
// configured socket options. The socket must be closed.
func (s *Socket) Create(kind Kind) error {
	if s.state != StateClosed || s.t != nil {
		return stateError("create", kind, s.state)
	}

	if err := s.config.Validate(); err != nil {
		return newError("create", kind, ErrAllocationFailed, err)
	}

	var t transport

	switch kind {
	case KindTCP, KindUDP:
		fd, err := s.natives.sys.Socket(s.config.Family, kind)
		if err != nil {
			s.log("socket:create:error", func() string { return err.Error() })
			return newError("create", kind, ErrAllocationFailed, err)
		}

		k := kernelTransport{sys: s.natives.sys, fd: fd}
		if kind == KindTCP {
			t = &tcpTransport{k}
		} else {
			t = &udpTransport{k}
		}

		if err := s.applyOptions(fd); err != nil {
			s.natives.sys.Close(fd)
			s.log("socket:create:error", func() string { return err.Error() })
			return newError("create", kind, ErrAllocationFailed, err)
		}
	case KindSRT:
		sid, err := s.natives.srt.Socket(s.config.srtConfig())
		if err != nil {
			s.log("socket:create:error", func() string { return err.Error() })
			return newError("create", kind, ErrAllocationFailed, err)
		}

		t = &srtTransport{api: s.natives.srt, sid: sid}
	default:
		return newError("create", kind, ErrAllocationFailed, fmt.Errorf("unknown transport"))
	}

	s.attach(t)
	s.state = StateCreated
	s.nonblocking = false

	s.log("socket:create", func() string { return fmt.Sprintf("created %s", s.Handle()) })

	return nil
}

func (s *Socket) applyOptions(fd int) error {
	sys := s.natives.sys

	if s.config.Family == FamilyIPv6 {
		if err := sys.SetOption(fd, optV6Only, 0); err != nil {
			return fmt.Errorf("IPV6_V6ONLY: %w", err)
		}
	}

	if s.config.ReuseAddr {
		if err := sys.SetOption(fd, optReuseAddr, 1); err != nil {
			return fmt.Errorf("SO_REUSEADDR: %w", err)
		}
	}

	if s.config.Family == FamilyIPv4 {
		if s.config.IPTOS > 0 {
			if err := sys.SetOption(fd, optIPTOS, s.config.IPTOS); err != nil {
				return fmt.Errorf("IP_TOS: %w", err)
			}
		}

		if s.config.IPTTL > 0 {
			if err := sys.SetOption(fd, optIPTTL, s.config.IPTTL); err != nil {
				return fmt.Errorf("IP_TTL: %w", err)
			}
		}
	}

	if s.config.SendBufferSize > 0 {
		if err := sys.SetOption(fd, optSendBuffer, s.config.SendBufferSize); err != nil {
			return fmt.Errorf("SO_SNDBUF: %w", err)
		}
	}

	if s.config.ReceiveBufferSize > 0 {
		if err := sys.SetOption(fd, optReceiveBuffer, s.config.ReceiveBufferSize); err != nil {
			return fmt.Errorf("SO_RCVBUF: %w", err)
		}
	}

	return nil
}

// MakeNonBlocking puts the transport into non-blocking mode. For SRT this
// turns off synchronous receive and send.
func (s *Socket) MakeNonBlocking() error {
	if s.t == nil {
		return stateError("nonblock", KindUnset, s.state)
	}

	if err := s.t.setNonblocking(true); err != nil {
		return newError("nonblock", s.t.kind(), ErrOptionFailed, err)
	}

	s.nonblocking = true

	return nil
}

// SetOption sets a socket option. Kernel options apply to TCP and UDP, the
// synchronous mode options to SRT.
func (s *Socket) SetOption(opt Option, value int) error {
	if s.t == nil {
		return stateError("setoption", KindUnset, s.state)
	}

	if err := s.t.setOption(opt, value); err != nil {
		if errors.Is(err, ErrUnsupportedOperation) {
			return unsupportedError("setoption", s.t.kind())
		}
		return newError("setoption", s.t.kind(), ErrOptionFailed, err)
	}

	return nil
}

// Bind binds the socket to a local address. With port 0 the local address
// is the one the system picked.
func (s *Socket) Bind(addr Address) error {
	if s.state != StateCreated {
		return stateError("bind", s.Kind(), s.state)
	}

	local, err := s.t.bind(addr)
	if err != nil {
		s.log("socket:bind:error", func() string { return fmt.Sprintf("%s: %s", addr, err) })
		return newAddrError("bind", s.t.kind(), addr, ErrBindFailed, err)
	}

	s.local = local
	s.state = StateBound

	s.log("socket:bind", func() string { return fmt.Sprintf("%s bound to %s", s.Handle(), local) })

	return nil
}

// Listen starts accepting connections. Only TCP and SRT sockets listen.
func (s *Socket) Listen(backlog int) error {
	if s.state != StateBound {
		return stateError("listen", s.Kind(), s.state)
	}

	if err := s.t.listen(backlog); err != nil {
		if errors.Is(err, ErrInvalidState) {
			return misuse(err)
		}

		s.log("socket:listen:error", func() string { return err.Error() })
		return newAddrError("listen", s.t.kind(), s.local, ErrListenFailed, err)
	}

	// SRT opens its port only now
	if local := s.t.localAddress(); local.IsValid() {
		s.local = local
	}

	s.state = StateListening

	s.log("socket:listen", func() string { return fmt.Sprintf("%s listening on %s", s.Handle(), s.local) })

	return nil
}

// AcceptClient accepts a pending connection. If no connection is pending on
// a non-blocking socket, the returned Handle is not valid and the error is
// nil. The returned Handle must be adopted with NewConnectedSocket.
func (s *Socket) AcceptClient() (Handle, Address, error) {
	if s.state != StateListening {
		return Handle{}, Address{}, stateError("accept", s.Kind(), s.state)
	}

	t, peer, err := s.t.accept()
	if err != nil {
		if errors.Is(err, ErrWouldBlock) || errors.Is(err, errInterrupted) {
			return Handle{}, Address{}, nil
		}

		s.log("socket:accept:error", func() string { return err.Error() })
		return Handle{}, Address{}, newError("accept", s.t.kind(), ErrTransport, err)
	}

	s.log("socket:accept", func() string { return fmt.Sprintf("%s accepted %s#%d from %s", s.Handle(), t.kind(), t.id(), peer) })

	return newHandle(t), peer, nil
}

// Accept accepts a pending connection and returns it as a connected Socket
// with the configuration of the listening socket. It returns nil and no
// error if no connection is pending on a non-blocking socket.
func (s *Socket) Accept() (*Socket, error) {
	h, peer, err := s.AcceptClient()
	if err != nil || !h.IsValid() {
		return nil, err
	}

	child := newSocket(s.config, s.natives)
	child.adopt(h.take(), peer)

	return child, nil
}

// Connect connects the socket to endpoint. A timeout greater than 0 bounds
// the connection setup of a blocking socket. A non-blocking TCP socket is
// Connected as soon as the setup is in progress.
func (s *Socket) Connect(endpoint Address, timeout time.Duration) error {
	if s.state != StateCreated {
		return stateError("connect", s.Kind(), s.state)
	}

	local, err := s.t.connect(endpoint, timeout)
	if err != nil {
		s.log("socket:connect:error", func() string { return fmt.Sprintf("%s: %s", endpoint, err) })
		return newAddrError("connect", s.t.kind(), endpoint, ErrConnectFailed, err)
	}

	s.remote = endpoint
	if local.IsValid() {
		s.local = local
	}
	s.state = StateConnected

	s.log("socket:connect", func() string { return fmt.Sprintf("%s connected to %s", s.Handle(), endpoint) })

	return nil
}

// Send sends all of p. SRT sockets send p in chunks of at most
// MaxSRTPayloadSize bytes. On an unrecoverable error the socket goes into
// StateError and the number of bytes sent so far is returned along with
// the error.
func (s *Socket) Send(p []byte) (int, error) {
	if s.state != StateConnected {
		return 0, stateError("send", s.Kind(), s.state)
	}

	chunk := len(p)
	if s.t.kind() == KindSRT {
		chunk = s.config.payloadSize()
	}

	total := 0

	for total < len(p) {
		end := min(total+chunk, len(p))

		n, err := s.t.send(p[total:end])
		if err != nil {
			if errors.Is(err, ErrWouldBlock) || errors.Is(err, errInterrupted) {
				runtime.Gosched()
				continue
			}

			return total, s.fail("send", err)
		}

		total += n
	}

	return total, nil
}

// SendTo sends p as one datagram to addr. If the datagram can't be sent
// without blocking, nothing is sent and 0 is returned.
func (s *Socket) SendTo(addr Address, p []byte) (int, error) {
	if s.t != nil && s.t.kind() == KindSRT {
		return 0, unsupportedError("sendto", KindSRT)
	}

	if s.state != StateCreated && s.state != StateBound && s.state != StateConnected {
		return 0, stateError("sendto", s.Kind(), s.state)
	}

	n, err := s.t.sendTo(addr, p)
	if err != nil {
		if errors.Is(err, ErrWouldBlock) || errors.Is(err, errInterrupted) {
			return 0, nil
		}

		s.log("socket:send:error", func() string { return fmt.Sprintf("%s: %s", addr, err) })
		return 0, newAddrError("sendto", s.t.kind(), addr, ErrTransport, err)
	}

	return n, nil
}

func (s *Socket) canRecv() bool {
	if s.state == StateConnected {
		return true
	}

	return s.state == StateBound && s.t.kind() == KindUDP
}

// Recv receives into p. It returns 0 and no error if no data is available on
// a non-blocking socket. When the peer closed a TCP or SRT connection, the
// socket closes itself and io.EOF is returned.
func (s *Socket) Recv(p []byte) (int, error) {
	if s.t == nil || !s.canRecv() {
		return 0, stateError("recv", s.Kind(), s.state)
	}

	if len(p) == 0 {
		return 0, nil
	}

	n, ctrl, err := s.t.recv(p)
	if err != nil {
		if errors.Is(err, ErrWouldBlock) || errors.Is(err, errInterrupted) {
			s.log("socket:recv:wouldblock", func() string { return "no data" })
			return 0, nil
		}

		return 0, s.fail("recv", err)
	}

	if n == 0 {
		if s.t.kind() == KindUDP {
			return 0, nil
		}

		return 0, s.closeByPeer()
	}

	if s.t.kind() == KindSRT && s.config.Observer != nil {
		s.config.Observer.ObserveReceive(ReceiveSample{
			Socket:         s.t.id(),
			Bytes:          n,
			MessageNumber:  ctrl.MessageNumber,
			PacketSequence: ctrl.PacketSeq,
			SourceTime:     ctrl.SourceTime,
			ReceivedAt:     time.Now(),
		})
	}

	return n, nil
}

// RecvFrom receives one datagram into p and returns the address it came
// from. TCP sockets return the peer address.
func (s *Socket) RecvFrom(p []byte) (int, Address, error) {
	if s.t != nil && s.t.kind() == KindSRT {
		return 0, Address{}, unsupportedError("recvfrom", KindSRT)
	}

	if s.t == nil || !s.canRecv() {
		return 0, Address{}, stateError("recvfrom", s.Kind(), s.state)
	}

	n, from, err := s.t.recvFrom(p)
	if err != nil {
		if errors.Is(err, ErrWouldBlock) || errors.Is(err, errInterrupted) {
			return 0, Address{}, nil
		}

		return 0, Address{}, s.fail("recvfrom", err)
	}

	if !from.IsValid() {
		from = s.remote
	}

	if n == 0 && s.t.kind() == KindTCP && len(p) != 0 {
		return 0, from, s.closeByPeer()
	}

	return n, from, nil
}

func (s *Socket) closeByPeer() error {
	s.log("socket:recv", func() string { return fmt.Sprintf("%s closed by peer", s.Handle()) })

	s.Close()

	return io.EOF
}

// fail puts the socket into StateError and returns the classified error.
func (s *Socket) fail(op string, err error) error {
	sentinel := ErrTransport

	switch {
	case errors.Is(err, ErrConnectionReset):
		sentinel = ErrConnectionReset
	case errors.Is(err, ErrConnectionLost):
		sentinel = ErrConnectionLost
	}

	s.state = StateError

	s.log("socket:"+op+":error", func() string { return fmt.Sprintf("%s: %s", s.Handle(), err) })

	return newAddrError(op, s.t.kind(), s.remote, sentinel, err)
}

// Close releases the transport, removes the socket from the Multiplexer it
// is registered in and closes the Multiplexer it owns. Failures along the
// way are logged, the socket is Closed in any case. Closing a closed socket
// returns ErrAlreadyClosed.
func (s *Socket) Close() error {
	if s.t == nil {
		return ErrAlreadyClosed
	}

	var errs error

	kind, id := s.t.kind(), s.t.id()

	if s.reg != nil {
		if err := s.reg.release(); err != nil {
			errs = multierror.Append(errs, err)
		}
		s.reg = nil
	}

	if s.mux != nil {
		if err := s.mux.Close(); err != nil && !errors.Is(err, ErrAlreadyClosed) {
			errs = multierror.Append(errs, err)
		}
		s.mux = nil
	}

	s.cleanup.Stop()

	if err := s.t.close(); err != nil {
		errs = multierror.Append(errs, newError("close", kind, ErrTransport, err))
	}

	if kind == KindSRT && s.config.Observer != nil {
		s.config.Observer.Forget(id)
	}

	s.t = nil
	s.state = StateClosed
	s.nonblocking = false

	if errs != nil {
		s.log("socket:close:error", func() string { return fmt.Sprintf("%s#%d: %s", kind, id, errs) })
	} else {
		s.log("socket:close", func() string { return fmt.Sprintf("%s#%d closed", kind, id) })
	}

	return nil
}

// State returns the current state.
func (s *Socket) State() State {
	return s.state
}

// Kind returns the kind of the transport, KindUnset if there is none.
func (s *Socket) Kind() Kind {
	if s.t == nil {
		return KindUnset
	}

	return s.t.kind()
}

// Handle returns a view of the transport. The socket keeps ownership, the
// view can't be adopted by another Socket.
func (s *Socket) Handle() HandleInfo {
	return infoOf(s.t)
}

// LocalAddress returns the address the socket is bound to, if known.
func (s *Socket) LocalAddress() (Address, bool) {
	return s.local, s.local.IsValid()
}

// RemoteAddress returns the address of the peer, if known.
func (s *Socket) RemoteAddress() (Address, bool) {
	return s.remote, s.remote.IsValid()
}

// IsNonBlocking reports whether MakeNonBlocking has been called.
func (s *Socket) IsNonBlocking() bool {
	return s.nonblocking
}

func (s *Socket) String() string {
	var b []byte

	b = fmt.Appendf(b, "<Socket %s, state: %s", s.Handle(), s.state)

	if s.local.IsValid() {
		b = fmt.Appendf(b, ", local: %s", s.local)
	}

	if s.remote.IsValid() {
		b = fmt.Appendf(b, ", remote: %s", s.remote)
	}

	b = append(b, '>')

	return string(b)
}

// PrepareMultiplexer creates the Multiplexer owned by this socket, if
// necessary, and prepares it for the kind of this socket. While the socket
// exists, sockets can only be registered as long as it is at most Listening
// and unregistered while it is Listening.
func (s *Socket) PrepareMultiplexer() (*Multiplexer, error) {
	if s.t == nil {
		return nil, stateError("prepare", KindUnset, s.state)
	}

	if s.mux == nil {
		s.mux = newMultiplexer(s.config, s.natives, s)
	}

	if err := s.mux.Prepare(s.t.kind()); err != nil {
		return nil, err
	}

	return s.mux, nil
}

// Multiplexer returns the Multiplexer owned by this socket or nil.
func (s *Socket) Multiplexer() *Multiplexer {
	return s.mux
}

func (s *Socket) log(topic string, message func() string) {
	if s.config.Logger == nil {
		return
	}

	var id uint32
	if s.t != nil {
		id = uint32(s.t.id())
	}

	s.config.Logger.Print(topic, id, 2, message)
}
