// Package srtsock exposes SRT connections as numbered sockets with a
// socket-style API (bind, listen, accept, connect, message send/receive,
// status query) and a library-private epoll. The SRT protocol itself is
// provided by github.com/datarhei/gosrt.
package srtsock

import (
	"fmt"
	"net/netip"
	"sync"
	"time"

	srt "github.com/datarhei/gosrt"
)

// Library is a registry of SRT sockets and epoll sets.
type Library struct {
	lock    sync.RWMutex
	sockets map[SocketID]*usock
	nextID  SocketID

	epolls    map[int]*epoll
	nextEpoll int
}

var (
	defaultLibrary     *Library
	defaultLibraryOnce sync.Once
)

// Default returns the process wide library.
func Default() *Library {
	defaultLibraryOnce.Do(func() {
		defaultLibrary = New()
	})

	return defaultLibrary
}

// New returns an empty library.
func New() *Library {
	return &Library{
		sockets:   make(map[SocketID]*usock),
		nextID:    1,
		epolls:    make(map[int]*epoll),
		nextEpoll: 1,
	}
}

func (l *Library) allocate(config srt.Config) *usock {
	l.lock.Lock()
	defer l.lock.Unlock()

	id := l.nextID
	for {
		if _, ok := l.sockets[id]; !ok {
			break
		}
		id++
		if id <= 0 {
			id = 1
		}
	}

	l.nextID = id + 1
	if l.nextID <= 0 {
		l.nextID = 1
	}

	s := newUsock(l, id, config)
	l.sockets[id] = s

	return s
}

func (l *Library) lookup(id SocketID) *usock {
	l.lock.RLock()
	defer l.lock.RUnlock()

	return l.sockets[id]
}

// adopt registers an established connection as a new connected socket.
// The socket inherits the synchronous modes of the listener it came from.
func (l *Library) adopt(conn srt.Conn, config srt.Config, rcvSyn, sndSyn bool) SocketID {
	s := l.allocate(config)
	s.rcvSyn = rcvSyn
	s.sndSyn = sndSyn
	s.attach(conn)

	return s.id
}

// Len returns the number of sockets known to the library.
func (l *Library) Len() int {
	l.lock.RLock()
	defer l.lock.RUnlock()

	return len(l.sockets)
}

// Socket creates a new socket with the given gosrt configuration.
func (l *Library) Socket(config srt.Config) (SocketID, error) {
	if err := config.Validate(); err != nil {
		return InvalidSocket, fmt.Errorf("socket: invalid config: %w", err)
	}

	s := l.allocate(config)

	return s.id, nil
}

// SetSockOpt sets a boolean socket option.
func (l *Library) SetSockOpt(id SocketID, opt Option, value bool) error {
	s := l.lookup(id)
	if s == nil {
		return ErrInvalidSock
	}

	s.lock.Lock()
	defer s.lock.Unlock()

	switch opt {
	case OptRcvSyn:
		s.rcvSyn = value
	case OptSndSyn:
		s.sndSyn = value
	default:
		return ErrInvalidOp
	}

	s.cond.Broadcast()

	return nil
}

// Bind assigns the local address. The UDP port is opened by Listen.
func (l *Library) Bind(id SocketID, addr netip.AddrPort) error {
	s := l.lookup(id)
	if s == nil {
		return ErrInvalidSock
	}

	if !addr.IsValid() {
		return fmt.Errorf("bind: invalid address %q", addr.String())
	}

	s.lock.Lock()
	defer s.lock.Unlock()

	if s.status != StatusInit {
		return ErrInvalidOp
	}

	s.local = addr
	s.status = StatusOpened

	return nil
}

// Listen starts accepting connections on the bound address. At most
// backlog accepted connections are queued; more are closed right away.
func (l *Library) Listen(id SocketID, backlog int) error {
	s := l.lookup(id)
	if s == nil {
		return ErrInvalidSock
	}

	if backlog <= 0 {
		backlog = 1
	}

	s.lock.Lock()
	if s.status != StatusOpened {
		s.lock.Unlock()
		if s.status == StatusInit {
			return ErrUnbound
		}
		return ErrInvalidOp
	}
	address := s.local.String()
	config := s.config
	s.lock.Unlock()

	ln, err := srt.Listen("srt", address, config)
	if err != nil {
		return err
	}

	s.lock.Lock()
	s.ln = ln
	s.backlog = backlog
	s.status = StatusListening
	if addr := addrPortFromNetAddr(ln.Addr()); addr.IsValid() {
		s.local = addr
	}
	s.lock.Unlock()

	s.wg.Add(1)
	go s.acceptor()

	return nil
}

// Accept returns the next queued connection of a listening socket. If
// the socket is non-blocking and nothing is queued, ErrAsyncRcv is
// returned.
func (l *Library) Accept(id SocketID) (SocketID, netip.AddrPort, error) {
	s := l.lookup(id)
	if s == nil {
		return InvalidSocket, netip.AddrPort{}, ErrInvalidSock
	}

	s.lock.Lock()

	for len(s.pending) == 0 {
		if s.status != StatusListening {
			s.lock.Unlock()
			return InvalidSocket, netip.AddrPort{}, ErrInvalidOp
		}

		if !s.rcvSyn {
			s.lock.Unlock()
			return InvalidSocket, netip.AddrPort{}, ErrAsyncRcv
		}

		s.cond.Wait()
	}

	child := s.pending[0]
	s.pending = s.pending[1:]
	s.lock.Unlock()

	c := l.lookup(child)
	if c == nil {
		return InvalidSocket, netip.AddrPort{}, ErrInvalidSock
	}

	c.lock.Lock()
	remote := c.remote
	c.lock.Unlock()

	return child, remote, nil
}

// Connect performs the caller handshake with the peer. A positive timeout
// replaces the configured connection timeout.
func (l *Library) Connect(id SocketID, addr netip.AddrPort, timeout time.Duration) error {
	s := l.lookup(id)
	if s == nil {
		return ErrInvalidSock
	}

	s.lock.Lock()
	if s.status != StatusInit && s.status != StatusOpened {
		s.lock.Unlock()
		return ErrInvalidOp
	}
	previous := s.status
	s.status = StatusConnecting
	config := s.config
	s.lock.Unlock()

	if timeout > 0 {
		config.ConnectionTimeout = timeout
	}

	conn, err := srt.Dial("srt", addr.String(), config)
	if err != nil {
		s.lock.Lock()
		s.status = previous
		s.lock.Unlock()

		return fmt.Errorf("%w: %w", ErrConnRejected, err)
	}

	s.attach(conn)

	return nil
}

// LocalAddr returns the local address of the socket.
func (l *Library) LocalAddr(id SocketID) (netip.AddrPort, error) {
	s := l.lookup(id)
	if s == nil {
		return netip.AddrPort{}, ErrInvalidSock
	}

	s.lock.Lock()
	defer s.lock.Unlock()

	if !s.local.IsValid() {
		return netip.AddrPort{}, ErrUnbound
	}

	return s.local, nil
}

// SendMsg sends one message. The message must fit into one payload.
func (l *Library) SendMsg(id SocketID, p []byte) (int, error) {
	s := l.lookup(id)
	if s == nil {
		return 0, ErrInvalidSock
	}

	s.lock.Lock()
	status := s.status
	conn := s.conn
	payload := int(s.config.PayloadSize)
	s.lock.Unlock()

	switch status {
	case StatusConnected:
	case StatusBroken, StatusClosed:
		return 0, ErrConnLost
	default:
		return 0, ErrNoConn
	}

	if payload > 0 && len(p) > payload {
		return 0, ErrLargeMsg
	}

	var deadline time.Time

	for {
		n, err := conn.Write(p)
		if err == nil {
			return n, nil
		}

		// gosrt reports a full send queue the same way as a closed
		// connection. Only the reader knows whether the connection ended.
		s.lock.Lock()
		status, sndSyn := s.status, s.sndSyn
		s.lock.Unlock()

		if status != StatusConnected {
			return 0, fmt.Errorf("%w: %w", ErrConnLost, err)
		}

		if !sndSyn {
			return 0, ErrAsyncSnd
		}

		if deadline.IsZero() {
			deadline = time.Now().Add(sendStallTimeout(s.config))
		} else if time.Now().After(deadline) {
			s.lock.Lock()
			if s.status == StatusConnected {
				s.status = StatusBroken
			}
			s.cond.Broadcast()
			s.lock.Unlock()

			l.notify(id)

			return 0, fmt.Errorf("%w: send queue stalled: %w", ErrConnLost, err)
		}

		time.Sleep(sendRetryInterval)
	}
}

// sendRetryInterval is the pause of a blocking send between two attempts
// to put a message into a full send queue.
const sendRetryInterval = time.Millisecond

// sendStallTimeout is how long a blocking send waits for room in the send
// queue before it gives up on the connection.
func sendStallTimeout(config srt.Config) time.Duration {
	if config.PeerIdleTimeout > 0 {
		return config.PeerIdleTimeout
	}

	return 2 * time.Second
}

// RecvMsg receives the next message into p. A message larger than p is
// delivered over several calls. After the peer closed the connection and
// all queued messages are read, 0 and no error are returned.
func (l *Library) RecvMsg(id SocketID, p []byte) (int, MsgCtrl, error) {
	s := l.lookup(id)
	if s == nil {
		return 0, MsgCtrl{}, ErrInvalidSock
	}

	s.lock.Lock()
	defer s.lock.Unlock()

	for len(s.queue) == 0 {
		switch s.status {
		case StatusConnected:
			if !s.rcvSyn {
				return 0, MsgCtrl{}, ErrAsyncRcv
			}
			s.cond.Wait()
		case StatusClosed:
			return 0, MsgCtrl{}, nil
		case StatusBroken:
			return 0, MsgCtrl{}, ErrConnLost
		default:
			return 0, MsgCtrl{}, ErrNoConn
		}
	}

	m := s.queue[0]
	n := copy(p, m.data)

	if n < len(m.data) {
		s.queue[0].data = m.data[n:]
	} else {
		s.queue[0] = message{}
		s.queue = s.queue[1:]
	}

	return n, m.ctrl, nil
}

// GetSockState returns the status of the socket, StatusNonExist for
// unknown ids.
func (l *Library) GetSockState(id SocketID) Status {
	s := l.lookup(id)
	if s == nil {
		return StatusNonExist
	}

	return s.getStatus()
}

// Close closes the socket and waits for its goroutines to finish. A
// listening socket also closes the connections it has queued but not
// handed out yet. The id is removed from all epoll sets.
func (l *Library) Close(id SocketID) error {
	s := l.lookup(id)
	if s == nil {
		return ErrInvalidSock
	}

	s.lock.Lock()
	if s.status == StatusClosing {
		s.lock.Unlock()
		return ErrInvalidSock
	}
	s.status = StatusClosing
	ln := s.ln
	conn := s.conn
	s.lock.Unlock()

	var err error

	if ln != nil {
		ln.Close()
	}

	if conn != nil {
		err = conn.Close()
	}

	s.wg.Wait()

	s.lock.Lock()
	pending := s.pending
	s.pending = nil
	s.queue = nil
	s.status = StatusClosed
	s.cond.Broadcast()
	s.lock.Unlock()

	for _, child := range pending {
		l.Close(child)
	}

	l.lock.Lock()
	delete(l.sockets, id)
	epolls := make([]*epoll, 0, len(l.epolls))
	for _, ep := range l.epolls {
		epolls = append(epolls, ep)
	}
	l.lock.Unlock()

	for _, ep := range epolls {
		ep.remove(id)
	}

	s.log("socket:close", func() string { return "socket closed" })

	return err
}
