package srtsock

import (
	"errors"
	"io"
	"net"
	"net/netip"
	"sync"
	"time"

	srt "github.com/datarhei/gosrt"
)

// maxQueuedMessages bounds the receive queue of a connected socket.
const maxQueuedMessages = 8192

type message struct {
	data []byte
	ctrl MsgCtrl
}

// usock is the library side state of one socket.
type usock struct {
	id  SocketID
	lib *Library

	lock   sync.Mutex
	cond   *sync.Cond
	status Status

	config srt.Config
	rcvSyn bool
	sndSyn bool

	local  netip.AddrPort
	remote netip.AddrPort

	ln      srt.Listener
	backlog int
	pending []SocketID

	conn  srt.Conn
	start time.Time
	queue []message

	wg sync.WaitGroup
}

func newUsock(lib *Library, id SocketID, config srt.Config) *usock {
	s := &usock{
		id:     id,
		lib:    lib,
		status: StatusInit,
		config: config,
		rcvSyn: true,
		sndSyn: true,
	}

	s.cond = sync.NewCond(&s.lock)

	return s
}

func (s *usock) getStatus() Status {
	s.lock.Lock()
	defer s.lock.Unlock()

	return s.status
}

// ready reports whether the socket satisfies any of the given conditions.
func (s *usock) ready(flags EpollFlags) bool {
	s.lock.Lock()
	defer s.lock.Unlock()

	switch s.status {
	case StatusListening:
		return flags&EpollIn != 0 && len(s.pending) != 0
	case StatusConnected:
		if flags&EpollIn != 0 && len(s.queue) != 0 {
			return true
		}

		return flags&EpollOut != 0
	case StatusBroken, StatusClosed:
		return flags&(EpollIn|EpollErr) != 0
	}

	return false
}

// attach turns the socket into a connected socket around conn and starts
// its reader.
func (s *usock) attach(conn srt.Conn) {
	s.lock.Lock()
	s.conn = conn
	s.status = StatusConnected
	s.start = time.Now()
	s.local = addrPortFromNetAddr(conn.LocalAddr())
	s.remote = addrPortFromNetAddr(conn.RemoteAddr())
	s.lock.Unlock()

	s.wg.Add(1)
	go s.reader()
}

func (s *usock) reader() {
	defer func() {
		s.log("socket:reader", func() string { return "left reader loop" })
		s.wg.Done()
	}()

	for {
		p, err := s.conn.ReadPacket()
		if err != nil {
			s.lock.Lock()
			if s.status == StatusConnected {
				if errors.Is(err, io.EOF) {
					s.status = StatusClosed
				} else {
					s.status = StatusBroken
				}

				s.log("socket:reader:error", func() string { return err.Error() })
			}
			s.cond.Broadcast()
			s.lock.Unlock()

			s.lib.notify(s.id)

			return
		}

		header := p.Header()

		m := message{
			data: append([]byte(nil), p.Data()...),
			ctrl: MsgCtrl{
				MessageNumber: header.MessageNumber,
				PacketSeq:     header.PacketSequenceNumber.Val(),
				SourceTime:    s.start.Add(time.Duration(header.Timestamp) * time.Microsecond),
			},
		}

		p.Decommission()

		s.lock.Lock()
		if len(s.queue) >= maxQueuedMessages {
			s.lock.Unlock()
			s.log("socket:recv:error", func() string { return "receive queue is full" })
			continue
		}
		s.queue = append(s.queue, m)
		s.cond.Broadcast()
		s.lock.Unlock()

		s.lib.notify(s.id)
	}
}

func (s *usock) acceptor() {
	defer func() {
		s.log("socket:acceptor", func() string { return "left acceptor loop" })
		s.wg.Done()
	}()

	for {
		conn, _, err := s.ln.Accept(func(req srt.ConnRequest) srt.ConnType {
			s.log("socket:accept", func() string {
				return "connection request from " + req.RemoteAddr().String() + " (streamid: " + req.StreamId() + ")"
			})

			return srt.PUBLISH
		})
		if err != nil {
			s.lock.Lock()
			if s.status == StatusListening {
				s.status = StatusBroken
				s.log("socket:accept:error", func() string { return err.Error() })
			}
			s.cond.Broadcast()
			s.lock.Unlock()

			s.lib.notify(s.id)

			return
		}

		if conn == nil {
			// rejected
			continue
		}

		s.lock.Lock()
		rcvSyn, sndSyn := s.rcvSyn, s.sndSyn
		s.lock.Unlock()

		child := s.lib.adopt(conn, s.config, rcvSyn, sndSyn)

		s.lock.Lock()
		if s.status != StatusListening || len(s.pending) >= s.backlog {
			s.lock.Unlock()
			s.log("socket:accept:error", func() string { return "backlog is full" })
			s.lib.Close(child)
			continue
		}
		s.pending = append(s.pending, child)
		s.cond.Broadcast()
		s.lock.Unlock()

		s.lib.notify(s.id)
	}
}

func (s *usock) log(topic string, message func() string) {
	if s.config.Logger == nil {
		return
	}

	s.config.Logger.Print(topic, uint32(s.id), 2, message)
}

func addrPortFromNetAddr(addr net.Addr) netip.AddrPort {
	switch a := addr.(type) {
	case *net.UDPAddr:
		ap := a.AddrPort()
		return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port())
	case nil:
		return netip.AddrPort{}
	}

	ap, err := netip.ParseAddrPort(addr.String())
	if err != nil {
		return netip.AddrPort{}
	}

	return ap
}
