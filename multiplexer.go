package socket

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/datarhei/gosocket/internal/srtsock"
	"github.com/hashicorp/go-multierror"
)

// EventFlags are the readiness conditions of a socket.
type EventFlags uint32

const (
	EventReadable      EventFlags = 1 << iota // IN
	EventPriority                             // PRI
	EventWritable                             // OUT
	EventError                                // ERR
	EventHangup                               // HUP
	EventReadHangup                           // RDHUP
	EventEdgeTriggered                        // ET
	EventOneShot                              // ONESHOT
)

var eventNames = []struct {
	flag EventFlags
	name string
}{
	{EventReadable, "IN"},
	{EventPriority, "PRI"},
	{EventWritable, "OUT"},
	{EventError, "ERR"},
	{EventHangup, "HUP"},
	{EventReadHangup, "RDHUP"},
	{EventEdgeTriggered, "ET"},
	{EventOneShot, "ONESHOT"},
}

// Has reports whether all bits of flag are set.
func (f EventFlags) Has(flag EventFlags) bool {
	return f&flag == flag
}

// String returns the set flags joined by " | ", e.g. "IN | HUP".
func (f EventFlags) String() string {
	names := []string{}

	for _, e := range eventNames {
		if f&e.flag != 0 {
			names = append(names, e.name)
		}
	}

	return strings.Join(names, " | ")
}

// Event is a readiness notification for a registered socket. Tag is the
// value given to Register.
type Event struct {
	Tag   any
	Flags EventFlags
}

const (
	kernelInterest = EventReadable | EventError | EventHangup | EventReadHangup
	srtInterest    = srtsock.EpollIn | srtsock.EpollErr
)

// registration is the capability a registered socket holds. The
// multiplexer finds it by its token, the socket releases it on Close.
type registration struct {
	mux   *Multiplexer
	token uint64
	kind  Kind
	id    int
	tag   any
}

// release removes the registration for good. The native transport is about
// to be closed, so the registration is dropped even if the poll set refuses.
func (r *registration) release() error {
	if r.mux == nil {
		return nil
	}

	return r.mux.unregister(r, true)
}

// Multiplexer waits for readiness of many sockets at once. It keeps one
// kernel poll set for TCP and UDP sockets and one SRT poll set for SRT
// sockets. A family has to be prepared before sockets of that family can
// be registered.
type Multiplexer struct {
	config  Config
	natives natives
	owner   *Socket

	lock          sync.Mutex
	kernelFd      int
	srtEid        int
	registrations map[uint64]*registration
	srtTags       map[srtsock.SocketID]any
	nextToken     uint64
	closed        bool

	events       []Event
	count        int
	kernelEvents []pollEvent
	kernelBuffer *pollBuffer
	srtReady     []srtsock.SocketID
}

// NewMultiplexer returns a Multiplexer without poll sets.
func NewMultiplexer(config Config) *Multiplexer {
	return newMultiplexer(config, defaultNatives(), nil)
}

func newMultiplexer(config Config, n natives, owner *Socket) *Multiplexer {
	capacity := config.MaxEvents
	if capacity <= 0 {
		capacity = 1024
	}

	return &Multiplexer{
		config:        config,
		natives:       n,
		owner:         owner,
		kernelFd:      -1,
		srtEid:        -1,
		registrations: make(map[uint64]*registration),
		srtTags:       make(map[srtsock.SocketID]any),
		nextToken:     1,
		events:        make([]Event, capacity),
		kernelEvents:  make([]pollEvent, capacity),
		kernelBuffer:  newPollBuffer(capacity),
		srtReady:      make([]srtsock.SocketID, capacity),
	}
}

// Prepare allocates the poll set for the family of kind. TCP and UDP share
// the kernel poll set.
func (m *Multiplexer) Prepare(kind Kind) error {
	m.lock.Lock()
	defer m.lock.Unlock()

	if m.closed {
		return newError("prepare", kind, ErrAlreadyClosed, nil)
	}

	switch {
	case kind.isKernel():
		if m.kernelFd >= 0 {
			return newError("prepare", kind, ErrInvalidState, fmt.Errorf("kernel poll set already prepared"))
		}

		fd, err := m.natives.sys.EpollCreate()
		if err != nil {
			m.log("multiplexer:prepare:error", func() string { return err.Error() })
			return newError("prepare", kind, ErrAllocationFailed, err)
		}

		m.kernelFd = fd
	case kind == KindSRT:
		if m.srtEid >= 0 {
			return newError("prepare", kind, ErrInvalidState, fmt.Errorf("SRT poll set already prepared"))
		}

		eid, err := m.natives.srt.EpollCreate()
		if err != nil {
			m.log("multiplexer:prepare:error", func() string { return err.Error() })
			return newError("prepare", kind, ErrAllocationFailed, err)
		}

		m.srtEid = eid
	default:
		return unsupportedError("prepare", kind)
	}

	m.log("multiplexer:prepare", func() string { return fmt.Sprintf("prepared for %s", kind) })

	return nil
}

// Register adds s to the poll set of its family. Events of s carry tag.
// A socket can be registered in one Multiplexer at a time. Closing s
// removes the registration.
func (m *Multiplexer) Register(s *Socket, tag any) error {
	if m.owner != nil && m.owner.state > StateListening {
		return stateError("register", m.owner.Kind(), m.owner.state)
	}

	if s == nil || s.t == nil {
		return stateError("register", KindUnset, StateClosed)
	}

	kind, id := s.t.kind(), s.t.id()

	if s.reg != nil {
		return newError("register", kind, ErrRegistrationFailed, fmt.Errorf("already registered"))
	}

	m.lock.Lock()
	defer m.lock.Unlock()

	token := m.nextToken

	if kind.isKernel() {
		if m.kernelFd < 0 {
			return newError("register", kind, ErrRegistrationFailed, fmt.Errorf("kernel poll set not prepared"))
		}

		if err := m.natives.sys.EpollAdd(m.kernelFd, id, kernelInterest, token); err != nil {
			m.log("multiplexer:register:error", func() string { return err.Error() })
			return newError("register", kind, ErrRegistrationFailed, err)
		}
	} else {
		if m.srtEid < 0 {
			return newError("register", kind, ErrRegistrationFailed, fmt.Errorf("SRT poll set not prepared"))
		}

		if err := m.natives.srt.EpollAddUsock(m.srtEid, srtsock.SocketID(id), srtInterest); err != nil {
			m.log("multiplexer:register:error", func() string { return err.Error() })
			return newError("register", kind, ErrRegistrationFailed, err)
		}

		m.srtTags[srtsock.SocketID(id)] = tag
	}

	m.nextToken++

	reg := &registration{
		mux:   m,
		token: token,
		kind:  kind,
		id:    id,
		tag:   tag,
	}

	m.registrations[token] = reg
	s.reg = reg

	m.log("multiplexer:register", func() string { return fmt.Sprintf("registered %s#%d", kind, id) })

	return nil
}

// Unregister removes s from its poll set. For TCP and UDP nothing changes
// if the kernel refuses. For SRT the registration is dropped even if the
// library reports an error.
func (m *Multiplexer) Unregister(s *Socket) error {
	if m.owner != nil && m.owner.state != StateListening {
		return stateError("unregister", m.owner.Kind(), m.owner.state)
	}

	if s == nil {
		return stateError("unregister", KindUnset, StateClosed)
	}

	if s.reg == nil || s.reg.mux != m {
		return newError("unregister", s.Kind(), ErrRegistrationFailed, fmt.Errorf("not registered"))
	}

	err := m.unregister(s.reg, false)

	if s.reg.mux == nil {
		s.reg = nil
	}

	return err
}

func (m *Multiplexer) unregister(reg *registration, force bool) error {
	m.lock.Lock()
	defer m.lock.Unlock()

	if reg.kind.isKernel() {
		if err := m.natives.sys.EpollDel(m.kernelFd, reg.id); err != nil {
			m.log("multiplexer:unregister:error", func() string { return err.Error() })

			if force {
				m.drop(reg)
			}

			return newError("unregister", reg.kind, ErrRegistrationFailed, err)
		}

		m.drop(reg)

		return nil
	}

	sid := srtsock.SocketID(reg.id)
	err := m.natives.srt.EpollRemoveUsock(m.srtEid, sid)

	delete(m.srtTags, sid)
	m.drop(reg)

	if err != nil {
		m.log("multiplexer:unregister:error", func() string { return err.Error() })
		return newError("unregister", reg.kind, ErrRegistrationFailed, err)
	}

	return nil
}

func (m *Multiplexer) drop(reg *registration) {
	delete(m.registrations, reg.token)
	reg.mux = nil

	m.log("multiplexer:unregister", func() string { return fmt.Sprintf("unregistered %s#%d", reg.kind, reg.id) })
}

// Wait waits until at least one registered socket is ready or the timeout
// expired and returns the number of events. A negative timeout waits
// forever. The events are available with EventAt until the next Wait.
func (m *Multiplexer) Wait(timeout time.Duration) (int, error) {
	m.lock.Lock()
	kernelFd, srtEid, closed := m.kernelFd, m.srtEid, m.closed
	m.count = 0
	m.lock.Unlock()

	if closed {
		return -1, newError("wait", KindUnset, ErrWaitFailed, ErrAlreadyClosed)
	}

	if kernelFd < 0 && srtEid < 0 {
		return -1, newError("wait", KindUnset, ErrWaitFailed, fmt.Errorf("not prepared"))
	}

	n := 0

	if kernelFd >= 0 {
		t := timeout
		if srtEid >= 0 {
			t = 0
		}

		c, err := m.natives.sys.EpollWait(kernelFd, m.kernelBuffer, m.kernelEvents, t)
		if err != nil {
			if !errors.Is(err, errInterrupted) {
				m.log("multiplexer:wait:error", func() string { return err.Error() })
				return -1, newError("wait", KindTCP, ErrWaitFailed, err)
			}
			c = 0
		}

		m.lock.Lock()
		for _, ev := range m.kernelEvents[:c] {
			var tag any
			if reg, ok := m.registrations[ev.Token]; ok {
				tag = reg.tag
			}

			m.events[n] = Event{Tag: tag, Flags: ev.Events}
			n++
		}
		m.lock.Unlock()
	}

	if srtEid >= 0 && n < len(m.events) {
		t := timeout
		if n > 0 {
			t = 0
		}

		c, err := m.natives.srt.EpollWait(srtEid, m.srtReady[:len(m.events)-n], t)
		if err != nil {
			if !errors.Is(err, srtsock.ErrTimeout) {
				m.log("multiplexer:wait:error", func() string { return err.Error() })
				return -1, newError("wait", KindSRT, ErrWaitFailed, err)
			}
			c = 0
		}

		for _, sid := range m.srtReady[:c] {
			flags := EventReadable

			switch m.natives.srt.GetSockState(sid) {
			case srtsock.StatusBroken, srtsock.StatusClosed, srtsock.StatusNonExist:
				flags |= EventHangup
			}

			m.lock.Lock()
			m.events[n] = Event{Tag: m.srtTags[sid], Flags: flags}
			m.lock.Unlock()
			n++
		}
	}

	m.lock.Lock()
	m.count = n
	m.lock.Unlock()

	return n, nil
}

// EventAt returns the i-th event of the last Wait.
func (m *Multiplexer) EventAt(i int) (Event, bool) {
	m.lock.Lock()
	defer m.lock.Unlock()

	if i < 0 || i >= m.count {
		return Event{}, false
	}

	return m.events[i], true
}

// Len returns the number of registered sockets.
func (m *Multiplexer) Len() int {
	m.lock.Lock()
	defer m.lock.Unlock()

	return len(m.registrations)
}

// Close releases both poll sets. All registrations become void, the
// registered sockets stay open.
func (m *Multiplexer) Close() error {
	m.lock.Lock()
	defer m.lock.Unlock()

	if m.closed {
		return ErrAlreadyClosed
	}

	m.closed = true

	var errs error

	if m.kernelFd >= 0 {
		if err := m.natives.sys.Close(m.kernelFd); err != nil {
			errs = multierror.Append(errs, newError("close", KindTCP, ErrTransport, err))
		}
		m.kernelFd = -1
	}

	if m.srtEid >= 0 {
		if err := m.natives.srt.EpollRelease(m.srtEid); err != nil {
			errs = multierror.Append(errs, newError("close", KindSRT, ErrTransport, err))
		}
		m.srtEid = -1
	}

	for token, reg := range m.registrations {
		reg.mux = nil
		delete(m.registrations, token)
	}

	clear(m.srtTags)
	m.count = 0

	return errs
}

func (m *Multiplexer) log(topic string, message func() string) {
	if m.config.Logger == nil {
		return
	}

	var id uint32
	if m.owner != nil && m.owner.t != nil {
		id = uint32(m.owner.t.id())
	}

	m.config.Logger.Print(topic, id, 2, message)
}
