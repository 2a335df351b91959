package socket

import (
	"fmt"
	"net/netip"
	"sync"
	"time"

	srt "github.com/datarhei/gosrt"
	"github.com/datarhei/gosocket/internal/srtsock"
)

type fakeFd struct {
	kind        Kind
	local       Address
	peer        Address
	listening   bool
	nonblocking bool
	options     map[sockOpt]int
	shutdown    bool

	// Results of the next receives, nil data with an error returns the error
	recv []fakeRecv
	// Accepted descriptors waiting in the backlog
	backlog []int
	// Sizes of the sends; sendMax limits how much one send takes
	sends   []int
	sendMax int
	sendErr []error
}

type fakeRecv struct {
	data []byte
	from Address
	err  error
}

type fakeReg struct {
	events EventFlags
	token  uint64
}

// fakeSys is an in-memory sysAPI. It counts open descriptors.
type fakeSys struct {
	lock   sync.Mutex
	nextFd int
	fds    map[int]*fakeFd
	epolls map[int]map[int]fakeReg
	ready  map[int][]pollEvent

	socketErr  error
	bindErr    error
	connectErr error
	epollDel   error
	waitErr    error
	closed     []int
}

func newFakeSys() *fakeSys {
	return &fakeSys{
		nextFd: 100,
		fds:    make(map[int]*fakeFd),
		epolls: make(map[int]map[int]fakeReg),
		ready:  make(map[int][]pollEvent),
	}
}

func (f *fakeSys) open() int {
	f.lock.Lock()
	defer f.lock.Unlock()

	return len(f.fds) + len(f.epolls)
}

func (f *fakeSys) fd(fd int) *fakeFd {
	f.lock.Lock()
	defer f.lock.Unlock()

	return f.fds[fd]
}

// addConn puts a new connection into the backlog of a listening descriptor.
func (f *fakeSys) addConn(listener int, peer Address) int {
	f.lock.Lock()
	defer f.lock.Unlock()

	fd := f.nextFd
	f.nextFd++

	f.fds[fd] = &fakeFd{kind: KindTCP, peer: peer, options: map[sockOpt]int{}}
	l := f.fds[listener]
	l.backlog = append(l.backlog, fd)

	return fd
}

func (f *fakeSys) lookup(fd int) (*fakeFd, error) {
	d, ok := f.fds[fd]
	if !ok {
		return nil, fmt.Errorf("bad file descriptor %d", fd)
	}

	return d, nil
}

func (f *fakeSys) Socket(family Family, kind Kind) (int, error) {
	f.lock.Lock()
	defer f.lock.Unlock()

	if f.socketErr != nil {
		return -1, f.socketErr
	}

	fd := f.nextFd
	f.nextFd++

	f.fds[fd] = &fakeFd{kind: kind, options: map[sockOpt]int{}}

	return fd, nil
}

func (f *fakeSys) SetNonblock(fd int, nonblocking bool) error {
	f.lock.Lock()
	defer f.lock.Unlock()

	d, err := f.lookup(fd)
	if err != nil {
		return err
	}

	d.nonblocking = nonblocking

	return nil
}

func (f *fakeSys) SetOption(fd int, opt sockOpt, value int) error {
	f.lock.Lock()
	defer f.lock.Unlock()

	d, err := f.lookup(fd)
	if err != nil {
		return err
	}

	d.options[opt] = value

	return nil
}

func (f *fakeSys) Bind(fd int, addr Address) error {
	f.lock.Lock()
	defer f.lock.Unlock()

	d, err := f.lookup(fd)
	if err != nil {
		return err
	}

	if f.bindErr != nil {
		return f.bindErr
	}

	if addr.Port() == 0 {
		addr = NewAddress(addr.IP(), 40000)
	}

	d.local = addr

	return nil
}

func (f *fakeSys) Listen(fd int, backlog int) error {
	f.lock.Lock()
	defer f.lock.Unlock()

	d, err := f.lookup(fd)
	if err != nil {
		return err
	}

	d.listening = true

	return nil
}

func (f *fakeSys) Accept(fd int) (int, Address, error) {
	f.lock.Lock()
	defer f.lock.Unlock()

	d, err := f.lookup(fd)
	if err != nil {
		return -1, Address{}, err
	}

	if len(d.backlog) == 0 {
		return -1, Address{}, ErrWouldBlock
	}

	nfd := d.backlog[0]
	d.backlog = d.backlog[1:]

	return nfd, f.fds[nfd].peer, nil
}

func (f *fakeSys) Connect(fd int, addr Address) error {
	f.lock.Lock()
	defer f.lock.Unlock()

	d, err := f.lookup(fd)
	if err != nil {
		return err
	}

	if f.connectErr != nil {
		return f.connectErr
	}

	d.peer = addr
	d.local = MustParseAddress("127.0.0.1:50000")

	return nil
}

func (f *fakeSys) WaitConnected(fd int, timeout time.Duration) error {
	return nil
}

func (f *fakeSys) Getsockname(fd int) (Address, error) {
	f.lock.Lock()
	defer f.lock.Unlock()

	d, err := f.lookup(fd)
	if err != nil {
		return Address{}, err
	}

	return d.local, nil
}

func (f *fakeSys) Send(fd int, p []byte, nonblocking bool) (int, error) {
	f.lock.Lock()
	defer f.lock.Unlock()

	d, err := f.lookup(fd)
	if err != nil {
		return 0, err
	}

	if len(d.sendErr) != 0 {
		err := d.sendErr[0]
		d.sendErr = d.sendErr[1:]
		if err != nil {
			return 0, err
		}
	}

	n := len(p)
	if d.sendMax > 0 && n > d.sendMax {
		n = d.sendMax
	}

	d.sends = append(d.sends, n)

	return n, nil
}

func (f *fakeSys) SendTo(fd int, p []byte, addr Address, nonblocking bool) (int, error) {
	return f.Send(fd, p, nonblocking)
}

func (f *fakeSys) Recv(fd int, p []byte, nonblocking bool) (int, error) {
	n, _, err := f.RecvFrom(fd, p, nonblocking)
	return n, err
}

func (f *fakeSys) RecvFrom(fd int, p []byte, nonblocking bool) (int, Address, error) {
	f.lock.Lock()
	defer f.lock.Unlock()

	d, err := f.lookup(fd)
	if err != nil {
		return -1, Address{}, err
	}

	if len(d.recv) == 0 {
		return -1, Address{}, ErrWouldBlock
	}

	r := d.recv[0]
	d.recv = d.recv[1:]

	if r.err != nil {
		return -1, Address{}, r.err
	}

	return copy(p, r.data), r.from, nil
}

func (f *fakeSys) ShutdownWrite(fd int) error {
	f.lock.Lock()
	defer f.lock.Unlock()

	d, err := f.lookup(fd)
	if err != nil {
		return err
	}

	d.shutdown = true

	return nil
}

func (f *fakeSys) Close(fd int) error {
	f.lock.Lock()
	defer f.lock.Unlock()

	f.closed = append(f.closed, fd)

	if _, ok := f.fds[fd]; ok {
		delete(f.fds, fd)
		return nil
	}

	if _, ok := f.epolls[fd]; ok {
		delete(f.epolls, fd)
		delete(f.ready, fd)
		return nil
	}

	return fmt.Errorf("bad file descriptor %d", fd)
}

func (f *fakeSys) EpollCreate() (int, error) {
	f.lock.Lock()
	defer f.lock.Unlock()

	fd := f.nextFd
	f.nextFd++

	f.epolls[fd] = make(map[int]fakeReg)

	return fd, nil
}

func (f *fakeSys) EpollAdd(epfd, fd int, events EventFlags, token uint64) error {
	f.lock.Lock()
	defer f.lock.Unlock()

	ep, ok := f.epolls[epfd]
	if !ok {
		return fmt.Errorf("bad epoll descriptor %d", epfd)
	}

	if _, ok := f.fds[fd]; !ok {
		return fmt.Errorf("bad file descriptor %d", fd)
	}

	if _, ok := ep[fd]; ok {
		return fmt.Errorf("file exists")
	}

	ep[fd] = fakeReg{events: events, token: token}

	return nil
}

func (f *fakeSys) EpollDel(epfd, fd int) error {
	f.lock.Lock()
	defer f.lock.Unlock()

	if f.epollDel != nil {
		return f.epollDel
	}

	ep, ok := f.epolls[epfd]
	if !ok {
		return fmt.Errorf("bad epoll descriptor %d", epfd)
	}

	if _, ok := ep[fd]; !ok {
		return fmt.Errorf("no such file or directory")
	}

	delete(ep, fd)

	return nil
}

// signal makes fd ready in all poll sets it is registered in.
func (f *fakeSys) signal(fd int, events EventFlags) {
	f.lock.Lock()
	defer f.lock.Unlock()

	for epfd, ep := range f.epolls {
		if reg, ok := ep[fd]; ok {
			f.ready[epfd] = append(f.ready[epfd], pollEvent{Events: events, Token: reg.token})
		}
	}
}

func (f *fakeSys) EpollWait(epfd int, buf *pollBuffer, events []pollEvent, timeout time.Duration) (int, error) {
	f.lock.Lock()
	defer f.lock.Unlock()

	if f.waitErr != nil {
		return -1, f.waitErr
	}

	if _, ok := f.epolls[epfd]; !ok {
		return -1, fmt.Errorf("bad epoll descriptor %d", epfd)
	}

	n := copy(events, f.ready[epfd])
	f.ready[epfd] = f.ready[epfd][n:]

	return n, nil
}

type fakeSRTSocket struct {
	status  srtsock.Status
	rcvSyn  bool
	sndSyn  bool
	local   netip.AddrPort
	backlog []srtsock.SocketID
	peer    netip.AddrPort
	recv    [][]byte
	sends   []int
	sendErr error
}

// fakeSRT is an in-memory srtAPI. It counts open socket ids.
type fakeSRT struct {
	lock    sync.Mutex
	nextID  srtsock.SocketID
	sockets map[srtsock.SocketID]*fakeSRTSocket
	epolls  map[int]map[srtsock.SocketID]srtsock.EpollFlags
	nextEid int
	ready   []srtsock.SocketID

	removeErr error
}

func newFakeSRT() *fakeSRT {
	return &fakeSRT{
		nextID:  1000,
		sockets: make(map[srtsock.SocketID]*fakeSRTSocket),
		epolls:  make(map[int]map[srtsock.SocketID]srtsock.EpollFlags),
		nextEid: 1,
	}
}

func (f *fakeSRT) open() int {
	f.lock.Lock()
	defer f.lock.Unlock()

	return len(f.sockets) + len(f.epolls)
}

func (f *fakeSRT) socket(id srtsock.SocketID) *fakeSRTSocket {
	f.lock.Lock()
	defer f.lock.Unlock()

	return f.sockets[id]
}

func (f *fakeSRT) addConn(listener srtsock.SocketID, peer netip.AddrPort) srtsock.SocketID {
	f.lock.Lock()
	defer f.lock.Unlock()

	id := f.nextID
	f.nextID++

	f.sockets[id] = &fakeSRTSocket{status: srtsock.StatusConnected, rcvSyn: true, sndSyn: true, peer: peer}
	f.sockets[listener].backlog = append(f.sockets[listener].backlog, id)

	return id
}

func (f *fakeSRT) Socket(config srt.Config) (srtsock.SocketID, error) {
	f.lock.Lock()
	defer f.lock.Unlock()

	id := f.nextID
	f.nextID++

	f.sockets[id] = &fakeSRTSocket{status: srtsock.StatusInit, rcvSyn: true, sndSyn: true}

	return id, nil
}

func (f *fakeSRT) lookup(id srtsock.SocketID) (*fakeSRTSocket, error) {
	s, ok := f.sockets[id]
	if !ok {
		return nil, srtsock.ErrInvalidSock
	}

	return s, nil
}

func (f *fakeSRT) SetSockOpt(id srtsock.SocketID, opt srtsock.Option, value bool) error {
	f.lock.Lock()
	defer f.lock.Unlock()

	s, err := f.lookup(id)
	if err != nil {
		return err
	}

	switch opt {
	case srtsock.OptRcvSyn:
		s.rcvSyn = value
	case srtsock.OptSndSyn:
		s.sndSyn = value
	}

	return nil
}

func (f *fakeSRT) Bind(id srtsock.SocketID, addr netip.AddrPort) error {
	f.lock.Lock()
	defer f.lock.Unlock()

	s, err := f.lookup(id)
	if err != nil {
		return err
	}

	s.local = addr
	s.status = srtsock.StatusOpened

	return nil
}

func (f *fakeSRT) Listen(id srtsock.SocketID, backlog int) error {
	f.lock.Lock()
	defer f.lock.Unlock()

	s, err := f.lookup(id)
	if err != nil {
		return err
	}

	s.status = srtsock.StatusListening

	return nil
}

func (f *fakeSRT) Accept(id srtsock.SocketID) (srtsock.SocketID, netip.AddrPort, error) {
	f.lock.Lock()
	defer f.lock.Unlock()

	s, err := f.lookup(id)
	if err != nil {
		return srtsock.InvalidSocket, netip.AddrPort{}, err
	}

	if len(s.backlog) == 0 {
		return srtsock.InvalidSocket, netip.AddrPort{}, srtsock.ErrAsyncRcv
	}

	child := s.backlog[0]
	s.backlog = s.backlog[1:]

	return child, f.sockets[child].peer, nil
}

func (f *fakeSRT) Connect(id srtsock.SocketID, addr netip.AddrPort, timeout time.Duration) error {
	f.lock.Lock()
	defer f.lock.Unlock()

	s, err := f.lookup(id)
	if err != nil {
		return err
	}

	s.peer = addr
	s.local = netip.MustParseAddrPort("127.0.0.1:50001")
	s.status = srtsock.StatusConnected

	return nil
}

func (f *fakeSRT) LocalAddr(id srtsock.SocketID) (netip.AddrPort, error) {
	f.lock.Lock()
	defer f.lock.Unlock()

	s, err := f.lookup(id)
	if err != nil {
		return netip.AddrPort{}, err
	}

	return s.local, nil
}

func (f *fakeSRT) SendMsg(id srtsock.SocketID, p []byte) (int, error) {
	f.lock.Lock()
	defer f.lock.Unlock()

	s, err := f.lookup(id)
	if err != nil {
		return 0, err
	}

	if s.sendErr != nil {
		return 0, s.sendErr
	}

	if len(p) > MaxSRTPayloadSize {
		return 0, srtsock.ErrLargeMsg
	}

	s.sends = append(s.sends, len(p))

	return len(p), nil
}

func (f *fakeSRT) RecvMsg(id srtsock.SocketID, p []byte) (int, srtsock.MsgCtrl, error) {
	f.lock.Lock()
	defer f.lock.Unlock()

	s, err := f.lookup(id)
	if err != nil {
		return 0, srtsock.MsgCtrl{}, err
	}

	if len(s.recv) == 0 {
		switch s.status {
		case srtsock.StatusClosed:
			return 0, srtsock.MsgCtrl{}, nil
		case srtsock.StatusBroken:
			return 0, srtsock.MsgCtrl{}, srtsock.ErrConnLost
		}

		return 0, srtsock.MsgCtrl{}, srtsock.ErrAsyncRcv
	}

	data := s.recv[0]
	s.recv = s.recv[1:]

	return copy(p, data), srtsock.MsgCtrl{MessageNumber: 7, PacketSeq: 70, SourceTime: time.Now().Add(-10 * time.Millisecond)}, nil
}

func (f *fakeSRT) GetSockState(id srtsock.SocketID) srtsock.Status {
	f.lock.Lock()
	defer f.lock.Unlock()

	s, ok := f.sockets[id]
	if !ok {
		return srtsock.StatusNonExist
	}

	return s.status
}

func (f *fakeSRT) Close(id srtsock.SocketID) error {
	f.lock.Lock()
	defer f.lock.Unlock()

	if _, ok := f.sockets[id]; !ok {
		return srtsock.ErrInvalidSock
	}

	delete(f.sockets, id)

	for _, ep := range f.epolls {
		delete(ep, id)
	}

	return nil
}

func (f *fakeSRT) EpollCreate() (int, error) {
	f.lock.Lock()
	defer f.lock.Unlock()

	eid := f.nextEid
	f.nextEid++

	f.epolls[eid] = make(map[srtsock.SocketID]srtsock.EpollFlags)

	return eid, nil
}

func (f *fakeSRT) EpollAddUsock(eid int, id srtsock.SocketID, flags srtsock.EpollFlags) error {
	f.lock.Lock()
	defer f.lock.Unlock()

	ep, ok := f.epolls[eid]
	if !ok {
		return srtsock.ErrInvalidEpoll
	}

	if _, ok := f.sockets[id]; !ok {
		return srtsock.ErrInvalidSock
	}

	ep[id] = flags

	return nil
}

func (f *fakeSRT) EpollRemoveUsock(eid int, id srtsock.SocketID) error {
	f.lock.Lock()
	defer f.lock.Unlock()

	ep, ok := f.epolls[eid]
	if !ok {
		return srtsock.ErrInvalidEpoll
	}

	delete(ep, id)

	return f.removeErr
}

func (f *fakeSRT) contains(eid int, id srtsock.SocketID) bool {
	f.lock.Lock()
	defer f.lock.Unlock()

	_, ok := f.epolls[eid][id]

	return ok
}

func (f *fakeSRT) EpollWait(eid int, ready []srtsock.SocketID, timeout time.Duration) (int, error) {
	f.lock.Lock()
	defer f.lock.Unlock()

	if _, ok := f.epolls[eid]; !ok {
		return 0, srtsock.ErrInvalidEpoll
	}

	if len(f.ready) == 0 {
		return 0, srtsock.ErrTimeout
	}

	n := copy(ready, f.ready)
	f.ready = f.ready[n:]

	return n, nil
}

func (f *fakeSRT) EpollRelease(eid int) error {
	f.lock.Lock()
	defer f.lock.Unlock()

	if _, ok := f.epolls[eid]; !ok {
		return srtsock.ErrInvalidEpoll
	}

	delete(f.epolls, eid)

	return nil
}

type fakeNatives struct {
	sys *fakeSys
	srt *fakeSRT
}

func newFakeNatives() fakeNatives {
	return fakeNatives{
		sys: newFakeSys(),
		srt: newFakeSRT(),
	}
}

func (f fakeNatives) natives() natives {
	return natives{sys: f.sys, srt: f.srt}
}

func (f fakeNatives) socket(config Config) *Socket {
	return newSocket(config, f.natives())
}
