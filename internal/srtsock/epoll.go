package srtsock

import (
	"sync"
	"time"
)

type epollEntry struct {
	id    SocketID
	flags EpollFlags
}

// epoll is a level triggered readiness set.
type epoll struct {
	id int

	lock    sync.Mutex
	entries []epollEntry

	wake chan struct{}
	done chan struct{}
	once sync.Once
}

func newEpoll(id int) *epoll {
	return &epoll{
		id:   id,
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
}

func (ep *epoll) contains(id SocketID) bool {
	ep.lock.Lock()
	defer ep.lock.Unlock()

	for _, e := range ep.entries {
		if e.id == id {
			return true
		}
	}

	return false
}

func (ep *epoll) add(id SocketID, flags EpollFlags) {
	ep.lock.Lock()
	defer ep.lock.Unlock()

	for i, e := range ep.entries {
		if e.id == id {
			ep.entries[i].flags = flags
			return
		}
	}

	ep.entries = append(ep.entries, epollEntry{id: id, flags: flags})
}

func (ep *epoll) remove(id SocketID) bool {
	ep.lock.Lock()
	defer ep.lock.Unlock()

	for i, e := range ep.entries {
		if e.id == id {
			ep.entries = append(ep.entries[:i], ep.entries[i+1:]...)
			return true
		}
	}

	return false
}

func (ep *epoll) snapshot() []epollEntry {
	ep.lock.Lock()
	defer ep.lock.Unlock()

	return append([]epollEntry(nil), ep.entries...)
}

func (ep *epoll) signal() {
	select {
	case ep.wake <- struct{}{}:
	default:
	}
}

func (ep *epoll) release() {
	ep.once.Do(func() {
		close(ep.done)
	})
}

func (l *Library) lookupEpoll(eid int) *epoll {
	l.lock.RLock()
	defer l.lock.RUnlock()

	return l.epolls[eid]
}

// notify wakes up every epoll set watching the socket.
func (l *Library) notify(id SocketID) {
	l.lock.RLock()
	defer l.lock.RUnlock()

	for _, ep := range l.epolls {
		if ep.contains(id) {
			ep.signal()
		}
	}
}

// EpollCreate creates a new epoll set.
func (l *Library) EpollCreate() (int, error) {
	l.lock.Lock()
	defer l.lock.Unlock()

	eid := l.nextEpoll
	l.nextEpoll++

	l.epolls[eid] = newEpoll(eid)

	return eid, nil
}

// EpollAddUsock adds the socket to the epoll set, or updates its flags if
// it is already part of it.
func (l *Library) EpollAddUsock(eid int, id SocketID, flags EpollFlags) error {
	ep := l.lookupEpoll(eid)
	if ep == nil {
		return ErrInvalidEpoll
	}

	if l.lookup(id) == nil {
		return ErrInvalidSock
	}

	ep.add(id, flags)

	// the socket may already be ready
	ep.signal()

	return nil
}

// EpollRemoveUsock removes the socket from the epoll set. Removing a socket
// that is not part of the set is not an error.
func (l *Library) EpollRemoveUsock(eid int, id SocketID) error {
	ep := l.lookupEpoll(eid)
	if ep == nil {
		return ErrInvalidEpoll
	}

	ep.remove(id)

	return nil
}

// EpollWait waits until at least one socket of the set is ready and writes
// the ready ids into ready in the order they were added. A negative timeout
// waits forever. ErrTimeout is returned if nothing became ready in time.
func (l *Library) EpollWait(eid int, ready []SocketID, timeout time.Duration) (int, error) {
	ep := l.lookupEpoll(eid)
	if ep == nil {
		return 0, ErrInvalidEpoll
	}

	var expired <-chan time.Time

	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()

		expired = timer.C
	}

	for {
		n := l.collect(ep, ready)
		if n > 0 {
			return n, nil
		}

		if timeout == 0 {
			return 0, ErrTimeout
		}

		select {
		case <-ep.wake:
		case <-expired:
			return 0, ErrTimeout
		case <-ep.done:
			return 0, ErrInvalidEpoll
		}
	}
}

func (l *Library) collect(ep *epoll, ready []SocketID) int {
	n := 0

	for _, e := range ep.snapshot() {
		if n == len(ready) {
			break
		}

		s := l.lookup(e.id)
		if s == nil {
			if e.flags&(EpollIn|EpollErr) != 0 {
				ready[n] = e.id
				n++
			}
			continue
		}

		if s.ready(e.flags) {
			ready[n] = e.id
			n++
		}
	}

	return n
}

// EpollRelease releases the epoll set. Waiters return ErrInvalidEpoll.
func (l *Library) EpollRelease(eid int) error {
	l.lock.Lock()
	ep, ok := l.epolls[eid]
	delete(l.epolls, eid)
	l.lock.Unlock()

	if !ok {
		return ErrInvalidEpoll
	}

	ep.release()

	return nil
}

// EpollLen returns the number of sockets in the epoll set.
func (l *Library) EpollLen(eid int) int {
	ep := l.lookupEpoll(eid)
	if ep == nil {
		return 0
	}

	ep.lock.Lock()
	defer ep.lock.Unlock()

	return len(ep.entries)
}
