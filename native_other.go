//go:build !linux

package socket

import (
	"errors"
	"time"
)

var errUnsupportedPlatform = errors.New("kernel sockets are only supported on linux")

// unsupportedAPI is the sysAPI on platforms without epoll. SRT sockets
// keep working.
type unsupportedAPI struct{}

type pollBuffer struct{}

func newPollBuffer(int) *pollBuffer {
	return &pollBuffer{}
}

func newSysAPI() sysAPI {
	return unsupportedAPI{}
}

func (unsupportedAPI) Socket(Family, Kind) (int, error) { return -1, errUnsupportedPlatform }
func (unsupportedAPI) SetNonblock(int, bool) error     { return errUnsupportedPlatform }
func (unsupportedAPI) SetOption(int, sockOpt, int) error {
	return errUnsupportedPlatform
}
func (unsupportedAPI) Bind(int, Address) error { return errUnsupportedPlatform }
func (unsupportedAPI) Listen(int, int) error   { return errUnsupportedPlatform }
func (unsupportedAPI) Accept(int) (int, Address, error) {
	return -1, Address{}, errUnsupportedPlatform
}
func (unsupportedAPI) Connect(int, Address) error                { return errUnsupportedPlatform }
func (unsupportedAPI) WaitConnected(int, time.Duration) error    { return errUnsupportedPlatform }
func (unsupportedAPI) Getsockname(int) (Address, error)          { return Address{}, errUnsupportedPlatform }
func (unsupportedAPI) Send(int, []byte, bool) (int, error)       { return 0, errUnsupportedPlatform }
func (unsupportedAPI) SendTo(int, []byte, Address, bool) (int, error) {
	return 0, errUnsupportedPlatform
}
func (unsupportedAPI) Recv(int, []byte, bool) (int, error) { return -1, errUnsupportedPlatform }
func (unsupportedAPI) RecvFrom(int, []byte, bool) (int, Address, error) {
	return -1, Address{}, errUnsupportedPlatform
}
func (unsupportedAPI) ShutdownWrite(int) error { return errUnsupportedPlatform }
func (unsupportedAPI) Close(int) error         { return errUnsupportedPlatform }
func (unsupportedAPI) EpollCreate() (int, error) {
	return -1, errUnsupportedPlatform
}
func (unsupportedAPI) EpollAdd(int, int, EventFlags, uint64) error { return errUnsupportedPlatform }
func (unsupportedAPI) EpollDel(int, int) error                     { return errUnsupportedPlatform }
func (unsupportedAPI) EpollWait(int, *pollBuffer, []pollEvent, time.Duration) (int, error) {
	return -1, errUnsupportedPlatform
}
