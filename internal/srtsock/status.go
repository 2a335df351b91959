package srtsock

import (
	"errors"
	"time"
)

// SocketID identifies a socket inside a Library.
type SocketID int32

// InvalidSocket is never handed out by a Library.
const InvalidSocket SocketID = -1

// Status is the connection status of a socket as reported by GetSockState.
type Status int

const (
	StatusInit       Status = iota + 1 // created, not bound
	StatusOpened                       // bound to a local address
	StatusListening                    // accepting connections
	StatusConnecting                   // handshake in progress
	StatusConnected                    // connection established
	StatusBroken                       // connection lost
	StatusClosing                      // close in progress
	StatusClosed                       // closed, peer or local
	StatusNonExist                     // unknown socket id
)

// String returns a string representation of the Status.
func (s Status) String() string {
	switch s {
	case StatusInit:
		return "INIT"
	case StatusOpened:
		return "OPENED"
	case StatusListening:
		return "LISTENING"
	case StatusConnecting:
		return "CONNECTING"
	case StatusConnected:
		return "CONNECTED"
	case StatusBroken:
		return "BROKEN"
	case StatusClosing:
		return "CLOSING"
	case StatusClosed:
		return "CLOSED"
	case StatusNonExist:
		return "NONEXIST"
	default:
		return "UNKNOWN"
	}
}

// Option is a boolean socket option.
type Option int

const (
	OptRcvSyn Option = iota // blocking receive and accept
	OptSndSyn               // blocking send
)

// EpollFlags selects the conditions a socket is watched for.
type EpollFlags int

const (
	EpollIn  EpollFlags = 0x1
	EpollOut EpollFlags = 0x4
	EpollErr EpollFlags = 0x8
)

// MsgCtrl carries the per-message metadata of a received message.
type MsgCtrl struct {
	// Message number as assigned by the sender
	MessageNumber uint32

	// Sequence number of the (first) packet of the message
	PacketSeq uint32

	// Send time at the source, projected onto the local clock
	SourceTime time.Time
}

var (
	ErrInvalidSock  = errors.New("srt: invalid socket")
	ErrInvalidEpoll = errors.New("srt: invalid epoll id")
	ErrInvalidOp    = errors.New("srt: operation not supported in the current socket state")
	ErrUnbound      = errors.New("srt: socket is not bound")
	ErrNoConn       = errors.New("srt: socket is not connected")
	ErrConnRejected = errors.New("srt: connection setup failure")
	ErrConnLost     = errors.New("srt: connection was broken")
	ErrAsyncRcv     = errors.New("srt: no data available for reading")
	ErrAsyncSnd     = errors.New("srt: no room in the send buffer")
	ErrLargeMsg     = errors.New("srt: message is too large to send")
	ErrTimeout      = errors.New("srt: operation timed out")
)
