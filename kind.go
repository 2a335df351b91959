package socket

// Kind is the transport of a socket.
type Kind int

const (
	KindUnset Kind = iota // no transport
	KindTCP               // stream socket
	KindUDP               // datagram socket
	KindSRT               // Secure Reliable Transport
)

// String returns a string representation of the Kind.
func (k Kind) String() string {
	switch k {
	case KindTCP:
		return "TCP"
	case KindUDP:
		return "UDP"
	case KindSRT:
		return "SRT"
	default:
		return "Unknown"
	}
}

// isKernel reports whether the transport is polled by the kernel.
func (k Kind) isKernel() bool {
	return k == KindTCP || k == KindUDP
}

// State is the lifecycle state of a Socket. The states up to StateListening
// are ordered.
type State int

const (
	StateClosed State = iota
	StateCreated
	StateBound
	StateListening
	StateConnected
	StateError
)

// String returns a string representation of the State.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "Closed"
	case StateCreated:
		return "Created"
	case StateBound:
		return "Bound"
	case StateListening:
		return "Listening"
	case StateConnected:
		return "Connected"
	case StateError:
		return "Error"
	default:
		return "Unknown"
	}
}

// Family is the address family of TCP and UDP sockets.
type Family int

const (
	FamilyIPv4 Family = 4
	FamilyIPv6 Family = 6 // dual stack
)
