package socket

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrInvalidState         = errors.New("socket: invalid state")
	ErrAllocationFailed     = errors.New("socket: allocation failed")
	ErrBindFailed           = errors.New("socket: bind failed")
	ErrListenFailed         = errors.New("socket: listen failed")
	ErrConnectFailed        = errors.New("socket: connect failed")
	ErrOptionFailed         = errors.New("socket: setting option failed")
	ErrWouldBlock           = errors.New("socket: operation would block")
	ErrConnectionReset      = errors.New("socket: connection reset by peer")
	ErrConnectionLost       = errors.New("socket: connection lost")
	ErrTransport            = errors.New("socket: transport error")
	ErrUnsupportedOperation = errors.New("socket: operation not supported by transport")
	ErrAlreadyClosed        = errors.New("socket: already closed")
	ErrRegistrationFailed   = errors.New("socket: registration failed")
	ErrWaitFailed           = errors.New("socket: wait failed")
)

// Error describes a failed socket operation. It matches its sentinel (one of
// the Err* variables) and the native error with errors.Is.
type Error struct {
	// Operation, e.g. "bind" or "recv"
	Op string

	// Transport of the socket
	Kind Kind

	// Address involved in the operation, if any
	Addr Address

	// One of the Err* sentinels
	Err error

	// Error reported by the transport, if any
	Native error
}

func (e *Error) Error() string {
	var b strings.Builder

	b.WriteString(e.Err.Error())
	b.WriteString(" (")
	b.WriteString(e.Op)

	if e.Kind != KindUnset {
		b.WriteString(" ")
		b.WriteString(strings.ToLower(e.Kind.String()))
	}

	if e.Addr.IsValid() {
		b.WriteString(" ")
		b.WriteString(e.Addr.String())
	}

	b.WriteString(")")

	if e.Native != nil {
		b.WriteString(": ")
		b.WriteString(e.Native.Error())
	}

	return b.String()
}

func (e *Error) Unwrap() []error {
	if e.Native == nil {
		return []error{e.Err}
	}

	return []error{e.Err, e.Native}
}

func newError(op string, kind Kind, sentinel, native error) *Error {
	return &Error{
		Op:     op,
		Kind:   kind,
		Err:    sentinel,
		Native: native,
	}
}

func newAddrError(op string, kind Kind, addr Address, sentinel, native error) *Error {
	e := newError(op, kind, sentinel, native)
	e.Addr = addr

	return e
}

// stateError reports an operation attempted outside of its required state.
func stateError(op string, kind Kind, state State) error {
	return misuse(newError(op, kind, ErrInvalidState, fmt.Errorf("not allowed in state %s", state)))
}

// unsupportedError reports an operation the transport does not provide.
func unsupportedError(op string, kind Kind) error {
	return misuse(newError(op, kind, ErrUnsupportedOperation, nil))
}

// IsFatal reports whether err leaves the socket in StateError.
func IsFatal(err error) bool {
	return errors.Is(err, ErrConnectionReset) || errors.Is(err, ErrConnectionLost) || errors.Is(err, ErrTransport)
}
