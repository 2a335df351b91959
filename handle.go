package socket

import "fmt"

// Handle is an owned native transport: a TCP or UDP descriptor or an SRT
// socket id. The zero Handle is unset. A valid Handle is handed out by
// AcceptClient and must be adopted by exactly one Socket with
// NewConnectedSocket. Copies of a Handle share the transport, adopting
// one of them unsets all of them.
type Handle struct {
	owned *owned
}

type owned struct {
	t transport
}

func newHandle(t transport) Handle {
	return Handle{owned: &owned{t: t}}
}

func (h Handle) transport() transport {
	if h.owned == nil {
		return nil
	}

	return h.owned.t
}

// IsValid reports whether the handle holds a transport.
func (h Handle) IsValid() bool {
	return h.transport() != nil
}

// Kind returns the transport kind, KindUnset for the zero Handle.
func (h Handle) Kind() Kind {
	return h.Info().Kind()
}

// ID returns the native identifier, -1 for the zero Handle.
func (h Handle) ID() int {
	return h.Info().ID()
}

// Info returns a view of the transport that can't be adopted.
func (h Handle) Info() HandleInfo {
	return infoOf(h.transport())
}

func (h Handle) String() string {
	return h.Info().String()
}

// take moves the transport out of the handle and all its copies.
func (h Handle) take() transport {
	if h.owned == nil {
		return nil
	}

	t := h.owned.t
	h.owned.t = nil

	return t
}

// HandleInfo describes the transport of a Socket or a Handle without
// owning it.
type HandleInfo struct {
	kind Kind
	id   int
}

func infoOf(t transport) HandleInfo {
	if t == nil {
		return HandleInfo{kind: KindUnset, id: -1}
	}

	return HandleInfo{kind: t.kind(), id: t.id()}
}

// IsValid reports whether there is a transport.
func (i HandleInfo) IsValid() bool {
	return i.kind != KindUnset
}

// Kind returns the transport kind, KindUnset if there is no transport.
func (i HandleInfo) Kind() Kind {
	return i.kind
}

// ID returns the native identifier, -1 if there is no transport.
func (i HandleInfo) ID() int {
	if i.kind == KindUnset {
		return -1
	}

	return i.id
}

func (i HandleInfo) String() string {
	if i.kind == KindUnset {
		return "<invalid>"
	}

	return fmt.Sprintf("%s#%d", i.kind, i.id)
}
