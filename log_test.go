package socket

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHasTopic(t *testing.T) {
	l := NewLogger([]string{
		"packet:recv:dump",
	})

	ok := l.HasTopic("foobar")
	require.False(t, ok)

	ok = l.HasTopic("packet:recv:dump")
	require.True(t, ok)

	ok = l.HasTopic("packet:recv")
	require.False(t, ok)

	ok = l.HasTopic("packet")
	require.False(t, ok)
}

func TestHasTopicParent(t *testing.T) {
	l := NewLogger([]string{
		"socket",
	})

	require.True(t, l.HasTopic("socket"))
	require.True(t, l.HasTopic("socket:recv:error"))
	require.False(t, l.HasTopic("multiplexer:wait"))
	require.False(t, l.HasTopic("sockets"))
}

func TestLoggerListen(t *testing.T) {
	l := NewLogger([]string{"socket"})

	f := newFakeNatives()

	config := DefaultConfig()
	config.Logger = l

	s := f.socket(config)
	require.NoError(t, s.Create(KindUDP))

	m := <-l.Listen()
	require.Equal(t, "socket:create", m.Topic)
	require.Equal(t, uint32(s.Handle().ID()), m.SocketId)
	require.Equal(t, "created UDP#100", m.Message)
	require.Equal(t, "socket.go", m.File)

	require.NoError(t, s.Close())

	m = <-l.Listen()
	require.Equal(t, "socket:close", m.Topic)

	l.Close()
	l.Close()

	_, ok := <-l.Listen()
	require.False(t, ok)

	// no panic on a closed logger
	l.Print("socket", 0, 1, func() string { return "" })
}

var result bool

func BenchmarkHasTopicNil(b *testing.B) {
	l := NewLogger(nil)

	var r bool
	for n := 0; n < b.N; n++ {
		r = l.HasTopic("foobar")
	}

	result = r
}

func BenchmarkHasTopicD1(b *testing.B) {
	l := NewLogger([]string{
		"socket:recv:error",
	})

	var r bool
	for n := 0; n < b.N; n++ {
		r = l.HasTopic("socket")
	}

	result = r
}

func BenchmarkHasTopicD3(b *testing.B) {
	l := NewLogger([]string{
		"socket",
	})

	var r bool
	for n := 0; n < b.N; n++ {
		r = l.HasTopic("socket:recv:error")
	}

	result = r
}
