package socket

import (
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSRTMultiplexer(t *testing.T) {
	var lock sync.Mutex
	var reports []ReceiveStats

	config := DefaultConfig()
	config.Observer = NewReceiveCollector(1, func(s ReceiveStats) {
		lock.Lock()
		defer lock.Unlock()

		reports = append(reports, s)
	})

	server := NewSocket(config)
	require.NoError(t, server.Create(KindSRT))
	require.NoError(t, server.MakeNonBlocking())
	require.NoError(t, server.Bind(MustParseAddress("127.0.0.1:0")))
	require.NoError(t, server.Listen(16))

	addr, ok := server.LocalAddress()
	require.True(t, ok)
	require.NotEqual(t, uint16(0), addr.Port())

	mux, err := server.PrepareMultiplexer()
	require.NoError(t, err)
	require.NoError(t, mux.Register(server, "server"))

	client := NewSocket(config)
	require.NoError(t, client.Create(KindSRT))
	require.NoError(t, client.Connect(addr, 3*time.Second))
	require.Equal(t, StateConnected, client.State())

	n, err := mux.Wait(3 * time.Second)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	ev, ok := mux.EventAt(0)
	require.True(t, ok)
	require.Equal(t, "server", ev.Tag)
	require.Equal(t, EventReadable, ev.Flags)

	child, err := server.Accept()
	require.NoError(t, err)
	require.NotNil(t, child)
	require.NoError(t, child.MakeNonBlocking())
	require.NoError(t, mux.Register(child, "child"))

	n, err = client.Send([]byte("hello"))
	require.NoError(t, err)
	require.Equal(t, 5, n)

	n, err = mux.Wait(3 * time.Second)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	ev, _ = mux.EventAt(0)
	require.Equal(t, "child", ev.Tag)

	buf := make([]byte, MaxSRTPayloadSize)

	n, err = child.Recv(buf)
	require.NoError(t, err)
	require.Equal(t, "hello", string(buf[:n]))

	lock.Lock()
	require.Len(t, reports, 1)
	require.Equal(t, uint64(5), reports[0].Bytes)
	lock.Unlock()

	n, err = child.Recv(buf)
	require.NoError(t, err)
	require.Equal(t, 0, n)

	require.NoError(t, client.Close())

	n, err = mux.Wait(3 * time.Second)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	ev, _ = mux.EventAt(0)
	require.Equal(t, "child", ev.Tag)
	require.True(t, ev.Flags.Has(EventReadable|EventHangup))

	_, err = child.Recv(buf)
	if err != io.EOF {
		require.ErrorIs(t, err, ErrConnectionLost)
		require.NoError(t, child.Close())
	}
	require.Equal(t, StateClosed, child.State())
	require.Equal(t, 1, mux.Len())

	require.NoError(t, server.Close())
}

func TestSRTSendBackpressure(t *testing.T) {
	for _, nonblocking := range []bool{false, true} {
		name := "blocking"
		if nonblocking {
			name = "nonblocking"
		}

		t.Run(name, func(t *testing.T) {
			server := NewSocket(DefaultConfig())
			require.NoError(t, server.Create(KindSRT))
			require.NoError(t, server.Bind(MustParseAddress("127.0.0.1:0")))
			require.NoError(t, server.Listen(1))

			addr, _ := server.LocalAddress()

			client := NewSocket(DefaultConfig())
			require.NoError(t, client.Create(KindSRT))
			require.NoError(t, client.Connect(addr, 3*time.Second))

			if nonblocking {
				require.NoError(t, client.MakeNonBlocking())
			}

			child, err := server.Accept()
			require.NoError(t, err)
			require.NotNil(t, child)

			// more than gosrt's send queue of 1024 packets takes at once
			payload := make([]byte, 4<<20)

			n, err := client.Send(payload)
			require.NoError(t, err)
			require.Equal(t, len(payload), n)
			require.Equal(t, StateConnected, client.State())

			n, err = client.Send([]byte("x"))
			require.NoError(t, err)
			require.Equal(t, 1, n)

			require.NoError(t, client.Close())
			require.NoError(t, child.Close())
			require.NoError(t, server.Close())
		})
	}
}
