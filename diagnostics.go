package socket

import (
	"sync"
	"time"

	"github.com/datarhei/gosrt/circular"
)

const (
	maxMessageNumber  uint32 = 0b00000011_11111111_11111111_11111111
	maxSequenceNumber uint32 = 0b01111111_11111111_11111111_11111111
)

// ReceiveSample describes one successful SRT receive.
type ReceiveSample struct {
	Socket         int       // SRT socket id
	Bytes          int       // Number of bytes received
	MessageNumber  uint32    // SRT message number of the received message
	PacketSequence uint32    // Sequence number of the first packet of the message
	SourceTime     time.Time // Time the sender stamped on the message
	ReceivedAt     time.Time
}

// ReceiveObserver gets a sample for every successful SRT receive and is told
// when a socket goes away. Implementations must not block.
type ReceiveObserver interface {
	ObserveReceive(sample ReceiveSample)
	Forget(socket int)
}

// ReceiveStats summarize a window of receives on one socket.
type ReceiveStats struct {
	Socket     int
	Packets    uint64
	Bytes      uint64
	Lost       uint64        // Messages skipped in the message number sequence
	Disordered uint64        // Messages that arrived behind an already seen one
	Latency    time.Duration // Sum of the latencies of all packets
	Duration   time.Duration // Time between the first and the last receive
}

// AvgLatency is the average source to receive latency.
func (s ReceiveStats) AvgLatency() time.Duration {
	if s.Packets == 0 {
		return 0
	}

	return s.Latency / time.Duration(s.Packets)
}

// Kbps is the receive rate in kilobits per second.
func (s ReceiveStats) Kbps() float64 {
	seconds := s.Duration.Seconds()
	if seconds <= 0 {
		return 0
	}

	return float64(s.Bytes) * 8 / 1000 / seconds
}

// PPS is the receive rate in packets per second.
func (s ReceiveStats) PPS() float64 {
	seconds := s.Duration.Seconds()
	if seconds <= 0 {
		return 0
	}

	return float64(s.Packets) / seconds
}

type receiveWindow struct {
	stats   ReceiveStats
	first   time.Time
	lastMsg circular.Number
	lastSeq circular.Number
	seen    bool
}

// ReceiveCollector is a ReceiveObserver that counts loss, disorder, latency
// and throughput per socket and calls report every window packets.
type ReceiveCollector struct {
	window int
	report func(ReceiveStats)

	lock    sync.Mutex
	sockets map[int]*receiveWindow
}

// NewReceiveCollector returns a collector reporting every window packets.
// A window below 1 is treated as 1.
func NewReceiveCollector(window int, report func(ReceiveStats)) *ReceiveCollector {
	if window < 1 {
		window = 1
	}

	return &ReceiveCollector{
		window:  window,
		report:  report,
		sockets: make(map[int]*receiveWindow),
	}
}

func (c *ReceiveCollector) ObserveReceive(sample ReceiveSample) {
	msg := circular.New(sample.MessageNumber, maxMessageNumber)
	seq := circular.New(sample.PacketSequence, maxSequenceNumber)

	c.lock.Lock()

	w, ok := c.sockets[sample.Socket]
	if !ok {
		w = &receiveWindow{}
		c.sockets[sample.Socket] = w
	}

	if w.stats.Packets == 0 {
		w.first = sample.ReceivedAt
		w.stats = ReceiveStats{Socket: sample.Socket}
	}

	if w.seen {
		expected := w.lastMsg.Inc()

		if msg.Gt(expected) {
			w.stats.Lost += uint64(msg.Distance(expected))
		} else if msg.Lt(expected) || seq.Lte(w.lastSeq) {
			w.stats.Disordered++
		}
	}

	if !w.seen || msg.Gt(w.lastMsg) {
		w.lastMsg = msg
		w.lastSeq = seq
	}
	w.seen = true

	w.stats.Packets++
	w.stats.Bytes += uint64(sample.Bytes)
	w.stats.Duration = sample.ReceivedAt.Sub(w.first)

	if !sample.SourceTime.IsZero() {
		if latency := sample.ReceivedAt.Sub(sample.SourceTime); latency > 0 {
			w.stats.Latency += latency
		}
	}

	var stats ReceiveStats
	full := w.stats.Packets >= uint64(c.window)
	if full {
		stats = w.stats
		w.stats.Packets = 0
	}

	c.lock.Unlock()

	if full && c.report != nil {
		c.report(stats)
	}
}

// Forget drops the window of a socket without reporting it.
func (c *ReceiveCollector) Forget(socket int) {
	c.lock.Lock()
	defer c.lock.Unlock()

	delete(c.sockets, socket)
}

// Len returns the number of sockets with an open window.
func (c *ReceiveCollector) Len() int {
	c.lock.Lock()
	defer c.lock.Unlock()

	return len(c.sockets)
}
