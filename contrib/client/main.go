package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"sync"
	"time"

	"github.com/datarhei/gosocket"
	"golang.org/x/sync/errgroup"
)

type stats struct {
	bprev  uint64
	btotal uint64
	prev   uint64
	total  uint64

	lock sync.Mutex

	period time.Duration
	last   time.Time
	stop   chan struct{}
}

func (s *stats) init(period time.Duration) {
	s.bprev = 0
	s.btotal = 0
	s.prev = 0
	s.total = 0

	s.period = period
	s.last = time.Now()
	s.stop = make(chan struct{})

	go s.tick()
}

func (s *stats) tick() {
	ticker := time.NewTicker(s.period)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case c := <-ticker.C:
			s.lock.Lock()
			diff := c.Sub(s.last)

			bavg := float64(s.btotal-s.bprev) * 8 / (1000 * 1000 * diff.Seconds())
			avg := float64(s.total-s.prev) / diff.Seconds()

			s.bprev = s.btotal
			s.prev = s.total
			s.last = c

			s.lock.Unlock()

			fmt.Fprintf(os.Stderr, "\r%-54s: %8.3f kpackets (%8.3f packets/s), %8.3f mbytes (%8.3f Mbps)", c, float64(s.total)/1024, avg, float64(s.btotal)/1024/1024, bavg)
		}
	}
}

func (s *stats) update(n uint64) {
	s.lock.Lock()
	defer s.lock.Unlock()

	s.btotal += n
	s.total++
}

func (s *stats) close() {
	close(s.stop)
}

func main() {
	var to string
	var passphrase string
	var logtopics string
	var timeout time.Duration
	var quiet bool

	flag.StringVar(&to, "to", "", "Address of the echo server: tcp://, udp://, srt://")
	flag.StringVar(&passphrase, "passphrase", "", "passphrase for de- and enrcypting the SRT data")
	flag.StringVar(&logtopics, "logtopics", "", "topics for the log output")
	flag.DurationVar(&timeout, "timeout", 3*time.Second, "connect timeout")
	flag.BoolVar(&quiet, "quiet", false, "don't write the echoed data to stdout, only statistics")

	flag.Parse()

	if len(to) == 0 {
		fmt.Fprintf(os.Stderr, "Error: provide an address with -to\n")
		os.Exit(1)
	}

	config := socket.DefaultConfig()
	config.SRT.Passphrase = passphrase

	if len(logtopics) != 0 {
		config.Logger = socket.NewLogger(strings.Split(logtopics, ","))
	}

	go func() {
		if config.Logger == nil {
			return
		}

		for m := range config.Logger.Listen() {
			fmt.Fprintf(os.Stderr, "%#08x %s (in %s:%d)\n%s \n", m.SocketId, m.Topic, m.File, m.Line, m.Message)
		}
	}()

	conn, err := open(to, config, timeout)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s: %v\n", to, err)
		os.Exit(1)
	}

	fmt.Fprintf(os.Stderr, "%s\n", conn)

	s := stats{}
	if quiet {
		s.init(200 * time.Millisecond)
		defer s.close()
	}

	input := make(chan []byte, 16)
	done := make(chan struct{})

	var g errgroup.Group

	g.Go(func() error {
		defer close(input)
		return readStdin(input, done)
	})

	g.Go(func() error {
		defer close(done)
		return echo(conn, config, input, &s, quiet)
	})

	go func() {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, os.Interrupt)
		<-quit

		os.Stdin.Close()
	}()

	if err := g.Wait(); err != nil {
		fmt.Fprintf(os.Stderr, "\nError: %v\n", err)
	}

	conn.Close()

	if config.Logger != nil {
		config.Logger.Close()
	}
}

func open(address string, config socket.Config, timeout time.Duration) (*socket.Socket, error) {
	u, err := url.Parse(address)
	if err != nil {
		return nil, err
	}

	var kind socket.Kind

	switch u.Scheme {
	case "tcp":
		kind = socket.KindTCP
	case "udp":
		kind = socket.KindUDP
	case "srt":
		kind = socket.KindSRT
	default:
		return nil, fmt.Errorf("unsupported scheme %q", u.Scheme)
	}

	remote, err := socket.ParseAddress(u.Host)
	if err != nil {
		return nil, err
	}

	conn := socket.NewSocket(config)

	if err := conn.Create(kind); err != nil {
		return nil, err
	}

	if err := conn.Connect(remote, timeout); err != nil {
		conn.Close()
		return nil, err
	}

	if err := conn.MakeNonBlocking(); err != nil {
		conn.Close()
		return nil, err
	}

	return conn, nil
}

func readStdin(input chan<- []byte, done <-chan struct{}) error {
	buffer := make([]byte, socket.MaxSRTPayloadSize)

	for {
		n, err := os.Stdin.Read(buffer)
		if n > 0 {
			p := make([]byte, n)
			copy(p, buffer[:n])

			select {
			case input <- p:
			case <-done:
				return nil
			}
		}

		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, os.ErrClosed) {
				return nil
			}

			return err
		}
	}
}

// echo sends the input to conn and writes everything it receives back
// to stdout until the input is exhausted and the peer went quiet.
func echo(conn *socket.Socket, config socket.Config, input <-chan []byte, s *stats, quiet bool) error {
	mux := socket.NewMultiplexer(config)
	defer mux.Close()

	if err := mux.Prepare(conn.Kind()); err != nil {
		return err
	}

	if err := mux.Register(conn, conn); err != nil {
		return err
	}

	buffer := make([]byte, 2048)
	pending := 0
	idle := 0

	for {
		select {
		case p, ok := <-input:
			if !ok {
				input = nil
				break
			}

			if _, err := conn.Send(p); err != nil {
				return err
			}

			pending += len(p)
			idle = 0
		default:
		}

		if input == nil && (pending <= 0 || idle > 10) {
			return nil
		}

		n, err := mux.Wait(50 * time.Millisecond)
		if err != nil {
			return err
		}

		if n == 0 {
			if input == nil {
				idle++
			}
			continue
		}

		for {
			n, err := conn.Recv(buffer)
			if err != nil {
				if errors.Is(err, io.EOF) {
					return nil
				}

				return err
			}

			if n == 0 {
				break
			}

			pending -= n
			s.update(uint64(n))

			if !quiet {
				os.Stdout.Write(buffer[:n])
			}
		}
	}
}
