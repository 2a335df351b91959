package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/datarhei/gosocket"
	isync "github.com/datarhei/gosocket/internal/sync"
	"github.com/pkg/profile"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"
)

// echo serves one transport family with its own Multiplexer.
type echo struct {
	kind     socket.Kind
	listener *socket.Socket
	mux      *socket.Multiplexer
	clients  map[*socket.Socket]struct{}
	stopper  isync.Stopper
}

func newEcho(kind socket.Kind, addr string, config socket.Config) (*echo, error) {
	address, err := socket.ParseAddress(addr)
	if err != nil {
		return nil, err
	}

	e := &echo{
		kind:     kind,
		listener: socket.NewSocket(config),
		clients:  make(map[*socket.Socket]struct{}),
		stopper:  isync.NewStopper(),
	}

	if err := e.listener.Create(kind); err != nil {
		return nil, err
	}

	if err := e.setup(address, config); err != nil {
		e.listener.Close()
		return nil, err
	}

	return e, nil
}

func (e *echo) setup(address socket.Address, config socket.Config) error {
	if err := e.listener.MakeNonBlocking(); err != nil {
		return err
	}

	if err := e.listener.Bind(address); err != nil {
		return err
	}

	if e.kind == socket.KindUDP {
		// datagram sockets don't listen, they get a standalone multiplexer
		e.mux = socket.NewMultiplexer(config)
		if err := e.mux.Prepare(e.kind); err != nil {
			return err
		}
	} else {
		if err := e.listener.Listen(64); err != nil {
			return err
		}

		mux, err := e.listener.PrepareMultiplexer()
		if err != nil {
			return err
		}

		e.mux = mux
	}

	if err := e.mux.Register(e.listener, e.listener); err != nil {
		return err
	}

	local, _ := e.listener.LocalAddress()
	fmt.Fprintf(os.Stderr, "%s echo listening on %s\n", e.kind, local)

	return nil
}

func (e *echo) run() error {
	defer e.stopper.Done()
	defer e.close()

	buffer := make([]byte, 2048)

	for !e.stopper.Stopping() {
		n, err := e.mux.Wait(100 * time.Millisecond)
		if err != nil {
			return fmt.Errorf("%s: %w", e.kind, err)
		}

		for i := 0; i < n; i++ {
			ev, ok := e.mux.EventAt(i)
			if !ok {
				continue
			}

			s, ok := ev.Tag.(*socket.Socket)
			if !ok {
				continue
			}

			switch {
			case s == e.listener && e.kind == socket.KindUDP:
				e.reflect(buffer)
			case s == e.listener:
				e.accept()
			default:
				e.serve(s, buffer)
			}
		}
	}

	return nil
}

func (e *echo) accept() {
	for {
		client, err := e.listener.Accept()
		if err != nil {
			log(e.kind, "ACCEPT", err.Error(), socket.Address{})
			return
		}

		if client == nil {
			return
		}

		remote, _ := client.RemoteAddress()

		if err := client.MakeNonBlocking(); err != nil {
			log(e.kind, "ACCEPT", err.Error(), remote)
			client.Close()
			continue
		}

		if err := e.mux.Register(client, client); err != nil {
			log(e.kind, "ACCEPT", err.Error(), remote)
			client.Close()
			continue
		}

		e.clients[client] = struct{}{}

		log(e.kind, "CONNECT", "", remote)
	}
}

func (e *echo) serve(client *socket.Socket, buffer []byte) {
	remote, _ := client.RemoteAddress()

	n, err := client.Recv(buffer)
	if err != nil {
		if errors.Is(err, io.EOF) {
			log(e.kind, "CLOSE", "", remote)
		} else {
			log(e.kind, "ERROR", err.Error(), remote)
			client.Close()
		}

		delete(e.clients, client)

		return
	}

	if n == 0 {
		return
	}

	if _, err := client.Send(buffer[:n]); err != nil {
		log(e.kind, "ERROR", err.Error(), remote)
		client.Close()
		delete(e.clients, client)
	}
}

func (e *echo) reflect(buffer []byte) {
	for {
		n, from, err := e.listener.RecvFrom(buffer)
		if err != nil {
			log(e.kind, "ERROR", err.Error(), from)
			return
		}

		if !from.IsValid() {
			return
		}

		if _, err := e.listener.SendTo(from, buffer[:n]); err != nil {
			log(e.kind, "ERROR", err.Error(), from)
		}
	}
}

func (e *echo) close() {
	for client := range e.clients {
		client.Close()
	}

	clear(e.clients)

	if e.kind == socket.KindUDP {
		e.mux.Close()
	}

	// also releases the multiplexer of TCP and SRT
	e.listener.Close()
}

func log(kind socket.Kind, action, message string, client socket.Address) {
	fmt.Fprintf(os.Stderr, "%-4s %10s %s %s\n", kind, action, client, message)
}

func main() {
	var tcpAddr, udpAddr, srtAddr string
	var passphrase string
	var logtopics string
	var window int
	var metrics bool
	var profiling bool

	flag.StringVar(&tcpAddr, "tcp", "", "TCP address to listen on")
	flag.StringVar(&udpAddr, "udp", "", "UDP address to listen on")
	flag.StringVar(&srtAddr, "srt", "", "SRT address to listen on")
	flag.StringVar(&passphrase, "passphrase", "", "passphrase for de- and enrcypting the SRT data")
	flag.StringVar(&logtopics, "logtopics", "", "topics for the log output")
	flag.IntVar(&window, "window", 0, "log SRT receive statistics every n packets, 0 disables")
	flag.BoolVar(&metrics, "metrics", false, "expose SRT receive metrics for Prometheus (PROM_LISTEN, PROM_PATH)")
	flag.BoolVar(&profiling, "profile", false, "enable profiling")

	flag.Parse()

	if len(tcpAddr) == 0 && len(udpAddr) == 0 && len(srtAddr) == 0 {
		fmt.Fprintf(os.Stderr, "Provide at least one listen address with -tcp, -udp or -srt\n")
		os.Exit(1)
	}

	if profiling {
		defer profile.Start(profile.NoShutdownHook).Stop()
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

	var server *http.Server

	if metrics {
		observer := socket.NewPrometheusObserver("echo")
		if err := observer.Register(prometheus.DefaultRegisterer); err != nil {
			fmt.Fprintf(os.Stderr, "Error: metrics: %s\n", err)
			os.Exit(1)
		}

		config.Observer = observer

		listen, path := socket.MetricsEndpoint()
		server = socket.NewMetricsServer(prometheus.DefaultGatherer, listen, path)
	} else if window > 0 {
		config.Observer = socket.NewReceiveCollector(window, func(s socket.ReceiveStats) {
			fmt.Fprintf(os.Stderr, "SRT#%d: %d packets, %d lost, %d disordered, %s avg latency, %.3f Kbps, %.1f pps\n",
				s.Socket, s.Packets, s.Lost, s.Disordered, s.AvgLatency(), s.Kbps(), s.PPS())
		})
	}

	listeners := []struct {
		kind socket.Kind
		addr string
	}{
		{socket.KindTCP, tcpAddr},
		{socket.KindUDP, udpAddr},
		{socket.KindSRT, srtAddr},
	}

	echos := []*echo{}

	for _, l := range listeners {
		if len(l.addr) == 0 {
			continue
		}

		e, err := newEcho(l.kind, l.addr, config)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %s: %s\n", l.kind, err)
			os.Exit(1)
		}

		echos = append(echos, e)
	}

	g, ctx := errgroup.WithContext(context.Background())

	for _, e := range echos {
		g.Go(e.run)
	}

	if server != nil {
		g.Go(func() error {
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("prometheus: %w", err)
			}
			return nil
		})
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt)

	select {
	case <-quit:
	case <-ctx.Done():
	}

	for _, e := range echos {
		e.stopper.Stop()
	}

	if server != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		server.Shutdown(shutdownCtx)
		cancel()
	}

	if err := g.Wait(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
	}

	if config.Logger != nil {
		config.Logger.Close()
	}
}
