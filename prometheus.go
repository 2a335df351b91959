package socket

import (
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	promListenDefault       = "127.0.0.1:9000" // ":9000" to listen on all interfaces
	promPathDefault         = "/metrics"
	promMaxRequestsInFlight = 10
	promEnableOpenMetrics   = true
)

// PrometheusObserver is a ReceiveObserver that exports SRT receive
// diagnostics per socket.
type PrometheusObserver struct {
	bytes   *prometheus.CounterVec
	packets *prometheus.CounterVec
	latency *prometheus.HistogramVec
}

var _ ReceiveObserver = (*PrometheusObserver)(nil)

// NewPrometheusObserver returns an observer with metrics in the given
// namespace. Call Register to expose them.
func NewPrometheusObserver(namespace string) *PrometheusObserver {
	return &PrometheusObserver{
		bytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "srt",
			Name:      "received_bytes_total",
			Help:      "Bytes received on an SRT socket.",
		}, []string{"socket"}),
		packets: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "srt",
			Name:      "received_messages_total",
			Help:      "Messages received on an SRT socket.",
		}, []string{"socket"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "srt",
			Name:      "receive_latency_seconds",
			Help:      "Time between the sender's timestamp and the receive.",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		}, []string{"socket"}),
	}
}

// Register registers all metrics with r.
func (o *PrometheusObserver) Register(r prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{o.bytes, o.packets, o.latency} {
		if err := r.Register(c); err != nil {
			return err
		}
	}

	return nil
}

func (o *PrometheusObserver) ObserveReceive(sample ReceiveSample) {
	label := strconv.Itoa(sample.Socket)

	o.bytes.WithLabelValues(label).Add(float64(sample.Bytes))
	o.packets.WithLabelValues(label).Inc()

	if !sample.SourceTime.IsZero() {
		if latency := sample.ReceivedAt.Sub(sample.SourceTime); latency >= 0 {
			o.latency.WithLabelValues(label).Observe(latency.Seconds())
		}
	}
}

// Forget removes the series of a closed socket.
func (o *PrometheusObserver) Forget(socket int) {
	label := strconv.Itoa(socket)

	o.bytes.DeleteLabelValues(label)
	o.packets.DeleteLabelValues(label)
	o.latency.DeleteLabelValues(label)
}

// MetricsHandler returns the HTTP handler exposing the metrics of g.
func MetricsHandler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{
		EnableOpenMetrics:   promEnableOpenMetrics,
		MaxRequestsInFlight: promMaxRequestsInFlight,
	})
}

// NewMetricsServer returns an HTTP server exposing the metrics of g at path.
// See: https://pkg.go.dev/github.com/prometheus/client_golang/prometheus/promhttp?tab=doc#HandlerOpts
func NewMetricsServer(g prometheus.Gatherer, listen, path string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle(path, MetricsHandler(g))

	fmt.Fprintf(os.Stderr, "Prometheus metrics listening on %s%s\n", listen, path)

	return &http.Server{
		Addr:    listen,
		Handler: mux,
	}
}

// validateListenAddress validates that the address is in the correct format
// for network listening. Supports both IPv4 (e.g., "127.0.0.1:9000") and
// IPv6 (e.g., "[::1]:9000" or ":9000") addresses.
func validateListenAddress(addr string) bool {
	if addr == "" {
		return false
	}

	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}

	// Hostnames are allowed, listening will fail if they don't resolve
	return port != ""
}

// validateMetricsPath validates that the path is a valid HTTP path.
// It must start with a forward slash, not contain whitespace,
// and be no longer than 50 characters.
func validateMetricsPath(path string) bool {
	if !strings.HasPrefix(path, "/") {
		return false
	}

	if len(path) > 50 {
		return false
	}

	return !strings.ContainsAny(path, " \t\r\n")
}

// MetricsEndpoint returns the Prometheus listen address and path, using the
// defaults and overriding them if the corresponding environment variables
// exist and pass validation.
//
// Environment variables:
//   - PROM_LISTEN: Override the listen address (e.g., "127.0.0.1:9000", "[::1]:9000", ":9000")
//   - PROM_PATH: Override the metrics path (e.g., "/prometheus/metrics")
func MetricsEndpoint() (listen, path string) {
	listen = promListenDefault
	path = promPathDefault

	if value, exists := os.LookupEnv("PROM_LISTEN"); exists {
		if validateListenAddress(value) {
			listen = value
		} else {
			log.Printf("prometheus: invalid PROM_LISTEN value '%s', using default '%s'", value, promListenDefault)
		}
	}

	if value, exists := os.LookupEnv("PROM_PATH"); exists {
		if validateMetricsPath(value) {
			path = value
		} else {
			log.Printf("prometheus: invalid PROM_PATH value '%s', using default '%s'", value, promPathDefault)
		}
	}

	return listen, path
}
