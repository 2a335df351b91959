package socket

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestPrometheusObserver(t *testing.T) {
	o := NewPrometheusObserver("test")

	r := prometheus.NewRegistry()
	require.NoError(t, o.Register(r))
	require.Error(t, o.Register(r))

	now := time.Now()

	o.ObserveReceive(ReceiveSample{Socket: 7, Bytes: 1316, SourceTime: now.Add(-30 * time.Millisecond), ReceivedAt: now})
	o.ObserveReceive(ReceiveSample{Socket: 7, Bytes: 684, ReceivedAt: now})
	o.ObserveReceive(ReceiveSample{Socket: 8, Bytes: 10, ReceivedAt: now})

	require.Equal(t, 2000.0, testutil.ToFloat64(o.bytes.WithLabelValues("7")))
	require.Equal(t, 2.0, testutil.ToFloat64(o.packets.WithLabelValues("7")))
	require.Equal(t, 1, testutil.CollectAndCount(o.latency))

	expected := `
# HELP test_srt_received_messages_total Messages received on an SRT socket.
# TYPE test_srt_received_messages_total counter
test_srt_received_messages_total{socket="7"} 2
test_srt_received_messages_total{socket="8"} 1
`
	require.NoError(t, testutil.CollectAndCompare(o.packets, strings.NewReader(expected)))

	o.Forget(7)

	require.Equal(t, 1, testutil.CollectAndCount(o.packets))
	require.Equal(t, 0, testutil.CollectAndCount(o.latency))
}

func TestMetricsHandler(t *testing.T) {
	o := NewPrometheusObserver("test")

	r := prometheus.NewRegistry()
	require.NoError(t, o.Register(r))

	o.ObserveReceive(ReceiveSample{Socket: 1, Bytes: 5, ReceivedAt: time.Now()})

	rec := httptest.NewRecorder()
	MetricsHandler(r).ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	require.Equal(t, 200, rec.Code)
	require.Contains(t, rec.Body.String(), `test_srt_received_bytes_total{socket="1"} 5`)

	server := NewMetricsServer(r, "127.0.0.1:0", "/prom")
	require.Equal(t, "127.0.0.1:0", server.Addr)

	rec = httptest.NewRecorder()
	server.Handler.ServeHTTP(rec, httptest.NewRequest("GET", "/prom", nil))
	require.Equal(t, 200, rec.Code)
}

func TestValidateListenAddress(t *testing.T) {
	tests := map[string]bool{
		"":               false,
		"127.0.0.1:9000": true,
		"[::1]:9000":     true,
		":9000":          true,
		"localhost:9000": true,
		"127.0.0.1":      false,
		"127.0.0.1:":     false,
	}

	for addr, valid := range tests {
		require.Equal(t, valid, validateListenAddress(addr), addr)
	}
}

func TestValidateMetricsPath(t *testing.T) {
	tests := map[string]bool{
		"":                    false,
		"/metrics":            true,
		"/prometheus/metrics": true,
		"metrics":             false,
		"/with space":         false,
	}

	for path, valid := range tests {
		require.Equal(t, valid, validateMetricsPath(path), path)
	}

	require.True(t, validateMetricsPath("/"+strings.Repeat("a", 49)))
	require.False(t, validateMetricsPath("/"+strings.Repeat("a", 50)))
}

func TestMetricsEndpoint(t *testing.T) {
	t.Setenv("PROM_LISTEN", "[::1]:9100")
	t.Setenv("PROM_PATH", "no-slash")

	listen, path := MetricsEndpoint()
	require.Equal(t, "[::1]:9100", listen)
	require.Equal(t, "/metrics", path)
}
