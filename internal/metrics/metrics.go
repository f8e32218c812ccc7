package metrics

import (
	"bufio"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "teamspace",
		Name:      "http_requests_total",
		Help:      "Total number of HTTP requests received",
	}, []string{"method", "path", "status"})

	httpLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "teamspace",
		Name:      "http_request_duration_seconds",
		Help:      "Duration of HTTP requests in seconds",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	// OpenConnections tracks live WebSocket sockets on this process.
	OpenConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "teamspace",
		Name:      "open_connections",
		Help:      "Current number of open WebSocket connections",
	})

	// ActiveRooms tracks rooms with at least one local member.
	ActiveRooms = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "teamspace",
		Name:      "active_rooms",
		Help:      "Rooms with at least one locally connected member",
	})

	// EnvelopesDelivered counts local socket deliveries by envelope type.
	EnvelopesDelivered = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "teamspace",
		Name:      "envelopes_delivered_total",
		Help:      "Envelopes delivered to local sockets",
	}, []string{"type"})

	// EnvelopesPublished counts broker publishes by channel kind.
	EnvelopesPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "teamspace",
		Name:      "envelopes_published_total",
		Help:      "Envelopes published to the broker",
	}, []string{"kind"})

	// EnvelopesDropped counts inbound messages dropped by reason
	// (malformed, unknown_type, no_members, own_origin, throttled).
	EnvelopesDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "teamspace",
		Name:      "envelopes_dropped_total",
		Help:      "Envelopes dropped instead of delivered",
	}, []string{"reason"})
)

type responseRecorder struct {
	http.ResponseWriter
	status int
}

func (r *responseRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// Hijack must pass through or the WebSocket upgrade fails behind the
// middleware.
func (r *responseRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := r.ResponseWriter.(http.Hijacker); ok {
		return h.Hijack()
	}
	return nil, nil, fmt.Errorf("metrics: underlying ResponseWriter does not support hijacking")
}

func (r *responseRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Middleware records request count and latency per route.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &responseRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()

		next.ServeHTTP(rec, r)

		labels := prometheus.Labels{
			"method": r.Method,
			"path":   r.URL.Path,
			"status": strconv.Itoa(rec.status),
		}
		httpRequests.With(labels).Inc()
		httpLatency.With(labels).Observe(time.Since(start).Seconds())
	})
}

// Handler exposes the default Prometheus metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
