package obs

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "http_in_flight_requests",
		Help: "In-flight HTTP requests.",
	})

	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)

	rentalOperations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rental_operations_total",
			Help: "Rental protocol mutations by operation and result kind.",
		},
		[]string{"op", "result"},
	)

	escrowSettled = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "escrow_settled_minor_units_total",
		Help: "Minor units moved from renters to owners by finalized rentals.",
	})

	eventSubscribers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "event_stream_subscribers",
		Help: "Open SSE and WebSocket event subscriptions.",
	})

	ready = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "service_ready",
		Help: "1 when the last readiness probe succeeded.",
	})

	initOnce sync.Once
)

// Init registers the metrics in the default registry. Safe to call twice.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			httpInFlight, httpRequestsTotal, httpRequestDuration,
			rentalOperations, escrowSettled, eventSubscribers, ready,
		)
	})
}

func Handler() http.Handler {
	return promhttp.Handler()
}

// Instrument records request count, latency and in-flight gauge.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := CanonicalPath(r.URL.Path)
		method := r.Method

		httpInFlight.Inc()
		defer httpInFlight.Dec()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: 200}
		next.ServeHTTP(sw, r)

		status := strconv.Itoa(sw.code)
		httpRequestDuration.WithLabelValues(method, path, status).Observe(time.Since(start).Seconds())
		httpRequestsTotal.WithLabelValues(method, path, status).Inc()
	})
}

// RecordOperation counts one rental mutation. result is "ok" or the error
// kind.
func RecordOperation(op, result string) {
	rentalOperations.WithLabelValues(op, result).Inc()
}

// AddSettled adds a finalized rental amount.
func AddSettled(amount int64) {
	if amount > 0 {
		escrowSettled.Add(float64(amount))
	}
}

// SubscriberDelta tracks open event subscriptions.
func SubscriberDelta(d int) { eventSubscribers.Add(float64(d)) }

// SetReady publishes the last readiness result.
func SetReady(ok bool) {
	if ok {
		ready.Set(1)
		return
	}
	ready.Set(0)
}

// CanonicalPath replaces path parameters with placeholders to keep label
// cardinality bounded.
func CanonicalPath(p string) string {
	if i := strings.IndexByte(p, '?'); i >= 0 {
		p = p[:i]
	}
	if p == "" {
		return "/"
	}
	seg := strings.Split(strings.Trim(p, "/"), "/")
	if len(seg) < 3 || seg[0] != "v1" {
		return p
	}
	switch seg[1] {
	case "tokens":
		seg[2] = ":id"
	case "accounts":
		if len(seg) == 4 && seg[3] == "tokens" {
			seg[2] = ":addr"
		}
	case "keys":
		if len(seg) == 3 {
			seg[2] = ":addr"
		}
	case "escrow":
		if len(seg) == 4 && seg[3] == "balance" {
			seg[2] = ":addr"
		}
	}
	return "/" + strings.Join(seg, "/")
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}

// Flush keeps streaming handlers working behind the wrapper.
func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (w *statusWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }

// Hijack is required by the WebSocket upgrade.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("hijack not supported")
	}
	return h.Hijack()
}
