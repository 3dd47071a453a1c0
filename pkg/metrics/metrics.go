package metrics

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/uhyunpark/nftswap/pkg/app/core/order"
)

const namespace = "nftswap"

var (
	// Registry holds the node's Prometheus collectors.
	Registry = prometheus.NewRegistry()

	httpInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "inflight_requests",
			Help:      "Current number of in-flight HTTP requests.",
		},
	)

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled.",
		},
		[]string{"method", "path", "status"},
	)

	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
		},
		[]string{"method", "path"},
	)

	ordersMade = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "book",
			Name:      "orders_made_total",
			Help:      "Orders submitted, by side, sale kind and outcome.",
		},
		[]string{"side", "sale_kind", "result"},
	)

	ordersCancelled = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "book",
			Name:      "cancels_total",
			Help:      "Cancel attempts by outcome.",
		},
		[]string{"result"},
	)

	matches = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "book",
			Name:      "matches_total",
			Help:      "Match attempts by outcome.",
		},
		[]string{"result"},
	)

	matchDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "book",
			Name:      "match_duration_seconds",
			Help:      "Time spent settling a match, lock wait included.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 12),
		},
	)

	settledWei = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "vault",
			Name:      "settled_wei_total",
			Help:      "Sum of settled sale totals in wei (float, for dashboards).",
		},
	)

	relayPublished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "published_total",
			Help:      "Events handed to a sink, by sink and outcome.",
		},
		[]string{"sink", "result"},
	)

	relayCursor = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "cursor",
			Help:      "Last event sequence acknowledged by each sink.",
		},
		[]string{"sink"},
	)
)

func init() {
	Registry.MustRegister(
		httpInFlight,
		httpRequests,
		httpDuration,
		ordersMade,
		ordersCancelled,
		matches,
		matchDuration,
		settledWei,
		relayPublished,
		relayCursor,
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		prometheus.NewGoCollector(),
	)
}

// Handler returns an HTTP handler exposing the registered Prometheus metrics.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// InstrumentHandler is mux middleware recording request counts and latency
// labelled by route template.
func InstrumentHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()

		httpInFlight.Inc()
		defer httpInFlight.Dec()

		next.ServeHTTP(rec, r)

		path := routePath(r)
		method := strings.ToUpper(r.Method)
		httpRequests.WithLabelValues(method, path, strconv.Itoa(rec.status)).Inc()
		httpDuration.WithLabelValues(method, path).Observe(time.Since(start).Seconds())
	})
}

// RecordOrderMade counts one order of a make batch.
func RecordOrderMade(side order.Side, kind order.SaleKind, err error) {
	ordersMade.WithLabelValues(side.String(), kind.String(), result(err)).Inc()
}

// RecordCancel counts one cancel attempt.
func RecordCancel(err error) {
	ordersCancelled.WithLabelValues(result(err)).Inc()
}

// RecordMatch counts one match attempt and, on success, its sale total.
func RecordMatch(duration time.Duration, totalWei float64, err error) {
	matches.WithLabelValues(result(err)).Inc()
	matchDuration.Observe(duration.Seconds())
	if err == nil {
		settledWei.Add(totalWei)
	}
}

// RecordRelayPublish counts one sink delivery.
func RecordRelayPublish(sink string, err error) {
	relayPublished.WithLabelValues(sink, result(err)).Inc()
}

// SetRelayCursor exports a sink's acknowledged position.
func SetRelayCursor(sink string, seq uint64) {
	relayCursor.WithLabelValues(sink).Set(float64(seq))
}

// result maps an error onto a bounded label set.
func result(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, order.ErrValidation):
		return "invalid"
	case errors.Is(err, order.ErrDuplicateOrder):
		return "duplicate"
	case errors.Is(err, order.ErrInsufficientEscrow):
		return "insufficient_escrow"
	case errors.Is(err, order.ErrNotOwner):
		return "not_owner"
	case errors.Is(err, order.ErrOrderNotOpen):
		return "not_open"
	case errors.Is(err, order.ErrEscrowTransfer):
		return "escrow_transfer"
	case errors.Is(err, order.ErrNotFound):
		return "not_found"
	default:
		return "error"
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Hijack keeps websocket upgrades working through the recorder.
func (r *statusRecorder) Hijack() (c net.Conn, rw *bufio.ReadWriter, err error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	return h.Hijack()
}

func routePath(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tpl, err := route.GetPathTemplate(); err == nil {
			return tpl
		}
	}
	return "unmatched"
}
