// Package telemetry exposes Prometheus metrics for message exchange and
// admission.
package telemetry

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "sitenet"

var (
	Registry = prometheus.NewRegistry()

	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Total number of HTTP requests served.",
		},
		[]string{"op", "status"},
	)

	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "Latency of HTTP requests served.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 13),
		},
		[]string{"op"},
	)

	InFlight = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "in_flight_requests",
			Help:      "Current number of in-flight HTTP requests.",
		},
		[]string{"op"},
	)

	// ExchangesTotal counts outbound exchanges by result: ok, transport, rejected.
	ExchangesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "exchanges_total",
			Help:      "Outbound message exchanges by result.",
		},
		[]string{"result"},
	)

	ExchangeDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "exchange_duration_seconds",
			Help:      "Latency of outbound message exchanges.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12),
		},
	)

	MessagesSent = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_sent_total",
			Help:      "Messages transmitted to peers, replays included.",
		},
	)

	// Admissions counts received messages by admission verdict.
	Admissions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "admissions_total",
			Help:      "Received messages by admission verdict.",
		},
		[]string{"verdict"},
	)

	Applied = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "applied_total",
			Help:      "Attempts to apply received messages by result.",
		},
		[]string{"result"},
	)

	Parked = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "parked_messages",
			Help:      "Received messages waiting for a predecessor.",
		},
	)

	// GateStalls counts channel stalls caused by a gating message.
	GateStalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gate_stalls_total",
			Help:      "Channel stalls caused by an unmet gate, by message kind.",
		},
		[]string{"kind"},
	)

	IntakeRejected = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "intake_rejected_total",
			Help:      "Inbound batches refused because the intake queue was full.",
		},
	)

	buildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "build_info",
			Help:      "Build info (constant 1, labeled by version and site).",
		},
		[]string{"version", "site"},
	)

	startTime = time.Now()
	uptime    = prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "uptime_seconds",
			Help:      "Process uptime in seconds.",
		},
		func() float64 { return time.Since(startTime).Seconds() },
	)
)

func init() {
	Registry.MustRegister(
		RequestsTotal, RequestDuration, InFlight,
		ExchangesTotal, ExchangeDuration, MessagesSent,
		Admissions, Applied, Parked, GateStalls, IntakeRejected,
		buildInfo, uptime,
	)
}

// MetricsHandler exposes /metrics.
func MetricsHandler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// SetBuildInfo should be called once at startup.
func SetBuildInfo(version, site string) {
	buildInfo.WithLabelValues(version, site).Set(1)
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Instrument wraps an http.Handler to record metrics under the provided "op" label.
func Instrument(op string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()

		InFlight.WithLabelValues(op).Inc()
		defer InFlight.WithLabelValues(op).Dec()

		next.ServeHTTP(sw, r)

		class := strconv.Itoa(sw.status/100) + "xx"
		RequestsTotal.WithLabelValues(op, class).Inc()
		RequestDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	})
}
