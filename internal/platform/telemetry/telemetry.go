// Package telemetry exposes Prometheus metrics for the ingest pipeline and an
// Echo middleware that records ops-server request metrics.
package telemetry

import (
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "medcode"

// Breaker states as reported by the breaker state gauge.
const (
	BreakerClosed   = 0
	BreakerOpen     = 1
	BreakerHalfOpen = 2
)

var parseDurationBuckets = []float64{.0001, .0005, .001, .0025, .005, .01, .025, .05, .1}

// Metrics holds all pipeline metrics.
type Metrics struct {
	MessagesParsed      *prometheus.CounterVec
	ParseErrors         *prometheus.CounterVec
	ParseDuration       prometheus.Histogram
	BatchesIngested     *prometheus.CounterVec
	MessagesPublished   *prometheus.CounterVec
	PublishFailures     *prometheus.CounterVec
	BreakerState        *prometheus.GaugeVec
	MLLPFrames          prometheus.Counter
	HTTPRequestDuration *prometheus.HistogramVec

	registry *prometheus.Registry
}

// New creates the metrics and registers them on reg. A nil reg gets a fresh
// registry, which keeps tests independent of the global default.
func New(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	m := &Metrics{
		MessagesParsed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_parsed_total",
			Help:      "HL7 messages parsed, by message type and outcome",
		}, []string{"message_type", "outcome"}),
		ParseErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "parse_errors_total",
			Help:      "Non-fatal parse errors recorded on messages",
		}, []string{"message_type"}),
		ParseDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "parse_duration_seconds",
			Help:      "Time spent parsing a single HL7 message",
			Buckets:   parseDurationBuckets,
		}),
		BatchesIngested: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batches_ingested_total",
			Help:      "Ingested batches, by source",
		}, []string{"source"}),
		MessagesPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_published_total",
			Help:      "Parsed messages handed to the publisher",
		}, []string{"publisher"}),
		PublishFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "publish_failures_total",
			Help:      "Publish attempts that returned an error",
		}, []string{"publisher"}),
		BreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_state",
			Help:      "Circuit breaker state (0=closed, 1=open, 2=half-open)",
		}, []string{"name"}),
		MLLPFrames: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mllp_frames_received_total",
			Help:      "MLLP frames received",
		}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "Ops server request duration",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),
		registry: reg,
	}

	reg.MustRegister(
		m.MessagesParsed,
		m.ParseErrors,
		m.ParseDuration,
		m.BatchesIngested,
		m.MessagesPublished,
		m.PublishFailures,
		m.BreakerState,
		m.MLLPFrames,
		m.HTTPRequestDuration,
	)

	return m
}

// Registry returns the registry the metrics are registered on.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// ObserveParse records one parsed message.
func (m *Metrics) ObserveParse(messageType string, failed bool, errorCount int, elapsed time.Duration) {
	outcome := "ok"
	switch {
	case failed:
		outcome = "failed"
	case errorCount > 0:
		outcome = "partial"
	}
	m.MessagesParsed.WithLabelValues(messageType, outcome).Inc()
	if errorCount > 0 {
		m.ParseErrors.WithLabelValues(messageType).Add(float64(errorCount))
	}
	m.ParseDuration.Observe(elapsed.Seconds())
}

// SetBreakerState records the state of the named circuit breaker.
func (m *Metrics) SetBreakerState(name string, state int) {
	m.BreakerState.WithLabelValues(name).Set(float64(state))
}

// Handler returns an Echo handler serving the registry in the Prometheus
// exposition format.
func (m *Metrics) Handler() echo.HandlerFunc {
	return echo.WrapHandler(promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry}))
}

// Middleware returns an Echo middleware that records request durations.
func (m *Metrics) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)

			route := c.Path()
			if route == "" {
				route = c.Request().URL.Path
			}
			status := c.Response().Status
			if he, ok := err.(*echo.HTTPError); ok {
				status = he.Code
			}
			m.HTTPRequestDuration.
				WithLabelValues(c.Request().Method, route, strconv.Itoa(status)).
				Observe(time.Since(start).Seconds())

			return err
		}
	}
}
