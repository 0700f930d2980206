// Package metrics holds the per-process Prometheus instruments. Each
// binary builds one Metrics value and passes it explicitly; there are
// no global registries.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics is the instrument set shared by the cardroom services. Not
// every service touches every instrument; unused ones just stay flat.
type Metrics struct {
	registry *prometheus.Registry

	// Gateway
	Connections   prometheus.Gauge
	FramesIn      *prometheus.CounterVec
	FramesOut     *prometheus.CounterVec
	FanoutLatency prometheus.Histogram
	RateLimited   *prometheus.CounterVec
	Backpressured prometheus.Counter
	Resumes       prometheus.Counter

	// Event pipeline
	EventsAppended prometheus.Counter
	PoisonMessages prometheus.Counter
	StreamLag      prometheus.Gauge

	// RPC clients
	BreakerState *prometheus.GaugeVec
}

// New builds a Metrics with a fresh registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &Metrics{
		registry: registry,
		Connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "cardroom_gateway_connections",
			Help: "Open WebSocket connections.",
		}),
		FramesIn: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cardroom_gateway_frames_in_total",
			Help: "Client frames received, by frame type.",
		}, []string{"type"}),
		FramesOut: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cardroom_gateway_frames_out_total",
			Help: "Server frames sent, by frame type.",
		}, []string{"type"}),
		FanoutLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "cardroom_gateway_fanout_seconds",
			Help:    "Latency from envelope receipt to socket enqueue.",
			Buckets: prometheus.ExponentialBuckets(0.0001, 2, 14),
		}),
		RateLimited: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cardroom_gateway_rate_limited_total",
			Help: "Frames rejected by rate limiting, by action type.",
		}, []string{"action"}),
		Backpressured: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cardroom_gateway_backpressure_closes_total",
			Help: "Connections closed for exceeding the send queue.",
		}),
		Resumes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cardroom_gateway_resumes_total",
			Help: "Resume requests served.",
		}),
		EventsAppended: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cardroom_event_appends_total",
			Help: "Hand events appended to the log.",
		}),
		PoisonMessages: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cardroom_event_poison_total",
			Help: "Stream messages that failed to fold.",
		}),
		StreamLag: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "cardroom_event_stream_lag",
			Help: "Pending messages for the materializer consumer group.",
		}),
		BreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "cardroom_rpc_breaker_open",
			Help: "1 when the named downstream circuit breaker is open.",
		}, []string{"downstream"}),
	}

	registry.MustRegister(
		m.Connections,
		m.FramesIn,
		m.FramesOut,
		m.FanoutLatency,
		m.RateLimited,
		m.Backpressured,
		m.Resumes,
		m.EventsAppended,
		m.PoisonMessages,
		m.StreamLag,
		m.BreakerState,
	)
	return m
}

// Handler serves the registry for scraping.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
