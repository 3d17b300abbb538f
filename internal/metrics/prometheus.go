package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "udp_receiver"

// Metrics contains all Prometheus metrics for the receiver service.
// All Record/Set methods are safe to call on a nil *Metrics.
type Metrics struct {
	registry *prometheus.Registry

	// Receive path metrics
	DatagramsReceived prometheus.Counter
	BytesReceived     prometheus.Counter
	DecodeErrors      prometheus.Counter
	ReadErrors        prometheus.Counter

	// Dispatch metrics
	EventsQueued    prometheus.Counter
	EventsDropped   prometheus.Counter
	EventsDelivered prometheus.Counter
	QueueDepth      prometheus.Gauge
	DispatchLatency prometheus.Histogram

	// Reply and send metrics
	AcksSent     prometheus.Counter
	AckFailures  prometheus.Counter
	MessagesSent prometheus.Counter
	SendFailures prometheus.Counter
	BytesSent    prometheus.Counter

	// Lifecycle metrics
	State           prometheus.Gauge
	SessionsStarted prometheus.Counter
	BindFailures    prometheus.Counter

	// Peer tracking metrics
	ActivePeers  prometheus.Gauge
	PeersEvicted prometheus.Counter

	// Relay metrics
	RelayPublished prometheus.Counter
	RelayFailures  prometheus.Counter

	// HTTP API metrics
	HTTPRequests        *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	HTTPErrors          *prometheus.CounterVec
}

// NewMetrics creates all metrics on a fresh registry that also carries the
// Go runtime and process collectors
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return newMetrics(reg)
}

// NewMetricsWithRegistry registers all metrics on the given registry
func NewMetricsWithRegistry(reg *prometheus.Registry) *Metrics {
	return newMetrics(reg)
}

func newMetrics(reg *prometheus.Registry) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		DatagramsReceived: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "datagrams_received_total",
			Help:      "Total number of UDP datagrams read from the socket",
		}),
		BytesReceived: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_received_total",
			Help:      "Total payload bytes read from the socket",
		}),
		DecodeErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decode_errors_total",
			Help:      "Datagrams dropped because the payload was not valid UTF-8",
		}),
		ReadErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "read_errors_total",
			Help:      "Socket read errors other than poll timeouts",
		}),

		EventsQueued: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_queued_total",
			Help:      "Message events queued for host delivery",
		}),
		EventsDropped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_dropped_total",
			Help:      "Message events dropped because the host queue was full",
		}),
		EventsDelivered: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_delivered_total",
			Help:      "Message events delivered to subscribers",
		}),
		QueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "event_queue_depth",
			Help:      "Current number of events waiting for host delivery",
		}),
		DispatchLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "dispatch_latency_seconds",
			Help:      "Time from datagram receipt to subscriber delivery",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 14), // 100µs to ~1.6s
		}),

		AcksSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "acks_sent_total",
			Help:      "Acknowledgements written back to senders",
		}),
		AckFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ack_failures_total",
			Help:      "Acknowledgements that could not be written",
		}),
		MessagesSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_sent_total",
			Help:      "Outbound messages sent through the send path",
		}),
		SendFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "send_failures_total",
			Help:      "Outbound messages that failed to send",
		}),
		BytesSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_sent_total",
			Help:      "Total payload bytes written to the socket",
		}),

		State: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "state",
			Help:      "Receiver state (0=idle 1=starting 2=running 3=stopping 4=failed)",
		}),
		SessionsStarted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_started_total",
			Help:      "Receive sessions successfully started",
		}),
		BindFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bind_failures_total",
			Help:      "Start attempts that failed to bind the socket",
		}),

		ActivePeers: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_peers",
			Help:      "Senders seen within the peer idle timeout",
		}),
		PeersEvicted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "peers_evicted_total",
			Help:      "Peers removed after exceeding the idle timeout",
		}),

		RelayPublished: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relay_published_total",
			Help:      "Events published to the NATS relay subject",
		}),
		RelayFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relay_failures_total",
			Help:      "Events that failed to publish to NATS",
		}),

		HTTPRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		}, []string{"method", "endpoint", "status_code"}),
		HTTPRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "Duration of HTTP requests",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "endpoint"}),
		HTTPErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_errors_total",
			Help:      "Total number of HTTP errors",
		}, []string{"method", "endpoint", "error_type"}),
	}
}

// Registry returns the registry the metrics are registered on
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns an HTTP handler exposing the registry in Prometheus text format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// RecordDatagram records one datagram read from the socket
func (m *Metrics) RecordDatagram(size int) {
	if m == nil {
		return
	}
	m.DatagramsReceived.Inc()
	m.BytesReceived.Add(float64(size))
}

// RecordDecodeError increments the decode errors counter
func (m *Metrics) RecordDecodeError() {
	if m == nil {
		return
	}
	m.DecodeErrors.Inc()
}

// RecordReadError increments the read errors counter
func (m *Metrics) RecordReadError() {
	if m == nil {
		return
	}
	m.ReadErrors.Inc()
}

// RecordEventQueued records a queued event and the resulting queue depth
func (m *Metrics) RecordEventQueued(depth int) {
	if m == nil {
		return
	}
	m.EventsQueued.Inc()
	m.QueueDepth.Set(float64(depth))
}

// RecordEventDropped increments the dropped events counter
func (m *Metrics) RecordEventDropped() {
	if m == nil {
		return
	}
	m.EventsDropped.Inc()
}

// RecordEventDelivered records a delivered event with its end-to-end latency
func (m *Metrics) RecordEventDelivered(latencySeconds float64, depth int) {
	if m == nil {
		return
	}
	m.EventsDelivered.Inc()
	m.DispatchLatency.Observe(latencySeconds)
	m.QueueDepth.Set(float64(depth))
}

// RecordAck records the outcome of an acknowledgement write
func (m *Metrics) RecordAck(ok bool) {
	if m == nil {
		return
	}
	if ok {
		m.AcksSent.Inc()
	} else {
		m.AckFailures.Inc()
	}
}

// RecordSend records the outcome of an outbound message
func (m *Metrics) RecordSend(bytes int, ok bool) {
	if m == nil {
		return
	}
	if ok {
		m.MessagesSent.Inc()
		m.BytesSent.Add(float64(bytes))
	} else {
		m.SendFailures.Inc()
	}
}

// SetState publishes the numeric receiver state
func (m *Metrics) SetState(state int) {
	if m == nil {
		return
	}
	m.State.Set(float64(state))
}

// RecordSessionStarted increments the sessions started counter
func (m *Metrics) RecordSessionStarted() {
	if m == nil {
		return
	}
	m.SessionsStarted.Inc()
}

// RecordBindFailure increments the bind failures counter
func (m *Metrics) RecordBindFailure() {
	if m == nil {
		return
	}
	m.BindFailures.Inc()
}

// SetActivePeers sets the current number of tracked peers
func (m *Metrics) SetActivePeers(count int) {
	if m == nil {
		return
	}
	m.ActivePeers.Set(float64(count))
}

// RecordPeersEvicted adds to the evicted peers counter
func (m *Metrics) RecordPeersEvicted(count int) {
	if m == nil {
		return
	}
	m.PeersEvicted.Add(float64(count))
}

// RecordRelay records the outcome of a relay publish
func (m *Metrics) RecordRelay(ok bool) {
	if m == nil {
		return
	}
	if ok {
		m.RelayPublished.Inc()
	} else {
		m.RelayFailures.Inc()
	}
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, endpoint, statusCode string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(method, endpoint, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(durationSeconds)
}

// RecordHTTPError records an HTTP error
func (m *Metrics) RecordHTTPError(method, endpoint, errorType string) {
	if m == nil {
		return
	}
	m.HTTPErrors.WithLabelValues(method, endpoint, errorType).Inc()
}
