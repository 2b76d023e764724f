package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Recorder records link events.
type Recorder interface {
	RecordMessageSent(kind string, size int)
	RecordMessageReceived(kind string, size int)
	RecordRelay()
	RecordValidationFailure(kind string)
	RecordLinkOpened()
	RecordLinkDropped()
}

type dummy struct{}

// NewDummy constructs a new dummy metrics recorder.
func NewDummy() Recorder {
	return &dummy{}
}

func (m *dummy) RecordMessageSent(kind string, size int) {}
func (m *dummy) RecordMessageReceived(kind string, size int) {}
func (m *dummy) RecordRelay() {}
func (m *dummy) RecordValidationFailure(kind string) {}
func (m *dummy) RecordLinkOpened() {}
func (m *dummy) RecordLinkDropped() {}

type prom struct {
	sent        *prometheus.CounterVec
	sentBytes   *prometheus.CounterVec
	received    *prometheus.CounterVec
	recvBytes   *prometheus.CounterVec
	relayed     prometheus.Counter
	invalid     *prometheus.CounterVec
	linksOpen   prometheus.Gauge
	linksClosed prometheus.Counter
}

// NewPrometheus constructs a new Prometheus metrics recorder registered with
// the default registry.
func NewPrometheus(service string) Recorder {
	return &prom{
		sent: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: service + "_messages_sent_total",
			Help: "The total number of messages transmitted, by kind",
		}, []string{"kind"}),
		sentBytes: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: service + "_sent_bytes_total",
			Help: "The total number of message bytes transmitted, by kind",
		}, []string{"kind"}),
		received: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: service + "_messages_received_total",
			Help: "The total number of messages received, by kind",
		}, []string{"kind"}),
		recvBytes: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: service + "_received_bytes_total",
			Help: "The total number of message bytes received, by kind",
		}, []string{"kind"}),
		relayed: promauto.NewCounter(prometheus.CounterOpts{
			Name: service + "_relayed_total",
			Help: "The total number of messages relayed through the broker",
		}),
		invalid: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: service + "_validation_failures_total",
			Help: "The total number of messages which failed validation, by kind",
		}, []string{"kind"}),
		linksOpen: promauto.NewGauge(prometheus.GaugeOpts{
			Name: service + "_links",
			Help: "The number of active node links",
		}),
		linksClosed: promauto.NewCounter(prometheus.CounterOpts{
			Name: service + "_links_dropped_total",
			Help: "The total number of node links dropped",
		}),
	}
}

func (m *prom) RecordMessageSent(kind string, size int) {
	m.sent.WithLabelValues(kind).Inc()
	m.sentBytes.WithLabelValues(kind).Add(float64(size))
}

func (m *prom) RecordMessageReceived(kind string, size int) {
	m.received.WithLabelValues(kind).Inc()
	m.recvBytes.WithLabelValues(kind).Add(float64(size))
}

func (m *prom) RecordRelay() {
	m.relayed.Inc()
}

func (m *prom) RecordValidationFailure(kind string) {
	m.invalid.WithLabelValues(kind).Inc()
}

func (m *prom) RecordLinkOpened() {
	m.linksOpen.Inc()
}

func (m *prom) RecordLinkDropped() {
	m.linksOpen.Dec()
	m.linksClosed.Inc()
}
