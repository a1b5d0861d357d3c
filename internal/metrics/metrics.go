// Package metrics exposes Prometheus collectors for voice sessions.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/nadzzz/voicechat/internal/controller"
)

// Collector holds the daemon's metrics. It implements controller.Metrics.
type Collector struct {
	activeSessions  prometheus.Gauge
	transitions     *prometheus.CounterVec
	chunks          prometheus.Counter
	notices         *prometheus.CounterVec
	streamDuration  *prometheus.HistogramVec
	intentsRejected *prometheus.CounterVec
}

// NewCollector registers the collectors with reg under namespace.
func NewCollector(namespace string, reg prometheus.Registerer) *Collector {
	f := promauto.With(reg)
	return &Collector{
		activeSessions: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Number of connected voice sessions",
		}),
		transitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "state_transitions_total",
			Help:      "Interaction state transitions",
		}, []string{"from", "to"}),
		chunks: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_chunks_total",
			Help:      "Reply chunks merged into transcripts",
		}),
		notices: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notices_total",
			Help:      "User-visible notices by kind",
		}, []string{"kind"}),
		streamDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stream_duration_seconds",
			Help:      "Chat completion stream duration in seconds",
			Buckets:   []float64{0.25, 0.5, 1, 2, 5, 10, 30, 60},
		}, []string{"outcome"}),
		intentsRejected: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "intents_rejected_total",
			Help:      "User intents rejected by reason",
		}, []string{"reason"}),
	}
}

// SessionOpened increments the active session gauge.
func (c *Collector) SessionOpened() { c.activeSessions.Inc() }

// SessionClosed decrements the active session gauge.
func (c *Collector) SessionClosed() { c.activeSessions.Dec() }

// IntentRejected counts an intent refused for reason (e.g., "busy").
func (c *Collector) IntentRejected(reason string) { c.intentsRejected.WithLabelValues(reason).Inc() }

// Transition implements controller.Metrics.
func (c *Collector) Transition(from, to controller.State) {
	c.transitions.WithLabelValues(from.String(), to.String()).Inc()
}

// Chunk implements controller.Metrics.
func (c *Collector) Chunk() { c.chunks.Inc() }

// Notice implements controller.Metrics.
func (c *Collector) Notice(kind controller.NoticeKind) {
	c.notices.WithLabelValues(string(kind)).Inc()
}

// StreamFinished implements controller.Metrics.
func (c *Collector) StreamFinished(outcome string, d time.Duration) {
	c.streamDuration.WithLabelValues(outcome).Observe(d.Seconds())
}
