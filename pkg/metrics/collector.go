// Package metrics exposes RTI activity as Prometheus metrics.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Collector holds every RTI metric. All metrics are registered on the
// registry passed to NewCollector.
type Collector struct {
	grantsTotal      *prometheus.CounterVec
	relaysTotal      *prometheus.CounterVec
	relayBytes       prometheus.Counter
	dropsTotal       *prometheus.CounterVec
	rejectsTotal     *prometheus.CounterVec
	anomaliesTotal   prometheus.Counter
	stopGrantsTotal  prometheus.Counter
	federates        *prometheus.GaugeVec
	clockSyncRounds  *prometheus.CounterVec
	clockSyncLatency prometheus.Histogram

	registry *prometheus.Registry
	logger   *zap.Logger
}

// NewCollector registers the RTI metrics under namespace on reg.
func NewCollector(namespace string, reg *prometheus.Registry, logger *zap.Logger) *Collector {
	factory := promauto.With(reg)
	c := &Collector{
		registry: reg,
		logger:   logger.With(zap.String("component", "metrics")),
	}

	c.grantsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "grants_total",
			Help:      "Tag advance grants sent, by kind (tag, ptag)",
		},
		[]string{"kind"},
	)
	c.relaysTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relays_total",
			Help:      "Messages relayed between federates, by kind",
		},
		[]string{"kind"},
	)
	c.relayBytes = factory.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relay_bytes_total",
			Help:      "Payload bytes relayed between federates",
		},
	)
	c.dropsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "drops_total",
			Help:      "Relayed messages dropped, by reason",
		},
		[]string{"reason"},
	)
	c.rejectsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handshake_rejects_total",
			Help:      "Connections rejected during the handshake, by code",
		},
		[]string{"code"},
	)
	c.anomaliesTotal = factory.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sequencing_anomalies_total",
			Help:      "Messages relayed for a tag the destination had already completed",
		},
	)
	c.stopGrantsTotal = factory.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stop_granted_total",
			Help:      "STOP_GRANTED broadcasts",
		},
	)
	c.federates = factory.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "federates",
			Help:      "Federates by connection state",
		},
		[]string{"state"},
	)
	c.clockSyncRounds = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "clock_sync_rounds_total",
			Help:      "Clock sync exchanges, by outcome",
		},
		[]string{"outcome"},
	)
	c.clockSyncLatency = factory.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "clock_sync_round_trip_seconds",
			Help:      "Round trip of a T1/T3 clock sync exchange",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 8),
		},
	)
	return c
}

// RecordGrant counts one TAG or PTAG.
func (c *Collector) RecordGrant(provisional bool) {
	kind := "tag"
	if provisional {
		kind = "ptag"
	}
	c.grantsTotal.WithLabelValues(kind).Inc()
}

// RecordRelay counts one relayed message and its payload size.
func (c *Collector) RecordRelay(kind string, payloadBytes int) {
	c.relaysTotal.WithLabelValues(kind).Inc()
	c.relayBytes.Add(float64(payloadBytes))
}

// RecordDrop counts one dropped message.
func (c *Collector) RecordDrop(reason string) {
	c.dropsTotal.WithLabelValues(reason).Inc()
}

// RecordReject counts one rejected handshake.
func (c *Collector) RecordReject(code string) {
	c.rejectsTotal.WithLabelValues(code).Inc()
}

// RecordAnomaly counts one sequencing anomaly.
func (c *Collector) RecordAnomaly() { c.anomaliesTotal.Inc() }

// RecordStopGranted counts one STOP_GRANTED broadcast.
func (c *Collector) RecordStopGranted() { c.stopGrantsTotal.Inc() }

// SetFederates publishes the number of federates in each state.
func (c *Collector) SetFederates(counts map[string]int) {
	for state, n := range counts {
		c.federates.WithLabelValues(state).Set(float64(n))
	}
}

// RecordClockSync counts one clock sync exchange. rtt is ignored unless
// the outcome is "ok".
func (c *Collector) RecordClockSync(outcome string, rtt time.Duration) {
	c.clockSyncRounds.WithLabelValues(outcome).Inc()
	if outcome == "ok" {
		c.clockSyncLatency.Observe(rtt.Seconds())
	}
}

// Handler serves the registry in the Prometheus text format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}
