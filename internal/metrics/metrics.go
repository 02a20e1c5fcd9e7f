// Package metrics exposes Prometheus metrics for the session layer.
package metrics

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/dcrodman/ballast/internal/packets"
)

const namespace = "ballast"

// Stage labels where a malformed packet was seen.
const (
	StagePending   = "pending"
	StageConnected = "connected"
)

// SessionMetrics tracks the handshake and connected-client lifecycle. All
// methods are nil-safe: calls on a nil *SessionMetrics are no-ops.
type SessionMetrics struct {
	Pending   prometheus.Gauge
	Connected prometheus.Gauge

	// Rejections counts disconnects issued by the server, labeled by reason.
	Rejections *prometheus.CounterVec
	Bans       prometheus.Counter
	// Malformed counts undecodable messages labeled by the stage of the
	// sender: "pending" or "connected".
	Malformed *prometheus.CounterVec

	HandshakeDuration prometheus.Histogram
	SettingsWrites    prometheus.Counter
}

// NewSessionMetrics creates the session metrics and registers them with reg.
// If reg is nil the metrics are created but not registered.
func NewSessionMetrics(reg prometheus.Registerer) *SessionMetrics {
	m := &SessionMetrics{
		Pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "pending_clients",
			Help:      "Number of clients in the middle of the handshake",
		}),
		Connected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "connected_clients",
			Help:      "Number of clients that completed the handshake",
		}),
		Rejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "disconnects_total",
			Help:      "Clients disconnected by the server",
		}, []string{"reason"}),
		Bans: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "bans_total",
			Help:      "Bans issued by the session layer",
		}),
		Malformed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "malformed_messages_total",
			Help:      "Messages that could not be decoded",
		}, []string{"stage"}),
		HandshakeDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "handshake_duration_seconds",
			Help:      "Time from approval to promotion",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10),
		}),
		SettingsWrites: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "settings",
			Name:      "writes_total",
			Help:      "Settings updates sent to clients",
		}),
	}

	if reg != nil {
		collectors := []prometheus.Collector{
			m.Pending,
			m.Connected,
			m.Rejections,
			m.Bans,
			m.Malformed,
			m.HandshakeDuration,
			m.SettingsWrites,
		}
		for _, c := range collectors {
			if err := reg.Register(c); err != nil {
				var already prometheus.AlreadyRegisteredError
				if !errors.As(err, &already) {
					panic(err)
				}
			}
		}
	}
	return m
}

// SetClients records the current size of the pending and connected lists.
func (m *SessionMetrics) SetClients(pending, connected int) {
	if m == nil {
		return
	}
	m.Pending.Set(float64(pending))
	m.Connected.Set(float64(connected))
}

func (m *SessionMetrics) RecordDisconnect(reason packets.DisconnectReason) {
	if m == nil {
		return
	}
	m.Rejections.WithLabelValues(reason.String()).Inc()
}

func (m *SessionMetrics) RecordBan() {
	if m == nil {
		return
	}
	m.Bans.Inc()
}

func (m *SessionMetrics) RecordMalformed(stage string) {
	if m == nil {
		return
	}
	m.Malformed.WithLabelValues(stage).Inc()
}

func (m *SessionMetrics) RecordHandshake(seconds float64) {
	if m == nil {
		return
	}
	m.HandshakeDuration.Observe(seconds)
}

func (m *SessionMetrics) RecordSettingsWrite() {
	if m == nil {
		return
	}
	m.SettingsWrites.Inc()
}
