// Package metrics exports channel activity as prometheus metrics.
package metrics

import (
	"time"

	"codeberg.org/mutker/tamer/internal/errors"
	"codeberg.org/mutker/tamer/internal/schema"
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics implements channel.Observer on top of prometheus vectors.
type Metrics struct {
	SchemaVersion    *prometheus.GaugeVec
	SchemaFields     *prometheus.GaugeVec
	PayloadBytes     *prometheus.GaugeVec
	FramesCaptured   *prometheus.CounterVec
	CaptureDuration  *prometheus.HistogramVec
	FramesDelivered  *prometheus.CounterVec
	DeliveryFailures *prometheus.CounterVec
}

// NewMetrics creates the vectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		SchemaVersion: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "tamer",
				Subsystem: "schema",
				Name:      "version",
				Help:      "Current schema version of a channel",
			},
			[]string{"channel"},
		),

		SchemaFields: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "tamer",
				Subsystem: "schema",
				Name:      "fields",
				Help:      "Number of fields in the current schema of a channel",
			},
			[]string{"channel"},
		),

		PayloadBytes: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "tamer",
				Subsystem: "schema",
				Name:      "payload_bytes",
				Help:      "Payload size of the current schema of a channel",
			},
			[]string{"channel"},
		),

		FramesCaptured: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "tamer",
				Subsystem: "frames",
				Name:      "captured_total",
				Help:      "Total number of frames captured",
			},
			[]string{"channel"},
		),

		CaptureDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "tamer",
				Subsystem: "frames",
				Name:      "capture_duration_seconds",
				Help:      "Time spent capturing a frame under the channel lock",
				Buckets:   prometheus.ExponentialBuckets(1e-7, 4, 10),
			},
			[]string{"channel"},
		),

		FramesDelivered: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "tamer",
				Subsystem: "frames",
				Name:      "delivered_total",
				Help:      "Total number of frames accepted by a sink",
			},
			[]string{"channel", "sink"},
		),

		DeliveryFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "tamer",
				Subsystem: "frames",
				Name:      "delivery_failures_total",
				Help:      "Total number of schemas or frames rejected by a sink",
			},
			[]string{"channel", "sink", "code"},
		),
	}

	for _, c := range []prometheus.Collector{
		m.SchemaVersion,
		m.SchemaFields,
		m.PayloadBytes,
		m.FramesCaptured,
		m.CaptureDuration,
		m.FramesDelivered,
		m.DeliveryFailures,
	} {
		if err := reg.Register(c); err != nil {
			return nil, errors.New().Wrap(errors.ErrInitFailed, err)
		}
	}

	return m, nil
}

// SchemaIssued updates the schema gauges of the schema's channel.
func (m *Metrics) SchemaIssued(s *schema.Schema) {
	m.SchemaVersion.WithLabelValues(s.Channel).Set(float64(s.Version))
	m.SchemaFields.WithLabelValues(s.Channel).Set(float64(len(s.Fields)))
	m.PayloadBytes.WithLabelValues(s.Channel).Set(float64(s.PayloadSize))
}

// FrameCaptured counts a frame and records how long capturing took.
func (m *Metrics) FrameCaptured(channel string, _ int, took time.Duration) {
	m.FramesCaptured.WithLabelValues(channel).Inc()
	m.CaptureDuration.WithLabelValues(channel).Observe(took.Seconds())
}

// FrameDelivered counts a frame accepted by sink.
func (m *Metrics) FrameDelivered(channel, sink string) {
	m.FramesDelivered.WithLabelValues(channel, sink).Inc()
}

// DeliveryFailed counts a rejection by sink, labelled with its error code.
func (m *Metrics) DeliveryFailed(channel, sink string, err error) {
	m.DeliveryFailures.WithLabelValues(channel, sink, string(errors.CodeOf(err))).Inc()
}
