// Package metrics exposes prometheus counters for speech sessions.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// Collector records speech session metrics. A nil *Collector is valid and
// records nothing.
type Collector struct {
	sessionsTotal   *prometheus.CounterVec
	sessionDuration *prometheus.HistogramVec
	framesTotal     *prometheus.CounterVec
	audioBytesTotal *prometheus.CounterVec
	tasksExpired    prometheus.Counter

	logger *zap.Logger
}

// NewCollector registers the speech metrics on reg. A nil reg means the
// default prometheus registerer.
func NewCollector(namespace string, reg prometheus.Registerer, logger *zap.Logger) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Collector{
		sessionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "speech_sessions_total",
				Help:      "Total number of speech sessions by kind and outcome",
			},
			[]string{"kind", "outcome"},
		),
		sessionDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "speech_session_duration_seconds",
				Help:      "Speech session duration in seconds",
				Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"kind"},
		),
		framesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "speech_frames_total",
				Help:      "Total number of protocol frames by direction and message type",
			},
			[]string{"direction", "type"}, // direction: sent, received, dropped
		),
		audioBytesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "speech_audio_bytes_total",
				Help:      "Total audio bytes uploaded for recognition or streamed from synthesis",
			},
			[]string{"kind"},
		),
		tasksExpired: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "speech_tasks_expired_total",
				Help:      "Total number of running tasks expired by the cleanup service",
			},
		),
		logger: logger.With(zap.String("component", "metrics")),
	}
}

// RecordSession records the outcome of one recognition or synthesis session
func (c *Collector) RecordSession(kind, outcome string, duration time.Duration) {
	if c == nil {
		return
	}
	c.sessionsTotal.WithLabelValues(kind, outcome).Inc()
	c.sessionDuration.WithLabelValues(kind).Observe(duration.Seconds())

	c.logger.Debug("Speech session recorded",
		zap.String("kind", kind),
		zap.String("outcome", outcome),
		zap.Duration("duration", duration),
	)
}

// RecordFrame counts a protocol frame
func (c *Collector) RecordFrame(direction, messageType string) {
	if c == nil {
		return
	}
	c.framesTotal.WithLabelValues(direction, messageType).Inc()
}

// RecordAudioBytes counts audio bytes for a session kind
func (c *Collector) RecordAudioBytes(kind string, n int) {
	if c == nil || n <= 0 {
		return
	}
	c.audioBytesTotal.WithLabelValues(kind).Add(float64(n))
}

// RecordExpiredTasks counts tasks expired by the cleanup service
func (c *Collector) RecordExpiredTasks(n int) {
	if c == nil || n <= 0 {
		return
	}
	c.tasksExpired.Add(float64(n))
}
