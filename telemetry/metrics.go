// Package telemetry provides Prometheus metrics and correlation-id aware logging helpers.
package telemetry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once sync.Once

	// Counters
	MessagesRecorded *prometheus.CounterVec // by message type
	MessagesDegraded *prometheus.CounterVec // by reason
	UploadAttempts   *prometheus.CounterVec // by destination, outcome
	PublishOutcomes  *prometheus.CounterVec // by target, outcome
	SessionsEvicted  prometheus.Counter

	// Histograms (seconds)
	TranscodeDuration *prometheus.HistogramVec // by format
	PublishDuration   prometheus.Observer

	// Gauges
	ActiveSessions      prometheus.Gauge
	TranscodeSlotsInUse prometheus.Gauge
)

// Init registers metrics (idempotent).
func Init() {
	once.Do(func() {
		MessagesRecorded = promauto.NewCounterVec(prometheus.CounterOpts{Name: "tgscribe_messages_recorded_total", Help: "Messages appended to a session, by type"}, []string{"type"})
		MessagesDegraded = promauto.NewCounterVec(prometheus.CounterOpts{Name: "tgscribe_messages_degraded_total", Help: "Messages replaced by a text placeholder, by reason"}, []string{"reason"})
		UploadAttempts = promauto.NewCounterVec(prometheus.CounterOpts{Name: "tgscribe_upload_attempts_total", Help: "Upload attempts, by destination and outcome"}, []string{"destination", "outcome"})
		PublishOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{Name: "tgscribe_publish_outcomes_total", Help: "Publish submissions, by target and outcome"}, []string{"target", "outcome"})
		SessionsEvicted = promauto.NewCounter(prometheus.CounterOpts{Name: "tgscribe_sessions_evicted_total", Help: "Sessions evicted by the TTL janitor"})
		TranscodeDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{Name: "tgscribe_transcode_duration_seconds", Help: "Sticker transcode duration seconds", Buckets: prometheus.DefBuckets}, []string{"format"})
		PublishDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "tgscribe_publish_duration_seconds", Help: "End-to-end publish duration seconds", Buckets: []float64{1, 2.5, 5, 10, 30, 60, 120, 300}})
		ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{Name: "tgscribe_active_sessions", Help: "Sessions currently recording"})
		TranscodeSlotsInUse = promauto.NewGauge(prometheus.GaugeOpts{Name: "tgscribe_transcode_slots_in_use", Help: "Transcode pool slots currently held"})
	})
}

// IncRecorded counts a recorded message. Safe to call before Init.
func IncRecorded(msgType string) {
	if MessagesRecorded != nil {
		MessagesRecorded.WithLabelValues(msgType).Inc()
	}
}

// IncDegraded counts a degraded message. Safe to call before Init.
func IncDegraded(reason string) {
	if MessagesDegraded != nil {
		MessagesDegraded.WithLabelValues(reason).Inc()
	}
}

// IncUploadAttempt counts one upload attempt. Safe to call before Init.
func IncUploadAttempt(destination, outcome string) {
	if UploadAttempts != nil {
		UploadAttempts.WithLabelValues(destination, outcome).Inc()
	}
}

// IncPublish counts one submission outcome. Safe to call before Init.
func IncPublish(target, outcome string) {
	if PublishOutcomes != nil {
		PublishOutcomes.WithLabelValues(target, outcome).Inc()
	}
}

// AddEvicted counts evicted sessions. Safe to call before Init.
func AddEvicted(n int) {
	if SessionsEvicted != nil && n > 0 {
		SessionsEvicted.Add(float64(n))
	}
}

// SetActiveSessions records the current number of sessions.
func SetActiveSessions(n int) {
	if ActiveSessions != nil {
		ActiveSessions.Set(float64(n))
	}
}

// SetTranscodeSlots records the number of held transcode slots.
func SetTranscodeSlots(n int) {
	if TranscodeSlotsInUse != nil {
		TranscodeSlotsInUse.Set(float64(n))
	}
}

// ObserveTranscode records a transcode duration for format.
func ObserveTranscode(format string, d time.Duration) {
	if TranscodeDuration != nil {
		TranscodeDuration.WithLabelValues(format).Observe(d.Seconds())
	}
}

// TimeFunc measures the duration of fn and records in observer if non-nil.
func TimeFunc(obs prometheus.Observer, fn func()) time.Duration {
	start := time.Now()
	fn()
	d := time.Since(start)
	if obs != nil {
		obs.Observe(d.Seconds())
	}
	return d
}

// Correlation ID helpers ----------------------------------------------------
type corrKeyType struct{}

var corrKey corrKeyType

// WithCorrelation returns a new context carrying the correlation id.
func WithCorrelation(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, corrKey, id)
}

// GetCorrelation returns correlation id or empty string.
func GetCorrelation(ctx context.Context) string {
	if s, ok := ctx.Value(corrKey).(string); ok {
		return s
	}
	return ""
}

// LoggerWithCorr returns a logger with corr attribute if present.
func LoggerWithCorr(ctx context.Context) *slog.Logger {
	if id := GetCorrelation(ctx); id != "" {
		return slog.Default().With(slog.String("corr", id))
	}
	return slog.Default()
}
