package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "taskboard"

// Metrics holds the engine's collectors.
type Metrics struct {
	// Notification metrics
	NotificationsDispatched *prometheus.CounterVec
	NotificationsSkipped    *prometheus.CounterVec

	// Outbound queue metrics
	OutboundSent    prometheus.Counter
	OutboundRetried prometheus.Counter
	OutboundFailed  prometheus.Counter
	OutboundDrained prometheus.Histogram

	// Scheduler metrics
	JobRuns     *prometheus.CounterVec
	JobDuration *prometheus.HistogramVec
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		NotificationsDispatched: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "notify",
			Name:      "dispatched_total",
			Help:      "Notifications delivered, by type and channel",
		}, []string{"type", "channel"}),
		NotificationsSkipped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "notify",
			Name:      "skipped_total",
			Help:      "Notification requests not delivered, by reason",
		}, []string{"reason"}),

		OutboundSent: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "outbound",
			Name:      "sent_total",
			Help:      "Queued external messages delivered",
		}),
		OutboundRetried: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "outbound",
			Name:      "retried_total",
			Help:      "Queued external messages rescheduled after a failed attempt",
		}),
		OutboundFailed: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "outbound",
			Name:      "failed_total",
			Help:      "Queued external messages that exhausted their attempts",
		}),
		OutboundDrained: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "outbound",
			Name:      "drain_batch_size",
			Help:      "Messages picked up per drain",
			Buckets:   []float64{0, 1, 5, 10, 25, 50, 100},
		}),

		JobRuns: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "job_runs_total",
			Help:      "Scheduled job runs, by job and outcome",
		}, []string{"job", "outcome"}),
		JobDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "job_duration_seconds",
			Help:      "Time spent in one job run",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		}, []string{"job"}),
	}
}
