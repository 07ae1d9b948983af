package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/tutorhub/notification-engine/internal/domain"
)

// Metrics groups all Prometheus instruments used across the application.
// Registered once at startup via New(); passed by pointer wherever needed.
type Metrics struct {
	NotificationsSent    *prometheus.CounterVec
	NotificationsFailed  *prometheus.CounterVec
	NotificationsBlocked *prometheus.CounterVec
	RetriesScheduled     *prometheus.CounterVec
	DeliveryLatency      *prometheus.HistogramVec
	EventsConsumed       *prometheus.CounterVec
	ScheduledTasks       prometheus.Gauge
}

// New registers all instruments with the given Prometheus registerer and
// returns the populated Metrics struct.
// Using a custom registry (instead of prometheus.DefaultRegisterer) keeps
// tests isolated and avoids global state.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		NotificationsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "notifications_sent_total",
			Help: "Total number of successfully delivered notifications.",
		}, []string{"channel"}),

		NotificationsFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "notifications_failed_total",
			Help: "Total number of permanently failed notifications (bad address or retries exhausted).",
		}, []string{"channel"}),

		NotificationsBlocked: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "notifications_blocked_total",
			Help: "Notifications suppressed by user preference. A policy decision, not a failure.",
		}, []string{"channel"}),

		RetriesScheduled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "notification_retries_scheduled_total",
			Help: "Retryable failures handed back to the scheduler.",
		}, []string{"channel"}),

		DeliveryLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "notification_delivery_seconds",
			Help:    "Delivery latency from engine entry to provider ack.",
			Buckets: prometheus.DefBuckets,
		}, []string{"channel"}),

		EventsConsumed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "domain_events_consumed_total",
			Help: "Domain events received from the broker, by routing key.",
		}, []string{"event_type"}),

		ScheduledTasks: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "scheduler_pending_tasks",
			Help: "Current number of tasks in the time-ordered store.",
		}),
	}

	reg.MustRegister(
		m.NotificationsSent,
		m.NotificationsFailed,
		m.NotificationsBlocked,
		m.RetriesScheduled,
		m.DeliveryLatency,
		m.EventsConsumed,
		m.ScheduledTasks,
	)

	return m
}

// EngineHooks returns the metric callbacks expected by engine.MetricHooks.
// Centralises the prometheus observation calls so the engine stays
// metrics-agnostic.
func (m *Metrics) EngineHooks() (
	onSent func(domain.Channel, time.Duration),
	onFailed func(domain.Channel),
	onBlocked func(domain.Channel),
	onRetryScheduled func(domain.Channel),
) {
	onSent = func(ch domain.Channel, latency time.Duration) {
		m.NotificationsSent.WithLabelValues(string(ch)).Inc()
		m.DeliveryLatency.WithLabelValues(string(ch)).Observe(latency.Seconds())
	}
	onFailed = func(ch domain.Channel) {
		m.NotificationsFailed.WithLabelValues(string(ch)).Inc()
	}
	onBlocked = func(ch domain.Channel) {
		m.NotificationsBlocked.WithLabelValues(string(ch)).Inc()
	}
	onRetryScheduled = func(ch domain.Channel) {
		m.RetriesScheduled.WithLabelValues(string(ch)).Inc()
	}
	return
}
