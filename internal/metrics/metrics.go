package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	MessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cgw_messages_total",
			Help: "Messages lifecycle counter by stage and channel",
		},
		[]string{"stage", "channel"}, // accepted|sent|failed|scheduled , email|sms
	)

	QuotaConsumeTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cgw_quota_consume_total",
			Help: "Quota consume attempts by resource and result",
		},
		[]string{"resource", "result"}, // ok|exceeded|error
	)

	WebhookEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cgw_webhook_events_total",
			Help: "Delivery webhook events by channel and outcome",
		},
		[]string{"channel", "outcome"}, // applied|ignored|noop|unknown|invalid
	)

	ProviderRequestSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cgw_provider_request_seconds",
			Help:    "Latency of provider send calls",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"provider", "channel"},
	)

	EventsProjectedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cgw_events_projected_total",
			Help: "Message events consumed from Kafka by result",
		},
		[]string{"result"}, // inserted|skipped|failed
	)

	ScheduledDispatchTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cgw_scheduled_dispatch_total",
			Help: "Scheduled messages handed to providers by the scheduler sweep",
		},
	)
)

func MustRegister(r prometheus.Registerer) {
	r.MustRegister(
		MessagesTotal,
		QuotaConsumeTotal,
		WebhookEventsTotal,
		ProviderRequestSeconds,
		EventsProjectedTotal,
		ScheduledDispatchTotal,
	)
}
