package dispatch

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Dispatch outcomes, used as the "outcome" label.
const (
	outcomeSent        = "sent"
	outcomeFailed      = "failed"
	outcomeInvalid     = "invalid"
	outcomeRateLimited = "rate_limited"
	outcomeNoSender    = "no_sender"
	outcomeAttachments = "attachments"
	outcomeError       = "error"
)

// Metrics are the orchestrator's Prometheus instruments.
type Metrics struct {
	Dispatches         *prometheus.CounterVec
	TransmitDuration   *prometheus.HistogramVec
	DroppedAttachments prometheus.Counter
	ReleasedQuota      prometheus.Counter
}

// NewMetrics registers the instruments with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Dispatches: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "mail_dispatch",
				Name:      "dispatches_total",
				Help:      "Dispatch requests by outcome.",
			},
			[]string{"outcome"},
		),
		TransmitDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "mail_dispatch",
				Name:      "transmit_duration_seconds",
				Help:      "Duration of transport send calls.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"provider_name", "status"},
		),
		DroppedAttachments: f.NewCounter(prometheus.CounterOpts{
			Namespace: "mail_dispatch",
			Name:      "dropped_attachments_total",
			Help:      "Remote attachments that could not be fetched.",
		}),
		ReleasedQuota: f.NewCounter(prometheus.CounterOpts{
			Namespace: "mail_dispatch",
			Name:      "quota_released_total",
			Help:      "Quota reservations returned after a failed dispatch.",
		}),
	}
}
