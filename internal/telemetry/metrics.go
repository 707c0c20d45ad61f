package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	ReviewsSubmitted        = prometheus.NewCounter(prometheus.CounterOpts{Name: "reviews_submitted_total", Help: "Review jobs accepted"})
	RateLimitRejects        = prometheus.NewCounter(prometheus.CounterOpts{Name: "reviews_rate_limit_rejects_total", Help: "Submissions rejected by rate limiter"})
	StageCompleted          = prometheus.NewCounter(prometheus.CounterOpts{Name: "review_stages_completed_total", Help: "Stage work items completed"})
	StageRetries            = prometheus.NewCounter(prometheus.CounterOpts{Name: "review_stage_retries_total", Help: "Stage attempts requeued with backoff"})
	DeadLetters             = prometheus.NewCounter(prometheus.CounterOpts{Name: "review_dead_letters_total", Help: "Jobs routed to the dead-letter table"})
	LeasesLost              = prometheus.NewCounter(prometheus.CounterOpts{Name: "review_leases_lost_total", Help: "Heartbeats or finalizes that found the lease gone"})
	LeasesReclaimed         = prometheus.NewCounter(prometheus.CounterOpts{Name: "review_leases_reclaimed_total", Help: "Expired leases requeued by the sweeper"})
	FindingsDropped         = prometheus.NewCounter(prometheus.CounterOpts{Name: "review_findings_dropped_total", Help: "Findings dropped by the validator"})
	ResponsesRejected       = prometheus.NewCounter(prometheus.CounterOpts{Name: "review_responses_rejected_total", Help: "Model responses rejected outright"})
	NotificationsSent       = prometheus.NewCounter(prometheus.CounterOpts{Name: "review_notifications_sent_total", Help: "Outbox rows delivered"})
	NotifyPermanentFailures = prometheus.NewCounter(prometheus.CounterOpts{Name: "review_notify_permanent_failures_total", Help: "Outbox rows failed permanently"})
	OutboxReconciled        = prometheus.NewCounter(prometheus.CounterOpts{Name: "review_outbox_reconciled_total", Help: "Ambiguous sends repaired from provider truth"})
	QueueDepthGauge         = prometheus.NewGauge(prometheus.GaugeOpts{Name: "review_queue_depth", Help: "Eligible queued work items"})
	InFlightGauge           = prometheus.NewGauge(prometheus.GaugeOpts{Name: "review_inflight", Help: "Work items currently leased"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			ReviewsSubmitted,
			RateLimitRejects,
			StageCompleted,
			StageRetries,
			DeadLetters,
			LeasesLost,
			LeasesReclaimed,
			FindingsDropped,
			ResponsesRejected,
			NotificationsSent,
			NotifyPermanentFailures,
			OutboxReconciled,
			QueueDepthGauge,
			InFlightGauge,
		)
	})
	return promhttp.Handler()
}
