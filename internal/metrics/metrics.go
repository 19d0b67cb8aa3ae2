package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "fieldmind_web"

var (
	// Submissions counts form submissions by final outcome.
	Submissions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "submissions_total",
		Help:      "Form submissions by final outcome.",
	}, []string{"form", "outcome"})

	// SubmissionsFiltered counts submissions stopped per pipeline stage.
	SubmissionsFiltered = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "submissions_filtered_total",
		Help:      "Submissions stopped per pipeline stage.",
	}, []string{"form", "stage", "reason"})

	// ProviderCalls counts outbound calls to the mailing-list provider and mail relay.
	ProviderCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "provider_calls_total",
		Help:      "Outbound provider call counts.",
	}, []string{"provider", "status"})

	// ProviderDuration records outbound provider latency.
	ProviderDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "provider_duration_seconds",
		Help:      "Outbound provider call latency in seconds.",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0},
	}, []string{"provider"})

	// RateLimitKeys tracks caller keys currently held by the rate limiter.
	RateLimitKeys = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "ratelimit_keys",
		Help:      "Caller keys currently tracked by the rate limiter.",
	})

	// DBSizeBytes tracks bbolt on-disk file size.
	DBSizeBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "db_size_bytes",
		Help:      "bbolt on-disk file size in bytes.",
	})

	// ConsentChanges counts visitor consent transitions.
	ConsentChanges = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "consent_changes_total",
		Help:      "Visitor consent changes by action and resulting analytics choice.",
	}, []string{"action", "analytics"})

	// AnalyticsEvents counts analytics events by kind and delivery result.
	AnalyticsEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "analytics_events_total",
		Help:      "Analytics events by kind and result.",
	}, []string{"kind", "result"})

	// JobsEnqueued counts follow-up jobs placed into the worker channel.
	JobsEnqueued = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "jobs_enqueued_total",
		Help:      "Follow-up jobs placed into worker channel.",
	})

	// JobsDropped counts jobs discarded without a provider call.
	JobsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "jobs_dropped_total",
		Help:      "Jobs discarded without provider call.",
	}, []string{"reason"})

	// JobsProcessed counts worker completions.
	JobsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "jobs_processed_total",
		Help:      "Worker job completions.",
	}, []string{"status"})

	// WorkerQueueDepth tracks current job channel length.
	WorkerQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "worker_queue_depth",
		Help:      "Current job channel buffer depth.",
	})
)
