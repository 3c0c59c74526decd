// internal/metrics/metrics.go
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	SubmissionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "grading_submissions_total",
			Help: "Total number of accepted grading requests",
		},
		[]string{"exercise"},
	)

	AdmissionDenialsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "grading_admission_denials_total",
			Help: "Submissions denied by the rate limiter",
		},
		[]string{"exercise", "reason"},
	)

	ClaimsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "grading_claims_total",
			Help: "Jobs claimed by workers",
		},
		[]string{"worker"},
	)

	JobsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "grading_jobs_total",
			Help: "Terminal job outcomes",
		},
		[]string{"exercise", "outcome"},
	)

	RegenerationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "blueprint_regenerations_total",
			Help: "Blueprint regenerations triggered by freshness checks",
		},
		[]string{"exercise"},
	)

	NotificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notifications_total",
			Help: "Notification delivery attempts by outcome",
		},
		[]string{"outcome"},
	)

	GradingDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "grading_duration_seconds",
			Help:    "Wall time of one grading job",
			Buckets: prometheus.ExponentialBuckets(1, 2, 10),
		},
		[]string{"exercise"},
	)

	APIRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"path", "method", "status"},
	)
)
