// Package metrics exposes Prometheus collectors for the dispatcher and the
// escalation controller. Collectors register on the default registry.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	jobsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stepdown_jobs_total",
		Help: "Jobs finished by the dispatcher, by final status",
	}, []string{"status"}) // status=COMPLETED|FAILED|REJECTED

	jobsIngested = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stepdown_jobs_ingested_total",
		Help: "Backlog lines ingested, by outcome",
	}, []string{"outcome"}) // outcome=queued|duplicate|rejected

	queueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "stepdown_queue_jobs",
		Help: "Jobs in the queue store by status (last poll)",
	}, []string{"status"})

	tierAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stepdown_tier_attempts_total",
		Help: "Encode attempts per tier and outcome",
	}, []string{"tier", "outcome"}) // outcome=success|resource|fatal

	ladderExhausted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "stepdown_ladder_exhausted_total",
		Help: "Jobs for which every tier failed with resource exhaustion",
	})

	heuristicHits = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stepdown_heuristic_lookups_total",
		Help: "Profile lookups by result",
	}, []string{"result"}) // result=hit|miss|stale|error

	encodeDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "stepdown_encode_duration_seconds",
		Help:    "Wall time of a single ffmpeg attempt",
		Buckets: []float64{30, 60, 300, 600, 1200, 1800, 3600, 7200, 14400},
	}, []string{"outcome"})

	notificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stepdown_notifications_total",
		Help: "Failure notifications by outcome",
	}, []string{"outcome"}) // outcome=sent|failed|throttled
)

// Attempt outcomes.
const (
	OutcomeSuccess  = "success"
	OutcomeResource = "resource"
	OutcomeFatal    = "fatal"
)

func IncJob(status string)          { jobsTotal.WithLabelValues(status).Inc() }
func IncIngested(outcome string)    { jobsIngested.WithLabelValues(outcome).Inc() }
func IncLadderExhausted()           { ladderExhausted.Inc() }
func IncHeuristicLookup(res string) { heuristicHits.WithLabelValues(res).Inc() }
func IncNotification(outcome string) {
	notificationsTotal.WithLabelValues(outcome).Inc()
}

// RecordQueueDepth sets the per-status gauge from a store count.
func RecordQueueDepth(counts map[string]int) {
	for status, n := range counts {
		queueDepth.WithLabelValues(status).Set(float64(n))
	}
}

// RecordAttempt counts one tier attempt and its duration.
func RecordAttempt(tier, outcome string, elapsed time.Duration) {
	tierAttempts.WithLabelValues(tier, outcome).Inc()
	encodeDuration.WithLabelValues(outcome).Observe(elapsed.Seconds())
}
