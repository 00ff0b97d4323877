package review

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	reviewsSaved = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "p4review_reviews_saved_total",
		Help: "Review saves by result",
	}, []string{"result"})

	// versionsRecorded counts ledger outcomes: new, amend, commit, noop.
	versionsRecorded = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "p4review_versions_recorded_total",
		Help: "Changelist events recorded by the version ledger, by outcome",
	}, []string{"kind"})

	commitsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "p4review_commits_total",
		Help: "Review commits by result",
	}, []string{"result"})

	recordsUpgraded = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "p4review_records_upgraded_total",
		Help: "Legacy records upgraded on load, by source level",
	}, []string{"from"})

	gatewayDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "p4review_gateway_duration_seconds",
		Help:    "Duration of engine operations that call the changelist gateway",
		Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
	}, []string{"op"})
)
