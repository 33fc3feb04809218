package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	LeaseAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gpulease_lease_attempts_total",
			Help: "Total number of lease requests by outcome",
		},
		[]string{"outcome"},
	)

	LeaseDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gpulease_lease_duration_seconds",
			Help:    "Lease request latency including transaction wait",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
		},
		[]string{"outcome"},
	)

	LeaseRetriesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "gpulease_lease_tx_retries_total",
			Help: "Total number of lease transactions retried after a conflict",
		},
	)

	EvictionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gpulease_evictions_total",
			Help: "Total number of models deactivated to free capacity",
		},
		[]string{"policy"},
	)

	CreditsDebitedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "gpulease_credits_debited_total",
			Help: "Total credits debited by committed leases",
		},
	)

	CapacityInUse = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "gpulease_capacity_in_use",
			Help: "Capacity units held by active models after the last committed lease",
		},
	)

	OutboxPublishedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gpulease_outbox_events_total",
			Help: "Total number of outbox events relayed by result",
		},
		[]string{"result"},
	)

	DeploymentSyncsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gpulease_deployment_syncs_total",
			Help: "Total number of model deployment scale operations by result",
		},
		[]string{"result"},
	)
)
