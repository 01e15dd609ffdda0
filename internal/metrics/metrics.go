// Package metrics exposes the process-wide Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	EventsIngested = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "zilscope",
		Name:      "events_ingested_total",
		Help:      "Chain events persisted, by contract and event name.",
	}, []string{"contract", "event"})

	EventsFailed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "zilscope",
		Name:      "events_failed_total",
		Help:      "Chain events that failed normalization or reconciliation.",
	}, []string{"contract", "event"})

	PagesFetched = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "zilscope",
		Name:      "pages_fetched_total",
		Help:      "Source API pages fetched.",
	}, []string{"contract", "event"})

	CycleFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "zilscope",
		Name:      "cycle_failures_total",
		Help:      "Poll cycles that failed and will be retried.",
	}, []string{"contract", "event"})

	LastSyncedBlock = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "zilscope",
		Name:      "last_synced_block",
		Help:      "Highest block height with a committed block sync.",
	})

	DistributionLeaves = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "zilscope",
		Name:      "distribution_leaves_total",
		Help:      "Reward allocation leaves generated, by distributor.",
	}, []string{"distributor"})
)

func init() {
	prometheus.MustRegister(
		EventsIngested,
		EventsFailed,
		PagesFetched,
		CycleFailures,
		LastSyncedBlock,
		DistributionLeaves,
	)
}
