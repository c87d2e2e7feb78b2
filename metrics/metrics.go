// Package metrics exports scheduler state as Prometheus collectors, the
// observability surface named in the domain stack (an instrumentation
// concern, not the persistence/distributed-coordination the core excludes).
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Collectors groups the gauges/counters a Scheduler's caller should update
// on its own cadence (the core itself takes no Prometheus dependency on its
// hot path; wiring is left to the embedding application).
type Collectors struct {
	ActiveStreams    *prometheus.GaugeVec
	PeakRate         prometheus.Gauge
	InServiceBudget  prometheus.Gauge
	InServiceService prometheus.Gauge
	WeightRaisedCount prometheus.Gauge
	BurstListSize    prometheus.Gauge
	MergeCount       prometheus.Counter
	SplitCount       prometheus.Counter
	ExpireCount      *prometheus.CounterVec
}

// NewCollectors creates and registers a Collectors set against reg. Passing
// a fresh prometheus.NewRegistry() keeps tests isolated from the global
// default registry.
func NewCollectors(reg prometheus.Registerer) *Collectors {
	c := &Collectors{
		ActiveStreams: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "bfq",
			Name:      "active_streams",
			Help:      "Number of busy streams, by priority class.",
		}, []string{"class"}),
		PeakRate: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "bfq",
			Name:      "peak_rate_sectors_per_second",
			Help:      "Current filtered peak-rate estimate.",
		}),
		InServiceBudget: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "bfq",
			Name:      "in_service_budget_sectors",
			Help:      "Budget granted to the currently in-service stream.",
		}),
		InServiceService: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "bfq",
			Name:      "in_service_consumed_sectors",
			Help:      "Sectors consumed so far by the currently in-service stream.",
		}),
		WeightRaisedCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "bfq",
			Name:      "weight_raised_streams",
			Help:      "Number of streams currently weight-raised.",
		}),
		BurstListSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "bfq",
			Name:      "burst_list_size",
			Help:      "Size of the current burst-detector candidate list.",
		}),
		MergeCount: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "bfq",
			Name:      "cooperator_merges_total",
			Help:      "Total cooperator merges performed.",
		}),
		SplitCount: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "bfq",
			Name:      "cooperator_splits_total",
			Help:      "Total cooperator splits performed.",
		}),
		ExpireCount: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bfq",
			Name:      "stream_expirations_total",
			Help:      "Total stream expirations, by reason.",
		}, []string{"reason"}),
	}
	reg.MustRegister(
		c.ActiveStreams, c.PeakRate, c.InServiceBudget, c.InServiceService,
		c.WeightRaisedCount, c.BurstListSize, c.MergeCount, c.SplitCount, c.ExpireCount,
	)
	return c
}
