package agent

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds Prometheus metrics for the collection pipeline.
type Metrics struct {
	CyclesTotal       *prometheus.CounterVec
	CycleDuration     prometheus.Histogram
	ItemsCollected    *prometheus.CounterVec
	ItemsDuplicate    prometheus.Counter
	ItemsEnriched     *prometheus.CounterVec
	ItemsNotified     prometheus.Counter
	DeepDivesTotal    *prometheus.CounterVec
	SourceErrorsTotal *prometheus.CounterVec
	NotifyErrorsTotal *prometheus.CounterVec
	SpendUSD          prometheus.Counter
	SpikeMode         prometheus.Gauge
}

// NewMetrics registers and returns pipeline metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		CyclesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "threatfeed_cycles_total",
			Help: "Total collection cycles by outcome.",
		}, []string{"outcome"}),
		CycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "threatfeed_cycle_duration_seconds",
			Help:    "Duration of collection cycles in seconds.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 10), // 1s .. ~512s
		}),
		ItemsCollected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "threatfeed_items_collected_total",
			Help: "Raw items collected by source.",
		}, []string{"source"}),
		ItemsDuplicate: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "threatfeed_items_duplicate_total",
			Help: "Items dropped as already seen.",
		}),
		ItemsEnriched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "threatfeed_items_enriched_total",
			Help: "Enrichment outcomes by status.",
		}, []string{"status"}),
		ItemsNotified: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "threatfeed_items_notified_total",
			Help: "Items delivered to notification channels.",
		}),
		DeepDivesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "threatfeed_deep_dives_total",
			Help: "Deep-dive analyses by outcome.",
		}, []string{"outcome"}),
		SourceErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "threatfeed_source_errors_total",
			Help: "Collector failures by source.",
		}, []string{"source"}),
		NotifyErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "threatfeed_notify_errors_total",
			Help: "Notification delivery failures by channel.",
		}, []string{"channel"}),
		SpendUSD: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "threatfeed_llm_spend_usd_total",
			Help: "Cumulative LLM spend recorded by this process in USD.",
		}),
		SpikeMode: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "threatfeed_spike_mode",
			Help: "1 while the agent polls at the spike interval.",
		}),
	}

	reg.MustRegister(
		m.CyclesTotal,
		m.CycleDuration,
		m.ItemsCollected,
		m.ItemsDuplicate,
		m.ItemsEnriched,
		m.ItemsNotified,
		m.DeepDivesTotal,
		m.SourceErrorsTotal,
		m.NotifyErrorsTotal,
		m.SpendUSD,
		m.SpikeMode,
	)

	return m
}
