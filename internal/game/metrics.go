package game

import "github.com/prometheus/client_golang/prometheus"

var (
	ticksTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "goldrun_ticks_total",
		Help: "Ticks completed.",
	})
	tickFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "goldrun_tick_failures_total",
		Help: "Ticks that recorded an error.",
	})
	tickDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "goldrun_tick_duration_seconds",
		Help:    "Wall time of one tick including all sandbox invocations.",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
	})
	tickGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "goldrun_tick",
		Help: "Current tick number.",
	})
	returnRate = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "goldrun_return_rate",
		Help: "Return rate sampled for the last tick.",
	})
	participantsGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "goldrun_participants",
		Help: "Live participants.",
	})
	sandboxErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "goldrun_sandbox_errors_total",
		Help: "Script failures by kind.",
	}, []string{"kind"})
	investmentsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "goldrun_investments_total",
		Help: "Investments recorded.",
	})
	investedGold = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "goldrun_invested_gold_total",
		Help: "Gold invested across all participants.",
	})
	persistFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "goldrun_persist_failures_total",
		Help: "Snapshot saves that failed.",
	})
)

func init() {
	prometheus.MustRegister(
		ticksTotal, tickFailures, tickDuration, tickGauge, returnRate,
		participantsGauge, sandboxErrors, investmentsTotal, investedGold, persistFailures,
	)
}
