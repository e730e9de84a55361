package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce           sync.Once
	httpDurationHistogram  *prometheus.HistogramVec
	transferOutcomeCounter *prometheus.CounterVec
	transferDurationHist   prometheus.Histogram
	incentiveCounter       *prometheus.CounterVec
	incentiveBreakerGauge  prometheus.Gauge
	deadLetterCounter      *prometheus.CounterVec
	consumerRestartCounter prometheus.Counter
	ledgerAnomalyCounter   *prometheus.CounterVec
	idempotencyCounter     *prometheus.CounterVec
	workerRunCounter       *prometheus.CounterVec
)

// Init registers all Prometheus collectors.
func Init() {
	registerOnce.Do(func() {
		httpDurationHistogram = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latency",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "path", "status"})

		transferOutcomeCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "transfer_events_total",
			Help: "Consumed transfer events by processing outcome",
		}, []string{"outcome"})

		transferDurationHist = prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "transfer_processing_duration_seconds",
			Help:    "Time spent processing a single transfer event",
			Buckets: prometheus.DefBuckets,
		})

		incentiveCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "incentive_requests_total",
			Help: "Incentive lookups by result",
		}, []string{"result"})

		incentiveBreakerGauge = prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "incentive_circuit_open",
			Help: "1 while the incentive circuit breaker rejects calls",
		})

		deadLetterCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "transfer_dead_letters_total",
			Help: "Events published to the dead-letter topic",
		}, []string{"reason"})

		consumerRestartCounter = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "transfer_consumer_restarts_total",
			Help: "Consumer group sessions restarted to force redelivery",
		})

		ledgerAnomalyCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ledger_anomalies_total",
			Help: "Ledger invariant violations found by reconciliation",
		}, []string{"kind"})

		idempotencyCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "idempotency_events_total",
			Help: "Processed-event cache outcomes",
		}, []string{"outcome"})

		workerRunCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "worker_runs_total",
			Help: "Background worker run outcomes",
		}, []string{"worker", "result"})

		prometheus.MustRegister(
			httpDurationHistogram,
			transferOutcomeCounter,
			transferDurationHist,
			incentiveCounter,
			incentiveBreakerGauge,
			deadLetterCounter,
			consumerRestartCounter,
			ledgerAnomalyCounter,
			idempotencyCounter,
			workerRunCounter,
		)
	})
}

func ObserveHTTP(method, path string, status int, duration time.Duration) {
	if httpDurationHistogram == nil {
		return
	}
	httpDurationHistogram.WithLabelValues(method, path, strconv.Itoa(status)).Observe(duration.Seconds())
}

func ObserveTransfer(outcome string, duration time.Duration) {
	if transferOutcomeCounter == nil {
		return
	}
	transferOutcomeCounter.WithLabelValues(outcome).Inc()
	transferDurationHist.Observe(duration.Seconds())
}

func IncrementIncentive(result string) {
	if incentiveCounter == nil {
		return
	}
	incentiveCounter.WithLabelValues(result).Inc()
}

func SetIncentiveCircuitOpen(open bool) {
	if incentiveBreakerGauge == nil {
		return
	}
	if open {
		incentiveBreakerGauge.Set(1)
		return
	}
	incentiveBreakerGauge.Set(0)
}

func IncrementDeadLetter(reason string) {
	if deadLetterCounter == nil {
		return
	}
	deadLetterCounter.WithLabelValues(reason).Inc()
}

func IncrementConsumerRestart() {
	if consumerRestartCounter == nil {
		return
	}
	consumerRestartCounter.Inc()
}

func AddLedgerAnomalies(kind string, count int64) {
	if ledgerAnomalyCounter == nil || count <= 0 {
		return
	}
	ledgerAnomalyCounter.WithLabelValues(kind).Add(float64(count))
}

func IncrementIdempotencyEvent(outcome string) {
	if idempotencyCounter == nil {
		return
	}
	idempotencyCounter.WithLabelValues(outcome).Inc()
}

func IncrementWorkerRun(worker, result string) {
	if workerRunCounter == nil {
		return
	}
	workerRunCounter.WithLabelValues(worker, result).Inc()
}
