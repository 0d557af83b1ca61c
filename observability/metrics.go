package observability

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	depositMetricsOnce sync.Once
	depositRegistry    *DepositdMetrics
)

// DepositdMetrics wraps collectors tracking the deposit engine's health.
type DepositdMetrics struct {
	leases       *prometheus.CounterVec
	queueDepth   *prometheus.GaugeVec
	scanCycles   prometheus.Counter
	scanErrors   *prometheus.CounterVec
	events       *prometheus.CounterVec
	credits      prometheus.Counter
	sweeps       *prometheus.CounterVec
	unidentified prometheus.Gauge
	cycleLatency prometheus.Histogram
	sweepPaused  prometheus.Gauge
}

// Depositd exposes the lazily-initialised metrics registry for depositd.
func Depositd() *DepositdMetrics {
	depositMetricsOnce.Do(func() {
		depositRegistry = &DepositdMetrics{
			leases: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "vaultgate",
				Subsystem: "depositd",
				Name:      "leases_total",
				Help:      "Count of lease lifecycle events segmented by outcome.",
			}, []string{"outcome"}),
			queueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "vaultgate",
				Subsystem: "depositd",
				Name:      "queue_depth",
				Help:      "Number of leases waiting per pool slot.",
			}, []string{"slot"}),
			scanCycles: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "vaultgate",
				Subsystem: "depositd",
				Name:      "scan_cycles_total",
				Help:      "Count of completed chain scan cycles.",
			}),
			scanErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "vaultgate",
				Subsystem: "depositd",
				Name:      "scan_errors_total",
				Help:      "Count of scan failures segmented by stage.",
			}, []string{"stage"}),
			events: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "vaultgate",
				Subsystem: "depositd",
				Name:      "events_total",
				Help:      "Count of discovered transfer events segmented by disposition.",
			}, []string{"disposition"}),
			credits: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "vaultgate",
				Subsystem: "depositd",
				Name:      "credits_total",
				Help:      "Count of ledger credit calls issued for matched deposits.",
			}),
			sweeps: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "vaultgate",
				Subsystem: "depositd",
				Name:      "sweeps_total",
				Help:      "Count of sweep attempts segmented by outcome.",
			}, []string{"outcome"}),
			unidentified: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "vaultgate",
				Subsystem: "depositd",
				Name:      "unidentified_deposits",
				Help:      "Number of discovered deposits with no matching lease.",
			}),
			cycleLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
				Namespace: "vaultgate",
				Subsystem: "depositd",
				Name:      "cycle_duration_seconds",
				Help:      "Latency distribution for full scan/reconcile cycles.",
				Buckets:   prometheus.DefBuckets,
			}),
			sweepPaused: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "vaultgate",
				Subsystem: "depositd",
				Name:      "sweep_paused",
				Help:      "Indicates whether the sweep service pause guard is active (1) or not (0).",
			}),
		}
		prometheus.MustRegister(
			depositRegistry.leases,
			depositRegistry.queueDepth,
			depositRegistry.scanCycles,
			depositRegistry.scanErrors,
			depositRegistry.events,
			depositRegistry.credits,
			depositRegistry.sweeps,
			depositRegistry.unidentified,
			depositRegistry.cycleLatency,
			depositRegistry.sweepPaused,
		)
	})
	return depositRegistry
}

// RecordLease tracks a lease lifecycle transition outcome.
func (m *DepositdMetrics) RecordLease(outcome string) {
	if m == nil {
		return
	}
	m.leases.WithLabelValues(outcome).Inc()
}

// SetQueueDepth records the number of waiting leases for a slot.
func (m *DepositdMetrics) SetQueueDepth(slot string, depth int) {
	if m == nil {
		return
	}
	m.queueDepth.WithLabelValues(slot).Set(float64(depth))
}

// RecordScanCycle increments the completed scan cycle counter.
func (m *DepositdMetrics) RecordScanCycle() {
	if m == nil {
		return
	}
	m.scanCycles.Inc()
}

// RecordScanError counts a scan failure for the provided stage.
func (m *DepositdMetrics) RecordScanError(stage string) {
	if m == nil {
		return
	}
	m.scanErrors.WithLabelValues(stage).Inc()
}

// RecordEvent counts a discovered event by disposition (ingested, duplicate, matched, unmatched).
func (m *DepositdMetrics) RecordEvent(disposition string) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(disposition).Inc()
}

// RecordEvents counts a batch of events sharing one disposition.
func (m *DepositdMetrics) RecordEvents(disposition string, count int) {
	if m == nil || count <= 0 {
		return
	}
	m.events.WithLabelValues(disposition).Add(float64(count))
}

// RecordCredit increments the ledger credit counter.
func (m *DepositdMetrics) RecordCredit() {
	if m == nil {
		return
	}
	m.credits.Inc()
}

// RecordSweep counts a sweep attempt by outcome (confirmed, failed, broadcast_error, resumed).
func (m *DepositdMetrics) RecordSweep(outcome string) {
	if m == nil {
		return
	}
	m.sweeps.WithLabelValues(outcome).Inc()
}

// SetUnidentified records the current unidentified deposit backlog.
func (m *DepositdMetrics) SetUnidentified(count int) {
	if m == nil {
		return
	}
	m.unidentified.Set(float64(count))
}

// ObserveCycle records the latency of one full pipeline cycle.
func (m *DepositdMetrics) ObserveCycle(d time.Duration) {
	if m == nil {
		return
	}
	m.cycleLatency.Observe(d.Seconds())
}

// SetSweepPaused reflects the sweep pause guard state.
func (m *DepositdMetrics) SetSweepPaused(paused bool) {
	if m == nil {
		return
	}
	if paused {
		m.sweepPaused.Set(1)
		return
	}
	m.sweepPaused.Set(0)
}
