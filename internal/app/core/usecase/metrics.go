package usecase

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// 交易結果標籤
const (
	outcomeCommitted = "committed"
	outcomeRejected  = "rejected"
	outcomeDuplicate = "duplicate"
	outcomeConflict  = "conflict"
	outcomeCancelled = "cancelled"
	outcomeFailed    = "failed"
)

// Metrics 帳本引擎的 Prometheus 指標
type Metrics struct {
	operations  *prometheus.CounterVec
	duration    *prometheus.HistogramVec
	conflicts   prometheus.Counter
	rollbacks   prometheus.Counter
	checkpoints *prometheus.CounterVec
}

var (
	defaultMetricsOnce sync.Once
	defaultMetrics     *Metrics
)

// NewMetrics 將指標註冊到 registerer，nil 時使用 prometheus.DefaultRegisterer
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		defaultMetricsOnce.Do(func() {
			defaultMetrics = buildMetrics(prometheus.DefaultRegisterer)
		})
		return defaultMetrics
	}
	return buildMetrics(registerer)
}

func buildMetrics(registerer prometheus.Registerer) *Metrics {
	operations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_operations_total",
		Help: "Ledger operations partitioned by kind and outcome.",
	}, []string{"kind", "status"})
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ledger_operation_duration_seconds",
		Help:    "Duration in seconds of ledger operations.",
		Buckets: prometheus.DefBuckets,
	}, []string{"kind"})
	conflicts := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ledger_version_conflicts_total",
		Help: "Lock waits that timed out and were retried or surfaced.",
	})
	rollbacks := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ledger_rollbacks_total",
		Help: "Partially applied operations reversed by compensation.",
	})
	checkpoints := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_checkpoints_total",
		Help: "Snapshot checkpoints partitioned by result.",
	}, []string{"result"})
	registerer.MustRegister(operations, duration, conflicts, rollbacks, checkpoints)
	return &Metrics{
		operations:  operations,
		duration:    duration,
		conflicts:   conflicts,
		rollbacks:   rollbacks,
		checkpoints: checkpoints,
	}
}

// tracker 單筆操作的計時
type tracker struct {
	metrics *Metrics
	kind    string
	start   time.Time
}

func (m *Metrics) track(kind string) *tracker {
	return &tracker{metrics: m, kind: kind, start: time.Now()}
}

func (t *tracker) end(outcome string) {
	if t.metrics == nil {
		return
	}
	t.metrics.operations.WithLabelValues(t.kind, outcome).Inc()
	t.metrics.duration.WithLabelValues(t.kind).Observe(time.Since(t.start).Seconds())
}

func (m *Metrics) versionConflict() {
	if m == nil {
		return
	}
	m.conflicts.Inc()
}

func (m *Metrics) rollback() {
	if m == nil {
		return
	}
	m.rollbacks.Inc()
}

func (m *Metrics) checkpoint(err error) {
	if m == nil {
		return
	}
	result := "success"
	if err != nil {
		result = "failure"
	}
	m.checkpoints.WithLabelValues(result).Inc()
}
