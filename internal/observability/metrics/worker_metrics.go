package metrics

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/prometheus/client_golang/prometheus"
	"gorm.io/gorm"
)

const (
	WorkerErrorTypeDeadlineExceeded = "deadline_exceeded"
	WorkerErrorTypeProvider         = "provider"
	WorkerErrorTypeBusinessRule     = "business_rule"
	WorkerErrorTypeDB               = "db"
	WorkerErrorTypeUnknown          = "unknown"
)

// WorkerMetrics tracks background job health on a prometheus registry,
// kept separate from the OTel domain instruments so worker dashboards
// work without an OTLP pipeline.
type WorkerMetrics struct {
	jobRuns      *prometheus.CounterVec
	jobErrors    *prometheus.CounterVec
	jobTimeouts  *prometheus.CounterVec
	jobDuration  *prometheus.HistogramVec
	itemsHandled *prometheus.CounterVec
	benignRaces  *prometheus.CounterVec
	findings     *prometheus.CounterVec
	stalled      prometheus.Counter
}

var (
	workerOnce     sync.Once
	workerInstance *WorkerMetrics
)

// Worker returns the process-wide worker metrics, registering the
// collectors on first use.
func Worker() *WorkerMetrics {
	workerOnce.Do(func() {
		workerInstance = newWorkerMetrics(prometheus.DefaultRegisterer)
	})
	return workerInstance
}

func newWorkerMetrics(reg prometheus.Registerer) *WorkerMetrics {
	m := &WorkerMetrics{
		jobRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "roost_worker_job_runs_total",
			Help: "Number of worker job executions.",
		}, []string{"job"}),
		jobErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "roost_worker_job_errors_total",
			Help: "Worker job errors by classified type.",
		}, []string{"job", "type"}),
		jobTimeouts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "roost_worker_job_timeouts_total",
			Help: "Worker job executions cut off by their deadline.",
		}, []string{"job"}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "roost_worker_job_duration_seconds",
			Help:    "Worker job wall time.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		}, []string{"job"}),
		itemsHandled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "roost_worker_items_total",
			Help: "Per-item outcomes inside worker batches.",
		}, []string{"job", "outcome"}),
		benignRaces: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "roost_worker_benign_races_total",
			Help: "Conditional writes lost to a concurrent winner.",
		}, []string{"job"}),
		findings: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "roost_reconciliation_findings_total",
			Help: "Reconciliation findings by category.",
		}, []string{"category"}),
		stalled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "roost_confirmation_stalled_total",
			Help: "Pending payments past the maximum verification wait.",
		}),
	}

	for _, c := range []prometheus.Collector{
		m.jobRuns, m.jobErrors, m.jobTimeouts, m.jobDuration,
		m.itemsHandled, m.benignRaces, m.findings, m.stalled,
	} {
		if err := reg.Register(c); err != nil {
			var already prometheus.AlreadyRegisteredError
			if !errors.As(err, &already) {
				panic(err)
			}
		}
	}
	return m
}

func (m *WorkerMetrics) IncJobRun(job string) {
	m.jobRuns.WithLabelValues(job).Inc()
}

func (m *WorkerMetrics) ObserveJobDuration(job string, d time.Duration) {
	m.jobDuration.WithLabelValues(job).Observe(d.Seconds())
}

func (m *WorkerMetrics) IncJobTimeout(job string) {
	m.jobTimeouts.WithLabelValues(job).Inc()
}

func (m *WorkerMetrics) IncJobError(job string, err error) {
	m.jobErrors.WithLabelValues(job, classifyError(err)).Inc()
}

func (m *WorkerMetrics) IncItem(job, outcome string) {
	m.itemsHandled.WithLabelValues(job, outcome).Inc()
}

func (m *WorkerMetrics) IncBenignRace(job string) {
	m.benignRaces.WithLabelValues(job).Inc()
}

func (m *WorkerMetrics) IncFinding(category string) {
	m.findings.WithLabelValues(category).Inc()
}

func (m *WorkerMetrics) IncStalledPayment() {
	m.stalled.Inc()
}

func classifyError(err error) string {
	if err == nil {
		return WorkerErrorTypeUnknown
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return WorkerErrorTypeDeadlineExceeded
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return WorkerErrorTypeDB
	}
	if errors.Is(err, gorm.ErrInvalidTransaction) || errors.Is(err, gorm.ErrInvalidDB) {
		return WorkerErrorTypeDB
	}

	return WorkerErrorTypeBusinessRule
}
