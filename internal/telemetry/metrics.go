package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "tokenflow"

// Метрики воркеров и очереди jobs.
var (
	// JobsAcquired — захваченные jobs по типу.
	JobsAcquired = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "jobs_acquired_total",
		Help:      "Jobs leased by workers.",
	}, []string{"type"})

	// JobsSucceeded — успешно выполненные jobs.
	JobsSucceeded = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "jobs_succeeded_total",
		Help:      "Jobs completed successfully.",
	}, []string{"type"})

	// JobsFailed — неудачные попытки.
	JobsFailed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "jobs_failed_total",
		Help:      "Failed job attempts.",
	}, []string{"type"})

	// JobsExhausted — jobs, исчерпавшие retries.
	JobsExhausted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "jobs_exhausted_total",
		Help:      "Jobs that ran out of retries and raised an incident.",
	}, []string{"type"})

	// LeasesLost — потерянные lease (истекли и перехвачены, либо job удалён).
	LeasesLost = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "job_leases_lost_total",
		Help:      "Leases lost while a job was executing.",
	})

	// JobDuration — длительность выполнения тела job.
	JobDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "job_duration_seconds",
		Help:      "Job body execution time.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"type", "outcome"})

	// WorkersBusy — воркеры, выполняющие job прямо сейчас.
	WorkersBusy = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "workers_busy",
		Help:      "Workers currently executing a job.",
	})

	// JobsDue — due jobs, найденные планировщиком за последний тик.
	JobsDue = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "jobs_due",
		Help:      "Acquirable jobs seen by the last scheduler tick.",
	})
)
