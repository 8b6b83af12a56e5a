package scheduler

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// JobsTotal counts finished crawl jobs.
	// Labels: state (succeeded, failed)
	JobsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vendorscope",
			Subsystem: "scheduler",
			Name:      "jobs_total",
			Help:      "Total number of finished crawl jobs by state",
		},
		[]string{"state"},
	)

	// TriggersTotal counts crawl triggers.
	// Labels: trigger (created, manual, scheduled), result (queued, already_active)
	TriggersTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vendorscope",
			Subsystem: "scheduler",
			Name:      "triggers_total",
			Help:      "Total number of crawl triggers by kind and result",
		},
		[]string{"trigger", "result"},
	)

	// RunningJobs is the number of running crawl jobs seen by the last sweep.
	RunningJobs = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "vendorscope",
			Subsystem: "scheduler",
			Name:      "running_jobs",
			Help:      "Number of crawl jobs currently holding a lease",
		},
	)

	// JobDuration tracks crawl job duration.
	JobDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "vendorscope",
			Subsystem: "scheduler",
			Name:      "job_duration_seconds",
			Help:      "Duration of crawl jobs in seconds",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
		},
	)

	// RetriesTotal counts queued retry jobs.
	RetriesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "vendorscope",
			Subsystem: "scheduler",
			Name:      "retries_total",
			Help:      "Total number of crawl retries queued",
		},
	)

	// RecoveredTotal counts jobs requeued after their lease expired.
	RecoveredTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "vendorscope",
			Subsystem: "scheduler",
			Name:      "recovered_jobs_total",
			Help:      "Total number of crawl jobs requeued after lease expiry",
		},
	)

	// LeaseConflictsTotal counts dispatched jobs whose lease was held elsewhere.
	LeaseConflictsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "vendorscope",
			Subsystem: "scheduler",
			Name:      "lease_conflicts_total",
			Help:      "Total number of lease acquisitions that lost the compare-and-set",
		},
	)

	// LeaseLostTotal counts running jobs that lost their lease.
	LeaseLostTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "vendorscope",
			Subsystem: "scheduler",
			Name:      "lease_lost_total",
			Help:      "Total number of crawl jobs that lost their lease while running",
		},
	)

	// PanicsTotal counts recovered panics in background work.
	PanicsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "vendorscope",
			Subsystem: "scheduler",
			Name:      "panics_total",
			Help:      "Total number of recovered panics in scheduler goroutines",
		},
	)
)
