package crawler

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// PagesTotal counts fetch outcomes.
	// Labels: status (fetched, failed, skipped)
	PagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vendorscope",
			Subsystem: "crawler",
			Name:      "pages_total",
			Help:      "Total number of crawled pages by outcome",
		},
		[]string{"status"},
	)

	// DocumentsTotal counts document writes.
	// Labels: change (created, unchanged)
	DocumentsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vendorscope",
			Subsystem: "crawler",
			Name:      "documents_total",
			Help:      "Total number of document writes by change",
		},
		[]string{"change"},
	)

	// FetchDuration tracks page fetch latency, retries included.
	FetchDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "vendorscope",
			Subsystem: "crawler",
			Name:      "fetch_duration_seconds",
			Help:      "Duration of page fetches in seconds",
			Buckets:   prometheus.DefBuckets,
		},
	)
)
