package pipeline

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ChunksTotal counts chunk transitions.
	// Labels: state (created, embedded, unembedded, evicted)
	ChunksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vendorscope",
			Subsystem: "pipeline",
			Name:      "chunks_total",
			Help:      "Total number of chunk state transitions",
		},
		[]string{"state"},
	)

	// DocumentsIndexed counts document versions that reached the indexed stage.
	DocumentsIndexed = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "vendorscope",
			Subsystem: "pipeline",
			Name:      "documents_indexed_total",
			Help:      "Total number of document versions indexed",
		},
	)

	// StageDuration tracks time spent per stage.
	StageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "vendorscope",
			Subsystem: "pipeline",
			Name:      "stage_duration_seconds",
			Help:      "Duration of pipeline stages in seconds",
			Buckets:   []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 5, 15, 60},
		},
		[]string{"stage"},
	)
)
