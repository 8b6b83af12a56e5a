package rag

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// QueriesTotal counts answered questions.
	// Labels: confidence (high, medium, low)
	QueriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vendorscope",
			Subsystem: "rag",
			Name:      "queries_total",
			Help:      "Total number of answered queries by confidence",
		},
		[]string{"confidence"},
	)

	// DegradedTotal counts answers produced without the completion model.
	DegradedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "vendorscope",
			Subsystem: "rag",
			Name:      "degraded_answers_total",
			Help:      "Total number of answers produced by the extractive fallback",
		},
	)

	// AnswerDuration tracks end-to-end answer latency.
	AnswerDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "vendorscope",
			Subsystem: "rag",
			Name:      "answer_duration_seconds",
			Help:      "Duration of question answering in seconds",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		},
	)
)
