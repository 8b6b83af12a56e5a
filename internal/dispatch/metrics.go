package dispatch

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// DispatchedTotal counts dispatched crawl requests.
	// Labels: provider (local, nats)
	DispatchedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vendorscope",
			Subsystem: "dispatch",
			Name:      "requests_total",
			Help:      "Total number of dispatched crawl requests by provider",
		},
		[]string{"provider"},
	)

	// DroppedTotal counts local requests refused because the buffer was full.
	DroppedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "vendorscope",
			Subsystem: "dispatch",
			Name:      "dropped_total",
			Help:      "Total number of crawl requests refused by a full local buffer",
		},
	)

	// DecodeErrorsTotal counts received messages that could not be decoded.
	DecodeErrorsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "vendorscope",
			Subsystem: "dispatch",
			Name:      "decode_errors_total",
			Help:      "Total number of malformed dispatch messages",
		},
	)
)
