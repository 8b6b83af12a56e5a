package llm

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// CompletionsTotal counts completion requests after retries.
// Labels: result (success, failure)
var CompletionsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "vendorscope",
		Subsystem: "llm",
		Name:      "completions_total",
		Help:      "Total number of completion requests by final result",
	},
	[]string{"result"},
)
