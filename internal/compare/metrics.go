package compare

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ComparisonsTotal counts comparisons.
// Labels: result (success, degraded, error)
var ComparisonsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "vendorscope",
		Subsystem: "compare",
		Name:      "comparisons_total",
		Help:      "Total number of vendor comparisons by result",
	},
	[]string{"result"},
)
