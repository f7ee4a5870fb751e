// Package metrics holds the Prometheus collectors for tsbridge.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Read outcomes.
const (
	ReadData  = "data"
	ReadZero  = "zero"
	ReadEOS   = "eos"
	ReadError = "error"
)

// Byte pipeline stages.
const (
	StageNetwork   = "network"
	StagePushed    = "pushed"
	StagePopped    = "popped"
	StageDelivered = "delivered"
)

var (
	// SessionsActive is the number of open data sources.
	SessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tsbridge_sessions_active",
		Help: "Number of data sources currently open",
	})

	// SessionOpenTotal counts open attempts by outcome.
	SessionOpenTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tsbridge_session_open_total",
		Help: "Total number of data source open attempts by result and reason",
	}, []string{"result", "reason"})

	// ReadTotal counts data source reads by outcome.
	ReadTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tsbridge_read_total",
		Help: "Total number of data source reads by result",
	}, []string{"result"})

	// BytesTotal counts bytes moving through each pipeline stage.
	BytesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tsbridge_bytes_total",
		Help: "Total bytes by pipeline stage",
	}, []string{"stage"})

	// NetworkReadSeconds tracks the latency of single network chunk reads.
	NetworkReadSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "tsbridge_network_read_seconds",
		Help:    "Latency of single network chunk reads",
		Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
	})

	// FilterOpenFailuresTotal counts filter instances that failed to initialize.
	FilterOpenFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tsbridge_filter_open_failures_total",
		Help: "Total number of filter instances that failed to initialize",
	})
)

// IncSessionOpen records a data source open attempt outcome.
func IncSessionOpen(success bool, reason string) {
	result := "failure"
	if success {
		result = "success"
	}
	SessionOpenTotal.WithLabelValues(result, reason).Inc()
}

// IncRead records one read outcome.
func IncRead(result string) {
	ReadTotal.WithLabelValues(result).Inc()
}

// AddBytes adds n bytes to a pipeline stage. Non-positive counts are ignored.
func AddBytes(stage string, n int) {
	if n <= 0 {
		return
	}
	BytesTotal.WithLabelValues(stage).Add(float64(n))
}

// ObserveNetworkRead records the duration of one network chunk read.
func ObserveNetworkRead(d time.Duration) {
	NetworkReadSeconds.Observe(d.Seconds())
}

// IncFilterOpenFailure records a failed filter initialization.
func IncFilterOpenFailure() {
	FilterOpenFailuresTotal.Inc()
}
