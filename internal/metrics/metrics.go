package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "energy"

	ResultSuccess = "success"
	ResultError   = "error"
)

var (
	ingestTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ingest_total",
			Help:      "Total ingestion calls by mode and result",
		},
		[]string{"mode", "result"},
	)
	ingestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "ingest_duration_seconds",
			Help:      "Ingestion latency in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"mode"},
	)
	emptyPayloads = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "empty_payloads_total",
			Help:      "Accepted payloads that carried no measurement",
		},
	)
	devicesFaulted = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "devices_faulted_total",
			Help:      "Transitions of a device into the faulty state",
		},
	)
	transportFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transport_failures_total",
			Help:      "Telemetry messages a transport could not ingest",
		},
		[]string{"transport"},
	)
	usageQueries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "usage_queries_total",
			Help:      "Usage series and ranking queries by kind, range and result",
		},
		[]string{"kind", "range", "result"},
	)
	rollupRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rollup_runs_total",
			Help:      "Daily rollup runs by result",
		},
		[]string{"result"},
	)
	rollupDevices = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "rollup_devices",
			Help:      "Devices upserted by the last successful daily rollup",
		},
	)
)

// ObserveIngest records one ingestion call
func ObserveIngest(mode string, err error, elapsed time.Duration) {
	ingestTotal.WithLabelValues(mode, result(err)).Inc()
	ingestDuration.WithLabelValues(mode).Observe(elapsed.Seconds())
}

// EmptyPayload counts an accepted empty payload
func EmptyPayload() {
	emptyPayloads.Inc()
}

// DeviceFaulted counts a device latching faulty
func DeviceFaulted() {
	devicesFaulted.Inc()
}

// TransportFailure counts a message a transport failed to ingest
func TransportFailure(transport string) {
	transportFailures.WithLabelValues(transport).Inc()
}

// ObserveUsageQuery records one aggregation query
func ObserveUsageQuery(kind, rangeName string, err error) {
	usageQueries.WithLabelValues(kind, rangeName, result(err)).Inc()
}

// ObserveRollup records one rollup run
func ObserveRollup(devices int, err error) {
	rollupRuns.WithLabelValues(result(err)).Inc()
	if err == nil {
		rollupDevices.Set(float64(devices))
	}
}

func result(err error) string {
	if err != nil {
		return ResultError
	}
	return ResultSuccess
}
