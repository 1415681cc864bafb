package internaltelemetry

import (
	"go.opentelemetry.io/otel/metric"
)

// IndexMetrics holds the request instruments of the index manager.
type IndexMetrics struct {
	OpsStartedCounter      metric.Int64Counter
	OpsHandledCounter      metric.Int64Counter
	OpLatencyHistogram     metric.Int64Histogram
	ActiveOpsUpDownCounter metric.Int64UpDownCounter
}

// NewIndexMetrics creates and registers all the metrics for index operations.
func NewIndexMetrics(meter metric.Meter) (*IndexMetrics, error) {
	opsStartedCounter, err := meter.Int64Counter(
		"gojoidx.index.started_total",
		metric.WithDescription("Total number of index operations started."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	opsHandledCounter, err := meter.Int64Counter(
		"gojoidx.index.handled_total",
		metric.WithDescription("Total number of index operations completed."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	opLatencyHistogram, err := meter.Int64Histogram(
		"gojoidx.index.duration",
		metric.WithDescription("The latency of index operations."),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	activeOpsUpDownCounter, err := meter.Int64UpDownCounter(
		"gojoidx.index.active_ops",
		metric.WithDescription("Number of index operations in flight."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	return &IndexMetrics{
		OpsStartedCounter:      opsStartedCounter,
		OpsHandledCounter:      opsHandledCounter,
		OpLatencyHistogram:     opLatencyHistogram,
		ActiveOpsUpDownCounter: activeOpsUpDownCounter,
	}, nil
}
