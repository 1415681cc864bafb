package internaltelemetry

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// TreeMetrics counts structural events of a B+Tree.
type TreeMetrics struct {
	SplitsCounter        metric.Int64Counter
	MergesCounter        metric.Int64Counter
	BorrowsCounter       metric.Int64Counter
	RootChangesCounter   metric.Int64Counter
	MigrationsCounter    metric.Int64Counter
	RestartsCounter      metric.Int64Counter
	FreePageErrorCounter metric.Int64Counter
}

// NewTreeMetrics creates and registers the tree instruments.
func NewTreeMetrics(meter metric.Meter) (*TreeMetrics, error) {
	counters := []struct {
		name, desc string
	}{
		{"gojoidx.btree.splits_total", "Pages split, by page kind."},
		{"gojoidx.btree.merges_total", "Pages merged into a sibling, by page kind."},
		{"gojoidx.btree.borrows_total", "Items moved from a sibling to fix under-fill, by page kind."},
		{"gojoidx.btree.root_changes_total", "Root splits and collapses."},
		{"gojoidx.btree.migrations_total", "Pages rewritten into the current format version."},
		{"gojoidx.btree.restarts_total", "Optimistic write passes retried pessimistically."},
		{"gojoidx.btree.free_page_errors_total", "Pages that could not be returned to the store."},
	}
	m := &TreeMetrics{}
	targets := []*metric.Int64Counter{
		&m.SplitsCounter, &m.MergesCounter, &m.BorrowsCounter, &m.RootChangesCounter,
		&m.MigrationsCounter, &m.RestartsCounter, &m.FreePageErrorCounter,
	}
	for i := range counters {
		c, err := meter.Int64Counter(counters[i].name,
			metric.WithDescription(counters[i].desc),
			metric.WithUnit("1"))
		if err != nil {
			return nil, err
		}
		*targets[i] = c
	}
	return m, nil
}

// NoopTreeMetrics returns instruments that record nothing.
func NoopTreeMetrics() *TreeMetrics {
	m, _ := NewTreeMetrics(noop.NewMeterProvider().Meter(""))
	return m
}

// Inc adds one to c with an optional kind attribute.
func Inc(ctx context.Context, c metric.Int64Counter, kind string) {
	if kind == "" {
		c.Add(ctx, 1)
		return
	}
	c.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}
