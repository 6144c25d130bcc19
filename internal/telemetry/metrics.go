package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	apimetric "go.opentelemetry.io/otel/metric"
)

// Metrics are the server's query instruments. A nil *Metrics records
// nothing.
type Metrics struct {
	queries  apimetric.Int64Counter
	duration apimetric.Float64Histogram
	dropped  apimetric.Int64Counter
}

// NewMetrics creates the instruments on mp.
func NewMetrics(mp apimetric.MeterProvider) (*Metrics, error) {
	meter := mp.Meter("github.com/cryguy/flydns")

	queries, err := meter.Int64Counter("flydns_queries_total",
		apimetric.WithDescription("DNS queries answered, by transport and response code"),
		apimetric.WithUnit("{query}"))
	if err != nil {
		return nil, err
	}
	duration, err := meter.Float64Histogram("flydns_query_duration_seconds",
		apimetric.WithDescription("Time from receiving a query to writing its answer"),
		apimetric.WithUnit("s"))
	if err != nil {
		return nil, err
	}
	dropped, err := meter.Int64Counter("flydns_queries_dropped_total",
		apimetric.WithDescription("Packets dropped without an answer"),
		apimetric.WithUnit("{packet}"))
	if err != nil {
		return nil, err
	}
	return &Metrics{queries: queries, duration: duration, dropped: dropped}, nil
}

// RecordQuery counts one answered query.
func (m *Metrics) RecordQuery(ctx context.Context, transport, rcode string, d time.Duration) {
	if m == nil {
		return
	}
	attrs := apimetric.WithAttributes(
		attribute.String("transport", transport),
		attribute.String("rcode", rcode),
	)
	m.queries.Add(ctx, 1, attrs)
	m.duration.Record(ctx, d.Seconds(), attrs)
}

// RecordDrop counts one packet that got no answer.
func (m *Metrics) RecordDrop(ctx context.Context, transport, reason string) {
	if m == nil {
		return
	}
	m.dropped.Add(ctx, 1, apimetric.WithAttributes(
		attribute.String("transport", transport),
		attribute.String("reason", reason),
	))
}
