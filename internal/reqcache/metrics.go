package reqcache

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// metrics records cache outcomes. A nil *metrics records nothing.
type metrics struct {
	requests          metric.Int64Counter
	retryTasks        metric.Int64Counter
	partitionsDeleted metric.Int64Counter
	respBytes         metric.Int64Histogram

	stats *statsCollector
}

func newMetrics(mp metric.MeterProvider) (*metrics, error) {
	if mp == nil {
		mp = otel.GetMeterProvider()
	}
	meter := mp.Meter("reqcache")

	requests, err := meter.Int64Counter(
		"reqcache.requests",
		metric.WithDescription("Requests handled, by class, strategy and outcome"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, err
	}

	retryTasks, err := meter.Int64Counter(
		"reqcache.retry.tasks",
		metric.WithDescription("Retry queue task transitions"),
		metric.WithUnit("{task}"),
	)
	if err != nil {
		return nil, err
	}

	partitionsDeleted, err := meter.Int64Counter(
		"reqcache.partitions.deleted",
		metric.WithDescription("Partitions deleted by the generation sweep or the janitor"),
		metric.WithUnit("{partition}"),
	)
	if err != nil {
		return nil, err
	}

	respBytes, err := meter.Int64Histogram(
		"reqcache.response.bytes",
		metric.WithDescription("Body size of responses served from cache or network"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return nil, err
	}

	return &metrics{
		requests:          requests,
		retryTasks:        retryTasks,
		partitionsDeleted: partitionsDeleted,
		respBytes:         respBytes,
		stats:             newStatsCollector(),
	}, nil
}

func (m *metrics) request(ctx context.Context, class ResourceClass, strategy, outcome string) {
	if m == nil {
		return
	}
	m.requests.Add(ctx, 1, metric.WithAttributes(
		attribute.String("class", class.String()),
		attribute.String("strategy", strategy),
		attribute.String("outcome", outcome),
	))
}

func (m *metrics) response(ctx context.Context, resp Response) {
	if m == nil {
		return
	}
	m.respBytes.Record(ctx, int64(len(resp.Body)), metric.WithAttributes(attribute.String("source", string(resp.Source))))
	switch resp.Source {
	case SourceHit, SourceMiss:
		m.stats.Observe(len(resp.Body))
	}
}

func (m *metrics) retry(ctx context.Context, outcome string) {
	if m == nil {
		return
	}
	m.retryTasks.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

func (m *metrics) partitionDeleted(ctx context.Context, reason string) {
	if m == nil {
		return
	}
	m.partitionsDeleted.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}
