package queue

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

type metrics struct {
	operations    metric.Int64Counter
	redistributed metric.Int64Counter
	autoSkips     metric.Int64Counter
	idCollisions  metric.Int64Counter
}

func newMetrics(logger *slog.Logger) *metrics {
	meter := otel.Meter("qms/clinic-queue/queue")
	m := &metrics{}
	var err error

	m.operations, err = meter.Int64Counter(
		"queue.operations",
		metric.WithDescription("Queue engine operations by result"),
	)
	logMetricInitError(logger, "queue.operations", err)

	m.redistributed, err = meter.Int64Counter(
		"queue.entries.redistributed",
		metric.WithDescription("Waiting entries moved off a counter"),
	)
	logMetricInitError(logger, "queue.entries.redistributed", err)

	m.autoSkips, err = meter.Int64Counter(
		"queue.entries.auto_skipped",
		metric.WithDescription("Entries skipped after the announcement threshold"),
	)
	logMetricInitError(logger, "queue.entries.auto_skipped", err)

	m.idCollisions, err = meter.Int64Counter(
		"queue.id.collisions",
		metric.WithDescription("Queue id collisions retried during admission"),
	)
	logMetricInitError(logger, "queue.id.collisions", err)

	return m
}

func (m *metrics) operation(ctx context.Context, op string, err error) {
	if m == nil || m.operations == nil {
		return
	}
	m.operations.Add(ctx, 1, metric.WithAttributes(
		attribute.String("queue.op", op),
		attribute.String("queue.result", Reason(err)),
	))
}

func (m *metrics) moved(ctx context.Context, serviceID int64, n int) {
	if m == nil || m.redistributed == nil || n == 0 {
		return
	}
	m.redistributed.Add(ctx, int64(n), metric.WithAttributes(attribute.Int64("queue.service_id", serviceID)))
}

func (m *metrics) autoSkipped(ctx context.Context, counterID int64) {
	if m == nil || m.autoSkips == nil {
		return
	}
	m.autoSkips.Add(ctx, 1, metric.WithAttributes(attribute.Int64("queue.counter_id", counterID)))
}

func (m *metrics) collision(ctx context.Context) {
	if m == nil || m.idCollisions == nil {
		return
	}
	m.idCollisions.Add(ctx, 1)
}

func logMetricInitError(logger *slog.Logger, name string, err error) {
	if err == nil || logger == nil {
		return
	}
	logger.Warn("telemetry.metric.init_failed", "name", name, "error", err)
}
