package observability

import (
	"context"

	"github.com/ajitpratap0/memcap/pkg/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// TaskInstruments records task outcomes through the OpenTelemetry metrics
// API. Without an installed meter provider the instruments are no-ops.
type TaskInstruments struct {
	peak  metric.Int64Histogram
	tasks metric.Int64Counter
}

// NewTaskInstruments creates the instruments on the global meter provider
func NewTaskInstruments() (*TaskInstruments, error) {
	return NewTaskInstrumentsFrom(otel.GetMeterProvider())
}

// NewTaskInstrumentsFrom creates the instruments on mp
func NewTaskInstrumentsFrom(mp metric.MeterProvider) (*TaskInstruments, error) {
	meter := mp.Meter("memcap")

	peak, err := meter.Int64Histogram("memcap.task.peak_bytes",
		metric.WithDescription("Peak bytes reserved by the query while a task ran"),
		metric.WithUnit("By"))
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeInternal, "failed to create peak histogram")
	}
	tasks, err := meter.Int64Counter("memcap.tasks",
		metric.WithDescription("Tasks by final state"))
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeInternal, "failed to create task counter")
	}
	return &TaskInstruments{peak: peak, tasks: tasks}, nil
}

// RecordTask records the final state and peak usage of a task
func (i *TaskInstruments) RecordTask(ctx context.Context, queryID, state string, peakBytes int64) {
	if i == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("query.id", queryID),
		attribute.String("task.state", state),
	)
	i.peak.Record(ctx, peakBytes, attrs)
	i.tasks.Add(ctx, 1, attrs)
}
