// Package observability provides OpenTelemetry tracing for memcap tasks
package observability

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ajitpratap0/memcap/pkg/errors"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Span wraps a tracing span and batches its attributes until End
type Span struct {
	span       trace.Span
	startTime  time.Time
	attributes []attribute.KeyValue
}

// NewSpan starts a span on the global tracer
func NewSpan(ctx context.Context, operationName string) (context.Context, *Span) {
	ctx, span := GetTracer().Start(ctx, operationName)

	return ctx, &Span{
		span:      span,
		startTime: time.Now(),
	}
}

// SetAttribute adds an attribute to the span
func (s *Span) SetAttribute(key string, value interface{}) {
	var attr attribute.KeyValue

	switch v := value.(type) {
	case string:
		attr = attribute.String(key, v)
	case int:
		attr = attribute.Int(key, v)
	case int64:
		attr = attribute.Int64(key, v)
	case float64:
		attr = attribute.Float64(key, v)
	case bool:
		attr = attribute.Bool(key, v)
	default:
		attr = attribute.String(key, fmt.Sprintf("%v", v))
	}

	s.attributes = append(s.attributes, attr)
}

// AddEvent adds an event to the span
func (s *Span) AddEvent(name string, attrs ...attribute.KeyValue) {
	s.span.AddEvent(name, trace.WithAttributes(attrs...))
}

// SetStatus sets the span status
func (s *Span) SetStatus(code codes.Code, description string) {
	s.span.SetStatus(code, description)
}

// RecordResult marks the span according to err. Cap violations get an
// event carrying the first line of the diagnostic.
func (s *Span) RecordResult(err error) {
	if err == nil {
		s.span.SetStatus(codes.Ok, "")
		return
	}
	if errors.IsType(err, errors.ErrorTypeMemCapExceeded) {
		s.span.AddEvent("memory_cap_exceeded")
	}
	s.span.RecordError(err)
	s.span.SetStatus(codes.Error, firstLine(err.Error()))
}

// End ends the span
func (s *Span) End() {
	if len(s.attributes) > 0 {
		s.span.SetAttributes(s.attributes...)
	}
	s.span.SetAttributes(attribute.Int64("duration_ms", time.Since(s.startTime).Milliseconds()))
	s.span.End()
}

// TaskTracer provides task and driver spans
type TaskTracer struct {
	queryID string
	taskID  string
}

// NewTaskTracer creates a tracer for one task of a query
func NewTaskTracer(queryID, taskID string) *TaskTracer {
	return &TaskTracer{queryID: queryID, taskID: taskID}
}

// StartTask starts the span covering a whole task run
func (tt *TaskTracer) StartTask(ctx context.Context) (context.Context, *Span) {
	ctx, span := NewSpan(ctx, "task.run")
	span.SetAttribute("query.id", tt.queryID)
	span.SetAttribute("task.id", tt.taskID)
	return ctx, span
}

// TraceDriver runs fn inside a driver span and records its outcome
func (tt *TaskTracer) TraceDriver(ctx context.Context, pipeline, driver int, fn func(context.Context) error) error {
	ctx, span := NewSpan(ctx, "driver.run")
	defer span.End()

	span.SetAttribute("task.id", tt.taskID)
	span.SetAttribute("pipeline.index", pipeline)
	span.SetAttribute("driver.id", driver)

	err := fn(ctx)
	span.RecordResult(err)
	return err
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(s, "\n")
	return line
}
