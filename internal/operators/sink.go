package operators

import (
	"context"

	"github.com/apache/arrow-go/v18/arrow"
)

// SinkFunc receives every batch reaching the end of a chain. The batch is
// only valid for the duration of the call unless the callee retains it.
type SinkFunc func(driverID int, rec arrow.Record) error

// CallbackSink hands batches to a callback. It holds no memory.
type CallbackSink struct {
	driverID int
	fn       SinkFunc
}

// CallbackSinkSpec returns the spec of a sink calling fn
func CallbackSinkSpec(fn SinkFunc) Spec {
	return Spec{
		Kind: KindCallbackSink,
		New: func(octx *Context) (Operator, error) {
			return &CallbackSink{driverID: octx.DriverID, fn: fn}, nil
		},
	}
}

// Kind implements Operator
func (s *CallbackSink) Kind() string { return KindCallbackSink }

// AddInput implements Operator
func (s *CallbackSink) AddInput(_ context.Context, rec arrow.Record) ([]arrow.Record, error) {
	if s.fn == nil {
		return nil, nil
	}
	return nil, s.fn(s.driverID, rec)
}

// Finish implements Operator
func (s *CallbackSink) Finish(context.Context) ([]arrow.Record, error) { return nil, nil }

// Close implements Operator
func (s *CallbackSink) Close() error { return nil }
