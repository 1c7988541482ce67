// Package operators implements the minimal Arrow-backed operators that run
// inside a driver. Every operator instance accounts the memory it holds
// through its own pool, so a query's pool tree reflects what each operator
// buffers at any point.
package operators

import (
	"context"
	"io"

	"github.com/ajitpratap0/memcap/pkg/memory"
	"github.com/apache/arrow-go/v18/arrow"
	arrowmem "github.com/apache/arrow-go/v18/arrow/memory"
	"go.uber.org/zap"
)

// Operator kinds as they appear in pool paths and diagnostics
const (
	KindValues        = "Values"
	KindFilterProject = "FilterProject"
	KindAggregation   = "Aggregation"
	KindOrderBy       = "OrderBy"
	KindCallbackSink  = "CallbackSink"
)

// EOF is returned by Source.Next when the input is exhausted
var EOF = io.EOF

// Operator is one stage of a driver's operator chain.
//
// AddInput consumes a batch and returns the batches that are ready to be
// passed downstream. The caller keeps ownership of the input and releases
// it afterwards; ownership of the returned batches passes to the caller.
// Finish is called once after the last input and flushes buffered state.
// Close returns every byte the operator still holds to its pool.
type Operator interface {
	Kind() string
	AddInput(ctx context.Context, rec arrow.Record) ([]arrow.Record, error)
	Finish(ctx context.Context) ([]arrow.Record, error)
	Close() error
}

// Source is an operator at the head of a chain that produces batches.
type Source interface {
	Operator
	// Next returns the next batch or EOF.
	Next(ctx context.Context) (arrow.Record, error)
}

// Context carries what an operator instance is bound to.
type Context struct {
	Pool      *memory.Pool
	Allocator arrowmem.Allocator
	Logger    *zap.Logger
	DriverID  int
	BatchSize int
}

// Spec describes one operator of a pipeline. New is called once per driver.
type Spec struct {
	Kind string
	New  func(octx *Context) (Operator, error)
}

// releaseAll releases batches owned by the caller
func releaseAll(recs []arrow.Record) {
	for _, r := range recs {
		r.Release()
	}
}
