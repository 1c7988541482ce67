package operators

import (
	"context"

	"github.com/ajitpratap0/memcap/pkg/memory"
	"github.com/apache/arrow-go/v18/arrow"
	arrowmem "github.com/apache/arrow-go/v18/arrow/memory"
)

// Predicate decides whether row of the input columns is kept
type Predicate func(cols [][]int64, row int) bool

// Projection computes one output column
type Projection struct {
	Name string
	Eval func(cols [][]int64, row int) int64
}

// Column projects input column i unchanged
func Column(name string, i int) Projection {
	return Projection{Name: name, Eval: func(cols [][]int64, row int) int64 { return cols[i][row] }}
}

// Sum projects the sum of input columns i and j
func Sum(name string, i, j int) Projection {
	return Projection{Name: name, Eval: func(cols [][]int64, row int) int64 { return cols[i][row] + cols[j][row] }}
}

// FilterProject evaluates projections over the rows that pass an optional
// filter. It keeps one output buffer per column that grows to the largest
// batch seen, and accounts that buffer for as long as it lives.
type FilterProject struct {
	pool        *memory.Pool
	alloc       arrowmem.Allocator
	filter      Predicate
	projections []Projection
	schema      *arrow.Schema

	buf      [][]int64
	capacity int
}

// FilterProjectSpec returns the spec of a FilterProject. filter may be nil.
func FilterProjectSpec(filter Predicate, projections ...Projection) Spec {
	names := make([]string, len(projections))
	for i, p := range projections {
		names[i] = p.Name
	}
	schema := Int64Schema(names...)
	return Spec{
		Kind: KindFilterProject,
		New: func(octx *Context) (Operator, error) {
			return &FilterProject{
				pool:        octx.Pool,
				alloc:       octx.Allocator,
				filter:      filter,
				projections: projections,
				schema:      schema,
				buf:         make([][]int64, len(projections)),
			}, nil
		},
	}
}

// Kind implements Operator
func (f *FilterProject) Kind() string { return KindFilterProject }

// AddInput implements Operator
func (f *FilterProject) AddInput(_ context.Context, rec arrow.Record) ([]arrow.Record, error) {
	cols, err := Int64Columns(rec)
	if err != nil {
		return nil, err
	}
	rows := int(rec.NumRows())
	if err := f.ensureCapacity(rows); err != nil {
		return nil, err
	}

	n := 0
	for r := 0; r < rows; r++ {
		if f.filter != nil && !f.filter(cols, r) {
			continue
		}
		for c, p := range f.projections {
			f.buf[c][n] = p.Eval(cols, r)
		}
		n++
	}
	if n == 0 {
		return nil, nil
	}

	out := make([][]int64, len(f.buf))
	for c := range f.buf {
		out[c] = f.buf[c][:n]
	}
	return []arrow.Record{NewInt64Record(f.alloc, f.schema, out)}, nil
}

func (f *FilterProject) ensureCapacity(rows int) error {
	if rows <= f.capacity {
		return nil
	}
	grow := valueBytes((rows - f.capacity) * len(f.projections))
	if err := f.pool.Reserve(grow); err != nil {
		return err
	}
	for c := range f.buf {
		f.buf[c] = make([]int64, rows)
	}
	f.capacity = rows
	return nil
}

// Finish implements Operator
func (f *FilterProject) Finish(context.Context) ([]arrow.Record, error) { return nil, nil }

// Close implements Operator
func (f *FilterProject) Close() error {
	if f.capacity == 0 {
		return nil
	}
	err := f.pool.Release(valueBytes(f.capacity * len(f.projections)))
	f.buf = nil
	f.capacity = 0
	return err
}
