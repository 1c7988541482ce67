package operators

import (
	"context"
	"sort"

	"github.com/ajitpratap0/memcap/pkg/memory"
	"github.com/ajitpratap0/memcap/pkg/pool"
	"github.com/apache/arrow-go/v18/arrow"
	arrowmem "github.com/apache/arrow-go/v18/arrow/memory"
)

// OrderBy buffers every input row and emits them sorted by one column on
// Finish. The buffered values are accounted as they arrive.
type OrderBy struct {
	pool   *memory.Pool
	alloc  arrowmem.Allocator
	keyCol int
	desc   bool
	batch  int

	schema *arrow.Schema
	cols   [][]int64
	held   int64
}

// OrderBySpec returns the spec of a sort on keyCol
func OrderBySpec(keyCol int, desc bool) Spec {
	return Spec{
		Kind: KindOrderBy,
		New: func(octx *Context) (Operator, error) {
			return &OrderBy{
				pool:   octx.Pool,
				alloc:  octx.Allocator,
				keyCol: keyCol,
				desc:   desc,
				batch:  octx.BatchSize,
			}, nil
		},
	}
}

// Kind implements Operator
func (o *OrderBy) Kind() string { return KindOrderBy }

// AddInput implements Operator
func (o *OrderBy) AddInput(_ context.Context, rec arrow.Record) ([]arrow.Record, error) {
	cols, err := Int64Columns(rec)
	if err != nil {
		return nil, err
	}
	rows := int(rec.NumRows())
	bytes := valueBytes(rows * len(cols))
	if err := o.pool.Reserve(bytes); err != nil {
		return nil, err
	}
	o.held += bytes

	if o.schema == nil {
		o.schema = rec.Schema()
		o.cols = make([][]int64, len(cols))
	}
	for c := range cols {
		o.cols[c] = append(o.cols[c], cols[c]...)
	}
	return nil, nil
}

// Finish implements Operator
func (o *OrderBy) Finish(context.Context) ([]arrow.Record, error) {
	if o.schema == nil {
		return nil, nil
	}
	rows := len(o.cols[o.keyCol])
	idx := make([]int, rows)
	for i := range idx {
		idx[i] = i
	}
	key := o.cols[o.keyCol]
	sort.SliceStable(idx, func(i, j int) bool {
		if o.desc {
			return key[idx[i]] > key[idx[j]]
		}
		return key[idx[i]] < key[idx[j]]
	})

	batch := o.batch
	if batch <= 0 {
		batch = rows
	}
	var out []arrow.Record
	for start := 0; start < rows; start += batch {
		end := start + batch
		if end > rows {
			end = rows
		}
		cols := make([][]int64, len(o.cols))
		for c := range cols {
			cols[c] = pool.GetInt64s(end - start)
			for k, i := range idx[start:end] {
				cols[c][k] = o.cols[c][i]
			}
		}
		out = append(out, NewInt64Record(o.alloc, o.schema, cols))
		for _, col := range cols {
			pool.PutInt64s(col)
		}
	}
	if err := o.Close(); err != nil {
		releaseAll(out)
		return nil, err
	}
	return out, nil
}

// Close implements Operator
func (o *OrderBy) Close() error {
	held := o.held
	o.cols = nil
	o.held = 0
	if held == 0 {
		return nil
	}
	return o.pool.Release(held)
}
