package operators

import (
	"context"
	"sync"

	"github.com/ajitpratap0/memcap/pkg/errors"
	"github.com/ajitpratap0/memcap/pkg/pool"
	"github.com/apache/arrow-go/v18/arrow"
	arrowmem "github.com/apache/arrow-go/v18/arrow/memory"
)

// SplitGenerator materializes split i as a batch
type SplitGenerator func(alloc arrowmem.Allocator, split int) arrow.Record

// SplitQueue hands out input splits to the drivers of a pipeline. Each
// split is taken by exactly one driver.
type SplitQueue struct {
	mu    sync.Mutex
	next  int
	total int
	gen   SplitGenerator
}

// NewSplitQueue creates a queue of total splits
func NewSplitQueue(total int, gen SplitGenerator) *SplitQueue {
	return &SplitQueue{total: total, gen: gen}
}

// Take returns the next split index, or false when all were handed out
func (q *SplitQueue) Take() (int, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.next >= q.total {
		return 0, false
	}
	i := q.next
	q.next++
	return i, true
}

// Remaining returns the number of splits not yet taken
func (q *SplitQueue) Remaining() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.total - q.next
}

// Values is a source that emits the batches of the splits it takes from a
// shared queue. It holds no memory of its own.
type Values struct {
	queue *SplitQueue
	alloc arrowmem.Allocator
}

// ValuesSpec returns the spec of a Values source reading from queue
func ValuesSpec(queue *SplitQueue) Spec {
	return Spec{
		Kind: KindValues,
		New: func(octx *Context) (Operator, error) {
			return &Values{queue: queue, alloc: octx.Allocator}, nil
		},
	}
}

// Kind implements Operator
func (v *Values) Kind() string { return KindValues }

// Next implements Source
func (v *Values) Next(ctx context.Context) (arrow.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	split, ok := v.queue.Take()
	if !ok {
		return nil, EOF
	}
	return v.queue.gen(v.alloc, split), nil
}

// AddInput implements Operator; a source accepts no input
func (v *Values) AddInput(context.Context, arrow.Record) ([]arrow.Record, error) {
	return nil, errors.New(errors.ErrorTypeInternal, "values operator does not accept input")
}

// Finish implements Operator
func (v *Values) Finish(context.Context) ([]arrow.Record, error) { return nil, nil }

// Close implements Operator
func (v *Values) Close() error { return nil }

// KeyValueSplits generates splits of rows (key, value) where row r of
// split s has key r + s*stride and value r.
func KeyValueSplits(rows int, stride int64) SplitGenerator {
	schema := Int64Schema("key", "value")
	return func(alloc arrowmem.Allocator, split int) arrow.Record {
		keys, vals := pool.GetInt64s(rows), pool.GetInt64s(rows)
		defer pool.PutInt64s(keys)
		defer pool.PutInt64s(vals)
		for r := 0; r < rows; r++ {
			keys[r] = int64(r) + int64(split)*stride
			vals[r] = int64(r)
		}
		return NewInt64Record(alloc, schema, [][]int64{keys, vals})
	}
}
