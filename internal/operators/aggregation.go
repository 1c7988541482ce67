package operators

import (
	"context"

	"github.com/ajitpratap0/memcap/pkg/memory"
	"github.com/ajitpratap0/memcap/pkg/pool"
	"github.com/apache/arrow-go/v18/arrow"
	arrowmem "github.com/apache/arrow-go/v18/arrow/memory"
)

// Accounted sizes of the hash aggregation
const (
	// HashSlotBytes is the size of one slot of the open-addressing table
	HashSlotBytes = 16
	// GroupRowBytes is the size of one group's row in the row container
	GroupRowBytes = 96
	// InitialHashSlots is the table size reserved on the first input
	InitialHashSlots = 1024
)

// Aggregation groups by an int64 key column and sums a value column.
//
// Its accounting follows an open-addressing hash table: the table starts
// at InitialHashSlots and doubles once it would be more than half full.
// The doubled table is reserved before the old one is released, as both
// live during a rehash. Every new group also reserves GroupRowBytes.
type Aggregation struct {
	pool   *memory.Pool
	alloc  arrowmem.Allocator
	keyCol int
	valCol int
	schema *arrow.Schema
	batch  int

	groups map[int64]int64
	order  []int64
	slots  int
}

// AggregationSpec returns the spec of a sum(value) group by key aggregation
func AggregationSpec(keyCol, valCol int) Spec {
	schema := Int64Schema("key", "sum")
	return Spec{
		Kind: KindAggregation,
		New: func(octx *Context) (Operator, error) {
			return &Aggregation{
				pool:   octx.Pool,
				alloc:  octx.Allocator,
				keyCol: keyCol,
				valCol: valCol,
				schema: schema,
				batch:  octx.BatchSize,
				groups: make(map[int64]int64),
			}, nil
		},
	}
}

// Kind implements Operator
func (a *Aggregation) Kind() string { return KindAggregation }

// AddInput implements Operator; output is only produced by Finish
func (a *Aggregation) AddInput(_ context.Context, rec arrow.Record) ([]arrow.Record, error) {
	cols, err := Int64Columns(rec)
	if err != nil {
		return nil, err
	}
	if a.slots == 0 {
		if err := a.pool.Reserve(InitialHashSlots * HashSlotBytes); err != nil {
			return nil, err
		}
		a.slots = InitialHashSlots
	}

	keys, vals := cols[a.keyCol], cols[a.valCol]
	for r := range keys {
		k := keys[r]
		if sum, ok := a.groups[k]; ok {
			a.groups[k] = sum + vals[r]
			continue
		}
		if err := a.addGroup(); err != nil {
			return nil, err
		}
		a.groups[k] = vals[r]
		a.order = append(a.order, k)
	}
	return nil, nil
}

func (a *Aggregation) addGroup() error {
	if len(a.groups)+1 > a.slots/2 {
		grown := a.slots * 2
		if err := a.pool.Reserve(int64(grown) * HashSlotBytes); err != nil {
			return err
		}
		if err := a.pool.Release(int64(a.slots) * HashSlotBytes); err != nil {
			return err
		}
		a.slots = grown
	}
	return a.pool.Reserve(GroupRowBytes)
}

// Groups returns the number of distinct keys seen
func (a *Aggregation) Groups() int {
	return len(a.groups)
}

// Finish implements Operator. Groups are emitted in first-seen order and
// the operator's memory is returned once the output is built.
func (a *Aggregation) Finish(context.Context) ([]arrow.Record, error) {
	var out []arrow.Record
	batch := a.batch
	if batch <= 0 {
		batch = len(a.order)
	}
	for start := 0; start < len(a.order); start += batch {
		end := start + batch
		if end > len(a.order) {
			end = len(a.order)
		}
		keys := a.order[start:end]
		sums := pool.GetInt64s(len(keys))
		for i, k := range keys {
			sums[i] = a.groups[k]
		}
		out = append(out, NewInt64Record(a.alloc, a.schema, [][]int64{keys, sums}))
		pool.PutInt64s(sums)
	}
	if err := a.Close(); err != nil {
		releaseAll(out)
		return nil, err
	}
	return out, nil
}

// Close implements Operator
func (a *Aggregation) Close() error {
	held := int64(a.slots)*HashSlotBytes + int64(len(a.groups))*GroupRowBytes
	a.groups = make(map[int64]int64)
	a.order = nil
	a.slots = 0
	if held == 0 {
		return nil
	}
	return a.pool.Release(held)
}
