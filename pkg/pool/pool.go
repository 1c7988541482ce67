// Package pool provides typed object pooling for scratch buffers that
// operators fill before copying them into Arrow batches.
//
// Pooled buffers are transient: they never hold data past the call that
// builds a batch, so they are not charged to any memory pool.
//
//	buf := pool.GetInt64s(rows)
//	defer pool.PutInt64s(buf)
package pool

import (
	"math/bits"
	"sync"
	"sync/atomic"
)

// Pool is a type-safe wrapper of sync.Pool with an optional reset hook
// and usage statistics.
type Pool[T any] struct {
	pool  sync.Pool
	reset func(T)
	stats struct {
		allocated atomic.Int64
		inUse     atomic.Int64
		gets      atomic.Int64
	}
}

// New creates a pool. reset, if not nil, runs before an object is put back.
func New[T any](newFn func() T, reset func(T)) *Pool[T] {
	p := &Pool[T]{reset: reset}
	p.pool.New = func() interface{} {
		p.stats.allocated.Add(1)
		return newFn()
	}
	return p
}

// Get returns a pooled object or a new one
func (p *Pool[T]) Get() T {
	p.stats.gets.Add(1)
	p.stats.inUse.Add(1)
	return p.pool.Get().(T)
}

// Put returns obj to the pool
func (p *Pool[T]) Put(obj T) {
	if p.reset != nil {
		p.reset(obj)
	}
	p.stats.inUse.Add(-1)
	p.pool.Put(obj)
}

// Stats returns the number of objects created, currently checked out and
// handed out in total. allocated < gets means objects were reused.
func (p *Pool[T]) Stats() (allocated, inUse, gets int64) {
	return p.stats.allocated.Load(), p.stats.inUse.Load(), p.stats.gets.Load()
}

const (
	minBucketShift = 6  // 64 values
	maxBucketShift = 20 // 1M values
)

// int64Buckets holds power-of-two sized slices, one pool per size class
var int64Buckets = func() []*Pool[*[]int64] {
	buckets := make([]*Pool[*[]int64], maxBucketShift-minBucketShift+1)
	for i := range buckets {
		size := 1 << (i + minBucketShift)
		buckets[i] = New(func() *[]int64 {
			s := make([]int64, size)
			return &s
		}, nil)
	}
	return buckets
}()

func bucketFor(n int) int {
	if n <= 1<<minBucketShift {
		return 0
	}
	shift := bits.Len(uint(n - 1))
	return shift - minBucketShift
}

// GetInt64s returns a slice of length n. Its contents are unspecified.
func GetInt64s(n int) []int64 {
	b := bucketFor(n)
	if b >= len(int64Buckets) {
		return make([]int64, n)
	}
	return (*int64Buckets[b].Get())[:n]
}

// PutInt64s returns a slice obtained from GetInt64s
func PutInt64s(s []int64) {
	c := cap(s)
	if c < 1<<minBucketShift || c&(c-1) != 0 {
		return
	}
	b := bucketFor(c)
	if b >= len(int64Buckets) {
		return
	}
	s = s[:c]
	int64Buckets[b].Put(&s)
}

// Int64Stats returns the statistics of the size class serving n values
func Int64Stats(n int) (allocated, inUse, gets int64) {
	b := bucketFor(n)
	if b >= len(int64Buckets) {
		return 0, 0, 0
	}
	return int64Buckets[b].Stats()
}
