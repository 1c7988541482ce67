package pool

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

type scratch struct {
	vals []int64
}

func TestPoolResetsOnPut(t *testing.T) {
	p := New(func() *scratch { return &scratch{vals: make([]int64, 0, 8)} },
		func(s *scratch) { s.vals = s.vals[:0] })

	s := p.Get()
	s.vals = append(s.vals, 1, 2, 3)
	p.Put(s)

	again := p.Get()
	assert.Empty(t, again.vals)
	p.Put(again)

	allocated, inUse, gets := p.Stats()
	assert.GreaterOrEqual(t, allocated, int64(1))
	assert.Zero(t, inUse)
	assert.Equal(t, int64(2), gets)
}

func TestBucketFor(t *testing.T) {
	tests := []struct {
		n, want int
	}{
		{0, 0},
		{1, 0},
		{64, 0},
		{65, 1},
		{128, 1},
		{1024, 4},
		{1025, 5},
		{1 << 20, maxBucketShift - minBucketShift},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, bucketFor(tt.n), "bucketFor(%d)", tt.n)
	}
}

func TestGetInt64s(t *testing.T) {
	s := GetInt64s(1000)
	assert.Len(t, s, 1000)
	assert.Equal(t, 1024, cap(s))
	PutInt64s(s)

	_, inUse, _ := Int64Stats(1000)
	assert.Zero(t, inUse)

	huge := GetInt64s(1<<20 + 1)
	assert.Len(t, huge, 1<<20+1)
	PutInt64s(huge)

	// foreign slices are dropped
	PutInt64s(make([]int64, 100))
}

func TestGetInt64sConcurrent(t *testing.T) {
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 1000; i++ {
				s := GetInt64s(512)
				for j := range s {
					s[j] = int64(g)
				}
				for j := range s {
					assert.Equal(t, int64(g), s[j])
				}
				PutInt64s(s)
			}
		}(g)
	}
	wg.Wait()
}
