package memory

import (
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/ajitpratap0/memcap/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"
)

// newOperatorPool builds query/pipe.0/driver.{driver}/{kind}.{id} and returns the leaf.
func newOperatorPool(t *testing.T, root *Pool, driver int, kind string, id int) *Pool {
	t.Helper()
	var pipe *Pool
	for _, c := range root.Children() {
		if c.Kind() == ScopePipeline && c.PipelineIndex() == 0 {
			pipe = c
		}
	}
	if pipe == nil {
		var err error
		pipe, err = root.AddPipeline(0)
		require.NoError(t, err)
	}
	var drv *Pool
	for _, c := range pipe.Children() {
		if c.DriverID() == driver {
			drv = c
		}
	}
	if drv == nil {
		var err error
		drv, err = pipe.AddDriver(driver)
		require.NoError(t, err)
	}
	op, err := drv.AddOperator(kind, id)
	require.NoError(t, err)
	return op
}

func TestQuantizedSize(t *testing.T) {
	tests := []struct {
		in, want int64
	}{
		{0, 0},
		{1, MB},
		{MB, MB},
		{MB + 1, 2 * MB},
		{16*MB - 1, 16 * MB},
		{16 * MB, 16 * MB},
		{16*MB + 1, 20 * MB},
		{64*MB - 1, 64 * MB},
		{64*MB + 1, 72 * MB},
		{math.MaxInt64 - 8*MB, math.MaxInt64},
		{math.MaxInt64, math.MaxInt64},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, QuantizedSize(tt.in), "QuantizedSize(%d)", tt.in)
	}
}

func TestPoolScopes(t *testing.T) {
	root := NewQueryPool("q-scopes", WithLogger(zaptest.NewLogger(t)))
	op := newOperatorPool(t, root, 3, "Aggregation", 2)

	assert.Equal(t, "query/pipe.0/driver.3/Aggregation.2", op.Path())
	assert.Equal(t, "Aggregation.2", op.Name())
	assert.Equal(t, "Aggregation", op.OperatorKind())
	assert.Equal(t, ScopeOperator, op.Kind())
	assert.Equal(t, 3, op.DriverID())
	assert.Equal(t, 0, op.PipelineIndex())
	assert.Equal(t, "driver.3", op.Parent().Name())
	assert.Equal(t, "q-scopes", op.QueryID())
	assert.Equal(t, ScopeQuery, root.Kind())
	assert.Equal(t, -1, root.DriverID())

	spill, err := op.Parent().AddChild("spill", ScopeDriver)
	require.NoError(t, err)
	assert.Equal(t, "query/pipe.0/driver.3/spill", spill.Path())
	assert.Len(t, op.Parent().Children(), 2)
}

func TestPoolQuantizedReservations(t *testing.T) {
	root := NewQueryPool("q-quantum")
	op := newOperatorPool(t, root, 0, "Project", 1)

	require.NoError(t, op.Reserve(8*KB))
	assert.Equal(t, 8*KB, op.UsedBytes())
	assert.Equal(t, MB, op.CurrentBytes())
	assert.Equal(t, MB, root.CurrentBytes())

	require.NoError(t, op.Reserve(MB))
	assert.Equal(t, MB+8*KB, op.UsedBytes())
	assert.Equal(t, 2*MB, root.CurrentBytes())

	require.NoError(t, op.Release(MB))
	assert.Equal(t, MB, root.CurrentBytes())
	require.NoError(t, op.Release(8*KB))
	assert.Zero(t, root.CurrentBytes())
	assert.Equal(t, 2*MB, root.PeakBytes())
}

func TestPoolExactReservations(t *testing.T) {
	root := NewQueryPool("q-exact", WithQuantizedReservations(false))
	op := newOperatorPool(t, root, 0, "OrderBy", 3)

	require.NoError(t, op.Reserve(1000))
	assert.Equal(t, int64(1000), root.CurrentBytes())
	require.NoError(t, op.Release(1000))
	assert.Zero(t, root.CurrentBytes())
}

func TestPoolReleaseUnderflow(t *testing.T) {
	core, logs := observer.New(zapcore.ErrorLevel)
	root := NewQueryPool("q-underflow", WithLogger(zap.New(core)))
	op := newOperatorPool(t, root, 0, "Values", 0)

	require.NoError(t, op.Reserve(4096))
	require.NoError(t, op.Release(4096))
	err := op.Release(4096)

	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeReleaseUnderflow))
	assert.Zero(t, root.CurrentBytes())
	require.Equal(t, 1, logs.Len())
	entry := logs.All()[0]
	assert.Equal(t, "memory release underflow", entry.Message)
	assert.Equal(t, "query/pipe.0/driver.0/Values.0", entry.ContextMap()["scope"])
	assert.NotEmpty(t, entry.ContextMap()["stack"])
}

func TestSetMemoryUsageTracker(t *testing.T) {
	t.Run("enables ceilings", func(t *testing.T) {
		root := NewQueryPool("q-set")
		require.NoError(t, root.SetMemoryUsageTracker(NewUsageTracker(UniformLimits(2*MB))))
		op := newOperatorPool(t, root, 0, "Aggregation", 0)

		require.NoError(t, op.Reserve(2*MB))
		var ce *CapExceededError
		require.ErrorAs(t, op.Reserve(1), &ce)
		assert.Equal(t, RootName, ce.Path)
	})

	t.Run("nil tracker", func(t *testing.T) {
		root := NewQueryPool("q-nil")
		assert.True(t, errors.IsType(root.SetMemoryUsageTracker(nil), errors.ErrorTypeValidation))
	})

	t.Run("child pool", func(t *testing.T) {
		root := NewQueryPool("q-child")
		pipe, err := root.AddPipeline(0)
		require.NoError(t, err)
		err = pipe.SetMemoryUsageTracker(NewUsageTracker(Limits{}))
		assert.True(t, errors.IsType(err, errors.ErrorTypeConflict))
	})

	t.Run("pool in use", func(t *testing.T) {
		root := NewQueryPool("q-busy")
		_, err := root.AddPipeline(0)
		require.NoError(t, err)
		err = root.SetMemoryUsageTracker(NewUsageTracker(Limits{}))
		assert.True(t, errors.IsType(err, errors.ErrorTypeConflict))
	})

	t.Run("non-root tracker", func(t *testing.T) {
		root := NewQueryPool("q-nonroot")
		child := NewUsageTracker(Limits{}).NewChild("x", Limits{})
		assert.True(t, errors.IsType(root.SetMemoryUsageTracker(child), errors.ErrorTypeConflict))
	})

	t.Run("used tracker", func(t *testing.T) {
		root := NewQueryPool("q-used")
		tr := NewUsageTracker(Limits{})
		require.NoError(t, tr.Reserve(1))
		assert.True(t, errors.IsType(root.SetMemoryUsageTracker(tr), errors.ErrorTypeConflict))
	})
}

func TestPoolClose(t *testing.T) {
	root := NewQueryPool("q-close", WithLogger(zaptest.NewLogger(t)))
	op := newOperatorPool(t, root, 0, "OrderBy", 3)
	drv := op.Parent()
	pipe := drv.Parent()

	require.NoError(t, op.Reserve(3*MB))
	assert.Equal(t, 3*MB, root.CurrentBytes())

	err := drv.Close()
	assert.True(t, errors.IsType(err, errors.ErrorTypeConflict))
	assert.False(t, drv.Closed())

	require.NoError(t, op.Close())
	require.NoError(t, op.Close())
	assert.True(t, op.Closed())
	assert.Zero(t, root.CurrentBytes())
	assert.Empty(t, drv.Children())
	assert.Zero(t, drv.Tracker().Children())

	assert.True(t, errors.IsType(op.Reserve(1), errors.ErrorTypeConflict))

	require.NoError(t, drv.Close())
	require.NoError(t, pipe.Close())
	require.NoError(t, root.Close())

	_, err = root.AddPipeline(1)
	assert.True(t, errors.IsType(err, errors.ErrorTypeConflict))
}

func TestPoolCapViolationAbortsQuery(t *testing.T) {
	root := NewQueryPool("q-abort", WithLogger(zaptest.NewLogger(t)))
	require.NoError(t, root.SetMemoryUsageTracker(NewUsageTracker(UniformLimits(2*MB))))
	a := newOperatorPool(t, root, 0, "Aggregation", 0)
	b := newOperatorPool(t, root, 1, "Aggregation", 0)

	var fired atomic.Int32
	root.OnAbort(func(error) { fired.Add(1) })

	require.NoError(t, a.Reserve(2*MB))
	err := b.Reserve(10)
	var ce *CapExceededError
	require.ErrorAs(t, err, &ce)
	assert.Contains(t, err.Error(), "Exceeded memory cap of 2.00MB when requesting 1.00MB.")
	assert.Contains(t, err.Error(), "Failed Operator: Aggregation.1: 0B")
	assert.NotNil(t, ce.Snapshot)
	assert.Equal(t, StateAborted, root.State())
	assert.Equal(t, int32(1), fired.Load())
	assert.Same(t, ce, root.Err())

	// siblings fail fast without rendering another report
	err = a.Reserve(1)
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeAborted))
	assert.True(t, errors.IsType(err, errors.ErrorTypeMemCapExceeded))
	assert.Equal(t, int32(1), fired.Load())

	// releases still unwind
	require.NoError(t, a.Release(2*MB))
	assert.Zero(t, root.CurrentBytes())

	var late error
	root.OnAbort(func(err error) { late = err })
	assert.Same(t, ce, late)
}

func TestPoolHugeReservationHitsCap(t *testing.T) {
	root := NewQueryPool("q-huge", WithLogger(zaptest.NewLogger(t)))
	require.NoError(t, root.SetMemoryUsageTracker(NewUsageTracker(UniformLimits(5*MB))))
	op := newOperatorPool(t, root, 0, "Aggregation", 2)

	err := op.Reserve(math.MaxInt64 - 10)
	var ce *CapExceededError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, 5*MB, ce.Ceiling)
	assert.Zero(t, op.UsedBytes())
	assert.Zero(t, root.CurrentBytes())
	assert.Equal(t, StateAborted, root.State())
}

func TestPoolReservationOverflowingUsage(t *testing.T) {
	for _, quantized := range []bool{true, false} {
		t.Run(fmt.Sprintf("Quantized_%v", quantized), func(t *testing.T) {
			root := NewQueryPool("q-overflow", WithQuantizedReservations(quantized))
			op := newOperatorPool(t, root, 0, "OrderBy", 3)

			require.NoError(t, op.Reserve(math.MaxInt64-MB))
			used, current := op.UsedBytes(), root.CurrentBytes()

			err := op.Reserve(2 * MB)
			require.Error(t, err)
			assert.True(t, errors.IsType(err, errors.ErrorTypeValidation))
			assert.Equal(t, used, op.UsedBytes())
			assert.Equal(t, current, root.CurrentBytes())
			assert.Equal(t, StateRunning, root.State())

			require.NoError(t, op.Release(used))
			assert.Zero(t, root.CurrentBytes())
		})
	}
}

func TestPoolAbort(t *testing.T) {
	root := NewQueryPool("q-cancel")
	op := newOperatorPool(t, root, 0, "Values", 0)
	cause := errors.New(errors.ErrorTypeQuery, "cancelled by user")

	assert.True(t, root.Abort(cause))
	assert.False(t, root.Abort(cause))
	assert.Equal(t, StateAborted, op.State())
	assert.Equal(t, error(cause), root.Err())

	err := op.Reserve(1)
	assert.True(t, errors.IsType(err, errors.ErrorTypeAborted))
	assert.ErrorIs(t, err, cause)
}

func TestPoolConcurrentDriversRespectCap(t *testing.T) {
	const limit = 12 * MB
	root := NewQueryPool("q-stress", WithQuantizedReservations(false))
	require.NoError(t, root.SetMemoryUsageTracker(NewUsageTracker(UniformLimits(limit))))

	var ops []*Pool
	for d := 0; d < 10; d++ {
		ops = append(ops, newOperatorPool(t, root, d, "Aggregation", 0))
	}

	var failures atomic.Int32
	var wg sync.WaitGroup
	for _, op := range ops {
		wg.Add(1)
		go func(op *Pool) {
			defer wg.Done()
			for i := 0; i < 1000; i++ {
				if err := op.Reserve(64 * KB); err != nil {
					if _, ok := err.(*CapExceededError); ok {
						failures.Add(1)
					}
					return
				}
				assert.LessOrEqual(t, root.CurrentBytes(), int64(limit))
			}
		}(op)
	}
	wg.Wait()

	assert.Equal(t, int32(1), failures.Load())
	assert.Equal(t, StateAborted, root.State())
	assert.LessOrEqual(t, root.PeakBytes(), int64(limit))
	assert.Equal(t, int64(limit), root.CurrentBytes())
}

func BenchmarkPoolReserveRelease(b *testing.B) {
	for _, quantized := range []bool{true, false} {
		b.Run(fmt.Sprintf("Quantized_%v", quantized), func(b *testing.B) {
			root := NewQueryPool("bench", WithQuantizedReservations(quantized))
			if err := root.SetMemoryUsageTracker(NewUsageTracker(UniformLimits(GB))); err != nil {
				b.Fatal(err)
			}
			pipe, _ := root.AddPipeline(0)
			drv, _ := pipe.AddDriver(0)
			op, _ := drv.AddOperator("Aggregation", 0)

			b.ResetTimer()
			for i := 0; i < b.N; i++ {
				if err := op.Reserve(96); err != nil {
					b.Fatal(err)
				}
				if err := op.Release(96); err != nil {
					b.Fatal(err)
				}
			}
		})
	}
}

func BenchmarkPoolReserveParallel(b *testing.B) {
	root := NewQueryPool("bench-parallel", WithQuantizedReservations(false))
	if err := root.SetMemoryUsageTracker(NewUsageTracker(UniformLimits(GB))); err != nil {
		b.Fatal(err)
	}
	pipe, _ := root.AddPipeline(0)

	var next atomic.Int32
	b.RunParallel(func(pb *testing.PB) {
		drv, err := pipe.AddDriver(int(next.Add(1)))
		if err != nil {
			b.Error(err)
			return
		}
		op, err := drv.AddOperator("Aggregation", 0)
		if err != nil {
			b.Error(err)
			return
		}
		for pb.Next() {
			if err := op.Reserve(KB); err != nil {
				b.Error(err)
				return
			}
			if err := op.Release(KB); err != nil {
				b.Error(err)
				return
			}
		}
	})
}
