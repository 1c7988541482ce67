package memory

import (
	"math"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/ajitpratap0/memcap/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTrackerReserveRelease(t *testing.T) {
	root := NewUsageTracker(UniformLimits(10 * MB))
	pipe := root.NewChild("pipe.0", Limits{})
	op := pipe.NewChild("Aggregation.0", Limits{})

	require.NoError(t, op.Reserve(3*MB))
	assert.Equal(t, 3*MB, op.CurrentBytes())
	assert.Equal(t, 3*MB, pipe.CurrentBytes())
	assert.Equal(t, 3*MB, root.CurrentBytes())

	require.NoError(t, op.Release(3*MB))
	assert.Zero(t, op.CurrentBytes())
	assert.Zero(t, pipe.CurrentBytes())
	assert.Zero(t, root.CurrentBytes())
	assert.Equal(t, 3*MB, root.PeakBytes())
}

func TestTrackerRoundTrip(t *testing.T) {
	root := NewUsageTracker(UniformLimits(10 * MB))
	a := root.NewChild("a", Limits{})
	b := root.NewChild("b", Limits{})
	require.NoError(t, a.Reserve(MB))
	require.NoError(t, b.Reserve(2*MB))

	before := []int64{root.CurrentBytes(), a.CurrentBytes(), b.CurrentBytes()}
	require.NoError(t, a.Reserve(1234))
	require.NoError(t, a.Release(1234))
	after := []int64{root.CurrentBytes(), a.CurrentBytes(), b.CurrentBytes()}

	assert.Equal(t, before, after)
}

func TestTrackerRejectsWithoutMutation(t *testing.T) {
	root := NewUsageTracker(UniformLimits(5 * MB))
	driver := root.NewChild("driver.0", Limits{MaxUser: 4 * MB})
	op := driver.NewChild("OrderBy.1", Limits{})

	require.NoError(t, op.Reserve(3*MB))

	err := op.Reserve(2 * MB)
	require.Error(t, err)
	var ce *CapExceededError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, 4*MB, ce.Ceiling)
	assert.Equal(t, 2*MB, ce.Requested)
	assert.Equal(t, "driver.0", ce.Path)
	assert.Equal(t, UserMemory, ce.Type)
	assert.Equal(t, "Exceeded memory cap of 4.00MB when requesting 2.00MB.", ce.Error())
	assert.True(t, errors.IsType(err, errors.ErrorTypeMemCapExceeded))
	assert.False(t, errors.IsRetryable(err))

	assert.Equal(t, 3*MB, op.CurrentBytes())
	assert.Equal(t, 3*MB, driver.CurrentBytes())
	assert.Equal(t, 3*MB, root.CurrentBytes())
}

func TestTrackerAncestorCeilingChecksSiblings(t *testing.T) {
	root := NewUsageTracker(UniformLimits(5 * MB))
	a := root.NewChild("a", Limits{})
	b := root.NewChild("b", Limits{})

	require.NoError(t, a.Reserve(3*MB))
	require.NoError(t, b.Reserve(2*MB))

	var ce *CapExceededError
	require.ErrorAs(t, b.Reserve(1), &ce)
	assert.Equal(t, 5*MB, ce.Ceiling)
	assert.Equal(t, int64(1), ce.Requested)
}

func TestTrackerSystemAndTotalCeilings(t *testing.T) {
	root := NewUsageTracker(Limits{MaxUser: 4 * MB, MaxSystem: 2 * MB, MaxTotal: 5 * MB})
	op := root.NewChild("op", Limits{})

	require.NoError(t, op.ReserveFor(SystemMemory, 2*MB))
	assert.Equal(t, 2*MB, op.CurrentBytesFor(SystemMemory))
	assert.Zero(t, op.CurrentBytesFor(UserMemory))

	var ce *CapExceededError
	require.ErrorAs(t, op.ReserveFor(SystemMemory, 1), &ce)
	assert.Equal(t, SystemMemory, ce.Type)
	assert.Equal(t, 2*MB, ce.Ceiling)

	// user is under its own ceiling but total is not
	require.ErrorAs(t, op.Reserve(4*MB), &ce)
	assert.Equal(t, TotalMemory, ce.Type)
	assert.Equal(t, 5*MB, ce.Ceiling)

	require.NoError(t, op.Reserve(3*MB))
	assert.Equal(t, 5*MB, root.CurrentBytes())
	assert.Equal(t, 5*MB, root.PeakBytesFor(TotalMemory))
	assert.Equal(t, 3*MB, root.PeakBytesFor(UserMemory))

	err := op.ReserveFor(TotalMemory, 1)
	assert.True(t, errors.IsType(err, errors.ErrorTypeValidation))
}

func TestTrackerUnboundedDimensions(t *testing.T) {
	root := NewUsageTracker(Limits{MaxSystem: MB})
	require.NoError(t, root.Reserve(100*GB))
	assert.Error(t, root.ReserveFor(SystemMemory, 2*MB))
	assert.Equal(t, int64(0), Limits{MaxUser: -1}.Get(UserMemory))
}

func TestTrackerDoubleReleaseUnderflows(t *testing.T) {
	root := NewUsageTracker(Limits{})
	op := root.NewChild("Values.0", Limits{})

	require.NoError(t, op.Reserve(4096))
	require.NoError(t, op.Release(4096))

	err := op.Release(4096)
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeReleaseUnderflow))
	assert.True(t, errors.IsFatal(err))
	assert.Zero(t, op.CurrentBytes())
	assert.Zero(t, root.CurrentBytes())
}

func TestTrackerUncappedOverflow(t *testing.T) {
	root := NewUsageTracker(Limits{})
	a := root.NewChild("a", Limits{})
	b := root.NewChild("b", Limits{})

	require.NoError(t, a.Reserve(math.MaxInt64/2+1))
	err := b.Reserve(math.MaxInt64/2 + 1)
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeValidation))
	assert.Zero(t, b.CurrentBytes())
	assert.Equal(t, int64(math.MaxInt64/2+1), root.CurrentBytes())
}

func TestTrackerInvalidArguments(t *testing.T) {
	root := NewUsageTracker(Limits{})
	assert.NoError(t, root.Reserve(0))
	assert.NoError(t, root.Release(0))
	assert.True(t, errors.IsType(root.Reserve(-1), errors.ErrorTypeValidation))
	assert.True(t, errors.IsType(root.Release(-1), errors.ErrorTypeValidation))
}

func TestTrackerPeakIsMonotonic(t *testing.T) {
	root := NewUsageTracker(Limits{})
	rng := rand.New(rand.NewSource(7))

	var held, lastPeak int64
	for i := 0; i < 1000; i++ {
		if held > 0 && rng.Intn(2) == 0 {
			n := rng.Int63n(held) + 1
			require.NoError(t, root.Release(n))
			held -= n
		} else {
			n := rng.Int63n(MB) + 1
			require.NoError(t, root.Reserve(n))
			held += n
		}
		peak := root.PeakBytes()
		assert.GreaterOrEqual(t, peak, lastPeak)
		assert.GreaterOrEqual(t, peak, root.CurrentBytes())
		lastPeak = peak
	}
}

func TestTrackerConcurrentReservationsNeverExceedCeilings(t *testing.T) {
	const (
		rootCap   = 8 * MB
		driverCap = 3 * MB
		drivers   = 8
		opsPerDrv = 3
		rounds    = 2000
	)

	root := NewUsageTracker(UniformLimits(rootCap))
	var nodes, driverNodes []*UsageTracker
	for d := 0; d < drivers; d++ {
		drv := root.NewChild("driver", Limits{MaxUser: driverCap})
		driverNodes = append(driverNodes, drv)
		for o := 0; o < opsPerDrv; o++ {
			nodes = append(nodes, drv.NewChild("op", Limits{}))
		}
	}

	var violations atomic.Int64
	stop := make(chan struct{})
	var watcher sync.WaitGroup
	watcher.Add(1)
	go func() {
		defer watcher.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			if root.CurrentBytes() > rootCap {
				violations.Add(1)
			}
			for _, d := range driverNodes {
				if d.CurrentBytes() > driverCap {
					violations.Add(1)
				}
			}
		}
	}()

	var wg sync.WaitGroup
	for i, n := range nodes {
		wg.Add(1)
		go func(seed int64, n *UsageTracker) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(seed))
			var held int64
			for r := 0; r < rounds; r++ {
				if held > 0 && rng.Intn(3) == 0 {
					assert.NoError(t, n.Release(held))
					held = 0
					continue
				}
				b := rng.Int63n(512*KB) + 1
				if err := n.Reserve(b); err == nil {
					held += b
				}
			}
			assert.NoError(t, n.Release(held))
		}(int64(i), n)
	}
	wg.Wait()
	close(stop)
	watcher.Wait()

	assert.Zero(t, violations.Load())
	assert.Zero(t, root.CurrentBytes())
	assert.LessOrEqual(t, root.PeakBytes(), int64(rootCap))
	for _, d := range driverNodes {
		assert.Zero(t, d.CurrentBytes())
		assert.LessOrEqual(t, d.PeakBytes(), int64(driverCap))
	}
}

func TestUsageTypeString(t *testing.T) {
	assert.Equal(t, "user", UserMemory.String())
	assert.Equal(t, "system", SystemMemory.String())
	assert.Equal(t, "total", TotalMemory.String())
	assert.Equal(t, "unknown", UsageType(9).String())
}
