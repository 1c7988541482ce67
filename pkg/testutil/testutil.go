// Package testutil provides testing utilities for memcap
package testutil

import (
	"context"
	"testing"
	"time"

	"github.com/ajitpratap0/memcap/pkg/memory"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
)

// TestLogger creates a test logger that writes to the test output.
// The logger is automatically cleaned up when the test completes.
func TestLogger(t *testing.T) *zap.Logger {
	return zaptest.NewLogger(t)
}

// TestContext creates a test context with a 30-second timeout.
// The caller must call the returned cancel function to avoid leaks.
func TestContext(_ *testing.T) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 30*time.Second)
}

// NewQueryPool creates a query pool logging to the test output. A
// positive capBytes attaches a tracker with all three ceilings set to it.
func NewQueryPool(t *testing.T, queryID string, capBytes int64, opts ...memory.Option) *memory.Pool {
	t.Helper()

	opts = append([]memory.Option{memory.WithLogger(zaptest.NewLogger(t))}, opts...)
	pool := memory.NewQueryPool(queryID, opts...)
	if capBytes > 0 {
		require.NoError(t, pool.SetMemoryUsageTracker(memory.NewUsageTracker(memory.UniformLimits(capBytes))))
	}
	return pool
}

// AssertEventually asserts that a condition becomes true within the specified timeout.
// It checks the condition every 10ms until it succeeds or the timeout expires.
func AssertEventually(t *testing.T, condition func() bool, timeout time.Duration, msg string) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}

	t.Fatalf("condition not met within %v: %s", timeout, msg)
}
