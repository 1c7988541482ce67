package testutil

import (
	"context"
	"time"

	"github.com/ajitpratap0/memcap/pkg/memory"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
)

// QuerySuite provides a fresh context and logger for every test of a
// suite, and checks that each query pool it created was fully unwound.
type QuerySuite struct {
	suite.Suite
	ctx    context.Context
	cancel context.CancelFunc
	logger *zap.Logger
	pools  []*memory.Pool
}

// SetupTest runs before each test in the suite
func (s *QuerySuite) SetupTest() {
	s.ctx, s.cancel = context.WithTimeout(context.Background(), time.Minute)
	s.logger = zaptest.NewLogger(s.T())
	s.pools = nil
}

// TearDownTest runs after each test in the suite
func (s *QuerySuite) TearDownTest() {
	s.cancel()
	for _, p := range s.pools {
		s.Empty(p.Children(), "query %s left live pipelines", p.QueryID())
		s.Zero(p.CurrentBytes(), "query %s left reserved bytes", p.QueryID())
	}
}

// Context returns the test context
func (s *QuerySuite) Context() context.Context {
	return s.ctx
}

// Logger returns the per-test logger
func (s *QuerySuite) Logger() *zap.Logger {
	return s.logger
}

// NewQueryPool creates a query pool capped at capBytes (0 = unbounded)
// that is checked for leaks when the test ends.
func (s *QuerySuite) NewQueryPool(queryID string, capBytes int64, opts ...memory.Option) *memory.Pool {
	opts = append([]memory.Option{memory.WithLogger(s.logger)}, opts...)
	pool := memory.NewQueryPool(queryID, opts...)
	if capBytes > 0 {
		require.NoError(s.T(), pool.SetMemoryUsageTracker(memory.NewUsageTracker(memory.UniformLimits(capBytes))))
	}
	s.pools = append(s.pools, pool)
	return pool
}
