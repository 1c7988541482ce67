package memory

import (
	"fmt"
	"math"
	"sync"

	"github.com/ajitpratap0/memcap/pkg/errors"
	"github.com/ajitpratap0/memcap/pkg/metrics"
	"go.uber.org/zap"
)

// Scope is the level of the execution tree a pool is bound to.
type Scope int

const (
	ScopeQuery Scope = iota
	ScopePipeline
	ScopeDriver
	ScopeOperator
)

// String returns the scope label used in logs and metrics
func (s Scope) String() string {
	switch s {
	case ScopeQuery:
		return "query"
	case ScopePipeline:
		return "pipeline"
	case ScopeDriver:
		return "driver"
	case ScopeOperator:
		return "operator"
	default:
		return "unknown"
	}
}

// RootName is the name of every query pool; it prefixes all scope paths.
const RootName = "query"

// DefaultTopUsages is the number of scopes listed under "Top memory usages:".
const DefaultTopUsages = 3

// Option configures a query pool.
type Option func(*queryState)

// WithLogger sets the logger used by every pool of the query
func WithLogger(logger *zap.Logger) Option {
	return func(q *queryState) {
		if logger != nil {
			q.logger = logger
		}
	}
}

// WithTopUsages sets how many scopes the cap diagnostic ranks
func WithTopUsages(n int) Option {
	return func(q *queryState) {
		if n > 0 {
			q.topN = n
		}
	}
}

// WithQuantizedReservations toggles rounding of tracker reservations to
// QuantizedSize. It is on by default.
func WithQuantizedReservations(enabled bool) Option {
	return func(q *queryState) {
		q.quantized = enabled
	}
}

// WithMetrics attaches a Prometheus collector to the query
func WithMetrics(c *metrics.MemoryCollector) Option {
	return func(q *queryState) {
		q.metrics = c
	}
}

// Pool is the handle a query, pipeline, driver or operator instance uses to
// account memory. Every pool owns one UsageTracker node, child pools own
// child nodes, and all pools of a query share one abort state.
//
// A pool records the exact bytes its owner asked for (UsedBytes) while the
// tracker is charged in quanta, so ancestors always hold at least the sum
// of what their descendants use.
type Pool struct {
	name     string
	path     string
	kind     Scope
	opKind   string
	driverID int
	pipeline int

	parent *Pool
	query  *queryState

	mu       sync.Mutex
	tracker  *UsageTracker
	children []*Pool
	used     int64
	reserved int64
	closed   bool
}

// NewQueryPool creates the root pool of a query. Usage is tracked but no
// ceiling is enforced until SetMemoryUsageTracker attaches a capped tracker.
func NewQueryPool(queryID string, opts ...Option) *Pool {
	q := &queryState{
		id:        queryID,
		logger:    zap.NewNop(),
		topN:      DefaultTopUsages,
		quantized: true,
	}
	for _, opt := range opts {
		opt(q)
	}
	q.logger = q.logger.With(zap.String("query_id", queryID))

	root := &Pool{
		name:     RootName,
		path:     RootName,
		kind:     ScopeQuery,
		driverID: -1,
		pipeline: -1,
		query:    q,
		tracker:  NewUsageTracker(Limits{}),
	}
	root.tracker.path = RootName
	q.root = root
	return root
}

// SetMemoryUsageTracker replaces the tracker behind a query pool. It is the
// configuration entry point for cap enforcement and is only accepted on a
// root pool that has no children and no usage, with an unused root tracker.
func (p *Pool) SetMemoryUsageTracker(t *UsageTracker) error {
	if t == nil {
		return errors.New(errors.ErrorTypeValidation, "usage tracker is nil")
	}
	if p.parent != nil {
		return errors.New(errors.ErrorTypeConflict, "usage tracker can only be set on a query pool").
			WithDetail("scope", p.path)
	}
	if t.Parent() != nil || !t.idle() {
		return errors.New(errors.ErrorTypeConflict, "usage tracker must be an unused root tracker")
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed || len(p.children) > 0 || p.used > 0 || p.reserved > 0 {
		return errors.New(errors.ErrorTypeConflict, "usage tracker cannot be replaced while the query pool is in use").
			WithDetail("children", len(p.children)).
			WithDetail("used", p.used)
	}
	t.path = RootName
	p.tracker = t
	p.query.logger.Debug("usage tracker attached",
		zap.Int64("max_user", t.limits.MaxUser),
		zap.Int64("max_system", t.limits.MaxSystem),
		zap.Int64("max_total", t.limits.MaxTotal))
	return nil
}

// AddChild attaches a generic child scope below p.
func (p *Pool) AddChild(name string, kind Scope) (*Pool, error) {
	return p.addChild(&Pool{name: name, kind: kind, driverID: p.driverID, pipeline: p.pipeline})
}

// AddPipeline attaches the pool of pipeline index to a query pool
func (p *Pool) AddPipeline(index int) (*Pool, error) {
	return p.addChild(&Pool{
		name:     fmt.Sprintf("pipe.%d", index),
		kind:     ScopePipeline,
		driverID: -1,
		pipeline: index,
	})
}

// AddDriver attaches the pool of driver id to a pipeline pool
func (p *Pool) AddDriver(id int) (*Pool, error) {
	return p.addChild(&Pool{
		name:     fmt.Sprintf("driver.%d", id),
		kind:     ScopeDriver,
		driverID: id,
		pipeline: p.pipeline,
	})
}

// AddOperator attaches the pool of one operator instance to a driver pool.
// The operator kind (e.g. "Aggregation") is what the diagnostic groups by.
func (p *Pool) AddOperator(kind string, operatorID int) (*Pool, error) {
	return p.addChild(&Pool{
		name:     fmt.Sprintf("%s.%d", kind, operatorID),
		kind:     ScopeOperator,
		opKind:   kind,
		driverID: p.driverID,
		pipeline: p.pipeline,
	})
}

func (p *Pool) addChild(c *Pool) (*Pool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, errors.New(errors.ErrorTypeConflict, "cannot add child to a closed pool").
			WithDetail("scope", p.path).
			WithDetail("child", c.name)
	}
	c.parent = p
	c.query = p.query
	c.path = p.path + "/" + c.name
	c.tracker = p.tracker.NewChild(c.name, Limits{})
	p.children = append(p.children, c)
	return c, nil
}

// Reserve accounts bytes against this pool and every ancestor. A rejected
// reservation aborts the query and returns a *CapExceededError whose
// message is the full diagnostic; once the query is aborted every
// reservation fails fast with an aborted error.
func (p *Pool) Reserve(bytes int64) error {
	if bytes < 0 {
		return invalidBytes("reservation", bytes)
	}
	if bytes == 0 {
		return nil
	}
	q := p.query
	if err := q.admit(p.path); err != nil {
		q.metrics.ObserveReservation(p.kind.String(), bytes, metrics.StatusAborted)
		return err
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return errors.New(errors.ErrorTypeConflict, "reservation on a closed pool").
			WithDetail("scope", p.path)
	}
	if bytes > math.MaxInt64-p.used {
		used := p.used
		p.mu.Unlock()
		q.metrics.ObserveReservation(p.kind.String(), bytes, metrics.StatusRejected)
		return overflowBytes(p.path, bytes, used)
	}
	used := p.used + bytes
	target := used
	if q.quantized {
		target = QuantizedSize(used)
	}
	if delta := target - p.reserved; delta > 0 {
		if err := p.tracker.Reserve(delta); err != nil {
			p.mu.Unlock()
			q.metrics.ObserveReservation(p.kind.String(), delta, metrics.StatusRejected)
			var ce *CapExceededError
			if errors.As(err, &ce) {
				return q.fail(p, ce)
			}
			return err
		}
		p.reserved = target
	}
	p.used = used
	p.mu.Unlock()

	q.metrics.ObserveReservation(p.kind.String(), bytes, metrics.StatusSuccess)
	q.publish()
	return nil
}

// Release returns bytes previously reserved through this pool. Releasing
// more than the pool uses is a programming error: nothing changes, the
// underflow is logged with its stack and returned.
func (p *Pool) Release(bytes int64) error {
	if bytes < 0 {
		return invalidBytes("release", bytes)
	}
	if bytes == 0 {
		return nil
	}
	q := p.query

	p.mu.Lock()
	if bytes > p.used {
		used := p.used
		p.mu.Unlock()
		err := newUnderflow(p.path, bytes, used)
		q.metrics.ObserveUnderflow()
		q.logger.Error("memory release underflow",
			zap.String("scope", p.path),
			zap.Int64("requested", bytes),
			zap.Int64("used", used),
			zap.String("stack", err.StackString()))
		return err
	}
	used := p.used - bytes
	target := used
	if q.quantized {
		target = QuantizedSize(used)
	}
	if delta := p.reserved - target; delta > 0 {
		if err := p.tracker.Release(delta); err != nil {
			p.mu.Unlock()
			return err
		}
		p.reserved = target
	}
	p.used = used
	p.mu.Unlock()

	q.metrics.ObserveRelease(p.kind.String())
	q.publish()
	return nil
}

// Close returns whatever the pool still holds to every ancestor and
// detaches it from its parent. Children must be closed first. Closing a
// closed pool is a no-op.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	if n := len(p.children); n > 0 {
		p.mu.Unlock()
		err := errors.New(errors.ErrorTypeConflict, "cannot close pool with live children").
			WithDetail("scope", p.path).
			WithDetail("children", n)
		p.query.logger.Error("pool close failed", zap.String("scope", p.path), zap.Error(err))
		return err
	}
	if p.used > 0 {
		p.query.logger.Debug("closing pool with outstanding usage",
			zap.String("scope", p.path),
			zap.Int64("used", p.used))
	}
	if p.reserved > 0 {
		if err := p.tracker.Release(p.reserved); err != nil {
			p.mu.Unlock()
			return err
		}
	}
	p.used = 0
	p.reserved = 0
	p.closed = true
	p.mu.Unlock()

	p.tracker.detach()
	if p.parent != nil {
		p.parent.removeChild(p)
	}
	return nil
}

func (p *Pool) removeChild(c *Pool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, child := range p.children {
		if child == c {
			p.children = append(p.children[:i], p.children[i+1:]...)
			return
		}
	}
}

// Abort aborts the query for a reason other than a cap violation. It
// returns false if the query was already failing or aborted.
func (p *Pool) Abort(cause error) bool {
	return p.query.abort(cause)
}

// OnAbort registers fn to run once when the query aborts. If it already
// has, fn runs immediately with the cause.
func (p *Pool) OnAbort(fn func(error)) {
	p.query.onAbort(fn)
}

// State returns the query's accounting state
func (p *Pool) State() QueryState {
	return p.query.current()
}

// Err returns the cause of the abort, nil while running
func (p *Pool) Err() error {
	return p.query.err()
}

// QueryID returns the id the query pool was created with
func (p *Pool) QueryID() string {
	return p.query.id
}

// Name returns the last path element, e.g. "Aggregation.2"
func (p *Pool) Name() string {
	return p.name
}

// Path returns the slash-separated scope path from the query root
func (p *Pool) Path() string {
	return p.path
}

// Kind returns the scope level of the pool
func (p *Pool) Kind() Scope {
	return p.kind
}

// OperatorKind returns the operator kind of an operator pool, "" otherwise
func (p *Pool) OperatorKind() string {
	return p.opKind
}

// DriverID returns the owning driver id, -1 above driver level
func (p *Pool) DriverID() int {
	return p.driverID
}

// PipelineIndex returns the owning pipeline index, -1 for the query pool
func (p *Pool) PipelineIndex() int {
	return p.pipeline
}

// Parent returns the parent pool, nil for the query pool
func (p *Pool) Parent() *Pool {
	return p.parent
}

// UsedBytes returns the exact bytes reserved through this pool itself
func (p *Pool) UsedBytes() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.used
}

// CurrentBytes returns the bytes charged to this pool's tracker, including descendants
func (p *Pool) CurrentBytes() int64 {
	return p.Tracker().CurrentBytes()
}

// PeakBytes returns the tracker peak
func (p *Pool) PeakBytes() int64 {
	return p.Tracker().PeakBytes()
}

// Tracker returns the tracker node backing the pool
func (p *Pool) Tracker() *UsageTracker {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.tracker
}

// Children returns the live child pools in creation order
func (p *Pool) Children() []*Pool {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*Pool, len(p.children))
	copy(out, p.children)
	return out
}

// Closed reports whether Close has completed
func (p *Pool) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// QuantizedSize rounds a pool's usage up to the amount charged to its
// tracker: 1MB steps below 16MB, 4MB steps below 64MB and 8MB above.
// Sizes within a quantum of math.MaxInt64 saturate at math.MaxInt64.
func QuantizedSize(size int64) int64 {
	if size <= 0 {
		return 0
	}
	var quantum int64
	switch {
	case size < 16*MB:
		quantum = MB
	case size < 64*MB:
		quantum = 4 * MB
	default:
		quantum = 8 * MB
	}
	if size > math.MaxInt64-quantum+1 {
		return math.MaxInt64
	}
	return (size + quantum - 1) / quantum * quantum
}
