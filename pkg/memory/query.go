package memory

import (
	"sync"
	"sync/atomic"

	"github.com/ajitpratap0/memcap/pkg/errors"
	"github.com/ajitpratap0/memcap/pkg/metrics"
	"go.uber.org/zap"
)

// QueryState is the lifecycle of a query's accounting tree.
type QueryState int32

const (
	// StateRunning accepts reservations
	StateRunning QueryState = iota
	// StateFailing is held while the first violation renders its report
	StateFailing
	// StateAborted is terminal; reservations fail fast, releases are still honored
	StateAborted
)

// String returns the state name
func (s QueryState) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateFailing:
		return "failing"
	case StateAborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// queryState is shared by every pool of one query tree.
type queryState struct {
	id        string
	root      *Pool
	logger    *zap.Logger
	metrics   *metrics.MemoryCollector
	topN      int
	quantized bool

	state atomic.Int32
	cause atomic.Pointer[error]

	mu        sync.Mutex
	listeners []func(error)
}

func (q *queryState) current() QueryState {
	return QueryState(q.state.Load())
}

// admit returns nil while the query is running, otherwise an aborted error
// wrapping the original cause.
func (q *queryState) admit(path string) error {
	if q.current() == StateRunning {
		return nil
	}
	var cause error
	if c := q.cause.Load(); c != nil {
		cause = *c
	}
	var err *errors.Error
	if cause != nil {
		err = errors.Wrap(cause, errors.ErrorTypeAborted, "query aborted")
	} else {
		err = errors.New(errors.ErrorTypeAborted, "query aborted")
	}
	return err.WithDetail("query", q.id).WithDetail("scope", path)
}

// fail moves the query from running to aborted on behalf of the pool whose
// reservation was rejected. Only the first caller renders the report; later
// callers get the aborted error. Must not be called with any pool lock held.
func (q *queryState) fail(failed *Pool, ce *CapExceededError) error {
	if !q.state.CompareAndSwap(int32(StateRunning), int32(StateFailing)) {
		return q.admit(failed.path)
	}

	snap := TakeSnapshot(q.root)
	ce.Snapshot = snap
	ce.Report = snap.Render(ce.Ceiling, ce.Requested, failed)

	q.metrics.ObserveCapExceeded(ce.Type.String())
	q.logger.Warn("memory cap exceeded",
		zap.String("scope", failed.path),
		zap.String("ceiling_scope", ce.Path),
		zap.Int64("ceiling", ce.Ceiling),
		zap.Int64("requested", ce.Requested),
		zap.String("report", ce.Report))

	q.finish(ce)
	return ce
}

// abort moves a running query straight to aborted with an external cause.
func (q *queryState) abort(cause error) bool {
	if !q.state.CompareAndSwap(int32(StateRunning), int32(StateFailing)) {
		return false
	}
	if cause == nil {
		cause = errors.New(errors.ErrorTypeAborted, "query aborted")
	}
	q.logger.Info("query aborted", zap.Error(cause))
	q.finish(cause)
	return true
}

func (q *queryState) finish(cause error) {
	q.cause.Store(&cause)
	q.state.Store(int32(StateAborted))

	q.mu.Lock()
	listeners := q.listeners
	q.listeners = nil
	q.mu.Unlock()

	for _, fn := range listeners {
		fn(cause)
	}
}

func (q *queryState) onAbort(fn func(error)) {
	q.mu.Lock()
	if q.current() != StateAborted {
		q.listeners = append(q.listeners, fn)
		q.mu.Unlock()
		return
	}
	q.mu.Unlock()
	fn(q.err())
}

// publish exports the root's reservation to the metrics collector
func (q *queryState) publish() {
	if q.metrics == nil {
		return
	}
	t := q.root.Tracker()
	q.metrics.SetReservedBytes(t.CurrentBytes(), t.PeakBytes())
}

func (q *queryState) err() error {
	if c := q.cause.Load(); c != nil {
		return *c
	}
	return nil
}
