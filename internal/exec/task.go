package exec

import (
	"context"
	"strings"
	"sync/atomic"
	"time"

	"github.com/ajitpratap0/memcap/internal/operators"
	"github.com/ajitpratap0/memcap/pkg/errors"
	"github.com/ajitpratap0/memcap/pkg/logger"
	"github.com/ajitpratap0/memcap/pkg/memory"
	"github.com/ajitpratap0/memcap/pkg/metrics"
	"github.com/ajitpratap0/memcap/pkg/observability"
	arrowmem "github.com/apache/arrow-go/v18/arrow/memory"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// TaskState is the lifecycle state of a task
type TaskState int32

const (
	// TaskPlanned is a task that has not started
	TaskPlanned TaskState = iota
	// TaskRunning is a task whose drivers are running
	TaskRunning
	// TaskFailing is a task whose query is rendering its first failure
	TaskFailing
	// TaskAborted is a task that stopped on an error
	TaskAborted
	// TaskFinished is a task whose drivers all completed
	TaskFinished
)

func (s TaskState) String() string {
	switch s {
	case TaskPlanned:
		return "planned"
	case TaskRunning:
		return "running"
	case TaskFailing:
		return "failing"
	case TaskAborted:
		return "aborted"
	case TaskFinished:
		return "finished"
	default:
		return "unknown"
	}
}

// TaskConfig contains execution settings of a task
type TaskConfig struct {
	// MaxDrivers is the driver count of pipelines that do not set one
	MaxDrivers int
	// BatchSize is the number of rows per output batch of buffering operators
	BatchSize int
	// Allocator backs every Arrow buffer of the task; nil uses the Go allocator
	Allocator arrowmem.Allocator
}

// DefaultTaskConfig returns a single-driver configuration
func DefaultTaskConfig() TaskConfig {
	return TaskConfig{MaxDrivers: 1, BatchSize: 1024}
}

// Task executes a plan against a query pool.
type Task struct {
	id     string
	plan   *Plan
	pool   *memory.Pool
	cfg    TaskConfig
	logger *zap.Logger

	tracer      *observability.TaskTracer
	metrics     *metrics.TaskCollector
	instruments *observability.TaskInstruments

	state   atomic.Int32
	drivers atomic.Int32
}

// NewTask creates a task running plan under the query pool. The task
// adds its pipeline pools to pool and closes them when it returns; the
// query pool itself stays with its owner.
func NewTask(id string, plan *Plan, pool *memory.Pool, cfg TaskConfig, log *zap.Logger) *Task {
	if log == nil {
		log = logger.Get()
	}
	if cfg.Allocator == nil {
		cfg.Allocator = arrowmem.NewGoAllocator()
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 1024
	}
	queryID := ""
	if pool != nil {
		queryID = pool.QueryID()
	}
	log = log.With(zap.String("component", "task"), zap.String("task_id", id))
	instruments, err := observability.NewTaskInstruments()
	if err != nil {
		log.Warn("task instruments unavailable", zap.Error(err))
	}
	return &Task{
		id:          id,
		plan:        plan,
		pool:        pool,
		cfg:         cfg,
		logger:      log,
		tracer:      observability.NewTaskTracer(queryID, id),
		metrics:     metrics.NewTaskCollector(id),
		instruments: instruments,
	}
}

// ID returns the task id
func (t *Task) ID() string {
	return t.id
}

// Drivers returns the number of drivers the task created
func (t *Task) Drivers() int {
	return int(t.drivers.Load())
}

// State returns the task state. While the task runs, a failing or aborted
// query is reported as such.
func (t *Task) State() TaskState {
	s := TaskState(t.state.Load())
	if s != TaskRunning {
		return s
	}
	switch t.pool.State() {
	case memory.StateFailing:
		return TaskFailing
	case memory.StateAborted:
		return TaskAborted
	}
	return s
}

// Run executes the task and blocks until every driver has returned.
//
// The first fatal error of the query is returned verbatim: for a cap
// violation this is the *memory.CapExceededError whose text is the full
// diagnostic. Sibling drivers stop before their next unit of work.
func (t *Task) Run(ctx context.Context) (err error) {
	if err := t.validate(); err != nil {
		return err
	}
	if !t.state.CompareAndSwap(int32(TaskPlanned), int32(TaskRunning)) {
		return errors.Newf(errors.ErrorTypeConflict, "task %s already started", t.id)
	}

	start := time.Now()
	ctx = logger.WithTask(logger.WithQuery(ctx, t.pool.QueryID()), t.id)
	ctx, span := t.tracer.StartTask(ctx)
	defer func() {
		span.RecordResult(err)
		span.End()
	}()

	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	t.pool.OnAbort(func(cause error) { cancel(cause) })

	drivers, pipes, err := t.build()
	if err != nil {
		closeDrivers(drivers)
		closePools(pipes)
		t.finish(TaskAborted)
		return err
	}
	t.drivers.Store(int32(len(drivers)))
	span.SetAttribute("task.drivers", len(drivers))

	t.logger.Info("starting task",
		zap.String("query_id", t.pool.QueryID()),
		zap.Int("pipelines", len(pipes)),
		zap.Int("drivers", len(drivers)),
		zap.Int("batch_size", t.cfg.BatchSize))

	g, gctx := errgroup.WithContext(ctx)
	for _, d := range drivers {
		d := d
		g.Go(func() error {
			t.metrics.DriverStarted()
			defer t.metrics.DriverFinished()
			return t.tracer.TraceDriver(gctx, d.pipeline, d.id, d.run)
		})
	}
	err = g.Wait()

	if cerr := closePools(pipes); err == nil {
		err = cerr
	}
	// the query's first failure wins over whatever a sibling returned
	if qerr := t.pool.Err(); qerr != nil {
		err = qerr
	}

	if err != nil {
		t.pool.Abort(err)
		t.finish(TaskAborted)
		t.instruments.RecordTask(ctx, t.pool.QueryID(), TaskAborted.String(), t.pool.PeakBytes())
		t.logger.Warn("task aborted",
			zap.String("cause", firstLine(err.Error())),
			zap.Duration("duration", time.Since(start)),
			zap.Int64("peak_bytes", t.pool.PeakBytes()))
		return err
	}

	t.finish(TaskFinished)
	t.instruments.RecordTask(ctx, t.pool.QueryID(), TaskFinished.String(), t.pool.PeakBytes())
	t.logger.Info("task completed",
		zap.Duration("duration", time.Since(start)),
		zap.Int64("peak_bytes", t.pool.PeakBytes()),
		zap.String("peak", memory.FormatBytes(t.pool.PeakBytes())))
	return nil
}

func (t *Task) validate() error {
	if t.pool == nil {
		return errors.New(errors.ErrorTypeValidation, "task has no query pool")
	}
	if t.pool.Kind() != memory.ScopeQuery {
		return errors.Newf(errors.ErrorTypeValidation, "task pool %s is not a query pool", t.pool.Path())
	}
	return t.plan.Validate()
}

func (t *Task) finish(s TaskState) {
	t.state.Store(int32(s))
	t.metrics.TaskFinished(s.String())
}

// build creates every pipeline, driver and operator pool and instantiates
// the operators. On error the returned partial state must be closed.
func (t *Task) build() ([]*driver, []*memory.Pool, error) {
	var (
		drivers []*driver
		pipes   []*memory.Pool
	)
	for pi, pipe := range t.plan.Pipelines {
		pipePool, err := t.pool.AddPipeline(pi)
		if err != nil {
			return drivers, pipes, err
		}
		pipes = append(pipes, pipePool)

		for id := 0; id < pipe.drivers(t.cfg.MaxDrivers); id++ {
			d, err := t.newDriver(pipePool, pipe, pi, id)
			if d != nil {
				drivers = append(drivers, d)
			}
			if err != nil {
				return drivers, pipes, err
			}
		}
	}
	return drivers, pipes, nil
}

func (t *Task) newDriver(pipePool *memory.Pool, pipe Pipeline, pipeline, id int) (*driver, error) {
	drvPool, err := pipePool.AddDriver(id)
	if err != nil {
		return nil, err
	}
	d := &driver{
		pipeline: pipeline,
		id:       id,
		pool:     drvPool,
		logger:   t.logger,
	}
	for pos, spec := range pipe.Operators {
		opPool, err := drvPool.AddOperator(spec.Kind, pos)
		if err != nil {
			return d, err
		}
		d.pools = append(d.pools, opPool)
		op, err := spec.New(&operators.Context{
			Pool:      opPool,
			Allocator: t.cfg.Allocator,
			Logger:    t.logger,
			DriverID:  id,
			BatchSize: t.cfg.BatchSize,
		})
		if err != nil {
			return d, errors.Wrap(err, errors.ErrorTypeInternal, "failed to create operator "+opPool.Path())
		}
		d.ops = append(d.ops, op)
	}
	src, ok := d.ops[0].(operators.Source)
	if !ok {
		return d, errors.Newf(errors.ErrorTypeValidation, "pipeline %d starts with %s which is not a source", pipeline, d.ops[0].Kind())
	}
	d.source = src
	return d, nil
}

func closeDrivers(drivers []*driver) {
	for _, d := range drivers {
		_ = d.close()
	}
}

func closePools(pools []*memory.Pool) error {
	var first error
	for _, p := range pools {
		if err := p.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(s, "\n")
	return line
}
