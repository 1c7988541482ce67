// Package memcap is a hierarchical memory accounting and cap enforcement
// layer for parallel query execution, together with a small Arrow-based
// operator runtime that exercises it.
//
// # Architecture
//
// A query is executed as one or more pipelines, each run by one or more
// drivers. Every driver owns a chain of operators. Memory is accounted on a
// pool tree that mirrors that structure:
//
//	query
//	└── pipe.{index}
//	    └── driver.{id}
//	        └── {OperatorKind}.{operatorID}
//
// Reservations are charged to a leaf and every ancestor atomically. When a
// ceiling would be exceeded nothing is charged, the query is aborted, and
// the error carries a deterministic report of where the memory went.
//
// # Packages
//
//   - pkg/memory: usage trackers, pools, query state and the cap report
//   - internal/operators: Values, FilterProject, Aggregation, OrderBy and CallbackSink
//   - internal/exec: plans, drivers and tasks running them in parallel
//   - pkg/config: YAML/env configuration for caps and logging
//   - pkg/metrics, pkg/observability: Prometheus collectors and OpenTelemetry tracing
//   - cmd/memcap: command line runner for the built-in scenarios
//
// # Quick Start
//
//	root := memory.NewQueryPool("q1")
//	_ = root.SetMemoryUsageTracker(memory.NewUsageTracker(memory.UniformLimits(5 * memory.MB)))
//
//	s, _ := exec.LookupScenario("a")
//	task := exec.NewTask("q1", s.Plan(0, 0, nil), root, exec.DefaultTaskConfig(), logger)
//	if err := task.Run(ctx); err != nil {
//	    var ce *memory.CapExceededError
//	    if errors.As(err, &ce) {
//	        fmt.Println(ce.Report)
//	    }
//	}
//
// Or from the command line:
//
//	memcap run --scenario a --cap 5MB
//	memcap run --scenario b --drivers 10 --snapshot -
package memcap
