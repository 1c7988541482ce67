// Package memory implements hierarchical memory accounting and cap
// enforcement for parallel query execution.
//
// A query owns a tree of pools mirroring its execution structure:
//
//	query
//	└── pipe.{index}
//	    └── driver.{id}
//	        └── {OperatorKind}.{operatorID}
//
// Each pool is backed by a UsageTracker node. A reservation made by an
// operator is charged to its node and to every ancestor in a single
// all-or-nothing step; if any ceiling on the path would be exceeded, no
// counter moves and the query aborts with a diagnostic describing the
// whole tree.
//
// # Basic Usage
//
//	root := memory.NewQueryPool("q1", memory.WithLogger(logger))
//	if err := root.SetMemoryUsageTracker(memory.NewUsageTracker(memory.UniformLimits(5 * memory.MB))); err != nil {
//		return err
//	}
//	pipe, _ := root.AddPipeline(0)
//	driver, _ := pipe.AddDriver(0)
//	agg, _ := driver.AddOperator("Aggregation", 2)
//
//	if err := agg.Reserve(64 << 10); err != nil {
//		// *CapExceededError: err.Error() is the full report
//		return err
//	}
//	defer agg.Release(64 << 10)
//
// # Ceilings
//
// A root tracker carries up to three ceilings: user memory, system memory
// and their total. Every reservation that reaches the root is checked
// against the ceiling of its own dimension and against the total ceiling.
//
// # Diagnostic
//
// The first rejected reservation renders the report synchronously:
//
//	Exceeded memory cap of 5.00MB when requesting 2.00MB.
//	query.: total: 5.00MB
//	query.: 1 drivers in 1 pipelines
//	pipe.0: 4.02MB in 5 operators, min 0B, max 4.00MB
//	op.Aggregation: 4.00MB in 1 instances, min 4.00MB, max 4.00MB
//	...
//	Failed Operator: Aggregation.0: 4.00MB
//	Top memory usages:
//	  query/pipe.0/driver.0/Aggregation.2: 4.00MB
//
// After that the query is aborted: every further reservation from any
// driver fails fast, while releases keep working so pools can unwind.
package memory
