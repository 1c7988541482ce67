// Package exec runs a task: the pipelines of a plan, each executed by one
// or more drivers in parallel. A driver owns one instance of every
// operator in its pipeline and pushes batches from the pipeline's source
// through the chain.
//
// The task builds its whole pool tree before any driver starts, so a
// diagnostic rendered by the first failing reservation always sees every
// driver of the task:
//
//	query
//	└── pipe.{pipeline}
//	    └── driver.{driver}
//	        └── {OperatorKind}.{position in chain}
package exec

import (
	"github.com/ajitpratap0/memcap/internal/operators"
	"github.com/ajitpratap0/memcap/pkg/errors"
)

// Pipeline is an operator chain. The first operator must be a source.
type Pipeline struct {
	Operators []operators.Spec
	// Drivers is the number of parallel drivers; 0 uses TaskConfig.MaxDrivers
	Drivers int
}

// Plan is the set of pipelines of a task. All pipelines run concurrently.
type Plan struct {
	Pipelines []Pipeline
}

// NewPlan creates a plan of a single pipeline
func NewPlan(drivers int, specs ...operators.Spec) *Plan {
	return &Plan{Pipelines: []Pipeline{{Operators: specs, Drivers: drivers}}}
}

// Validate checks the plan's structure
func (p *Plan) Validate() error {
	if p == nil || len(p.Pipelines) == 0 {
		return errors.New(errors.ErrorTypeValidation, "plan has no pipelines")
	}
	for i, pipe := range p.Pipelines {
		if len(pipe.Operators) == 0 {
			return errors.Newf(errors.ErrorTypeValidation, "pipeline %d has no operators", i)
		}
		if pipe.Drivers < 0 {
			return errors.Newf(errors.ErrorTypeValidation, "pipeline %d has negative driver count", i)
		}
		for j, spec := range pipe.Operators {
			if spec.New == nil || spec.Kind == "" {
				return errors.Newf(errors.ErrorTypeValidation, "pipeline %d operator %d is incomplete", i, j)
			}
		}
	}
	return nil
}

func (p Pipeline) drivers(maxDrivers int) int {
	if p.Drivers > 0 {
		return p.Drivers
	}
	if maxDrivers > 0 {
		return maxDrivers
	}
	return 1
}
