package exec

import (
	"sort"

	"github.com/ajitpratap0/memcap/internal/operators"
	"github.com/ajitpratap0/memcap/pkg/errors"
	"github.com/ajitpratap0/memcap/pkg/memory"
)

// Scenario is a built-in workload used by the CLI and the tests to drive
// the accounting of a whole task.
type Scenario struct {
	Name        string
	Description string
	// Cap is the default query cap of the scenario
	Cap int64
	// Drivers is the driver count of the scenario's pipeline
	Drivers int
	// Splits is the default number of input batches
	Splits int
	// Stride spaces the keys of consecutive splits
	Stride int64

	build func(s Scenario, splits, rows int, sink operators.SinkFunc) *Plan
}

// Plan builds the scenario's plan over splits input batches of rows rows.
// Non-positive values use the scenario's defaults.
func (s Scenario) Plan(splits, rows int, sink operators.SinkFunc) *Plan {
	if splits <= 0 {
		splits = s.Splits
	}
	if rows <= 0 {
		rows = 1024
	}
	return s.build(s, splits, rows, sink)
}

var scenarios = map[string]Scenario{
	"a": {
		Name:        "a",
		Description: "single driver aggregation over overlapping keys, sorted by key",
		Cap:         5 * memory.MB,
		Drivers:     1,
		Splits:      100,
		Stride:      1000,
		build: func(s Scenario, splits, rows int, sink operators.SinkFunc) *Plan {
			queue := operators.NewSplitQueue(splits, operators.KeyValueSplits(rows, s.Stride))
			return NewPlan(s.Drivers,
				operators.ValuesSpec(queue),
				operators.FilterProjectSpec(nil, operators.Column("key", 0), operators.Sum("total", 0, 1)),
				operators.AggregationSpec(0, 1),
				operators.OrderBySpec(0, false),
				operators.CallbackSinkSpec(sink),
			)
		},
	},
	"b": {
		Name:        "b",
		Description: "parallel drivers aggregating disjoint partitions of a shared split queue",
		Cap:         12 * memory.MB,
		Drivers:     10,
		Splits:      100,
		Stride:      1024,
		build: func(s Scenario, splits, rows int, sink operators.SinkFunc) *Plan {
			queue := operators.NewSplitQueue(splits, operators.KeyValueSplits(rows, s.Stride))
			return NewPlan(s.Drivers,
				operators.ValuesSpec(queue),
				operators.AggregationSpec(0, 1),
				operators.CallbackSinkSpec(sink),
			)
		},
	},
	"sort": {
		Name:        "sort",
		Description: "parallel drivers sorting their partitions by key descending",
		Cap:         16 * memory.MB,
		Drivers:     4,
		Splits:      64,
		Stride:      1024,
		build: func(s Scenario, splits, rows int, sink operators.SinkFunc) *Plan {
			queue := operators.NewSplitQueue(splits, operators.KeyValueSplits(rows, s.Stride))
			even := func(cols [][]int64, row int) bool { return cols[0][row]%2 == 0 }
			return NewPlan(s.Drivers,
				operators.ValuesSpec(queue),
				operators.FilterProjectSpec(even, operators.Column("key", 0), operators.Column("value", 1)),
				operators.OrderBySpec(0, true),
				operators.CallbackSinkSpec(sink),
			)
		},
	},
}

// LookupScenario returns the built-in scenario called name
func LookupScenario(name string) (Scenario, error) {
	s, ok := scenarios[name]
	if !ok {
		return Scenario{}, errors.Newf(errors.ErrorTypeValidation, "unknown scenario %q", name).
			WithDetail("available", ScenarioNames())
	}
	return s, nil
}

// ScenarioNames lists the built-in scenarios
func ScenarioNames() []string {
	names := make([]string, 0, len(scenarios))
	for n := range scenarios {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
