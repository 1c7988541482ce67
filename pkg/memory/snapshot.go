package memory

import (
	"fmt"
	"sort"
	"strings"

	"github.com/ajitpratap0/memcap/pkg/json"
)

// Stats aggregates the used bytes of a group of operator instances.
type Stats struct {
	Sum   int64 `json:"sum_bytes"`
	Min   int64 `json:"min_bytes"`
	Max   int64 `json:"max_bytes"`
	Count int   `json:"count"`
}

func (s *Stats) add(bytes int64) {
	if s.Count == 0 || bytes < s.Min {
		s.Min = bytes
	}
	if s.Count == 0 || bytes > s.Max {
		s.Max = bytes
	}
	s.Sum += bytes
	s.Count++
}

// PipelineStats is the operator aggregate of one pipeline across its drivers.
type PipelineStats struct {
	Index int `json:"index"`
	Stats
}

// OperatorStats is the aggregate of every instance of one operator kind.
type OperatorStats struct {
	Kind string `json:"kind"`
	Stats
}

// ScopeUsage is the usage of a single operator instance.
type ScopeUsage struct {
	Path  string `json:"path"`
	Bytes int64  `json:"bytes"`
}

// Snapshot is a point-in-time aggregate of a query's pool tree. It is
// built from live counters that other drivers may still be changing, so
// the figures are consistent per pool but not across pools.
type Snapshot struct {
	QueryID    string          `json:"query_id"`
	TotalBytes int64           `json:"total_bytes"`
	PeakBytes  int64           `json:"peak_bytes"`
	Pipelines  []PipelineStats `json:"pipelines"`
	Operators  []OperatorStats `json:"operators"`
	Drivers    int             `json:"drivers"`
	TopUsages  []ScopeUsage    `json:"top_usages"`
}

// TakeSnapshot walks the tree below root and aggregates operator usage per
// pipeline and per operator kind. Pipelines are ordered by index, operator
// kinds lexically, and the top usages by bytes descending then path.
// Only operator pools are ranked; pipeline and driver pools hold nothing of
// their own.
func TakeSnapshot(root *Pool) *Snapshot {
	tracker := root.Tracker()
	s := &Snapshot{
		QueryID:    root.QueryID(),
		TotalBytes: tracker.CurrentBytes(),
		PeakBytes:  tracker.PeakBytes(),
	}

	pipelines := make(map[int]*Stats)
	kinds := make(map[string]*Stats)
	var ranked []ScopeUsage

	stack := []*Pool{root}
	for len(stack) > 0 {
		p := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		p.mu.Lock()
		used := p.used
		children := make([]*Pool, len(p.children))
		copy(children, p.children)
		p.mu.Unlock()

		for i := len(children) - 1; i >= 0; i-- {
			stack = append(stack, children[i])
		}

		switch p.kind {
		case ScopePipeline:
			if _, ok := pipelines[p.pipeline]; !ok {
				pipelines[p.pipeline] = &Stats{}
			}
		case ScopeDriver:
			s.Drivers++
		case ScopeOperator:
			ps, ok := pipelines[p.pipeline]
			if !ok {
				ps = &Stats{}
				pipelines[p.pipeline] = ps
			}
			ps.add(used)
			ks, ok := kinds[p.opKind]
			if !ok {
				ks = &Stats{}
				kinds[p.opKind] = ks
			}
			ks.add(used)
			ranked = append(ranked, ScopeUsage{Path: p.path, Bytes: used})
		}
	}

	for idx, st := range pipelines {
		s.Pipelines = append(s.Pipelines, PipelineStats{Index: idx, Stats: *st})
	}
	sort.Slice(s.Pipelines, func(i, j int) bool { return s.Pipelines[i].Index < s.Pipelines[j].Index })

	for kind, st := range kinds {
		s.Operators = append(s.Operators, OperatorStats{Kind: kind, Stats: *st})
	}
	sort.Slice(s.Operators, func(i, j int) bool { return s.Operators[i].Kind < s.Operators[j].Kind })

	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].Bytes != ranked[j].Bytes {
			return ranked[i].Bytes > ranked[j].Bytes
		}
		return ranked[i].Path < ranked[j].Path
	})
	n := root.query.topN
	if n > len(ranked) {
		n = len(ranked)
	}
	s.TopUsages = ranked[:n]
	return s
}

// Render produces the cap-exceeded diagnostic. failed is the pool whose
// reservation was rejected.
func (s *Snapshot) Render(ceiling, requested int64, failed *Pool) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Exceeded memory cap of %s when requesting %s.\n", FormatBytes(ceiling), FormatBytes(requested))
	fmt.Fprintf(&b, "query.: total: %s\n", FormatBytes(s.TotalBytes))
	fmt.Fprintf(&b, "query.: %d drivers in %d pipelines\n", s.Drivers, len(s.Pipelines))
	for _, p := range s.Pipelines {
		fmt.Fprintf(&b, "pipe.%d: %s in %d operators, min %s, max %s\n",
			p.Index, FormatBytes(p.Sum), p.Count, FormatBytes(p.Min), FormatBytes(p.Max))
	}
	for _, op := range s.Operators {
		fmt.Fprintf(&b, "op.%s: %s in %d instances, min %s, max %s\n",
			op.Kind, FormatBytes(op.Sum), op.Count, FormatBytes(op.Min), FormatBytes(op.Max))
	}
	if failed != nil {
		fmt.Fprintf(&b, "Failed Operator: %s: %s\n", failedLabel(failed), FormatBytes(failed.UsedBytes()))
	}
	b.WriteString("Top memory usages:")
	for _, u := range s.TopUsages {
		fmt.Fprintf(&b, "\n  %s: %s", u.Path, FormatBytes(u.Bytes))
	}
	return b.String()
}

// MarshalIndent encodes the snapshot for human consumption
func (s *Snapshot) MarshalIndent() ([]byte, error) {
	return json.MarshalIndent(s, "", "  ")
}

func failedLabel(p *Pool) string {
	if p.kind != ScopeOperator {
		return p.name
	}
	return fmt.Sprintf("%s.%d", p.opKind, p.driverID)
}
