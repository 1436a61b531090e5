package playbook

import (
	"fmt"
	"strings"
)

// MissingRef is a requires entry pointing at an operation that was never
// loaded.
type MissingRef struct {
	OperationID string
	MissingID   string
	SourceFile  string
}

func (m MissingRef) String() string {
	return fmt.Sprintf("%s requires missing operation %s (%s)", m.OperationID, m.MissingID, m.SourceFile)
}

// RefReport is the outcome of cross-referencing a set's requires lists.
// Problems here are advisory: a cycle or dangling reference makes ordering
// degenerate but does not stop the set from loading.
type RefReport struct {
	Missing []MissingRef
	Cycles  [][]string
}

// OK reports whether the set's references are clean.
func (r *RefReport) OK() bool {
	return len(r.Missing) == 0 && len(r.Cycles) == 0
}

// Summary renders the report for display.
func (r *RefReport) Summary() string {
	if r.OK() {
		return "all references resolve, no cycles"
	}
	var sb strings.Builder
	for _, m := range r.Missing {
		fmt.Fprintf(&sb, "missing: %s\n", m)
	}
	for i, c := range r.Cycles {
		fmt.Fprintf(&sb, "cycle %d: %s\n", i+1, strings.Join(c, " -> "))
	}
	return strings.TrimRight(sb.String(), "\n")
}

// ValidateRefs checks that every requires entry references a loaded
// operation and reports dependency cycles found by depth-first search.
func (s *Set) ValidateRefs() *RefReport {
	report := &RefReport{}

	for _, id := range s.order {
		def := s.ops[id]
		for _, req := range def.Requires {
			if _, ok := s.ops[req]; !ok {
				report.Missing = append(report.Missing, MissingRef{
					OperationID: id,
					MissingID:   req,
					SourceFile:  def.SourceFile,
				})
			}
		}
	}

	visited := make(map[string]bool)
	var recStack []string

	var dfs func(id string)
	dfs = func(id string) {
		visited[id] = true
		recStack = append(recStack, id)

		for _, req := range s.ops[id].Requires {
			if _, ok := s.ops[req]; !ok {
				continue
			}
			if !visited[req] {
				dfs(req)
				continue
			}
			for i, onStack := range recStack {
				if onStack == req {
					cycle := append(append([]string(nil), recStack[i:]...), req)
					if !containsCycle(report.Cycles, cycle) {
						report.Cycles = append(report.Cycles, cycle)
					}
					break
				}
			}
		}

		recStack = recStack[:len(recStack)-1]
	}

	for _, id := range s.order {
		if !visited[id] {
			dfs(id)
		}
	}
	return report
}

func containsCycle(cycles [][]string, cycle []string) bool {
	for _, c := range cycles {
		if len(c) != len(cycle) {
			continue
		}
		same := true
		for i := range c {
			if c[i] != cycle[i] {
				same = false
				break
			}
		}
		if same {
			return true
		}
	}
	return false
}

// SetStats summarizes a loaded set for display.
type SetStats struct {
	TotalOperations    int
	OperationsWithDeps int
	TotalDependencies  int
	MaxDependencies    int
	MostDependentOp    string
	ByCapability       map[string]int
}

// Stats computes dependency and capability statistics.
func (s *Set) Stats() SetStats {
	stats := SetStats{ByCapability: make(map[string]int)}
	stats.TotalOperations = len(s.ops)

	for _, id := range s.order {
		def := s.ops[id]
		stats.ByCapability[def.Capability]++
		if len(def.Requires) == 0 {
			continue
		}
		stats.OperationsWithDeps++
		stats.TotalDependencies += len(def.Requires)
		if len(def.Requires) > stats.MaxDependencies {
			stats.MaxDependencies = len(def.Requires)
			stats.MostDependentOp = id
		}
	}
	return stats
}
