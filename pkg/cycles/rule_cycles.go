package cycles

import (
	"sort"
	"strings"

	"github.com/ritzau/aspect-graph/pkg/graph"
)

// Cycle is a set of rules that depend on each other
type Cycle struct {
	Labels []string `json:"labels"` // Sorted canonical labels
}

func (c Cycle) String() string {
	return strings.Join(c.Labels, " <-> ")
}

// FindRuleCycles finds all dependency cycles among the resolved edges of the
// rule graph. A rule that lists itself is reported as a cycle of one.
func FindRuleCycles(rg *graph.RuleGraph) []Cycle {
	tarjan := NewTarjanSCC(rg.Graph())
	sccs := tarjan.FindSCCs()

	cycles := make([]Cycle, 0, len(sccs))
	for _, scc := range sccs {
		labels := make([]string, 0, len(scc))
		for _, nodeID := range scc {
			if l, ok := rg.LabelByID(nodeID); ok {
				labels = append(labels, l.String())
			}
		}
		sort.Strings(labels)
		cycles = append(cycles, Cycle{Labels: labels})
	}

	for _, l := range rg.SelfLoops() {
		cycles = append(cycles, Cycle{Labels: []string{l.String()}})
	}

	sort.Slice(cycles, func(i, j int) bool {
		return cycles[i].Labels[0] < cycles[j].Labels[0]
	})
	return cycles
}
