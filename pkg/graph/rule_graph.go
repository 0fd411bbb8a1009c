package graph

import (
	"sort"

	"gonum.org/v1/gonum/graph"
	"gonum.org/v1/gonum/graph/simple"
	"gonum.org/v1/gonum/graph/traverse"

	"github.com/ritzau/aspect-graph/pkg/label"
	"github.com/ritzau/aspect-graph/pkg/model"
)

// RuleGraph is a directed view of the resolved edges of a RuleMap.
// Unresolved dependencies have no node and are left out.
type RuleGraph struct {
	graph     *simple.DirectedGraph
	labels    map[int64]label.Label // Map from graph ID to label
	ids       map[label.Label]int64 // Map from label to graph ID
	selfLoops []label.Label         // Rules that list themselves as a dependency
}

// NewRuleGraph builds the graph for all entries of rules
func NewRuleGraph(rules model.RuleMap) *RuleGraph {
	rg := &RuleGraph{
		graph:  simple.NewDirectedGraph(),
		labels: make(map[int64]label.Label, len(rules)),
		ids:    make(map[label.Label]int64, len(rules)),
	}

	// Sorted so IDs are stable between runs
	for i, l := range rules.Labels() {
		id := int64(i)
		rg.labels[id] = l
		rg.ids[l] = id
		rg.graph.AddNode(simple.Node(id))
	}

	for l, entry := range rules {
		from := rg.ids[l]
		for _, dep := range entry.ResolvedDependencies() {
			to, ok := rg.ids[dep.Label]
			if !ok {
				continue
			}
			// simple.DirectedGraph does not allow self edges
			if from == to {
				rg.selfLoops = append(rg.selfLoops, l)
				continue
			}
			if !rg.graph.HasEdgeFromTo(from, to) {
				rg.graph.SetEdge(rg.graph.NewEdge(rg.graph.Node(from), rg.graph.Node(to)))
			}
		}
	}
	sortLabels(rg.selfLoops)

	return rg
}

// Graph returns the underlying directed graph
func (rg *RuleGraph) Graph() graph.Directed {
	return rg.graph
}

// LabelByID returns the label of a graph node
func (rg *RuleGraph) LabelByID(id int64) (label.Label, bool) {
	l, ok := rg.labels[id]
	return l, ok
}

// SelfLoops returns the rules that depend on themselves
func (rg *RuleGraph) SelfLoops() []label.Label {
	return append([]label.Label(nil), rg.selfLoops...)
}

// Len returns the number of nodes
func (rg *RuleGraph) Len() int {
	return len(rg.ids)
}

// Labels returns all node labels, sorted
func (rg *RuleGraph) Labels() []label.Label {
	labels := make([]label.Label, 0, len(rg.ids))
	for l := range rg.ids {
		labels = append(labels, l)
	}
	sortLabels(labels)
	return labels
}

// Edges returns all dependency edges as [from, to] pairs, sorted
func (rg *RuleGraph) Edges() [][2]label.Label {
	var edges [][2]label.Label

	iter := rg.graph.Edges()
	for iter.Next() {
		edge := iter.Edge()
		edges = append(edges, [2]label.Label{rg.labels[edge.From().ID()], rg.labels[edge.To().ID()]})
	}

	sort.Slice(edges, func(i, j int) bool {
		a, b := edges[i][0].String(), edges[j][0].String()
		if a != b {
			return a < b
		}
		return edges[i][1].String() < edges[j][1].String()
	})
	return edges
}

// TransitiveDependencies returns every rule reachable from l, excluding l
// itself unless it sits on a cycle through itself. Safe on cyclic graphs.
func (rg *RuleGraph) TransitiveDependencies(l label.Label) []label.Label {
	start, ok := rg.ids[l]
	if !ok {
		return nil
	}

	var deps []label.Label
	bfs := traverse.BreadthFirst{}
	bfs.Walk(rg.graph, rg.graph.Node(start), func(n graph.Node, _ int) bool {
		if n.ID() != start {
			deps = append(deps, rg.labels[n.ID()])
		}
		return false
	})

	// BreadthFirst marks the start node visited, so a path back to it is
	// only visible through its predecessors
	if rg.reaches(deps, start) || rg.isSelfLoop(l) {
		deps = append(deps, l)
	}

	sortLabels(deps)
	return deps
}

// Dependents returns the rules that directly depend on l
func (rg *RuleGraph) Dependents(l label.Label) []label.Label {
	id, ok := rg.ids[l]
	if !ok {
		return nil
	}

	var dependents []label.Label
	iter := rg.graph.To(id)
	for iter.Next() {
		dependents = append(dependents, rg.labels[iter.Node().ID()])
	}
	sortLabels(dependents)
	return dependents
}

func (rg *RuleGraph) reaches(from []label.Label, target int64) bool {
	for _, l := range from {
		if rg.graph.HasEdgeFromTo(rg.ids[l], target) {
			return true
		}
	}
	return false
}

func (rg *RuleGraph) isSelfLoop(l label.Label) bool {
	for _, s := range rg.selfLoops {
		if s == l {
			return true
		}
	}
	return false
}

func sortLabels(labels []label.Label) {
	sort.Slice(labels, func(i, j int) bool {
		return labels[i].String() < labels[j].String()
	})
}
