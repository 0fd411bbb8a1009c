package model

import (
	"sort"

	"github.com/ritzau/aspect-graph/pkg/label"
)

// RuleMap is the extracted graph, keyed by label
type RuleMap map[label.Label]*RuleEntry

// Get looks up an entry by label string. Invalid labels are simply absent.
func (m RuleMap) Get(labelString string) (*RuleEntry, bool) {
	l, err := label.Parse(labelString)
	if err != nil {
		return nil, false
	}
	e, ok := m[l]
	return e, ok
}

// Labels returns all labels in the map, sorted by canonical form.
func (m RuleMap) Labels() []label.Label {
	labels := make([]label.Label, 0, len(m))
	for l := range m {
		labels = append(labels, l)
	}
	sort.Slice(labels, func(i, j int) bool {
		return labels[i].String() < labels[j].String()
	})
	return labels
}

// Entries returns all entries sorted by label.
func (m RuleMap) Entries() []*RuleEntry {
	entries := make([]*RuleEntry, 0, len(m))
	for _, l := range m.Labels() {
		entries = append(entries, m[l])
	}
	return entries
}

// UnresolvedCount returns the number of dangling dependency edges.
func (m RuleMap) UnresolvedCount() int {
	count := 0
	for _, e := range m {
		count += len(e.UnresolvedDependencies())
	}
	return count
}
