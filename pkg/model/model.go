package model

import (
	"encoding/json"
	"errors"
	"sort"

	"github.com/ritzau/aspect-graph/pkg/label"
)

// ErrRuleEntryFrozen is returned by RuleEntry mutators once the entry has been
// handed over by the extractor.
var ErrRuleEntryFrozen = errors.New("rule entry is frozen")

// Well-known rule kinds seen in Apple workspaces
const (
	KindApplication = "ios_application"
	KindBinary      = "objc_binary"
	KindLibrary     = "objc_library"
	KindTest        = "ios_test"
)

// AttrTestHost is the attribute holding the label string of a test's host application
const AttrTestHost = "xctest_app"

// RuleEntry is a node in the rule dependency graph.
//
// Entries are built by the aspect parser, linked by the extractor and then
// frozen. Query methods never fail; absent keys yield zero values.
type RuleEntry struct {
	Label label.Label
	Type  string // Rule kind, e.g. "objc_library"

	sourceFiles  map[string]struct{}
	dependencies map[string]*RuleEntry // nil value = unresolved
	depOrder     []string
	attributes   map[string]any
	frozen       bool
}

// NewRuleEntry creates an empty, mutable entry.
func NewRuleEntry(l label.Label, ruleType string) *RuleEntry {
	return &RuleEntry{
		Label:        l,
		Type:         ruleType,
		sourceFiles:  make(map[string]struct{}),
		dependencies: make(map[string]*RuleEntry),
		attributes:   make(map[string]any),
	}
}

// AddSource adds a workspace-relative source path.
func (e *RuleEntry) AddSource(path string) error {
	if e.frozen {
		return ErrRuleEntryFrozen
	}
	e.sourceFiles[path] = struct{}{}
	return nil
}

// AddDependency records a dependency by label string. Main repository
// spellings ("@@//pkg:x", "@//pkg:x") are stored as "//pkg:x". The edge
// stays unresolved until ResolveDependencies finds a matching entry.
func (e *RuleEntry) AddDependency(labelString string) error {
	if e.frozen {
		return ErrRuleEntryFrozen
	}
	labelString = label.Canonicalize(labelString)
	if _, exists := e.dependencies[labelString]; exists {
		return nil
	}
	e.dependencies[labelString] = nil
	e.depOrder = append(e.depOrder, labelString)
	return nil
}

// SetAttribute stores a rule-specific attribute verbatim.
func (e *RuleEntry) SetAttribute(name string, value any) error {
	if e.frozen {
		return ErrRuleEntryFrozen
	}
	e.attributes[name] = value
	return nil
}

// ResolveDependencies links dependency label strings to entries in rules.
// Labels without an entry stay unresolved. Returns the number of
// unresolved dependencies.
func (e *RuleEntry) ResolveDependencies(rules RuleMap) (int, error) {
	if e.frozen {
		return 0, ErrRuleEntryFrozen
	}

	unresolved := 0
	for _, dep := range e.depOrder {
		l, err := label.Parse(dep)
		if err != nil {
			unresolved++
			continue
		}
		target, ok := rules[l]
		if !ok {
			unresolved++
			continue
		}
		e.dependencies[dep] = target
	}
	return unresolved, nil
}

// Freeze makes the entry immutable.
func (e *RuleEntry) Freeze() {
	e.frozen = true
}

// Frozen reports whether Freeze has been called.
func (e *RuleEntry) Frozen() bool {
	return e.frozen
}

// HasSource reports whether path is one of the entry's direct sources.
func (e *RuleEntry) HasSource(path string) bool {
	_, ok := e.sourceFiles[path]
	return ok
}

// Sources returns the direct source files, sorted.
func (e *RuleEntry) Sources() []string {
	srcs := make([]string, 0, len(e.sourceFiles))
	for src := range e.sourceFiles {
		srcs = append(srcs, src)
	}
	sort.Strings(srcs)
	return srcs
}

// SourceCount returns the number of direct source files.
func (e *RuleEntry) SourceCount() int {
	return len(e.sourceFiles)
}

// DependsOn reports whether the entry directly depends on l, resolved or not.
func (e *RuleEntry) DependsOn(l label.Label) bool {
	return e.DependsOnString(l.String())
}

// DependsOnString is DependsOn for a raw label string.
func (e *RuleEntry) DependsOnString(labelString string) bool {
	_, ok := e.dependencies[label.Canonicalize(labelString)]
	return ok
}

// Dependency returns the resolved entry for a dependency. ok is false for
// unknown or unresolved dependencies.
func (e *RuleEntry) Dependency(labelString string) (*RuleEntry, bool) {
	dep := e.dependencies[label.Canonicalize(labelString)]
	return dep, dep != nil
}

// Dependencies returns all direct dependency label strings in the order they
// were declared.
func (e *RuleEntry) Dependencies() []string {
	return append([]string(nil), e.depOrder...)
}

// ResolvedDependencies returns the linked dependency entries in declaration
// order.
func (e *RuleEntry) ResolvedDependencies() []*RuleEntry {
	var deps []*RuleEntry
	for _, dep := range e.depOrder {
		if target := e.dependencies[dep]; target != nil {
			deps = append(deps, target)
		}
	}
	return deps
}

// UnresolvedDependencies returns the dependency label strings that have no
// entry in the graph, in declaration order.
func (e *RuleEntry) UnresolvedDependencies() []string {
	var unresolved []string
	for _, dep := range e.depOrder {
		if e.dependencies[dep] == nil {
			unresolved = append(unresolved, dep)
		}
	}
	return unresolved
}

// Attribute returns a rule-specific attribute.
func (e *RuleEntry) Attribute(name string) (any, bool) {
	v, ok := e.attributes[name]
	return v, ok
}

// StringAttribute returns an attribute if it holds a string.
func (e *RuleEntry) StringAttribute(name string) (string, bool) {
	s, ok := e.attributes[name].(string)
	return s, ok
}

// Attributes returns a copy of the attribute map.
func (e *RuleEntry) Attributes() map[string]any {
	attrs := make(map[string]any, len(e.attributes))
	for k, v := range e.attributes {
		attrs[k] = v
	}
	return attrs
}

// Equivalent reports whether two entries describe the same rule with the
// same sources, dependencies and attributes.
func (e *RuleEntry) Equivalent(other *RuleEntry) bool {
	if e.Label != other.Label || e.Type != other.Type {
		return false
	}
	if len(e.sourceFiles) != len(other.sourceFiles) || len(e.depOrder) != len(other.depOrder) {
		return false
	}
	for src := range e.sourceFiles {
		if !other.HasSource(src) {
			return false
		}
	}
	for _, dep := range e.depOrder {
		if !other.DependsOnString(dep) {
			return false
		}
	}
	a, err := json.Marshal(e.attributes)
	if err != nil {
		return false
	}
	b, err := json.Marshal(other.attributes)
	if err != nil {
		return false
	}
	return string(a) == string(b)
}

func (e *RuleEntry) String() string {
	return e.Type + " " + e.Label.String()
}

type ruleEntryJSON struct {
	Label        string         `json:"label"`
	Type         string         `json:"type"`
	Sources      []string       `json:"srcs,omitempty"`
	Dependencies []string       `json:"deps,omitempty"`
	Unresolved   []string       `json:"unresolvedDeps,omitempty"`
	Attributes   map[string]any `json:"attr,omitempty"`
}

// MarshalJSON renders the entry with sorted sources and attributes.
func (e *RuleEntry) MarshalJSON() ([]byte, error) {
	out := ruleEntryJSON{
		Label:        e.Label.String(),
		Type:         e.Type,
		Sources:      e.Sources(),
		Dependencies: e.Dependencies(),
		Unresolved:   e.UnresolvedDependencies(),
	}
	if len(e.attributes) > 0 {
		out.Attributes = e.Attributes()
	}
	return json.Marshal(out)
}
