package bazel

import (
	"bytes"
	"encoding/json"
	"fmt"
	"path"
	"strings"

	"github.com/ritzau/aspect-graph/pkg/label"
	"github.com/ritzau/aspect-graph/pkg/model"
)

// aspectRecord is the JSON document the aspect writes for every rule it
// visits.
type aspectRecord struct {
	Label string         `json:"label"`
	Type  string         `json:"type"`
	Srcs  []sourceRef    `json:"srcs"`
	Deps  []string       `json:"deps"`
	Attr  map[string]any `json:"attr"`
}

// sourceRef is either a plain path string or a file object with an output
// root for generated sources.
type sourceRef struct {
	Path string `json:"path"`
	Root string `json:"root"`
}

func (s *sourceRef) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		return json.Unmarshal(data, &s.Path)
	}
	type plain sourceRef
	return json.Unmarshal(data, (*plain)(s))
}

// AspectParser turns aspect output units into rule entries. It holds no
// per-unit state and is safe for concurrent use.
type AspectParser struct {
	workspaceRoot string
	executionRoot string
}

// ParserOption configures an AspectParser
type ParserOption func(*AspectParser)

// WithWorkspaceRoot sets the absolute workspace directory that absolute
// source paths are made relative to.
func WithWorkspaceRoot(dir string) ParserOption {
	return func(p *AspectParser) {
		p.workspaceRoot = cleanRoot(dir)
	}
}

// WithExecutionRoot sets Bazel's execution root, the second directory
// absolute source paths are made relative to.
func WithExecutionRoot(dir string) ParserOption {
	return func(p *AspectParser) {
		p.executionRoot = cleanRoot(dir)
	}
}

// NewAspectParser creates a new aspect output parser
func NewAspectParser(opts ...ParserOption) *AspectParser {
	p := &AspectParser{}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Parse decodes one aspect output unit. It returns the rule entry, still
// mutable and with unresolved dependencies, plus the dependency label strings
// in declaration order. Any error wraps ErrMalformedAspectRecord.
func (p *AspectParser) Parse(unit []byte) (*model.RuleEntry, []string, error) {
	var rec aspectRecord

	decoder := json.NewDecoder(bytes.NewReader(unit))
	decoder.UseNumber()
	if err := decoder.Decode(&rec); err != nil {
		return nil, nil, &RecordError{Reason: "invalid JSON", Err: err}
	}
	if decoder.More() {
		return nil, nil, &RecordError{Label: rec.Label, Reason: "trailing data after record"}
	}

	// Label and type come first; nothing else is usable without them
	if rec.Label == "" {
		return nil, nil, &RecordError{Reason: "missing label"}
	}
	if rec.Type == "" {
		return nil, nil, &RecordError{Label: rec.Label, Reason: "missing rule type"}
	}
	l, err := label.Parse(rec.Label)
	if err != nil {
		return nil, nil, &RecordError{Label: rec.Label, Reason: "invalid label", Err: err}
	}

	entry := model.NewRuleEntry(l, rec.Type)

	for _, src := range rec.Srcs {
		if normalized := p.normalizePath(src); normalized != "" {
			entry.AddSource(normalized)
		}
	}

	deps := make([]string, 0, len(rec.Deps))
	seen := make(map[string]bool, len(rec.Deps))
	for _, dep := range rec.Deps {
		dep = strings.TrimSpace(dep)
		if dep == "" || seen[dep] {
			continue
		}
		seen[dep] = true
		deps = append(deps, dep)
		entry.AddDependency(dep)
	}

	// Attributes are kept verbatim; their meaning is up to consumers
	for name, value := range rec.Attr {
		entry.SetAttribute(name, value)
	}

	return entry, deps, nil
}

// normalizePath returns the workspace-relative form of a source reference,
// or "" if the reference carries no path.
func (p *AspectParser) normalizePath(src sourceRef) string {
	if src.Path == "" {
		return ""
	}

	file := src.Path
	if src.Root != "" && !path.IsAbs(file) {
		file = path.Join(src.Root, file)
	}
	file = path.Clean(file)

	if path.IsAbs(file) {
		file = p.relativize(file)
	}
	if file == "." {
		return ""
	}
	return file
}

// relativize strips the workspace or execution root from an absolute path.
// Paths outside both roots are returned unchanged.
func (p *AspectParser) relativize(file string) string {
	for _, root := range []string{p.workspaceRoot, p.executionRoot} {
		if root == "" {
			continue
		}
		if rel, ok := strings.CutPrefix(file, root+"/"); ok {
			return rel
		}
	}
	return file
}

func cleanRoot(dir string) string {
	if dir == "" {
		return ""
	}
	return strings.TrimSuffix(path.Clean(dir), "/")
}

// String describes the parser configuration, for logging
func (p *AspectParser) String() string {
	return fmt.Sprintf("AspectParser{workspace=%q, execroot=%q}", p.workspaceRoot, p.executionRoot)
}
