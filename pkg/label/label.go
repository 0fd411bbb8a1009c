package label

import (
	"errors"
	"fmt"
	"strings"

	gzlabel "github.com/bazelbuild/bazel-gazelle/label"
)

// ErrInvalidLabelFormat is returned when a string is not a canonical,
// absolute Bazel label.
var ErrInvalidLabelFormat = errors.New("invalid label format")

// Label identifies a build target (e.g., "//tulsi_test:Application").
// Labels are comparable and safe to use as map keys.
type Label struct {
	Repo string // External repository name, empty for the main workspace
	Pkg  string // Package path without leading slashes (e.g., "tulsi_test/sub")
	Name string // Target name
}

// Parse parses an absolute label of the form "//pkg:name" or
// "@repo//pkg:name". The target separator is required; shorthand forms like
// "//pkg" and relative forms like ":name" are rejected.
func Parse(s string) (Label, error) {
	if strings.HasPrefix(s, "@@") {
		return Label{}, fmt.Errorf("%w: %q: canonical repository names are not supported", ErrInvalidLabelFormat, s)
	}

	slashes := strings.Index(s, "//")
	if slashes < 0 || (slashes > 0 && s[0] != '@') {
		return Label{}, fmt.Errorf("%w: %q: label must be absolute", ErrInvalidLabelFormat, s)
	}
	if !strings.Contains(s[slashes:], ":") {
		return Label{}, fmt.Errorf("%w: %q: missing package/target separator", ErrInvalidLabelFormat, s)
	}

	parsed, err := gzlabel.Parse(s)
	if err != nil {
		return Label{}, fmt.Errorf("%w: %v", ErrInvalidLabelFormat, err)
	}

	l := Label{Repo: parsed.Repo, Pkg: parsed.Pkg, Name: parsed.Name}

	if l.Pkg != "" {
		if reason := badSegment(l.Pkg); reason != "" {
			return Label{}, fmt.Errorf("%w: %q: package %s", ErrInvalidLabelFormat, s, reason)
		}
	}
	if reason := badSegment(l.Name); reason != "" {
		return Label{}, fmt.Errorf("%w: %q: target name %s", ErrInvalidLabelFormat, s, reason)
	}

	// Anything that would not print back as itself ("@//pkg:name",
	// trailing slashes and the like) is not canonical.
	if l.String() != s {
		return Label{}, fmt.Errorf("%w: %q: not in canonical form (want %q)", ErrInvalidLabelFormat, s, l.String())
	}

	return l, nil
}

// badSegment checks a package path or target name against Bazel's path
// rules and describes the first violation, or returns "".
func badSegment(p string) string {
	if strings.HasSuffix(p, "/") {
		return "ends with '/'"
	}
	for _, seg := range strings.Split(p, "/") {
		switch seg {
		case "":
			return "has an empty segment"
		case ".", "..":
			return fmt.Sprintf("has a %q segment", seg)
		}
	}
	return ""
}

// Canonicalize rewrites a dependency label string to the form Parse accepts
// where the meaning is unambiguous: "@@//pkg:x" and "@//pkg:x" both name the
// main repository and become "//pkg:x". Other strings are returned unchanged.
func Canonicalize(s string) string {
	for _, prefix := range []string{"@@//", "@//"} {
		if rest, ok := strings.CutPrefix(s, prefix); ok {
			if l, err := Parse("//" + rest); err == nil {
				return l.String()
			}
			return s
		}
	}
	return s
}

// MustParse is like Parse but panics on error. Intended for literals.
func MustParse(s string) Label {
	l, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return l
}

// String returns the canonical form of the label.
func (l Label) String() string {
	var sb strings.Builder
	if l.Repo != "" {
		sb.WriteString("@")
		sb.WriteString(l.Repo)
	}
	sb.WriteString("//")
	sb.WriteString(l.Pkg)
	sb.WriteString(":")
	sb.WriteString(l.Name)
	return sb.String()
}

// Package returns the package part of the label (e.g., "//tulsi_test").
func (l Label) Package() string {
	if l.Repo != "" {
		return "@" + l.Repo + "//" + l.Pkg
	}
	return "//" + l.Pkg
}

// PackageSegments returns the package path split into its segments. The root
// package has no segments.
func (l Label) PackageSegments() []string {
	if l.Pkg == "" {
		return nil
	}
	return strings.Split(l.Pkg, "/")
}

// IsZero reports whether l is the zero Label.
func (l Label) IsZero() bool {
	return l == Label{}
}

// MarshalText implements encoding.TextMarshaler so labels can be used as
// JSON object keys.
func (l Label) MarshalText() ([]byte, error) {
	return []byte(l.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (l *Label) UnmarshalText(text []byte) error {
	parsed, err := Parse(string(text))
	if err != nil {
		return err
	}
	*l = parsed
	return nil
}
