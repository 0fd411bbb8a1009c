package output

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"

	"github.com/fatih/color"

	"github.com/ritzau/aspect-graph/pkg/bazel"
	"github.com/ritzau/aspect-graph/pkg/cycles"
	"github.com/ritzau/aspect-graph/pkg/model"
)

// Formats accepted by Write
const (
	FormatText = "text"
	FormatJSON = "json"
)

// Write renders an extraction result in the given format
func Write(w io.Writer, format, workspace string, result *bazel.Result) error {
	switch format {
	case FormatText:
		PrintReport(w, workspace, result)
		return nil
	case FormatJSON:
		return WriteJSON(w, result)
	default:
		return fmt.Errorf("unknown output format %q", format)
	}
}

// PrintReport prints a nicely formatted extraction report with colors
func PrintReport(w io.Writer, workspace string, result *bazel.Result) {
	bold := color.New(color.Bold)
	red := color.New(color.FgRed)
	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)
	cyan := color.New(color.FgCyan)

	bold.Fprintln(w, "Aspect Graph - Extraction Report")
	bold.Fprintln(w, "================================")
	fmt.Fprintf(w, "Workspace: %s\n", workspace)
	for _, id := range result.InvocationIDs {
		fmt.Fprintf(w, "Invocation: %s\n", id)
	}
	fmt.Fprintln(w)

	for _, entry := range result.Rules.Entries() {
		bold.Fprintf(w, "%s", entry.Label)
		cyan.Fprintf(w, " (%s)\n", entry.Type)

		for _, src := range entry.Sources() {
			fmt.Fprintf(w, "  src  %s\n", src)
		}
		for _, dep := range entry.Dependencies() {
			if _, ok := entry.Dependency(dep); ok {
				fmt.Fprintf(w, "  dep  %s\n", dep)
			} else {
				yellow.Fprintf(w, "  dep  %s (unresolved)\n", dep)
			}
		}
		for _, name := range sortedKeys(entry.Attributes()) {
			value, _ := entry.Attribute(name)
			fmt.Fprintf(w, "  attr %s = %v\n", name, value)
		}
	}
	fmt.Fprintln(w)

	if len(result.Diagnostics) > 0 {
		red.Fprintln(w, "DIAGNOSTICS:")
		for _, d := range result.Diagnostics {
			yellow.Fprintf(w, "  %s\n", d)
		}
		fmt.Fprintln(w)
	}

	if len(result.Cycles) > 0 {
		red.Fprintln(w, "DEPENDENCY CYCLES:")
		for _, c := range result.Cycles {
			yellow.Fprintf(w, "  %s\n", c)
		}
		fmt.Fprintln(w)
	}

	summaryColor := green
	if result.Rules.UnresolvedCount() > 0 {
		summaryColor = yellow
	}
	if len(result.Diagnostics) > 0 {
		summaryColor = red
	}
	summaryColor.Fprintf(w, "Summary: %d rules, %d unresolved dependencies, %d diagnostics (%dms)\n",
		len(result.Rules), result.Rules.UnresolvedCount(), len(result.Diagnostics), result.Duration.Milliseconds())

	if len(result.Diagnostics) == 0 {
		green.Fprintln(w, "✓ All aspect records were accepted!")
	}
}

// Report is the JSON document written by WriteJSON
type Report struct {
	Rules         []*model.RuleEntry `json:"rules"`
	Diagnostics   []model.Diagnostic `json:"diagnostics"`
	Cycles        []cycles.Cycle     `json:"cycles"`
	InvocationIDs []string           `json:"invocationIds"`
	DurationMs    int64              `json:"durationMs"`
}

// NewReport converts a result into its JSON form. Empty lists are rendered
// as [] rather than null.
func NewReport(result *bazel.Result) Report {
	r := Report{
		Rules:         result.Rules.Entries(),
		Diagnostics:   result.Diagnostics,
		Cycles:        result.Cycles,
		InvocationIDs: result.InvocationIDs,
		DurationMs:    result.Duration.Milliseconds(),
	}
	if r.Diagnostics == nil {
		r.Diagnostics = []model.Diagnostic{}
	}
	if r.Cycles == nil {
		r.Cycles = []cycles.Cycle{}
	}
	if r.InvocationIDs == nil {
		r.InvocationIDs = []string{}
	}
	return r
}

// WriteJSON writes the result as indented JSON
func WriteJSON(w io.Writer, result *bazel.Result) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	encoder.SetEscapeHTML(false)
	return encoder.Encode(NewReport(result))
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
