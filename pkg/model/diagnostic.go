package model

import "fmt"

// DiagnosticKind classifies a non-fatal problem found during extraction
type DiagnosticKind string

const (
	DiagMalformedRecord   DiagnosticKind = "malformed_aspect_record"
	DiagDuplicateRule     DiagnosticKind = "duplicate_rule_definition"
	DiagTargetNotAnalyzed DiagnosticKind = "target_not_analyzed"
	DiagDependencyCycle   DiagnosticKind = "dependency_cycle"
)

// Diagnostic records something that went wrong with part of the aspect
// output without aborting the extraction.
type Diagnostic struct {
	Kind    DiagnosticKind `json:"kind"`
	Label   string         `json:"label,omitempty"` // Rule the diagnostic is about, if known
	Unit    int            `json:"unit"`            // Index of the output unit, -1 if not unit specific
	Message string         `json:"message"`
}

func (d Diagnostic) String() string {
	if d.Label == "" {
		return fmt.Sprintf("%s: %s", d.Kind, d.Message)
	}
	return fmt.Sprintf("%s: %s: %s", d.Kind, d.Label, d.Message)
}
