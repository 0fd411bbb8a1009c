package bazel

import (
	"fmt"
	"strings"

	"github.com/ritzau/aspect-graph/pkg/label"
	"github.com/ritzau/aspect-graph/pkg/model"
)

// ParseTargetSpecs turns command line targets of the form "label" or
// "label=type" into requested entries for the extractor.
func ParseTargetSpecs(specs []string) ([]*model.RuleEntry, error) {
	requested := make([]*model.RuleEntry, 0, len(specs))
	for _, spec := range specs {
		labelPart, ruleType, _ := strings.Cut(strings.TrimSpace(spec), "=")
		l, err := label.Parse(labelPart)
		if err != nil {
			return nil, fmt.Errorf("target %q: %w", spec, err)
		}
		requested = append(requested, model.NewRuleEntry(l, strings.TrimSpace(ruleType)))
	}
	return requested, nil
}
