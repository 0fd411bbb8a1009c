package bazel

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"slices"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/ritzau/aspect-graph/pkg/config"
	"github.com/ritzau/aspect-graph/pkg/cycles"
	"github.com/ritzau/aspect-graph/pkg/graph"
	"github.com/ritzau/aspect-graph/pkg/label"
	"github.com/ritzau/aspect-graph/pkg/logging"
	"github.com/ritzau/aspect-graph/pkg/model"
)

// ExtractorOptions configures how the build tool is invoked and how its
// output is processed
type ExtractorOptions struct {
	StartupOptions []string
	BuildOptions   []string
	Aspect         string
	OutputGroup    string
	BatchSize      int           // Max labels per invocation, 0 = single invocation
	Workers        int           // Parallel parsers, 0 = GOMAXPROCS
	Timeout        time.Duration // Deadline for the whole extraction, 0 = none
}

// OptionsFromConfig maps the loaded configuration to extractor options
func OptionsFromConfig(cfg *config.Config) ExtractorOptions {
	return ExtractorOptions{
		StartupOptions: cfg.StartupOptions,
		BuildOptions:   cfg.BuildOptions,
		Aspect:         cfg.Aspect,
		OutputGroup:    cfg.OutputGroup,
		BatchSize:      cfg.BatchSize,
		Workers:        cfg.Workers,
		Timeout:        cfg.Timeout,
	}
}

// Result is the outcome of a successful extraction
type Result struct {
	Rules         model.RuleMap
	Diagnostics   []model.Diagnostic
	Cycles        []cycles.Cycle
	InvocationIDs []string // One per batch, in invocation order
	Duration      time.Duration
}

func (r *Result) addDiagnostic(kind model.DiagnosticKind, lbl string, unit int, msg string) {
	r.Diagnostics = append(r.Diagnostics, model.Diagnostic{
		Kind:    kind,
		Label:   lbl,
		Unit:    unit,
		Message: msg,
	})
}

// Stage names a step of an extraction
type Stage string

const (
	StageInvoking  Stage = "invoking"
	StageParsing   Stage = "parsing"
	StageResolving Stage = "resolving"
	StageComplete  Stage = "complete"
)

// Progress reports that an extraction entered a stage. Step counts from 1
// up to Total, which is the number of batches plus three.
type Progress struct {
	Stage   Stage
	Message string
	Step    int
	Total   int
}

// WorkspaceInfoExtractor runs the aspect over a set of requested targets and
// assembles the rule graph from its output
type WorkspaceInfoExtractor struct {
	invoker  Invoker
	parser   *AspectParser
	opts     ExtractorOptions
	newID    func() string
	progress func(Progress)
}

// NewWorkspaceInfoExtractor creates an extractor. A nil parser means one
// without workspace roots.
func NewWorkspaceInfoExtractor(invoker Invoker, parser *AspectParser, opts ExtractorOptions) *WorkspaceInfoExtractor {
	if parser == nil {
		parser = NewAspectParser()
	}
	return &WorkspaceInfoExtractor{
		invoker: invoker,
		parser:  parser,
		opts:    opts,
		newID:   uuid.NewString,
	}
}

// OnProgress registers a callback for stage changes. It is called
// synchronously from Extract.
func (x *WorkspaceInfoExtractor) OnProgress(fn func(Progress)) {
	x.progress = fn
}

func (x *WorkspaceInfoExtractor) report(stage Stage, step, total int, format string, args ...any) {
	if x.progress == nil {
		return
	}
	x.progress(Progress{
		Stage:   stage,
		Message: fmt.Sprintf(format, args...),
		Step:    step,
		Total:   total,
	})
}

// ExtractInfoForTargetRules returns the rule graph reachable from the
// requested entries. Only the label and type of each requested entry are
// used; an empty type matches whatever the build tool reports.
func (x *WorkspaceInfoExtractor) ExtractInfoForTargetRules(ctx context.Context, requested []*model.RuleEntry) (model.RuleMap, error) {
	result, err := x.Extract(ctx, requested)
	if err != nil {
		return nil, err
	}
	return result.Rules, nil
}

// Extract is ExtractInfoForTargetRules with diagnostics, cycles and
// invocation details. On error no partial result is returned.
func (x *WorkspaceInfoExtractor) Extract(ctx context.Context, requested []*model.RuleEntry) (*Result, error) {
	log := logging.New("extractor")
	start := time.Now()

	if x.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, x.opts.Timeout)
		defer cancel()
	}

	result := &Result{Rules: make(model.RuleMap)}

	targets, declared := requestedTargets(requested)
	if len(targets) == 0 {
		log.InfoContext(ctx, "no targets requested")
		return result, nil
	}

	batched := batches(targets, x.opts.BatchSize)
	total := len(batched) + 3

	units, err := x.invokeBatches(ctx, batched, total, result)
	if err != nil {
		return nil, err
	}

	x.report(StageParsing, len(batched)+1, total, "parsing %d aspect records", len(units))
	x.merge(ctx, x.parseUnits(units), declared, result)

	x.report(StageResolving, len(batched)+2, total, "resolving dependencies of %d rules", len(result.Rules))

	// Dependencies can only be linked once every unit is in the map
	unresolved := 0
	for _, entry := range result.Rules.Entries() {
		n, err := entry.ResolveDependencies(result.Rules)
		if err != nil {
			return nil, fmt.Errorf("resolving dependencies of %s: %w", entry.Label, err)
		}
		unresolved += n
	}

	for _, target := range targets {
		if _, ok := result.Rules[target]; !ok {
			log.WarnContext(ctx, "requested target was not analyzed", "label", target.String())
			result.addDiagnostic(model.DiagTargetNotAnalyzed, target.String(), -1,
				"build tool produced no record for requested target")
		}
	}

	result.Cycles = cycles.FindRuleCycles(graph.NewRuleGraph(result.Rules))
	for _, cycle := range result.Cycles {
		log.WarnContext(ctx, "dependency cycle", "labels", cycle.String())
		result.addDiagnostic(model.DiagDependencyCycle, cycle.Labels[0], -1,
			"dependency cycle: "+cycle.String())
	}

	for _, entry := range result.Rules {
		entry.Freeze()
	}

	result.Duration = time.Since(start)
	x.report(StageComplete, total, total, "extracted %d rules", len(result.Rules))
	log.InfoContext(ctx, "extraction complete",
		"rules", len(result.Rules),
		"units", len(units),
		"unresolved", unresolved,
		"diagnostics", len(result.Diagnostics),
		"durationMs", result.Duration.Milliseconds())

	return result, nil
}

// invokeBatches runs the aspect once per batch and concatenates the output
// units in invocation order. Any failing batch aborts the extraction.
func (x *WorkspaceInfoExtractor) invokeBatches(ctx context.Context, batched [][]label.Label, total int, result *Result) ([][]byte, error) {
	log := logging.New("extractor")

	var units [][]byte
	for i, batch := range batched {
		if err := ctx.Err(); err != nil {
			return nil, invocationError(ctx, err)
		}
		x.report(StageInvoking, i+1, total, "running aspect on %d targets (batch %d of %d)", len(batch), i+1, len(batched))

		id := x.newID()
		result.InvocationIDs = append(result.InvocationIDs, id)
		batchCtx := logging.WithInvocationID(ctx, id)

		log.InfoContext(batchCtx, "invoking aspect",
			append(logging.Attrs(batchCtx), "batch", i, "targets", len(batch))...)

		batchUnits, err := x.invoker.Invoke(batchCtx, Invocation{
			InvocationID:   id,
			Targets:        batch,
			StartupOptions: x.opts.StartupOptions,
			BuildOptions:   x.opts.BuildOptions,
			Aspect:         x.opts.Aspect,
			OutputGroup:    x.opts.OutputGroup,
		})
		if err != nil {
			err = invocationError(ctx, err)
			log.ErrorContext(batchCtx, "aspect invocation failed", append(logging.Attrs(batchCtx), "error", err)...)
			return nil, err
		}
		units = append(units, batchUnits...)
	}
	return units, nil
}

type parsedUnit struct {
	entry *model.RuleEntry
	err   error
}

// parseUnits parses all units in parallel into a slice indexed by stream
// position. Parse failures are kept per unit.
func (x *WorkspaceInfoExtractor) parseUnits(units [][]byte) []parsedUnit {
	parsed := make([]parsedUnit, len(units))

	var g errgroup.Group
	g.SetLimit(x.workers())
	for i, unit := range units {
		i, unit := i, unit
		g.Go(func() error {
			entry, _, err := x.parser.Parse(unit)
			parsed[i] = parsedUnit{entry: entry, err: err}
			return nil
		})
	}
	_ = g.Wait()

	return parsed
}

// merge inserts parsed entries in stream order. The first definition of a
// label wins.
func (x *WorkspaceInfoExtractor) merge(ctx context.Context, parsed []parsedUnit, declared map[label.Label][]string, result *Result) {
	log := logging.New("extractor")

	for i, p := range parsed {
		if p.err != nil {
			lbl := ""
			var recErr *RecordError
			if errors.As(p.err, &recErr) {
				lbl = recErr.Label
			}
			log.WarnContext(ctx, "skipping aspect record", "unit", i, "error", p.err)
			result.addDiagnostic(model.DiagMalformedRecord, lbl, i, p.err.Error())
			continue
		}

		entry := p.entry
		if want, ok := typeMatches(declared[entry.Label], entry.Type); !ok {
			err := &RecordError{
				Label:  entry.Label.String(),
				Reason: fmt.Sprintf("requested as %q but reported as %q", want, entry.Type),
			}
			log.WarnContext(ctx, "rejecting aspect record", "unit", i, "error", err)
			result.addDiagnostic(model.DiagMalformedRecord, entry.Label.String(), i, err.Error())
			continue
		}

		if existing, dup := result.Rules[entry.Label]; dup {
			err := fmt.Errorf("%w: %s", ErrDuplicateRuleDefinition, entry.Label)
			if existing.Equivalent(entry) {
				log.DebugContext(ctx, "identical duplicate record", "unit", i, "label", entry.Label.String())
			} else {
				log.WarnContext(ctx, "conflicting duplicate record, keeping first", "unit", i, "error", err)
			}
			result.addDiagnostic(model.DiagDuplicateRule, entry.Label.String(), i, err.Error())
			continue
		}

		log.Log(ctx, logging.LevelTrace, "parsed rule",
			"label", entry.Label.String(),
			"type", entry.Type,
			"srcs", entry.SourceCount(),
			"deps", len(entry.Dependencies()))
		result.Rules[entry.Label] = entry
	}
}

func (x *WorkspaceInfoExtractor) workers() int {
	if x.opts.Workers > 0 {
		return x.opts.Workers
	}
	return runtime.GOMAXPROCS(0)
}

// requestedTargets returns the distinct requested labels in request order and
// the non-empty types each was requested with
func requestedTargets(requested []*model.RuleEntry) ([]label.Label, map[label.Label][]string) {
	var targets []label.Label
	declared := make(map[label.Label][]string)

	for _, r := range requested {
		if r == nil || r.Label.IsZero() {
			continue
		}
		types, seen := declared[r.Label]
		if !seen {
			targets = append(targets, r.Label)
		}
		if r.Type != "" && !slices.Contains(types, r.Type) {
			types = append(types, r.Type)
		}
		declared[r.Label] = types
	}
	return targets, declared
}

// typeMatches checks a reported type against the declared ones and returns
// the first declared type that differs
func typeMatches(declared []string, reported string) (string, bool) {
	for _, t := range declared {
		if t != reported {
			return t, false
		}
	}
	return "", true
}

func batches(targets []label.Label, size int) [][]label.Label {
	if size <= 0 || size >= len(targets) {
		return [][]label.Label{targets}
	}

	var out [][]label.Label
	for start := 0; start < len(targets); start += size {
		end := min(start+size, len(targets))
		out = append(out, targets[start:end])
	}
	return out
}

// invocationError maps an invoker failure to one of the two fatal kinds
func invocationError(ctx context.Context, err error) error {
	if errors.Is(err, ErrBuildToolTimeout) || errors.Is(err, ErrBuildToolInvocationFailed) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrBuildToolTimeout, err)
	}
	return fmt.Errorf("%w: %v", ErrBuildToolInvocationFailed, err)
}
