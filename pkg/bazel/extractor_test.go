package bazel

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ritzau/aspect-graph/pkg/config"
	"github.com/ritzau/aspect-graph/pkg/label"
	"github.com/ritzau/aspect-graph/pkg/model"
)

const (
	appLabel  = "//tulsi_test:Application"
	binLabel  = "//tulsi_test:Binary"
	libLabel  = "//tulsi_test:Library"
	testLabel = "//tulsi_test:XCTest"
)

var librarySources = []string{
	"tulsi_test/Library/srcs/main.m",
	"tulsi_test/Library/srcs/path/to/src1.m",
	"tulsi_test/Library/srcs/path/to/src2.m",
	"tulsi_test/Library/srcs/path/to/src3.m",
}

// tulsiUnits is the aspect output for an application whose binary links a
// library, plus a test bundle hosted by the application
func tulsiUnits() [][]byte {
	return [][]byte{
		[]byte(`{"label": "//tulsi_test:Application", "type": "ios_application", "deps": ["//tulsi_test:Binary"]}`),
		[]byte(`{"label": "//tulsi_test:Binary", "type": "objc_binary", "deps": ["//tulsi_test:Library"]}`),
		[]byte(`{"label": "//tulsi_test:Library", "type": "objc_library", "srcs": [
			"tulsi_test/Library/srcs/main.m",
			"tulsi_test/Library/srcs/path/to/src1.m",
			"tulsi_test/Library/srcs/path/to/src2.m",
			"tulsi_test/Library/srcs/path/to/src3.m"]}`),
		[]byte(`{"label": "//tulsi_test:XCTest", "type": "ios_test", "deps": ["//tulsi_test:Library"],
			"attr": {"xctest_app": "//tulsi_test:Application"}}`),
	}
}

func request(specs ...string) []*model.RuleEntry {
	requested, err := ParseTargetSpecs(specs)
	if err != nil {
		panic(err)
	}
	return requested
}

func rule(l, ruleType string, deps ...string) []byte {
	depList := "[]"
	if len(deps) > 0 {
		depList = `["` + deps[0]
		for _, d := range deps[1:] {
			depList += `", "` + d
		}
		depList += `"]`
	}
	return []byte(fmt.Sprintf(`{"label": %q, "type": %q, "deps": %s}`, l, ruleType, depList))
}

func newTestExtractor(invoker Invoker, opts ExtractorOptions) *WorkspaceInfoExtractor {
	x := NewWorkspaceInfoExtractor(invoker, nil, opts)
	n := 0
	x.newID = func() string {
		n++
		return fmt.Sprintf("inv-%d", n)
	}
	return x
}

func TestExtractTulsiScenario(t *testing.T) {
	mock := &MockExecutor{MockUnits: tulsiUnits()}
	x := newTestExtractor(mock, ExtractorOptions{
		Aspect:      "@tulsi//:tulsi/tulsi_aspects.bzl%tulsi_sources_aspect",
		OutputGroup: "tulsi-info",
	})

	result, err := x.Extract(context.Background(),
		request(appLabel+"=ios_application", testLabel+"=ios_test"))
	require.NoError(t, err)

	rules := result.Rules
	require.Len(t, rules, 4)
	assert.Empty(t, result.Diagnostics)
	assert.Empty(t, result.Cycles)

	app, ok := rules.Get(appLabel)
	require.True(t, ok)
	bin, ok := rules.Get(binLabel)
	require.True(t, ok)
	lib, ok := rules.Get(libLabel)
	require.True(t, ok)
	xctest, ok := rules.Get(testLabel)
	require.True(t, ok)

	assert.Equal(t, model.KindApplication, app.Type)
	assert.Equal(t, model.KindBinary, bin.Type)
	assert.Equal(t, model.KindLibrary, lib.Type)
	assert.Equal(t, model.KindTest, xctest.Type)

	assert.True(t, app.DependsOnString(binLabel))
	assert.True(t, bin.DependsOnString(libLabel))
	assert.True(t, xctest.DependsOnString(libLabel))
	assert.False(t, app.DependsOnString(libLabel), "dependencies are direct only")

	dep, ok := bin.Dependency(libLabel)
	require.True(t, ok)
	assert.Same(t, lib, dep)

	assert.Equal(t, librarySources, lib.Sources())
	for _, src := range librarySources {
		assert.True(t, lib.HasSource(src))
	}
	assert.False(t, lib.HasSource("tulsi_test/Library/srcs/path/to/src4.m"))
	assert.Zero(t, app.SourceCount())

	host, ok := xctest.StringAttribute(model.AttrTestHost)
	require.True(t, ok)
	assert.Equal(t, app.Label.String(), host)

	for _, entry := range rules {
		assert.True(t, entry.Frozen(), "%s not frozen", entry.Label)
	}
	assert.ErrorIs(t, lib.AddSource("late.m"), model.ErrRuleEntryFrozen)

	calls := mock.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, []label.Label{label.MustParse(appLabel), label.MustParse(testLabel)}, calls[0].Targets)
	assert.Equal(t, "tulsi-info", calls[0].OutputGroup)
	assert.Equal(t, "@tulsi//:tulsi/tulsi_aspects.bzl%tulsi_sources_aspect", calls[0].Aspect)
	assert.Equal(t, "inv-1", calls[0].InvocationID)
	assert.Equal(t, []string{"inv-1"}, result.InvocationIDs)
}

func TestExtractInfoForTargetRules(t *testing.T) {
	x := newTestExtractor(&MockExecutor{MockUnits: tulsiUnits()}, ExtractorOptions{})

	rules, err := x.ExtractInfoForTargetRules(context.Background(), request(appLabel, testLabel))
	require.NoError(t, err)
	assert.Len(t, rules, 4)

	// The caller owns the map
	delete(rules, label.MustParse(binLabel))
	again, err := x.ExtractInfoForTargetRules(context.Background(), request(appLabel, testLabel))
	require.NoError(t, err)
	assert.Len(t, again, 4)
}

func TestExtractDuplicateRules(t *testing.T) {
	units := [][]byte{
		[]byte(`{"label": "//pkg:lib", "type": "objc_library", "srcs": ["pkg/first.m"]}`),
		[]byte(`{"label": "//pkg:lib", "type": "objc_library", "srcs": ["pkg/first.m"]}`),
		[]byte(`{"label": "//pkg:lib", "type": "objc_library", "srcs": ["pkg/second.m"]}`),
	}
	x := newTestExtractor(&MockExecutor{MockUnits: units}, ExtractorOptions{})

	result, err := x.Extract(context.Background(), request("//pkg:lib"))
	require.NoError(t, err)

	require.Len(t, result.Rules, 1)
	lib, _ := result.Rules.Get("//pkg:lib")
	assert.Equal(t, []string{"pkg/first.m"}, lib.Sources())

	require.Len(t, result.Diagnostics, 2)
	for i, diag := range result.Diagnostics {
		assert.Equal(t, model.DiagDuplicateRule, diag.Kind)
		assert.Equal(t, "//pkg:lib", diag.Label)
		assert.Equal(t, i+1, diag.Unit)
	}
}

func TestExtractFirstDefinitionWinsWithParallelParsing(t *testing.T) {
	var units [][]byte
	for i := 0; i < 200; i++ {
		units = append(units, []byte(fmt.Sprintf(
			`{"label": "//pkg:lib%d", "type": "objc_library", "srcs": ["pkg/%d.m"]}`, i%50, i)))
	}
	x := newTestExtractor(&MockExecutor{MockUnits: units}, ExtractorOptions{Workers: 8})

	result, err := x.Extract(context.Background(), request("//pkg:lib0"))
	require.NoError(t, err)

	require.Len(t, result.Rules, 50)
	for i := 0; i < 50; i++ {
		entry, ok := result.Rules.Get(fmt.Sprintf("//pkg:lib%d", i))
		require.True(t, ok)
		assert.Equal(t, []string{fmt.Sprintf("pkg/%d.m", i)}, entry.Sources())
	}
	assert.Len(t, result.Diagnostics, 150)
}

func TestExtractSkipsMalformedRecords(t *testing.T) {
	units := [][]byte{
		rule(appLabel, model.KindApplication, binLabel),
		[]byte(`{"label": "//tulsi_test:Binary", "type": `),
		[]byte(`{"type": "objc_library"}`),
		rule(libLabel, model.KindLibrary),
	}
	x := newTestExtractor(&MockExecutor{MockUnits: units}, ExtractorOptions{})

	result, err := x.Extract(context.Background(), request(appLabel))
	require.NoError(t, err)

	assert.Len(t, result.Rules, 2)
	require.Len(t, result.Diagnostics, 2)
	assert.Equal(t, model.DiagMalformedRecord, result.Diagnostics[0].Kind)
	assert.Equal(t, 1, result.Diagnostics[0].Unit)
	assert.Equal(t, model.DiagMalformedRecord, result.Diagnostics[1].Kind)
	assert.Equal(t, 2, result.Diagnostics[1].Unit)

	// The binary record was lost, so the edge to it dangles
	app, _ := result.Rules.Get(appLabel)
	assert.Equal(t, []string{binLabel}, app.UnresolvedDependencies())
}

func TestExtractUnresolvedDependency(t *testing.T) {
	units := [][]byte{
		rule(appLabel, model.KindApplication, binLabel, "@pods//AFNetworking:AFNetworking"),
		rule(binLabel, model.KindBinary),
	}
	x := newTestExtractor(&MockExecutor{MockUnits: units}, ExtractorOptions{})

	rules, err := x.ExtractInfoForTargetRules(context.Background(), request(appLabel))
	require.NoError(t, err)

	_, present := rules.Get("@pods//AFNetworking:AFNetworking")
	assert.False(t, present)

	app, _ := rules.Get(appLabel)
	assert.True(t, app.DependsOnString("@pods//AFNetworking:AFNetworking"))
	assert.Equal(t, []string{"@pods//AFNetworking:AFNetworking"}, app.UnresolvedDependencies())
	_, resolved := app.Dependency(binLabel)
	assert.True(t, resolved)
	assert.Equal(t, 1, rules.UnresolvedCount())
}

func TestExtractTypeMismatch(t *testing.T) {
	tests := []struct {
		name      string
		requested []string
		wantRules int
		wantKinds []model.DiagnosticKind
	}{
		{
			name:      "matching type",
			requested: []string{libLabel + "=objc_library"},
			wantRules: 1,
		},
		{
			name:      "empty type matches anything",
			requested: []string{libLabel},
			wantRules: 1,
		},
		{
			name:      "different type rejected",
			requested: []string{libLabel + "=objc_binary"},
			wantRules: 0,
			wantKinds: []model.DiagnosticKind{model.DiagMalformedRecord, model.DiagTargetNotAnalyzed},
		},
		{
			name:      "conflicting requests rejected",
			requested: []string{libLabel + "=objc_library", libLabel + "=objc_binary"},
			wantRules: 0,
			wantKinds: []model.DiagnosticKind{model.DiagMalformedRecord, model.DiagTargetNotAnalyzed},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock := &MockExecutor{MockUnits: [][]byte{rule(libLabel, model.KindLibrary)}}
			x := newTestExtractor(mock, ExtractorOptions{})

			result, err := x.Extract(context.Background(), request(tt.requested...))
			require.NoError(t, err)

			assert.Len(t, result.Rules, tt.wantRules)
			var kinds []model.DiagnosticKind
			for _, diag := range result.Diagnostics {
				kinds = append(kinds, diag.Kind)
			}
			assert.Equal(t, tt.wantKinds, kinds)

			require.Len(t, mock.Calls(), 1)
			assert.Len(t, mock.Calls()[0].Targets, 1, "requested labels are deduplicated")
		})
	}
}

func TestExtractInvocationFailure(t *testing.T) {
	mock := &MockExecutor{
		MockUnits: tulsiUnits(),
		MockError: errors.New("exit status 1"),
	}
	x := newTestExtractor(mock, ExtractorOptions{})

	result, err := x.Extract(context.Background(), request(appLabel))
	assert.Nil(t, result)
	assert.ErrorIs(t, err, ErrBuildToolInvocationFailed)
	assert.NotErrorIs(t, err, ErrBuildToolTimeout)
}

func TestExtractInvocationFailurePassesThrough(t *testing.T) {
	cause := fmt.Errorf("%w: bazel build: exit status 2", ErrBuildToolInvocationFailed)
	x := newTestExtractor(&MockExecutor{MockError: cause}, ExtractorOptions{})

	_, err := x.Extract(context.Background(), request(appLabel))
	assert.Equal(t, cause, err)
}

func TestExtractTimeout(t *testing.T) {
	mock := &MockExecutor{
		InvokeFunc: func(ctx context.Context, inv Invocation) ([][]byte, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}
	x := newTestExtractor(mock, ExtractorOptions{Timeout: 20 * time.Millisecond})

	rules, err := x.ExtractInfoForTargetRules(context.Background(), request(appLabel))
	assert.Nil(t, rules)
	assert.ErrorIs(t, err, ErrBuildToolTimeout)
}

func TestExtractCancelled(t *testing.T) {
	mock := &MockExecutor{MockUnits: tulsiUnits()}
	x := newTestExtractor(mock, ExtractorOptions{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := x.Extract(ctx, request(appLabel))
	assert.ErrorIs(t, err, ErrBuildToolInvocationFailed)
	assert.Empty(t, mock.Calls())
}

func TestExtractBatches(t *testing.T) {
	mock := &MockExecutor{
		InvokeFunc: func(ctx context.Context, inv Invocation) ([][]byte, error) {
			var units [][]byte
			for _, target := range inv.Targets {
				units = append(units, rule(target.String(), model.KindApplication, "//shared:Library"))
			}
			units = append(units, rule("//shared:Library", model.KindLibrary))
			return units, nil
		},
	}
	x := newTestExtractor(mock, ExtractorOptions{BatchSize: 2})

	result, err := x.Extract(context.Background(), request("//a:App", "//b:App", "//c:App"))
	require.NoError(t, err)

	calls := mock.Calls()
	require.Len(t, calls, 2)
	assert.Len(t, calls[0].Targets, 2)
	assert.Len(t, calls[1].Targets, 1)
	assert.Equal(t, []string{"inv-1", "inv-2"}, result.InvocationIDs)

	assert.Len(t, result.Rules, 4)
	// The shared library is reported by both batches
	require.Len(t, result.Diagnostics, 1)
	assert.Equal(t, model.DiagDuplicateRule, result.Diagnostics[0].Kind)
	assert.Equal(t, "//shared:Library", result.Diagnostics[0].Label)

	for _, app := range []string{"//a:App", "//b:App", "//c:App"} {
		entry, ok := result.Rules.Get(app)
		require.True(t, ok)
		_, resolved := entry.Dependency("//shared:Library")
		assert.True(t, resolved, "%s should resolve across batches", app)
	}
}

func TestExtractFailingBatchAbortsAll(t *testing.T) {
	calls := 0
	mock := &MockExecutor{
		InvokeFunc: func(ctx context.Context, inv Invocation) ([][]byte, error) {
			calls++
			if calls == 2 {
				return nil, errors.New("signal: killed")
			}
			return [][]byte{rule(inv.Targets[0].String(), model.KindApplication)}, nil
		},
	}
	x := newTestExtractor(mock, ExtractorOptions{BatchSize: 1})

	result, err := x.Extract(context.Background(), request("//a:App", "//b:App", "//c:App"))
	assert.Nil(t, result)
	assert.ErrorIs(t, err, ErrBuildToolInvocationFailed)
	assert.Len(t, mock.Calls(), 2)
}

func TestExtractTargetNotAnalyzed(t *testing.T) {
	x := newTestExtractor(&MockExecutor{MockUnits: [][]byte{rule(appLabel, model.KindApplication)}}, ExtractorOptions{})

	result, err := x.Extract(context.Background(), request(appLabel, "//missing:Target"))
	require.NoError(t, err)

	require.Len(t, result.Diagnostics, 1)
	assert.Equal(t, model.DiagTargetNotAnalyzed, result.Diagnostics[0].Kind)
	assert.Equal(t, "//missing:Target", result.Diagnostics[0].Label)
	assert.Equal(t, -1, result.Diagnostics[0].Unit)
}

func TestExtractDependencyCycle(t *testing.T) {
	units := [][]byte{
		rule("//pkg:a", model.KindLibrary, "//pkg:b"),
		rule("//pkg:b", model.KindLibrary, "//pkg:c"),
		rule("//pkg:c", model.KindLibrary, "//pkg:a"),
		rule("//pkg:d", model.KindLibrary, "//pkg:d"),
	}
	x := newTestExtractor(&MockExecutor{MockUnits: units}, ExtractorOptions{})

	result, err := x.Extract(context.Background(), request("//pkg:a", "//pkg:d"))
	require.NoError(t, err)

	assert.Len(t, result.Rules, 4)
	require.Len(t, result.Cycles, 2)
	assert.Equal(t, []string{"//pkg:a", "//pkg:b", "//pkg:c"}, result.Cycles[0].Labels)
	assert.Equal(t, []string{"//pkg:d"}, result.Cycles[1].Labels)

	require.Len(t, result.Diagnostics, 2)
	for _, diag := range result.Diagnostics {
		assert.Equal(t, model.DiagDependencyCycle, diag.Kind)
	}
}

func TestExtractNothingRequested(t *testing.T) {
	mock := &MockExecutor{MockUnits: tulsiUnits()}
	x := newTestExtractor(mock, ExtractorOptions{})

	result, err := x.Extract(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, result.Rules)
	assert.Empty(t, mock.Calls())
}

func TestBatches(t *testing.T) {
	targets := []label.Label{
		label.MustParse("//a:a"), label.MustParse("//b:b"), label.MustParse("//c:c"),
		label.MustParse("//d:d"), label.MustParse("//e:e"),
	}

	tests := []struct {
		size int
		want []int
	}{
		{size: 0, want: []int{5}},
		{size: 1, want: []int{1, 1, 1, 1, 1}},
		{size: 2, want: []int{2, 2, 1}},
		{size: 5, want: []int{5}},
		{size: 10, want: []int{5}},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("size %d", tt.size), func(t *testing.T) {
			var sizes []int
			for _, b := range batches(targets, tt.size) {
				sizes = append(sizes, len(b))
			}
			assert.Equal(t, tt.want, sizes)
		})
	}
}

func TestOptionsFromConfig(t *testing.T) {
	cfg := &config.Config{
		StartupOptions: []string{"--output_base=/tmp/ob"},
		BuildOptions:   []string{"--config=ios"},
		Aspect:         "//tools:aspect.bzl%info",
		OutputGroup:    "info",
		BatchSize:      25,
		Workers:        3,
		Timeout:        time.Minute,
	}

	assert.Equal(t, ExtractorOptions{
		StartupOptions: []string{"--output_base=/tmp/ob"},
		BuildOptions:   []string{"--config=ios"},
		Aspect:         "//tools:aspect.bzl%info",
		OutputGroup:    "info",
		BatchSize:      25,
		Workers:        3,
		Timeout:        time.Minute,
	}, OptionsFromConfig(cfg))
}

func TestParseTargetSpecs(t *testing.T) {
	requested, err := ParseTargetSpecs([]string{"//tulsi_test:Application=ios_application", " //tulsi_test:Library "})
	require.NoError(t, err)
	require.Len(t, requested, 2)

	assert.Equal(t, appLabel, requested[0].Label.String())
	assert.Equal(t, model.KindApplication, requested[0].Type)
	assert.Equal(t, libLabel, requested[1].Label.String())
	assert.Empty(t, requested[1].Type)

	_, err = ParseTargetSpecs([]string{"tulsi_test:Application"})
	assert.ErrorIs(t, err, label.ErrInvalidLabelFormat)
}

func TestExtractReportsProgress(t *testing.T) {
	x := newTestExtractor(&MockExecutor{MockUnits: tulsiUnits()}, ExtractorOptions{BatchSize: 1})

	var stages []Stage
	var steps []int
	x.OnProgress(func(p Progress) {
		stages = append(stages, p.Stage)
		steps = append(steps, p.Step)
		assert.Equal(t, 5, p.Total)
		assert.NotEmpty(t, p.Message)
	})

	_, err := x.Extract(context.Background(), request(appLabel, testLabel))
	require.NoError(t, err)

	assert.Equal(t, []Stage{StageInvoking, StageInvoking, StageParsing, StageResolving, StageComplete}, stages)
	assert.Equal(t, []int{1, 2, 3, 4, 5}, steps)
}
