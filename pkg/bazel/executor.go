package bazel

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/ritzau/aspect-graph/pkg/label"
	"github.com/ritzau/aspect-graph/pkg/logging"
)

// Invocation describes one run of the aspect over a batch of targets
type Invocation struct {
	InvocationID   string // Passed to Bazel as --invocation_id when set
	Targets        []label.Label
	StartupOptions []string
	BuildOptions   []string
	Aspect         string // e.g. "@tulsi//:tulsi/tulsi_aspects.bzl%tulsi_sources_aspect"
	OutputGroup    string
}

// Invoker runs the build tool's analysis pass and returns one raw output
// unit per visited rule. The result is all or nothing: on error no units are
// returned.
type Invoker interface {
	Invoke(ctx context.Context, inv Invocation) ([][]byte, error)
}

// DefaultExecutor is the default implementation of Invoker that runs actual
// bazel commands
type DefaultExecutor struct {
	Bazel          string // Path or name of the bazel binary
	Workspace      string // Directory bazel is run in
	ArtifactSuffix string // Suffix of the files the aspect writes
}

// NewExecutor creates a new default Bazel executor
func NewExecutor(bazel, workspace, artifactSuffix string) *DefaultExecutor {
	return &DefaultExecutor{
		Bazel:          bazel,
		Workspace:      workspace,
		ArtifactSuffix: artifactSuffix,
	}
}

// Invoke runs `bazel build` with the aspect attached, then collects the
// aspect's output files from the build event stream.
// It respects the provided context for cancellation.
func (e *DefaultExecutor) Invoke(ctx context.Context, inv Invocation) ([][]byte, error) {
	log := logging.New("bazel")

	bep, err := os.CreateTemp("", "aspect-graph-bep-*.json")
	if err != nil {
		return nil, fmt.Errorf("%w: creating build event file: %v", ErrBuildToolInvocationFailed, err)
	}
	bepPath := bep.Name()
	bep.Close()
	defer os.Remove(bepPath)

	args := e.buildArgs(inv, bepPath)
	log.DebugContext(ctx, "running bazel", append(logging.Attrs(ctx), "args", strings.Join(args, " "))...)

	output, err := e.run(ctx, args)
	if err != nil {
		return nil, err
	}
	log.DebugContext(ctx, "bazel build complete", append(logging.Attrs(ctx), "outputBytes", len(output))...)

	events, err := readBuildEvents(bepPath)
	if err != nil {
		return nil, fmt.Errorf("%w: reading build events: %v", ErrBuildToolInvocationFailed, err)
	}

	files, remote := artifactFiles(events, e.ArtifactSuffix)
	if len(remote) > 0 {
		return nil, fmt.Errorf("%w: %d aspect outputs are only available remotely (first: %s); build with --remote_download_outputs=toplevel or all",
			ErrBuildToolInvocationFailed, len(remote), remote[0])
	}
	units := make([][]byte, 0, len(files))
	for _, file := range files {
		data, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("%w: reading aspect output: %v", ErrBuildToolInvocationFailed, err)
		}
		units = append(units, data)
	}

	log.DebugContext(ctx, "collected aspect output", append(logging.Attrs(ctx), "units", len(units))...)
	return units, nil
}

// Info runs `bazel info <key>` and returns the trimmed value
func (e *DefaultExecutor) Info(ctx context.Context, startupOptions []string, key string) (string, error) {
	args := append(append([]string{}, startupOptions...), "info", key)
	output, err := e.run(ctx, args)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(output)), nil
}

func (e *DefaultExecutor) run(ctx context.Context, args []string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, e.Bazel, args...)
	cmd.Dir = e.Workspace
	// Don't hang on children that inherited the output pipes after a kill
	cmd.WaitDelay = 5 * time.Second

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: bazel %s: %v", ErrBuildToolTimeout, firstArgAfterOptions(args), ctx.Err())
		}
		return nil, fmt.Errorf("%w: bazel %s: %v\nOutput: %s",
			ErrBuildToolInvocationFailed, firstArgAfterOptions(args), err, stderr.String())
	}
	return stdout.Bytes(), nil
}

func (e *DefaultExecutor) buildArgs(inv Invocation, bepPath string) []string {
	args := append([]string{}, inv.StartupOptions...)
	args = append(args, "build")
	args = append(args, inv.BuildOptions...)
	args = append(args,
		"--aspects="+inv.Aspect,
		"--output_groups="+inv.OutputGroup,
		"--build_event_json_file="+bepPath,
	)
	if inv.InvocationID != "" {
		args = append(args, "--invocation_id="+inv.InvocationID)
	}
	args = append(args, "--")
	for _, target := range inv.Targets {
		args = append(args, target.String())
	}
	return args
}

// firstArgAfterOptions returns the bazel command (build, info, ...) for
// error messages
func firstArgAfterOptions(args []string) string {
	for _, arg := range args {
		if !strings.HasPrefix(arg, "-") {
			return arg
		}
	}
	return strings.Join(args, " ")
}
