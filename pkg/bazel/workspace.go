package bazel

import (
	"context"
	"fmt"
	"path/filepath"
	"time"
)

// Roots are the two directories aspect output paths may be anchored in
type Roots struct {
	Workspace     string // Absolute workspace directory
	ExecutionRoot string // Bazel's execution root, empty if unknown
}

// ResolveRoots determines the workspace and execution roots:
// 1. `bazel info workspace` / `bazel info execution_root`
// 2. The absolute executor directory as fallback for the workspace
//
// A positive timeout bounds both queries together.
func ResolveRoots(ctx context.Context, e *DefaultExecutor, startupOptions []string, timeout time.Duration) (Roots, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	var roots Roots

	workspace, err := e.Info(ctx, startupOptions, "workspace")
	if err != nil || workspace == "" {
		// Fallback: use the directory bazel would run in
		abs, absErr := filepath.Abs(e.Workspace)
		if absErr != nil {
			return Roots{}, fmt.Errorf("resolving workspace %q: %w", e.Workspace, absErr)
		}
		workspace = abs
	}
	roots.Workspace = workspace

	execRoot, err := e.Info(ctx, startupOptions, "execution_root")
	if err != nil {
		return roots, err
	}
	roots.ExecutionRoot = execRoot

	return roots, nil
}

// ParserOptions returns the parser options anchoring paths at these roots
func (r Roots) ParserOptions() []ParserOption {
	return []ParserOption{
		WithWorkspaceRoot(r.Workspace),
		WithExecutionRoot(r.ExecutionRoot),
	}
}
