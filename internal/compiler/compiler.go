// Package compiler runs a service's build step against staged source and
// resolved dependencies, producing a static output directory at a
// deterministic path. It only runs for services that declare a build step
// with the build enabled in the active profile; a disabled build is an
// explicit serve-from-source state decided upstream, never an empty
// artifact.
package compiler

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/procluster/shipwright/internal/ctxlog"
	"github.com/procluster/shipwright/internal/execx"
	"github.com/procluster/shipwright/internal/fsys"
)

// OutputDir is the conventional directory, relative to the staged source,
// where the build command emits its static output.
const OutputDir = "build"

// ErrBuildFailed is returned when the build command exits non-zero.
var ErrBuildFailed = errors.New("build command failed")

// ErrNoOutput is returned when the build command succeeds but the
// conventional output directory is missing or empty.
var ErrNoOutput = errors.New("build produced no output")

// Input describes one compile request.
type Input struct {
	// StageDir is the isolated build context with staged source.
	StageDir string

	// DepsDir holds the resolved dependency set.
	DepsDir string

	// Command is the build command. Empty means the ecosystem default.
	Command []string

	// Env is the environment surfaced to the build tooling.
	Env map[string]string
}

// Compiler executes build steps.
type Compiler struct {
	fs     fsys.Filesystem
	runner execx.Runner
}

// New creates a Compiler.
func New(fs fsys.Filesystem, runner execx.Runner) *Compiler {
	return &Compiler{fs: fs, runner: runner}
}

// Compile runs the build command in the staged context and returns the
// absolute path of the static output directory. There is no partial
// recovery: any failure aborts the run.
func (c *Compiler) Compile(ctx context.Context, in Input) (string, error) {
	command := in.Command
	if len(command) == 0 {
		command = []string{"npm", "run", "build"}
	}

	env := make(map[string]string, len(in.Env)+1)
	for k, v := range in.Env {
		env[k] = v
	}
	// Builds resolve modules from the cached install, not a local
	// node_modules tree.
	env["NODE_PATH"] = filepath.Join(in.DepsDir, "node_modules")

	result, err := c.runner.Run(ctx, execx.Spec{
		Program: command[0],
		Args:    command[1:],
		Dir:     in.StageDir,
		Env:     env,
	})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", fmt.Errorf("build interrupted: %w", ctxErr)
		}
		if result != nil && result.Stderr != "" {
			return "", fmt.Errorf("%w: %v: %s", ErrBuildFailed, err, result.Stderr)
		}
		return "", fmt.Errorf("%w: %v", ErrBuildFailed, err)
	}

	outputDir := filepath.Join(in.StageDir, OutputDir)
	exists, err := c.fs.Exists(outputDir)
	if err != nil {
		return "", fmt.Errorf("check build output: %w", err)
	}
	if !exists {
		return "", fmt.Errorf("%w: expected %s", ErrNoOutput, outputDir)
	}
	empty, err := fsys.DirIsEmpty(c.fs, outputDir)
	if err != nil {
		return "", fmt.Errorf("read build output: %w", err)
	}
	if empty {
		return "", fmt.Errorf("%w: %s is empty", ErrNoOutput, outputDir)
	}

	ctxlog.FromContext(ctx).Info("artifact compiled", "output", outputDir)
	return outputDir, nil
}
