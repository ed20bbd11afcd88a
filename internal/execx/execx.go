// Package execx runs the external commands the pipeline depends on
// (dependency installers, build tools) with captured output and an
// explicit, non-inherited environment.
//
// Build failures are deterministic given fixed inputs, so there is no
// retry machinery here: a failing command fails the stage.
package execx

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sort"
)

// Spec describes a single command invocation.
type Spec struct {
	// Program is the executable to run.
	Program string

	// Args are the program arguments.
	Args []string

	// Dir is the working directory for the command.
	Dir string

	// Env is the complete environment for the command. Nothing from the
	// build host's environment is inherited except PATH and HOME, which
	// installers need to locate toolchains.
	Env map[string]string
}

// Result holds the output and exit status from a command execution.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Runner executes commands. The pipeline takes a Runner so tests can
// substitute a fake that never touches the host.
type Runner interface {
	Run(ctx context.Context, spec Spec) (*Result, error)
}

// Local runs commands on the host via os/exec.
type Local struct{}

// NewLocal returns a Runner backed by the host.
func NewLocal() *Local {
	return &Local{}
}

// Run implements Runner.
func (l *Local) Run(ctx context.Context, spec Spec) (*Result, error) {
	if spec.Program == "" {
		return nil, fmt.Errorf("execx: program cannot be empty")
	}

	cmd := exec.CommandContext(ctx, spec.Program, spec.Args...)
	if spec.Dir != "" {
		cmd.Dir = spec.Dir
	}
	cmd.Env = buildEnv(spec.Env)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	result := &Result{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		ExitCode: exitCode(err),
	}

	// Surface deadline expiry over the generic "signal: killed" the
	// process reports after the context kills it.
	if ctxErr := ctx.Err(); ctxErr != nil {
		return result, fmt.Errorf("execx: %s interrupted: %w", spec.Program, ctxErr)
	}
	if err != nil {
		return result, fmt.Errorf("execx: %s %v: %w", spec.Program, spec.Args, err)
	}
	return result, nil
}

// buildEnv produces a deterministic environment slice from the declared
// variables plus the PATH and HOME passthrough.
func buildEnv(declared map[string]string) []string {
	env := make(map[string]string, len(declared)+2)
	if path, ok := os.LookupEnv("PATH"); ok {
		env["PATH"] = path
	}
	if home, ok := os.LookupEnv("HOME"); ok {
		env["HOME"] = home
	}
	for k, v := range declared {
		env[k] = v
	}

	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+env[k])
	}
	return out
}

// exitCode extracts the process exit code, -1 when the process never ran.
func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}
