package shipwright

import (
	"errors"
	"fmt"
)

// ErrStaging is returned when the service's source path does not exist or
// contains no files.
var ErrStaging = errors.New("source staging failed")

// ErrDependencyInstall is returned when the dependency install step fails
// (network, registry, or version conflict). No partial dependency set is
// handed downstream.
var ErrDependencyInstall = errors.New("dependency install failed")

// ErrLockMismatch is returned by the ci-clean install mode when the
// dependency manifest and its lock file disagree.
var ErrLockMismatch = errors.New("dependency lock mismatch")

// ErrCompile is returned when the build command exits non-zero or emits no
// output directory.
var ErrCompile = errors.New("artifact compile failed")

// ErrAssembly is returned when the runtime assembler cannot produce an
// image (no base for the ecosystem, invalid port declaration).
var ErrAssembly = errors.New("image assembly failed")

// ErrTimeout is returned when a stage exceeds the caller-supplied bound.
var ErrTimeout = errors.New("stage timed out")

// ErrPublish is returned when pushing an assembled image to a registry
// fails. Publish failures never affect the assembled image itself.
var ErrPublish = errors.New("image publish failed")

// ErrUnknownService is returned when the requested service name is not
// declared in the pipeline manifest.
var ErrUnknownService = errors.New("unknown service")

// ErrUnknownEnvironment is returned when the requested environment name is
// not declared in the pipeline manifest.
var ErrUnknownEnvironment = errors.New("unknown environment")

// StageError attaches the failing stage name to an underlying cause while
// classifying the failure under one of the package sentinels. It propagates
// unchanged to the invoker; no stage swallows a child error.
type StageError struct {
	// Stage is the pipeline stage that failed (staging, resolve, compile,
	// assemble, publish).
	Stage string

	// Kind is the sentinel the failure classifies under.
	Kind error

	// Err is the underlying cause.
	Err error
}

// Error implements the error interface.
func (e *StageError) Error() string {
	return fmt.Sprintf("stage %s: %s: %v", e.Stage, e.Kind, e.Err)
}

// Unwrap returns the underlying cause so callers can reach wrapped errors.
func (e *StageError) Unwrap() error {
	return e.Err
}

// Is reports whether the error classifies under target. It matches both the
// classifying sentinel and anything the cause chain matches.
func (e *StageError) Is(target error) bool {
	return errors.Is(e.Kind, target)
}

// stageFailure wraps err as a StageError under kind, preserving a nil err.
func stageFailure(stage string, kind, err error) error {
	if err == nil {
		return nil
	}
	return &StageError{Stage: stage, Kind: kind, Err: err}
}
