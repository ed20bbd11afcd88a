// Package shipwright builds deployable container images for the ProCluster
// services from a source tree and a named environment profile.
//
// A build is one run of a fixed pipeline: stage the service's source into an
// isolated context, resolve its dependency manifest against a fingerprint-keyed
// cache, optionally compile a static artifact, and assemble a minimal OCI
// image. The same inputs always reproduce an image with the same content hash.
package shipwright

import (
	"fmt"
	"time"

	"github.com/opencontainers/go-digest"
)

// Ecosystem identifies the language ecosystem a service's dependencies
// belong to. It selects the dependency manifest convention and the runtime
// base image.
type Ecosystem string

const (
	// EcosystemPython resolves dependencies from requirements.txt plus
	// requirements.lock and runs under a Python base image.
	EcosystemPython Ecosystem = "python"

	// EcosystemNode resolves dependencies from package.json plus
	// package-lock.json and runs under a Node base image.
	EcosystemNode Ecosystem = "node"
)

// InstallMode selects the dependency install strategy for a pipeline run.
type InstallMode string

const (
	// InstallFull performs a permissive install that may update the lock
	// file. Intended only for development profiles.
	InstallFull InstallMode = "full"

	// InstallCIClean installs strictly from the existing lock file and fails
	// when the manifest and lock disagree, guaranteeing reproducibility.
	InstallCIClean InstallMode = "ci-clean"
)

// OutputKind describes what the runtime assembler produces for a service.
type OutputKind string

const (
	// OutputRunnableImage is a process-runner image: language runtime base,
	// staged source (and compiled output, when present), resolved
	// dependencies, and the service's entrypoint command.
	OutputRunnableImage OutputKind = "runnable_image"

	// OutputStaticDir is a static-file-serving image: a web-server base
	// holding only the compiled static directory. No source, dependency
	// tree, or build toolchain is carried into the image.
	OutputStaticDir OutputKind = "static_dir"
)

// ServeMode declares how a buildable service should be served once built.
type ServeMode string

const (
	// ServeProcess runs the service's entrypoint command in a runtime image.
	ServeProcess ServeMode = "process"

	// ServeStatic serves the compiled output from a web-server image.
	ServeStatic ServeMode = "static"
)

// ServiceDescriptor identifies what is being packaged. It is declared once
// per service and never mutated by the pipeline.
type ServiceDescriptor struct {
	// Name is the service identifier used to invoke a build.
	Name string `yaml:"-"`

	// SourcePath is the service's source tree, relative to the manifest
	// location or absolute.
	SourcePath string `yaml:"source"`

	// Ecosystem selects dependency conventions and the runtime base.
	Ecosystem Ecosystem `yaml:"ecosystem"`

	// HasBuildStep is true when the service compiles a static output
	// directory before assembly.
	HasBuildStep bool `yaml:"build"`

	// BuildCommand is the command that emits the static output. Only
	// consulted when HasBuildStep is true; defaults to the ecosystem's
	// conventional build command.
	BuildCommand []string `yaml:"build_command,omitempty"`

	// Entrypoint is the command the assembled process-runner image starts.
	Entrypoint []string `yaml:"entrypoint"`

	// ExposedPort is the port the image declares, or 0 for none.
	ExposedPort int `yaml:"port,omitempty"`

	// Serve selects how a buildable service is packaged once compiled.
	// Ignored for services without a build step.
	Serve ServeMode `yaml:"serve,omitempty"`
}

// Validate checks the descriptor for structural problems before a run starts.
func (d *ServiceDescriptor) Validate() error {
	if d.Name == "" {
		return fmt.Errorf("service name cannot be empty")
	}
	if d.SourcePath == "" {
		return fmt.Errorf("service %q: source path cannot be empty", d.Name)
	}
	switch d.Ecosystem {
	case EcosystemPython, EcosystemNode:
	default:
		return fmt.Errorf("service %q: unsupported ecosystem %q", d.Name, d.Ecosystem)
	}
	if len(d.Entrypoint) == 0 {
		return fmt.Errorf("service %q: entrypoint cannot be empty", d.Name)
	}
	if d.ExposedPort < 0 || d.ExposedPort > 65535 {
		return fmt.Errorf("service %q: exposed port %d out of range", d.Name, d.ExposedPort)
	}
	if d.HasBuildStep {
		switch d.Serve {
		case ServeProcess, ServeStatic, "":
		default:
			return fmt.Errorf("service %q: unknown serve mode %q", d.Name, d.Serve)
		}
	}
	return nil
}

// EnvironmentProfile is the named configuration selected per invocation.
// It fully determines install mode, build flags, and the environment
// variables surfaced into the running container. Profiles are never mutated
// after selection.
type EnvironmentProfile struct {
	// Name is the profile identifier (dev, production, ...).
	Name string `yaml:"-"`

	// Env holds the environment variables surfaced into the running
	// container. Nothing is inherited from the build host.
	Env map[string]string `yaml:"env,omitempty"`

	// InstallMode selects the dependency install strategy.
	InstallMode InstallMode `yaml:"install_mode"`

	// BuildEnabled controls whether the artifact compiler runs for services
	// with a build step. When false the image serves from staged source
	// directly; downstream stages never treat this as an empty artifact.
	BuildEnabled bool `yaml:"build_enabled"`
}

// Validate checks the profile for structural problems.
func (p *EnvironmentProfile) Validate() error {
	if p.Name == "" {
		return fmt.Errorf("environment name cannot be empty")
	}
	switch p.InstallMode {
	case InstallFull, InstallCIClean:
	default:
		return fmt.Errorf("environment %q: unknown install mode %q", p.Name, p.InstallMode)
	}
	return nil
}

// DependencyManifest is derived from a service's dependency declaration
// files. Its lock fingerprint keys the shared install cache: an unchanged
// fingerprint guarantees a cache hit, a changed one forces a reinstall.
type DependencyManifest struct {
	Ecosystem       Ecosystem
	LockFingerprint digest.Digest
	Declared        []DeclaredPackage
}

// DeclaredPackage is one (name, version) pair from a dependency declaration.
type DeclaredPackage struct {
	Name    string
	Version string
}

// BuildArtifact records the output of a pipeline stage that produced
// content consumed downstream. Artifacts are never mutated, only superseded
// by a newer artifact for the same (service, environment) key.
type BuildArtifact struct {
	Service     string
	Environment string
	ProducedAt  time.Time
	OutputKind  OutputKind
	Path        string
	ContentHash digest.Digest
}

// RunState is the orchestrator's position in the pipeline state machine.
type RunState string

const (
	StateStaged               RunState = "Staged"
	StateDependenciesResolved RunState = "DependenciesResolved"
	StateCompiled             RunState = "Compiled"
	StateAssembled            RunState = "Assembled"
	StateTagged               RunState = "Tagged"
	StateFailed               RunState = "Failed"
)
