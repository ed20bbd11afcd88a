package shipwright

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/procluster/shipwright/internal/assembler"
	"github.com/procluster/shipwright/internal/compiler"
	"github.com/procluster/shipwright/internal/ctxlog"
	"github.com/procluster/shipwright/internal/depcache"
	"github.com/procluster/shipwright/internal/fsys"
	depmanifest "github.com/procluster/shipwright/internal/manifest"
	"github.com/procluster/shipwright/internal/registry"
	"github.com/procluster/shipwright/internal/resolver"
	"github.com/procluster/shipwright/internal/staging"
)

// Image is the final output of a successful pipeline run.
type Image = assembler.Image

// Layer is one content-addressed step in an assembled Image.
type Layer = assembler.Layer

// Pipeline builds deployable images for declared services. It is safe for
// concurrent use: runs for different services, or the same service under
// different environments, may execute in parallel. They never share a
// build context, and the dependency cache coalesces concurrent installs
// per fingerprint.
type Pipeline struct {
	config    *Config
	opts      *PipelineOptions
	stager    *staging.Stager
	resolver  *resolver.Resolver
	compiler  *compiler.Compiler
	assembler *assembler.Assembler
	publisher *registry.Publisher
	cache     *depcache.Cache
	logger    *slog.Logger
}

// New creates a Pipeline over config.
func New(config *Config, opts ...Option) (*Pipeline, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}

	options := defaultPipelineOptions()
	for _, opt := range opts {
		opt(options)
	}
	if options.Logger == nil {
		options.Logger = slog.Default()
	}

	cache, err := depcache.New(options.FS, options.CacheDir)
	if err != nil {
		return nil, fmt.Errorf("initialize dependency cache: %w", err)
	}

	return &Pipeline{
		config:    config,
		opts:      options,
		stager:    staging.New(options.FS),
		resolver:  resolver.New(options.FS, options.Runner, cache),
		compiler:  compiler.New(options.FS, options.Runner),
		assembler: assembler.New(options.FS),
		publisher: registry.New(options.FS, options.Registry),
		cache:     cache,
		logger:    options.Logger,
	}, nil
}

// Build runs the full pipeline for one (service, environment) pair:
// Staged -> DependenciesResolved -> [Compiled] -> Assembled -> Tagged.
// Any stage failure moves the run to Failed and halts; stages are never
// retried automatically. Re-running with identical source, profile, and
// dependency fingerprint reproduces an Image with the same content hash.
func (p *Pipeline) Build(ctx context.Context, serviceName, environmentName string) (*Image, error) {
	svc, err := p.config.Service(serviceName)
	if err != nil {
		return nil, err
	}
	env, err := p.config.Environment(environmentName)
	if err != nil {
		return nil, err
	}

	runID := uuid.NewString()
	logger := p.logger.With("run", runID, "service", serviceName, "environment", environmentName)
	ctx = ctxlog.WithLogger(ctx, logger)

	run := &buildRun{
		pipeline: p,
		service:  svc,
		profile:  env,
		runDir:   filepath.Join(p.opts.WorkDir, fmt.Sprintf("%s-%s-%s", serviceName, environmentName, runID)),
	}

	img, err := run.execute(ctx)
	if err != nil {
		logger.Error("pipeline run failed", "state", string(StateFailed), "error", err)
		// The failed context is scrapped; the cache never holds partial
		// entries, so there is nothing else to undo.
		_ = fsys.RemoveAll(p.opts.FS, run.runDir)
		return nil, err
	}

	logger.Info("pipeline run complete",
		"state", string(StateTagged), "tag", img.Tag(), "content_hash", img.ContentHash.String())
	return img, nil
}

// Publish pushes a built image to repoRef, tagged by content hash, and
// returns the full pushed reference.
func (p *Pipeline) Publish(ctx context.Context, img *Image, repoRef string) (string, error) {
	ctx = ctxlog.WithLogger(ctx, p.logger)
	ref, err := p.publisher.Publish(ctx, img, repoRef)
	if err != nil {
		return "", stageFailure("publish", ErrPublish, err)
	}
	return ref, nil
}

// CacheStats reports dependency cache effectiveness.
func (p *Pipeline) CacheStats() depcache.Stats {
	return p.cache.Stats()
}

// buildRun is the state for one pipeline execution.
type buildRun struct {
	pipeline *Pipeline
	service  *ServiceDescriptor
	profile  *EnvironmentProfile
	runDir   string

	stageDir  string
	depsDir   string
	staticDir string
}

// execute walks the run through the state machine.
func (r *buildRun) execute(ctx context.Context) (*Image, error) {
	r.stageDir = filepath.Join(r.runDir, "src")

	if err := r.stage(ctx, "staging", ErrStaging, r.runStaging); err != nil {
		return nil, err
	}
	r.transition(ctx, StateStaged)

	if err := r.stage(ctx, "resolve", ErrDependencyInstall, r.runResolve); err != nil {
		return nil, err
	}
	r.transition(ctx, StateDependenciesResolved)

	if r.compileEnabled() {
		if err := r.stage(ctx, "compile", ErrCompile, r.runCompile); err != nil {
			return nil, err
		}
		r.transition(ctx, StateCompiled)
	}

	var img *Image
	assembleFn := func(ctx context.Context) error {
		var err error
		img, err = r.runAssemble(ctx)
		return err
	}
	if err := r.stage(ctx, "assemble", ErrAssembly, assembleFn); err != nil {
		return nil, err
	}
	r.transition(ctx, StateAssembled)

	return img, nil
}

// compileEnabled reports whether the artifact compiler runs for this run.
// A service without a build step never compiles; a profile with the build
// disabled serves from staged source instead, as an explicit state rather
// than an accidental omission.
func (r *buildRun) compileEnabled() bool {
	return r.service.HasBuildStep && r.profile.BuildEnabled
}

// stage runs fn under the configured stage timeout and classifies its
// failure under kind, or ErrTimeout when the bound expired.
func (r *buildRun) stage(ctx context.Context, name string, kind error, fn func(context.Context) error) error {
	stageCtx := ctx
	if timeout := r.pipeline.opts.StageTimeout; timeout > 0 {
		var cancel context.CancelFunc
		stageCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	err := fn(stageCtx)
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return stageFailure(name, ErrTimeout, err)
	}
	// Lock mismatches carry their own classification within the resolve
	// stage.
	if errors.Is(err, depmanifest.ErrLockMismatch) {
		return stageFailure(name, ErrLockMismatch, err)
	}
	return stageFailure(name, kind, err)
}

// transition logs a state machine transition.
func (r *buildRun) transition(ctx context.Context, state RunState) {
	ctxlog.FromContext(ctx).Info("pipeline state", "state", string(state))
}

// runStaging snapshots the service's source tree into the build context.
func (r *buildRun) runStaging(ctx context.Context) error {
	_, err := r.pipeline.stager.Stage(ctx, r.service.SourcePath, r.stageDir)
	return err
}

// runResolve parses the dependency manifest and installs its packages via
// the shared cache.
func (r *buildRun) runResolve(ctx context.Context) error {
	m, err := depmanifest.Parse(r.pipeline.opts.FS, r.stageDir, depmanifest.Ecosystem(r.service.Ecosystem))
	if err != nil {
		return err
	}

	mode := resolver.ModeFull
	if r.profile.InstallMode == InstallCIClean {
		mode = resolver.ModeCIClean
	}

	depsDir, _, err := r.pipeline.resolver.Resolve(ctx, resolver.Input{
		StageDir: r.stageDir,
		Manifest: m,
		Mode:     mode,
		Env:      r.profile.Env,
	})
	if err != nil {
		return err
	}
	r.depsDir = depsDir

	// Full mode regenerates the python lock from what was actually
	// installed; promote it into the source tree so the next ci-clean
	// build verifies against it.
	if mode == resolver.ModeFull && m.Ecosystem == depmanifest.Python {
		return r.promoteLock()
	}
	return nil
}

// promoteLock copies the staged lock file back to the service's source
// tree when the resolver regenerated it.
func (r *buildRun) promoteLock() error {
	fs := r.pipeline.opts.FS
	lockName := depmanifest.LockFile(depmanifest.Python)

	staged, err := fs.ReadFile(filepath.Join(r.stageDir, lockName))
	if err != nil {
		return fmt.Errorf("read staged lock: %w", err)
	}
	sourcePath := filepath.Join(r.service.SourcePath, lockName)
	current, err := fs.ReadFile(sourcePath)
	if err == nil && bytes.Equal(current, staged) {
		return nil
	}
	if err := fs.WriteFile(sourcePath, staged, 0o644); err != nil {
		return fmt.Errorf("promote lock: %w", err)
	}
	return nil
}

// runCompile produces the static output directory.
func (r *buildRun) runCompile(ctx context.Context) error {
	staticDir, err := r.pipeline.compiler.Compile(ctx, compiler.Input{
		StageDir: r.stageDir,
		DepsDir:  r.depsDir,
		Command:  r.service.BuildCommand,
		Env:      r.profile.Env,
	})
	if err != nil {
		return err
	}
	r.staticDir = staticDir
	return nil
}

// runAssemble produces the final image for the run.
func (r *buildRun) runAssemble(ctx context.Context) (*Image, error) {
	in := assembler.Input{
		Service:     r.service.Name,
		Environment: r.profile.Name,
		Ecosystem:   string(r.service.Ecosystem),
		SourceDir:   r.stageDir,
		DepsDir:     r.depsDir,
		Entrypoint:  r.service.Entrypoint,
		Env:         r.profile.Env,
		ExposedPort: r.service.ExposedPort,
		OutputDir:   filepath.Join(r.runDir, "image"),
		Kind:        assembler.KindRunnable,
	}

	// A compiled service defaults to the static-file server unless it
	// explicitly asks to run as a process.
	if r.compileEnabled() && r.service.Serve != ServeProcess {
		in.Kind = assembler.KindStatic
		in.StaticDir = r.staticDir
		in.SourceDir = ""
		in.DepsDir = ""
	}

	return r.pipeline.assembler.Assemble(ctx, in)
}

// Artifact records the build artifact metadata for img.
func Artifact(img *Image) BuildArtifact {
	kind := OutputRunnableImage
	if img.Kind == assembler.KindStatic {
		kind = OutputStaticDir
	}
	return BuildArtifact{
		Service:     img.Service,
		Environment: img.Environment,
		ProducedAt:  img.ProducedAt,
		OutputKind:  kind,
		Path:        img.Dir,
		ContentHash: img.ContentHash,
	}
}
