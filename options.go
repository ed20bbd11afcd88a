package shipwright

import (
	"log/slog"
	"time"

	"github.com/procluster/shipwright/internal/execx"
	"github.com/procluster/shipwright/internal/fsys"
	"github.com/procluster/shipwright/internal/registry"
)

// PipelineOptions contains configuration for a Pipeline.
type PipelineOptions struct {
	// FS is the filesystem builds run against. Defaults to the OS
	// filesystem rooted at the working directory.
	FS fsys.Filesystem

	// Runner executes install and build commands. Defaults to the host.
	Runner execx.Runner

	// WorkDir is where build contexts and image layouts are written.
	WorkDir string

	// CacheDir is where the shared dependency cache lives.
	CacheDir string

	// StageTimeout bounds each pipeline stage. Zero disables the bound.
	StageTimeout time.Duration

	// Logger receives stage transition logs. Defaults to slog.Default.
	Logger *slog.Logger

	// Registry configures the publish target.
	Registry registry.Options
}

// Option is a functional option for configuring a Pipeline.
type Option func(*PipelineOptions)

// WithFS sets the filesystem builds run against. Tests use an in-memory
// filesystem here.
func WithFS(fs fsys.Filesystem) Option {
	return func(o *PipelineOptions) { o.FS = fs }
}

// WithRunner sets the command runner for installs and builds.
func WithRunner(r execx.Runner) Option {
	return func(o *PipelineOptions) { o.Runner = r }
}

// WithWorkDir sets the directory build contexts are created under.
func WithWorkDir(dir string) Option {
	return func(o *PipelineOptions) { o.WorkDir = dir }
}

// WithCacheDir sets the shared dependency cache directory.
func WithCacheDir(dir string) Option {
	return func(o *PipelineOptions) { o.CacheDir = dir }
}

// WithStageTimeout bounds every stage of a run. A stage exceeding the
// bound fails the run with ErrTimeout.
func WithStageTimeout(d time.Duration) Option {
	return func(o *PipelineOptions) { o.StageTimeout = d }
}

// WithLogger sets the logger stage transitions are reported to.
func WithLogger(logger *slog.Logger) Option {
	return func(o *PipelineOptions) { o.Logger = logger }
}

// WithStaticRegistryAuth configures static credentials for publishing to
// one registry. Other registries use the default Docker credential chain.
func WithStaticRegistryAuth(registryHost, username, password string) Option {
	return func(o *PipelineOptions) {
		o.Registry.StaticRegistry = registryHost
		o.Registry.StaticUsername = username
		o.Registry.StaticPassword = password
	}
}

// WithPlainHTTPRegistry enables HTTP for the publish target, for local
// registries without TLS.
func WithPlainHTTPRegistry() Option {
	return func(o *PipelineOptions) { o.Registry.PlainHTTP = true }
}

// defaultPipelineOptions returns the defaults applied before options.
func defaultPipelineOptions() *PipelineOptions {
	return &PipelineOptions{
		FS:       fsys.NewOS("/"),
		Runner:   execx.NewLocal(),
		WorkDir:  "/var/lib/shipwright/work",
		CacheDir: "/var/lib/shipwright/cache",
	}
}
