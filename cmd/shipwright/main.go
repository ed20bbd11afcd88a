// Command shipwright builds a deployable container image for a named
// service under a named environment profile.
//
//	shipwright build <service> <environment>
//
// Exit codes: 0 success, 1 staging/dependency/compile error, 2 invalid
// service or environment name, 3 stage timeout.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/procluster/shipwright"
	"github.com/procluster/shipwright/internal/fsys"
)

const (
	exitOK          = 0
	exitBuildFailed = 1
	exitBadName     = 2
	exitTimeout     = 3
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	flags := flag.NewFlagSet("shipwright", flag.ContinueOnError)
	var (
		configPath = flags.String("f", "", "pipeline config file (built-in defaults when empty)")
		workDir    = flags.String("work", "/var/lib/shipwright/work", "build context directory")
		cacheDir   = flags.String("cache", "/var/lib/shipwright/cache", "dependency cache directory")
		timeout    = flags.Duration("timeout", 15*time.Minute, "per-stage timeout (0 disables)")
		pushRef    = flags.String("push", "", "registry repository to publish the image to")
		plainHTTP  = flags.Bool("plain-http", false, "use HTTP for the publish registry")
		verbose    = flags.Bool("v", false, "debug logging")
	)
	if err := flags.Parse(args); err != nil {
		return exitBuildFailed
	}

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	rest := flags.Args()
	if len(rest) != 3 || rest[0] != "build" {
		fmt.Fprintln(os.Stderr, "usage: shipwright [flags] build <service> <environment>")
		return exitBuildFailed
	}
	serviceName, environmentName := rest[1], rest[2]

	fs := fsys.NewOS("/")
	config := shipwright.DefaultConfig()
	if *configPath != "" {
		loaded, err := shipwright.LoadConfig(fs, *configPath)
		if err != nil {
			logger.Error("config load failed", "error", err)
			return exitBuildFailed
		}
		config = loaded
	}

	opts := []shipwright.Option{
		shipwright.WithFS(fs),
		shipwright.WithWorkDir(*workDir),
		shipwright.WithCacheDir(*cacheDir),
		shipwright.WithStageTimeout(*timeout),
		shipwright.WithLogger(logger),
	}
	if *plainHTTP {
		opts = append(opts, shipwright.WithPlainHTTPRegistry())
	}

	pipeline, err := shipwright.New(config, opts...)
	if err != nil {
		logger.Error("pipeline init failed", "error", err)
		return exitBuildFailed
	}

	ctx := context.Background()
	img, err := pipeline.Build(ctx, serviceName, environmentName)
	if err != nil {
		return exitCode(err)
	}

	stats := pipeline.CacheStats()
	logger.Info("build complete",
		"tag", img.Tag(),
		"content_hash", img.ContentHash.String(),
		"image_dir", img.Dir,
		"cache_hits", stats.Hits,
		"cache_misses", stats.Misses)

	if *pushRef != "" {
		ref, pubErr := pipeline.Publish(ctx, img, *pushRef)
		if pubErr != nil {
			logger.Error("publish failed", "error", pubErr)
			return exitBuildFailed
		}
		logger.Info("published", "reference", ref)
	}
	return exitOK
}

// exitCode maps a build error onto the CLI contract.
func exitCode(err error) int {
	switch {
	case errors.Is(err, shipwright.ErrUnknownService),
		errors.Is(err, shipwright.ErrUnknownEnvironment):
		return exitBadName
	case errors.Is(err, shipwright.ErrTimeout):
		return exitTimeout
	default:
		return exitBuildFailed
	}
}
