// Package resolver installs a service's declared dependencies into the
// shared install cache. Two strategies exist: a permissive "full" install
// for development, and a strict "ci-clean" install that refuses to proceed
// when the manifest and lock file disagree.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/procluster/shipwright/internal/ctxlog"
	"github.com/procluster/shipwright/internal/depcache"
	"github.com/procluster/shipwright/internal/execx"
	"github.com/procluster/shipwright/internal/fsys"
	"github.com/procluster/shipwright/internal/manifest"
)

// Mode selects the install strategy.
type Mode string

const (
	// ModeFull is a permissive install that may regenerate the lock file.
	ModeFull Mode = "full"

	// ModeCIClean installs strictly from the lock file.
	ModeCIClean Mode = "ci-clean"
)

// ErrInstall is returned when the install command itself fails. The cache
// is left unchanged: no partial dependency set is ever handed downstream.
var ErrInstall = errors.New("dependency install command failed")

// Input describes one resolution request.
type Input struct {
	// StageDir is the isolated build context holding the staged source.
	StageDir string

	// Manifest is the parsed dependency manifest of the staged source.
	Manifest *manifest.Manifest

	// Mode is the install strategy from the active environment profile.
	Mode Mode

	// Env is the environment surfaced to the install tooling.
	Env map[string]string
}

// Resolver installs dependency sets through the shared cache.
type Resolver struct {
	fs     fsys.Filesystem
	runner execx.Runner
	cache  *depcache.Cache
}

// New creates a Resolver.
func New(fs fsys.Filesystem, runner execx.Runner, cache *depcache.Cache) *Resolver {
	return &Resolver{fs: fs, runner: runner, cache: cache}
}

// Resolve returns the directory holding the complete installed dependency
// set for in.Manifest. Identical fingerprints are served from cache without
// reinstalling; a changed fingerprint forces a full fresh install.
func (r *Resolver) Resolve(ctx context.Context, in Input) (string, bool, error) {
	if in.Manifest == nil {
		return "", false, fmt.Errorf("resolver: manifest cannot be nil")
	}
	if in.Mode == ModeCIClean {
		if err := in.Manifest.VerifyLock(); err != nil {
			return "", false, err
		}
	}

	key := depcache.Key{
		Ecosystem:   string(in.Manifest.Ecosystem),
		Fingerprint: in.Manifest.Fingerprint,
	}
	dir, hit, err := r.cache.Resolve(ctx, key, func(ctx context.Context, scratch string) error {
		return r.install(ctx, in, scratch)
	})
	if err != nil {
		return "", false, err
	}

	// Full-mode python installs keep the frozen lock inside the cache
	// entry; syncing it into the staged context on every resolve keeps the
	// staged source identical across cache hits and misses.
	if in.Mode == ModeFull && in.Manifest.Ecosystem == manifest.Python {
		if err := r.syncLock(in.StageDir, dir); err != nil {
			return "", false, err
		}
	}

	ctxlog.FromContext(ctx).Info("dependencies resolved",
		"ecosystem", key.Ecosystem, "fingerprint", key.Fingerprint.String(), "cache_hit", hit)
	return dir, hit, nil
}

// install populates scratch with the dependency set for in.
func (r *Resolver) install(ctx context.Context, in Input, scratch string) error {
	if err := r.copyDeclarations(in, scratch); err != nil {
		return fmt.Errorf("%w: %v", ErrInstall, err)
	}

	result, err := r.runner.Run(ctx, installCommand(in, scratch))
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fmt.Errorf("install interrupted: %w", ctxErr)
		}
		if result != nil && result.Stderr != "" {
			return fmt.Errorf("%w: %v: %s", ErrInstall, err, result.Stderr)
		}
		return fmt.Errorf("%w: %v", ErrInstall, err)
	}

	// A permissive python install may resolve versions beyond the staged
	// lock; freeze what was actually installed into the cache entry so the
	// lock handed out with this entry is always the same.
	if in.Mode == ModeFull && in.Manifest.Ecosystem == manifest.Python {
		return r.freezeLock(ctx, scratch, in.Env)
	}
	return nil
}

// freezeLock captures a pip freeze of the installed set and rewrites the
// lock file inside the install directory.
func (r *Resolver) freezeLock(ctx context.Context, installDir string, env map[string]string) error {
	result, err := r.runner.Run(ctx, execx.Spec{
		Program: "pip3",
		Args:    []string{"freeze", "--path", "."},
		Dir:     installDir,
		Env:     env,
	})
	if err != nil {
		return fmt.Errorf("%w: pip freeze: %v", ErrInstall, err)
	}
	lockPath := filepath.Join(installDir, manifest.LockFile(manifest.Python))
	if err := r.fs.WriteFile(lockPath, []byte(result.Stdout), 0o644); err != nil {
		return fmt.Errorf("%w: write lock: %v", ErrInstall, err)
	}
	return nil
}

// syncLock copies the cache entry's lock file over the staged one.
func (r *Resolver) syncLock(stageDir, depsDir string) error {
	data, err := r.fs.ReadFile(filepath.Join(depsDir, manifest.LockFile(manifest.Python)))
	if err != nil {
		return fmt.Errorf("read cached lock: %w", err)
	}
	lockPath := filepath.Join(stageDir, manifest.LockFile(manifest.Python))
	if err := r.fs.WriteFile(lockPath, data, 0o644); err != nil {
		return fmt.Errorf("write staged lock: %w", err)
	}
	return nil
}

// copyDeclarations places the manifest and lock file into the install
// directory so the ecosystem tooling resolves against exactly the staged
// declarations.
func (r *Resolver) copyDeclarations(in Input, scratch string) error {
	for _, name := range []string{
		manifest.ManifestFile(in.Manifest.Ecosystem),
		manifest.LockFile(in.Manifest.Ecosystem),
	} {
		data, err := r.fs.ReadFile(filepath.Join(in.StageDir, name))
		if err != nil {
			return err
		}
		if err := r.fs.WriteFile(filepath.Join(scratch, name), data, 0o644); err != nil {
			return err
		}
	}
	return nil
}

// installCommand builds the ecosystem- and mode-specific install invocation.
func installCommand(in Input, scratch string) execx.Spec {
	env := in.Env
	switch in.Manifest.Ecosystem {
	case manifest.Node:
		args := []string{"install", "--no-audit", "--no-fund"}
		if in.Mode == ModeCIClean {
			args = []string{"ci", "--no-audit", "--no-fund"}
		}
		return execx.Spec{Program: "npm", Args: args, Dir: scratch, Env: env}
	default:
		if in.Mode == ModeCIClean {
			return execx.Spec{
				Program: "pip3",
				Args:    []string{"install", "--target", ".", "--no-deps", "-r", manifest.LockFile(manifest.Python)},
				Dir:     scratch,
				Env:     env,
			}
		}
		return execx.Spec{
			Program: "pip3",
			Args:    []string{"install", "--target", ".", "-r", manifest.ManifestFile(manifest.Python)},
			Dir:     scratch,
			Env:     env,
		}
	}
}
