// Package depcache is the shared, mutable dependency install cache.
//
// Entries are keyed by (ecosystem, lock fingerprint). Reads are concurrent;
// a miss triggers at most one install per key at a time: concurrent misses
// on the same fingerprint coalesce into one install instead of racing.
// Installs land in a scratch directory and become visible only on full
// success, so a cancelled install never leaves a partial entry behind.
package depcache

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	"github.com/opencontainers/go-digest"
	"golang.org/x/sync/singleflight"

	"github.com/procluster/shipwright/internal/ctxlog"
	"github.com/procluster/shipwright/internal/fsys"
)

// Key identifies one cache entry.
type Key struct {
	Ecosystem   string
	Fingerprint digest.Digest
}

// String renders the key as the entry's directory name.
func (k Key) String() string {
	return k.Ecosystem + "-" + strings.ReplaceAll(k.Fingerprint.String(), ":", "-")
}

// InstallFunc populates dir with a full dependency set. It must only be
// considered successful when the set is complete.
type InstallFunc func(ctx context.Context, dir string) error

// Stats tracks cache effectiveness across runs.
type Stats struct {
	Hits      int64
	Misses    int64
	Installs  int64
	Coalesced int64
}

// Cache stores installed dependency sets on a filesystem.
type Cache struct {
	fs   fsys.Filesystem
	root string

	group singleflight.Group

	mu    sync.Mutex
	stats Stats
}

// New creates a cache rooted at root, creating the directory if needed.
func New(fs fsys.Filesystem, root string) (*Cache, error) {
	if root == "" {
		return nil, fmt.Errorf("depcache: root cannot be empty")
	}
	if err := fs.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("depcache: create root: %w", err)
	}
	return &Cache{fs: fs, root: root}, nil
}

// Resolve returns the directory holding the installed dependency set for
// key, running install on a miss. The boolean reports whether the entry
// was already present.
func (c *Cache) Resolve(ctx context.Context, key Key, install InstallFunc) (string, bool, error) {
	entryDir := filepath.Join(c.root, key.String())

	// Fast path: committed entry already on disk.
	if exists, err := c.fs.Exists(entryDir); err != nil {
		return "", false, fmt.Errorf("depcache: check entry: %w", err)
	} else if exists {
		c.record(func(s *Stats) { s.Hits++ })
		return entryDir, true, nil
	}

	// Coalesce concurrent misses on the same fingerprint into one install.
	type outcome struct {
		dir string
		hit bool
	}
	v, err, shared := c.group.Do(key.String(), func() (any, error) {
		// A racing run may have committed the entry while we queued.
		if exists, exErr := c.fs.Exists(entryDir); exErr != nil {
			return nil, fmt.Errorf("depcache: check entry: %w", exErr)
		} else if exists {
			return outcome{dir: entryDir, hit: true}, nil
		}
		if err := c.installAtomic(ctx, key, entryDir, install); err != nil {
			return nil, err
		}
		return outcome{dir: entryDir, hit: false}, nil
	})
	if err != nil {
		return "", false, err
	}

	out := v.(outcome)
	c.record(func(s *Stats) {
		if out.hit {
			s.Hits++
			return
		}
		s.Misses++
		if shared {
			s.Coalesced++
		}
	})
	return out.dir, out.hit, nil
}

// installAtomic runs install against a scratch directory and renames it
// into place on success. The rename is the commit point: other runs either
// see no entry or a complete one.
func (c *Cache) installAtomic(ctx context.Context, key Key, entryDir string, install InstallFunc) error {
	scratch, err := c.fs.TempDir(c.root, "install-")
	if err != nil {
		return fmt.Errorf("depcache: scratch dir: %w", err)
	}
	defer func() { _ = fsys.RemoveAll(c.fs, scratch) }()

	if err := install(ctx, scratch); err != nil {
		return fmt.Errorf("depcache: install %s: %w", key, err)
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("depcache: install %s cancelled: %w", key, err)
	}

	if err := c.fs.Rename(scratch, entryDir); err != nil {
		return fmt.Errorf("depcache: commit %s: %w", key, err)
	}
	c.record(func(s *Stats) { s.Installs++ })
	ctxlog.FromContext(ctx).Debug("dependency set cached", "key", key.String())
	return nil
}

// Invalidate removes the entry for key, if present.
func (c *Cache) Invalidate(key Key) error {
	return fsys.RemoveAll(c.fs, filepath.Join(c.root, key.String()))
}

// Stats returns a copy of the current counters.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

func (c *Cache) record(fn func(*Stats)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fn(&c.stats)
}
