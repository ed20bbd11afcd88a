// Package staging produces an isolated snapshot of one service's source
// tree inside the build context. Only files under the declared source path
// are copied: a staged context never contains files from a sibling
// service's tree.
package staging

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/procluster/shipwright/internal/ctxlog"
	"github.com/procluster/shipwright/internal/fsys"
)

// ErrSourceMissing is returned when the source path does not exist or is
// not a directory.
var ErrSourceMissing = errors.New("source path does not exist")

// ErrSourceEmpty is returned when the source path contains no files.
var ErrSourceEmpty = errors.New("source path is empty")

// Stager copies source trees into isolated build contexts. It performs no
// network access and has no side effects beyond populating the context.
type Stager struct {
	fs fsys.Filesystem
}

// New creates a Stager over the given filesystem.
func New(fs fsys.Filesystem) *Stager {
	return &Stager{fs: fs}
}

// Stage snapshots the tree under sourcePath into contextDir and returns
// the number of files staged. The destination holds exactly the files
// under sourcePath, nothing else.
func (s *Stager) Stage(ctx context.Context, sourcePath, contextDir string) (int, error) {
	sourcePath = filepath.Clean(sourcePath)

	info, err := s.fs.Stat(sourcePath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, fmt.Errorf("%w: %s", ErrSourceMissing, sourcePath)
		}
		return 0, fmt.Errorf("stat source %q: %w", sourcePath, err)
	}
	if !info.IsDir() {
		return 0, fmt.Errorf("%w: %s is not a directory", ErrSourceMissing, sourcePath)
	}

	empty, err := fsys.DirIsEmpty(s.fs, sourcePath)
	if err != nil {
		return 0, fmt.Errorf("read source %q: %w", sourcePath, err)
	}
	if empty {
		return 0, fmt.Errorf("%w: %s", ErrSourceEmpty, sourcePath)
	}

	if err := ctx.Err(); err != nil {
		return 0, fmt.Errorf("staging cancelled: %w", err)
	}

	if err := fsys.CopyTree(s.fs, sourcePath, contextDir); err != nil {
		return 0, fmt.Errorf("stage %q into %q: %w", sourcePath, contextDir, err)
	}

	count, err := countFiles(s.fs, contextDir)
	if err != nil {
		return 0, fmt.Errorf("count staged files: %w", err)
	}

	ctxlog.FromContext(ctx).Debug("source staged",
		"source", sourcePath, "context", contextDir, "files", count)
	return count, nil
}

// countFiles counts regular files under root.
func countFiles(fs fsys.Filesystem, root string) (int, error) {
	count := 0
	err := fs.Walk(root, func(path string, info os.FileInfo, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if !info.IsDir() {
			count++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return count, nil
}
