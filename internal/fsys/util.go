package fsys

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// CopyTree copies every file under src on the filesystem into dst,
// preserving relative paths and file modes. dst is created if missing.
func CopyTree(fs Filesystem, src, dst string) error {
	if err := fs.MkdirAll(dst, 0o755); err != nil {
		return fmt.Errorf("create destination %q: %w", dst, err)
	}
	if err := fs.Walk(src, func(path string, info os.FileInfo, walkErr error) error {
		if walkErr != nil {
			return fmt.Errorf("walk %q: %w", path, walkErr)
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return fmt.Errorf("relative path of %q: %w", path, err)
		}
		if rel == "." {
			return nil
		}
		target := filepath.Join(dst, rel)
		if info.IsDir() {
			if err := fs.MkdirAll(target, info.Mode()); err != nil {
				return err
			}
			return nil
		}
		return copyFile(fs, path, target, info.Mode())
	}); err != nil {
		return fmt.Errorf("copy tree %q -> %q: %w", src, dst, err)
	}
	return nil
}

// copyFile copies a single file, creating parent directories as needed.
func copyFile(fs Filesystem, src, dst string, perm os.FileMode) error {
	if err := fs.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	in, err := fs.Open(src)
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()

	out, err := fs.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return fmt.Errorf("copy %q -> %q: %w", src, dst, err)
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("close %q: %w", dst, err)
	}
	return nil
}

// RemoveAll removes a directory tree, deepest paths first. Missing paths
// are not an error.
func RemoveAll(fs Filesystem, root string) error {
	exists, err := fs.Exists(root)
	if err != nil {
		return err
	}
	if !exists {
		return nil
	}
	var toDelete []string
	_ = fs.Walk(root, func(path string, info os.FileInfo, walkErr error) error {
		if walkErr != nil {
			return nil
		}
		toDelete = append(toDelete, path)
		return nil
	})
	for i := len(toDelete) - 1; i >= 0; i-- {
		_ = fs.Remove(toDelete[i])
	}
	return nil
}

// DirIsEmpty reports whether dir exists and contains no entries.
func DirIsEmpty(fs Filesystem, dir string) (bool, error) {
	entries, err := fs.ReadDir(dir)
	if err != nil {
		return false, err
	}
	return len(entries) == 0, nil
}
