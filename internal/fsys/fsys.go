// Package fsys provides the filesystem abstraction the pipeline stages
// operate on. Production code runs against the OS filesystem; tests run
// against an in-memory filesystem with identical semantics.
package fsys

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/memfs"
	"github.com/go-git/go-billy/v5/osfs"
	"github.com/go-git/go-billy/v5/util"
)

// File is an open file handle supporting basic I/O operations.
// Implementations behave consistently with the standard library.
type File interface {
	Close() error
	Name() string
	Read(p []byte) (n int, err error)
	Seek(offset int64, whence int) (int64, error)
	Write(p []byte) (n int, err error)
}

// Filesystem is the subset of filesystem operations the pipeline needs.
type Filesystem interface {
	Create(name string) (File, error)
	Open(name string) (File, error)
	OpenFile(name string, flag int, perm os.FileMode) (File, error)
	Stat(name string) (os.FileInfo, error)
	Exists(path string) (bool, error)
	ReadDir(dirname string) ([]os.FileInfo, error)
	ReadFile(path string) ([]byte, error)
	WriteFile(filename string, data []byte, perm os.FileMode) error
	MkdirAll(path string, perm os.FileMode) error
	Remove(name string) error
	Rename(oldpath, newpath string) error
	TempDir(dir, prefix string) (string, error)
	Walk(root string, walkFn filepath.WalkFunc) error
}

// FS implements Filesystem using go-billy.
type FS struct {
	fs billy.Filesystem
}

// NewOS creates a filesystem rooted at path on the host.
func NewOS(path string) *FS {
	return &FS{fs: osfs.New(path)}
}

// NewInMemory creates an in-memory filesystem for tests.
func NewInMemory() *FS {
	return &FS{fs: memfs.New()}
}

// New wraps an existing go-billy filesystem.
func New(fsys billy.Filesystem) *FS {
	return &FS{fs: fsys}
}

// Create implements Filesystem.Create.
func (f *FS) Create(name string) (File, error) {
	file, err := f.fs.Create(name)
	if err != nil {
		return nil, fmt.Errorf("fsys: create %q: %w", name, err)
	}
	return file, nil
}

// Open implements Filesystem.Open.
func (f *FS) Open(name string) (File, error) {
	file, err := f.fs.Open(name)
	if err != nil {
		return nil, fmt.Errorf("fsys: open %q: %w", name, err)
	}
	return file, nil
}

// OpenFile implements Filesystem.OpenFile.
func (f *FS) OpenFile(name string, flag int, perm os.FileMode) (File, error) {
	file, err := f.fs.OpenFile(name, flag, perm)
	if err != nil {
		return nil, fmt.Errorf("fsys: openfile %q: %w", name, err)
	}
	return file, nil
}

// Stat implements Filesystem.Stat.
func (f *FS) Stat(name string) (os.FileInfo, error) {
	info, err := f.fs.Stat(name)
	if err != nil {
		return nil, fmt.Errorf("fsys: stat %q: %w", name, err)
	}
	return info, nil
}

// Exists reports whether path exists.
func (f *FS) Exists(path string) (bool, error) {
	_, err := f.fs.Stat(path)
	switch {
	case err == nil:
		return true, nil
	case os.IsNotExist(err):
		return false, nil
	default:
		return false, fmt.Errorf("fsys: stat %q: %w", path, err)
	}
}

// ReadDir implements Filesystem.ReadDir.
func (f *FS) ReadDir(dirname string) ([]os.FileInfo, error) {
	list, err := f.fs.ReadDir(dirname)
	if err != nil {
		return nil, fmt.Errorf("fsys: readdir %q: %w", dirname, err)
	}
	return list, nil
}

// ReadFile implements Filesystem.ReadFile.
func (f *FS) ReadFile(path string) ([]byte, error) {
	bts, err := util.ReadFile(f.fs, path)
	if err != nil {
		return nil, fmt.Errorf("fsys: readfile %q: %w", path, err)
	}
	return bts, nil
}

// WriteFile implements Filesystem.WriteFile.
func (f *FS) WriteFile(filename string, data []byte, perm os.FileMode) error {
	if err := util.WriteFile(f.fs, filename, data, perm); err != nil {
		return fmt.Errorf("fsys: writefile %q: %w", filename, err)
	}
	return nil
}

// MkdirAll implements Filesystem.MkdirAll.
func (f *FS) MkdirAll(path string, perm os.FileMode) error {
	if err := f.fs.MkdirAll(path, perm); err != nil {
		return fmt.Errorf("fsys: mkdirall %q: %w", path, err)
	}
	return nil
}

// Remove implements Filesystem.Remove.
func (f *FS) Remove(name string) error {
	if err := f.fs.Remove(name); err != nil {
		return fmt.Errorf("fsys: remove %q: %w", name, err)
	}
	return nil
}

// Rename implements Filesystem.Rename.
func (f *FS) Rename(oldpath, newpath string) error {
	if err := f.fs.Rename(oldpath, newpath); err != nil {
		return fmt.Errorf("fsys: rename %q -> %q: %w", oldpath, newpath, err)
	}
	return nil
}

// TempDir implements Filesystem.TempDir.
func (f *FS) TempDir(dir, prefix string) (string, error) {
	name, err := util.TempDir(f.fs, dir, prefix)
	if err != nil {
		return "", fmt.Errorf("fsys: tempdir dir=%q prefix=%q: %w", dir, prefix, err)
	}
	return name, nil
}

// Walk implements Filesystem.Walk. Entries are visited in lexical order.
func (f *FS) Walk(root string, walkFn filepath.WalkFunc) error {
	if err := util.Walk(f.fs, root, walkFn); err != nil {
		return fmt.Errorf("fsys: walk %q: %w", root, err)
	}
	return nil
}
