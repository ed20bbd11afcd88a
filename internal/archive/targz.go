// Package archive produces the tar.gz layer blobs image assembly is built
// from. Archives are normalized (fixed timestamps, zeroed ownership,
// lexical entry order) so identical trees always produce identical digests.
package archive

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/opencontainers/go-digest"

	"github.com/procluster/shipwright/internal/fsys"
)

// MediaType is the media type of the produced layer blobs.
const MediaType = "application/vnd.oci.image.layer.v1.tar+gzip"

// epoch is the fixed timestamp written into every archive entry.
var epoch = time.Unix(0, 0)

// TarGz archives directory trees from a filesystem.
type TarGz struct {
	fs fsys.Filesystem
}

// New creates a TarGz archiver over fs.
func New(fs fsys.Filesystem) *TarGz {
	return &TarGz{fs: fs}
}

// Blob describes one written layer blob.
type Blob struct {
	// Digest is the digest of the compressed stream.
	Digest digest.Digest

	// DiffID is the digest of the uncompressed tar stream.
	DiffID digest.Digest

	// Size is the compressed size in bytes.
	Size int64
}

// Archive writes a normalized tar.gz of the tree under sourceDir to w,
// with every entry prefixed by prefix (the path the content occupies
// inside the image filesystem).
func (a *TarGz) Archive(ctx context.Context, sourceDir, prefix string, w io.Writer) (*Blob, error) {
	compressed := digest.Canonical.Digester()
	uncompressed := digest.Canonical.Digester()
	counter := &countingWriter{w: io.MultiWriter(w, compressed.Hash())}

	gz := gzip.NewWriter(counter)
	tw := tar.NewWriter(io.MultiWriter(gz, uncompressed.Hash()))

	walkErr := a.fs.Walk(sourceDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return fmt.Errorf("walk %q: %w", path, err)
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fmt.Errorf("archive cancelled: %w", ctxErr)
		}
		rel, relErr := filepath.Rel(sourceDir, path)
		if relErr != nil {
			return fmt.Errorf("relative path of %q: %w", path, relErr)
		}
		if rel == "." {
			return nil
		}
		return a.writeEntry(tw, path, filepath.Join(prefix, rel), info)
	})
	if walkErr != nil {
		return nil, walkErr
	}

	if err := tw.Close(); err != nil {
		return nil, fmt.Errorf("close tar stream: %w", err)
	}
	if err := gz.Close(); err != nil {
		return nil, fmt.Errorf("close gzip stream: %w", err)
	}
	return &Blob{
		Digest: compressed.Digest(),
		DiffID: uncompressed.Digest(),
		Size:   counter.n,
	}, nil
}

// writeEntry writes one normalized tar entry.
func (a *TarGz) writeEntry(tw *tar.Writer, path, name string, info os.FileInfo) error {
	header := &tar.Header{
		Name:    filepath.ToSlash(name),
		Mode:    int64(info.Mode().Perm()),
		ModTime: epoch,
	}
	if info.IsDir() {
		header.Typeflag = tar.TypeDir
		header.Name += "/"
		if err := tw.WriteHeader(header); err != nil {
			return fmt.Errorf("write dir header %q: %w", name, err)
		}
		return nil
	}

	header.Typeflag = tar.TypeReg
	header.Size = info.Size()
	if err := tw.WriteHeader(header); err != nil {
		return fmt.Errorf("write file header %q: %w", name, err)
	}

	f, err := a.fs.Open(path)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()
	if _, err := io.Copy(tw, f); err != nil {
		return fmt.Errorf("archive %q: %w", path, err)
	}
	return nil
}

// countingWriter counts bytes written through it.
type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}
