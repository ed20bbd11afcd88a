// Package registry hands assembled images to an OCI registry using ORAS.
// This isolates the ORAS dependency from the rest of the pipeline.
package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"oras.land/oras-go/v2"
	"oras.land/oras-go/v2/errdef"
	"oras.land/oras-go/v2/registry/remote"
	"oras.land/oras-go/v2/registry/remote/auth"
	"oras.land/oras-go/v2/registry/remote/retry"

	"github.com/procluster/shipwright/internal/assembler"
	"github.com/procluster/shipwright/internal/ctxlog"
	"github.com/procluster/shipwright/internal/fsys"
)

// ErrBadReference is returned when the target reference cannot be parsed.
var ErrBadReference = errors.New("invalid registry reference")

// Options configures registry access.
type Options struct {
	// StaticRegistry, StaticUsername, StaticPassword provide static
	// credentials for one registry. Left empty, the default Docker
	// credential chain applies.
	StaticRegistry string
	StaticUsername string
	StaticPassword string

	// PlainHTTP enables HTTP instead of HTTPS, for local registries.
	PlainHTTP bool
}

// Publisher pushes assembled images.
type Publisher struct {
	fs   fsys.Filesystem
	opts Options
}

// New creates a Publisher reading image layouts from fs.
func New(fs fsys.Filesystem, opts Options) *Publisher {
	return &Publisher{fs: fs, opts: opts}
}

// Publish pushes img's blobs and manifest to repoRef, tagging the manifest
// with the image's content-hash tag. It returns the full pushed reference.
func (p *Publisher) Publish(ctx context.Context, img *assembler.Image, repoRef string) (string, error) {
	repo, err := p.repository(repoRef)
	if err != nil {
		return "", err
	}

	for _, layer := range img.Layers {
		data, readErr := p.fs.ReadFile(layer.Path)
		if readErr != nil {
			return "", fmt.Errorf("read layer blob: %w", readErr)
		}
		desc := ocispec.Descriptor{
			MediaType: layer.MediaType,
			Digest:    layer.Digest,
			Size:      layer.Size,
		}
		if pushErr := pushBlob(ctx, repo.Blobs(), desc, data); pushErr != nil {
			return "", fmt.Errorf("push %s layer: %w", layer.Action, pushErr)
		}
	}

	configBytes, err := p.fs.ReadFile(img.Dir + "/config.json")
	if err != nil {
		return "", fmt.Errorf("read image config: %w", err)
	}
	manifestBytes, err := p.fs.ReadFile(img.Dir + "/manifest.json")
	if err != nil {
		return "", fmt.Errorf("read image manifest: %w", err)
	}

	var manifest ocispec.Manifest
	if err := json.Unmarshal(manifestBytes, &manifest); err != nil {
		return "", fmt.Errorf("decode image manifest: %w", err)
	}
	if err := pushBlob(ctx, repo.Blobs(), manifest.Config, configBytes); err != nil {
		return "", fmt.Errorf("push image config: %w", err)
	}

	tag := img.Tag()
	if _, err := oras.TagBytes(ctx, repo, ocispec.MediaTypeImageManifest, manifestBytes, tag); err != nil {
		return "", fmt.Errorf("tag manifest: %w", err)
	}

	pushed := repoRef + ":" + tag
	ctxlog.FromContext(ctx).Info("image published", "reference", pushed)
	return pushed, nil
}

// blobPusher is the push surface of an ORAS blob store.
type blobPusher interface {
	Push(ctx context.Context, expected ocispec.Descriptor, content io.Reader) error
}

// pushBlob uploads one blob, tolerating blobs the registry already holds.
func pushBlob(ctx context.Context, store blobPusher, desc ocispec.Descriptor, data []byte) error {
	err := store.Push(ctx, desc, bytes.NewReader(data))
	if err != nil && !errors.Is(err, errdef.ErrAlreadyExists) {
		return err
	}
	return nil
}

// repository creates an authenticated ORAS repository for repoRef.
// Static credentials, when configured, override the default Docker
// credential chain for the matching registry only.
func (p *Publisher) repository(repoRef string) (*remote.Repository, error) {
	if repoRef == "" || strings.ContainsAny(repoRef, " \t") {
		return nil, fmt.Errorf("%w: %q", ErrBadReference, repoRef)
	}

	repo, err := remote.NewRepository(repoRef)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", ErrBadReference, repoRef, err)
	}
	repo.PlainHTTP = p.opts.PlainHTTP

	client := &auth.Client{
		Client: retry.DefaultClient,
		Cache:  auth.NewCache(),
	}
	if p.opts.StaticRegistry != "" {
		client.Credential = auth.StaticCredential(p.opts.StaticRegistry, auth.Credential{
			Username: p.opts.StaticUsername,
			Password: p.opts.StaticPassword,
		})
	}
	repo.Client = client

	return repo, nil
}
