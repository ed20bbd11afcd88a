// Package assembler produces the final deployable image for one pipeline
// run. It selects the minimal runtime base for the service's output kind,
// archives the run's own build context into content-addressed layers, and
// writes an OCI image layout. A produced image never references files
// outside the staged source and build artifact of its one service.
package assembler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/procluster/shipwright/internal/archive"
	"github.com/procluster/shipwright/internal/ctxlog"
	"github.com/procluster/shipwright/internal/fsys"
)

// Kind selects the shape of the assembled image.
type Kind string

const (
	// KindRunnable is a process-runner image over a language runtime base.
	KindRunnable Kind = "runnable_image"

	// KindStatic is a static-file-serving image over a web-server base. It
	// carries only the compiled static output: no source, no dependency
	// tree, no build toolchain.
	KindStatic Kind = "static_dir"
)

// ErrNoBase is returned when no runtime base exists for the requested
// ecosystem and kind.
var ErrNoBase = errors.New("no runtime base for ecosystem")

// ErrBadPort is returned when the declared exposed port is invalid.
var ErrBadPort = errors.New("invalid exposed port")

// Runtime bases, minimal per output kind.
var (
	runtimeBases = map[string]string{
		"python": "docker.io/library/python:3.12-slim",
		"node":   "docker.io/library/node:20-alpine",
	}
	staticBase = "docker.io/library/nginx:1.27-alpine"
)

// staticEntrypoint starts the web server in a static-file-serving image.
var staticEntrypoint = []string{"nginx", "-g", "daemon off;"}

// Filesystem paths content occupies inside assembled images.
const (
	imageSourcePath = "app"
	imageDepsPath   = "app/vendor"
	imageStaticPath = "usr/share/nginx/html"
)

// Layer is one content-addressed step in the assembled image.
type Layer struct {
	// Action names what the layer carries: copy-source, copy-deps,
	// copy-static.
	Action string `json:"action"`

	// MediaType is the blob media type.
	MediaType string `json:"mediaType"`

	// Digest is the digest of the compressed blob.
	Digest digest.Digest `json:"digest"`

	// DiffID is the digest of the uncompressed tar stream.
	DiffID digest.Digest `json:"-"`

	// Size is the compressed blob size in bytes.
	Size int64 `json:"size"`

	// Path is the blob's location in the image layout directory.
	Path string `json:"-"`
}

// Image is the final output of a pipeline run. It is owned by the
// assembler until handed to a deployment target.
type Image struct {
	Service     string
	Environment string
	Kind        Kind
	Base        string
	Layers      []Layer
	Entrypoint  []string
	Env         map[string]string
	ExposedPort int

	// ContentHash is deterministic over base, layer digests, entrypoint,
	// env, and port: identical inputs reproduce identical hashes.
	ContentHash digest.Digest

	// Dir is the OCI image layout directory on the build filesystem.
	Dir string

	ProducedAt time.Time
}

// Tag returns the content-hash tag the deployment target consumes.
func (i *Image) Tag() string {
	return i.ContentHash.Encoded()[:32]
}

// Input describes one assembly request.
type Input struct {
	Service     string
	Environment string
	Kind        Kind
	Ecosystem   string

	// SourceDir is the staged source context. Required for runnable images.
	SourceDir string

	// DepsDir is the resolved dependency set. Required for runnable images.
	DepsDir string

	// StaticDir is the compiled static output. Required for static images.
	StaticDir string

	Entrypoint  []string
	Env         map[string]string
	ExposedPort int

	// OutputDir is where the image layout is written.
	OutputDir string
}

// Assembler writes OCI image layouts.
type Assembler struct {
	fs       fsys.Filesystem
	archiver *archive.TarGz
}

// New creates an Assembler over fs.
func New(fs fsys.Filesystem) *Assembler {
	return &Assembler{fs: fs, archiver: archive.New(fs)}
}

// Assemble produces the image for in.
func (a *Assembler) Assemble(ctx context.Context, in Input) (*Image, error) {
	if err := validate(in); err != nil {
		return nil, err
	}

	img := &Image{
		Service:     in.Service,
		Environment: in.Environment,
		Kind:        in.Kind,
		Env:         in.Env,
		ExposedPort: in.ExposedPort,
		Dir:         in.OutputDir,
		ProducedAt:  time.Now().UTC(),
	}

	var sources []layerSource
	if in.Kind == KindStatic {
		img.Base = staticBase
		img.Entrypoint = staticEntrypoint
		sources = []layerSource{{action: "copy-static", dir: in.StaticDir, prefix: imageStaticPath}}
	} else {
		img.Base = runtimeBases[in.Ecosystem]
		img.Entrypoint = in.Entrypoint
		sources = []layerSource{
			{action: "copy-source", dir: in.SourceDir, prefix: imageSourcePath},
			{action: "copy-deps", dir: in.DepsDir, prefix: imageDepsPath},
		}
	}

	blobDir := filepath.Join(in.OutputDir, "blobs")
	if err := a.fs.MkdirAll(blobDir, 0o755); err != nil {
		return nil, fmt.Errorf("create blob dir: %w", err)
	}

	for _, src := range sources {
		layer, err := a.writeLayer(ctx, src, blobDir)
		if err != nil {
			return nil, err
		}
		img.Layers = append(img.Layers, *layer)
	}

	hash, err := contentHash(img)
	if err != nil {
		return nil, err
	}
	img.ContentHash = hash

	if err := a.writeLayout(img); err != nil {
		return nil, err
	}

	ctxlog.FromContext(ctx).Info("image assembled",
		"service", in.Service, "kind", string(in.Kind),
		"base", img.Base, "content_hash", img.ContentHash.String())
	return img, nil
}

// layerSource pairs a directory with its destination inside the image.
type layerSource struct {
	action string
	dir    string
	prefix string
}

// writeLayer archives one source directory into a content-addressed blob.
func (a *Assembler) writeLayer(ctx context.Context, src layerSource, blobDir string) (*Layer, error) {
	tmpPath := filepath.Join(blobDir, "layer-"+src.action+".tmp")
	f, err := a.fs.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, err
	}

	blob, archiveErr := a.archiver.Archive(ctx, src.dir, src.prefix, f)
	closeErr := f.Close()
	if archiveErr != nil {
		_ = a.fs.Remove(tmpPath)
		return nil, fmt.Errorf("archive %s layer: %w", src.action, archiveErr)
	}
	if closeErr != nil {
		return nil, fmt.Errorf("close %s layer: %w", src.action, closeErr)
	}

	finalPath := filepath.Join(blobDir, blob.Digest.Encoded()+".tar.gz")
	if err := a.fs.Rename(tmpPath, finalPath); err != nil {
		return nil, err
	}

	return &Layer{
		Action:    src.action,
		MediaType: archive.MediaType,
		Digest:    blob.Digest,
		DiffID:    blob.DiffID,
		Size:      blob.Size,
		Path:      finalPath,
	}, nil
}

// writeLayout writes the OCI image config and manifest next to the blobs.
func (a *Assembler) writeLayout(img *Image) error {
	config := ocispec.Image{
		Platform: ocispec.Platform{OS: "linux", Architecture: "amd64"},
		Config: ocispec.ImageConfig{
			Entrypoint: img.Entrypoint,
			Env:        envList(img.Env),
		},
		RootFS: ocispec.RootFS{Type: "layers"},
	}
	if img.ExposedPort > 0 {
		config.Config.ExposedPorts = map[string]struct{}{
			fmt.Sprintf("%d/tcp", img.ExposedPort): {},
		}
	}
	for _, layer := range img.Layers {
		config.RootFS.DiffIDs = append(config.RootFS.DiffIDs, layer.DiffID)
	}

	configBytes, err := json.Marshal(config)
	if err != nil {
		return fmt.Errorf("marshal image config: %w", err)
	}
	if err := a.fs.WriteFile(filepath.Join(img.Dir, "config.json"), configBytes, 0o644); err != nil {
		return err
	}

	manifest := ocispec.Manifest{
		MediaType: ocispec.MediaTypeImageManifest,
		Config: ocispec.Descriptor{
			MediaType: ocispec.MediaTypeImageConfig,
			Digest:    digest.FromBytes(configBytes),
			Size:      int64(len(configBytes)),
		},
	}
	for _, layer := range img.Layers {
		manifest.Layers = append(manifest.Layers, ocispec.Descriptor{
			MediaType: layer.MediaType,
			Digest:    layer.Digest,
			Size:      layer.Size,
			Annotations: map[string]string{
				"sh.procluster.layer.action": layer.Action,
			},
		})
	}

	manifestBytes, err := json.Marshal(manifest)
	if err != nil {
		return fmt.Errorf("marshal image manifest: %w", err)
	}
	return a.fs.WriteFile(filepath.Join(img.Dir, "manifest.json"), manifestBytes, 0o644)
}

// contentHash derives the deterministic image hash. Timestamps and run IDs
// are deliberately excluded so re-running identical inputs reproduces the
// same hash.
func contentHash(img *Image) (digest.Digest, error) {
	type hashLayer struct {
		Action string        `json:"action"`
		Digest digest.Digest `json:"digest"`
	}
	payload := struct {
		Base       string            `json:"base"`
		Layers     []hashLayer       `json:"layers"`
		Entrypoint []string          `json:"entrypoint"`
		Env        map[string]string `json:"env"`
		Port       int               `json:"port"`
	}{
		Base:       img.Base,
		Entrypoint: img.Entrypoint,
		Env:        img.Env,
		Port:       img.ExposedPort,
	}
	for _, layer := range img.Layers {
		payload.Layers = append(payload.Layers, hashLayer{Action: layer.Action, Digest: layer.Digest})
	}

	// encoding/json writes map keys in sorted order, which keeps the
	// payload canonical.
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal hash payload: %w", err)
	}
	return digest.FromBytes(raw), nil
}

// envList renders the env map as sorted KEY=value pairs for the OCI config.
func envList(env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	// Sorted for deterministic config bytes.
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+env[k])
	}
	return out
}

// validate rejects inputs the assembler cannot produce an image from.
func validate(in Input) error {
	if in.ExposedPort < 0 || in.ExposedPort > 65535 {
		return fmt.Errorf("%w: %d", ErrBadPort, in.ExposedPort)
	}
	if in.OutputDir == "" {
		return fmt.Errorf("assembler: output dir cannot be empty")
	}
	switch in.Kind {
	case KindStatic:
		if in.StaticDir == "" {
			return fmt.Errorf("assembler: static image requires a compiled static dir")
		}
	case KindRunnable:
		if _, ok := runtimeBases[in.Ecosystem]; !ok {
			return fmt.Errorf("%w: %q", ErrNoBase, in.Ecosystem)
		}
		if in.SourceDir == "" || in.DepsDir == "" {
			return fmt.Errorf("assembler: runnable image requires staged source and resolved deps")
		}
		if len(in.Entrypoint) == 0 {
			return fmt.Errorf("assembler: runnable image requires an entrypoint")
		}
	default:
		return fmt.Errorf("assembler: unknown output kind %q", in.Kind)
	}
	return nil
}
