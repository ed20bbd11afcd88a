package assembler

import (
	"context"
	"encoding/json"
	"testing"

	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/procluster/shipwright/internal/fsys"
)

func workerInput() Input {
	return Input{
		Service:     "worker",
		Environment: "production",
		Kind:        KindRunnable,
		Ecosystem:   "python",
		SourceDir:   "/work/stage",
		DepsDir:     "/cache/python-abc",
		Entrypoint:  []string{"python3", "app2.py"},
		Env:         map[string]string{"PYTHONUNBUFFERED": "1"},
		OutputDir:   "/work/out",
	}
}

func setupWorkerTrees(t *testing.T, fs fsys.Filesystem) {
	t.Helper()
	require.NoError(t, fs.WriteFile("/work/stage/app2.py", []byte("print('worker')"), 0o644))
	require.NoError(t, fs.WriteFile("/cache/python-abc/schedule/__init__.py", []byte("VERSION = '1.2.2'"), 0o644))
}

func TestAssemble_RunnableImage(t *testing.T) {
	fs := fsys.NewInMemory()
	setupWorkerTrees(t, fs)

	img, err := New(fs).Assemble(context.Background(), workerInput())
	require.NoError(t, err)

	assert.Equal(t, KindRunnable, img.Kind)
	assert.Equal(t, "docker.io/library/python:3.12-slim", img.Base)
	assert.Equal(t, []string{"python3", "app2.py"}, img.Entrypoint)

	require.Len(t, img.Layers, 2)
	assert.Equal(t, "copy-source", img.Layers[0].Action)
	assert.Equal(t, "copy-deps", img.Layers[1].Action)
	for _, layer := range img.Layers {
		exists, err := fs.Exists(layer.Path)
		require.NoError(t, err)
		assert.True(t, exists, "blob %s not written", layer.Path)
	}
}

func TestAssemble_StaticImage(t *testing.T) {
	fs := fsys.NewInMemory()
	require.NoError(t, fs.WriteFile("/work/stage/build/index.html", []byte("<html/>"), 0o644))

	img, err := New(fs).Assemble(context.Background(), Input{
		Service:     "adminportal",
		Environment: "production",
		Kind:        KindStatic,
		Ecosystem:   "node",
		StaticDir:   "/work/stage/build",
		Env:         map[string]string{"NODE_ENV": "production"},
		ExposedPort: 3000,
		OutputDir:   "/work/out",
	})
	require.NoError(t, err)

	assert.Equal(t, "docker.io/library/nginx:1.27-alpine", img.Base)
	assert.Equal(t, []string{"nginx", "-g", "daemon off;"}, img.Entrypoint)
	require.Len(t, img.Layers, 1)
	assert.Equal(t, "copy-static", img.Layers[0].Action)
}

func TestAssemble_DeterministicContentHash(t *testing.T) {
	fs := fsys.NewInMemory()
	setupWorkerTrees(t, fs)
	a := New(fs)

	first, err := a.Assemble(context.Background(), workerInput())
	require.NoError(t, err)
	second, err := a.Assemble(context.Background(), workerInput())
	require.NoError(t, err)

	assert.Equal(t, first.ContentHash, second.ContentHash)
	assert.Equal(t, first.Tag(), second.Tag())
	assert.Len(t, first.Tag(), 32)
}

func TestAssemble_HashTracksInputs(t *testing.T) {
	fs := fsys.NewInMemory()
	setupWorkerTrees(t, fs)
	a := New(fs)

	base, err := a.Assemble(context.Background(), workerInput())
	require.NoError(t, err)

	changedEnv := workerInput()
	changedEnv.Env = map[string]string{"PYTHONUNBUFFERED": "1", "DEBUG": "1"}
	withEnv, err := a.Assemble(context.Background(), changedEnv)
	require.NoError(t, err)
	assert.NotEqual(t, base.ContentHash, withEnv.ContentHash)

	require.NoError(t, fs.WriteFile("/work/stage/app2.py", []byte("print('changed')"), 0o644))
	withSource, err := a.Assemble(context.Background(), workerInput())
	require.NoError(t, err)
	assert.NotEqual(t, base.ContentHash, withSource.ContentHash)
}

func TestAssemble_LayoutFiles(t *testing.T) {
	fs := fsys.NewInMemory()
	setupWorkerTrees(t, fs)

	img, err := New(fs).Assemble(context.Background(), workerInput())
	require.NoError(t, err)

	configBytes, err := fs.ReadFile("/work/out/config.json")
	require.NoError(t, err)
	var config ocispec.Image
	require.NoError(t, json.Unmarshal(configBytes, &config))
	assert.Equal(t, []string{"python3", "app2.py"}, config.Config.Entrypoint)
	assert.Equal(t, []string{"PYTHONUNBUFFERED=1"}, config.Config.Env)
	require.Len(t, config.RootFS.DiffIDs, 2)
	assert.Equal(t, img.Layers[0].DiffID, config.RootFS.DiffIDs[0])

	manifestBytes, err := fs.ReadFile("/work/out/manifest.json")
	require.NoError(t, err)
	var manifest ocispec.Manifest
	require.NoError(t, json.Unmarshal(manifestBytes, &manifest))
	require.Len(t, manifest.Layers, 2)
	assert.Equal(t, img.Layers[0].Digest, manifest.Layers[0].Digest)
	assert.Equal(t, "copy-source", manifest.Layers[0].Annotations["sh.procluster.layer.action"])
}

func TestAssemble_Validation(t *testing.T) {
	fs := fsys.NewInMemory()
	setupWorkerTrees(t, fs)
	a := New(fs)

	tests := []struct {
		name    string
		mutate  func(*Input)
		wantErr error
	}{
		{
			name:    "port out of range",
			mutate:  func(in *Input) { in.ExposedPort = 70000 },
			wantErr: ErrBadPort,
		},
		{
			name:    "unknown ecosystem base",
			mutate:  func(in *Input) { in.Ecosystem = "ruby" },
			wantErr: ErrNoBase,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := workerInput()
			tt.mutate(&in)
			_, err := a.Assemble(context.Background(), in)
			require.ErrorIs(t, err, tt.wantErr)
		})
	}

	t.Run("runnable without entrypoint", func(t *testing.T) {
		in := workerInput()
		in.Entrypoint = nil
		_, err := a.Assemble(context.Background(), in)
		require.Error(t, err)
	})

	t.Run("static without compiled output", func(t *testing.T) {
		_, err := a.Assemble(context.Background(), Input{
			Kind:      KindStatic,
			OutputDir: "/work/out",
		})
		require.Error(t, err)
	})
}
