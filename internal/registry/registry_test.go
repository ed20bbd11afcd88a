package registry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"testing"

	"github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"oras.land/oras-go/v2/errdef"

	"github.com/procluster/shipwright/internal/assembler"
	"github.com/procluster/shipwright/internal/fsys"
)

func TestPublish_BadReference(t *testing.T) {
	p := New(fsys.NewInMemory(), Options{})

	tests := []struct {
		name string
		ref  string
	}{
		{"empty", ""},
		{"whitespace", "registry.example.com/repo with space"},
		{"unparseable", "http://registry/repo"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := p.Publish(context.Background(), &assembler.Image{}, tt.ref)
			require.ErrorIs(t, err, ErrBadReference)
		})
	}
}

// fakeBlobStore fails every push with a fixed error.
type fakeBlobStore struct {
	err    error
	pushes int
}

func (s *fakeBlobStore) Push(_ context.Context, _ ocispec.Descriptor, _ io.Reader) error {
	s.pushes++
	return s.err
}

func TestPushBlob_ToleratesExistingBlobs(t *testing.T) {
	desc := ocispec.Descriptor{
		MediaType: ocispec.MediaTypeImageConfig,
		Digest:    digest.FromString("config"),
		Size:      6,
	}

	// The registry reporting the blob as already present is a success,
	// even through wrapping.
	store := &fakeBlobStore{err: fmt.Errorf("push config: %w", errdef.ErrAlreadyExists)}
	require.NoError(t, pushBlob(context.Background(), store, desc, []byte("config")))
	assert.Equal(t, 1, store.pushes)

	store = &fakeBlobStore{err: errors.New("connection reset")}
	require.Error(t, pushBlob(context.Background(), store, desc, []byte("config")))
}

func TestRepository_Configuration(t *testing.T) {
	p := New(fsys.NewInMemory(), Options{
		StaticRegistry: "registry.example.com",
		StaticUsername: "builder",
		StaticPassword: "secret",
		PlainHTTP:      true,
	})

	repo, err := p.repository("registry.example.com/procluster/worker")
	require.NoError(t, err)
	assert.True(t, repo.PlainHTTP)
	assert.Equal(t, "registry.example.com", repo.Reference.Registry)
	assert.Equal(t, "procluster/worker", repo.Reference.Repository)
}
