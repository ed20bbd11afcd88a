//go:build integration

package shipwright

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/procluster/shipwright/internal/fsys"
)

// TestPublish_LocalRegistry pushes a built image into a throwaway registry
// and verifies the push is repeatable. Run with -tags integration; requires
// Docker.
func TestPublish_LocalRegistry(t *testing.T) {
	ctx := context.Background()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "registry:2",
			ExposedPorts: []string{"5000/tcp"},
			WaitingFor:   wait.ForListeningPort("5000/tcp"),
		},
		Started: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "5000")
	require.NoError(t, err)
	endpoint := fmt.Sprintf("%s:%s", host, port.Port())

	fs := fsys.NewInMemory()
	seedRepo(t, fs)
	p := newTestPipeline(t, fs, &toolRunner{fs: fs}, WithPlainHTTPRegistry())

	img, err := p.Build(ctx, "worker", "production")
	require.NoError(t, err)

	repoRef := endpoint + "/procluster/worker"
	ref, err := p.Publish(ctx, img, repoRef)
	require.NoError(t, err)
	require.Equal(t, repoRef+":"+img.Tag(), ref)

	// A second push finds every blob already present and still succeeds.
	again, err := p.Publish(ctx, img, repoRef)
	require.NoError(t, err)
	require.Equal(t, ref, again)
}
