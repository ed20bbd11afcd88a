package depcache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/opencontainers/go-digest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/procluster/shipwright/internal/fsys"
)

func testKey(payload string) Key {
	return Key{Ecosystem: "python", Fingerprint: digest.FromString(payload)}
}

func TestResolve_MissThenHit(t *testing.T) {
	fs := fsys.NewInMemory()
	cache, err := New(fs, "/cache")
	require.NoError(t, err)

	installs := 0
	install := func(ctx context.Context, dir string) error {
		installs++
		return fs.WriteFile(dir+"/pkg.txt", []byte("installed"), 0o644)
	}

	key := testKey("lock-v1")
	dir, hit, err := cache.Resolve(context.Background(), key, install)
	require.NoError(t, err)
	assert.False(t, hit)
	assert.Equal(t, 1, installs)

	// Installed content is visible at the committed path.
	data, err := fs.ReadFile(dir + "/pkg.txt")
	require.NoError(t, err)
	assert.Equal(t, "installed", string(data))

	// Unchanged fingerprint is a no-op: no reinstall, ever.
	dir2, hit, err := cache.Resolve(context.Background(), key, install)
	require.NoError(t, err)
	assert.True(t, hit)
	assert.Equal(t, dir, dir2)
	assert.Equal(t, 1, installs)

	stats := cache.Stats()
	assert.Equal(t, int64(1), stats.Hits)
	assert.Equal(t, int64(1), stats.Misses)
	assert.Equal(t, int64(1), stats.Installs)
}

func TestResolve_ChangedFingerprintReinstalls(t *testing.T) {
	fs := fsys.NewInMemory()
	cache, err := New(fs, "/cache")
	require.NoError(t, err)

	installs := 0
	install := func(ctx context.Context, dir string) error {
		installs++
		return fs.WriteFile(dir+"/pkg.txt", []byte("x"), 0o644)
	}

	_, _, err = cache.Resolve(context.Background(), testKey("lock-v1"), install)
	require.NoError(t, err)
	_, _, err = cache.Resolve(context.Background(), testKey("lock-v2"), install)
	require.NoError(t, err)
	assert.Equal(t, 2, installs)
}

func TestResolve_FailedInstallLeavesCacheUnchanged(t *testing.T) {
	fs := fsys.NewInMemory()
	cache, err := New(fs, "/cache")
	require.NoError(t, err)

	boom := errors.New("registry unavailable")
	key := testKey("lock-v1")
	_, _, err = cache.Resolve(context.Background(), key, func(ctx context.Context, dir string) error {
		// Partial work before the failure must not become visible.
		_ = fs.WriteFile(dir+"/partial.txt", []byte("partial"), 0o644)
		return boom
	})
	require.ErrorIs(t, err, boom)

	exists, err := fs.Exists("/cache/" + key.String())
	require.NoError(t, err)
	assert.False(t, exists, "failed install must not commit an entry")
	assert.Equal(t, int64(0), cache.Stats().Installs)

	// The next resolve retries the install from scratch.
	installs := 0
	_, hit, err := cache.Resolve(context.Background(), key, func(ctx context.Context, dir string) error {
		installs++
		return fs.WriteFile(dir+"/pkg.txt", []byte("ok"), 0o644)
	})
	require.NoError(t, err)
	assert.False(t, hit)
	assert.Equal(t, 1, installs)
}

func TestResolve_ConcurrentMissesCoalesce(t *testing.T) {
	fs := fsys.NewInMemory()
	cache, err := New(fs, "/cache")
	require.NoError(t, err)

	var installs atomic.Int64
	release := make(chan struct{})
	install := func(ctx context.Context, dir string) error {
		installs.Add(1)
		<-release
		return fs.WriteFile(dir+"/pkg.txt", []byte("ok"), 0o644)
	}

	key := testKey("lock-v1")
	const workers = 8
	var wg sync.WaitGroup
	errs := make([]error, workers)
	dirs := make([]string, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			dirs[i], _, errs[i] = cache.Resolve(context.Background(), key, install)
		}(i)
	}
	close(release)
	wg.Wait()

	for i := 0; i < workers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, dirs[0], dirs[i])
	}
	assert.Equal(t, int64(1), installs.Load(), "concurrent misses must coalesce into one install")
}

func TestInvalidate(t *testing.T) {
	fs := fsys.NewInMemory()
	cache, err := New(fs, "/cache")
	require.NoError(t, err)

	key := testKey("lock-v1")
	_, _, err = cache.Resolve(context.Background(), key, func(ctx context.Context, dir string) error {
		return fs.WriteFile(dir+"/pkg.txt", []byte("ok"), 0o644)
	})
	require.NoError(t, err)

	require.NoError(t, cache.Invalidate(key))
	exists, err := fs.Exists("/cache/" + key.String())
	require.NoError(t, err)
	assert.False(t, exists)
}
