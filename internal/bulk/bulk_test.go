package bulk

import (
	"context"
	"sync"
	"testing"

	"github.com/WorkingRobot/egvmount/internal/cachestore"
	"github.com/WorkingRobot/egvmount/internal/chunkcodec"
	"github.com/WorkingRobot/egvmount/internal/manifest"
	"github.com/WorkingRobot/egvmount/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeEngine struct {
	mu      sync.Mutex
	present map[manifest.GUID]bool
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{present: make(map[manifest.GUID]bool)}
}

func (f *fakeEngine) ChunkPresent(guid manifest.GUID) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.present[guid]
}

func (f *fakeEngine) Download(ctx context.Context, chunk *manifest.Chunk) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.present[chunk.GUID] = true
	return nil
}

func (f *fakeEngine) Verify(ctx context.Context, chunk *manifest.Chunk) (storage.VerifyResult, error) {
	return storage.VerifyVerified, nil
}

func guid(n byte) manifest.GUID {
	var g manifest.GUID
	g[0] = n
	return g
}

func buildManifest(guids ...byte) *manifest.Manifest {
	m := &manifest.Manifest{Chunks: make(map[manifest.GUID]*manifest.Chunk)}
	for _, n := range guids {
		g := guid(n)
		m.Chunks[g] = &manifest.Chunk{GUID: g}
	}
	return m
}

func TestPreloadAllDownloadsMissingChunks(t *testing.T) {
	eng := newFakeEngine()
	m := buildManifest(1, 2, 3)

	var progressed int
	summary := PreloadAll(context.Background(), eng, m, 2, func(completed, failed, total int) {
		progressed = completed
	})

	assert.Equal(t, 3, summary.Total)
	assert.Equal(t, 3, summary.Succeeded)
	assert.Equal(t, 3, progressed)
	for _, c := range m.Chunks {
		assert.True(t, eng.ChunkPresent(c.GUID))
	}
}

func TestPreloadAllSkipsPresentChunks(t *testing.T) {
	eng := newFakeEngine()
	m := buildManifest(1, 2)
	eng.present[guid(1)] = true

	summary := PreloadAll(context.Background(), eng, m, 2, nil)
	assert.Equal(t, 1, summary.Total)
}

func TestVerifyAllOnlyPresentChunks(t *testing.T) {
	eng := newFakeEngine()
	m := buildManifest(1, 2)
	eng.present[guid(1)] = true

	summary := VerifyAll(context.Background(), eng, m, 2, nil)
	assert.Equal(t, 1, summary.Total)
}

func TestPurgeUnusedDeletesOrphans(t *testing.T) {
	cache := cachestore.New(t.TempDir())
	require.NoError(t, cache.EnsureLayout())

	live := buildManifest(1, 2)
	orphan := guid(3)
	for _, g := range []manifest.GUID{guid(1), guid(2), orphan} {
		require.NoError(t, cache.WriteCached(g, chunkcodec.FormDecompressed, 1, []byte("x")))
	}

	summary, err := PurgeUnused(context.Background(), cache, live, nil)
	require.NoError(t, err)
	assert.Equal(t, 3, summary.Total)
	assert.Equal(t, 1, summary.Deleted)
	assert.False(t, cache.Present(orphan))
	assert.True(t, cache.Present(guid(1)))
	assert.True(t, cache.Present(guid(2)))
}

func TestPurgeUnusedCancellation(t *testing.T) {
	cache := cachestore.New(t.TempDir())
	require.NoError(t, cache.EnsureLayout())
	require.NoError(t, cache.WriteCached(guid(1), chunkcodec.FormDecompressed, 1, []byte("x")))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	m := buildManifest(1)
	_, err := PurgeUnused(ctx, cache, m, nil)
	assert.ErrorIs(t, err, ErrCancelled)
}
