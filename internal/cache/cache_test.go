package cache_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/indexd/internal/cache"
	"github.com/fyrsmithlabs/indexd/internal/config"
)

func testCacheConfig() config.CacheConfig {
	compress := true
	small := config.CacheNamespaceConfig{TTL: config.Duration(time.Hour), MaxEntries: 3}
	return config.CacheConfig{
		Backend:           config.BackendLocal,
		Embeddings:        config.CacheNamespaceConfig{TTL: config.Duration(time.Hour), MaxEntries: 10, Compression: &compress},
		SearchResults:     small,
		Metadata:          small,
		ProviderResponses: small,
		SyncBatches:       config.CacheNamespaceConfig{TTL: config.Duration(24 * time.Hour), MaxEntries: 10},
	}
}

func newTestCache(t *testing.T) (*cache.Cache, *cache.LocalBackend) {
	t.Helper()
	backend, err := cache.NewLocalBackend(testCacheConfig())
	require.NoError(t, err)
	c := cache.New(backend, testCacheConfig(), zap.NewNop())
	t.Cleanup(func() { _ = c.Close() })
	return c, backend
}

func TestPutGetRoundTrip(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()

	c.Put(ctx, cache.NamespaceMetadata, "repo1", []byte(`{"head":"abc"}`), 0)

	got, ok := c.Get(ctx, cache.NamespaceMetadata, "repo1")
	assert.True(t, ok)
	assert.Equal(t, []byte(`{"head":"abc"}`), got)
}

func TestGetMiss(t *testing.T) {
	c, _ := newTestCache(t)

	_, ok := c.Get(context.Background(), cache.NamespaceMetadata, "absent")
	assert.False(t, ok)
}

func TestCompressionTransparent(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()

	// Embeddings namespace compresses; the caller sees original bytes.
	value := []byte("[0.1, 0.2, 0.3, 0.1, 0.2, 0.3, 0.1, 0.2, 0.3]")
	c.Put(ctx, cache.NamespaceEmbeddings, "chunk-1", value, 0)

	got, ok := c.Get(ctx, cache.NamespaceEmbeddings, "chunk-1")
	assert.True(t, ok)
	assert.Equal(t, value, got)
}

func TestDelete(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()

	c.Put(ctx, cache.NamespaceMetadata, "k", []byte("v"), 0)
	c.Delete(ctx, cache.NamespaceMetadata, "k")

	_, ok := c.Get(ctx, cache.NamespaceMetadata, "k")
	assert.False(t, ok)
}

func TestNamespaceIsolation(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()

	c.Put(ctx, cache.NamespaceMetadata, "k", []byte("meta"), 0)
	c.Put(ctx, cache.NamespaceSearchResults, "k", []byte("results"), 0)

	got, ok := c.Get(ctx, cache.NamespaceMetadata, "k")
	require.True(t, ok)
	assert.Equal(t, []byte("meta"), got)

	got, ok = c.Get(ctx, cache.NamespaceSearchResults, "k")
	require.True(t, ok)
	assert.Equal(t, []byte("results"), got)
}

func TestLRUBound(t *testing.T) {
	c, backend := newTestCache(t)
	ctx := context.Background()

	// Metadata namespace is capped at 3 entries; insertions beyond the
	// cap evict the least recently used key.
	for i := 0; i < 5; i++ {
		c.Put(ctx, cache.NamespaceMetadata, fmt.Sprintf("k%d", i), []byte("v"), 0)
	}

	assert.Equal(t, 3, backend.Len(cache.NamespaceMetadata))

	_, ok := c.Get(ctx, cache.NamespaceMetadata, "k0")
	assert.False(t, ok, "oldest entry should be evicted")
	_, ok = c.Get(ctx, cache.NamespaceMetadata, "k4")
	assert.True(t, ok, "newest entry should survive")
}

func TestTTLExpiry(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()

	c.Put(ctx, cache.NamespaceMetadata, "short", []byte("v"), time.Millisecond)
	time.Sleep(5 * time.Millisecond)

	_, ok := c.Get(ctx, cache.NamespaceMetadata, "short")
	assert.False(t, ok)
}

func TestTTLOverride(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()

	// Override extends well past the test; the entry must survive.
	c.Put(ctx, cache.NamespaceMetadata, "long", []byte("v"), time.Hour)

	_, ok := c.Get(ctx, cache.NamespaceMetadata, "long")
	assert.True(t, ok)
}

func TestKeys(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()

	c.Put(ctx, cache.NamespaceSyncBatches, "batch-a", []byte("1"), 0)
	c.Put(ctx, cache.NamespaceSyncBatches, "batch-b", []byte("2"), 0)

	assert.ElementsMatch(t, []string{"batch-a", "batch-b"}, c.Keys(ctx, cache.NamespaceSyncBatches))
}

// failingBackend simulates an unavailable shared backend.
type failingBackend struct{}

func (failingBackend) Get(context.Context, cache.Namespace, string) ([]byte, bool, error) {
	return nil, false, fmt.Errorf("%w: connection refused", cache.ErrBackend)
}

func (failingBackend) Put(context.Context, cache.Namespace, string, []byte, time.Duration) error {
	return fmt.Errorf("%w: connection refused", cache.ErrBackend)
}

func (failingBackend) Delete(context.Context, cache.Namespace, string) error {
	return fmt.Errorf("%w: connection refused", cache.ErrBackend)
}

func (failingBackend) Keys(context.Context, cache.Namespace) ([]string, error) {
	return nil, fmt.Errorf("%w: connection refused", cache.ErrBackend)
}

func (failingBackend) Close() error { return nil }

func TestBackendErrorDegradesToMiss(t *testing.T) {
	c := cache.New(failingBackend{}, testCacheConfig(), zap.NewNop())
	ctx := context.Background()

	// Neither reads nor writes propagate the backend failure.
	c.Put(ctx, cache.NamespaceMetadata, "k", []byte("v"), 0)
	_, ok := c.Get(ctx, cache.NamespaceMetadata, "k")
	assert.False(t, ok)
	assert.Empty(t, c.Keys(ctx, cache.NamespaceMetadata))
}

func TestErrBackendSentinel(t *testing.T) {
	err := fmt.Errorf("%w: boom", cache.ErrBackend)
	assert.True(t, errors.Is(err, cache.ErrBackend))
}
