package search_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/indexd/internal/cache"
	"github.com/fyrsmithlabs/indexd/internal/config"
	"github.com/fyrsmithlabs/indexd/internal/search"
	"github.com/fyrsmithlabs/indexd/internal/vectorstore"
)

type countingProvider struct {
	calls atomic.Int32
}

func (p *countingProvider) EmbedDocuments(_ context.Context, texts []string) ([][]float32, error) {
	p.calls.Add(1)
	vectors := make([][]float32, len(texts))
	for i := range texts {
		vectors[i] = []float32{1, 0, 0}
	}
	return vectors, nil
}

func (p *countingProvider) EmbedQuery(_ context.Context, text string) ([]float32, error) {
	p.calls.Add(1)
	return []float32{float32(len(text)), 1, 0}, nil
}

func (p *countingProvider) Identity() string { return "test:counting" }
func (p *countingProvider) Dimension() int   { return 3 }
func (p *countingProvider) Close() error     { return nil }

// queryStore returns canned matches and counts queries.
type queryStore struct {
	matches []vectorstore.Match
	queries atomic.Int32
}

func (s *queryStore) EnsureCollection(context.Context, string, int) error       { return nil }
func (s *queryStore) Upsert(context.Context, string, []vectorstore.Point) error { return nil }
func (s *queryStore) Delete(context.Context, string, []string) error            { return nil }
func (s *queryStore) Close() error                                              { return nil }

func (s *queryStore) Query(_ context.Context, _ string, _ []float32, k int, _ map[string]string) ([]vectorstore.Match, error) {
	s.queries.Add(1)
	if k > len(s.matches) {
		k = len(s.matches)
	}
	return s.matches[:k], nil
}

func newFixture(t *testing.T, matches []vectorstore.Match) (*search.Service, *countingProvider, *queryStore) {
	t.Helper()
	cacheCfg := config.CacheConfig{
		Backend:           config.BackendLocal,
		Embeddings:        config.CacheNamespaceConfig{TTL: config.Duration(time.Hour), MaxEntries: 100},
		SearchResults:     config.CacheNamespaceConfig{TTL: config.Duration(time.Hour), MaxEntries: 100},
		Metadata:          config.CacheNamespaceConfig{TTL: config.Duration(time.Hour), MaxEntries: 100},
		ProviderResponses: config.CacheNamespaceConfig{TTL: config.Duration(time.Hour), MaxEntries: 100},
		SyncBatches:       config.CacheNamespaceConfig{TTL: config.Duration(time.Hour), MaxEntries: 100},
	}
	backend, err := cache.NewLocalBackend(cacheCfg)
	require.NoError(t, err)
	c := cache.New(backend, cacheCfg, zap.NewNop())

	provider := &countingProvider{}
	store := &queryStore{matches: matches}
	svc := search.New(provider, vectorstore.NewGateway(store, "test", zap.NewNop()), c, zap.NewNop())
	return svc, provider, store
}

func testMatches() []vectorstore.Match {
	return []vectorstore.Match{
		{
			ID:      "chunk-a",
			Score:   0.9,
			Content: "func Hello() {}",
			Payload: map[string]string{
				"repo": "r1", "path": "a.go", "language": "go",
				"kind": "function_declaration", "name": "Hello",
				"start_line": "3", "end_line": "5",
			},
		},
		{
			ID:      "chunk-b",
			Score:   0.5,
			Content: "def hello(): pass",
			Payload: map[string]string{
				"repo": "r1", "path": "b.py", "language": "python",
				"start_line": "1", "end_line": "1",
			},
		},
	}
}

func TestSearchReturnsMappedResults(t *testing.T) {
	svc, _, _ := newFixture(t, testMatches())

	results, err := svc.Search(context.Background(), "greeting function", 10, nil)
	require.NoError(t, err)
	require.Len(t, results, 2)

	assert.Equal(t, "chunk-a", results[0].ChunkID)
	assert.Equal(t, float32(0.9), results[0].Score)
	assert.Equal(t, "a.go", results[0].Path)
	assert.Equal(t, "Hello", results[0].Name)
	assert.Equal(t, 3, results[0].StartLine)
	assert.Equal(t, 5, results[0].EndLine)
	assert.Equal(t, "chunk-b", results[1].ChunkID)
}

func TestSearchOrdersByScoreThenID(t *testing.T) {
	matches := []vectorstore.Match{
		{ID: "z", Score: 0.5, Payload: map[string]string{}},
		{ID: "a", Score: 0.5, Payload: map[string]string{}},
		{ID: "m", Score: 0.9, Payload: map[string]string{}},
	}
	svc, _, _ := newFixture(t, matches)

	results, err := svc.Search(context.Background(), "anything", 10, nil)
	require.NoError(t, err)
	require.Len(t, results, 3)
	assert.Equal(t, "m", results[0].ChunkID)
	assert.Equal(t, "a", results[1].ChunkID)
	assert.Equal(t, "z", results[2].ChunkID)
}

func TestRepeatedSearchHitsResultCache(t *testing.T) {
	svc, provider, store := newFixture(t, testMatches())
	ctx := context.Background()

	first, err := svc.Search(ctx, "greeting", 10, map[string]string{"repo": "r1"})
	require.NoError(t, err)

	second, err := svc.Search(ctx, "greeting", 10, map[string]string{"repo": "r1"})
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, int32(1), provider.calls.Load())
	assert.Equal(t, int32(1), store.queries.Load())
}

func TestQueryEmbeddingReusedAcrossLimits(t *testing.T) {
	svc, provider, store := newFixture(t, testMatches())
	ctx := context.Background()

	_, err := svc.Search(ctx, "greeting", 1, nil)
	require.NoError(t, err)
	_, err = svc.Search(ctx, "greeting", 2, nil)
	require.NoError(t, err)

	// Different limits miss the result cache but share the embedding.
	assert.Equal(t, int32(1), provider.calls.Load())
	assert.Equal(t, int32(2), store.queries.Load())
}

func TestEmptyQueryRejected(t *testing.T) {
	svc, provider, _ := newFixture(t, nil)

	_, err := svc.Search(context.Background(), "", 10, nil)
	assert.ErrorIs(t, err, search.ErrEmptyQuery)
	assert.Zero(t, provider.calls.Load())
}
