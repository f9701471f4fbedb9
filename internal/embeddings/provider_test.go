package embeddings_test

import (
	"context"
	"encoding/json"
	"math"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/indexd/internal/config"
	"github.com/fyrsmithlabs/indexd/internal/embeddings"
)

func teiConfig(baseURL string) config.EmbeddingsConfig {
	return config.EmbeddingsConfig{
		Provider:          "tei",
		BaseURL:           baseURL,
		Model:             "BAAI/bge-small-en-v1.5",
		Timeout:           config.Duration(5 * time.Second),
		RequestsPerSecond: 100,
	}
}

func TestNewSelectsProvider(t *testing.T) {
	p, err := embeddings.New(teiConfig("http://localhost:8080"), 384, zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, "tei:BAAI/bge-small-en-v1.5", p.Identity())
	assert.Equal(t, 384, p.Dimension())

	p, err = embeddings.New(config.EmbeddingsConfig{Provider: "hash"}, 128, zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, "hash:sha256", p.Identity())

	_, err = embeddings.New(config.EmbeddingsConfig{Provider: "openai"}, 128, zap.NewNop())
	assert.ErrorIs(t, err, embeddings.ErrInvalidConfig)
}

func TestTEIEmbedDocuments(t *testing.T) {
	var gotBody map[string]interface{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/embed", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		_ = json.NewEncoder(w).Encode([][]float32{{0.1, 0.2}, {0.3, 0.4}})
	}))
	defer server.Close()

	p, err := embeddings.NewTEIProvider(teiConfig(server.URL), 2, zap.NewNop())
	require.NoError(t, err)

	vectors, err := p.EmbedDocuments(context.Background(), []string{"func main()", "type Foo struct"})
	require.NoError(t, err)
	require.Len(t, vectors, 2)
	assert.Equal(t, []float32{0.1, 0.2}, vectors[0])
	assert.Equal(t, true, gotBody["truncate"])
}

func TestTEIEmbedQuery(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode([][]float32{{0.5, 0.6}})
	}))
	defer server.Close()

	p, err := embeddings.NewTEIProvider(teiConfig(server.URL), 2, zap.NewNop())
	require.NoError(t, err)

	vector, err := p.EmbedQuery(context.Background(), "error handling")
	require.NoError(t, err)
	assert.Equal(t, []float32{0.5, 0.6}, vector)
}

func TestTEIServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model overloaded", http.StatusServiceUnavailable)
	}))
	defer server.Close()

	p, err := embeddings.NewTEIProvider(teiConfig(server.URL), 2, zap.NewNop())
	require.NoError(t, err)

	_, err = p.EmbedDocuments(context.Background(), []string{"x"})
	assert.ErrorIs(t, err, embeddings.ErrProvider)
}

func TestTEICountMismatch(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode([][]float32{{0.1}})
	}))
	defer server.Close()

	p, err := embeddings.NewTEIProvider(teiConfig(server.URL), 1, zap.NewNop())
	require.NoError(t, err)

	_, err = p.EmbedDocuments(context.Background(), []string{"a", "b"})
	assert.ErrorIs(t, err, embeddings.ErrProvider)
}

func TestTEIEmptyInput(t *testing.T) {
	p, err := embeddings.NewTEIProvider(teiConfig("http://localhost:1"), 2, zap.NewNop())
	require.NoError(t, err)

	_, err = p.EmbedDocuments(context.Background(), nil)
	assert.ErrorIs(t, err, embeddings.ErrEmptyInput)
	_, err = p.EmbedQuery(context.Background(), "")
	assert.ErrorIs(t, err, embeddings.ErrEmptyInput)
}

func TestHashDeterministic(t *testing.T) {
	p := embeddings.NewHashProvider(64)

	a, err := p.EmbedQuery(context.Background(), "func main()")
	require.NoError(t, err)
	b, err := p.EmbedQuery(context.Background(), "func main()")
	require.NoError(t, err)
	assert.Equal(t, a, b)

	c, err := p.EmbedQuery(context.Background(), "func other()")
	require.NoError(t, err)
	assert.NotEqual(t, a, c)
}

func TestHashDimensionAndNorm(t *testing.T) {
	p := embeddings.NewHashProvider(384)

	vectors, err := p.EmbedDocuments(context.Background(), []string{"a", "b"})
	require.NoError(t, err)
	require.Len(t, vectors, 2)

	for _, v := range vectors {
		require.Len(t, v, 384)
		var norm float64
		for _, x := range v {
			norm += float64(x) * float64(x)
		}
		assert.InDelta(t, 1.0, math.Sqrt(norm), 1e-4)
	}
}
