// Package search answers semantic queries over indexed chunks.
//
// A query is embedded once per provider and cached; result sets are
// cached per (query, k, filters). Ordering comes from the gateway:
// descending similarity, ties broken by chunk id, nothing re-ranked.
package search

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/indexd/internal/cache"
	"github.com/fyrsmithlabs/indexd/internal/embeddings"
	"github.com/fyrsmithlabs/indexd/internal/vectorstore"
)

// ErrEmptyQuery rejects blank queries before any provider call.
var ErrEmptyQuery = errors.New("query cannot be empty")

const (
	defaultLimit = 10
	maxLimit     = 100
)

// Result is one search hit.
type Result struct {
	ChunkID   string  `json:"chunk_id"`
	Score     float32 `json:"score"`
	Repo      string  `json:"repo"`
	Path      string  `json:"path"`
	Language  string  `json:"language,omitempty"`
	Kind      string  `json:"kind,omitempty"`
	Name      string  `json:"name,omitempty"`
	StartLine int     `json:"start_line"`
	EndLine   int     `json:"end_line"`
	Content   string  `json:"content"`
}

// Service executes searches.
type Service struct {
	provider embeddings.Provider
	gateway  *vectorstore.Gateway
	cache    *cache.Cache
	logger   *zap.Logger
}

// New builds a search service.
func New(provider embeddings.Provider, gateway *vectorstore.Gateway, c *cache.Cache, logger *zap.Logger) *Service {
	return &Service{
		provider: provider,
		gateway:  gateway,
		cache:    c,
		logger:   logger.Named("search"),
	}
}

// Search returns up to k results for query. Filters restrict matches by
// payload equality (e.g. repo, path, language). k outside [1, 100] is
// clamped.
func (s *Service) Search(ctx context.Context, query string, k int, filters map[string]string) ([]Result, error) {
	if query == "" {
		return nil, ErrEmptyQuery
	}
	if k <= 0 {
		k = defaultLimit
	}
	if k > maxLimit {
		k = maxLimit
	}

	resultsKey := s.resultsKey(query, k, filters)
	if data, ok := s.cache.Get(ctx, cache.NamespaceSearchResults, resultsKey); ok {
		var results []Result
		if err := json.Unmarshal(data, &results); err == nil {
			return results, nil
		}
		s.cache.Delete(ctx, cache.NamespaceSearchResults, resultsKey)
	}

	vector, err := s.embedQuery(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embedding query: %w", err)
	}

	matches, err := s.gateway.Query(ctx, vector, k, filters)
	if err != nil {
		return nil, fmt.Errorf("querying vectors: %w", err)
	}

	results := make([]Result, len(matches))
	for i, m := range matches {
		results[i] = toResult(m)
	}

	if data, err := json.Marshal(results); err == nil {
		s.cache.Put(ctx, cache.NamespaceSearchResults, resultsKey, data, 0)
	}
	return results, nil
}

// embedQuery returns the query vector, reusing a cached embedding when
// the same query was asked recently.
func (s *Service) embedQuery(ctx context.Context, query string) ([]float32, error) {
	key := s.provider.Identity() + ":query:" + hashKey(query)
	if data, ok := s.cache.Get(ctx, cache.NamespaceProviderResponses, key); ok {
		var vector []float32
		if err := json.Unmarshal(data, &vector); err == nil && len(vector) > 0 {
			return vector, nil
		}
	}

	vector, err := s.provider.EmbedQuery(ctx, query)
	if err != nil {
		return nil, err
	}
	if data, err := json.Marshal(vector); err == nil {
		s.cache.Put(ctx, cache.NamespaceProviderResponses, key, data, 0)
	}
	return vector, nil
}

// resultsKey identifies one (query, k, filters) combination. Filter
// order never changes the key.
func (s *Service) resultsKey(query string, k int, filters map[string]string) string {
	keys := make([]string, 0, len(filters))
	for f := range filters {
		keys = append(keys, f)
	}
	sort.Strings(keys)

	h := sha256.New()
	fmt.Fprintf(h, "%s\x00%s\x00%d", s.provider.Identity(), query, k)
	for _, f := range keys {
		fmt.Fprintf(h, "\x00%s=%s", f, filters[f])
	}
	return hex.EncodeToString(h.Sum(nil))
}

func hashKey(v string) string {
	sum := sha256.Sum256([]byte(v))
	return hex.EncodeToString(sum[:])
}

func toResult(m vectorstore.Match) Result {
	r := Result{
		ChunkID:  m.ID,
		Score:    m.Score,
		Repo:     m.Payload["repo"],
		Path:     m.Payload["path"],
		Language: m.Payload["language"],
		Kind:     m.Payload["kind"],
		Name:     m.Payload["name"],
		Content:  m.Content,
	}
	r.StartLine, _ = strconv.Atoi(m.Payload["start_line"])
	r.EndLine, _ = strconv.Atoi(m.Payload["end_line"])
	return r
}
