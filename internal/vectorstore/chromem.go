package vectorstore

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"

	chromem "github.com/philippgille/chromem-go"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/indexd/internal/config"
)

// ChromemStore persists vectors in an embedded chromem-go database. No
// external service is needed; collections are gob files under the
// configured path.
type ChromemStore struct {
	db     *chromem.DB
	cfg    config.ChromemConfig
	logger *zap.Logger

	mu sync.Mutex // guards collection creation
}

// NewChromemStore opens (or creates) the persistent database.
func NewChromemStore(cfg config.ChromemConfig, logger *zap.Logger) (*ChromemStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("%w: chromem path required", ErrInvalidConfig)
	}
	if cfg.VectorSize <= 0 {
		return nil, fmt.Errorf("%w: vector size must be positive", ErrInvalidConfig)
	}

	if err := os.MkdirAll(cfg.Path, 0o755); err != nil {
		return nil, fmt.Errorf("creating directory %s: %w", cfg.Path, err)
	}

	db, err := chromem.NewPersistentDB(cfg.Path, cfg.Compress)
	if err != nil {
		return nil, fmt.Errorf("%w: opening chromem db: %v", ErrVectorStore, err)
	}

	logger = logger.Named("chromem")
	logger.Info("chromem store opened",
		zap.String("path", cfg.Path),
		zap.Bool("compress", cfg.Compress),
		zap.Int("vector_size", cfg.VectorSize))

	return &ChromemStore{db: db, cfg: cfg, logger: logger}, nil
}

// noEmbedding satisfies chromem's embedding-function parameter. Vectors
// are always supplied by the caller, so a call into it is a bug.
func noEmbedding(context.Context, string) ([]float32, error) {
	return nil, fmt.Errorf("%w: store received text without a vector", ErrVectorStore)
}

// EnsureCollection implements Store.
func (s *ChromemStore) EnsureCollection(_ context.Context, name string, vectorSize int) error {
	if err := ValidateCollectionName(name); err != nil {
		return err
	}
	if vectorSize != 0 && vectorSize != s.cfg.VectorSize {
		return fmt.Errorf("%w: vector size %d does not match configured %d", ErrInvalidConfig, vectorSize, s.cfg.VectorSize)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.db.GetOrCreateCollection(name, nil, noEmbedding); err != nil {
		return fmt.Errorf("%w: creating collection %s: %v", ErrVectorStore, name, err)
	}
	return nil
}

func (s *ChromemStore) collection(name string) (*chromem.Collection, error) {
	if err := ValidateCollectionName(name); err != nil {
		return nil, err
	}
	c := s.db.GetCollection(name, noEmbedding)
	if c == nil {
		return nil, fmt.Errorf("%w: %s", ErrCollectionNotFound, name)
	}
	return c, nil
}

// Upsert implements Store. chromem keys documents by ID, so re-adding an
// existing ID replaces it.
func (s *ChromemStore) Upsert(ctx context.Context, collection string, points []Point) error {
	if len(points) == 0 {
		return nil
	}
	c, err := s.collection(collection)
	if err != nil {
		return err
	}

	docs := make([]chromem.Document, len(points))
	for i, p := range points {
		if len(p.Vector) != s.cfg.VectorSize {
			return fmt.Errorf("%w: point %s has dimension %d, want %d", ErrInvalidConfig, p.ID, len(p.Vector), s.cfg.VectorSize)
		}
		docs[i] = chromem.Document{
			ID:        p.ID,
			Content:   p.Content,
			Metadata:  p.Payload,
			Embedding: p.Vector,
		}
	}

	// Embeddings are precomputed, so no concurrency is needed.
	if err := c.AddDocuments(ctx, docs, 1); err != nil {
		return fmt.Errorf("%w: upserting %d points: %v", ErrVectorStore, len(points), err)
	}
	return nil
}

// Delete implements Store.
func (s *ChromemStore) Delete(ctx context.Context, collection string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	c, err := s.collection(collection)
	if err != nil {
		return err
	}
	if err := c.Delete(ctx, nil, nil, ids...); err != nil {
		// chromem reports unknown IDs; absent points are fine here.
		if strings.Contains(err.Error(), "not found") {
			return nil
		}
		return fmt.Errorf("%w: deleting %d points: %v", ErrVectorStore, len(ids), err)
	}
	return nil
}

// Query implements Store.
func (s *ChromemStore) Query(ctx context.Context, collection string, vector []float32, k int, filter map[string]string) ([]Match, error) {
	if k <= 0 {
		return nil, fmt.Errorf("%w: k must be positive, got %d", ErrInvalidConfig, k)
	}
	c, err := s.collection(collection)
	if err != nil {
		return nil, err
	}

	// chromem requires nResults <= document count.
	count := c.Count()
	if count == 0 {
		return nil, nil
	}
	if k > count {
		k = count
	}

	results, err := c.QueryEmbedding(ctx, vector, k, filter, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: querying %s: %v", ErrVectorStore, collection, err)
	}

	matches := make([]Match, len(results))
	for i, r := range results {
		matches[i] = Match{
			ID:      r.ID,
			Score:   r.Similarity,
			Content: r.Content,
			Payload: r.Metadata,
		}
	}
	return matches, nil
}

// Count implements Counter.
func (s *ChromemStore) Count(_ context.Context, collection string) (int, error) {
	c, err := s.collection(collection)
	if err != nil {
		return 0, err
	}
	return c.Count(), nil
}

// Close implements Store. chromem persists on write; nothing to flush.
func (s *ChromemStore) Close() error {
	return nil
}

var (
	_ Store   = (*ChromemStore)(nil)
	_ Counter = (*ChromemStore)(nil)
)
