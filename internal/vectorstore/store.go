// Package vectorstore persists chunk vectors and serves similarity
// queries.
//
// Two backends exist: chromem (embedded, pure Go, persisted to disk) and
// qdrant (shared server over gRPC). Both store pre-computed vectors; the
// embedding provider lives upstream. Callers go through the Gateway,
// which adds upsert ordering guarantees and bounded retries.
package vectorstore

import (
	"context"
	"errors"
	"fmt"
	"regexp"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/indexd/internal/config"
)

var (
	// ErrVectorStore indicates a store operation failed. The Gateway
	// retries such failures once before giving up.
	ErrVectorStore = errors.New("vector store error")

	// ErrInvalidConfig indicates invalid store configuration.
	ErrInvalidConfig = errors.New("invalid vector store configuration")

	// ErrCollectionNotFound indicates the collection does not exist.
	ErrCollectionNotFound = errors.New("collection not found")

	// ErrInvalidCollectionName indicates a malformed collection name.
	ErrInvalidCollectionName = errors.New("invalid collection name")
)

// collectionNamePattern restricts names to lowercase letters, digits and
// underscores, 1-64 characters.
var collectionNamePattern = regexp.MustCompile(`^[a-z0-9_]{1,64}$`)

// ValidateCollectionName rejects names that are unsafe as filesystem or
// server-side identifiers.
func ValidateCollectionName(name string) error {
	if name == "" {
		return fmt.Errorf("%w: collection name cannot be empty", ErrInvalidCollectionName)
	}
	if !collectionNamePattern.MatchString(name) {
		return fmt.Errorf("%w: must match ^[a-z0-9_]{1,64}$, got %q", ErrInvalidCollectionName, name)
	}
	return nil
}

// Point is one stored vector with its chunk text and metadata.
type Point struct {
	// ID is the chunk id. Upserting the same ID replaces the point.
	ID string

	Vector  []float32
	Content string

	// Payload carries chunk metadata: repo, path, branch, language,
	// line range, content hash.
	Payload map[string]string
}

// Match is one query result.
type Match struct {
	ID      string
	Score   float32
	Content string
	Payload map[string]string
}

// Store is the backend-neutral persistence interface. Implementations
// must make Upsert idempotent on Point.ID.
type Store interface {
	// EnsureCollection creates the collection if it does not exist.
	EnsureCollection(ctx context.Context, name string, vectorSize int) error

	// Upsert inserts or replaces points by ID.
	Upsert(ctx context.Context, collection string, points []Point) error

	// Delete removes points by ID. Absent IDs are not an error.
	Delete(ctx context.Context, collection string, ids []string) error

	// Query returns up to k nearest points.
	Query(ctx context.Context, collection string, vector []float32, k int, filter map[string]string) ([]Match, error)

	// Close releases store resources.
	Close() error
}

// Counter is an optional capability: stores that can report collection
// size implement it, and the status surface uses it when present.
type Counter interface {
	Count(ctx context.Context, collection string) (int, error)
}

// New builds the configured store.
func New(cfg config.VectorStoreConfig, logger *zap.Logger) (Store, error) {
	switch cfg.Provider {
	case "chromem":
		return NewChromemStore(cfg.Chromem, logger)
	case "qdrant":
		return NewQdrantStore(cfg.Qdrant, logger)
	default:
		return nil, fmt.Errorf("%w: unknown provider %q", ErrInvalidConfig, cfg.Provider)
	}
}
