// Package embeddings turns chunk text into vectors.
//
// Two providers exist: "tei" talks to a text-embeddings-inference HTTP
// server, and "hash" derives deterministic vectors offline for
// development and tests. Providers advertise their identity and
// dimension so callers can key caches and size collections without
// provider-specific branches.
package embeddings

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/indexd/internal/config"
)

var (
	// ErrProvider indicates the provider call itself failed. Such
	// failures are retryable with backoff.
	ErrProvider = errors.New("embedding provider error")

	// ErrEmptyInput indicates empty or nil input texts.
	ErrEmptyInput = errors.New("empty or nil input texts")

	// ErrInvalidConfig indicates invalid provider configuration.
	ErrInvalidConfig = errors.New("invalid embeddings configuration")
)

// Provider generates embeddings.
type Provider interface {
	// EmbedDocuments embeds a batch of texts, one vector per text, in
	// input order.
	EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error)

	// EmbedQuery embeds a single search query.
	EmbedQuery(ctx context.Context, text string) ([]float32, error)

	// Identity returns a stable string naming the provider and model,
	// used to key cached embeddings so a model switch never reuses stale
	// vectors.
	Identity() string

	// Dimension is the vector size this provider produces.
	Dimension() int

	// Close releases provider resources.
	Close() error
}

// New builds the configured provider.
func New(cfg config.EmbeddingsConfig, dimension int, logger *zap.Logger) (Provider, error) {
	switch cfg.Provider {
	case "tei":
		return NewTEIProvider(cfg, dimension, logger)
	case "hash":
		return NewHashProvider(dimension), nil
	default:
		return nil, fmt.Errorf("%w: unknown provider %q", ErrInvalidConfig, cfg.Provider)
	}
}
