// Package cache provides a namespaced, TTL-bounded cache for expensive
// intermediate results: embeddings, search results, repository metadata,
// raw provider responses, and in-flight batch state.
//
// Two backends exist. The local backend keeps entries in per-namespace
// LRU maps inside the process. The shared backend stores entries in NATS
// JetStream key-value buckets so multiple daemon instances observe the
// same cache. The backend is selected by configuration, never inferred
// from connection strings.
//
// Cache unavailability never fails the caller: backend errors degrade to
// a miss on reads and a no-op on writes, with a logged warning.
package cache

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/klauspost/compress/gzip"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/indexd/internal/config"
)

// ErrBackend indicates the cache backend itself failed. Callers of the
// Cache facade never see it; it is reserved for backend implementations
// and surfaces only in logs and metrics.
var ErrBackend = errors.New("cache backend error")

// Namespace identifies one logical cache region with its own TTL,
// capacity, and compression policy.
type Namespace string

const (
	NamespaceEmbeddings        Namespace = "embeddings"
	NamespaceSearchResults     Namespace = "search_results"
	NamespaceMetadata          Namespace = "metadata"
	NamespaceProviderResponses Namespace = "provider_responses"
	NamespaceSyncBatches       Namespace = "sync_batches"
)

// Namespaces lists every namespace the cache manages.
var Namespaces = []Namespace{
	NamespaceEmbeddings,
	NamespaceSearchResults,
	NamespaceMetadata,
	NamespaceProviderResponses,
	NamespaceSyncBatches,
}

// Backend stores opaque values with a per-entry TTL. Implementations must
// be safe for concurrent use.
type Backend interface {
	// Get returns the stored value. A missing or expired key is
	// (nil, false, nil).
	Get(ctx context.Context, ns Namespace, key string) ([]byte, bool, error)

	// Put stores value under key with the given TTL. A zero TTL means
	// the entry never expires (it may still be evicted for capacity).
	Put(ctx context.Context, ns Namespace, key string, value []byte, ttl time.Duration) error

	// Delete removes key. Deleting an absent key is not an error.
	Delete(ctx context.Context, ns Namespace, key string) error

	// Keys returns all live keys in the namespace.
	Keys(ctx context.Context, ns Namespace) ([]string, error)

	// Close releases backend resources.
	Close() error
}

// Cache is the namespaced facade over a Backend. It applies per-namespace
// TTL defaults and transparent compression.
type Cache struct {
	backend    Backend
	namespaces map[Namespace]config.CacheNamespaceConfig
	metrics    *Metrics
	logger     *zap.Logger
}

// New builds a Cache from configuration. For BackendShared a live NATS
// connection must be supplied via the shared backend constructor; see
// NewFromConfig in the daemon wiring.
func New(backend Backend, cfg config.CacheConfig, logger *zap.Logger) *Cache {
	return &Cache{
		backend: backend,
		namespaces: map[Namespace]config.CacheNamespaceConfig{
			NamespaceEmbeddings:        cfg.Embeddings,
			NamespaceSearchResults:     cfg.SearchResults,
			NamespaceMetadata:          cfg.Metadata,
			NamespaceProviderResponses: cfg.ProviderResponses,
			NamespaceSyncBatches:       cfg.SyncBatches,
		},
		metrics: newMetrics(),
		logger:  logger.Named("cache"),
	}
}

// Get returns the cached value for key, or ok=false on a miss. Backend
// failures are logged and reported as a miss.
func (c *Cache) Get(ctx context.Context, ns Namespace, key string) ([]byte, bool) {
	value, ok, err := c.backend.Get(ctx, ns, key)
	if err != nil {
		c.metrics.errors.WithLabelValues(string(ns), "get").Inc()
		c.logger.Warn("cache get degraded to miss",
			zap.String("namespace", string(ns)),
			zap.String("key", key),
			zap.Error(err))
		return nil, false
	}
	if !ok {
		c.metrics.misses.WithLabelValues(string(ns)).Inc()
		return nil, false
	}

	value, err = c.decode(ns, value)
	if err != nil {
		// A corrupt entry is treated as a miss and dropped.
		c.metrics.errors.WithLabelValues(string(ns), "decode").Inc()
		c.logger.Warn("dropping corrupt cache entry",
			zap.String("namespace", string(ns)),
			zap.String("key", key),
			zap.Error(err))
		_ = c.backend.Delete(ctx, ns, key)
		return nil, false
	}

	c.metrics.hits.WithLabelValues(string(ns)).Inc()
	return value, true
}

// Put stores value under key. The namespace TTL applies unless
// ttlOverride is positive. Backend failures are logged and swallowed.
func (c *Cache) Put(ctx context.Context, ns Namespace, key string, value []byte, ttlOverride time.Duration) {
	nsCfg := c.namespaces[ns]
	ttl := nsCfg.TTL.Duration()
	if ttlOverride > 0 {
		ttl = ttlOverride
	}

	encoded, err := c.encode(ns, value)
	if err != nil {
		c.metrics.errors.WithLabelValues(string(ns), "encode").Inc()
		c.logger.Warn("cache put skipped",
			zap.String("namespace", string(ns)),
			zap.String("key", key),
			zap.Error(err))
		return
	}

	if err := c.backend.Put(ctx, ns, key, encoded, ttl); err != nil {
		c.metrics.errors.WithLabelValues(string(ns), "put").Inc()
		c.logger.Warn("cache put degraded to no-op",
			zap.String("namespace", string(ns)),
			zap.String("key", key),
			zap.Error(err))
	}
}

// Delete removes key from the namespace.
func (c *Cache) Delete(ctx context.Context, ns Namespace, key string) {
	if err := c.backend.Delete(ctx, ns, key); err != nil {
		c.metrics.errors.WithLabelValues(string(ns), "delete").Inc()
		c.logger.Warn("cache delete degraded to no-op",
			zap.String("namespace", string(ns)),
			zap.String("key", key),
			zap.Error(err))
	}
}

// Keys lists the live keys of a namespace. Backend failures return an
// empty slice; callers that need strict enumeration (batch resumption)
// treat an empty result as nothing to resume.
func (c *Cache) Keys(ctx context.Context, ns Namespace) []string {
	keys, err := c.backend.Keys(ctx, ns)
	if err != nil {
		c.metrics.errors.WithLabelValues(string(ns), "keys").Inc()
		c.logger.Warn("cache keys degraded to empty",
			zap.String("namespace", string(ns)),
			zap.Error(err))
		return nil
	}
	return keys
}

// Close releases the backend.
func (c *Cache) Close() error {
	return c.backend.Close()
}

// Value encoding: one header byte, 0x00 for raw and 0x01 for gzip.
const (
	encodingRaw  byte = 0x00
	encodingGzip byte = 0x01
)

func (c *Cache) encode(ns Namespace, value []byte) ([]byte, error) {
	if compress := c.namespaces[ns].Compression; compress == nil || !*compress {
		return append([]byte{encodingRaw}, value...), nil
	}

	var buf bytes.Buffer
	buf.WriteByte(encodingGzip)
	w := gzip.NewWriter(&buf)
	if _, err := w.Write(value); err != nil {
		return nil, fmt.Errorf("compressing cache entry: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("compressing cache entry: %w", err)
	}
	return buf.Bytes(), nil
}

func (c *Cache) decode(ns Namespace, stored []byte) ([]byte, error) {
	if len(stored) == 0 {
		return nil, errors.New("empty cache entry")
	}
	header, payload := stored[0], stored[1:]

	switch header {
	case encodingRaw:
		return payload, nil
	case encodingGzip:
		r, err := gzip.NewReader(bytes.NewReader(payload))
		if err != nil {
			return nil, fmt.Errorf("decompressing cache entry: %w", err)
		}
		defer r.Close()
		value, err := io.ReadAll(r)
		if err != nil {
			return nil, fmt.Errorf("decompressing cache entry: %w", err)
		}
		return value, nil
	default:
		return nil, fmt.Errorf("unknown cache entry encoding 0x%02x", header)
	}
}
