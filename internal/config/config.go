// Package config provides configuration loading for indexd.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Backend selects where a shared-capable component keeps its state.
//
// The choice is explicit at construction time; it is never inferred from
// connection strings.
type Backend string

const (
	// BackendLocal keeps state in-process. Suitable for a single daemon.
	BackendLocal Backend = "local"

	// BackendShared keeps state in NATS JetStream so multiple daemon
	// processes observe the same cache, limits, and leases.
	BackendShared Backend = "shared"
)

// Valid reports whether b is a known backend.
func (b Backend) Valid() bool {
	return b == BackendLocal || b == BackendShared
}

// Config is the root configuration for the indexd daemon.
type Config struct {
	// StateDir is the base directory for local state: fingerprints,
	// lease files, and the embedded vector store.
	StateDir string `koanf:"state_dir"`

	Logging      LoggingConfig      `koanf:"logging"`
	NATS         NATSConfig         `koanf:"nats"`
	Indexing     IndexingConfig     `koanf:"indexing"`
	Repositories []RepositoryConfig `koanf:"repositories"`
	Cache        CacheConfig        `koanf:"cache"`
	RateLimit    RateLimitConfig    `koanf:"ratelimit"`
	Lease        LeaseConfig        `koanf:"lease"`
	Embeddings   EmbeddingsConfig   `koanf:"embeddings"`
	VectorStore  VectorStoreConfig  `koanf:"vectorstore"`
	Scheduler    SchedulerConfig    `koanf:"scheduler"`
}

// LoggingConfig mirrors internal/logging.Config fields.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// NATSConfig holds the connection for all shared backends.
type NATSConfig struct {
	URL string `koanf:"url"`
}

// IndexingConfig holds daemon-wide indexing defaults. Per-repository
// settings override these.
type IndexingConfig struct {
	// Depth bounds the git history traversal per branch. Range [1, 10000].
	Depth int `koanf:"depth"`

	// Branches to walk. Default: main, HEAD.
	Branches []string `koanf:"branches"`

	// IncludeSubmodules walks submodules recursively with the same policy.
	IncludeSubmodules *bool `koanf:"include_submodules"`

	// IgnorePatterns excludes paths during walking. Three classes are
	// supported: "dir/" (directory segment), "*.ext" (suffix), and exact
	// or substring filename matches.
	IgnorePatterns []string `koanf:"ignore_patterns"`

	// Interval between periodic indexing runs in serve mode.
	Interval Duration `koanf:"interval"`

	// Watch enables filesystem-event-triggered runs in serve mode.
	Watch bool `koanf:"watch"`

	// WatchDebounce coalesces bursts of file events into one run.
	WatchDebounce Duration `koanf:"watch_debounce"`
}

// RepositoryConfig describes one repository to index.
type RepositoryConfig struct {
	Path              string   `koanf:"path"`
	Branches          []string `koanf:"branches"`
	Depth             int      `koanf:"depth"`
	IncludeSubmodules *bool    `koanf:"include_submodules"`
	IgnorePatterns    []string `koanf:"ignore_patterns"`
}

// CacheNamespaceConfig configures one cache namespace. Compression is a
// pointer so an explicit false survives defaulting, like
// RepositoryConfig.IncludeSubmodules.
type CacheNamespaceConfig struct {
	TTL         Duration `koanf:"ttl"`
	MaxEntries  int      `koanf:"max_entries"`
	Compression *bool    `koanf:"compression"`
}

// CacheConfig configures the multi-tier cache.
type CacheConfig struct {
	Backend           Backend              `koanf:"backend"`
	Embeddings        CacheNamespaceConfig `koanf:"embeddings"`
	SearchResults     CacheNamespaceConfig `koanf:"search_results"`
	Metadata          CacheNamespaceConfig `koanf:"metadata"`
	ProviderResponses CacheNamespaceConfig `koanf:"provider_responses"`
	SyncBatches       CacheNamespaceConfig `koanf:"sync_batches"`
}

// RateLimitConfig configures the sliding-window rate limiter that
// protects the embedding provider.
type RateLimitConfig struct {
	Backend Backend  `koanf:"backend"`
	Window  Duration `koanf:"window"`
	Cap     int      `koanf:"cap"`
	Burst   int      `koanf:"burst"`
}

// LeaseConfig configures cross-process indexing exclusivity.
type LeaseConfig struct {
	Backend       Backend  `koanf:"backend"`
	TTL           Duration `koanf:"ttl"`
	RenewInterval Duration `koanf:"renew_interval"`
}

// EmbeddingsConfig configures the embedding provider.
type EmbeddingsConfig struct {
	// Provider is "tei" (HTTP text-embeddings-inference server) or
	// "hash" (deterministic offline provider for development).
	Provider string `koanf:"provider"`

	BaseURL string `koanf:"base_url"`
	Model   string `koanf:"model"`

	// Timeout bounds each provider call independently of the job.
	Timeout Duration `koanf:"timeout"`

	// RequestsPerSecond paces outgoing calls client-side, on top of the
	// cross-process sliding-window limit.
	RequestsPerSecond float64 `koanf:"requests_per_second"`
}

// ChromemConfig configures the embedded vector store.
type ChromemConfig struct {
	Path              string `koanf:"path"`
	Compress          bool   `koanf:"compress"`
	DefaultCollection string `koanf:"default_collection"`
	VectorSize        int    `koanf:"vector_size"`
}

// QdrantConfig configures the shared vector store.
type QdrantConfig struct {
	Host           string `koanf:"host"`
	Port           int    `koanf:"port"`
	CollectionName string `koanf:"collection_name"`
	VectorSize     int    `koanf:"vector_size"`
}

// VectorStoreConfig selects and configures the vector store backend.
type VectorStoreConfig struct {
	// Provider is "chromem" (embedded, default) or "qdrant".
	Provider string       `koanf:"provider"`
	Chromem  ChromemConfig `koanf:"chromem"`
	Qdrant   QdrantConfig  `koanf:"qdrant"`
}

// SchedulerConfig bounds embedding batches and their retries.
type SchedulerConfig struct {
	MaxBatchChunks int      `koanf:"max_batch_chunks"`
	MaxBatchBytes  int      `koanf:"max_batch_bytes"`
	MaxRetries     int      `koanf:"max_retries"`
	Concurrency    int      `koanf:"concurrency"`
	RetryInterval  Duration `koanf:"retry_interval"`
}

const (
	// MinDepth and MaxDepth bound the configurable history depth.
	MinDepth = 1
	MaxDepth = 10000
)

// applyDefaults sets default values for missing configuration fields.
func applyDefaults(cfg *Config) {
	if cfg.StateDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			home = "."
		}
		cfg.StateDir = filepath.Join(home, ".local", "share", "indexd")
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}

	if cfg.Indexing.Depth == 0 {
		cfg.Indexing.Depth = 1000
	}
	if len(cfg.Indexing.Branches) == 0 {
		cfg.Indexing.Branches = []string{"main", "HEAD"}
	}
	if cfg.Indexing.IncludeSubmodules == nil {
		t := true
		cfg.Indexing.IncludeSubmodules = &t
	}
	if cfg.Indexing.Interval == 0 {
		cfg.Indexing.Interval = Duration(10 * time.Minute)
	}
	if cfg.Indexing.WatchDebounce == 0 {
		cfg.Indexing.WatchDebounce = Duration(2 * time.Second)
	}

	if cfg.Cache.Backend == "" {
		cfg.Cache.Backend = BackendLocal
	}
	applyNamespaceDefaults(&cfg.Cache.Embeddings, 2*time.Hour, 5000, true)
	applyNamespaceDefaults(&cfg.Cache.SearchResults, 30*time.Minute, 2000, false)
	applyNamespaceDefaults(&cfg.Cache.Metadata, time.Hour, 1000, false)
	applyNamespaceDefaults(&cfg.Cache.ProviderResponses, 5*time.Minute, 3000, true)
	applyNamespaceDefaults(&cfg.Cache.SyncBatches, 24*time.Hour, 1000, false)

	if cfg.RateLimit.Backend == "" {
		cfg.RateLimit.Backend = BackendLocal
	}
	if cfg.RateLimit.Window == 0 {
		cfg.RateLimit.Window = Duration(time.Minute)
	}
	if cfg.RateLimit.Cap == 0 {
		cfg.RateLimit.Cap = 100
	}
	if cfg.RateLimit.Burst == 0 {
		cfg.RateLimit.Burst = 10
	}

	if cfg.Lease.Backend == "" {
		cfg.Lease.Backend = BackendLocal
	}
	if cfg.Lease.TTL == 0 {
		cfg.Lease.TTL = Duration(5 * time.Minute)
	}
	if cfg.Lease.RenewInterval == 0 {
		cfg.Lease.RenewInterval = Duration(30 * time.Second)
	}

	if cfg.Embeddings.Provider == "" {
		cfg.Embeddings.Provider = "tei"
	}
	if cfg.Embeddings.BaseURL == "" {
		cfg.Embeddings.BaseURL = "http://localhost:8080"
	}
	if cfg.Embeddings.Model == "" {
		cfg.Embeddings.Model = "BAAI/bge-small-en-v1.5"
	}
	if cfg.Embeddings.Timeout == 0 {
		cfg.Embeddings.Timeout = Duration(30 * time.Second)
	}
	if cfg.Embeddings.RequestsPerSecond == 0 {
		cfg.Embeddings.RequestsPerSecond = 10
	}

	if cfg.VectorStore.Provider == "" {
		cfg.VectorStore.Provider = "chromem"
	}
	if cfg.VectorStore.Chromem.Path == "" {
		cfg.VectorStore.Chromem.Path = filepath.Join(cfg.StateDir, "vectorstore")
	}
	if cfg.VectorStore.Chromem.DefaultCollection == "" {
		cfg.VectorStore.Chromem.DefaultCollection = "indexd_default"
	}
	if cfg.VectorStore.Chromem.VectorSize == 0 {
		cfg.VectorStore.Chromem.VectorSize = 384
	}
	if cfg.VectorStore.Qdrant.Host == "" {
		cfg.VectorStore.Qdrant.Host = "localhost"
	}
	if cfg.VectorStore.Qdrant.Port == 0 {
		cfg.VectorStore.Qdrant.Port = 6334
	}
	if cfg.VectorStore.Qdrant.CollectionName == "" {
		cfg.VectorStore.Qdrant.CollectionName = "indexd_default"
	}
	if cfg.VectorStore.Qdrant.VectorSize == 0 {
		cfg.VectorStore.Qdrant.VectorSize = 384
	}

	if cfg.Scheduler.MaxBatchChunks == 0 {
		cfg.Scheduler.MaxBatchChunks = 32
	}
	if cfg.Scheduler.MaxBatchBytes == 0 {
		cfg.Scheduler.MaxBatchBytes = 256 * 1024
	}
	if cfg.Scheduler.MaxRetries == 0 {
		cfg.Scheduler.MaxRetries = 3
	}
	if cfg.Scheduler.Concurrency == 0 {
		cfg.Scheduler.Concurrency = 4
	}
	if cfg.Scheduler.RetryInterval == 0 {
		cfg.Scheduler.RetryInterval = Duration(time.Second)
	}

	// Per-repository settings inherit indexing defaults.
	for i := range cfg.Repositories {
		repo := &cfg.Repositories[i]
		if repo.Depth == 0 {
			repo.Depth = cfg.Indexing.Depth
		}
		if len(repo.Branches) == 0 {
			repo.Branches = cfg.Indexing.Branches
		}
		if repo.IncludeSubmodules == nil {
			repo.IncludeSubmodules = cfg.Indexing.IncludeSubmodules
		}
		if len(repo.IgnorePatterns) == 0 {
			repo.IgnorePatterns = cfg.Indexing.IgnorePatterns
		}
	}
}

func applyNamespaceDefaults(ns *CacheNamespaceConfig, ttl time.Duration, maxEntries int, compression bool) {
	if ns.TTL == 0 {
		ns.TTL = Duration(ttl)
	}
	if ns.MaxEntries == 0 {
		ns.MaxEntries = maxEntries
	}
	if ns.Compression == nil {
		ns.Compression = &compression
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Indexing.Depth < MinDepth || c.Indexing.Depth > MaxDepth {
		return fmt.Errorf("indexing.depth must be in [%d, %d], got %d", MinDepth, MaxDepth, c.Indexing.Depth)
	}
	for _, repo := range c.Repositories {
		if repo.Path == "" {
			return fmt.Errorf("repository path cannot be empty")
		}
		if repo.Depth < MinDepth || repo.Depth > MaxDepth {
			return fmt.Errorf("repository %s: depth must be in [%d, %d], got %d", repo.Path, MinDepth, MaxDepth, repo.Depth)
		}
		for _, p := range repo.IgnorePatterns {
			if err := validateIgnorePattern(p); err != nil {
				return fmt.Errorf("repository %s: %w", repo.Path, err)
			}
		}
	}
	for _, p := range c.Indexing.IgnorePatterns {
		if err := validateIgnorePattern(p); err != nil {
			return err
		}
	}

	if !c.Cache.Backend.Valid() {
		return fmt.Errorf("cache.backend must be %q or %q, got %q", BackendLocal, BackendShared, c.Cache.Backend)
	}
	if !c.RateLimit.Backend.Valid() {
		return fmt.Errorf("ratelimit.backend must be %q or %q, got %q", BackendLocal, BackendShared, c.RateLimit.Backend)
	}
	if !c.Lease.Backend.Valid() {
		return fmt.Errorf("lease.backend must be %q or %q, got %q", BackendLocal, BackendShared, c.Lease.Backend)
	}
	if (c.Cache.Backend == BackendShared || c.RateLimit.Backend == BackendShared || c.Lease.Backend == BackendShared) && c.NATS.URL == "" {
		return fmt.Errorf("nats.url is required when any backend is %q", BackendShared)
	}

	if c.RateLimit.Window.Duration() <= 0 {
		return fmt.Errorf("ratelimit.window must be > 0")
	}
	if c.RateLimit.Cap <= 0 {
		return fmt.Errorf("ratelimit.cap must be > 0")
	}
	if c.RateLimit.Burst < 0 {
		return fmt.Errorf("ratelimit.burst must be >= 0")
	}

	if c.Lease.RenewInterval.Duration() >= c.Lease.TTL.Duration() {
		return fmt.Errorf("lease.renew_interval (%s) must be shorter than lease.ttl (%s)",
			c.Lease.RenewInterval.Duration(), c.Lease.TTL.Duration())
	}

	switch c.Embeddings.Provider {
	case "tei", "hash":
	default:
		return fmt.Errorf("embeddings.provider must be 'tei' or 'hash', got %q", c.Embeddings.Provider)
	}

	switch c.VectorStore.Provider {
	case "chromem", "qdrant":
	default:
		return fmt.Errorf("vectorstore.provider must be 'chromem' or 'qdrant', got %q", c.VectorStore.Provider)
	}

	if c.Scheduler.MaxBatchChunks <= 0 {
		return fmt.Errorf("scheduler.max_batch_chunks must be > 0")
	}
	if c.Scheduler.Concurrency <= 0 {
		return fmt.Errorf("scheduler.concurrency must be > 0")
	}

	return nil
}

// validateIgnorePattern rejects malformed ignore patterns at load time so
// the matcher itself stays failure-free.
func validateIgnorePattern(pattern string) error {
	if pattern == "" {
		return fmt.Errorf("ignore pattern cannot be empty")
	}
	if pattern == "/" || pattern == "*" {
		return fmt.Errorf("ignore pattern %q is too broad", pattern)
	}
	return nil
}
