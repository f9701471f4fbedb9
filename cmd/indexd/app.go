package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/indexd/internal/cache"
	"github.com/fyrsmithlabs/indexd/internal/chunking"
	"github.com/fyrsmithlabs/indexd/internal/config"
	"github.com/fyrsmithlabs/indexd/internal/embeddings"
	"github.com/fyrsmithlabs/indexd/internal/fingerprint"
	"github.com/fyrsmithlabs/indexd/internal/gitwalk"
	"github.com/fyrsmithlabs/indexd/internal/index"
	"github.com/fyrsmithlabs/indexd/internal/lease"
	"github.com/fyrsmithlabs/indexd/internal/logging"
	"github.com/fyrsmithlabs/indexd/internal/ratelimit"
	"github.com/fyrsmithlabs/indexd/internal/scheduler"
	"github.com/fyrsmithlabs/indexd/internal/search"
	"github.com/fyrsmithlabs/indexd/internal/vectorstore"
)

// app holds the wired daemon: every component constructed from config,
// with backends chosen by their configured tags.
type app struct {
	cfg    *config.Config
	logger *zap.Logger

	natsConn     *nats.Conn
	cache        *cache.Cache
	limiter      ratelimit.Limiter
	leases       lease.Store
	fingerprints *fingerprint.Store
	provider     embeddings.Provider
	store        vectorstore.Store
	gateway      *vectorstore.Gateway
	coordinator  *index.Coordinator
	search       *search.Service
	registry     *prometheus.Registry
}

// loadConfig loads and validates configuration, building the logger the
// rest of the process uses.
func loadConfig() (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}

	logCfg := logging.NewDefaultConfig()
	logCfg.Level = cfg.Logging.Level
	logCfg.Format = cfg.Logging.Format
	logger, err := logging.New(logCfg)
	if err != nil {
		return nil, nil, fmt.Errorf("initializing logger: %w", err)
	}
	return cfg, logger, nil
}

// newApp wires every component. Shared backends connect to NATS once;
// the connection is reused by the cache, limiter, and lease store.
func newApp(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger, registry: prometheus.NewRegistry()}

	needsNATS := cfg.Cache.Backend == config.BackendShared ||
		cfg.RateLimit.Backend == config.BackendShared ||
		cfg.Lease.Backend == config.BackendShared
	if needsNATS {
		nc, err := nats.Connect(cfg.NATS.URL,
			nats.RetryOnFailedConnect(true),
			nats.MaxReconnects(5),
			nats.ReconnectWait(time.Second),
		)
		if err != nil {
			return nil, fmt.Errorf("connecting to NATS at %s: %w", cfg.NATS.URL, err)
		}
		a.natsConn = nc
		logger.Info("connected to NATS", zap.String("url", cfg.NATS.URL))
	}

	if err := a.wire(ctx); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) wire(ctx context.Context) error {
	cfg, logger := a.cfg, a.logger

	var backend cache.Backend
	var err error
	switch cfg.Cache.Backend {
	case config.BackendShared:
		backend, err = cache.NewNATSBackend(ctx, a.natsConn, cfg.Cache)
	default:
		backend, err = cache.NewLocalBackend(cfg.Cache)
	}
	if err != nil {
		return fmt.Errorf("building cache backend: %w", err)
	}
	a.cache = cache.New(backend, cfg.Cache, logger)

	params := ratelimit.Params{
		Window: cfg.RateLimit.Window.Duration(),
		Cap:    cfg.RateLimit.Cap,
		Burst:  cfg.RateLimit.Burst,
	}
	switch cfg.RateLimit.Backend {
	case config.BackendShared:
		a.limiter, err = ratelimit.NewNATSLimiter(ctx, a.natsConn, params)
		if err != nil {
			return fmt.Errorf("building rate limiter: %w", err)
		}
	default:
		a.limiter = ratelimit.NewLocalLimiter(params)
	}

	holder := leaseHolder()
	switch cfg.Lease.Backend {
	case config.BackendShared:
		a.leases, err = lease.NewNATSStore(ctx, a.natsConn, holder, cfg.Lease.TTL.Duration(), logger)
	default:
		a.leases, err = lease.NewFileStore(
			filepath.Join(cfg.StateDir, "leases"), holder, cfg.Lease.TTL.Duration(), logger)
	}
	if err != nil {
		return fmt.Errorf("building lease store: %w", err)
	}

	a.fingerprints, err = fingerprint.Open(filepath.Join(cfg.StateDir, "fingerprints"), logger)
	if err != nil {
		return fmt.Errorf("opening fingerprint store: %w", err)
	}

	collection, vectorSize := vectorTarget(cfg.VectorStore)
	a.provider, err = embeddings.New(cfg.Embeddings, vectorSize, logger)
	if err != nil {
		return fmt.Errorf("building embedding provider: %w", err)
	}

	a.store, err = vectorstore.New(cfg.VectorStore, logger)
	if err != nil {
		return fmt.Errorf("building vector store: %w", err)
	}
	a.gateway = vectorstore.NewGateway(a.store, collection, logger)
	if err := a.gateway.EnsureCollection(ctx, vectorSize); err != nil {
		return fmt.Errorf("ensuring collection %s: %w", collection, err)
	}

	sched := scheduler.New(cfg.Scheduler, a.provider, a.limiter, a.cache, a.gateway, logger)
	a.coordinator = index.New(
		index.Deps{
			Walker:       gitwalk.NewWalker(logger),
			Chunker:      chunking.NewChunker(),
			Fingerprints: a.fingerprints,
			Scheduler:    sched,
			Leases:       a.leases,
			Cache:        a.cache,
		},
		cfg.Lease,
		logger,
	)
	a.search = search.New(a.provider, a.gateway, a.cache, logger)

	if err := a.registry.Register(a.cache.Metrics()); err != nil {
		return fmt.Errorf("registering cache metrics: %w", err)
	}
	if err := a.registry.Register(a.coordinator.Metrics()); err != nil {
		return fmt.Errorf("registering job metrics: %w", err)
	}
	return nil
}

// Close releases resources in reverse construction order. Safe to call
// on a partially wired app.
func (a *app) Close() {
	if a.provider != nil {
		_ = a.provider.Close()
	}
	if a.store != nil {
		_ = a.store.Close()
	}
	if a.fingerprints != nil {
		_ = a.fingerprints.Close()
	}
	if a.limiter != nil {
		_ = a.limiter.Close()
	}
	if a.cache != nil {
		_ = a.cache.Close()
	}
	if a.natsConn != nil {
		a.natsConn.Close()
	}
	if a.logger != nil {
		_ = logging.Sync(a.logger)
	}
}

// leaseHolder identifies this process in leases and logs.
func leaseHolder() string {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	return fmt.Sprintf("%s-%d-%s", hostname, os.Getpid(), uuid.NewString()[:8])
}

// vectorTarget returns the collection name and vector size of the
// configured store backend.
func vectorTarget(cfg config.VectorStoreConfig) (string, int) {
	if cfg.Provider == "qdrant" {
		return cfg.Qdrant.CollectionName, cfg.Qdrant.VectorSize
	}
	return cfg.Chromem.DefaultCollection, cfg.Chromem.VectorSize
}
