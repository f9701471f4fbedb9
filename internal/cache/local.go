package cache

import (
	"context"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/fyrsmithlabs/indexd/internal/config"
)

// localEntry is one value in the in-process backend.
type localEntry struct {
	value     []byte
	expiresAt time.Time // zero means no expiry
}

func (e localEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

// LocalBackend keeps each namespace in its own bounded LRU map. Expired
// entries are dropped lazily on read; inserting into a full namespace
// evicts the least recently used entry.
type LocalBackend struct {
	stores map[Namespace]*lru.Cache[string, localEntry]
	now    func() time.Time
}

// NewLocalBackend sizes one LRU per namespace from configuration.
func NewLocalBackend(cfg config.CacheConfig) (*LocalBackend, error) {
	sizes := map[Namespace]int{
		NamespaceEmbeddings:        cfg.Embeddings.MaxEntries,
		NamespaceSearchResults:     cfg.SearchResults.MaxEntries,
		NamespaceMetadata:          cfg.Metadata.MaxEntries,
		NamespaceProviderResponses: cfg.ProviderResponses.MaxEntries,
		NamespaceSyncBatches:       cfg.SyncBatches.MaxEntries,
	}

	stores := make(map[Namespace]*lru.Cache[string, localEntry], len(sizes))
	for ns, size := range sizes {
		store, err := lru.New[string, localEntry](size)
		if err != nil {
			return nil, fmt.Errorf("creating %s cache: %w", ns, err)
		}
		stores[ns] = store
	}

	return &LocalBackend{stores: stores, now: time.Now}, nil
}

func (b *LocalBackend) store(ns Namespace) (*lru.Cache[string, localEntry], error) {
	store, ok := b.stores[ns]
	if !ok {
		return nil, fmt.Errorf("%w: unknown namespace %q", ErrBackend, ns)
	}
	return store, nil
}

// Get implements Backend.
func (b *LocalBackend) Get(_ context.Context, ns Namespace, key string) ([]byte, bool, error) {
	store, err := b.store(ns)
	if err != nil {
		return nil, false, err
	}

	entry, ok := store.Get(key)
	if !ok {
		return nil, false, nil
	}
	if entry.expired(b.now()) {
		store.Remove(key)
		return nil, false, nil
	}
	return entry.value, true, nil
}

// Put implements Backend.
func (b *LocalBackend) Put(_ context.Context, ns Namespace, key string, value []byte, ttl time.Duration) error {
	store, err := b.store(ns)
	if err != nil {
		return err
	}

	entry := localEntry{value: value}
	if ttl > 0 {
		entry.expiresAt = b.now().Add(ttl)
	}
	store.Add(key, entry)
	return nil
}

// Delete implements Backend.
func (b *LocalBackend) Delete(_ context.Context, ns Namespace, key string) error {
	store, err := b.store(ns)
	if err != nil {
		return err
	}
	store.Remove(key)
	return nil
}

// Keys implements Backend. Expired keys are filtered out.
func (b *LocalBackend) Keys(_ context.Context, ns Namespace) ([]string, error) {
	store, err := b.store(ns)
	if err != nil {
		return nil, err
	}

	now := b.now()
	var keys []string
	for _, key := range store.Keys() {
		if entry, ok := store.Peek(key); ok && !entry.expired(now) {
			keys = append(keys, key)
		}
	}
	return keys, nil
}

// Len returns the live entry count of a namespace, for tests and the
// status endpoint.
func (b *LocalBackend) Len(ns Namespace) int {
	store, ok := b.stores[ns]
	if !ok {
		return 0
	}
	return store.Len()
}

// Close implements Backend.
func (b *LocalBackend) Close() error {
	for _, store := range b.stores {
		store.Purge()
	}
	return nil
}
