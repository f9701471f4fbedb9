package cache

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/fyrsmithlabs/indexd/internal/config"
)

// NATSBackend stores each namespace in its own JetStream key-value
// bucket so every daemon instance connected to the same NATS server
// observes the same cache.
//
// JetStream buckets expire keys at bucket granularity, so each value
// carries its own deadline in an 8-byte prefix and expiry is enforced
// lazily on read, mirroring the local backend. The bucket TTL is set to
// the namespace TTL as a cleanup backstop.
type NATSBackend struct {
	buckets map[Namespace]jetstream.KeyValue
}

// NewNATSBackend creates or binds the per-namespace buckets.
func NewNATSBackend(ctx context.Context, nc *nats.Conn, cfg config.CacheConfig) (*NATSBackend, error) {
	js, err := jetstream.New(nc)
	if err != nil {
		return nil, fmt.Errorf("%w: creating jetstream context: %w", ErrBackend, err)
	}

	ttls := map[Namespace]time.Duration{
		NamespaceEmbeddings:        cfg.Embeddings.TTL.Duration(),
		NamespaceSearchResults:     cfg.SearchResults.TTL.Duration(),
		NamespaceMetadata:          cfg.Metadata.TTL.Duration(),
		NamespaceProviderResponses: cfg.ProviderResponses.TTL.Duration(),
		NamespaceSyncBatches:       cfg.SyncBatches.TTL.Duration(),
	}

	buckets := make(map[Namespace]jetstream.KeyValue, len(ttls))
	for ns, ttl := range ttls {
		kv, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
			Bucket: bucketName(ns),
			TTL:    ttl,
		})
		if err != nil {
			return nil, fmt.Errorf("%w: creating bucket %s: %w", ErrBackend, bucketName(ns), err)
		}
		buckets[ns] = kv
	}

	return &NATSBackend{buckets: buckets}, nil
}

func bucketName(ns Namespace) string {
	return "indexd_cache_" + string(ns)
}

func (b *NATSBackend) bucket(ns Namespace) (jetstream.KeyValue, error) {
	kv, ok := b.buckets[ns]
	if !ok {
		return nil, fmt.Errorf("%w: unknown namespace %q", ErrBackend, ns)
	}
	return kv, nil
}

// Get implements Backend.
func (b *NATSBackend) Get(ctx context.Context, ns Namespace, key string) ([]byte, bool, error) {
	kv, err := b.bucket(ns)
	if err != nil {
		return nil, false, err
	}

	entry, err := kv.Get(ctx, key)
	if errors.Is(err, jetstream.ErrKeyNotFound) || errors.Is(err, jetstream.ErrKeyDeleted) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("%w: get %s/%s: %w", ErrBackend, ns, key, err)
	}

	value, deadline, err := splitDeadline(entry.Value())
	if err != nil {
		return nil, false, fmt.Errorf("%w: get %s/%s: %w", ErrBackend, ns, key, err)
	}
	if !deadline.IsZero() && time.Now().After(deadline) {
		_ = kv.Delete(ctx, key)
		return nil, false, nil
	}
	return value, true, nil
}

// Put implements Backend.
func (b *NATSBackend) Put(ctx context.Context, ns Namespace, key string, value []byte, ttl time.Duration) error {
	kv, err := b.bucket(ns)
	if err != nil {
		return err
	}

	var deadline time.Time
	if ttl > 0 {
		deadline = time.Now().Add(ttl)
	}
	if _, err := kv.Put(ctx, key, joinDeadline(value, deadline)); err != nil {
		return fmt.Errorf("%w: put %s/%s: %w", ErrBackend, ns, key, err)
	}
	return nil
}

// Delete implements Backend.
func (b *NATSBackend) Delete(ctx context.Context, ns Namespace, key string) error {
	kv, err := b.bucket(ns)
	if err != nil {
		return err
	}
	if err := kv.Delete(ctx, key); err != nil && !errors.Is(err, jetstream.ErrKeyNotFound) {
		return fmt.Errorf("%w: delete %s/%s: %w", ErrBackend, ns, key, err)
	}
	return nil
}

// Keys implements Backend.
func (b *NATSBackend) Keys(ctx context.Context, ns Namespace) ([]string, error) {
	kv, err := b.bucket(ns)
	if err != nil {
		return nil, err
	}

	keys, err := kv.Keys(ctx)
	if errors.Is(err, jetstream.ErrNoKeysFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: keys %s: %w", ErrBackend, ns, err)
	}
	return keys, nil
}

// Close implements Backend. The NATS connection is owned by the caller.
func (b *NATSBackend) Close() error {
	return nil
}

// joinDeadline prefixes the value with its expiry as unix nanoseconds.
// A zero deadline means no per-entry expiry.
func joinDeadline(value []byte, deadline time.Time) []byte {
	out := make([]byte, 8+len(value))
	if !deadline.IsZero() {
		binary.BigEndian.PutUint64(out, uint64(deadline.UnixNano()))
	}
	copy(out[8:], value)
	return out
}

func splitDeadline(stored []byte) ([]byte, time.Time, error) {
	if len(stored) < 8 {
		return nil, time.Time{}, errors.New("short cache entry")
	}
	nanos := binary.BigEndian.Uint64(stored)
	var deadline time.Time
	if nanos != 0 {
		deadline = time.Unix(0, int64(nanos))
	}
	return stored[8:], deadline, nil
}
