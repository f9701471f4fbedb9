package lease

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"
)

const leaseBucket = "indexd_leases"

// NATSStore keeps leases in a JetStream key-value bucket. Create and
// revision-checked Update give the same acquire-if-absent-or-expired
// semantics as the file store, across machines.
type NATSStore struct {
	kv     jetstream.KeyValue
	holder string
	ttl    time.Duration
	logger *zap.Logger
	now    func() time.Time
}

// NewNATSStore binds (or creates) the lease bucket.
func NewNATSStore(ctx context.Context, nc *nats.Conn, holder string, ttl time.Duration, logger *zap.Logger) (*NATSStore, error) {
	js, err := jetstream.New(nc)
	if err != nil {
		return nil, fmt.Errorf("creating jetstream context: %w", err)
	}
	kv, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket: leaseBucket,
		// Expiry is enforced by the lease payload; the bucket TTL only
		// reaps keys from holders that never came back.
		TTL: 4 * ttl,
	})
	if err != nil {
		return nil, fmt.Errorf("creating bucket %s: %w", leaseBucket, err)
	}
	return &NATSStore{
		kv:     kv,
		holder: holder,
		ttl:    ttl,
		logger: logger.Named("lease"),
		now:    time.Now,
	}, nil
}

// Acquire implements Store.
func (s *NATSStore) Acquire(ctx context.Context, key string) (*Lease, error) {
	l := &Lease{
		Key:       key,
		Holder:    s.holder,
		Token:     uuid.New().String(),
		ExpiresAt: s.now().Add(s.ttl),
	}
	value, err := json.Marshal(l)
	if err != nil {
		return nil, fmt.Errorf("encoding lease %s: %w", key, err)
	}

	revision, err := s.kv.Create(ctx, key, value)
	if err == nil {
		l.revision = revision
		return l, nil
	}
	if !errors.Is(err, jetstream.ErrKeyExists) {
		return nil, fmt.Errorf("acquiring lease %s: %w", key, err)
	}

	entry, err := s.kv.Get(ctx, key)
	if errors.Is(err, jetstream.ErrKeyNotFound) || errors.Is(err, jetstream.ErrKeyDeleted) {
		// Released in between; one more Create attempt, no loop.
		revision, err := s.kv.Create(ctx, key, value)
		if err != nil {
			return nil, ErrHeld
		}
		l.revision = revision
		return l, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading lease %s: %w", key, err)
	}

	var current Lease
	if err := json.Unmarshal(entry.Value(), &current); err != nil {
		return nil, fmt.Errorf("corrupt lease for %s: %w", key, err)
	}
	if s.now().Before(current.ExpiresAt) {
		return nil, fmt.Errorf("%w: key %s held by %s until %s",
			ErrHeld, key, current.Holder, current.ExpiresAt.Format(time.RFC3339))
	}

	s.logger.Info("reclaiming expired lease",
		zap.String("key", key),
		zap.String("previous_holder", current.Holder),
		zap.Time("expired_at", current.ExpiresAt))

	l.ExpiresAt = s.now().Add(s.ttl)
	value, err = json.Marshal(l)
	if err != nil {
		return nil, fmt.Errorf("encoding lease %s: %w", key, err)
	}
	revision, err = s.kv.Update(ctx, key, value, entry.Revision())
	if err != nil {
		// Another process reclaimed it first.
		return nil, ErrHeld
	}
	l.revision = revision
	return l, nil
}

// Renew implements Store.
func (s *NATSStore) Renew(ctx context.Context, l *Lease) error {
	entry, err := s.kv.Get(ctx, l.Key)
	if errors.Is(err, jetstream.ErrKeyNotFound) || errors.Is(err, jetstream.ErrKeyDeleted) {
		return ErrLost
	}
	if err != nil {
		return fmt.Errorf("renewing lease %s: %w", l.Key, err)
	}

	var current Lease
	if err := json.Unmarshal(entry.Value(), &current); err != nil {
		return fmt.Errorf("corrupt lease for %s: %w", l.Key, err)
	}
	if current.Token != l.Token {
		return ErrLost
	}

	l.ExpiresAt = s.now().Add(s.ttl)
	value, err := json.Marshal(l)
	if err != nil {
		return fmt.Errorf("encoding lease %s: %w", l.Key, err)
	}
	revision, err := s.kv.Update(ctx, l.Key, value, entry.Revision())
	if err != nil {
		return ErrLost
	}
	l.revision = revision
	return nil
}

// Release implements Store.
func (s *NATSStore) Release(ctx context.Context, l *Lease) error {
	entry, err := s.kv.Get(ctx, l.Key)
	if errors.Is(err, jetstream.ErrKeyNotFound) || errors.Is(err, jetstream.ErrKeyDeleted) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("releasing lease %s: %w", l.Key, err)
	}

	var current Lease
	if err := json.Unmarshal(entry.Value(), &current); err != nil {
		return fmt.Errorf("corrupt lease for %s: %w", l.Key, err)
	}
	if current.Token != l.Token {
		return nil
	}

	if err := s.kv.Delete(ctx, l.Key, jetstream.LastRevision(entry.Revision())); err != nil {
		return fmt.Errorf("releasing lease %s: %w", l.Key, err)
	}
	return nil
}

var _ Store = (*NATSStore)(nil)
