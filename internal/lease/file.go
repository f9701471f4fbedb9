package lease

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// FileStore keeps one JSON lease file per key. Exclusivity comes from
// O_EXCL creation; expiry is encoded in the file so a crashed holder's
// lease is reclaimable by removing the stale file and re-creating it.
type FileStore struct {
	dir    string
	holder string
	ttl    time.Duration
	logger *zap.Logger
	now    func() time.Time
}

// NewFileStore creates the lease directory if needed. The holder string
// identifies this process in lease files and logs.
func NewFileStore(dir, holder string, ttl time.Duration, logger *zap.Logger) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating lease directory %s: %w", dir, err)
	}
	return &FileStore{
		dir:    dir,
		holder: holder,
		ttl:    ttl,
		logger: logger.Named("lease"),
		now:    time.Now,
	}, nil
}

// path maps a key to its lease file. Keys are hashed so repository paths
// never escape the lease directory.
func (s *FileStore) path(key string) string {
	sum := sha256.Sum256([]byte(key))
	return filepath.Join(s.dir, hex.EncodeToString(sum[:16])+".lease")
}

// Acquire implements Store.
func (s *FileStore) Acquire(ctx context.Context, key string) (*Lease, error) {
	l := &Lease{
		Key:       key,
		Holder:    s.holder,
		Token:     uuid.New().String(),
		ExpiresAt: s.now().Add(s.ttl),
	}

	err := s.create(l)
	if err == nil {
		return l, nil
	}
	if !errors.Is(err, os.ErrExist) {
		return nil, fmt.Errorf("acquiring lease %s: %w", key, err)
	}

	// The file exists. A live lease means contention; an expired one is
	// reclaimed by removing the stale file and racing for re-creation.
	current, readErr := s.read(key)
	if readErr != nil {
		if errors.Is(readErr, os.ErrNotExist) {
			// Released between our attempts; race again once.
			if err := s.create(l); err != nil {
				return nil, ErrHeld
			}
			return l, nil
		}
		return nil, fmt.Errorf("reading lease %s: %w", key, readErr)
	}

	if s.now().Before(current.ExpiresAt) {
		return nil, fmt.Errorf("%w: key %s held by %s until %s",
			ErrHeld, key, current.Holder, current.ExpiresAt.Format(time.RFC3339))
	}

	s.logger.Info("reclaiming expired lease",
		zap.String("key", key),
		zap.String("previous_holder", current.Holder),
		zap.Time("expired_at", current.ExpiresAt))

	if err := os.Remove(s.path(key)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("removing expired lease %s: %w", key, err)
	}
	l.ExpiresAt = s.now().Add(s.ttl)
	if err := s.create(l); err != nil {
		// Another process won the reclaim race.
		return nil, ErrHeld
	}
	return l, nil
}

// Renew implements Store.
func (s *FileStore) Renew(ctx context.Context, l *Lease) error {
	current, err := s.read(l.Key)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return ErrLost
		}
		return fmt.Errorf("renewing lease %s: %w", l.Key, err)
	}
	if current.Token != l.Token {
		return ErrLost
	}

	l.ExpiresAt = s.now().Add(s.ttl)
	if err := s.write(l); err != nil {
		return fmt.Errorf("renewing lease %s: %w", l.Key, err)
	}
	return nil
}

// Release implements Store.
func (s *FileStore) Release(ctx context.Context, l *Lease) error {
	current, err := s.read(l.Key)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("releasing lease %s: %w", l.Key, err)
	}
	// Never remove a lease that was reclaimed by someone else.
	if current.Token != l.Token {
		return nil
	}
	if err := os.Remove(s.path(l.Key)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("releasing lease %s: %w", l.Key, err)
	}
	return nil
}

// create writes the lease with O_EXCL so concurrent acquirers cannot
// both succeed.
func (s *FileStore) create(l *Lease) error {
	f, err := os.OpenFile(s.path(l.Key), os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	return json.NewEncoder(f).Encode(l)
}

// write replaces the lease file atomically via rename.
func (s *FileStore) write(l *Lease) error {
	data, err := json.Marshal(l)
	if err != nil {
		return err
	}
	tmp := s.path(l.Key) + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, s.path(l.Key))
}

func (s *FileStore) read(key string) (*Lease, error) {
	data, err := os.ReadFile(s.path(key))
	if err != nil {
		return nil, err
	}
	var l Lease
	if err := json.Unmarshal(data, &l); err != nil {
		return nil, fmt.Errorf("corrupt lease file for %s: %w", key, err)
	}
	return &l, nil
}

var _ Store = (*FileStore)(nil)
