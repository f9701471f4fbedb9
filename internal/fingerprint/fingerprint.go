// Package fingerprint persists what was last durably indexed per path.
//
// A file is only re-embedded when its content hash differs from the
// stored fingerprint or no fingerprint exists. Fingerprints also carry
// the chunk ids produced for that content, so a later change knows
// exactly which vectors it supersedes. Fingerprints are recorded
// strictly after the corresponding vector upsert confirms; a crash
// between embedding and upserting re-indexes on retry instead of
// silently skipping.
package fingerprint

import (
	"encoding/json"
	"fmt"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
	"go.uber.org/zap"
)

// Fingerprint is the durable record for one path.
type Fingerprint struct {
	// Hash is the content hash (git blob hash) that was indexed.
	Hash string `json:"hash"`

	// ChunkIDs are the vector ids produced from that content.
	ChunkIDs []string `json:"chunk_ids,omitempty"`
}

// Store persists fingerprints in LevelDB. Keys are namespaced per
// repository id so one store serves all configured repositories.
type Store struct {
	db     *leveldb.DB
	logger *zap.Logger
}

// Open opens (or creates) the fingerprint database at path.
func Open(path string, logger *zap.Logger) (*Store, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("opening fingerprint db %s: %w", path, err)
	}
	return &Store{db: db, logger: logger.Named("fingerprint")}, nil
}

// key layout: <repoID>\x00<path>
func key(repoID, path string) []byte {
	return []byte(repoID + "\x00" + path)
}

// Lookup returns the stored fingerprint for path, if any.
func (s *Store) Lookup(repoID, path string) (Fingerprint, bool, error) {
	value, err := s.db.Get(key(repoID, path), nil)
	if err == leveldb.ErrNotFound {
		return Fingerprint{}, false, nil
	}
	if err != nil {
		return Fingerprint{}, false, fmt.Errorf("fingerprint lookup %s: %w", path, err)
	}

	var fp Fingerprint
	if err := json.Unmarshal(value, &fp); err != nil {
		return Fingerprint{}, false, fmt.Errorf("corrupt fingerprint for %s: %w", path, err)
	}
	return fp, true, nil
}

// Record stores the fingerprint for path. Callers must only invoke this
// after the path's vectors have been durably upserted.
func (s *Store) Record(repoID, path string, fp Fingerprint) error {
	value, err := json.Marshal(fp)
	if err != nil {
		return fmt.Errorf("encoding fingerprint %s: %w", path, err)
	}
	if err := s.db.Put(key(repoID, path), value, nil); err != nil {
		return fmt.Errorf("fingerprint record %s: %w", path, err)
	}
	s.logger.Debug("fingerprint recorded",
		zap.String("repo", repoID),
		zap.String("path", path),
		zap.String("hash", fp.Hash),
		zap.Int("chunks", len(fp.ChunkIDs)))
	return nil
}

// Forget removes the fingerprint for path, typically when the file was
// deleted from the repository.
func (s *Store) Forget(repoID, path string) error {
	if err := s.db.Delete(key(repoID, path), nil); err != nil {
		return fmt.Errorf("fingerprint forget %s: %w", path, err)
	}
	return nil
}

// Paths returns all fingerprinted paths for a repository.
func (s *Store) Paths(repoID string) ([]string, error) {
	prefix := []byte(repoID + "\x00")
	iter := s.db.NewIterator(util.BytesPrefix(prefix), nil)
	defer iter.Release()

	var paths []string
	for iter.Next() {
		paths = append(paths, string(iter.Key()[len(prefix):]))
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("fingerprint iterate %s: %w", repoID, err)
	}
	return paths, nil
}

// Close releases the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}
