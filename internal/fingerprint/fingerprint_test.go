package fingerprint_test

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/indexd/internal/fingerprint"
)

func openStore(t *testing.T) *fingerprint.Store {
	t.Helper()
	s, err := fingerprint.Open(filepath.Join(t.TempDir(), "fp"), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestLookupMissing(t *testing.T) {
	s := openStore(t)

	fp, ok, err := s.Lookup("repo1", "src/main.go")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Empty(t, fp.Hash)
}

func TestRecordAndLookup(t *testing.T) {
	s := openStore(t)

	want := fingerprint.Fingerprint{Hash: "abc123", ChunkIDs: []string{"c1", "c2"}}
	require.NoError(t, s.Record("repo1", "src/main.go", want))

	fp, ok, err := s.Lookup("repo1", "src/main.go")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, want, fp)
}

func TestRecordIdempotent(t *testing.T) {
	s := openStore(t)

	// Recording the same fingerprint twice leaves one stable record.
	fp := fingerprint.Fingerprint{Hash: "h1", ChunkIDs: []string{"c1"}}
	require.NoError(t, s.Record("repo1", "a.go", fp))
	require.NoError(t, s.Record("repo1", "a.go", fp))

	got, ok, err := s.Lookup("repo1", "a.go")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, fp, got)

	paths, err := s.Paths("repo1")
	require.NoError(t, err)
	assert.Equal(t, []string{"a.go"}, paths)
}

func TestRecordOverwrites(t *testing.T) {
	s := openStore(t)

	require.NoError(t, s.Record("repo1", "a.go", fingerprint.Fingerprint{Hash: "h1"}))
	require.NoError(t, s.Record("repo1", "a.go", fingerprint.Fingerprint{Hash: "h2", ChunkIDs: []string{"c9"}}))

	fp, _, err := s.Lookup("repo1", "a.go")
	require.NoError(t, err)
	assert.Equal(t, "h2", fp.Hash)
	assert.Equal(t, []string{"c9"}, fp.ChunkIDs)
}

func TestForget(t *testing.T) {
	s := openStore(t)

	require.NoError(t, s.Record("repo1", "a.go", fingerprint.Fingerprint{Hash: "h1"}))
	require.NoError(t, s.Forget("repo1", "a.go"))

	_, ok, err := s.Lookup("repo1", "a.go")
	require.NoError(t, err)
	assert.False(t, ok)

	// Forgetting an absent path is not an error.
	assert.NoError(t, s.Forget("repo1", "never-seen.go"))
}

func TestRepositoryIsolation(t *testing.T) {
	s := openStore(t)

	require.NoError(t, s.Record("repo1", "shared.go", fingerprint.Fingerprint{Hash: "h1"}))
	require.NoError(t, s.Record("repo2", "shared.go", fingerprint.Fingerprint{Hash: "h2"}))
	require.NoError(t, s.Record("repo2", "other.go", fingerprint.Fingerprint{Hash: "h3"}))

	fp, _, err := s.Lookup("repo1", "shared.go")
	require.NoError(t, err)
	assert.Equal(t, "h1", fp.Hash)

	paths, err := s.Paths("repo1")
	require.NoError(t, err)
	assert.Equal(t, []string{"shared.go"}, paths)

	paths, err = s.Paths("repo2")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"shared.go", "other.go"}, paths)
}
