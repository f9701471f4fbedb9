package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/indexd/internal/config"
)

func TestRootCommandHasSubcommands(t *testing.T) {
	names := map[string]bool{}
	for _, c := range rootCmd.Commands() {
		names[c.Name()] = true
	}
	for _, want := range []string{"serve", "index", "search", "version"} {
		assert.True(t, names[want], "missing subcommand %s", want)
	}
}

func TestVectorTarget(t *testing.T) {
	cfg := config.VectorStoreConfig{
		Provider: "chromem",
		Chromem:  config.ChromemConfig{DefaultCollection: "local_coll", VectorSize: 384},
		Qdrant:   config.QdrantConfig{CollectionName: "shared_coll", VectorSize: 768},
	}

	collection, size := vectorTarget(cfg)
	assert.Equal(t, "local_coll", collection)
	assert.Equal(t, 384, size)

	cfg.Provider = "qdrant"
	collection, size = vectorTarget(cfg)
	assert.Equal(t, "shared_coll", collection)
	assert.Equal(t, 768, size)
}

func TestLeaseHolderIsUniquePerCall(t *testing.T) {
	a := leaseHolder()
	b := leaseHolder()
	require.NotEmpty(t, a)
	assert.NotEqual(t, a, b)
}
