package chunking_test

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/indexd/internal/chunking"
)

const goSource = `package demo

import "fmt"

func Greet(name string) string {
	return fmt.Sprintf("hello %s", name)
}

type Greeter struct {
	prefix string
}

func (g *Greeter) Say(name string) string {
	return g.prefix + name
}
`

func chunkFile(t *testing.T, path, content string) []chunking.Chunk {
	t.Helper()
	chunks, err := chunking.NewChunker().Chunk(context.Background(), path, []byte(content), "filehash1")
	require.NoError(t, err)
	return chunks
}

func TestGoDefinitions(t *testing.T) {
	chunks := chunkFile(t, "demo.go", goSource)
	require.Len(t, chunks, 3)

	byName := make(map[string]chunking.Chunk)
	for _, c := range chunks {
		byName[c.Name] = c
		assert.Equal(t, "go", c.Language)
		assert.Equal(t, "demo.go", c.Path)
		assert.Equal(t, "filehash1", c.FileHash)
		assert.NotEmpty(t, c.ID)
	}

	greet := byName["Greet"]
	assert.Equal(t, "function_declaration", greet.Kind)
	assert.Contains(t, greet.Content, "func Greet(name string) string")

	say := byName["Say"]
	assert.Equal(t, "method_declaration", say.Kind)

	greeter := byName["Greeter"]
	assert.Contains(t, greeter.Content, "type Greeter struct")
}

func TestPythonDefinitions(t *testing.T) {
	source := "def handler(event):\n    return event\n\nclass Worker:\n    def run(self):\n        pass\n"
	chunks := chunkFile(t, "app.py", source)

	names := make([]string, 0, len(chunks))
	for _, c := range chunks {
		names = append(names, c.Name)
	}
	assert.Contains(t, names, "handler")
	assert.Contains(t, names, "Worker")
	// The nested method is covered by its class chunk, not duplicated.
	assert.NotContains(t, names, "run")
}

func TestRustDefinitions(t *testing.T) {
	source := "pub struct Config {\n    depth: u32,\n}\n\npub fn parse(input: &str) -> Config {\n    Config { depth: 1 }\n}\n"
	chunks := chunkFile(t, "lib.rs", source)
	require.Len(t, chunks, 2)
	assert.Equal(t, "rust", chunks[0].Language)
}

func TestDeterministicIDs(t *testing.T) {
	a := chunkFile(t, "demo.go", goSource)
	b := chunkFile(t, "demo.go", goSource)
	require.Equal(t, len(a), len(b))
	for i := range a {
		assert.Equal(t, a[i].ID, b[i].ID)
	}
}

func TestIDChangesWithContentHash(t *testing.T) {
	ctx := context.Background()
	c := chunking.NewChunker()

	a, err := c.Chunk(ctx, "demo.go", []byte(goSource), "hash-a")
	require.NoError(t, err)
	b, err := c.Chunk(ctx, "demo.go", []byte(goSource), "hash-b")
	require.NoError(t, err)

	assert.NotEqual(t, a[0].ID, b[0].ID)
}

func TestUnknownLanguageFallsBackToWindows(t *testing.T) {
	var b strings.Builder
	for i := 0; i < 100; i++ {
		b.WriteString("line of prose\n")
	}
	chunks := chunkFile(t, "notes.txt", b.String())

	require.NotEmpty(t, chunks)
	assert.Greater(t, len(chunks), 1, "100 lines should span multiple windows")
	for _, c := range chunks {
		assert.Equal(t, "window", c.Kind)
		assert.Empty(t, c.Language)
	}
	// Windows overlap: the second window starts before the first ends.
	assert.Less(t, chunks[1].StartLine, chunks[0].EndLine)
}

func TestEmptyGoFileFallsBack(t *testing.T) {
	chunks := chunkFile(t, "doc.go", "// Package doc only has comments.\npackage doc\n")
	require.NotEmpty(t, chunks)
	assert.Equal(t, "window", chunks[0].Kind)
	assert.Equal(t, "go", chunks[0].Language)
}
