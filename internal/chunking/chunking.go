// Package chunking splits file content into embeddable chunks.
//
// Files in a known language are parsed with tree-sitter and chunked at
// definition boundaries (functions, methods, types, classes). Files in
// unknown languages fall back to fixed line windows with overlap.
// Chunking is deterministic: the same path and content always produce
// the same chunks with the same ids.
package chunking

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"

	sitter "github.com/smacker/go-tree-sitter"
)

const (
	// maxChunkBytes bounds a single chunk; oversized definitions are
	// split into windows.
	maxChunkBytes = 8192

	// windowLines and windowOverlap shape the fallback line windows.
	windowLines   = 40
	windowOverlap = 10
)

// Chunk is one embeddable unit of a file.
type Chunk struct {
	// ID is derived from the path, the file content hash, and the line
	// range, so identical content always yields identical ids and any
	// content change yields new ones.
	ID string

	Path      string
	Language  string
	Kind      string // node type, or "window" for fallback chunks
	Name      string // definition name when the grammar exposes one
	StartLine int    // 1-indexed, inclusive
	EndLine   int    // 1-indexed, inclusive
	Content   string

	// FileHash is the content hash of the whole file the chunk came
	// from, recorded as its fingerprint after a confirmed upsert.
	FileHash string
}

// chunkID derives the deterministic chunk identifier.
func chunkID(path, fileHash string, startLine, endLine int) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s\x00%s\x00%d-%d", path, fileHash, startLine, endLine)))
	return hex.EncodeToString(sum[:])
}

// Chunker turns file content into chunks.
type Chunker struct {
	registry *Registry
}

// NewChunker builds a chunker over the default language registry.
func NewChunker() *Chunker {
	return &Chunker{registry: DefaultRegistry()}
}

// Chunk splits content. fileHash is the content hash of the file (the
// git blob hash), folded into every chunk id.
func (c *Chunker) Chunk(ctx context.Context, path string, content []byte, fileHash string) ([]Chunk, error) {
	spec, language := c.registry.Lookup(path)
	if spec == nil {
		return c.windows(path, content, fileHash, "", ""), nil
	}

	chunks, err := c.parse(ctx, spec, language, path, content, fileHash)
	if err != nil {
		return nil, err
	}
	if len(chunks) == 0 {
		// Parsed but nothing captured (e.g. a file of constants);
		// windows keep the content searchable.
		return c.windows(path, content, fileHash, language, ""), nil
	}
	return chunks, nil
}

// parse extracts definition-level chunks via the language's query.
func (c *Chunker) parse(ctx context.Context, spec *LanguageSpec, language, path string, content []byte, fileHash string) ([]Chunk, error) {
	parser := sitter.NewParser()
	parser.SetLanguage(spec.Language)
	tree, err := parser.ParseCtx(ctx, nil, content)
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	defer tree.Close()

	query, err := sitter.NewQuery([]byte(spec.Query), spec.Language)
	if err != nil {
		return nil, fmt.Errorf("compiling %s query: %w", language, err)
	}
	defer query.Close()

	cursor := sitter.NewQueryCursor()
	defer cursor.Close()
	cursor.Exec(query, tree.RootNode())

	var caps []capture
	for {
		match, ok := cursor.NextMatch()
		if !ok {
			break
		}
		var node *sitter.Node
		var name string
		for _, cap := range match.Captures {
			switch query.CaptureNameForId(cap.Index) {
			case "chunk":
				node = cap.Node
			case "name":
				name = cap.Node.Content(content)
			}
		}
		if node == nil {
			continue
		}
		caps = append(caps, capture{
			name:      name,
			kind:      node.Type(),
			startLine: int(node.StartPoint().Row) + 1,
			endLine:   int(node.EndPoint().Row) + 1,
			startByte: node.StartByte(),
			endByte:   node.EndByte(),
		})
	}
	caps = outermost(caps)

	lines := strings.Split(string(content), "\n")
	var chunks []Chunk
	for _, cap := range caps {
		text := sliceLines(lines, cap.startLine, cap.endLine)
		if len(text) > maxChunkBytes {
			chunks = append(chunks, splitWindows(path, text, fileHash, language, cap.name, cap.kind, cap.startLine)...)
			continue
		}
		chunks = append(chunks, Chunk{
			ID:        chunkID(path, fileHash, cap.startLine, cap.endLine),
			Path:      path,
			Language:  language,
			Kind:      cap.kind,
			Name:      cap.name,
			StartLine: cap.startLine,
			EndLine:   cap.endLine,
			Content:   text,
			FileHash:  fileHash,
		})
	}
	return chunks, nil
}

// windows produces fixed line windows over the whole file.
func (c *Chunker) windows(path string, content []byte, fileHash, language, name string) []Chunk {
	return splitWindows(path, string(content), fileHash, language, name, "window", 1)
}

// splitWindows chops text into overlapping line windows starting at
// baseLine.
func splitWindows(path, text, fileHash, language, name, kind string, baseLine int) []Chunk {
	lines := strings.Split(text, "\n")
	// Drop a single trailing empty line from the final newline.
	if len(lines) > 1 && lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}

	var chunks []Chunk
	for i := 0; i < len(lines); {
		end := i + windowLines
		if end > len(lines) {
			end = len(lines)
		}
		startLine := baseLine + i
		endLine := baseLine + end - 1
		chunks = append(chunks, Chunk{
			ID:        chunkID(path, fileHash, startLine, endLine),
			Path:      path,
			Language:  language,
			Kind:      kind,
			Name:      name,
			StartLine: startLine,
			EndLine:   endLine,
			Content:   strings.Join(lines[i:end], "\n"),
			FileHash:  fileHash,
		})
		if end >= len(lines) {
			break
		}
		i += windowLines - windowOverlap
	}
	return chunks
}

// sliceLines joins 1-indexed inclusive line ranges.
func sliceLines(lines []string, startLine, endLine int) string {
	start := startLine - 1
	if start < 0 {
		start = 0
	}
	end := endLine
	if end > len(lines) {
		end = len(lines)
	}
	return strings.Join(lines[start:end], "\n")
}

type capture struct {
	name      string
	kind      string
	startLine int
	endLine   int
	startByte uint32
	endByte   uint32
}

// outermost drops captures fully contained in a larger capture, keeping
// definition-level chunks instead of their nested members.
func outermost(caps []capture) []capture {
	if len(caps) <= 1 {
		return caps
	}
	sort.Slice(caps, func(i, j int) bool {
		if caps[i].startByte != caps[j].startByte {
			return caps[i].startByte < caps[j].startByte
		}
		return (caps[i].endByte - caps[i].startByte) > (caps[j].endByte - caps[j].startByte)
	})

	var result []capture
	var lastEnd uint32
	for _, c := range caps {
		if len(result) == 0 || c.startByte >= lastEnd {
			result = append(result, c)
			if c.endByte > lastEnd {
				lastEnd = c.endByte
			}
		}
	}
	return result
}
