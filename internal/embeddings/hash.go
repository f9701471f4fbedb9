package embeddings

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"math"
)

// HashProvider derives vectors from the SHA-256 of the input text. The
// same text always yields the same unit-length vector, which makes
// indexing runs reproducible without a model server. Vectors carry no
// semantic meaning; the provider exists for development and tests.
type HashProvider struct {
	dimension int
}

// NewHashProvider builds a deterministic offline provider.
func NewHashProvider(dimension int) *HashProvider {
	return &HashProvider{dimension: dimension}
}

// EmbedDocuments implements Provider.
func (p *HashProvider) EmbedDocuments(_ context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, fmt.Errorf("%w: texts cannot be empty", ErrEmptyInput)
	}
	vectors := make([][]float32, len(texts))
	for i, text := range texts {
		vectors[i] = p.vector(text)
	}
	return vectors, nil
}

// EmbedQuery implements Provider.
func (p *HashProvider) EmbedQuery(_ context.Context, text string) ([]float32, error) {
	if text == "" {
		return nil, fmt.Errorf("%w: text cannot be empty", ErrEmptyInput)
	}
	return p.vector(text), nil
}

// vector expands the text digest into a normalized vector by re-hashing
// the digest with a counter until enough bytes exist.
func (p *HashProvider) vector(text string) []float32 {
	digest := sha256.Sum256([]byte(text))

	out := make([]float32, p.dimension)
	var norm float64
	buf := digest[:]
	for i := 0; i < p.dimension; i++ {
		if (i*4)%len(buf) == 0 && i > 0 {
			next := sha256.Sum256(append(buf, byte(i)))
			buf = next[:]
		}
		bits := binary.BigEndian.Uint32(buf[(i*4)%len(buf):])
		// Map to [-1, 1).
		v := float64(int32(bits)) / float64(math.MaxInt32)
		out[i] = float32(v)
		norm += v * v
	}

	if norm > 0 {
		scale := float32(1 / math.Sqrt(norm))
		for i := range out {
			out[i] *= scale
		}
	}
	return out
}

// Identity implements Provider.
func (p *HashProvider) Identity() string {
	return "hash:sha256"
}

// Dimension implements Provider.
func (p *HashProvider) Dimension() int {
	return p.dimension
}

// Close implements Provider.
func (p *HashProvider) Close() error {
	return nil
}
