package scheduler

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
	"time"

	"github.com/fyrsmithlabs/indexd/internal/chunking"
)

// State is a batch's position in its lifecycle.
//
//	pending -> in_flight -> completed
//	                     -> partially_failed -> completed | failed
//	                     -> failed
//
// partially_failed means the provider call succeeded (vectors are in the
// embeddings cache) but the upsert did not; resuming such a batch skips
// the provider entirely.
type State string

const (
	StatePending         State = "pending"
	StateInFlight        State = "in_flight"
	StateCompleted       State = "completed"
	StatePartiallyFailed State = "partially_failed"
	StateFailed          State = "failed"
)

// Resumable reports whether a persisted batch in this state must be
// picked up again after a restart.
func (s State) Resumable() bool {
	return s == StatePending || s == StateInFlight || s == StatePartiallyFailed
}

// Batch is one unit of embedding work.
type Batch struct {
	// ID is the hash of the sorted chunk id set, so the same chunks
	// always form the same batch and a replayed batch is recognizable.
	ID string `json:"id"`

	RepoID string           `json:"repo_id"`
	Chunks []chunking.Chunk `json:"chunks"`

	// SupersededIDs are chunk ids this batch replaces; they are deleted
	// after the new points are inserted.
	SupersededIDs []string `json:"superseded_ids,omitempty"`

	State     State     `json:"state"`
	Attempts  int       `json:"attempts"`
	UpdatedAt time.Time `json:"updated_at"`
}

// BatchID derives the content-addressed batch identifier.
func BatchID(chunks []chunking.Chunk) string {
	ids := make([]string, len(chunks))
	for i, c := range chunks {
		ids[i] = c.ID
	}
	sort.Strings(ids)
	sum := sha256.Sum256([]byte(strings.Join(ids, "\n")))
	return hex.EncodeToString(sum[:])
}

// Plan partitions chunks into batches bounded by maxChunks and maxBytes.
// A single oversized chunk still gets its own batch. Superseded ids ride
// with the first batch so replacements land before deletions.
func Plan(repoID string, chunks []chunking.Chunk, supersededIDs []string, maxChunks, maxBytes int) []*Batch {
	if len(chunks) == 0 && len(supersededIDs) == 0 {
		return nil
	}

	var batches []*Batch
	var current []chunking.Chunk
	currentBytes := 0

	flush := func() {
		if len(current) == 0 {
			return
		}
		batches = append(batches, &Batch{
			ID:     BatchID(current),
			RepoID: repoID,
			Chunks: current,
			State:  StatePending,
		})
		current = nil
		currentBytes = 0
	}

	for _, chunk := range chunks {
		size := len(chunk.Content)
		if len(current) > 0 && (len(current) >= maxChunks || currentBytes+size > maxBytes) {
			flush()
		}
		current = append(current, chunk)
		currentBytes += size
	}
	flush()

	if len(batches) == 0 {
		// Deletions only: an empty batch carries them.
		batches = append(batches, &Batch{
			ID:     BatchID(nil),
			RepoID: repoID,
			State:  StatePending,
		})
	}
	batches[0].SupersededIDs = supersededIDs
	return batches
}
