package vectorstore

import (
	"context"
	"sort"

	"go.uber.org/zap"
)

// Gateway is the single entry point for index and search traffic. It
// adds two guarantees on top of the raw Store:
//
//   - Replacement points are inserted before superseded points are
//     deleted, so a crash between the two steps leaves extra vectors
//     (cleaned up by the next run) rather than missing ones.
//   - Failed operations are retried exactly once before the error is
//     returned to the batch.
type Gateway struct {
	store      Store
	collection string
	logger     *zap.Logger
}

// NewGateway wraps a store for one collection.
func NewGateway(store Store, collection string, logger *zap.Logger) *Gateway {
	return &Gateway{
		store:      store,
		collection: collection,
		logger:     logger.Named("gateway"),
	}
}

// EnsureCollection creates the gateway's collection if missing.
func (g *Gateway) EnsureCollection(ctx context.Context, vectorSize int) error {
	return g.withRetry(ctx, "ensure_collection", func() error {
		return g.store.EnsureCollection(ctx, g.collection, vectorSize)
	})
}

// Upsert writes points and then removes the ids they supersede. Upserts
// are idempotent on chunk id; replaying a confirmed batch is harmless.
func (g *Gateway) Upsert(ctx context.Context, points []Point, supersededIDs []string) error {
	if len(points) > 0 {
		err := g.withRetry(ctx, "upsert", func() error {
			return g.store.Upsert(ctx, g.collection, points)
		})
		if err != nil {
			return err
		}
	}

	// Deleting after inserting means a failure here can only leave
	// stale extra points, never a gap.
	if len(supersededIDs) > 0 {
		err := g.withRetry(ctx, "delete", func() error {
			return g.store.Delete(ctx, g.collection, supersededIDs)
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// Delete removes points by chunk id.
func (g *Gateway) Delete(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	return g.withRetry(ctx, "delete", func() error {
		return g.store.Delete(ctx, g.collection, ids)
	})
}

// Query returns up to k matches ordered by descending score; equal
// scores are ordered by chunk id so results are deterministic.
func (g *Gateway) Query(ctx context.Context, vector []float32, k int, filter map[string]string) ([]Match, error) {
	var matches []Match
	err := g.withRetry(ctx, "query", func() error {
		var err error
		matches, err = g.store.Query(ctx, g.collection, vector, k, filter)
		return err
	})
	if err != nil {
		return nil, err
	}

	sort.SliceStable(matches, func(i, j int) bool {
		if matches[i].Score != matches[j].Score {
			return matches[i].Score > matches[j].Score
		}
		return matches[i].ID < matches[j].ID
	})
	return matches, nil
}

// Count reports the collection size when the store supports it.
func (g *Gateway) Count(ctx context.Context) (int, bool) {
	counter, ok := g.store.(Counter)
	if !ok {
		return 0, false
	}
	count, err := counter.Count(ctx, g.collection)
	if err != nil {
		g.logger.Warn("collection count unavailable", zap.Error(err))
		return 0, false
	}
	return count, true
}

// Collection returns the collection this gateway serves.
func (g *Gateway) Collection() string {
	return g.collection
}

// withRetry runs op and retries exactly once on failure.
func (g *Gateway) withRetry(ctx context.Context, name string, op func() error) error {
	err := op()
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return err
	}

	g.logger.Warn("retrying vector store operation",
		zap.String("operation", name),
		zap.Error(err))

	if err := op(); err != nil {
		return err
	}
	return nil
}
