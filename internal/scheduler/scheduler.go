// Package scheduler drives chunks through embedding and into the vector
// store.
//
// Work is partitioned into content-addressed batches whose state is
// persisted in the sync_batches cache namespace. A daemon restart
// resumes any batch that was pending or in flight; a batch whose
// vectors were already embedded resumes without touching the provider.
// Batch failures are isolated: one failed batch never aborts its
// siblings.
package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fyrsmithlabs/indexd/internal/cache"
	"github.com/fyrsmithlabs/indexd/internal/chunking"
	"github.com/fyrsmithlabs/indexd/internal/config"
	"github.com/fyrsmithlabs/indexd/internal/embeddings"
	"github.com/fyrsmithlabs/indexd/internal/ratelimit"
	"github.com/fyrsmithlabs/indexd/internal/vectorstore"
)

// ErrBatchFailed indicates a batch exhausted its retries.
var ErrBatchFailed = errors.New("batch failed")

// Report summarizes one scheduler run.
type Report struct {
	Completed int
	Failed    int

	// FailedBatchIDs lists the batches that exhausted retries; they
	// stay persisted for the next run.
	FailedBatchIDs []string
}

// Scheduler embeds and upserts batches.
type Scheduler struct {
	cfg      config.SchedulerConfig
	provider embeddings.Provider
	limiter  ratelimit.Limiter
	cache    *cache.Cache
	gateway  *vectorstore.Gateway
	logger   *zap.Logger

	// afterBatch runs after a batch's upsert is confirmed, before the
	// batch is marked completed. The coordinator records fingerprints
	// here so they are never written ahead of durable vectors.
	afterBatch func(ctx context.Context, b *Batch) error
}

// New builds a scheduler.
func New(
	cfg config.SchedulerConfig,
	provider embeddings.Provider,
	limiter ratelimit.Limiter,
	c *cache.Cache,
	gateway *vectorstore.Gateway,
	logger *zap.Logger,
) *Scheduler {
	return &Scheduler{
		cfg:      cfg,
		provider: provider,
		limiter:  limiter,
		cache:    c,
		gateway:  gateway,
		logger:   logger.Named("scheduler"),
	}
}

// PlanBatches partitions chunks using the configured batch bounds.
func (s *Scheduler) PlanBatches(repoID string, chunks []chunking.Chunk, supersededIDs []string) []*Batch {
	return Plan(repoID, chunks, supersededIDs, s.cfg.MaxBatchChunks, s.cfg.MaxBatchBytes)
}

// OnBatchUpserted registers the post-upsert hook.
func (s *Scheduler) OnBatchUpserted(fn func(ctx context.Context, b *Batch) error) {
	s.afterBatch = fn
}

// Run processes batches with bounded concurrency and returns a summary.
// Context cancellation stops between batches; in-flight batches finish
// or fail on their own deadlines.
func (s *Scheduler) Run(ctx context.Context, batches []*Batch) (Report, error) {
	var (
		mu     sync.Mutex
		report Report
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Concurrency)

	for _, batch := range batches {
		if err := ctx.Err(); err != nil {
			break
		}
		batch := batch
		g.Go(func() error {
			err := s.process(gctx, batch)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				report.Failed++
				report.FailedBatchIDs = append(report.FailedBatchIDs, batch.ID)
				s.logger.Error("batch failed",
					zap.String("batch", batch.ID),
					zap.String("repo", batch.RepoID),
					zap.Error(err))
				// Isolated: siblings keep running.
				return nil
			}
			report.Completed++
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return report, err
	}
	return report, ctx.Err()
}

// Resume loads persisted batches for a repository that still need work.
func (s *Scheduler) Resume(ctx context.Context, repoID string) []*Batch {
	var batches []*Batch
	for _, key := range s.cache.Keys(ctx, cache.NamespaceSyncBatches) {
		data, ok := s.cache.Get(ctx, cache.NamespaceSyncBatches, key)
		if !ok {
			continue
		}
		var b Batch
		if err := json.Unmarshal(data, &b); err != nil {
			s.logger.Warn("dropping unreadable batch record", zap.String("key", key), zap.Error(err))
			s.cache.Delete(ctx, cache.NamespaceSyncBatches, key)
			continue
		}
		if b.RepoID != repoID || !b.State.Resumable() {
			continue
		}
		s.logger.Info("resuming batch",
			zap.String("batch", b.ID),
			zap.String("state", string(b.State)),
			zap.Int("chunks", len(b.Chunks)))
		batches = append(batches, &b)
	}
	return batches
}

// Persist stores the batches so a restart can resume them.
func (s *Scheduler) Persist(ctx context.Context, batches []*Batch) {
	for _, b := range batches {
		s.persist(ctx, b)
	}
}

func (s *Scheduler) persist(ctx context.Context, b *Batch) {
	b.UpdatedAt = time.Now()
	data, err := json.Marshal(b)
	if err != nil {
		s.logger.Warn("cannot persist batch", zap.String("batch", b.ID), zap.Error(err))
		return
	}
	s.cache.Put(ctx, cache.NamespaceSyncBatches, batchKey(b), data, 0)
}

// batchKey scopes persisted batch state per repository; an empty
// deletions-only batch otherwise hashes identically for every repo.
func batchKey(b *Batch) string {
	return b.RepoID + ":" + b.ID
}

func (s *Scheduler) setState(ctx context.Context, b *Batch, state State) {
	b.State = state
	s.persist(ctx, b)
}

// process runs one batch to completion or failure.
func (s *Scheduler) process(ctx context.Context, b *Batch) error {
	s.setState(ctx, b, StateInFlight)

	vectors, err := s.embed(ctx, b)
	if err != nil {
		if ctx.Err() != nil {
			// Shutdown, not failure. The batch stays in_flight so the
			// next run resumes it.
			return fmt.Errorf("%w: embedding interrupted: %v", ErrBatchFailed, err)
		}
		b.Attempts++
		s.setState(ctx, b, StateFailed)
		return fmt.Errorf("%w: embedding: %v", ErrBatchFailed, err)
	}

	if err := s.upsert(ctx, b, vectors); err != nil {
		b.Attempts++
		// Vectors are cached; the resume path goes straight to upsert.
		s.setState(ctx, b, StatePartiallyFailed)
		return fmt.Errorf("%w: upserting: %v", ErrBatchFailed, err)
	}

	if s.afterBatch != nil {
		if err := s.afterBatch(ctx, b); err != nil {
			s.setState(ctx, b, StatePartiallyFailed)
			return fmt.Errorf("%w: post-upsert: %v", ErrBatchFailed, err)
		}
	}

	s.setState(ctx, b, StateCompleted)
	s.cache.Delete(ctx, cache.NamespaceSyncBatches, batchKey(b))
	return nil
}

// embed returns one vector per chunk, drawing from the embeddings cache
// first. A run over unchanged chunks makes zero provider calls.
func (s *Scheduler) embed(ctx context.Context, b *Batch) ([][]float32, error) {
	vectors := make([][]float32, len(b.Chunks))
	var missing []int

	for i, chunk := range b.Chunks {
		if data, ok := s.cache.Get(ctx, cache.NamespaceEmbeddings, s.embeddingKey(chunk)); ok {
			var v []float32
			if err := json.Unmarshal(data, &v); err == nil && len(v) > 0 {
				vectors[i] = v
				continue
			}
		}
		missing = append(missing, i)
	}
	if len(missing) == 0 {
		return vectors, nil
	}

	texts := make([]string, len(missing))
	for j, i := range missing {
		texts[j] = b.Chunks[i].Content
	}

	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = s.cfg.RetryInterval.Duration()

	embedded, err := backoff.Retry(ctx, func() ([][]float32, error) {
		// Every attempt takes a limiter slot, retries included.
		if err := s.waitForSlot(ctx); err != nil {
			return nil, backoff.Permanent(err)
		}
		vs, err := s.provider.EmbedDocuments(ctx, texts)
		if err != nil && !errors.Is(err, embeddings.ErrProvider) {
			return nil, backoff.Permanent(err)
		}
		return vs, err
	},
		backoff.WithBackOff(expo),
		backoff.WithMaxTries(uint(s.cfg.MaxRetries)),
	)
	if err != nil {
		return nil, err
	}

	for j, i := range missing {
		vectors[i] = embedded[j]
		if data, err := json.Marshal(embedded[j]); err == nil {
			s.cache.Put(ctx, cache.NamespaceEmbeddings, s.embeddingKey(b.Chunks[i]), data, 0)
		}
	}
	return vectors, nil
}

// waitForSlot consults the cross-process limiter, sleeping until the
// window frees a slot when denied.
func (s *Scheduler) waitForSlot(ctx context.Context) error {
	for {
		decision, err := s.limiter.TryAcquire(ctx, s.provider.Identity())
		if err != nil {
			return fmt.Errorf("rate limiter: %w", err)
		}
		if decision.Allowed {
			return nil
		}

		wait := time.Until(decision.ResetAt)
		if wait < 0 {
			wait = s.cfg.RetryInterval.Duration()
		}
		s.logger.Debug("rate limited, waiting",
			zap.Duration("wait", wait),
			zap.Time("reset_at", decision.ResetAt))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

// upsert writes the batch's points and removes superseded ids.
func (s *Scheduler) upsert(ctx context.Context, b *Batch, vectors [][]float32) error {
	points := make([]vectorstore.Point, len(b.Chunks))
	for i, chunk := range b.Chunks {
		points[i] = vectorstore.Point{
			ID:      chunk.ID,
			Vector:  vectors[i],
			Content: chunk.Content,
			Payload: map[string]string{
				"repo":       b.RepoID,
				"path":       chunk.Path,
				"language":   chunk.Language,
				"kind":       chunk.Kind,
				"name":       chunk.Name,
				"start_line": fmt.Sprintf("%d", chunk.StartLine),
				"end_line":   fmt.Sprintf("%d", chunk.EndLine),
				"file_hash":  chunk.FileHash,
			},
		}
	}
	return s.gateway.Upsert(ctx, points, b.SupersededIDs)
}

// embeddingKey scopes cached vectors to the provider and model so a
// model switch never reuses stale embeddings.
func (s *Scheduler) embeddingKey(chunk chunking.Chunk) string {
	return s.provider.Identity() + ":" + chunk.ID
}
