// Package index coordinates one full indexing run per repository.
//
// A run holds the repository's lease for its whole duration, resumes
// any batches a previous process left behind, walks git history for
// changes, chunks changed files, and drives the scheduler. Fingerprints
// are recorded strictly after a path's vectors are confirmed in the
// store, so a crash at any point re-does work instead of losing it.
// Two processes never index the same repository concurrently: the loser
// of the lease race skips its run.
package index

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/indexd/internal/cache"
	"github.com/fyrsmithlabs/indexd/internal/chunking"
	"github.com/fyrsmithlabs/indexd/internal/config"
	"github.com/fyrsmithlabs/indexd/internal/fingerprint"
	"github.com/fyrsmithlabs/indexd/internal/gitwalk"
	"github.com/fyrsmithlabs/indexd/internal/ignore"
	"github.com/fyrsmithlabs/indexd/internal/lease"
	"github.com/fyrsmithlabs/indexd/internal/scheduler"
)

// State is one phase of an indexing job.
type State string

const (
	StateIdle          State = "idle"
	StateLeaseAcquired State = "lease_acquired"
	StateWalking       State = "walking"
	StateChunking      State = "chunking"
	StateEmbedding     State = "embedding"
	StateUpserting     State = "upserting"
	StateCompleted     State = "completed"
	StateFailed        State = "failed"

	// StateSkipped means another process held the lease. The run did
	// zero work and is not an error.
	StateSkipped State = "skipped"
)

// Report summarizes one run.
type Report struct {
	RepoID string
	Path   string
	State  State

	// Changed counts walked files that needed re-indexing; Unchanged
	// counts files whose fingerprint matched; Deleted counts removals.
	// Renamed counts moves, which are also counted in Changed since the
	// new path is re-indexed.
	Changed   int
	Unchanged int
	Deleted   int
	Renamed   int

	// Chunks is the number of chunks sent to the scheduler; Resumed the
	// number of batches recovered from a previous process.
	Chunks  int
	Resumed int

	BatchesCompleted int
	BatchesFailed    int
	FailedBatchIDs   []string

	StartedAt  time.Time
	FinishedAt time.Time
}

// Status is a point-in-time view of a repository's job, consumed by the
// daemon's status surface.
type Status struct {
	RepoID    string
	Path      string
	State     State
	UpdatedAt time.Time
}

// Deps are the collaborators a coordinator drives.
type Deps struct {
	Walker       *gitwalk.Walker
	Chunker      *chunking.Chunker
	Fingerprints *fingerprint.Store
	Scheduler    *scheduler.Scheduler
	Leases       lease.Store
	Cache        *cache.Cache
}

// Coordinator runs indexing jobs.
type Coordinator struct {
	deps    Deps
	renew   time.Duration
	logger  *zap.Logger
	metrics *Metrics

	mu       sync.Mutex
	jobs     map[string]*job
	statuses map[string]Status
}

// New builds a coordinator. The scheduler's post-upsert hook is owned by
// the coordinator from here on: fingerprint recording rides on it.
func New(deps Deps, leaseCfg config.LeaseConfig, logger *zap.Logger) *Coordinator {
	c := &Coordinator{
		deps:     deps,
		renew:    leaseCfg.RenewInterval.Duration(),
		logger:   logger.Named("index"),
		metrics:  newMetrics(),
		jobs:     make(map[string]*job),
		statuses: make(map[string]Status),
	}
	deps.Scheduler.OnBatchUpserted(c.onBatchUpserted)
	return c
}

// Status returns a snapshot of every repository the coordinator has run.
func (c *Coordinator) Status() []Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Status, 0, len(c.statuses))
	for _, s := range c.statuses {
		out = append(out, s)
	}
	return out
}

// Run indexes one repository. A held lease yields StateSkipped with a
// nil error; repository and batch-run failures yield StateFailed with
// the causal error. A run whose batches partially failed still returns
// StateCompleted; the failed batches stay persisted for the next run.
func (c *Coordinator) Run(ctx context.Context, repo config.RepositoryConfig) (Report, error) {
	repoID := gitwalk.RepositoryID(repo.Path)
	report := Report{RepoID: repoID, Path: repo.Path, StartedAt: time.Now()}
	c.setStatus(repoID, repo.Path, StateIdle)

	l, err := c.deps.Leases.Acquire(ctx, repoID)
	if err != nil {
		if errors.Is(err, lease.ErrHeld) {
			c.logger.Info("repository lease held elsewhere, skipping run",
				zap.String("repo", repo.Path),
				zap.String("repo_id", repoID))
			report.State = StateSkipped
			report.FinishedAt = time.Now()
			c.setStatus(repoID, repo.Path, StateSkipped)
			c.metrics.jobs.WithLabelValues(string(StateSkipped)).Inc()
			return report, nil
		}
		return c.fail(&report, fmt.Errorf("acquiring lease for %s: %w", repo.Path, err))
	}
	c.setStatus(repoID, repo.Path, StateLeaseAcquired)

	// The run aborts if the lease is ever reclaimed by another process.
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	keeper := lease.Keep(runCtx, c.deps.Leases, l, c.renew, c.logger)
	var lost atomic.Bool
	go func() {
		select {
		case <-keeper.Lost():
			lost.Store(true)
			cancel()
		case <-runCtx.Done():
		}
	}()
	defer func() {
		keeper.Stop()
		releaseCtx, releaseCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer releaseCancel()
		if err := c.deps.Leases.Release(releaseCtx, l); err != nil {
			c.logger.Warn("lease release failed", zap.String("repo_id", repoID), zap.Error(err))
		}
	}()

	err = c.run(runCtx, repo, repoID, &report)
	report.FinishedAt = time.Now()
	if err != nil {
		if lost.Load() {
			err = fmt.Errorf("%w: aborting run for %s", lease.ErrLost, repo.Path)
		}
		report.State = StateFailed
		c.setStatus(repoID, repo.Path, StateFailed)
		c.metrics.jobs.WithLabelValues(string(StateFailed)).Inc()
		return report, err
	}

	report.State = StateCompleted
	c.setStatus(repoID, repo.Path, StateCompleted)
	c.metrics.jobs.WithLabelValues(string(StateCompleted)).Inc()
	c.logger.Info("indexing run completed",
		zap.String("repo", repo.Path),
		zap.Int("changed", report.Changed),
		zap.Int("unchanged", report.Unchanged),
		zap.Int("deleted", report.Deleted),
		zap.Int("renamed", report.Renamed),
		zap.Int("chunks", report.Chunks),
		zap.Int("batches_failed", report.BatchesFailed),
		zap.Duration("took", report.FinishedAt.Sub(report.StartedAt)))
	return report, nil
}

// run does the work between lease acquisition and release.
func (c *Coordinator) run(ctx context.Context, repo config.RepositoryConfig, repoID string, report *Report) error {
	// Configured patterns combine with the repository's own ignore
	// files; when the repository has none, the configured set stands
	// alone.
	parser := ignore.NewParser([]string{".gitignore", ".indexdignore"}, nil)
	repoPatterns, err := parser.ParseRepository(repo.Path)
	if err != nil {
		c.logger.Warn("cannot read repository ignore files",
			zap.String("repo", repo.Path), zap.Error(err))
	}

	spec := gitwalk.Spec{
		Path:              repo.Path,
		Branches:          repo.Branches,
		Depth:             repo.Depth,
		IncludeSubmodules: repo.IncludeSubmodules != nil && *repo.IncludeSubmodules,
		Ignore:            ignore.NewMatcher(append(repoPatterns, repo.IgnorePatterns...)),
	}

	resumed := c.deps.Scheduler.Resume(ctx, repoID)
	report.Resumed = len(resumed)

	heads, err := c.deps.Walker.Heads(spec)
	if err != nil {
		return err
	}
	// When nothing was left behind and no branch moved, the previous
	// run's result still stands.
	if len(resumed) == 0 && c.headsUnchanged(ctx, repoID, heads) {
		c.logger.Debug("branch heads unchanged, skipping walk", zap.String("repo", repo.Path))
		return nil
	}

	j := &job{
		repoID:       repoID,
		fingerprints: c.deps.Fingerprints,
		pending:      make(map[string]fingerprint.Fingerprint),
		remaining:    make(map[string]int),
	}
	c.registerJob(j)
	defer c.unregisterJob(j)

	c.setStatus(repoID, repo.Path, StateWalking)
	records, err := c.deps.Walker.Walk(ctx, spec)
	if err != nil {
		return err
	}

	c.setStatus(repoID, repo.Path, StateChunking)
	chunks, superseded, err := c.collect(ctx, j, records, report)
	if err != nil {
		return err
	}
	report.Chunks = len(chunks)

	planned := c.deps.Scheduler.PlanBatches(repoID, chunks, superseded)
	batches := mergeBatches(planned, resumed)
	if len(batches) == 0 {
		c.storeHeads(ctx, repoID, heads)
		return nil
	}
	c.deps.Scheduler.Persist(ctx, planned)

	c.setStatus(repoID, repo.Path, StateEmbedding)
	j.onUpsert = func() { c.setStatus(repoID, repo.Path, StateUpserting) }

	schedReport, err := c.deps.Scheduler.Run(ctx, batches)
	report.BatchesCompleted = schedReport.Completed
	report.BatchesFailed = schedReport.Failed
	report.FailedBatchIDs = schedReport.FailedBatchIDs
	c.metrics.batchesFailed.Add(float64(schedReport.Failed))
	if err != nil {
		return err
	}

	if schedReport.Failed > 0 {
		// Failed batches stay persisted; the next run must walk again so
		// their paths are re-planned.
		c.deps.Cache.Delete(ctx, cache.NamespaceMetadata, headsKey(repoID))
		return nil
	}
	c.storeHeads(ctx, repoID, heads)
	return nil
}

// collect turns change records into chunks and the set of superseded
// vector ids, consulting fingerprints to skip unchanged files.
func (c *Coordinator) collect(
	ctx context.Context,
	j *job,
	records []gitwalk.ChangeRecord,
	report *Report,
) ([]chunking.Chunk, []string, error) {
	var chunks []chunking.Chunk
	var superseded []string

	for _, record := range records {
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}

		fp, known, err := c.deps.Fingerprints.Lookup(j.repoID, record.Path)
		if err != nil {
			return nil, nil, err
		}

		if record.Kind == gitwalk.KindDeleted {
			if !known {
				continue
			}
			superseded = append(superseded, fp.ChunkIDs...)
			j.deleted = append(j.deleted, record.Path)
			report.Deleted++
			continue
		}

		if record.Kind == gitwalk.KindRenamed && record.PreviousPath != "" {
			// The old path's vectors are superseded by the new path's;
			// its fingerprint is forgotten once the deletion confirms.
			prevFp, prevKnown, err := c.deps.Fingerprints.Lookup(j.repoID, record.PreviousPath)
			if err != nil {
				return nil, nil, err
			}
			if prevKnown {
				superseded = append(superseded, prevFp.ChunkIDs...)
				j.deleted = append(j.deleted, record.PreviousPath)
			}
			report.Renamed++
		}

		if known && fp.Hash == record.Hash {
			report.Unchanged++
			continue
		}

		fileChunks, err := c.deps.Chunker.Chunk(ctx, record.Path, record.Content, record.Hash)
		if err != nil {
			return nil, nil, fmt.Errorf("chunking %s: %w", record.Path, err)
		}
		if known {
			superseded = append(superseded, fp.ChunkIDs...)
		}

		ids := make([]string, len(fileChunks))
		for i, ch := range fileChunks {
			ids[i] = ch.ID
		}
		j.pending[record.Path] = fingerprint.Fingerprint{Hash: record.Hash, ChunkIDs: ids}
		j.remaining[record.Path] = len(fileChunks)
		chunks = append(chunks, fileChunks...)
		report.Changed++
	}
	return chunks, superseded, nil
}

// onBatchUpserted dispatches the scheduler's post-upsert hook to the
// owning job. Batches resumed from a process that died before this one
// have no registered job; their fingerprints are recorded when the next
// walk re-plans their paths.
func (c *Coordinator) onBatchUpserted(ctx context.Context, b *scheduler.Batch) error {
	c.mu.Lock()
	j := c.jobs[b.RepoID]
	c.mu.Unlock()
	if j == nil {
		return nil
	}
	return j.batchUpserted(ctx, b)
}

func (c *Coordinator) registerJob(j *job) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.jobs[j.repoID] = j
}

func (c *Coordinator) unregisterJob(j *job) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.jobs[j.repoID] == j {
		delete(c.jobs, j.repoID)
	}
}

func (c *Coordinator) setStatus(repoID, path string, state State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.statuses[repoID] = Status{
		RepoID:    repoID,
		Path:      path,
		State:     state,
		UpdatedAt: time.Now(),
	}
}

func (c *Coordinator) fail(report *Report, err error) (Report, error) {
	report.State = StateFailed
	report.FinishedAt = time.Now()
	c.setStatus(report.RepoID, report.Path, StateFailed)
	c.metrics.jobs.WithLabelValues(string(StateFailed)).Inc()
	return *report, err
}

func headsKey(repoID string) string {
	return "heads:" + repoID
}

// headsUnchanged compares current branch heads to the ones recorded
// after the last fully successful run.
func (c *Coordinator) headsUnchanged(ctx context.Context, repoID string, heads map[string]string) bool {
	data, ok := c.deps.Cache.Get(ctx, cache.NamespaceMetadata, headsKey(repoID))
	if !ok {
		return false
	}
	var cached map[string]string
	if err := json.Unmarshal(data, &cached); err != nil {
		return false
	}
	if len(cached) != len(heads) {
		return false
	}
	for branch, hash := range heads {
		if cached[branch] != hash {
			return false
		}
	}
	return true
}

func (c *Coordinator) storeHeads(ctx context.Context, repoID string, heads map[string]string) {
	data, err := json.Marshal(heads)
	if err != nil {
		return
	}
	c.deps.Cache.Put(ctx, cache.NamespaceMetadata, headsKey(repoID), data, 0)
}

// mergeBatches combines freshly planned batches with resumed ones,
// dropping resumed duplicates: an unchanged chunk set hashes to the same
// batch id, and the planned copy carries this run's bookkeeping.
func mergeBatches(planned, resumed []*scheduler.Batch) []*scheduler.Batch {
	ids := make(map[string]bool, len(planned))
	for _, b := range planned {
		ids[b.ID] = true
	}
	out := planned
	for _, b := range resumed {
		if !ids[b.ID] {
			out = append(out, b)
		}
	}
	return out
}

// job is the per-run bookkeeping the post-upsert hook needs.
type job struct {
	repoID       string
	fingerprints *fingerprint.Store

	mu sync.Mutex
	// pending maps a path to the fingerprint to record once all of the
	// path's chunks are durably upserted; remaining counts those chunks.
	pending   map[string]fingerprint.Fingerprint
	remaining map[string]int
	// deleted paths are forgotten once the batch carrying their
	// superseded ids confirms, since that upsert performs the deletes.
	deleted  []string
	onUpsert func()
}

// batchUpserted records fingerprints for every path whose chunks are now
// all in the store, and forgets deleted paths once their vector
// deletions are confirmed.
func (j *job) batchUpserted(_ context.Context, b *scheduler.Batch) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.onUpsert != nil {
		j.onUpsert()
		j.onUpsert = nil
	}

	for _, ch := range b.Chunks {
		n, ok := j.remaining[ch.Path]
		if !ok {
			continue
		}
		if n--; n > 0 {
			j.remaining[ch.Path] = n
			continue
		}
		delete(j.remaining, ch.Path)
		fp := j.pending[ch.Path]
		delete(j.pending, ch.Path)
		if err := j.fingerprints.Record(j.repoID, ch.Path, fp); err != nil {
			return err
		}
	}

	if len(b.SupersededIDs) > 0 {
		for _, path := range j.deleted {
			if err := j.fingerprints.Forget(j.repoID, path); err != nil {
				return err
			}
		}
		j.deleted = nil
	}
	return nil
}
