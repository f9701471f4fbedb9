package scheduler_test

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/indexd/internal/cache"
	"github.com/fyrsmithlabs/indexd/internal/chunking"
	"github.com/fyrsmithlabs/indexd/internal/config"
	"github.com/fyrsmithlabs/indexd/internal/embeddings"
	"github.com/fyrsmithlabs/indexd/internal/ratelimit"
	"github.com/fyrsmithlabs/indexd/internal/scheduler"
	"github.com/fyrsmithlabs/indexd/internal/vectorstore"
)

// countingProvider embeds deterministically and counts provider calls.
// failures injects that many transient errors before succeeding; onCall,
// when set, runs at the start of every document call.
type countingProvider struct {
	calls    atomic.Int32
	failures atomic.Int32
	onCall   func()
}

func (p *countingProvider) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	p.calls.Add(1)
	if p.onCall != nil {
		p.onCall()
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if p.failures.Load() > 0 {
		p.failures.Add(-1)
		return nil, fmt.Errorf("%w: transient upstream error", embeddings.ErrProvider)
	}
	vectors := make([][]float32, len(texts))
	for i := range texts {
		vectors[i] = []float32{float32(len(texts[i])), 1, 0}
	}
	return vectors, nil
}

func (p *countingProvider) EmbedQuery(_ context.Context, text string) ([]float32, error) {
	p.calls.Add(1)
	return []float32{float32(len(text)), 1, 0}, nil
}

func (p *countingProvider) Identity() string { return "test:counting" }
func (p *countingProvider) Dimension() int   { return 3 }
func (p *countingProvider) Close() error     { return nil }

// memoryStore is an in-memory vector store for scheduler tests.
type memoryStore struct {
	mu       sync.Mutex
	points   map[string]vectorstore.Point
	failPuts atomic.Int32 // number of Upsert calls to fail
}

func newMemoryStore() *memoryStore {
	return &memoryStore{points: map[string]vectorstore.Point{}}
}

func (m *memoryStore) EnsureCollection(context.Context, string, int) error { return nil }

func (m *memoryStore) Upsert(_ context.Context, _ string, points []vectorstore.Point) error {
	if m.failPuts.Load() > 0 {
		m.failPuts.Add(-1)
		return fmt.Errorf("%w: injected failure", vectorstore.ErrVectorStore)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range points {
		m.points[p.ID] = p
	}
	return nil
}

func (m *memoryStore) Delete(_ context.Context, _ string, ids []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		delete(m.points, id)
	}
	return nil
}

func (m *memoryStore) Query(context.Context, string, []float32, int, map[string]string) ([]vectorstore.Match, error) {
	return nil, nil
}

func (m *memoryStore) Close() error { return nil }

func (m *memoryStore) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.points)
}

// countingLimiter always allows and counts consultations.
type countingLimiter struct {
	consults atomic.Int32
}

func (l *countingLimiter) TryAcquire(context.Context, string) (ratelimit.Decision, error) {
	l.consults.Add(1)
	return ratelimit.Decision{Allowed: true, Remaining: 1}, nil
}

func (l *countingLimiter) Close() error { return nil }

type fixture struct {
	sched    *scheduler.Scheduler
	provider *countingProvider
	store    *memoryStore
	cache    *cache.Cache
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	return newFixtureWith(t,
		config.SchedulerConfig{
			MaxBatchChunks: 2,
			MaxBatchBytes:  1 << 20,
			MaxRetries:     2,
			Concurrency:    2,
			RetryInterval:  config.Duration(time.Millisecond),
		},
		ratelimit.NewLocalLimiter(ratelimit.Params{Window: time.Minute, Cap: 1000, Burst: 0}),
	)
}

func newFixtureWith(t *testing.T, schedCfg config.SchedulerConfig, limiter ratelimit.Limiter) *fixture {
	t.Helper()
	compress := true
	cacheCfg := config.CacheConfig{
		Backend:           config.BackendLocal,
		Embeddings:        config.CacheNamespaceConfig{TTL: config.Duration(time.Hour), MaxEntries: 1000, Compression: &compress},
		SearchResults:     config.CacheNamespaceConfig{TTL: config.Duration(time.Hour), MaxEntries: 100},
		Metadata:          config.CacheNamespaceConfig{TTL: config.Duration(time.Hour), MaxEntries: 100},
		ProviderResponses: config.CacheNamespaceConfig{TTL: config.Duration(time.Hour), MaxEntries: 100},
		SyncBatches:       config.CacheNamespaceConfig{TTL: config.Duration(24 * time.Hour), MaxEntries: 100},
	}
	backend, err := cache.NewLocalBackend(cacheCfg)
	require.NoError(t, err)
	c := cache.New(backend, cacheCfg, zap.NewNop())

	provider := &countingProvider{}
	store := newMemoryStore()
	sched := scheduler.New(
		schedCfg,
		provider,
		limiter,
		c,
		vectorstore.NewGateway(store, "test", zap.NewNop()),
		zap.NewNop(),
	)
	return &fixture{sched: sched, provider: provider, store: store, cache: c}
}

func testChunks(n int) []chunking.Chunk {
	chunks := make([]chunking.Chunk, n)
	for i := range chunks {
		chunks[i] = chunking.Chunk{
			ID:       fmt.Sprintf("chunk-%d", i),
			Path:     fmt.Sprintf("file%d.go", i),
			Content:  fmt.Sprintf("func F%d() {}", i),
			FileHash: fmt.Sprintf("hash-%d", i),
		}
	}
	return chunks
}

func TestPlanPartitionsByChunkCount(t *testing.T) {
	batches := scheduler.Plan("repo", testChunks(5), nil, 2, 1<<20)
	require.Len(t, batches, 3)
	assert.Len(t, batches[0].Chunks, 2)
	assert.Len(t, batches[2].Chunks, 1)
	for _, b := range batches {
		assert.Equal(t, scheduler.StatePending, b.State)
	}
}

func TestPlanPartitionsByBytes(t *testing.T) {
	chunks := testChunks(3)
	batches := scheduler.Plan("repo", chunks, nil, 100, len(chunks[0].Content)+1)
	assert.Len(t, batches, 3)
}

func TestPlanSupersededOnFirstBatch(t *testing.T) {
	batches := scheduler.Plan("repo", testChunks(3), []string{"old-1"}, 2, 1<<20)
	require.Len(t, batches, 2)
	assert.Equal(t, []string{"old-1"}, batches[0].SupersededIDs)
	assert.Empty(t, batches[1].SupersededIDs)
}

func TestPlanDeletionsOnly(t *testing.T) {
	batches := scheduler.Plan("repo", nil, []string{"gone-1"}, 2, 1<<20)
	require.Len(t, batches, 1)
	assert.Empty(t, batches[0].Chunks)
	assert.Equal(t, []string{"gone-1"}, batches[0].SupersededIDs)
}

func TestBatchIDOrderIndependent(t *testing.T) {
	chunks := testChunks(3)
	reversed := []chunking.Chunk{chunks[2], chunks[1], chunks[0]}
	assert.Equal(t, scheduler.BatchID(chunks), scheduler.BatchID(reversed))
}

func TestRunEmbedsAndUpserts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var hookBatches []string
	f.sched.OnBatchUpserted(func(_ context.Context, b *scheduler.Batch) error {
		hookBatches = append(hookBatches, b.ID)
		return nil
	})

	batches := scheduler.Plan("repo", testChunks(3), nil, 100, 1<<20)
	f.sched.Persist(ctx, batches)

	report, err := f.sched.Run(ctx, batches)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Completed)
	assert.Zero(t, report.Failed)
	assert.Equal(t, 3, f.store.count())
	assert.Len(t, hookBatches, 1)

	// Completed batches leave no persisted state behind.
	assert.Empty(t, f.sched.Resume(ctx, "repo"))
}

func TestRerunMakesZeroProviderCalls(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	chunks := testChunks(3)

	report, err := f.sched.Run(ctx, scheduler.Plan("repo", chunks, nil, 100, 1<<20))
	require.NoError(t, err)
	require.Equal(t, 1, report.Completed)
	callsAfterFirst := f.provider.calls.Load()
	require.Positive(t, callsAfterFirst)

	// Unchanged chunks have identical ids; every vector is cached.
	report, err = f.sched.Run(ctx, scheduler.Plan("repo", chunks, nil, 100, 1<<20))
	require.NoError(t, err)
	require.Equal(t, 1, report.Completed)
	assert.Equal(t, callsAfterFirst, f.provider.calls.Load(),
		"second run over unchanged chunks must not call the provider")
}

func TestRetryConsultsLimiterEachAttempt(t *testing.T) {
	limiter := &countingLimiter{}
	f := newFixtureWith(t,
		config.SchedulerConfig{
			MaxBatchChunks: 100,
			MaxBatchBytes:  1 << 20,
			MaxRetries:     3,
			Concurrency:    1,
			RetryInterval:  config.Duration(time.Millisecond),
		},
		limiter,
	)
	ctx := context.Background()

	// Two transient provider failures, then success on the third try.
	f.provider.failures.Store(2)

	report, err := f.sched.Run(ctx, scheduler.Plan("repo", testChunks(2), nil, 100, 1<<20))
	require.NoError(t, err)
	assert.Equal(t, 1, report.Completed)
	assert.Equal(t, int32(3), f.provider.calls.Load())
	assert.Equal(t, f.provider.calls.Load(), limiter.consults.Load(),
		"every provider attempt must take a limiter slot")
}

func TestInterruptedBatchStaysResumable(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// The run is cut off mid embed, as on daemon shutdown.
	f.provider.onCall = cancel

	report, err := f.sched.Run(ctx, scheduler.Plan("repo", testChunks(2), nil, 100, 1<<20))
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, report.Failed)

	resumed := f.sched.Resume(context.Background(), "repo")
	require.Len(t, resumed, 1)
	assert.Equal(t, scheduler.StateInFlight, resumed[0].State)
}

func TestFailedBatchIsIsolated(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Two Upsert failures exhaust the gateway's single retry for the
	// first batch processed; the injected counter then lets the other
	// batch through.
	f.store.failPuts.Store(2)

	batches := scheduler.Plan("repo", testChunks(4), nil, 2, 1<<20)
	require.Len(t, batches, 2)

	// Serialize so exactly one batch hits the injected failures.
	for i := range batches {
		report, err := f.sched.Run(ctx, batches[i:i+1])
		require.NoError(t, err)
		if i == 0 {
			assert.Equal(t, 1, report.Failed)
			assert.Len(t, report.FailedBatchIDs, 1)
		} else {
			assert.Equal(t, 1, report.Completed)
		}
	}
}

func TestPartiallyFailedResumesWithoutProvider(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	chunks := testChunks(2)

	f.store.failPuts.Store(2)
	batches := scheduler.Plan("repo", chunks, nil, 100, 1<<20)
	report, err := f.sched.Run(ctx, batches)
	require.NoError(t, err)
	require.Equal(t, 1, report.Failed)

	resumed := f.sched.Resume(ctx, "repo")
	require.Len(t, resumed, 1)
	assert.Equal(t, scheduler.StatePartiallyFailed, resumed[0].State)

	// The vectors were cached before the upsert failed, so the resumed
	// run completes without any new provider calls.
	callsBefore := f.provider.calls.Load()
	report, err = f.sched.Run(ctx, resumed)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Completed)
	assert.Equal(t, callsBefore, f.provider.calls.Load())
	assert.Equal(t, 2, f.store.count())
}

func TestResumeSkipsOtherRepos(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	batches := scheduler.Plan("repo-a", testChunks(1), nil, 100, 1<<20)
	f.sched.Persist(ctx, batches)

	assert.Empty(t, f.sched.Resume(ctx, "repo-b"))
	assert.Len(t, f.sched.Resume(ctx, "repo-a"), 1)
}
