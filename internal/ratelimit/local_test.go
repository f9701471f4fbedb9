package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testParams() Params {
	return Params{Window: time.Minute, Cap: 100, Burst: 10}
}

// clock is a controllable time source for window tests.
type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func newTestLimiter(p Params) (*LocalLimiter, *clock) {
	c := &clock{t: time.Unix(1000, 0)}
	l := NewLocalLimiter(p)
	l.now = c.now
	return l, c
}

func TestDeniesAboveCapPlusBurst(t *testing.T) {
	l, _ := newTestLimiter(testParams())
	ctx := context.Background()

	// 110 calls inside one window succeed (cap 100 plus burst 10).
	for i := 0; i < 110; i++ {
		d, err := l.TryAcquire(ctx, "provider")
		require.NoError(t, err)
		require.True(t, d.Allowed, "call %d should be allowed", i+1)
	}

	// The 111th is denied with a reset inside the window.
	d, err := l.TryAcquire(ctx, "provider")
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.False(t, d.ResetAt.IsZero())
	assert.LessOrEqual(t, d.ResetAt.Sub(time.Unix(1000, 0)), time.Minute)
}

func TestWindowSlides(t *testing.T) {
	l, c := newTestLimiter(Params{Window: time.Minute, Cap: 2, Burst: 0})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		d, err := l.TryAcquire(ctx, "k")
		require.NoError(t, err)
		require.True(t, d.Allowed)
	}

	d, err := l.TryAcquire(ctx, "k")
	require.NoError(t, err)
	require.False(t, d.Allowed)

	// Once the oldest acquisition leaves the window a slot frees up.
	c.advance(61 * time.Second)
	d, err = l.TryAcquire(ctx, "k")
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestDeniedResetAtMatchesOldest(t *testing.T) {
	l, c := newTestLimiter(Params{Window: time.Minute, Cap: 1, Burst: 0})
	ctx := context.Background()

	start := c.now()
	_, err := l.TryAcquire(ctx, "k")
	require.NoError(t, err)

	c.advance(10 * time.Second)
	d, err := l.TryAcquire(ctx, "k")
	require.NoError(t, err)
	require.False(t, d.Allowed)
	assert.Equal(t, start.Add(time.Minute), d.ResetAt)
}

func TestKeysIndependent(t *testing.T) {
	l, _ := newTestLimiter(Params{Window: time.Minute, Cap: 1, Burst: 0})
	ctx := context.Background()

	d, err := l.TryAcquire(ctx, "a")
	require.NoError(t, err)
	require.True(t, d.Allowed)

	d, err = l.TryAcquire(ctx, "a")
	require.NoError(t, err)
	require.False(t, d.Allowed)

	// Key b has its own window.
	d, err = l.TryAcquire(ctx, "b")
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestRemainingCountsDown(t *testing.T) {
	l, _ := newTestLimiter(Params{Window: time.Minute, Cap: 3, Burst: 0})
	ctx := context.Background()

	for want := 2; want >= 0; want-- {
		d, err := l.TryAcquire(ctx, "k")
		require.NoError(t, err)
		require.True(t, d.Allowed)
		assert.Equal(t, want, d.Remaining)
	}
}

func TestConcurrentAcquisitions(t *testing.T) {
	l, _ := newTestLimiter(Params{Window: time.Minute, Cap: 50, Burst: 0})
	ctx := context.Background()

	var wg sync.WaitGroup
	allowed := make(chan bool, 100)
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d, err := l.TryAcquire(ctx, "k")
			require.NoError(t, err)
			allowed <- d.Allowed
		}()
	}
	wg.Wait()
	close(allowed)

	count := 0
	for ok := range allowed {
		if ok {
			count++
		}
	}
	assert.Equal(t, 50, count)
}
