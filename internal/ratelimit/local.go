package ratelimit

import (
	"context"
	"sync"
	"time"
)

// LocalLimiter tracks windows in process memory.
type LocalLimiter struct {
	params Params

	mu      sync.Mutex
	windows map[string][]int64 // key -> sorted acquisition timestamps (unix nanos)
	now     func() time.Time
}

// NewLocalLimiter builds an in-process limiter.
func NewLocalLimiter(params Params) *LocalLimiter {
	return &LocalLimiter{
		params:  params,
		windows: make(map[string][]int64),
		now:     time.Now,
	}
}

// TryAcquire implements Limiter.
func (l *LocalLimiter) TryAcquire(_ context.Context, key string) (Decision, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now().UnixNano()
	cutoff := now - l.params.Window.Nanoseconds()

	stamps := prune(l.windows[key], cutoff)
	decision := decide(l.params, stamps, now)
	if decision.Allowed {
		stamps = append(stamps, now)
	}

	if len(stamps) == 0 {
		delete(l.windows, key)
	} else {
		l.windows[key] = stamps
	}
	return decision, nil
}

// Close implements Limiter.
func (l *LocalLimiter) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.windows = make(map[string][]int64)
	return nil
}
