// Package ratelimit bounds calls to the embedding provider with a
// sliding window: at most cap+burst acquisitions per window, where burst
// absorbs short spikes above the steady cap.
//
// The local limiter tracks one process. The shared limiter keeps the
// window in a NATS JetStream bucket so every daemon instance draws from
// the same budget. The variant is chosen by configuration.
package ratelimit

import (
	"context"
	"errors"
	"time"
)

// ErrBackend indicates the shared limiter's backend failed.
var ErrBackend = errors.New("rate limiter backend error")

// Decision is the outcome of one acquisition attempt.
type Decision struct {
	// Allowed reports whether the call may proceed.
	Allowed bool

	// Remaining is the number of acquisitions left in the current window.
	Remaining int

	// ResetAt is when the oldest in-window acquisition falls out of the
	// window. On denial, waiting until ResetAt frees at least one slot.
	// ResetAt always lies within one window of the denied attempt.
	ResetAt time.Time
}

// Limiter grants or denies acquisitions under a sliding window.
type Limiter interface {
	// TryAcquire attempts to take one slot for key. A denied decision
	// carries ResetAt; it is not an error.
	TryAcquire(ctx context.Context, key string) (Decision, error)

	// Close releases limiter resources.
	Close() error
}

// Params are the window parameters shared by both variants.
type Params struct {
	Window time.Duration
	Cap    int
	Burst  int
}

// limit is the effective per-window maximum.
func (p Params) limit() int {
	return p.Cap + p.Burst
}

// prune drops timestamps older than the window and returns the survivors.
func prune(stamps []int64, cutoff int64) []int64 {
	i := 0
	for i < len(stamps) && stamps[i] <= cutoff {
		i++
	}
	return stamps[i:]
}

// decide evaluates one attempt against the pruned window. When allowed,
// the caller must append now to the window.
func decide(p Params, stamps []int64, now int64) Decision {
	if len(stamps) < p.limit() {
		return Decision{
			Allowed:   true,
			Remaining: p.limit() - len(stamps) - 1,
			ResetAt:   time.Unix(0, now).Add(p.Window),
		}
	}
	return Decision{
		Allowed: false,
		ResetAt: time.Unix(0, stamps[0]).Add(p.Window),
	}
}
