package ratelimit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

const (
	limiterBucket = "indexd_ratelimit"

	// casAttempts bounds optimistic-concurrency retries when multiple
	// daemons race on the same window.
	casAttempts = 8
)

// NATSLimiter keeps each key's window in a JetStream key-value entry and
// updates it with compare-and-swap so concurrent daemons never
// double-spend a slot.
type NATSLimiter struct {
	params Params
	kv     jetstream.KeyValue
	now    func() time.Time
}

// NewNATSLimiter binds (or creates) the limiter bucket.
func NewNATSLimiter(ctx context.Context, nc *nats.Conn, params Params) (*NATSLimiter, error) {
	js, err := jetstream.New(nc)
	if err != nil {
		return nil, fmt.Errorf("%w: creating jetstream context: %w", ErrBackend, err)
	}
	kv, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket: limiterBucket,
		// Windows are self-pruning; the bucket TTL only reaps idle keys.
		TTL: 2 * params.Window,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: creating bucket %s: %w", ErrBackend, limiterBucket, err)
	}
	return &NATSLimiter{params: params, kv: kv, now: time.Now}, nil
}

// TryAcquire implements Limiter.
func (l *NATSLimiter) TryAcquire(ctx context.Context, key string) (Decision, error) {
	for attempt := 0; attempt < casAttempts; attempt++ {
		decision, conflict, err := l.tryOnce(ctx, key)
		if err != nil {
			return Decision{}, err
		}
		if !conflict {
			return decision, nil
		}

		select {
		case <-ctx.Done():
			return Decision{}, ctx.Err()
		case <-time.After(time.Duration(attempt+1) * time.Millisecond):
		}
	}
	return Decision{}, fmt.Errorf("%w: window update contention on %q", ErrBackend, key)
}

// tryOnce performs one get-decide-swap round. conflict=true means another
// writer won the revision race and the round must be retried.
func (l *NATSLimiter) tryOnce(ctx context.Context, key string) (Decision, bool, error) {
	now := l.now().UnixNano()
	cutoff := now - l.params.Window.Nanoseconds()

	var (
		stamps   []int64
		revision uint64
	)
	entry, err := l.kv.Get(ctx, key)
	switch {
	case errors.Is(err, jetstream.ErrKeyNotFound), errors.Is(err, jetstream.ErrKeyDeleted):
		// First acquisition for this key.
	case err != nil:
		return Decision{}, false, fmt.Errorf("%w: get %q: %w", ErrBackend, key, err)
	default:
		if err := json.Unmarshal(entry.Value(), &stamps); err != nil {
			return Decision{}, false, fmt.Errorf("%w: corrupt window for %q: %w", ErrBackend, key, err)
		}
		revision = entry.Revision()
	}

	stamps = prune(stamps, cutoff)
	decision := decide(l.params, stamps, now)
	if decision.Allowed {
		stamps = append(stamps, now)
	}

	value, err := json.Marshal(stamps)
	if err != nil {
		return Decision{}, false, fmt.Errorf("%w: encoding window for %q: %w", ErrBackend, key, err)
	}

	if revision == 0 {
		_, err = l.kv.Create(ctx, key, value)
		if errors.Is(err, jetstream.ErrKeyExists) {
			return Decision{}, true, nil
		}
	} else {
		_, err = l.kv.Update(ctx, key, value, revision)
		var apiErr *jetstream.APIError
		if errors.As(err, &apiErr) && apiErr.ErrorCode == jetstream.JSErrCodeStreamWrongLastSequence {
			return Decision{}, true, nil
		}
	}
	if err != nil {
		return Decision{}, false, fmt.Errorf("%w: swap %q: %w", ErrBackend, key, err)
	}
	return decision, false, nil
}

// Close implements Limiter. The NATS connection is owned by the caller.
func (l *NATSLimiter) Close() error {
	return nil
}
