// Package lease provides cross-process exclusivity for indexing runs.
//
// At most one holder owns a key at a time. Acquiring a held key fails
// with ErrHeld and the caller skips its run rather than waiting. Leases
// expire: a holder that dies without releasing loses the key once the
// TTL passes, and the next acquirer reclaims it. Live holders renew
// well below the TTL so a single missed heartbeat never drops the lease.
//
// The file store covers daemons sharing one machine; the NATS store
// extends the same contract across machines. Which one is used is a
// configuration decision, never inferred from the environment.
package lease

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
)

var (
	// ErrHeld indicates the key is owned by a live holder.
	ErrHeld = errors.New("lease held by another process")

	// ErrLost indicates the lease is no longer owned by this token,
	// either expired and reclaimed or released elsewhere.
	ErrLost = errors.New("lease lost")
)

// Lease is one acquisition. The token identifies this acquisition so a
// stale holder can never renew or release a reclaimed key.
type Lease struct {
	Key       string    `json:"key"`
	Holder    string    `json:"holder"`
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`

	// revision is the backend's CAS handle, used by the NATS store.
	revision uint64
}

// Store grants, renews, and releases leases.
type Store interface {
	// Acquire takes the key if it is absent or expired. A held key
	// returns ErrHeld.
	Acquire(ctx context.Context, key string) (*Lease, error)

	// Renew extends the lease by the store's TTL. A lease that is no
	// longer owned returns ErrLost.
	Renew(ctx context.Context, l *Lease) error

	// Release gives up the lease. Releasing a lost lease is a no-op.
	Release(ctx context.Context, l *Lease) error
}

// Keeper renews a lease in the background until stopped.
type Keeper struct {
	cancel context.CancelFunc
	done   chan struct{}
	lost   chan struct{}
}

// Keep starts a heartbeat that renews l every interval. The returned
// Keeper's Lost channel closes if a renewal reports ErrLost, at which
// point the caller must abort its run.
func Keep(ctx context.Context, store Store, l *Lease, interval time.Duration, logger *zap.Logger) *Keeper {
	ctx, cancel := context.WithCancel(ctx)
	k := &Keeper{
		cancel: cancel,
		done:   make(chan struct{}),
		lost:   make(chan struct{}),
	}

	go func() {
		defer close(k.done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				err := store.Renew(ctx, l)
				if errors.Is(err, ErrLost) {
					logger.Error("lease lost during run",
						zap.String("key", l.Key),
						zap.String("holder", l.Holder))
					close(k.lost)
					return
				}
				if err != nil {
					// Transient renewal failures are tolerated; the
					// lease survives until its TTL.
					logger.Warn("lease renewal failed",
						zap.String("key", l.Key),
						zap.Error(err))
				}
			}
		}
	}()

	return k
}

// Lost closes when the lease was reclaimed by another process.
func (k *Keeper) Lost() <-chan struct{} {
	return k.lost
}

// Stop ends the heartbeat and waits for it to exit.
func (k *Keeper) Stop() {
	k.cancel()
	<-k.done
}
