package lease

import (
	"context"
	"time"
)

// sweepStore is the subset of *Store the periodic sweep needs; split out
// from leaseStore because Claim* methods lock and claim rows atomically,
// a shape Manager's other methods don't use.
type sweepStore interface {
	ClaimExpired(ctx context.Context, now time.Time, fn func(l *Lease) error) error
	ClaimRevokeFailed(ctx context.Context, now time.Time, fn func(l *Lease) error) error
}

// Sweeper runs the periodic single-flight pass over expired and
// revoke_failed leases (spec §4.6: "a background sweep expires leases past
// their TTL and retries failed revocations"). Grounded on
// pkg/escalation/engine.go's Run(ctx)/tick loop shape.
type Sweeper struct {
	store   sweepStore
	manager *Manager
}

// NewSweeper builds a Sweeper. store must be the same *Store backing
// manager, so expiry/retry claims and lifecycle transitions see a
// consistent view.
func NewSweeper(store sweepStore, manager *Manager) *Sweeper {
	return &Sweeper{store: store, manager: manager}
}

// Run ticks every interval until ctx is canceled, calling Tick on each
// firing. A single in-flight Tick at a time; a slow tick simply delays the
// next one rather than overlapping (single-flight per spec §4.6).
func (s *Sweeper) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = s.Tick(ctx)
		}
	}
}

// Tick performs one expiry-sweep and one revoke-retry-sweep pass.
func (s *Sweeper) Tick(ctx context.Context) error {
	now := time.Now().UTC()
	if err := s.sweepExpired(ctx, now); err != nil {
		return err
	}
	return s.sweepRevokeRetries(ctx, now)
}

// sweepExpired claims every active lease past its expires_at; the store
// itself transitions each one out of active inside the claiming transaction
// (FOR UPDATE SKIP LOCKED), so this callback runs afterward, once per lease,
// with no risk of a concurrent sweeper double-processing it. It drives the
// actual engine revoke through Manager.revoke, resolving to expired on
// success or revoke_failed (retried) on failure — never left active (spec
// §4.6: "revoke through engine and mark expired").
func (s *Sweeper) sweepExpired(ctx context.Context, now time.Time) error {
	return s.store.ClaimExpired(ctx, now, func(l *Lease) error {
		return s.manager.revoke(ctx, l, StatusExpired)
	})
}

// sweepRevokeRetries claims every revoke_failed lease whose backoff has
// elapsed and retries its revoke. The retry itself (engine call, audit
// emission, next backoff scheduling) goes through Manager.revoke after the
// claiming transaction has already committed — the row lock only needs to
// be held long enough to hand each claimed lease off exactly once. Each
// lease carries its own TerminalStatus forward so a retried expiry still
// resolves to expired rather than revoked.
func (s *Sweeper) sweepRevokeRetries(ctx context.Context, now time.Time) error {
	return s.store.ClaimRevokeFailed(ctx, now, func(l *Lease) error {
		return s.manager.revoke(ctx, l, l.TerminalStatus)
	})
}
