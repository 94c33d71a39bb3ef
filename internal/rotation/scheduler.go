package rotation

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Rotator performs the two-phase commit/rollback for one rotation_type
// (spec §4.8: "commit of new credential then revoke of old"). Concrete
// rotators adapt a specific target kind — a secret path (rotate-in-place
// via secretstore.Manager.Update), an AppRole secret_id, a lease's
// credentials — behind this one capability boundary, the same shape spec
// §6 uses for DynamicEngine and KmsUnseal.
type Rotator interface {
	// Commit mints and activates the new credential for target, returning
	// the old and new version numbers for history.
	Commit(ctx context.Context, target string) (oldVersion, newVersion int, err error)
	// Rollback reverts target to oldVersion after a failed Commit's second
	// phase; only called when Commit returned an error after its first phase
	// had already written the new credential (signalled by oldVersion !=
	// newVersion).
	Rollback(ctx context.Context, target string, oldVersion int) error
}

// Registry resolves a rotation_type to its driver.
type Registry map[string]Rotator

// scheduleStore is the persistence boundary Dispatcher needs.
type scheduleStore interface {
	ClaimDue(ctx context.Context, now time.Time, fn func(sch *Schedule) error) error
	RecordRun(ctx context.Context, id uuid.UUID, at time.Time, status Status) error
	InsertHistory(ctx context.Context, h *History) error
	CompleteHistory(ctx context.Context, h *History) error
}

// Dispatcher fires due rotation schedules on a tick, single-flight per
// process via the store's FOR UPDATE SKIP LOCKED claim (same discipline as
// internal/lease.Sweeper). Grounded on pkg/escalation/engine.go's Run(ctx)
// tick loop.
type Dispatcher struct {
	store     scheduleStore
	rotators  Registry
	onHistory func(*History)
}

// NewDispatcher builds a Dispatcher. onHistory, if non-nil, is called after
// every completed dispatch attempt (e.g. for audit emission by the caller);
// it must not block.
func NewDispatcher(st scheduleStore, rotators Registry, onHistory func(*History)) *Dispatcher {
	return &Dispatcher{store: st, rotators: rotators, onHistory: onHistory}
}

// Run ticks every interval until ctx is canceled.
func (d *Dispatcher) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = d.Tick(ctx)
		}
	}
}

// Tick claims every due, enabled schedule and dispatches it.
func (d *Dispatcher) Tick(ctx context.Context) error {
	now := time.Now().UTC()
	return d.store.ClaimDue(ctx, now, func(sch *Schedule) error {
		d.dispatch(ctx, sch, now)
		return nil
	})
}

// dispatch runs one schedule's two-phase rotation and records its history.
// Errors are swallowed into the History row's Status/Error rather than
// propagated, so one schedule's failure never blocks the claim transaction
// or other claimed schedules in the same tick.
func (d *Dispatcher) dispatch(ctx context.Context, sch *Schedule, now time.Time) {
	h := &History{
		ID:         uuid.New(),
		ScheduleID: sch.ID,
		StartedAt:  now,
		Status:     StatusInProgress,
	}
	if err := d.store.InsertHistory(ctx, h); err != nil {
		return
	}

	rotator, ok := d.rotators[sch.RotationType]
	if !ok {
		d.finish(ctx, sch, h, StatusFailed, nil, nil, fmt.Errorf("rotation: no rotator registered for type %q", sch.RotationType))
		return
	}

	oldVersion, newVersion, err := rotator.Commit(ctx, sch.Target)
	if err != nil {
		// Rotators whose second phase can fail independently (e.g. an AppRole
		// secret_id rotator that must also invalidate the old secret_id)
		// report that failure via a non-nil error from Commit itself after it
		// has already written the new credential — signaled by
		// oldVersion != newVersion even though err != nil. finish's rollback
		// branch needs the real version numbers in that case, not nil, so it
		// can restore the prior credential instead of leaving the half-
		// written new one in place.
		if oldVersion != newVersion {
			d.finish(ctx, sch, h, StatusFailed, &oldVersion, &newVersion, err)
			return
		}
		d.finish(ctx, sch, h, StatusFailed, nil, nil, err)
		return
	}

	// Phase two would be revoking the old credential at its issuing engine;
	// for rotation_type "secret" there is no separate engine revoke step
	// (the old version is simply archived by secretstore.Manager.Update), so
	// Commit alone is the whole two-phase operation there.
	d.finish(ctx, sch, h, StatusSuccess, &oldVersion, &newVersion, nil)
}

func (d *Dispatcher) finish(ctx context.Context, sch *Schedule, h *History, status Status, oldV, newV *int, cause error) {
	completed := time.Now().UTC()
	h.CompletedAt = &completed
	h.Status = status
	h.OldVersion = oldV
	h.NewVersion = newV
	h.DurationMS = completed.Sub(h.StartedAt).Milliseconds()
	if cause != nil {
		h.Error = cause.Error()

		if status == StatusFailed && oldV != nil {
			rotator := d.rotators[sch.RotationType]
			if rotator != nil {
				if rbErr := rotator.Rollback(ctx, sch.Target, *oldV); rbErr == nil {
					h.Status = StatusRolledBack
				}
			}
		}
	}

	_ = d.store.CompleteHistory(ctx, h)
	_ = d.store.RecordRun(ctx, sch.ID, completed, h.Status)
	if d.onHistory != nil {
		d.onHistory(h)
	}
}
