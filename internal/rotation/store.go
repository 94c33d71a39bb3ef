package rotation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/wisbric/vaultkernel/internal/store"
)

// Store persists rotation schedules and their dispatch history. Grounded on
// pkg/apikey/store.go's plain-pgx shape; the due-schedule claim mirrors
// internal/lease's FOR UPDATE SKIP LOCKED claim idiom so a single-flight
// dispatcher never double-fires a schedule from two nodes.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a rotation Store backed by the given pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

const scheduleCols = `id, rotation_type, target, cron, grace_period_seconds, enabled,
	next_at, last_at, last_status, count`

// Create persists a new rotation schedule.
func (s *Store) Create(ctx context.Context, sch *Schedule) error {
	const q = `INSERT INTO rotation_schedules (` + scheduleCols + `)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`
	_, err := s.pool.Exec(ctx, q,
		sch.ID, sch.RotationType, sch.Target, sch.Cron, int64(sch.GracePeriod.Seconds()), sch.Enabled,
		sch.NextAt, sch.LastAt, string(sch.LastStatus), sch.Count,
	)
	if err != nil {
		if store.IsUniqueViolation(err) {
			return store.ErrDuplicate
		}
		return fmt.Errorf("rotation: inserting schedule: %w", err)
	}
	return nil
}

// Get fetches a schedule by id.
func (s *Store) Get(ctx context.Context, id uuid.UUID) (*Schedule, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+scheduleCols+` FROM rotation_schedules WHERE id = $1`, id)
	sch, err := scanSchedule(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("rotation: loading schedule: %w", err)
	}
	return sch, nil
}

// ClaimDue selects every enabled schedule whose next_at has passed, locking
// each row with FOR UPDATE SKIP LOCKED so concurrent dispatchers never
// double-fire the same schedule, advances next_at within the same claiming
// transaction, then hands each claimed schedule to fn once committed (spec
// §4.8: "a single-flight dispatcher fires due schedules").
func (s *Store) ClaimDue(ctx context.Context, now time.Time, fn func(sch *Schedule) error) error {
	var due []*Schedule
	err := store.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `SELECT `+scheduleCols+` FROM rotation_schedules
			WHERE enabled = true AND next_at <= $1
			FOR UPDATE SKIP LOCKED`, now)
		if err != nil {
			return fmt.Errorf("rotation: selecting due schedules: %w", err)
		}
		var claimed []*Schedule
		for rows.Next() {
			sch, err := scanSchedule(rows)
			if err != nil {
				rows.Close()
				return err
			}
			claimed = append(claimed, sch)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		for _, sch := range claimed {
			next, cerr := Next(sch.Cron, now)
			if cerr != nil {
				return fmt.Errorf("rotation: computing next_at for %s: %w", sch.ID, cerr)
			}
			if _, err := tx.Exec(ctx,
				`UPDATE rotation_schedules SET next_at = $2 WHERE id = $1`,
				sch.ID, next,
			); err != nil {
				return fmt.Errorf("rotation: advancing next_at: %w", err)
			}
			sch.NextAt = next
		}
		due = claimed
		return nil
	})
	if err != nil {
		return err
	}
	for _, sch := range due {
		if err := fn(sch); err != nil {
			return err
		}
	}
	return nil
}

// RecordRun updates a schedule's last_at/last_status/count after a dispatch
// attempt completes (spec §4.8 RotationHistory fields mirrored onto the
// parent schedule for quick reads).
func (s *Store) RecordRun(ctx context.Context, id uuid.UUID, at time.Time, status Status) error {
	const q = `UPDATE rotation_schedules SET last_at = $2, last_status = $3, count = count + 1 WHERE id = $1`
	_, err := s.pool.Exec(ctx, q, id, at, string(status))
	if err != nil {
		return fmt.Errorf("rotation: recording run: %w", err)
	}
	return nil
}

// InsertHistory persists a new history row at dispatch start (status pending
// or in_progress).
func (s *Store) InsertHistory(ctx context.Context, h *History) error {
	const q = `INSERT INTO rotation_history
		(id, schedule_id, started_at, completed_at, status, old_version, new_version, duration_ms, error)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`
	_, err := s.pool.Exec(ctx, q,
		h.ID, h.ScheduleID, h.StartedAt, h.CompletedAt, string(h.Status),
		h.OldVersion, h.NewVersion, h.DurationMS, nullableString(h.Error),
	)
	if err != nil {
		return fmt.Errorf("rotation: inserting history: %w", err)
	}
	return nil
}

// CompleteHistory updates a history row with its terminal outcome.
func (s *Store) CompleteHistory(ctx context.Context, h *History) error {
	const q = `UPDATE rotation_history SET completed_at = $2, status = $3,
		old_version = $4, new_version = $5, duration_ms = $6, error = $7
		WHERE id = $1`
	_, err := s.pool.Exec(ctx, q,
		h.ID, h.CompletedAt, string(h.Status), h.OldVersion, h.NewVersion, h.DurationMS, nullableString(h.Error),
	)
	if err != nil {
		return fmt.Errorf("rotation: completing history: %w", err)
	}
	return nil
}

func nullableString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSchedule(row scanner) (*Schedule, error) {
	var (
		sch         Schedule
		graceSecs   int64
		lastStatus  string
		lastAt      *time.Time
	)
	if err := row.Scan(
		&sch.ID, &sch.RotationType, &sch.Target, &sch.Cron, &graceSecs, &sch.Enabled,
		&sch.NextAt, &lastAt, &lastStatus, &sch.Count,
	); err != nil {
		return nil, err
	}
	sch.GracePeriod = time.Duration(graceSecs) * time.Second
	sch.LastAt = lastAt
	sch.LastStatus = Status(lastStatus)
	return &sch, nil
}
