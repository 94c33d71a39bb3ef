package lease

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

// Store persists leases. Grounded on pkg/apikey/store.go's plain-pgx shape.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a lease Store backed by the given pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

const leaseCols = `id, engine_type, role, agent_id, credentials_nonce, credentials_ciphertext,
	issued_at, expires_at, ttl_seconds, max_ttl_seconds, status, renewable, revoke_attempts,
	next_retry_at, terminal_status`

// Insert persists a newly created lease.
func (s *Store) Insert(ctx context.Context, l *Lease) error {
	const q = `INSERT INTO leases (` + leaseCols + `)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)`
	_, err := s.pool.Exec(ctx, q,
		l.ID, l.EngineType, l.Role, l.AgentID,
		l.CredentialsEnv.Nonce, l.CredentialsEnv.Ciphertext,
		l.IssuedAt, l.ExpiresAt, int64(l.TTL.Seconds()), int64(l.MaxTTL.Seconds()),
		string(l.Status), l.Renewable, l.RevokeAttempts, l.NextRetryAt, string(StatusRevoked),
	)
	if err != nil {
		return fmt.Errorf("lease: inserting lease: %w", err)
	}
	return nil
}

// Get fetches a lease by id.
func (s *Store) Get(ctx context.Context, id uuid.UUID) (*Lease, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+leaseCols+` FROM leases WHERE id = $1`, id)
	return scanLease(row)
}

func scanLease(row pgx.Row) (*Lease, error) {
	var (
		l              Lease
		status         string
		ttlSecs        int64
		maxTTLSecs     int64
		terminalStatus string
	)
	if err := row.Scan(&l.ID, &l.EngineType, &l.Role, &l.AgentID,
		&l.CredentialsEnv.Nonce, &l.CredentialsEnv.Ciphertext,
		&l.IssuedAt, &l.ExpiresAt, &ttlSecs, &maxTTLSecs,
		&status, &l.Renewable, &l.RevokeAttempts, &l.NextRetryAt, &terminalStatus); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("lease: scanning lease: %w", err)
	}
	l.Status = Status(status)
	l.TTL = time.Duration(ttlSecs) * time.Second
	l.MaxTTL = time.Duration(maxTTLSecs) * time.Second
	l.TerminalStatus = Status(terminalStatus)
	return &l, nil
}

// UpdateStatus transitions a lease's status, optionally bumping its
// revoke-attempt counter and scheduling its next retry.
func (s *Store) UpdateStatus(ctx context.Context, id uuid.UUID, status Status, revokeAttempts int, nextRetryAt *time.Time) error {
	const q = `UPDATE leases SET status = $2, revoke_attempts = $3, next_retry_at = $4 WHERE id = $1`
	tag, err := s.pool.Exec(ctx, q, id, string(status), revokeAttempts, nextRetryAt)
	if err != nil {
		return fmt.Errorf("lease: updating status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

// SetRevoking transitions a lease into revoking, recording which terminal
// status (Revoked or Expired) it should resolve to once the engine driver's
// revoke call finally succeeds.
func (s *Store) SetRevoking(ctx context.Context, id uuid.UUID, terminal Status, revokeAttempts int) error {
	const q = `UPDATE leases SET status = $2, terminal_status = $3, revoke_attempts = $4 WHERE id = $1`
	tag, err := s.pool.Exec(ctx, q, id, string(StatusRevoking), string(terminal), revokeAttempts)
	if err != nil {
		return fmt.Errorf("lease: marking revoking: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

// UpdateRenewal persists a successful renewal's new ttl/expiry.
func (s *Store) UpdateRenewal(ctx context.Context, id uuid.UUID, newTTL time.Duration, newExpiresAt time.Time) error {
	const q = `UPDATE leases SET status = $2, ttl_seconds = $3, expires_at = $4 WHERE id = $1`
	tag, err := s.pool.Exec(ctx, q, id, string(StatusActive), int64(newTTL.Seconds()), newExpiresAt)
	if err != nil {
		return fmt.Errorf("lease: updating renewal: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

// ClaimExpired selects every active lease whose expires_at has passed,
// locking each row with FOR UPDATE SKIP LOCKED so concurrent sweepers never
// double-process the same lease, transitions each into revoking with
// terminal_status=expired within that same claiming transaction (so the row
// is never left active past this pass, per spec §4.6's sweep invariant), then
// hands the claimed leases to fn — which drives the actual engine revoke call
// and the final expired/revoke_failed transition — once the transaction has
// committed (spec §4.6 expiry sweep: "revoke through engine and mark
// expired").
func (s *Store) ClaimExpired(ctx context.Context, now time.Time, fn func(l *Lease) error) error {
	var leases []*Lease
	err := store.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `SELECT `+leaseCols+` FROM leases
			WHERE status = $1 AND expires_at <= $2
			FOR UPDATE SKIP LOCKED`, string(StatusActive), now)
		if err != nil {
			return fmt.Errorf("lease: selecting expired leases: %w", err)
		}
		var claimed []*Lease
		for rows.Next() {
			l, err := scanLease(rows)
			if err != nil {
				rows.Close()
				return err
			}
			claimed = append(claimed, l)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		for _, l := range claimed {
			if _, err := tx.Exec(ctx, `UPDATE leases SET status = $2, terminal_status = $3 WHERE id = $1`,
				l.ID, string(StatusRevoking), string(StatusExpired)); err != nil {
				return fmt.Errorf("lease: marking revoking: %w", err)
			}
			l.Status = StatusRevoking
			l.TerminalStatus = StatusExpired
		}
		leases = claimed
		return nil
	})
	if err != nil {
		return err
	}
	for _, l := range leases {
		if err := fn(l); err != nil {
			return err
		}
	}
	return nil
}

// ClaimRevokeFailed selects every revoke_failed lease whose next_retry_at
// has passed, locking each row with FOR UPDATE SKIP LOCKED and transitioning
// it to revoking within that same claiming transaction — the same discipline
// ClaimExpired uses — so the row's lock is never released while it still
// reads as revoke_failed and a concurrent sweeper (or node) could re-select
// and double-dispatch it. terminal_status is left untouched: it already
// records whichever of Revoked/Expired this lease was heading toward when it
// first failed to revoke. fn is handed the claimed leases only after the
// transaction commits (spec §4.6: "enqueue a retry (exponential backoff, cap
// at 5 attempts, then mark orphaned)"); fn itself performs the engine revoke
// call, which must not run inside the row lock.
func (s *Store) ClaimRevokeFailed(ctx context.Context, now time.Time, fn func(l *Lease) error) error {
	var leases []*Lease
	err := store.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `SELECT `+leaseCols+` FROM leases
			WHERE status = $1 AND next_retry_at IS NOT NULL AND next_retry_at <= $2
			FOR UPDATE SKIP LOCKED`, string(StatusRevokeFailed), now)
		if err != nil {
			return fmt.Errorf("lease: selecting revoke_failed leases: %w", err)
		}
		var claimed []*Lease
		for rows.Next() {
			l, err := scanLease(rows)
			if err != nil {
				rows.Close()
				return err
			}
			claimed = append(claimed, l)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		for _, l := range claimed {
			if _, err := tx.Exec(ctx, `UPDATE leases SET status = $2 WHERE id = $1`,
				l.ID, string(StatusRevoking)); err != nil {
				return fmt.Errorf("lease: marking revoking: %w", err)
			}
			l.Status = StatusRevoking
		}
		leases = claimed
		return nil
	})
	if err != nil {
		return err
	}
	for _, l := range leases {
		if err := fn(l); err != nil {
			return err
		}
	}
	return nil
}
