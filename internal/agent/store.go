package agent

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

// Store persists agents, their AppRole credentials, certificate
// revocations, and bootstrap tokens. Grounded on pkg/apikey/store.go's
// plain-pgx shape.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates an agent Store backed by the given pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

const agentCols = `id, external_id, name, status, auth_method, cert_fingerprint,
	last_heartbeat_at, created_at, role_id, secret_id_hmac`

// Insert registers a new agent with status pending_bootstrap.
func (s *Store) Insert(ctx context.Context, a *Agent) error {
	const q = `INSERT INTO agents (id, external_id, name, status, auth_method, created_at)
		VALUES ($1,$2,$3,$4,$5,$6)`
	_, err := s.pool.Exec(ctx, q, a.ID, a.ExternalID, a.Name, string(a.Status), a.AuthMethod, a.CreatedAt)
	if err != nil {
		if store.IsUniqueViolation(err) {
			return store.ErrDuplicate
		}
		return fmt.Errorf("agent: inserting agent: %w", err)
	}
	return nil
}

func (s *Store) GetByID(ctx context.Context, id uuid.UUID) (*Agent, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+agentCols+` FROM agents WHERE id = $1`, id)
	a, _, _, err := scanAgent(row)
	return a, err
}

func (s *Store) GetByExternalID(ctx context.Context, externalID string) (*Agent, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+agentCols+` FROM agents WHERE external_id = $1`, externalID)
	a, _, _, err := scanAgent(row)
	return a, err
}

// GetByRoleID looks up an agent by its AppRole role_id, returning the
// stored secret_id HMAC alongside it for AuthenticateAppRole to compare
// against.
func (s *Store) GetByRoleID(ctx context.Context, roleID string) (*Agent, []byte, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+agentCols+` FROM agents WHERE role_id = $1`, roleID)
	a, _, secretHMAC, err := scanAgent(row)
	return a, secretHMAC, err
}

func scanAgent(row pgx.Row) (a *Agent, roleID string, secretIDHMAC []byte, err error) {
	a = &Agent{}
	var status string
	var roleIDPtr *string
	if err := row.Scan(&a.ID, &a.ExternalID, &a.Name, &status, &a.AuthMethod,
		&a.CertFingerprint, &a.LastHeartbeatAt, &a.CreatedAt, &roleIDPtr, &secretIDHMAC); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, "", nil, store.ErrNotFound
		}
		return nil, "", nil, fmt.Errorf("agent: scanning agent: %w", err)
	}
	a.Status = Status(status)
	if roleIDPtr != nil {
		roleID = *roleIDPtr
	}
	return a, roleID, secretIDHMAC, nil
}

// SetAppRoleCredentials persists the generated role_id and secret_id HMAC
// for an agent (spec §4.7 generate_approle_credentials).
func (s *Store) SetAppRoleCredentials(ctx context.Context, agentID uuid.UUID, roleID string, secretIDHMAC []byte) error {
	const q = `UPDATE agents SET role_id = $2, secret_id_hmac = $3 WHERE id = $1`
	tag, err := s.pool.Exec(ctx, q, agentID, roleID, secretIDHMAC)
	if err != nil {
		return fmt.Errorf("agent: setting approle credentials: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

// UpdateStatus transitions an agent's status.
func (s *Store) UpdateStatus(ctx context.Context, agentID uuid.UUID, status Status) error {
	const q = `UPDATE agents SET status = $2 WHERE id = $1`
	tag, err := s.pool.Exec(ctx, q, agentID, string(status))
	if err != nil {
		return fmt.Errorf("agent: updating status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

// SetCertFingerprint records the fingerprint of the most recently issued
// client certificate.
func (s *Store) SetCertFingerprint(ctx context.Context, agentID uuid.UUID, fingerprint string) error {
	const q = `UPDATE agents SET cert_fingerprint = $2 WHERE id = $1`
	tag, err := s.pool.Exec(ctx, q, agentID, fingerprint)
	if err != nil {
		return fmt.Errorf("agent: setting cert fingerprint: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

// UpdateHeartbeat bumps last_heartbeat_at to now.
func (s *Store) UpdateHeartbeat(ctx context.Context, agentID uuid.UUID, at time.Time) error {
	const q = `UPDATE agents SET last_heartbeat_at = $2 WHERE id = $1`
	tag, err := s.pool.Exec(ctx, q, agentID, at)
	if err != nil {
		return fmt.Errorf("agent: updating heartbeat: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

// RevokeCertFingerprint adds a fingerprint to the certificate revocation
// set (spec §4.7: "their certificates are added to a revocation set").
func (s *Store) RevokeCertFingerprint(ctx context.Context, fingerprint string) error {
	const q = `INSERT INTO agent_cert_revocations (fingerprint, revoked_at) VALUES ($1, now())
		ON CONFLICT (fingerprint) DO NOTHING`
	_, err := s.pool.Exec(ctx, q, fingerprint)
	if err != nil {
		return fmt.Errorf("agent: revoking cert fingerprint: %w", err)
	}
	return nil
}

// IsCertRevoked reports whether fingerprint is in the revocation set.
func (s *Store) IsCertRevoked(ctx context.Context, fingerprint string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM agent_cert_revocations WHERE fingerprint = $1)`, fingerprint).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("agent: checking cert revocation: %w", err)
	}
	return exists, nil
}

// InsertBootstrapToken persists a newly issued bootstrap token's hash.
func (s *Store) InsertBootstrapToken(ctx context.Context, appID, tokenHash string) error {
	const q = `INSERT INTO bootstrap_tokens (token_hash, app_id, used, created_at)
		VALUES ($1, $2, false, now())`
	_, err := s.pool.Exec(ctx, q, tokenHash, appID)
	if err != nil {
		return fmt.Errorf("agent: inserting bootstrap token: %w", err)
	}
	return nil
}

// RedeemBootstrapToken atomically marks a bootstrap token used and returns
// its app_id, failing with store.ErrNotFound if unknown or already
// redeemed (spec §6: "single-use; validation returns the app_id and
// atomically marks used").
func (s *Store) RedeemBootstrapToken(ctx context.Context, tokenHash string) (string, error) {
	var appID string
	err := store.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx, `SELECT app_id FROM bootstrap_tokens
			WHERE token_hash = $1 AND used = false FOR UPDATE`, tokenHash)
		if err := row.Scan(&appID); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return store.ErrNotFound
			}
			return err
		}
		_, err := tx.Exec(ctx, `UPDATE bootstrap_tokens SET used = true, used_at = now() WHERE token_hash = $1`, tokenHash)
		return err
	})
	if err != nil {
		return "", err
	}
	return appID, nil
}
