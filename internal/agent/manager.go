package agent

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/wisbric/vaultkernel/internal/audit"
	"github.com/wisbric/vaultkernel/internal/cryptoengine"
)

// mkBorrower is the minimal slice of seal.Manager this package needs,
// duplicated locally to avoid an import cycle with internal/seal.
type mkBorrower interface {
	BorrowMK(ctx context.Context, fn func(mk []byte) error) error
}

// auditAppender is the minimal slice of audit.Store this package needs.
type auditAppender interface {
	Append(ctx context.Context, req audit.AppendRequest) (*audit.Entry, error)
}

// agentStore is the persistence boundary Manager needs. *Store satisfies it
// against a real Postgres pool; tests substitute an in-memory fake.
type agentStore interface {
	Insert(ctx context.Context, a *Agent) error
	GetByID(ctx context.Context, id uuid.UUID) (*Agent, error)
	GetByExternalID(ctx context.Context, externalID string) (*Agent, error)
	GetByRoleID(ctx context.Context, roleID string) (*Agent, []byte, error)
	SetAppRoleCredentials(ctx context.Context, agentID uuid.UUID, roleID string, secretIDHMAC []byte) error
	UpdateStatus(ctx context.Context, agentID uuid.UUID, status Status) error
	SetCertFingerprint(ctx context.Context, agentID uuid.UUID, fingerprint string) error
	UpdateHeartbeat(ctx context.Context, agentID uuid.UUID, at time.Time) error
	RevokeCertFingerprint(ctx context.Context, fingerprint string) error
	IsCertRevoked(ctx context.Context, fingerprint string) (bool, error)
	InsertBootstrapToken(ctx context.Context, appID, tokenHash string) error
	RedeemBootstrapToken(ctx context.Context, tokenHash string) (string, error)
}

// certIssuer is the certificate-issuance boundary Manager needs.
type certIssuer interface {
	IssueClientCert(subject string) (der []byte, fingerprint string, err error)
}

// ErrAuthFailed is returned by AuthenticateAppRole on any credential
// mismatch or status that forbids authentication; the reason is never
// distinguished to the caller, only in the audit trail.
var ErrAuthFailed = errors.New("agent: authentication failed")

// Manager implements the agent registry and AppRole/bootstrap-token
// authentication paths (spec §4.7).
type Manager struct {
	store agentStore
	certs certIssuer
	vault mkBorrower
	audit auditAppender
}

// NewManager creates a Manager.
func NewManager(st agentStore, certs certIssuer, vault mkBorrower, auditStore auditAppender) *Manager {
	return &Manager{store: st, certs: certs, vault: vault, audit: auditStore}
}

// RegisterAgent creates a new agent in pending_bootstrap status (spec §4.7
// register_agent).
func (m *Manager) RegisterAgent(ctx context.Context, attrs RegisterAttrs) (*Agent, error) {
	a := &Agent{
		ID:         uuid.New(),
		ExternalID: attrs.ExternalID,
		Name:       attrs.Name,
		Status:     StatusPendingBootstrap,
		AuthMethod: attrs.AuthMethod,
		CreatedAt:  time.Now().UTC(),
	}
	if err := m.store.Insert(ctx, a); err != nil {
		return nil, err
	}
	if err := m.emitAudit(ctx, audit.AppendRequest{
		EventType:     "agent.registered",
		ActorType:     "system",
		Target:        a.ExternalID,
		AccessGranted: true,
	}); err != nil {
		return nil, err
	}
	return a, nil
}

// GenerateAppRoleCredentials mints a fresh (role_id, secret_id) pair,
// persisting role_id verbatim and only an HMAC of secret_id (spec §4.7
// generate_approle_credentials). Both values are returned to the caller
// exactly once; secret_id is never stored or logged in the clear.
func (m *Manager) GenerateAppRoleCredentials(ctx context.Context, agentID uuid.UUID) (roleID, secretID string, err error) {
	roleID, err = generateToken128()
	if err != nil {
		return "", "", err
	}
	secretID, err = generateToken128()
	if err != nil {
		return "", "", err
	}

	var mac []byte
	err = m.vault.BorrowMK(ctx, func(mk []byte) error {
		key, derr := deriveSecretIDHMACKey(mk)
		if derr != nil {
			return derr
		}
		mac = hmacSecretID(key, secretID)
		cryptoengine.Zero(key)
		return nil
	})
	if err != nil {
		return "", "", err
	}

	if err := m.store.SetAppRoleCredentials(ctx, agentID, roleID, mac); err != nil {
		return "", "", err
	}
	if err := m.emitAudit(ctx, audit.AppendRequest{
		EventType:     "agent.approle_credentials_generated",
		ActorType:     "system",
		Target:        agentID.String(),
		AccessGranted: true,
	}); err != nil {
		return "", "", err
	}
	return roleID, secretID, nil
}

// AuthenticateAppRole verifies a (role_id, secret_id) pair, activates the
// agent, and issues a short-lived client certificate (spec §4.7
// authenticate_with_approle). Suspended or revoked agents are always
// rejected regardless of credential correctness.
func (m *Manager) AuthenticateAppRole(ctx context.Context, roleID, secretID string) (*Agent, []byte, error) {
	a, storedMAC, err := m.store.GetByRoleID(ctx, roleID)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrAuthFailed, err)
	}
	if a.Status == StatusSuspended || a.Status == StatusRevoked {
		_ = m.emitAudit(ctx, audit.AppendRequest{
			EventType: "agent.authenticate_denied", ActorType: "agent", ActorID: a.ID.String(),
			Target: a.ExternalID, AccessGranted: false, DenialReason: "agent status forbids authentication",
		})
		return nil, nil, ErrAuthFailed
	}

	var mac []byte
	err = m.vault.BorrowMK(ctx, func(mk []byte) error {
		key, derr := deriveSecretIDHMACKey(mk)
		if derr != nil {
			return derr
		}
		mac = hmacSecretID(key, secretID)
		cryptoengine.Zero(key)
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	if !cryptoengine.ConstantTimeEqual(mac, storedMAC) {
		_ = m.emitAudit(ctx, audit.AppendRequest{
			EventType: "agent.authenticate_denied", ActorType: "agent", ActorID: a.ID.String(),
			Target: a.ExternalID, AccessGranted: false, DenialReason: "secret_id mismatch",
		})
		return nil, nil, ErrAuthFailed
	}

	der, fingerprint, err := m.certs.IssueClientCert(a.ExternalID)
	if err != nil {
		return nil, nil, fmt.Errorf("agent: issuing client certificate: %w", err)
	}
	if err := m.store.SetCertFingerprint(ctx, a.ID, fingerprint); err != nil {
		return nil, nil, err
	}
	if err := m.store.UpdateStatus(ctx, a.ID, StatusActive); err != nil {
		return nil, nil, err
	}
	if err := m.emitAudit(ctx, audit.AppendRequest{
		EventType: "agent.authenticated", ActorType: "agent", ActorID: a.ID.String(),
		Target: a.ExternalID, AccessGranted: true,
	}); err != nil {
		return nil, nil, err
	}

	a.Status = StatusActive
	a.CertFingerprint = &fingerprint
	return a, der, nil
}

// UpdateHeartbeat bumps last_heartbeat_at and, if the agent was
// disconnected, reactivates it (spec §4.7 update_heartbeat).
func (m *Manager) UpdateHeartbeat(ctx context.Context, externalID string) error {
	a, err := m.store.GetByExternalID(ctx, externalID)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	if err := m.store.UpdateHeartbeat(ctx, a.ID, now); err != nil {
		return err
	}
	if a.Status == StatusDisconnected {
		return m.store.UpdateStatus(ctx, a.ID, StatusActive)
	}
	return nil
}

// MarkDisconnected transitions an agent to disconnected (spec §4.7).
func (m *Manager) MarkDisconnected(ctx context.Context, agentID uuid.UUID) error {
	return m.transition(ctx, agentID, StatusDisconnected, "agent.disconnected")
}

// SuspendAgent transitions an agent to suspended, blocking further
// authentication until reinstated (spec §4.7).
func (m *Manager) SuspendAgent(ctx context.Context, agentID uuid.UUID) error {
	return m.transition(ctx, agentID, StatusSuspended, "agent.suspended")
}

// RevokeAgent transitions an agent to revoked and revokes its certificate,
// permanently blocking re-authentication (spec §4.7: "revoked agents
// cannot re-authenticate; their certificates are added to a revocation
// set").
func (m *Manager) RevokeAgent(ctx context.Context, agentID uuid.UUID) error {
	if err := m.RevokeAgentCertificate(ctx, agentID); err != nil {
		return err
	}
	return m.transition(ctx, agentID, StatusRevoked, "agent.revoked")
}

// RevokeAgentCertificate adds the agent's current certificate fingerprint
// to the revocation set, if one has been issued.
func (m *Manager) RevokeAgentCertificate(ctx context.Context, agentID uuid.UUID) error {
	a, err := m.store.GetByID(ctx, agentID)
	if err != nil {
		return err
	}
	if a.CertFingerprint == nil {
		return nil
	}
	if err := m.store.RevokeCertFingerprint(ctx, *a.CertFingerprint); err != nil {
		return err
	}
	return m.emitAudit(ctx, audit.AppendRequest{
		EventType: "agent.certificate_revoked", ActorType: "system",
		Target: a.ExternalID, AccessGranted: true,
	})
}

// IsCertRevoked reports whether a presented client certificate's fingerprint
// is in the revocation set.
func (m *Manager) IsCertRevoked(ctx context.Context, fingerprint string) (bool, error) {
	return m.store.IsCertRevoked(ctx, fingerprint)
}

func (m *Manager) transition(ctx context.Context, agentID uuid.UUID, status Status, eventType string) error {
	a, err := m.store.GetByID(ctx, agentID)
	if err != nil {
		return err
	}
	if err := m.store.UpdateStatus(ctx, agentID, status); err != nil {
		return err
	}
	return m.emitAudit(ctx, audit.AppendRequest{
		EventType: eventType, ActorType: "system",
		Target: a.ExternalID, AccessGranted: true,
	})
}

// IssueBootstrapToken mints a single-use bootstrap token for app_id (spec
// §6 "Bootstrap token for applications").
func (m *Manager) IssueBootstrapToken(ctx context.Context, appID string) (string, error) {
	raw, hash, err := generateBootstrapToken()
	if err != nil {
		return "", err
	}
	if err := m.store.InsertBootstrapToken(ctx, appID, hash); err != nil {
		return "", err
	}
	if err := m.emitAudit(ctx, audit.AppendRequest{
		EventType: "agent.bootstrap_token_issued", ActorType: "system",
		Target: appID, AccessGranted: true,
	}); err != nil {
		return "", err
	}
	return raw, nil
}

// RedeemBootstrapToken validates and atomically consumes a bootstrap
// token, returning the app_id it was issued for.
func (m *Manager) RedeemBootstrapToken(ctx context.Context, token string) (string, error) {
	appID, err := m.store.RedeemBootstrapToken(ctx, bootstrapTokenHash(token))
	if err != nil {
		_ = m.emitAudit(ctx, audit.AppendRequest{
			EventType: "agent.bootstrap_token_redeem_denied", ActorType: "system",
			AccessGranted: false, DenialReason: err.Error(),
		})
		return "", err
	}
	if err := m.emitAudit(ctx, audit.AppendRequest{
		EventType: "agent.bootstrap_token_redeemed", ActorType: "system",
		Target: appID, AccessGranted: true,
	}); err != nil {
		return "", err
	}
	return appID, nil
}

func (m *Manager) emitAudit(ctx context.Context, req audit.AppendRequest) error {
	if m.audit == nil {
		return nil
	}
	_, err := m.audit.Append(ctx, req)
	return err
}
