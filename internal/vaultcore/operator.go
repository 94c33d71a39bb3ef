package vaultcore

import (
	"context"
	"io"
	"time"

	"github.com/google/uuid"

	"github.com/wisbric/vaultkernel/internal/agent"
	"github.com/wisbric/vaultkernel/internal/audit"
	"github.com/wisbric/vaultkernel/internal/lease"
	"github.com/wisbric/vaultkernel/internal/policy"
	"github.com/wisbric/vaultkernel/internal/rotation"
	"github.com/wisbric/vaultkernel/internal/seal"
	"github.com/wisbric/vaultkernel/internal/secretstore"
)

// Operator is a single façade exposing one Go method per §6 External
// Interface operation, the caller-facing surface a host program (CLI,
// internal RPC handler, test harness) drives instead of reaching into
// Core's individual components directly.
type Operator struct {
	core *Core
}

// NewOperator wraps a constructed Core.
func NewOperator(core *Core) *Operator {
	return &Operator{core: core}
}

// Initialize splits a fresh master key into n shares requiring k to
// reconstruct.
func (o *Operator) Initialize(ctx context.Context, n, k int) ([]seal.Share, error) {
	return o.core.Seal.Initialize(ctx, n, k)
}

// SubmitShare feeds one unseal share into the in-progress reconstruction.
func (o *Operator) SubmitShare(ctx context.Context, share seal.Share) (seal.State, int, error) {
	return o.core.Seal.SubmitShare(ctx, share)
}

// Seal wipes the in-memory master key, returning the vault to the sealed
// state once any outstanding borrows complete.
func (o *Operator) Seal(ctx context.Context) error {
	return o.core.Seal.Seal(ctx)
}

// KMSUnseal asks the configured KmsUnseal provider to unwrap the master key
// without a manual share quorum.
func (o *Operator) KMSUnseal(ctx context.Context) error {
	return o.core.Seal.KMSUnseal(ctx)
}

// SealStatus reports the current seal state.
func (o *Operator) SealStatus(ctx context.Context) (seal.State, error) {
	return o.core.Seal.Status(ctx)
}

// CreateSecret stores a new secret at path.
func (o *Operator) CreateSecret(ctx context.Context, path, name string, kind secretstore.Kind, data []byte, metadata map[string]string) (*secretstore.Secret, error) {
	return o.core.Secrets.Create(ctx, path, name, kind, data, metadata)
}

// ReadSecret decrypts and returns the current version of a secret.
func (o *Operator) ReadSecret(ctx context.Context, path string) (*secretstore.Secret, *secretstore.Plaintext, error) {
	return o.core.Secrets.ReadDecrypted(ctx, path)
}

// UpdateSecret writes a new version of a secret, archiving the prior one.
func (o *Operator) UpdateSecret(ctx context.Context, path string, newData []byte) (*secretstore.Secret, error) {
	return o.core.Secrets.Update(ctx, path, newData)
}

// Rollback restores a secret to an earlier version as a fresh version.
func (o *Operator) Rollback(ctx context.Context, path string, targetVersion int) (*secretstore.Secret, error) {
	return o.core.Secrets.Rollback(ctx, path, targetVersion)
}

// Prune deletes archived secret versions beyond the retention bounds.
func (o *Operator) Prune(ctx context.Context, path string, keepVersions, keepDays int) (deleted, kept int, err error) {
	return o.core.Secrets.PruneOldVersions(ctx, path, keepVersions, keepDays)
}

// GetSecretForEntity evaluates access and, if allowed, returns a secret's
// current decrypted value in one call.
func (o *Operator) GetSecretForEntity(ctx context.Context, entityID, path string, reqCtx policy.RequestContext) (*secretstore.Secret, *secretstore.Plaintext, error) {
	return o.core.Secrets.GetSecretForEntity(ctx, entityID, path, reqCtx)
}

// EvaluateAccess runs the policy engine's allow/deny decision for one
// entity/path/operation triple.
func (o *Operator) EvaluateAccess(ctx context.Context, entityID, path string, op policy.Op, reqCtx policy.RequestContext) (policy.Decision, error) {
	return o.core.Policies.EvaluateAccess(ctx, entityID, path, op, reqCtx)
}

// SimulatePolicy evaluates every bound policy without short-circuiting, for
// debugging why access was granted or denied.
func (o *Operator) SimulatePolicy(ctx context.Context, entityID, path string, op policy.Op, reqCtx policy.RequestContext) (*policy.SimulationResult, error) {
	return o.core.Policies.Simulate(ctx, entityID, path, op, reqCtx)
}

// CreatePolicy stores a new policy document.
func (o *Operator) CreatePolicy(ctx context.Context, p *policy.Policy) error {
	if err := validateStruct(p); err != nil {
		return err
	}
	return o.core.PolicyStore.Create(ctx, p)
}

// UpdatePolicy replaces an existing policy document.
func (o *Operator) UpdatePolicy(ctx context.Context, p *policy.Policy) error {
	if err := validateStruct(p); err != nil {
		return err
	}
	return o.core.PolicyStore.Update(ctx, p)
}

// DeletePolicy removes a policy and its bindings.
func (o *Operator) DeletePolicy(ctx context.Context, policyID string) error {
	return o.core.PolicyStore.Delete(ctx, policyID)
}

// CreateLease issues a new dynamic-secret lease.
func (o *Operator) CreateLease(ctx context.Context, attrs lease.CreateAttrs) (*lease.Lease, error) {
	if err := validateStruct(attrs); err != nil {
		return nil, err
	}
	return o.core.Leases.CreateLease(ctx, attrs)
}

// RenewLease extends a lease's expiry by increment, bounded by its max TTL.
func (o *Operator) RenewLease(ctx context.Context, id uuid.UUID, increment time.Duration) (*lease.Lease, error) {
	return o.core.Leases.RenewLease(ctx, id, increment)
}

// RevokeLease begins revoking a lease, retrying with backoff on failure.
func (o *Operator) RevokeLease(ctx context.Context, id uuid.UUID) error {
	return o.core.Leases.RevokeLease(ctx, id)
}

// RegisterAgent enrolls a new agent identity.
func (o *Operator) RegisterAgent(ctx context.Context, attrs agent.RegisterAttrs) (*agent.Agent, error) {
	if err := validateStruct(attrs); err != nil {
		return nil, err
	}
	return o.core.Agents.RegisterAgent(ctx, attrs)
}

// GenerateAppRoleCredentials mints a fresh role_id/secret_id pair for an
// agent.
func (o *Operator) GenerateAppRoleCredentials(ctx context.Context, agentID uuid.UUID) (roleID, secretID string, err error) {
	return o.core.Agents.GenerateAppRoleCredentials(ctx, agentID)
}

// AuthenticateAppRole verifies a role_id/secret_id pair and issues a client
// certificate for the authenticated agent.
func (o *Operator) AuthenticateAppRole(ctx context.Context, roleID, secretID string) (*agent.Agent, []byte, error) {
	return o.core.Agents.AuthenticateAppRole(ctx, roleID, secretID)
}

// UpdateHeartbeat bumps an agent's last_heartbeat_at and reactivates it if
// it had been marked disconnected.
func (o *Operator) UpdateHeartbeat(ctx context.Context, externalID string) error {
	return o.core.Agents.UpdateHeartbeat(ctx, externalID)
}

// MarkAgentDisconnected transitions an agent to disconnected.
func (o *Operator) MarkAgentDisconnected(ctx context.Context, agentID uuid.UUID) error {
	return o.core.Agents.MarkDisconnected(ctx, agentID)
}

// SuspendAgent transitions an agent to suspended, blocking authentication
// until reinstated.
func (o *Operator) SuspendAgent(ctx context.Context, agentID uuid.UUID) error {
	return o.core.Agents.SuspendAgent(ctx, agentID)
}

// RevokeAgent transitions an agent to revoked and revokes its certificate,
// permanently blocking re-authentication.
func (o *Operator) RevokeAgent(ctx context.Context, agentID uuid.UUID) error {
	return o.core.Agents.RevokeAgent(ctx, agentID)
}

// RevokeAgentCertificate adds an agent's current certificate fingerprint to
// the revocation set without otherwise changing its status.
func (o *Operator) RevokeAgentCertificate(ctx context.Context, agentID uuid.UUID) error {
	return o.core.Agents.RevokeAgentCertificate(ctx, agentID)
}

// IsAgentCertRevoked reports whether a presented client certificate's
// fingerprint is in the revocation set, for a transport layer to consult
// before honoring a cert-authenticated request.
func (o *Operator) IsAgentCertRevoked(ctx context.Context, fingerprint string) (bool, error) {
	return o.core.Agents.IsCertRevoked(ctx, fingerprint)
}

// IssueBootstrapToken mints a single-use bootstrap token for an application.
func (o *Operator) IssueBootstrapToken(ctx context.Context, appID string) (string, error) {
	return o.core.Agents.IssueBootstrapToken(ctx, appID)
}

// RedeemBootstrapToken atomically consumes a bootstrap token.
func (o *Operator) RedeemBootstrapToken(ctx context.Context, token string) (string, error) {
	return o.core.Agents.RedeemBootstrapToken(ctx, token)
}

// CreateRotationSchedule registers a new rotation schedule.
func (o *Operator) CreateRotationSchedule(ctx context.Context, sch *rotation.Schedule) error {
	if err := validateStruct(sch); err != nil {
		return err
	}
	return o.core.RotationStore.Create(ctx, sch)
}

// GetRotationSchedule fetches a rotation schedule by id.
func (o *Operator) GetRotationSchedule(ctx context.Context, id uuid.UUID) (*rotation.Schedule, error) {
	return o.core.RotationStore.Get(ctx, id)
}

// ExportAuditCSV streams the audit log in RFC 4180 CSV form to w.
func (o *Operator) ExportAuditCSV(ctx context.Context, w io.Writer, filter audit.ExportFilter) error {
	return o.core.Audit.ExportCSV(ctx, w, filter)
}

// VerifyAuditChain recomputes the hash chain over [from, to] and reports the
// first tamper fault found, if any.
func (o *Operator) VerifyAuditChain(ctx context.Context, from, to int64) (*audit.VerifyResult, error) {
	return o.core.Audit.VerifyChain(ctx, from, to)
}
