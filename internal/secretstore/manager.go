package secretstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/wisbric/vaultkernel/internal/audit"
	"github.com/wisbric/vaultkernel/internal/cryptoengine"
	"github.com/wisbric/vaultkernel/internal/policy"
	"github.com/wisbric/vaultkernel/internal/store"
)

// secretStore is the persistence boundary Manager needs. *Store (store.go)
// satisfies this against a real Postgres pool; tests substitute an
// in-memory fake, the same split seal.Manager uses for configStore.
type secretStore interface {
	Insert(ctx context.Context, sec *Secret, pair envelopePair) error
	GetByPath(ctx context.Context, path string) (*Secret, envelopePair, error)
	GetByID(ctx context.Context, id uuid.UUID) (*Secret, envelopePair, error)
	ArchiveAndAdvance(ctx context.Context, secretID uuid.UUID, archived *Secret, archivedPair envelopePair, newVersion int, newPair envelopePair, updatedAt time.Time) error
	GetVersion(ctx context.Context, secretID uuid.UUID, version int) (envelopePair, error)
	PruneOldVersions(ctx context.Context, secretID uuid.UUID, keepVersions, keepDays int, now time.Time) (deleted, kept int, err error)
}

// mkBorrower is the minimal slice of seal.Manager this package needs,
// duplicated locally (as in internal/audit/signer.go) to avoid an import
// cycle with internal/seal.
type mkBorrower interface {
	BorrowMK(ctx context.Context, fn func(mk []byte) error) error
}

// auditAppender is the minimal slice of audit.Store this package needs.
type auditAppender interface {
	Append(ctx context.Context, req audit.AppendRequest) (*audit.Entry, error)
}

// accessEvaluator is the minimal slice of policy.Engine this package needs.
type accessEvaluator interface {
	EvaluateAccess(ctx context.Context, entityID, path string, op policy.Op, reqCtx policy.RequestContext) (policy.Decision, error)
}

// AccessDeniedError reports a policy denial from GetSecretForEntity,
// carrying the reason: on deny, GetSecretForEntity audits the attempt and
// returns this error instead of a secret.
type AccessDeniedError struct {
	Reason string
}

func (e *AccessDeniedError) Error() string { return "secretstore: access denied: " + e.Reason }

// Manager implements the secret store's business logic: it owns no mutable
// state of its own, delegating persistence to Store and master-key access
// to the seal manager via mkBorrower.
type Manager struct {
	store  secretStore
	vault  mkBorrower
	audit  auditAppender
	policy accessEvaluator
}

// NewManager creates a Manager. policyEngine may be nil if GetSecretForEntity
// will never be called (e.g. an admin-only deployment).
func NewManager(st secretStore, vault mkBorrower, auditStore auditAppender, policyEngine accessEvaluator) *Manager {
	return &Manager{store: st, vault: vault, audit: auditStore, policy: policyEngine}
}

// Create encrypts data under a fresh DEK and persists it as version 1 of a
// new secret at path.
func (m *Manager) Create(ctx context.Context, path, name string, kind Kind, data []byte, metadata map[string]string) (*Secret, error) {
	pair, err := m.sealPayload(ctx, path, 1, data)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	sec := &Secret{
		ID:        uuid.New(),
		Path:      path,
		Name:      name,
		Kind:      kind,
		Version:   1,
		Metadata:  metadata,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := m.store.Insert(ctx, sec, pair); err != nil {
		return nil, err
	}

	if err := m.emitAudit(ctx, audit.AppendRequest{
		EventType:     "secret.created",
		ActorType:     "system",
		Target:        path,
		AccessGranted: true,
		EventData:     mustJSON(map[string]any{"secret_id": sec.ID.String(), "version": 1}),
	}); err != nil {
		return nil, err
	}
	return sec, nil
}

// ReadDecrypted fetches and decrypts the current version at path.
func (m *Manager) ReadDecrypted(ctx context.Context, path string) (*Secret, *Plaintext, error) {
	sec, pair, err := m.store.GetByPath(ctx, path)
	if err != nil {
		return nil, nil, err
	}
	pt, err := m.openPayload(ctx, path, sec.Version, pair)
	if err != nil {
		return nil, nil, err
	}
	return sec, pt, nil
}

// Update archives the current version and writes a fresh version encrypting
// newData, under a newly generated DEK.
func (m *Manager) Update(ctx context.Context, path string, newData []byte) (*Secret, error) {
	cur, curPair, err := m.store.GetByPath(ctx, path)
	if err != nil {
		return nil, err
	}

	newVersion := cur.Version + 1
	newPair, err := m.sealPayload(ctx, path, newVersion, newData)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	archived := *cur
	if err := m.store.ArchiveAndAdvance(ctx, cur.ID, &archived, curPair, newVersion, newPair, now); err != nil {
		return nil, err
	}

	updated := *cur
	updated.Version = newVersion
	updated.UpdatedAt = now

	if err := m.emitAudit(ctx, audit.AppendRequest{
		EventType:     "secret.updated",
		ActorType:     "system",
		Target:        path,
		AccessGranted: true,
		EventData:     mustJSON(map[string]any{"secret_id": cur.ID.String(), "version": newVersion}),
	}); err != nil {
		return nil, err
	}
	return &updated, nil
}

// Rollback decrypts archived version targetVersion under its own stored DEK
// wrap, then writes that plaintext as a fresh new version: a rollback is
// just an update whose plaintext happens to equal an earlier version's.
func (m *Manager) Rollback(ctx context.Context, path string, targetVersion int) (*Secret, error) {
	cur, curPair, err := m.store.GetByPath(ctx, path)
	if err != nil {
		return nil, err
	}

	var targetPair envelopePair
	if targetVersion == cur.Version {
		targetPair = curPair
	} else {
		targetPair, err = m.store.GetVersion(ctx, cur.ID, targetVersion)
		if err != nil {
			return nil, err
		}
	}
	targetPt, err := m.openPayload(ctx, path, targetVersion, targetPair)
	if err != nil {
		return nil, err
	}
	defer targetPt.Zero()

	newVersion := cur.Version + 1
	newPair, err := m.sealPayload(ctx, path, newVersion, targetPt.Raw)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	archived := *cur
	if err := m.store.ArchiveAndAdvance(ctx, cur.ID, &archived, curPair, newVersion, newPair, now); err != nil {
		return nil, err
	}

	updated := *cur
	updated.Version = newVersion
	updated.UpdatedAt = now

	if err := m.emitAudit(ctx, audit.AppendRequest{
		EventType:     "secret.rolled_back",
		ActorType:     "system",
		Target:        path,
		AccessGranted: true,
		EventData:     mustJSON(map[string]any{"secret_id": cur.ID.String(), "from_version": cur.Version, "to_version": newVersion, "source_version": targetVersion}),
	}); err != nil {
		return nil, err
	}
	return &updated, nil
}

// PruneOldVersions deletes archived versions outside the retention window.
func (m *Manager) PruneOldVersions(ctx context.Context, path string, keepVersions, keepDays int) (deleted, kept int, err error) {
	sec, _, err := m.store.GetByPath(ctx, path)
	if err != nil {
		return 0, 0, err
	}
	return m.store.PruneOldVersions(ctx, sec.ID, keepVersions, keepDays, time.Now().UTC())
}

// GetSecretForEntity consults the policy engine before returning decrypted
// data, auditing either outcome.
func (m *Manager) GetSecretForEntity(ctx context.Context, entityID, path string, reqCtx policy.RequestContext) (*Secret, *Plaintext, error) {
	if m.policy == nil {
		return nil, nil, fmt.Errorf("secretstore: no policy engine configured")
	}
	decision, err := m.policy.EvaluateAccess(ctx, entityID, path, policy.OpRead, reqCtx)
	if err != nil {
		return nil, nil, err
	}
	if !decision.Allow {
		if auditErr := m.emitAudit(ctx, audit.AppendRequest{
			EventType:     "secret.access_denied",
			ActorType:     "agent",
			ActorID:       entityID,
			Target:        path,
			AccessGranted: false,
			DenialReason:  decision.Reason,
		}); auditErr != nil {
			return nil, nil, auditErr
		}
		return nil, nil, &AccessDeniedError{Reason: decision.Reason}
	}

	sec, pt, err := m.ReadDecrypted(ctx, path)
	if err != nil {
		return nil, nil, err
	}
	if err := m.emitAudit(ctx, audit.AppendRequest{
		EventType:     "secret.read",
		ActorType:     "agent",
		ActorID:       entityID,
		Target:        path,
		AccessGranted: true,
	}); err != nil {
		return nil, nil, err
	}
	return sec, pt, nil
}

// sealPayload generates a fresh DEK, encrypts data under it with
// AAD=path||version, and wraps the DEK under the master key with AAD=path.
func (m *Manager) sealPayload(ctx context.Context, path string, version int, data []byte) (envelopePair, error) {
	dek, err := cryptoengine.GenerateKey()
	if err != nil {
		return envelopePair{}, err
	}
	defer cryptoengine.Zero(dek)

	payloadEnv, err := cryptoengine.Encrypt(dek, data, payloadAAD(path, version))
	if err != nil {
		return envelopePair{}, err
	}

	var dekEnv cryptoengine.Envelope
	err = m.vault.BorrowMK(ctx, func(mk []byte) error {
		var wrapErr error
		dekEnv, wrapErr = cryptoengine.Encrypt(mk, dek, []byte(path))
		return wrapErr
	})
	if err != nil {
		return envelopePair{}, err
	}
	return envelopePair{Payload: payloadEnv, DEK: dekEnv}, nil
}

// openPayload unwraps the version's DEK under the master key and decrypts
// the payload. A tag failure is treated as tamper evidence: audited
// internally, surfaced to the caller only as the opaque store.ErrDecryptFailed.
func (m *Manager) openPayload(ctx context.Context, path string, version int, pair envelopePair) (*Plaintext, error) {
	var dek []byte
	err := m.vault.BorrowMK(ctx, func(mk []byte) error {
		unwrapped, unwrapErr := cryptoengine.Decrypt(mk, pair.DEK, []byte(path))
		if unwrapErr != nil {
			return unwrapErr
		}
		dek = unwrapped
		return nil
	})
	if err != nil {
		return nil, m.decryptFailure(ctx, path, err)
	}
	defer cryptoengine.Zero(dek)

	plain, err := cryptoengine.Decrypt(dek, pair.Payload, payloadAAD(path, version))
	if err != nil {
		return nil, m.decryptFailure(ctx, path, err)
	}
	return &Plaintext{Raw: plain}, nil
}

func (m *Manager) decryptFailure(ctx context.Context, path string, cause error) error {
	if errors.Is(cause, store.ErrSealed) {
		return cause
	}
	if err := m.emitAudit(ctx, audit.AppendRequest{
		EventType:     "secret.decrypt_failed",
		ActorType:     "system",
		Target:        path,
		AccessGranted: false,
		DenialReason:  "tamper or key mismatch",
	}); err != nil {
		return err
	}
	return store.ErrDecryptFailed
}

func payloadAAD(path string, version int) []byte {
	return []byte(fmt.Sprintf("%s||%d", path, version))
}

// emitAudit records an audit entry, propagating a failure rather than
// swallowing it: every terminal decision must be durably recorded before a
// response is released, so an append failure here must fail the calling
// operation too.
func (m *Manager) emitAudit(ctx context.Context, req audit.AppendRequest) error {
	if m.audit == nil {
		return nil
	}
	_, err := m.audit.Append(ctx, req)
	return err
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage("{}")
	}
	return b
}
