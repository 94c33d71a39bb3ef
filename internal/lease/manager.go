package lease

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/wisbric/vaultkernel/internal/audit"
	"github.com/wisbric/vaultkernel/internal/cryptoengine"
	"github.com/wisbric/vaultkernel/internal/store"
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

// leaseStore is the persistence boundary Manager needs. *Store satisfies it
// against a real Postgres pool; tests substitute an in-memory fake.
type leaseStore interface {
	Insert(ctx context.Context, l *Lease) error
	Get(ctx context.Context, id uuid.UUID) (*Lease, error)
	UpdateStatus(ctx context.Context, id uuid.UUID, status Status, revokeAttempts int, nextRetryAt *time.Time) error
	UpdateRenewal(ctx context.Context, id uuid.UUID, newTTL time.Duration, newExpiresAt time.Time) error
	SetRevoking(ctx context.Context, id uuid.UUID, terminal Status, revokeAttempts int) error
}

// ErrUnknownEngine is returned when create_lease names an engine_type with
// no registered driver.
var ErrUnknownEngine = errors.New("lease: unknown engine_type")

// RenewFailedError reports renew_lease's engine-driver failure (spec §4.6:
// "return renew_failed(reason)").
type RenewFailedError struct{ Reason string }

func (e *RenewFailedError) Error() string { return "lease: renew failed: " + e.Reason }

const maxRevokeAttempts = 5

// Manager implements the lease lifecycle (spec §4.6). Master-key access for
// wrapping/unwrapping stored credentials goes through vault; audit entries
// are emitted synchronously, matching the secret store's durability
// discipline (spec §7).
type Manager struct {
	store   leaseStore
	vault   mkBorrower
	audit   auditAppender
	engines Registry

	bpMu         sync.Mutex
	backpressure map[string]chan struct{}
	maxPerEngine int
}

// NewManager creates a Manager. maxPerEngine bounds concurrent in-flight
// engine calls per engine_type (spec §4.6 backpressure); 0 means unbounded.
func NewManager(st leaseStore, vault mkBorrower, auditStore auditAppender, engines Registry, maxPerEngine int) *Manager {
	return &Manager{
		store:        st,
		vault:        vault,
		audit:        auditStore,
		engines:      engines,
		backpressure: map[string]chan struct{}{},
		maxPerEngine: maxPerEngine,
	}
}

// CreateLease validates attrs, calls the named engine's Issue, and persists
// the result as an active lease (spec §4.6 create_lease).
func (m *Manager) CreateLease(ctx context.Context, attrs CreateAttrs) (*Lease, error) {
	engine, ok := m.engines[attrs.EngineType]
	if !ok {
		return nil, ErrUnknownEngine
	}
	if attrs.Role == "" || attrs.TTL <= 0 || attrs.MaxTTL <= 0 || attrs.TTL > attrs.MaxTTL {
		return nil, fmt.Errorf("lease: %w: invalid create_lease attrs", store.ErrInvalidInput)
	}

	release := m.acquire(attrs.EngineType)
	creds, err := engine.Issue(ctx, attrs.Role, attrs.TTL)
	release()
	if err != nil {
		return nil, fmt.Errorf("lease: engine issue: %w", err)
	}

	id := uuid.New()
	var credEnv cryptoengine.Envelope
	err = m.vault.BorrowMK(ctx, func(mk []byte) error {
		var wrapErr error
		credEnv, wrapErr = cryptoengine.Encrypt(mk, creds, []byte(id.String()))
		return wrapErr
	})
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	l := &Lease{
		ID:             id,
		EngineType:     attrs.EngineType,
		Role:           attrs.Role,
		AgentID:        attrs.AgentID,
		CredentialsEnv: credEnv,
		IssuedAt:       now,
		ExpiresAt:      now.Add(attrs.TTL),
		TTL:            attrs.TTL,
		MaxTTL:         attrs.MaxTTL,
		Status:         StatusActive,
		Renewable:      attrs.Renewable,
	}
	if err := m.store.Insert(ctx, l); err != nil {
		return nil, err
	}

	if err := m.emitAudit(ctx, audit.AppendRequest{
		EventType:     "lease.created",
		ActorType:     "system",
		Target:        attrs.EngineType + "/" + attrs.Role,
		AccessGranted: true,
	}); err != nil {
		return nil, err
	}
	return l, nil
}

// RenewLease extends an active, renewable lease's TTL up to its cap (spec
// §4.6 renew_lease).
func (m *Manager) RenewLease(ctx context.Context, id uuid.UUID, increment time.Duration) (*Lease, error) {
	l, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if l.Status != StatusActive || !l.Renewable {
		return nil, &RenewFailedError{Reason: "lease is not active and renewable"}
	}

	newTTL := l.TTL + increment
	if newTTL > l.MaxTTL {
		newTTL = l.MaxTTL
	}

	engine, ok := m.engines[l.EngineType]
	if !ok {
		return nil, ErrUnknownEngine
	}
	creds, err := m.unwrapCredentials(ctx, l)
	if err != nil {
		return nil, err
	}
	defer cryptoengine.Zero(creds)

	release := m.acquire(l.EngineType)
	err = engine.Renew(ctx, creds, newTTL)
	release()
	if err != nil {
		return nil, &RenewFailedError{Reason: err.Error()}
	}

	newExpiresAt := l.IssuedAt.Add(newTTL)
	if err := m.store.UpdateRenewal(ctx, id, newTTL, newExpiresAt); err != nil {
		return nil, err
	}
	if err := m.emitAudit(ctx, audit.AppendRequest{
		EventType:     "lease.renewed",
		ActorType:     "system",
		Target:        l.EngineType + "/" + l.Role,
		AccessGranted: true,
	}); err != nil {
		return nil, err
	}

	l.TTL = newTTL
	l.ExpiresAt = newExpiresAt
	return l, nil
}

// RevokeLease calls the engine driver's revoke and marks the lease
// terminal, enqueuing an exponential-backoff retry on failure up to
// maxRevokeAttempts before giving up as orphaned (spec §4.6 revoke_lease).
func (m *Manager) RevokeLease(ctx context.Context, id uuid.UUID) error {
	l, err := m.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if l.Status == StatusRevoked {
		return nil
	}
	return m.revoke(ctx, l, StatusRevoked)
}

// revoke drives a lease through the engine driver's revoke call, resolving
// to terminal on success (Revoked for an explicit revoke_lease, Expired for
// the expiry sweep) or scheduling a backoff retry as revoke_failed on
// failure. Retried revoke_failed leases carry their own l.TerminalStatus
// forward, so terminal is only meaningful on the first attempt.
func (m *Manager) revoke(ctx context.Context, l *Lease, terminal Status) error {
	if err := m.store.SetRevoking(ctx, l.ID, terminal, l.RevokeAttempts); err != nil {
		return err
	}

	engine, ok := m.engines[l.EngineType]
	if !ok {
		return ErrUnknownEngine
	}
	creds, err := m.unwrapCredentials(ctx, l)
	if err != nil {
		return err
	}
	defer cryptoengine.Zero(creds)

	release := m.acquire(l.EngineType)
	revokeErr := engine.Revoke(ctx, creds)
	release()

	if revokeErr == nil {
		if err := m.store.UpdateStatus(ctx, l.ID, terminal, l.RevokeAttempts, nil); err != nil {
			return err
		}
		eventType := "lease.revoked"
		if terminal == StatusExpired {
			eventType = "lease.expired"
		}
		return m.emitAudit(ctx, audit.AppendRequest{
			EventType:     eventType,
			ActorType:     "system",
			Target:        l.EngineType + "/" + l.Role,
			AccessGranted: true,
		})
	}

	attempts := l.RevokeAttempts + 1
	if attempts >= maxRevokeAttempts {
		if err := m.store.UpdateStatus(ctx, l.ID, StatusOrphaned, attempts, nil); err != nil {
			return err
		}
		return m.emitAudit(ctx, audit.AppendRequest{
			EventType:     "lease.orphaned",
			ActorType:     "system",
			Target:        l.EngineType + "/" + l.Role,
			AccessGranted: false,
			DenialReason:  "exhausted revoke retries: " + revokeErr.Error(),
		})
	}

	next := time.Now().UTC().Add(backoff(attempts))
	return m.store.UpdateStatus(ctx, l.ID, StatusRevokeFailed, attempts, &next)
}

// backoff computes the exponential retry delay for the given attempt count
// (30s, 1m, 2m, 4m, ...), capped at 10 minutes.
func backoff(attempt int) time.Duration {
	d := 30 * time.Second * time.Duration(1<<uint(attempt-1))
	if d > 10*time.Minute {
		d = 10 * time.Minute
	}
	return d
}

func (m *Manager) unwrapCredentials(ctx context.Context, l *Lease) (Credentials, error) {
	var creds []byte
	err := m.vault.BorrowMK(ctx, func(mk []byte) error {
		plain, err := cryptoengine.Decrypt(mk, l.CredentialsEnv, []byte(l.ID.String()))
		if err != nil {
			return err
		}
		creds = plain
		return nil
	})
	if err != nil {
		if errors.Is(err, store.ErrSealed) {
			return nil, err
		}
		return nil, store.ErrDecryptFailed
	}
	return creds, nil
}

func (m *Manager) acquire(engineType string) func() {
	if m.maxPerEngine <= 0 {
		return func() {}
	}
	m.bpMu.Lock()
	sem, ok := m.backpressure[engineType]
	if !ok {
		sem = make(chan struct{}, m.maxPerEngine)
		m.backpressure[engineType] = sem
	}
	m.bpMu.Unlock()

	sem <- struct{}{}
	return func() { <-sem }
}

func (m *Manager) emitAudit(ctx context.Context, req audit.AppendRequest) error {
	if m.audit == nil {
		return nil
	}
	_, err := m.audit.Append(ctx, req)
	return err
}
