// Package lease implements the dynamic-lease manager (spec §4.6): creation,
// renewal, and revocation of dynamically minted credentials, plus a
// single-flight expiry sweep. Grounded on pkg/escalation/engine.go's
// Run(ctx)/tick polling shape and pkg/roster/scheduler.go's skip-already-
// handled-rows idiom, generalized from alerts/weeks to leases.
package lease

import (
	"time"

	"github.com/google/uuid"

	"github.com/wisbric/vaultkernel/internal/cryptoengine"
)

// Status is a lease's lifecycle state (spec §3 Lease.status).
type Status string

const (
	StatusActive       Status = "active"
	StatusRenewing     Status = "renewing"
	StatusRevoking     Status = "revoking"
	StatusRevoked      Status = "revoked"
	StatusRevokeFailed Status = "revoke_failed"
	StatusExpired      Status = "expired"
	StatusOrphaned     Status = "orphaned"
)

// Lease is a dynamically minted credential's lifecycle record (spec §3
// Lease). Credentials are never held in plaintext here; CredentialsEnv is
// the engine-issued credential blob wrapped under the master key.
type Lease struct {
	ID             uuid.UUID
	EngineType     string
	Role           string
	AgentID        *uuid.UUID
	CredentialsEnv cryptoengine.Envelope
	IssuedAt       time.Time
	ExpiresAt      time.Time
	TTL            time.Duration
	MaxTTL         time.Duration
	Status         Status
	Renewable      bool
	RevokeAttempts int
	// NextRetryAt schedules the next revoke-retry attempt after a
	// revoke_failed transition; not part of spec §3's literal Lease shape,
	// but required to implement its "enqueue a retry (exponential backoff)"
	// revoke semantics (spec §4.6).
	NextRetryAt *time.Time
	// TerminalStatus is the status a revoking/revoke_failed lease resolves to
	// once the engine driver's revoke call finally succeeds: Revoked for an
	// explicit revoke_lease, Expired for the expiry sweep. Retried
	// revoke_failed leases must remember which one they're heading for, or a
	// retried expiry could resolve as "revoked" instead of "expired".
	TerminalStatus Status
}

// CreateAttrs are the caller-supplied parameters for CreateLease (spec §4.6
// create_lease).
type CreateAttrs struct {
	EngineType string        `validate:"required"`
	Role       string        `validate:"required"`
	AgentID    *uuid.UUID
	TTL        time.Duration `validate:"required,gt=0"`
	MaxTTL     time.Duration `validate:"required,gtefield=TTL"`
	Renewable  bool
}

// ExpiringSoon reports whether l's remaining TTL has crossed the
// observability threshold (spec §4.6: "remaining TTL ≤ max(20% of original
// ttl, 5 minutes)"). Used only by read-side queries, never by the lifecycle
// state machine itself.
func (l *Lease) ExpiringSoon(now time.Time) bool {
	remaining := l.ExpiresAt.Sub(now)
	threshold := l.TTL / 5
	if threshold < 5*time.Minute {
		threshold = 5 * time.Minute
	}
	return remaining <= threshold
}
