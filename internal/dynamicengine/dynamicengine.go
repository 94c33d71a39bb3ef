// Package dynamicengine provides the pluggable DynamicEngine capability's
// concrete, in-pack implementations (spec §6: "Engine-specific credential
// minting drivers (PostgreSQL, Redis, AWS STS); treated as a pluggable
// DynamicEngine capability" — out of scope as concrete minting drivers, but
// the capability boundary itself, a reference implementation, and the
// per-call timeout wrapper spec §5 requires ("every engine driver call
// carries a per-engine timeout") are in scope).
package dynamicengine

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/wisbric/vaultkernel/internal/lease"
)

// InMemory is a reference DynamicEngine: every Issue mints a random opaque
// token, tracked only so Revoke/Renew can be idempotent no-ops against
// credentials this engine itself issued. Used by tests and by any rotation
// schedule exercised without a real minting backend wired in; not a real
// credential source for PostgreSQL/Redis/AWS STS (those drivers are out of
// scope, spec §1).
type InMemory struct {
	mu     sync.Mutex
	issued map[string]struct{}
}

// NewInMemory creates an InMemory engine.
func NewInMemory() *InMemory {
	return &InMemory{issued: map[string]struct{}{}}
}

// Issue implements lease.DynamicEngine.
func (e *InMemory) Issue(ctx context.Context, role string, ttl time.Duration) (lease.Credentials, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return nil, fmt.Errorf("dynamicengine: generating credential: %w", err)
	}
	token := role + ":" + hex.EncodeToString(buf)

	e.mu.Lock()
	e.issued[token] = struct{}{}
	e.mu.Unlock()

	return lease.Credentials(token), nil
}

// Renew implements lease.DynamicEngine. Idempotent: renewing an unknown
// token (e.g. a retry after a prior success already removed nothing) still
// succeeds.
func (e *InMemory) Renew(ctx context.Context, creds lease.Credentials, newTTL time.Duration) error {
	return nil
}

// Revoke implements lease.DynamicEngine. Idempotent: revoking the same
// credential twice (spec §4.6 revoke-retry path) is a no-op the second time.
func (e *InMemory) Revoke(ctx context.Context, creds lease.Credentials) error {
	e.mu.Lock()
	delete(e.issued, string(creds))
	e.mu.Unlock()
	return nil
}

// ValidateConfig implements lease.DynamicEngine. The reference engine takes
// no configuration.
func (e *InMemory) ValidateConfig(cfg map[string]any) error { return nil }

// WithTimeout wraps a DynamicEngine so every call is bounded by timeout
// (spec §5: "every engine driver call carries a per-engine timeout; timeout
// is treated as a failure and triggers the revoke-retry path"). Not named
// by spec §4.6/§6 directly, but required by spec §5's timeout mandate.
type WithTimeout struct {
	Engine  lease.DynamicEngine
	Timeout time.Duration
}

// Issue implements lease.DynamicEngine.
func (w WithTimeout) Issue(ctx context.Context, role string, ttl time.Duration) (lease.Credentials, error) {
	ctx, cancel := context.WithTimeout(ctx, w.Timeout)
	defer cancel()
	return w.Engine.Issue(ctx, role, ttl)
}

// Renew implements lease.DynamicEngine.
func (w WithTimeout) Renew(ctx context.Context, creds lease.Credentials, newTTL time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, w.Timeout)
	defer cancel()
	return w.Engine.Renew(ctx, creds, newTTL)
}

// Revoke implements lease.DynamicEngine.
func (w WithTimeout) Revoke(ctx context.Context, creds lease.Credentials) error {
	ctx, cancel := context.WithTimeout(ctx, w.Timeout)
	defer cancel()
	return w.Engine.Revoke(ctx, creds)
}

// ValidateConfig implements lease.DynamicEngine.
func (w WithTimeout) ValidateConfig(cfg map[string]any) error {
	return w.Engine.ValidateConfig(cfg)
}
