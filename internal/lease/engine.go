package lease

import (
	"context"
	"time"
)

// Credentials is an opaque engine-issued credential blob (e.g. a marshaled
// username/password pair or a short-lived API token). The lease manager
// never interprets its contents, only encrypts, persists, and hands it back
// to the same engine driver for renew/revoke.
type Credentials []byte

// DynamicEngine is the pluggable capability boundary spec §6 names:
// "issue(role, ttl) → credentials, renew(...) → ok|err, revoke(...) →
// ok|err, validate_config(cfg) → ok|errs". Every method must be idempotent
// on retry — the revoke-retry path (spec §4.6) depends on it.
type DynamicEngine interface {
	Issue(ctx context.Context, role string, ttl time.Duration) (Credentials, error)
	Renew(ctx context.Context, creds Credentials, newTTL time.Duration) error
	Revoke(ctx context.Context, creds Credentials) error
	ValidateConfig(cfg map[string]any) error
}

// Registry resolves an engine_type to its driver.
type Registry map[string]DynamicEngine
