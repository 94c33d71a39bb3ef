package rotation

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/wisbric/vaultkernel/internal/secretstore"
)

// Generator produces a secret's next value given its current decrypted
// payload (spec §4.8 names rotation scheduling, not how a given secret's
// replacement value is minted — that is inherently per-secret domain logic,
// analogous to how spec §6 leaves DynamicEngine credential minting
// pluggable). A Generator is registered per rotation_type's SecretRotator.
type Generator interface {
	Generate(ctx context.Context, current json.RawMessage) (next []byte, err error)
}

// GeneratorFunc adapts a plain function to Generator.
type GeneratorFunc func(ctx context.Context, current json.RawMessage) ([]byte, error)

// Generate implements Generator.
func (f GeneratorFunc) Generate(ctx context.Context, current json.RawMessage) ([]byte, error) {
	return f(ctx, current)
}

// secretManager is the slice of secretstore.Manager SecretRotator needs.
type secretManager interface {
	ReadDecrypted(ctx context.Context, path string) (*secretstore.Secret, *secretstore.Plaintext, error)
	Update(ctx context.Context, path string, newData []byte) (*secretstore.Secret, error)
	Rollback(ctx context.Context, path string, targetVersion int) (*secretstore.Secret, error)
}

// SecretRotator rotates a statically stored secret in place: read the
// current plaintext, mint a replacement via gen, and write it as the next
// version (spec §4.8 rotation_type "secret"). Its Rollback restores the
// secret to oldVersion via secretstore's own rollback-as-fresh-version
// semantics (spec §4.4), so the "old credential intact" guarantee (spec
// §4.8: "leave the old credential intact") holds even though the archived
// version was already superseded.
type SecretRotator struct {
	secrets secretManager
	gen     Generator
}

// NewSecretRotator builds a SecretRotator.
func NewSecretRotator(secrets secretManager, gen Generator) *SecretRotator {
	return &SecretRotator{secrets: secrets, gen: gen}
}

// Commit implements Rotator.
func (r *SecretRotator) Commit(ctx context.Context, target string) (oldVersion, newVersion int, err error) {
	current, plaintext, err := r.secrets.ReadDecrypted(ctx, target)
	if err != nil {
		return 0, 0, fmt.Errorf("rotation: reading current secret %q: %w", target, err)
	}
	defer plaintext.Zero()

	next, err := r.gen.Generate(ctx, plaintext.Raw)
	if err != nil {
		return 0, 0, fmt.Errorf("rotation: generating next value for %q: %w", target, err)
	}

	updated, err := r.secrets.Update(ctx, target, next)
	if err != nil {
		return 0, 0, fmt.Errorf("rotation: updating %q: %w", target, err)
	}
	return current.Version, updated.Version, nil
}

// Rollback implements Rotator.
func (r *SecretRotator) Rollback(ctx context.Context, target string, oldVersion int) error {
	_, err := r.secrets.Rollback(ctx, target, oldVersion)
	if err != nil {
		return fmt.Errorf("rotation: rolling back %q to version %d: %w", target, oldVersion, err)
	}
	return nil
}

// DefaultGenerator regenerates every string-valued field of a JSON object
// payload with a fresh random token of the same rough shape, leaving
// non-string fields and the key set untouched. Used when a secret has no
// engine-specific minting driver of its own (spec §1 scopes those drivers
// out as pluggable DynamicEngine capabilities) — it's a reasonable default
// for "rotate this password-shaped secret" without knowing its schema.
type DefaultGenerator struct{}

// Generate implements Generator.
func (DefaultGenerator) Generate(ctx context.Context, current json.RawMessage) ([]byte, error) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(current, &obj); err != nil {
		// Not a JSON object (e.g. a bare string or number): replace wholesale.
		token, genErr := randomToken()
		if genErr != nil {
			return nil, genErr
		}
		return json.Marshal(token)
	}

	next := make(map[string]json.RawMessage, len(obj))
	for k, v := range obj {
		var s string
		if err := json.Unmarshal(v, &s); err != nil {
			// Non-string field (number, bool, nested object): keep as-is.
			next[k] = v
			continue
		}
		token, genErr := randomToken()
		if genErr != nil {
			return nil, genErr
		}
		marshaled, err := json.Marshal(token)
		if err != nil {
			return nil, err
		}
		next[k] = marshaled
	}
	return json.Marshal(next)
}

func randomToken() (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("rotation: generating token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
