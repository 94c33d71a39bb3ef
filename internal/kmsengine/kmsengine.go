// Package kmsengine provides concrete implementations of the seal
// package's KMSUnseal capability boundary (spec §6 KmsUnseal contract:
// "wrap(mk) → blob, unwrap(blob) → mk"). Cloud KMS provider SDKs (AWS/GCP/
// Azure) are explicitly out of scope (spec §1); this package carries only
// the two shapes the core itself needs: a disabled no-op and a test/
// self-managed static-key provider, the same "none | static(bytes)" split
// spec §6's audit_signing_key_source option names for the sibling signer
// capability.
package kmsengine

import (
	"context"
	"errors"

	"github.com/wisbric/vaultkernel/internal/cryptoengine"
)

// ErrAutoUnsealDisabled is returned by None's Wrap/Unwrap: auto_unseal has
// no provider configured (spec §6 auto_unseal.provider = "none").
var ErrAutoUnsealDisabled = errors.New("kmsengine: auto-unseal not configured")

// None is the KMSUnseal provider used when auto_unseal.provider is "none".
// Every call fails, forcing the operator onto the Shamir share-based unseal
// path.
type None struct{}

// Wrap implements seal.KMSUnseal.
func (None) Wrap(ctx context.Context, mk []byte) ([]byte, error) { return nil, ErrAutoUnsealDisabled }

// Unwrap implements seal.KMSUnseal.
func (None) Unwrap(ctx context.Context, blob []byte) ([]byte, error) {
	return nil, ErrAutoUnsealDisabled
}

// Static wraps the master key under a fixed local key rather than a cloud
// KMS call — the "static(bytes)" shape spec §6 lists alongside derive_from_mk
// for the sibling audit-signing-key source, generalized here to auto-unseal.
// Intended for tests and on-prem deployments that manage their own wrapping
// key outside any cloud provider.
type Static struct {
	Key []byte // 32-byte AES-256 key
}

// Wrap implements seal.KMSUnseal.
func (s Static) Wrap(ctx context.Context, mk []byte) ([]byte, error) {
	env, err := cryptoengine.Encrypt(s.Key, mk, []byte("kms-unseal"))
	if err != nil {
		return nil, err
	}
	return env.Marshal(), nil
}

// Unwrap implements seal.KMSUnseal.
func (s Static) Unwrap(ctx context.Context, blob []byte) ([]byte, error) {
	env, err := cryptoengine.UnmarshalEnvelope(blob)
	if err != nil {
		return nil, err
	}
	return cryptoengine.Decrypt(s.Key, env, []byte("kms-unseal"))
}
