package audit

import (
	"context"

	"github.com/wisbric/vaultkernel/internal/cryptoengine"
)

// mkBorrower is the minimal slice of seal.Manager the signer needs, kept as
// an interface here so this package doesn't import internal/seal (which
// would create an import cycle once vaultcore wires both together).
type mkBorrower interface {
	BorrowMK(ctx context.Context, fn func(mk []byte) error) error
}

// MKDerivedSigner derives the audit signing key from the master key via
// HKDF (spec §9 open question: "derived from MK" reading) and HMACs the
// entry hash with it. While sealed, BorrowMK fails and Sign reports the
// entry as unsigned rather than erroring the whole append — spec §4.3 step 4
// allows unsigned emergency events when sealed-acceptable.
type MKDerivedSigner struct {
	vault mkBorrower
	salt  []byte
}

// NewMKDerivedSigner creates a Signer bound to the given seal manager.
func NewMKDerivedSigner(vault mkBorrower) *MKDerivedSigner {
	return &MKDerivedSigner{vault: vault, salt: []byte("vaultkernel-audit-signing-key")}
}

// Sign implements Signer.
func (s *MKDerivedSigner) Sign(ctx context.Context, hash []byte) ([]byte, bool, error) {
	var sig []byte
	err := s.vault.BorrowMK(ctx, func(mk []byte) error {
		key, err := cryptoengine.DeriveKey(mk, s.salt, []byte("audit-signing-key"), 32)
		if err != nil {
			return err
		}
		sig = cryptoengine.HMACSHA256(key, hash)
		cryptoengine.Zero(key)
		return nil
	})
	if err != nil {
		// Sealed (or any other borrow failure): record unsigned rather than
		// failing the append outright.
		return nil, true, nil
	}
	return sig, false, nil
}

// Verify implements Signer. While sealed, BorrowMK fails and Verify reports
// that outright rather than treating it as a mismatch — a caller verifying
// a signed chain while the vault happens to be sealed gets an error, not a
// false tamper report.
func (s *MKDerivedSigner) Verify(ctx context.Context, hash, sig []byte) (bool, error) {
	var ok bool
	err := s.vault.BorrowMK(ctx, func(mk []byte) error {
		key, err := cryptoengine.DeriveKey(mk, s.salt, []byte("audit-signing-key"), 32)
		if err != nil {
			return err
		}
		ok = cryptoengine.ConstantTimeEqual(cryptoengine.HMACSHA256(key, hash), sig)
		cryptoengine.Zero(key)
		return nil
	})
	if err != nil {
		return false, err
	}
	return ok, nil
}

// StaticSigner signs with a fixed key sourced independently of MK (spec §6
// audit_signing_key_source = "static(bytes)").
type StaticSigner struct{ Key []byte }

// Sign implements Signer.
func (s *StaticSigner) Sign(ctx context.Context, hash []byte) ([]byte, bool, error) {
	return cryptoengine.HMACSHA256(s.Key, hash), false, nil
}

// Verify implements Signer.
func (s *StaticSigner) Verify(ctx context.Context, hash, sig []byte) (bool, error) {
	return cryptoengine.ConstantTimeEqual(cryptoengine.HMACSHA256(s.Key, hash), sig), nil
}
