package vaultcore

import (
	"encoding/hex"
	"strings"
	"testing"

	"github.com/wisbric/vaultkernel/internal/config"
)

func TestBuildKMSNone(t *testing.T) {
	cfg := &config.Config{AutoUnsealProvider: "none"}
	kms, err := buildKMS(cfg)
	if err != nil {
		t.Fatalf("buildKMS: %v", err)
	}
	if kms == nil {
		t.Fatal("expected a non-nil provider")
	}
}

func TestBuildKMSStaticRequiresKey(t *testing.T) {
	cfg := &config.Config{AutoUnsealProvider: "static"}
	if _, err := buildKMS(cfg); err == nil {
		t.Fatal("expected an error with no static key configured")
	}

	cfg.AutoUnsealStaticKeyHex = hex.EncodeToString(make([]byte, 32))
	if _, err := buildKMS(cfg); err != nil {
		t.Fatalf("buildKMS with a 32-byte key: %v", err)
	}
}

func TestBuildKMSRejectsCloudProviders(t *testing.T) {
	cfg := &config.Config{AutoUnsealProvider: "aws_kms"}
	_, err := buildKMS(cfg)
	if err == nil || !strings.Contains(err.Error(), "aws_kms") {
		t.Fatalf("expected an error naming the unsupported provider, got %v", err)
	}
}

func TestBuildAuditSignerDefaultsToDeriveFromMK(t *testing.T) {
	cfg := &config.Config{}
	signer, err := buildAuditSigner(cfg, nil)
	if err != nil {
		t.Fatalf("buildAuditSigner: %v", err)
	}
	if signer == nil {
		t.Fatal("expected a non-nil signer")
	}
}

func TestBuildAuditSignerStaticRequiresKey(t *testing.T) {
	cfg := &config.Config{AuditSigningKeySource: "static"}
	if _, err := buildAuditSigner(cfg, nil); err == nil {
		t.Fatal("expected an error with no static key configured")
	}
}
