package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	tests := []struct {
		name   string
		check  func(*Config) bool
		expect string
	}{
		{
			name:   "default mode is core",
			check:  func(c *Config) bool { return c.Mode == "core" },
			expect: "core",
		},
		{
			name:   "default log level is info",
			check:  func(c *Config) bool { return c.LogLevel == "info" },
			expect: "info",
		},
		{
			name:   "default log format is json",
			check:  func(c *Config) bool { return c.LogFormat == "json" },
			expect: "json",
		},
		{
			name:   "default metrics path",
			check:  func(c *Config) bool { return c.MetricsPath == "/metrics" },
			expect: "/metrics",
		},
		{
			name:   "default audit signing key source",
			check:  func(c *Config) bool { return c.AuditSigningKeySource == "derive_from_mk" },
			expect: "derive_from_mk",
		},
		{
			name:   "default auto unseal provider",
			check:  func(c *Config) bool { return c.AutoUnsealProvider == "none" },
			expect: "none",
		},
		{
			name:   "default unseal progress ttl is 300 seconds",
			check:  func(c *Config) bool { return c.UnsealProgressTTLSeconds == 300 },
			expect: "300",
		},
		{
			name:   "UnsealProgressTTL converts seconds to duration",
			check:  func(c *Config) bool { return c.UnsealProgressTTL() == 300*time.Second },
			expect: "5m0s",
		},
		{
			name:   "default agent cert validity is one year",
			check:  func(c *Config) bool { return c.AgentCertValidity == 8760*time.Hour },
			expect: "8760h",
		},
	}

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if !tt.check(cfg) {
				t.Errorf("expected %s", tt.expect)
			}
		})
	}
}

func TestAuditSigningStaticKeyDecoding(t *testing.T) {
	cfg := &Config{AuditSigningStaticKeyHex: "deadbeef"}
	key, err := cfg.AuditSigningStaticKey()
	if err != nil {
		t.Fatalf("AuditSigningStaticKey: %v", err)
	}
	if len(key) != 4 {
		t.Fatalf("expected 4 decoded bytes, got %d", len(key))
	}
}

func TestAuditSigningStaticKeyRejectsBadHex(t *testing.T) {
	cfg := &Config{AuditSigningStaticKeyHex: "not-hex"}
	if _, err := cfg.AuditSigningStaticKey(); err == nil {
		t.Fatal("expected an error decoding invalid hex")
	}
}
