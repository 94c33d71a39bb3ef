// Package agent implements the auth/agent registry (spec §4.7): agent
// identity lifecycle, AppRole credential issuance/authentication, and
// bootstrap-token issuance for initial application identity. Grounded on
// pkg/apikey/service.go's raw-token + hash persistence pattern and
// internal/auth/session.go's crypto/rand token-generation idiom.
package agent

import (
	"time"

	"github.com/google/uuid"
)

// Status is an agent's lifecycle state (spec §3 Agent.status).
type Status string

const (
	StatusPendingBootstrap Status = "pending_bootstrap"
	StatusActive           Status = "active"
	StatusDisconnected     Status = "disconnected"
	StatusSuspended        Status = "suspended"
	StatusRevoked          Status = "revoked"
)

// Agent is a registered identity allowed to authenticate against the vault
// (spec §3 Agent).
type Agent struct {
	ID              uuid.UUID
	ExternalID      string
	Name            string
	Status          Status
	AuthMethod      string
	CertFingerprint *string
	LastHeartbeatAt *time.Time
	CreatedAt       time.Time
}

// RegisterAttrs are the caller-supplied parameters for RegisterAgent (spec
// §4.7 register_agent).
type RegisterAttrs struct {
	ExternalID string `validate:"required"`
	Name       string `validate:"required"`
	AuthMethod string `validate:"required"`
}
