// Package vaultcore wires C1-C9 together per spec §2's control-flow
// paragraph: seal check first, then policy evaluation, then the
// store/lease operation, then an audit append before the response is
// released. Grounded on internal/app/app.go's single Run(ctx, cfg)
// construction-and-wiring shape, generalized from an HTTP-routed service to
// a transport-free core (spec §1 places HTTP/WebSocket transport out of
// scope) exposed instead through Operator (operator.go).
package vaultcore

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/wisbric/vaultkernel/internal/agent"
	"github.com/wisbric/vaultkernel/internal/audit"
	"github.com/wisbric/vaultkernel/internal/config"
	"github.com/wisbric/vaultkernel/internal/dynamicengine"
	"github.com/wisbric/vaultkernel/internal/kmsengine"
	"github.com/wisbric/vaultkernel/internal/lease"
	"github.com/wisbric/vaultkernel/internal/policy"
	"github.com/wisbric/vaultkernel/internal/rotation"
	"github.com/wisbric/vaultkernel/internal/seal"
	"github.com/wisbric/vaultkernel/internal/secretstore"
)

// Core holds every component's wired-up Manager/Engine/Store, the single
// active writer this spec assumes (§1: "a shared relational store with
// row-level locking", no cluster gossip/leader election).
type Core struct {
	Seal *seal.Manager

	Audit *audit.Store

	Secrets *secretstore.Manager

	Policies    *policy.Engine
	PolicyStore *policy.Store

	Leases  *lease.Manager
	Sweeper *lease.Sweeper

	Agents *agent.Manager

	Rotation      *rotation.Dispatcher
	RotationStore *rotation.Store
}

// New constructs every component and wires them together. It does not start
// any background loop (sweeper/dispatcher) — call Run for that.
func New(ctx context.Context, pool *pgxpool.Pool, rdb *redis.Client, cfg *config.Config) (*Core, error) {
	sealStore := seal.NewStore(pool)

	kms, err := buildKMS(cfg)
	if err != nil {
		return nil, fmt.Errorf("vaultcore: building kms provider: %w", err)
	}

	idleTimer := seal.NewRedisIdleTimer(ctx, rdb, "vaultkernel:seal:unseal-progress", cfg.UnsealProgressTTL())

	sealMgr, err := seal.NewManager(ctx, sealStore, kms, idleTimer, cfg.UnsealProgressTTL())
	if err != nil {
		return nil, fmt.Errorf("vaultcore: constructing seal manager: %w", err)
	}

	signer, err := buildAuditSigner(cfg, sealMgr)
	if err != nil {
		return nil, fmt.Errorf("vaultcore: building audit signer: %w", err)
	}
	auditStore := audit.NewStore(pool, signer)

	secretStore := secretstore.NewStore(pool)
	policyStore := policy.NewStore(pool)
	policyEngine := policy.NewEngine(policyStore)
	secretsMgr := secretstore.NewManager(secretStore, sealMgr, auditStore, policyEngine)

	leaseStore := lease.NewStore(pool)
	engines := lease.Registry{
		"reference": dynamicengine.WithTimeout{Engine: dynamicengine.NewInMemory(), Timeout: cfg.EngineTimeout()},
	}
	leaseMgr := lease.NewManager(leaseStore, sealMgr, auditStore, engines, cfg.MaxConcurrentRevocationsPerEngine)
	sweeper := lease.NewSweeper(leaseStore, leaseMgr)

	caKey, caCert, err := agent.NewSelfSignedCA("vaultkernel", cfg.AgentCertValidity)
	if err != nil {
		return nil, fmt.Errorf("vaultcore: generating issuing CA: %w", err)
	}
	certIssuer := agent.NewCertIssuer(caKey, caCert, cfg.AgentCertValidity)
	agentStore := agent.NewStore(pool)
	agentsMgr := agent.NewManager(agentStore, certIssuer, sealMgr, auditStore)

	rotationStore := rotation.NewStore(pool)
	rotators := rotation.Registry{
		"secret": rotation.NewSecretRotator(secretsMgr, rotation.DefaultGenerator{}),
	}
	dispatcher := rotation.NewDispatcher(rotationStore, rotators, nil)

	return &Core{
		Seal:          sealMgr,
		Audit:         auditStore,
		Secrets:       secretsMgr,
		Policies:      policyEngine,
		PolicyStore:   policyStore,
		Leases:        leaseMgr,
		Sweeper:       sweeper,
		Agents:        agentsMgr,
		Rotation:      dispatcher,
		RotationStore: rotationStore,
	}, nil
}

// Run starts the background actors that must run regardless of transport
// (spec §1: cron scheduling is the only part named out of scope — the
// dispatch/sweep loops themselves are core, spec §4.6/§4.8). It blocks until
// ctx is canceled.
func (c *Core) Run(ctx context.Context, sweepInterval, rotationInterval time.Duration) {
	done := make(chan struct{}, 2)
	go func() {
		c.Sweeper.Run(ctx, sweepInterval)
		done <- struct{}{}
	}()
	go func() {
		c.Rotation.Run(ctx, rotationInterval)
		done <- struct{}{}
	}()
	<-ctx.Done()
	<-done
	<-done
}

// Close releases the seal actor's goroutine. Call once during shutdown,
// after Run has returned.
func (c *Core) Close() {
	c.Seal.Close()
}

func buildKMS(cfg *config.Config) (seal.KMSUnseal, error) {
	switch cfg.AutoUnsealProvider {
	case "", "none":
		return kmsengine.None{}, nil
	case "static":
		key, err := cfg.AutoUnsealStaticKey()
		if err != nil {
			return nil, err
		}
		if len(key) != 32 {
			return nil, fmt.Errorf("auto_unseal.provider=static requires a 32-byte AUTO_UNSEAL_STATIC_KEY_HEX")
		}
		return kmsengine.Static{Key: key}, nil
	default:
		// aws_kms/gcp_kms/azure_kv: cloud provider SDKs are out of scope
		// (spec §1); a deployment naming one of these must supply its own
		// seal.KMSUnseal implementation at the host-program boundary.
		return nil, fmt.Errorf("auto_unseal.provider %q has no in-core implementation (cloud KMS drivers are pluggable, not core)", cfg.AutoUnsealProvider)
	}
}

func buildAuditSigner(cfg *config.Config, sealMgr *seal.Manager) (audit.Signer, error) {
	switch cfg.AuditSigningKeySource {
	case "", "derive_from_mk":
		return audit.NewMKDerivedSigner(sealMgr), nil
	case "static":
		key, err := cfg.AuditSigningStaticKey()
		if err != nil {
			return nil, err
		}
		if len(key) == 0 {
			return nil, fmt.Errorf("audit_signing_key_source=static requires AUDIT_SIGNING_STATIC_KEY_HEX")
		}
		return &audit.StaticSigner{Key: key}, nil
	default:
		return nil, fmt.Errorf("unknown audit_signing_key_source %q", cfg.AuditSigningKeySource)
	}
}
