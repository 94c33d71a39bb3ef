package dynamicengine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/wisbric/vaultkernel/internal/lease"
)

func TestInMemoryIssueRevokeIdempotent(t *testing.T) {
	e := NewInMemory()
	creds, err := e.Issue(context.Background(), "readonly", time.Minute)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if len(creds) == 0 {
		t.Fatal("expected non-empty credentials")
	}
	if err := e.Revoke(context.Background(), creds); err != nil {
		t.Fatalf("first revoke: %v", err)
	}
	if err := e.Revoke(context.Background(), creds); err != nil {
		t.Fatalf("second revoke must also succeed (idempotent): %v", err)
	}
}

type slowEngine struct{ delay time.Duration }

func (s slowEngine) Issue(ctx context.Context, role string, ttl time.Duration) (lease.Credentials, error) {
	select {
	case <-time.After(s.delay):
		return lease.Credentials("ok"), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
func (s slowEngine) Renew(ctx context.Context, creds lease.Credentials, newTTL time.Duration) error {
	return nil
}
func (s slowEngine) Revoke(ctx context.Context, creds lease.Credentials) error { return nil }
func (s slowEngine) ValidateConfig(cfg map[string]any) error                  { return nil }

func TestWithTimeoutBoundsSlowEngine(t *testing.T) {
	w := WithTimeout{Engine: slowEngine{delay: 50 * time.Millisecond}, Timeout: 5 * time.Millisecond}
	_, err := w.Issue(context.Background(), "role", time.Minute)
	if err == nil || !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}
