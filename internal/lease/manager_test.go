package lease

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/wisbric/vaultkernel/internal/audit"
	"github.com/wisbric/vaultkernel/internal/cryptoengine"
	"github.com/wisbric/vaultkernel/internal/store"
)

type fakeVault struct {
	mu     sync.Mutex
	mk     []byte
	sealed bool
}

func newFakeVault(t *testing.T) *fakeVault {
	t.Helper()
	mk, err := cryptoengine.GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	return &fakeVault{mk: mk}
}

func (v *fakeVault) BorrowMK(ctx context.Context, fn func(mk []byte) error) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.sealed {
		return store.ErrSealed
	}
	return fn(v.mk)
}

type fakeAudit struct {
	mu      sync.Mutex
	entries []audit.AppendRequest
}

func (f *fakeAudit) Append(ctx context.Context, req audit.AppendRequest) (*audit.Entry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries = append(f.entries, req)
	return &audit.Entry{EventType: req.EventType}, nil
}

func (f *fakeAudit) has(eventType string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, e := range f.entries {
		if e.EventType == eventType {
			return true
		}
	}
	return false
}

// fakeEngine is an in-memory DynamicEngine whose Revoke can be scripted to
// fail a fixed number of times before succeeding.
type fakeEngine struct {
	mu          sync.Mutex
	revokeFails int
	revokeCalls int
	issued      [][]byte
}

func (e *fakeEngine) Issue(ctx context.Context, role string, ttl time.Duration) (Credentials, error) {
	return Credentials(fmt.Sprintf("%s-token", role)), nil
}

func (e *fakeEngine) Renew(ctx context.Context, creds Credentials, newTTL time.Duration) error {
	return nil
}

func (e *fakeEngine) Revoke(ctx context.Context, creds Credentials) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.revokeCalls++
	if e.revokeCalls <= e.revokeFails {
		return errors.New("revoke: simulated driver failure")
	}
	return nil
}

func (e *fakeEngine) ValidateConfig(cfg map[string]any) error { return nil }

// memLeaseStore is an in-memory leaseStore + sweepStore, enough to exercise
// Manager and Sweeper without a live Postgres connection.
type memLeaseStore struct {
	mu     sync.Mutex
	leases map[uuid.UUID]*Lease
}

func newMemLeaseStore() *memLeaseStore {
	return &memLeaseStore{leases: map[uuid.UUID]*Lease{}}
}

func (s *memLeaseStore) Insert(ctx context.Context, l *Lease) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *l
	s.leases[l.ID] = &cp
	return nil
}

func (s *memLeaseStore) Get(ctx context.Context, id uuid.UUID) (*Lease, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.leases[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *l
	return &cp, nil
}

func (s *memLeaseStore) UpdateStatus(ctx context.Context, id uuid.UUID, status Status, revokeAttempts int, nextRetryAt *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.leases[id]
	if !ok {
		return store.ErrNotFound
	}
	l.Status = status
	l.RevokeAttempts = revokeAttempts
	l.NextRetryAt = nextRetryAt
	return nil
}

func (s *memLeaseStore) SetRevoking(ctx context.Context, id uuid.UUID, terminal Status, revokeAttempts int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.leases[id]
	if !ok {
		return store.ErrNotFound
	}
	l.Status = StatusRevoking
	l.TerminalStatus = terminal
	l.RevokeAttempts = revokeAttempts
	return nil
}

func (s *memLeaseStore) UpdateRenewal(ctx context.Context, id uuid.UUID, newTTL time.Duration, newExpiresAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.leases[id]
	if !ok {
		return store.ErrNotFound
	}
	l.Status = StatusActive
	l.TTL = newTTL
	l.ExpiresAt = newExpiresAt
	return nil
}

func (s *memLeaseStore) ClaimExpired(ctx context.Context, now time.Time, fn func(l *Lease) error) error {
	s.mu.Lock()
	var due []*Lease
	for _, l := range s.leases {
		if l.Status == StatusActive && !l.ExpiresAt.After(now) {
			l.Status = StatusRevoking
			l.TerminalStatus = StatusExpired
			cp := *l
			due = append(due, &cp)
		}
	}
	s.mu.Unlock()
	for _, l := range due {
		if err := fn(l); err != nil {
			return err
		}
	}
	return nil
}

func (s *memLeaseStore) ClaimRevokeFailed(ctx context.Context, now time.Time, fn func(l *Lease) error) error {
	s.mu.Lock()
	var due []*Lease
	for _, l := range s.leases {
		if l.Status == StatusRevokeFailed && l.NextRetryAt != nil && !l.NextRetryAt.After(now) {
			l.Status = StatusRevoking
			cp := *l
			due = append(due, &cp)
		}
	}
	s.mu.Unlock()
	for _, l := range due {
		if err := fn(l); err != nil {
			return err
		}
	}
	return nil
}

func newTestManager(st leaseStore, vault mkBorrower, auditLog auditAppender, engines Registry) *Manager {
	return NewManager(st, vault, auditLog, engines, 2)
}

func TestCreateLeaseIssuesAndPersists(t *testing.T) {
	ctx := context.Background()
	vault := newFakeVault(t)
	auditLog := &fakeAudit{}
	engine := &fakeEngine{}
	st := newMemLeaseStore()
	mgr := newTestManager(st, vault, auditLog, Registry{"postgres-dynamic": engine})

	l, err := mgr.CreateLease(ctx, CreateAttrs{
		EngineType: "postgres-dynamic",
		Role:       "readonly",
		TTL:        time.Hour,
		MaxTTL:     4 * time.Hour,
		Renewable:  true,
	})
	if err != nil {
		t.Fatalf("CreateLease() error: %v", err)
	}
	if l.Status != StatusActive {
		t.Errorf("Status = %s, want active", l.Status)
	}
	if !auditLog.has("lease.created") {
		t.Error("expected a lease.created audit entry")
	}

	stored, err := st.Get(ctx, l.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.CredentialsEnv.Ciphertext == nil {
		t.Error("expected encrypted credentials to be persisted")
	}
}

func TestCreateLeaseUnknownEngine(t *testing.T) {
	ctx := context.Background()
	mgr := newTestManager(newMemLeaseStore(), newFakeVault(t), &fakeAudit{}, Registry{})
	_, err := mgr.CreateLease(ctx, CreateAttrs{EngineType: "nope", Role: "x", TTL: time.Minute, MaxTTL: time.Hour})
	if !errors.Is(err, ErrUnknownEngine) {
		t.Fatalf("error = %v, want ErrUnknownEngine", err)
	}
}

func TestRenewLeaseExtendsUpToMaxTTL(t *testing.T) {
	ctx := context.Background()
	vault := newFakeVault(t)
	engine := &fakeEngine{}
	st := newMemLeaseStore()
	mgr := newTestManager(st, vault, &fakeAudit{}, Registry{"db": engine})

	l, err := mgr.CreateLease(ctx, CreateAttrs{
		EngineType: "db", Role: "r", TTL: time.Hour, MaxTTL: 90 * time.Minute, Renewable: true,
	})
	if err != nil {
		t.Fatal(err)
	}

	renewed, err := mgr.RenewLease(ctx, l.ID, time.Hour)
	if err != nil {
		t.Fatalf("RenewLease() error: %v", err)
	}
	if renewed.TTL != 90*time.Minute {
		t.Errorf("TTL = %v, want capped at MaxTTL 90m", renewed.TTL)
	}
}

func TestRenewLeaseNotRenewable(t *testing.T) {
	ctx := context.Background()
	st := newMemLeaseStore()
	mgr := newTestManager(st, newFakeVault(t), &fakeAudit{}, Registry{"db": &fakeEngine{}})

	l, err := mgr.CreateLease(ctx, CreateAttrs{EngineType: "db", Role: "r", TTL: time.Hour, MaxTTL: time.Hour, Renewable: false})
	if err != nil {
		t.Fatal(err)
	}
	_, err = mgr.RenewLease(ctx, l.ID, time.Hour)
	var renewErr *RenewFailedError
	if !errors.As(err, &renewErr) {
		t.Fatalf("error = %v, want *RenewFailedError", err)
	}
}

func TestRevokeLeaseSucceeds(t *testing.T) {
	ctx := context.Background()
	auditLog := &fakeAudit{}
	engine := &fakeEngine{}
	st := newMemLeaseStore()
	mgr := newTestManager(st, newFakeVault(t), auditLog, Registry{"db": engine})

	l, err := mgr.CreateLease(ctx, CreateAttrs{EngineType: "db", Role: "r", TTL: time.Hour, MaxTTL: time.Hour})
	if err != nil {
		t.Fatal(err)
	}
	if err := mgr.RevokeLease(ctx, l.ID); err != nil {
		t.Fatalf("RevokeLease() error: %v", err)
	}

	stored, err := st.Get(ctx, l.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.Status != StatusRevoked {
		t.Errorf("Status = %s, want revoked", stored.Status)
	}
	if !auditLog.has("lease.revoked") {
		t.Error("expected a lease.revoked audit entry")
	}
}

func TestRevokeLeaseSchedulesRetryOnFailure(t *testing.T) {
	ctx := context.Background()
	engine := &fakeEngine{revokeFails: 1}
	st := newMemLeaseStore()
	mgr := newTestManager(st, newFakeVault(t), &fakeAudit{}, Registry{"db": engine})

	l, err := mgr.CreateLease(ctx, CreateAttrs{EngineType: "db", Role: "r", TTL: time.Hour, MaxTTL: time.Hour})
	if err != nil {
		t.Fatal(err)
	}
	if err := mgr.RevokeLease(ctx, l.ID); err != nil {
		t.Fatalf("RevokeLease() error: %v", err)
	}

	stored, err := st.Get(ctx, l.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.Status != StatusRevokeFailed {
		t.Errorf("Status = %s, want revoke_failed", stored.Status)
	}
	if stored.RevokeAttempts != 1 {
		t.Errorf("RevokeAttempts = %d, want 1", stored.RevokeAttempts)
	}
	if stored.NextRetryAt == nil {
		t.Fatal("expected NextRetryAt to be scheduled")
	}
}

func TestRevokeLeaseOrphansAfterMaxAttempts(t *testing.T) {
	ctx := context.Background()
	auditLog := &fakeAudit{}
	engine := &fakeEngine{revokeFails: maxRevokeAttempts}
	st := newMemLeaseStore()
	mgr := newTestManager(st, newFakeVault(t), auditLog, Registry{"db": engine})

	l, err := mgr.CreateLease(ctx, CreateAttrs{EngineType: "db", Role: "r", TTL: time.Hour, MaxTTL: time.Hour})
	if err != nil {
		t.Fatal(err)
	}

	cur := l
	for i := 0; i < maxRevokeAttempts; i++ {
		if err := mgr.revoke(ctx, cur, StatusRevoked); err != nil {
			t.Fatalf("revoke() attempt %d error: %v", i, err)
		}
		cur, err = st.Get(ctx, l.ID)
		if err != nil {
			t.Fatal(err)
		}
	}
	if cur.Status != StatusOrphaned {
		t.Errorf("Status = %s, want orphaned", cur.Status)
	}
	if !auditLog.has("lease.orphaned") {
		t.Error("expected a lease.orphaned audit entry")
	}
}

func TestRevokeLeaseWhileSealed(t *testing.T) {
	ctx := context.Background()
	vault := newFakeVault(t)
	st := newMemLeaseStore()
	mgr := newTestManager(st, vault, &fakeAudit{}, Registry{"db": &fakeEngine{}})

	l, err := mgr.CreateLease(ctx, CreateAttrs{EngineType: "db", Role: "r", TTL: time.Hour, MaxTTL: time.Hour})
	if err != nil {
		t.Fatal(err)
	}

	vault.mu.Lock()
	vault.sealed = true
	vault.mu.Unlock()

	if err := mgr.RevokeLease(ctx, l.ID); !errors.Is(err, store.ErrSealed) {
		t.Errorf("RevokeLease() while sealed error = %v, want store.ErrSealed", err)
	}
}

func TestBackpressureLimitsConcurrentEngineCalls(t *testing.T) {
	ctx := context.Background()
	st := newMemLeaseStore()
	engine := &blockingEngine{release: make(chan struct{})}
	mgr := newTestManager(st, newFakeVault(t), &fakeAudit{}, Registry{"db": engine})

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = mgr.CreateLease(ctx, CreateAttrs{EngineType: "db", Role: "r", TTL: time.Hour, MaxTTL: time.Hour})
		}()
	}

	time.Sleep(50 * time.Millisecond)
	if got := engine.inflight(); got > 2 {
		t.Errorf("concurrent engine calls = %d, want <= 2 (maxPerEngine)", got)
	}
	close(engine.release)
	wg.Wait()
}

// blockingEngine blocks Issue until release is closed, letting the test
// observe how many calls are in flight at once.
type blockingEngine struct {
	mu      sync.Mutex
	cur     int
	max     int
	release chan struct{}
}

func (e *blockingEngine) Issue(ctx context.Context, role string, ttl time.Duration) (Credentials, error) {
	e.mu.Lock()
	e.cur++
	if e.cur > e.max {
		e.max = e.cur
	}
	e.mu.Unlock()
	<-e.release
	e.mu.Lock()
	e.cur--
	e.mu.Unlock()
	return Credentials("tok"), nil
}

func (e *blockingEngine) Renew(ctx context.Context, creds Credentials, newTTL time.Duration) error { return nil }
func (e *blockingEngine) Revoke(ctx context.Context, creds Credentials) error                       { return nil }
func (e *blockingEngine) ValidateConfig(cfg map[string]any) error                                   { return nil }

func (e *blockingEngine) inflight() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.max
}
