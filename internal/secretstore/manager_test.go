package secretstore

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/wisbric/vaultkernel/internal/audit"
	"github.com/wisbric/vaultkernel/internal/cryptoengine"
	"github.com/wisbric/vaultkernel/internal/policy"
	"github.com/wisbric/vaultkernel/internal/store"
)

// fakeVault is a minimal in-process mkBorrower standing in for seal.Manager.
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

// fakeAudit records every appended entry; tests assert on its contents
// rather than a live Postgres-backed audit.Store.
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

// fakePolicyEvaluator lets tests control EvaluateAccess's verdict directly,
// rather than running the real policy.Engine against bound policies.
type fakePolicyEvaluator struct {
	decision policy.Decision
}

func (f *fakePolicyEvaluator) EvaluateAccess(ctx context.Context, entityID, path string, op policy.Op, reqCtx policy.RequestContext) (policy.Decision, error) {
	return f.decision, nil
}

// memStore is an in-memory secretStore, enough to exercise Manager's crypto
// and audit orchestration without a live Postgres connection.
type memStore struct {
	mu       sync.Mutex
	byPath   map[string]uuid.UUID
	current  map[uuid.UUID]*memRecord
	versions map[uuid.UUID]map[int]envelopePair
}

type memRecord struct {
	sec  Secret
	pair envelopePair
}

func newMemStore() *memStore {
	return &memStore{
		byPath:   map[string]uuid.UUID{},
		current:  map[uuid.UUID]*memRecord{},
		versions: map[uuid.UUID]map[int]envelopePair{},
	}
}

func (m *memStore) Insert(ctx context.Context, sec *Secret, pair envelopePair) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.byPath[sec.Path]; exists {
		return store.ErrDuplicate
	}
	m.byPath[sec.Path] = sec.ID
	m.current[sec.ID] = &memRecord{sec: *sec, pair: pair}
	return nil
}

func (m *memStore) GetByPath(ctx context.Context, path string) (*Secret, envelopePair, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byPath[path]
	if !ok {
		return nil, envelopePair{}, store.ErrNotFound
	}
	rec := m.current[id]
	sec := rec.sec
	return &sec, rec.pair, nil
}

func (m *memStore) GetByID(ctx context.Context, id uuid.UUID) (*Secret, envelopePair, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.current[id]
	if !ok {
		return nil, envelopePair{}, store.ErrNotFound
	}
	sec := rec.sec
	return &sec, rec.pair, nil
}

func (m *memStore) ArchiveAndAdvance(ctx context.Context, secretID uuid.UUID, archived *Secret, archivedPair envelopePair, newVersion int, newPair envelopePair, updatedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.versions[secretID]; !ok {
		m.versions[secretID] = map[int]envelopePair{}
	}
	m.versions[secretID][archived.Version] = archivedPair

	rec, ok := m.current[secretID]
	if !ok {
		return store.ErrNotFound
	}
	rec.sec.Version = newVersion
	rec.sec.UpdatedAt = updatedAt
	rec.pair = newPair
	return nil
}

func (m *memStore) GetVersion(ctx context.Context, secretID uuid.UUID, version int) (envelopePair, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	byVersion, ok := m.versions[secretID]
	if !ok {
		return envelopePair{}, store.ErrNotFound
	}
	pair, ok := byVersion[version]
	if !ok {
		return envelopePair{}, store.ErrNotFound
	}
	return pair, nil
}

func (m *memStore) PruneOldVersions(ctx context.Context, secretID uuid.UUID, keepVersions, keepDays int, now time.Time) (deleted, kept int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	byVersion := m.versions[secretID]
	kept = len(byVersion)
	return 0, kept, nil
}

func newTestManager(t *testing.T, vault mkBorrower, auditLog auditAppender, policySrc accessEvaluator) *Manager {
	t.Helper()
	return NewManager(newMemStore(), vault, auditLog, policySrc)
}

func TestCreateThenReadDecrypted(t *testing.T) {
	ctx := context.Background()
	vault := newFakeVault(t)
	auditLog := &fakeAudit{}
	mgr := newTestManager(t, vault, auditLog, nil)

	data := []byte(`{"username":"admin","password":"s3cr3t"}`)
	sec, err := mgr.Create(ctx, "prod.db.pg.password", "pg password", KindStatic, data, nil)
	if err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	if sec.Version != 1 {
		t.Fatalf("Version = %d, want 1", sec.Version)
	}

	_, pair, err := mgr.store.GetByPath(ctx, "prod.db.pg.password")
	if err != nil {
		t.Fatal(err)
	}
	if bytes.Contains(pair.Payload.Ciphertext, []byte("s3cr3t")) {
		t.Error("stored ciphertext must not contain the plaintext password")
	}

	_, pt, err := mgr.ReadDecrypted(ctx, "prod.db.pg.password")
	if err != nil {
		t.Fatalf("ReadDecrypted() error: %v", err)
	}
	if !bytes.Equal(pt.Raw, data) {
		t.Errorf("decrypted payload = %s, want %s", pt.Raw, data)
	}

	foundCreated := false
	for _, e := range auditLog.entries {
		if e.EventType == "secret.created" {
			foundCreated = true
		}
	}
	if !foundCreated {
		t.Error("expected a secret.created audit entry")
	}
}

func TestUpdateAndRollback(t *testing.T) {
	ctx := context.Background()
	vault := newFakeVault(t)
	auditLog := &fakeAudit{}
	mgr := newTestManager(t, vault, auditLog, nil)

	v1 := []byte(`{"password":"v1"}`)
	if _, err := mgr.Create(ctx, "prod.api.key", "api key", KindStatic, v1, nil); err != nil {
		t.Fatal(err)
	}

	var lastVersion int
	for i := 2; i <= 6; i++ {
		sec, err := mgr.Update(ctx, "prod.api.key", []byte(`{"password":"v`+string(rune('0'+i))+`"}`))
		if err != nil {
			t.Fatalf("Update() #%d error: %v", i, err)
		}
		lastVersion = sec.Version
	}
	if lastVersion != 6 {
		t.Fatalf("after 5 updates, version = %d, want 6", lastVersion)
	}

	sec, err := mgr.Rollback(ctx, "prod.api.key", 1)
	if err != nil {
		t.Fatalf("Rollback() error: %v", err)
	}
	if sec.Version != 7 {
		t.Fatalf("Rollback() version = %d, want 7", sec.Version)
	}

	_, pt, err := mgr.ReadDecrypted(ctx, "prod.api.key")
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(pt.Raw, v1) {
		t.Errorf("rolled-back plaintext = %s, want %s", pt.Raw, v1)
	}
}

func TestGetSecretForEntityDeny(t *testing.T) {
	ctx := context.Background()
	vault := newFakeVault(t)
	auditLog := &fakeAudit{}
	policySrc := &fakePolicyEvaluator{decision: policy.Decision{Allow: false, Reason: "no matching policy"}}
	mgr := newTestManager(t, vault, auditLog, policySrc)

	if _, err := mgr.Create(ctx, "prod.db.pg.password", "pg", KindStatic, []byte(`{}`), nil); err != nil {
		t.Fatal(err)
	}

	_, _, err := mgr.GetSecretForEntity(ctx, "agent-b", "prod.db.pg.password", policy.RequestContext{})
	if err == nil {
		t.Fatal("expected access denied error")
	}
	var denied *AccessDeniedError
	if !errors.As(err, &denied) {
		t.Fatalf("error = %v, want *AccessDeniedError", err)
	}
}

func TestReadDecryptedWhileSealed(t *testing.T) {
	ctx := context.Background()
	vault := newFakeVault(t)
	auditLog := &fakeAudit{}
	mgr := newTestManager(t, vault, auditLog, nil)

	if _, err := mgr.Create(ctx, "prod.cache.token", "token", KindStatic, []byte(`{}`), nil); err != nil {
		t.Fatal(err)
	}

	vault.mu.Lock()
	vault.sealed = true
	vault.mu.Unlock()

	if _, _, err := mgr.ReadDecrypted(ctx, "prod.cache.token"); !errors.Is(err, store.ErrSealed) {
		t.Errorf("ReadDecrypted() while sealed error = %v, want store.ErrSealed", err)
	}
}
