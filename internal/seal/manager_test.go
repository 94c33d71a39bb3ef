package seal

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// noopIdleTimer never fires; unit tests don't need the Redis-backed
// abandonment window, only the state-transition logic.
type noopIdleTimer struct{ ch chan struct{} }

func newNoopIdleTimer() *noopIdleTimer       { return &noopIdleTimer{ch: make(chan struct{})} }
func (t *noopIdleTimer) Reset(context.Context) error { return nil }
func (t *noopIdleTimer) Clear(context.Context) error { return nil }
func (t *noopIdleTimer) Expired() <-chan struct{}    { return t.ch }

// errNotFound stands in for store.ErrNotFound so this package's tests don't
// need to import internal/store just for one sentinel.
var errNotFound = errors.New("not found")

// fakeConfigStore is an in-memory configStore so these tests exercise the
// actor's state-transition logic without a live Postgres connection.
type fakeConfigStore struct {
	mu  sync.Mutex
	cfg *Config
}

func (f *fakeConfigStore) Load(ctx context.Context) (*Config, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.cfg == nil {
		return nil, errNotFound
	}
	return f.cfg, nil
}

func (f *fakeConfigStore) Save(ctx context.Context, cfg *Config) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cfg = cfg
	return nil
}

func newScenarioManager(t *testing.T) *Manager {
	t.Helper()
	m := &Manager{
		store: &fakeConfigStore{},
		idle:  newNoopIdleTimer(),
		cmds:  make(chan func(*actorState), 16),
		done:  make(chan struct{}),
	}
	go m.run(&actorState{status: StateUninitialized, progress: map[byte][]byte{}})
	t.Cleanup(m.Close)
	return m
}

// 5 shares, threshold 3, out-of-order reassembly.
func TestSealUnsealScenario(t *testing.T) {
	s := newScenarioManager(t)
	ctx := context.Background()

	shares, err := s.Initialize(ctx, 5, 3)
	if err != nil {
		t.Fatalf("Initialize() error: %v", err)
	}
	if len(shares) != 5 {
		t.Fatalf("Initialize() returned %d shares, want 5", len(shares))
	}

	if _, err := s.Initialize(ctx, 5, 3); !errors.Is(err, ErrAlreadyInitialized) {
		t.Errorf("second Initialize() error = %v, want ErrAlreadyInitialized", err)
	}

	state, progress, err := s.SubmitShare(ctx, shares[0])
	if err != nil {
		t.Fatalf("SubmitShare(1) error: %v", err)
	}
	if state != StateSealed || progress != 1 {
		t.Errorf("after 1 share: state=%v progress=%d, want Sealed/1", state, progress)
	}

	state, progress, err = s.SubmitShare(ctx, shares[1])
	if err != nil {
		t.Fatalf("SubmitShare(2) error: %v", err)
	}
	if state != StateSealed || progress != 2 {
		t.Errorf("after 2 shares: state=%v progress=%d, want Sealed/2", state, progress)
	}

	state, _, err = s.SubmitShare(ctx, shares[2])
	if err != nil {
		t.Fatalf("SubmitShare(3) error: %v", err)
	}
	if state != StateUnsealed {
		t.Fatalf("after 3 shares: state=%v, want Unsealed", state)
	}

	if err := s.Seal(ctx); err != nil {
		t.Fatalf("Seal() error: %v", err)
	}
	got, err := s.Status(ctx)
	if err != nil {
		t.Fatalf("Status() error: %v", err)
	}
	if got != StateSealed {
		t.Fatalf("Status() = %v, want Sealed", got)
	}

	// Re-unseal with a different subset: shares[0], shares[4], shares[2].
	if _, _, err := s.SubmitShare(ctx, shares[0]); err != nil {
		t.Fatalf("re-unseal share 1: %v", err)
	}
	if _, _, err := s.SubmitShare(ctx, shares[4]); err != nil {
		t.Fatalf("re-unseal share 2: %v", err)
	}
	state, _, err = s.SubmitShare(ctx, shares[2])
	if err != nil {
		t.Fatalf("re-unseal share 3: %v", err)
	}
	if state != StateUnsealed {
		t.Fatalf("re-unseal final state = %v, want Unsealed", state)
	}
}

func TestSubmitShareRejectsDuplicate(t *testing.T) {
	s := newScenarioManager(t)
	ctx := context.Background()
	shares, err := s.Initialize(ctx, 5, 3)
	if err != nil {
		t.Fatalf("Initialize() error: %v", err)
	}
	if _, _, err := s.SubmitShare(ctx, shares[0]); err != nil {
		t.Fatalf("first submit: %v", err)
	}
	if _, _, err := s.SubmitShare(ctx, shares[0]); !errors.Is(err, ErrShareAlreadySubmitted) {
		t.Errorf("duplicate submit error = %v, want ErrShareAlreadySubmitted", err)
	}
}

func TestSealedEnforcement(t *testing.T) {
	s := newScenarioManager(t)
	ctx := context.Background()
	if _, _, err := s.SubmitShare(ctx, Share{X: 1, Y: make([]byte, 32)}); !errors.Is(err, ErrNotInitialized) {
		t.Errorf("SubmitShare before init error = %v, want ErrNotInitialized", err)
	}

	if err := s.BorrowMK(ctx, func(mk []byte) error { return nil }); err == nil {
		t.Error("BorrowMK on an uninitialized vault should fail")
	}
}

func TestBorrowBlocksSealUntilReleased(t *testing.T) {
	s := newScenarioManager(t)
	ctx := context.Background()
	shares, err := s.Initialize(ctx, 3, 2)
	if err != nil {
		t.Fatalf("Initialize() error: %v", err)
	}
	if _, _, err := s.SubmitShare(ctx, shares[0]); err != nil {
		t.Fatalf("submit share 1: %v", err)
	}
	if _, _, err := s.SubmitShare(ctx, shares[1]); err != nil {
		t.Fatalf("submit share 2: %v", err)
	}

	released := make(chan struct{})
	borrowErr := make(chan error, 1)
	go func() {
		borrowErr <- s.BorrowMK(ctx, func(mk []byte) error {
			<-released
			return nil
		})
	}()

	sealDone := make(chan error, 1)
	go func() {
		sealDone <- s.Seal(ctx)
	}()

	time.Sleep(20 * time.Millisecond)
	select {
	case <-sealDone:
		t.Fatal("Seal() returned before the outstanding borrow was released")
	default:
	}

	close(released)
	if err := <-borrowErr; err != nil {
		t.Fatalf("BorrowMK() error: %v", err)
	}
	if err := <-sealDone; err != nil {
		t.Fatalf("Seal() error: %v", err)
	}
}
