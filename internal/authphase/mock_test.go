package authphase

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/hitoshi/linkpay/internal/cache"
	"github.com/hitoshi/linkpay/internal/clock"
	"github.com/hitoshi/linkpay/internal/identity"
	"github.com/hitoshi/linkpay/internal/model"
)

// --- モック定義 ---

type mockProfileStore struct {
	mu    sync.Mutex
	calls []string

	getByIdentityFn func(ctx context.Context, id string) (*model.Profile, error)
	getByEmailFn    func(ctx context.Context, email string) (*model.Profile, error)
	getByUsernameFn func(ctx context.Context, username string) (*model.Profile, error)
	isTakenFn       func(ctx context.Context, username string) (bool, error)
	createFn        func(ctx context.Context, p model.NewProfile) (*model.Profile, error)
	migrateFn       func(ctx context.Context, existing *model.Profile, newID string) (*model.Profile, error)
	updateFn        func(ctx context.Context, id string, u model.ProfileUpdate) (*model.Profile, error)
}

func (m *mockProfileStore) record(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, name)
}

func (m *mockProfileStore) Calls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.calls...)
}

func (m *mockProfileStore) count(name string) int {
	n := 0
	for _, c := range m.Calls() {
		if c == name {
			n++
		}
	}
	return n
}

func (m *mockProfileStore) GetProfileByIdentityID(ctx context.Context, id string) (*model.Profile, error) {
	m.record("GetProfileByIdentityID")
	if m.getByIdentityFn != nil {
		return m.getByIdentityFn(ctx, id)
	}
	return nil, nil
}

func (m *mockProfileStore) GetProfileByEmail(ctx context.Context, email string) (*model.Profile, error) {
	m.record("GetProfileByEmail")
	if m.getByEmailFn != nil {
		return m.getByEmailFn(ctx, email)
	}
	return nil, nil
}

func (m *mockProfileStore) GetProfileByUsername(ctx context.Context, username string) (*model.Profile, error) {
	m.record("GetProfileByUsername")
	if m.getByUsernameFn != nil {
		return m.getByUsernameFn(ctx, username)
	}
	return nil, nil
}

func (m *mockProfileStore) IsUsernameTaken(ctx context.Context, username string) (bool, error) {
	m.record("IsUsernameTaken")
	if m.isTakenFn != nil {
		return m.isTakenFn(ctx, username)
	}
	return false, nil
}

func (m *mockProfileStore) CreateProfile(ctx context.Context, p model.NewProfile) (*model.Profile, error) {
	m.record("CreateProfile")
	if m.createFn != nil {
		return m.createFn(ctx, p)
	}
	return &model.Profile{ID: "p-new", AuthUserID: p.IdentityID, Username: p.Username, Handle: p.Handle}, nil
}

func (m *mockProfileStore) MigrateIdentityID(ctx context.Context, existing *model.Profile, newID string) (*model.Profile, error) {
	m.record("MigrateIdentityID")
	if m.migrateFn != nil {
		return m.migrateFn(ctx, existing, newID)
	}
	out := *existing
	out.AuthUserID = newID
	return &out, nil
}

func (m *mockProfileStore) UpdateProfile(ctx context.Context, id string, u model.ProfileUpdate) (*model.Profile, error) {
	m.record("UpdateProfile")
	if m.updateFn != nil {
		return m.updateFn(ctx, id, u)
	}
	return nil, nil
}

// storeWrites はプロフィールストアへの書き込み呼び出し数を返す。
func (m *mockProfileStore) storeWrites() int {
	return m.count("CreateProfile") + m.count("MigrateIdentityID") + m.count("UpdateProfile")
}

type mockReferrals struct {
	mu    sync.Mutex
	codes []string
	err   error
}

func (m *mockReferrals) ApplyReferralCode(_ context.Context, code, identityID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.codes = append(m.codes, code+":"+identityID)
	return m.err
}

type recordingRecorder struct {
	mu          sync.Mutex
	transitions []model.Phase
	dropped     []model.Phase
	commits     int
	outcomes    []string
}

func (r *recordingRecorder) RecordTransition(p model.Phase) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transitions = append(r.transitions, p)
}

func (r *recordingRecorder) RecordDroppedTransition(p model.Phase) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dropped = append(r.dropped, p)
}

func (r *recordingRecorder) RecordCommit() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.commits++
}

func (r *recordingRecorder) RecordResolution(outcome string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcomes = append(r.outcomes, outcome)
}

func (r *recordingRecorder) Transitions() []model.Phase {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]model.Phase(nil), r.transitions...)
}

func (r *recordingRecorder) Commits() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.commits
}

func (r *recordingRecorder) Outcomes() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.outcomes...)
}

// --- テストヘルパー ---

type harness struct {
	machine  *Machine
	source   *identity.Source
	store    *mockProfileStore
	cache    *cache.MemoryStore
	clock    *clock.Manual
	recorder *recordingRecorder
	refs     *mockReferrals
}

func newHarness(t *testing.T, initial model.ProviderState) *harness {
	t.Helper()

	h := &harness{
		source:   identity.NewSource(initial),
		store:    &mockProfileStore{},
		cache:    cache.NewMemoryStore(),
		clock:    clock.NewManual(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)),
		recorder: &recordingRecorder{},
		refs:     &mockReferrals{},
	}
	h.machine = New(Deps{
		Provider:  h.source,
		Profiles:  h.store,
		Referrals: h.refs,
		Cache:     h.cache,
		Clock:     h.clock,
		Logger:    slog.New(slog.NewJSONHandler(io.Discard, nil)),
		Recorder:  h.recorder,
	}, DefaultConfig())
	t.Cleanup(func() {
		h.machine.Close()
		h.machine.Wait()
	})
	return h
}

func (h *harness) seed(t *testing.T, kv map[string]string) {
	t.Helper()
	for k, v := range kv {
		if err := h.cache.Set(context.Background(), k, v); err != nil {
			t.Fatalf("seed cache: %v", err)
		}
	}
}

func (h *harness) cached(key string) string {
	v, _, _ := h.cache.Get(context.Background(), key)
	return v
}

// set はIdPの状態を更新してObserveを呼ぶ。
func (h *harness) set(st model.ProviderState) {
	h.source.Set(st)
	h.machine.Observe()
}

func fullyAuthenticated(userID, email string) model.ProviderState {
	return model.ProviderState{
		IsConnected: true,
		Embedded:    &model.EmbeddedState{IsConnected: true, UserID: userID, Email: email},
		Wallet:      &model.WalletState{UserID: userID, Address: "0xwallet"},
	}
}

func partiallyConnected() model.ProviderState {
	return model.ProviderState{
		IsConnected: true,
		Embedded:    &model.EmbeddedState{IsConnected: false},
	}
}

func disconnected() model.ProviderState {
	return model.ProviderState{}
}

func assertPhase(t *testing.T, m *Machine, want model.Phase) {
	t.Helper()
	if got := m.Phase(); got != want {
		t.Errorf("Phase() = %q, want %q", got, want)
	}
}
