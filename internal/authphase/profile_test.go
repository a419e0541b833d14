package authphase

import (
	"context"
	"errors"
	"testing"

	"github.com/hitoshi/linkpay/internal/model"
)

var errStoreDown = errors.New("profile store unavailable")

// commitAndWait は完全な認証状態で起動し、プロフィール解決の完了を待つ。
func commitAndWait(h *harness, userID, email string) {
	h.set(fullyAuthenticated(userID, email))
	h.machine.Wait()
}

func indexOf(calls []string, name string) int {
	for i, c := range calls {
		if c == name {
			return i
		}
	}
	return -1
}

func lastOutcome(t *testing.T, h *harness) string {
	t.Helper()
	outcomes := h.recorder.Outcomes()
	if len(outcomes) == 0 {
		t.Fatal("no resolution outcome recorded")
	}
	return outcomes[len(outcomes)-1]
}

func TestCheckProfile_FoundByIdentity(t *testing.T) {
	h := newHarness(t, model.ProviderState{IsLoading: true})
	h.store.getByIdentityFn = func(_ context.Context, id string) (*model.Profile, error) {
		return &model.Profile{ID: "p1", AuthUserID: id, Username: "alice", Handle: "@alice", Email: "a@example.com"}, nil
	}

	commitAndWait(h, "u1", "a@example.com")

	assertPhase(t, h.machine, model.PhaseAuthenticated)
	if got := lastOutcome(t, h); got != ResolutionByIdentity {
		t.Errorf("outcome = %q, want %q", got, ResolutionByIdentity)
	}
	for key, want := range map[string]string{
		"username":        "alice",
		"username_u1":     "alice",
		"handle_u1":       "@alice",
		"username_set_u1": "true",
	} {
		if got := h.cached(key); got != want {
			t.Errorf("cache[%q] = %q, want %q", key, got, want)
		}
	}
	if n := h.store.count("UpdateProfile"); n != 0 {
		t.Errorf("UpdateProfile called %d times without drift", n)
	}
}

func TestCheckProfile_ReconcilesDrift(t *testing.T) {
	h := newHarness(t, model.ProviderState{IsLoading: true})
	h.store.getByIdentityFn = func(_ context.Context, id string) (*model.Profile, error) {
		return &model.Profile{ID: "p1", AuthUserID: id, Username: "alice", Handle: "@alice", Email: "old@example.com"}, nil
	}
	var gotUpdate model.ProfileUpdate
	h.store.updateFn = func(_ context.Context, id string, u model.ProfileUpdate) (*model.Profile, error) {
		gotUpdate = u
		return nil, errStoreDown
	}

	st := fullyAuthenticated("u1", "new@example.com")
	st.Embedded.ImageURL = "https://img.example.com/a.png"
	h.set(st)
	h.machine.Wait()

	// 差分反映の失敗は無視される
	assertPhase(t, h.machine, model.PhaseAuthenticated)
	if gotUpdate.Email == nil || *gotUpdate.Email != "new@example.com" {
		t.Errorf("update email = %v, want new@example.com", gotUpdate.Email)
	}
	if gotUpdate.ImageURL == nil || *gotUpdate.ImageURL != "https://img.example.com/a.png" {
		t.Errorf("update image = %v", gotUpdate.ImageURL)
	}
}

// IDでの検索が失敗し、メールアドレスで見つかれば付け替えて authenticated
func TestCheckProfile_FallbackOrder_IdentityThenEmail(t *testing.T) {
	h := newHarness(t, model.ProviderState{IsLoading: true})
	h.store.getByEmailFn = func(_ context.Context, email string) (*model.Profile, error) {
		return &model.Profile{ID: "p1", AuthUserID: "old-id", Username: "alice", Handle: "@alice", Email: email}, nil
	}
	var migratedTo string
	h.store.migrateFn = func(_ context.Context, p *model.Profile, newID string) (*model.Profile, error) {
		migratedTo = newID
		out := *p
		out.AuthUserID = newID
		return &out, nil
	}

	commitAndWait(h, "u2", "a@example.com")

	assertPhase(t, h.machine, model.PhaseAuthenticated)
	calls := h.store.Calls()
	byID, byEmail := indexOf(calls, "GetProfileByIdentityID"), indexOf(calls, "GetProfileByEmail")
	if byID < 0 || byEmail < 0 || byID > byEmail {
		t.Errorf("lookup order = %v, want identity before email", calls)
	}
	if migratedTo != "u2" {
		t.Errorf("migrated to %q, want u2", migratedTo)
	}
	if got := lastOutcome(t, h); got != ResolutionByEmail {
		t.Errorf("outcome = %q, want %q", got, ResolutionByEmail)
	}
}

// メールアドレスで見つかったプロフィールのキャッシュが新しいIDで保存される
func TestCheckProfile_EmailMigrationCachesUnderNewIdentity(t *testing.T) {
	h := newHarness(t, model.ProviderState{IsLoading: true})
	h.store.getByEmailFn = func(_ context.Context, email string) (*model.Profile, error) {
		return &model.Profile{ID: "p1", AuthUserID: "old-id", Username: "alice", Handle: "@alice", Email: email}, nil
	}

	commitAndWait(h, "new-id", "a@example.com")

	assertPhase(t, h.machine, model.PhaseAuthenticated)
	if got := h.cached("username_new-id"); got != "alice" {
		t.Errorf("username_new-id = %q, want alice", got)
	}
	if got := h.cached("handle_new-id"); got != "@alice" {
		t.Errorf("handle_new-id = %q, want @alice", got)
	}
	if h.store.count("MigrateIdentityID") != 1 {
		t.Errorf("MigrateIdentityID calls = %d, want 1", h.store.count("MigrateIdentityID"))
	}
}

func TestCheckProfile_EmailMigrationFailureContinues(t *testing.T) {
	h := newHarness(t, model.ProviderState{IsLoading: true})
	h.store.getByEmailFn = func(_ context.Context, email string) (*model.Profile, error) {
		return &model.Profile{ID: "p1", AuthUserID: "old-id", Username: "alice", Handle: "@alice"}, nil
	}
	h.store.migrateFn = func(context.Context, *model.Profile, string) (*model.Profile, error) {
		return nil, errStoreDown
	}

	commitAndWait(h, "u1", "a@example.com")

	// 付け替えに失敗したメール経由のプロフィールは採用せず、新規ユーザー扱いになる
	assertPhase(t, h.machine, model.PhaseUsernameSetup)
	if got := lastOutcome(t, h); got != ResolutionNewUser {
		t.Errorf("outcome = %q, want %q", got, ResolutionNewUser)
	}
}

func TestCheckProfile_RememberedUsername(t *testing.T) {
	h := newHarness(t, model.ProviderState{IsLoading: true})
	h.seed(t, map[string]string{"username": "alice"})
	var lookedUp string
	h.store.getByUsernameFn = func(_ context.Context, username string) (*model.Profile, error) {
		lookedUp = username
		return &model.Profile{ID: "p1", AuthUserID: "old-id", Username: "alice", Handle: "@alice"}, nil
	}

	commitAndWait(h, "u1", "")

	assertPhase(t, h.machine, model.PhaseAuthenticated)
	if lookedUp != "alice" {
		t.Errorf("looked up username %q, want alice", lookedUp)
	}
	if h.store.count("GetProfileByEmail") != 0 {
		t.Error("email lookup should be skipped without a known email")
	}
	if got := lastOutcome(t, h); got != ResolutionByUsername {
		t.Errorf("outcome = %q, want %q", got, ResolutionByUsername)
	}
	if got := h.cached("handle_u1"); got != "@alice" {
		t.Errorf("handle_u1 = %q, want @alice", got)
	}
}

func TestCheckProfile_ScopedCacheMigration(t *testing.T) {
	h := newHarness(t, model.ProviderState{IsLoading: true})
	h.seed(t, map[string]string{
		"username_set_u1": "true",
		"username_u1":     "alice",
		"handle_u1":       "@alice",
	})
	var created model.NewProfile
	h.store.createFn = func(_ context.Context, p model.NewProfile) (*model.Profile, error) {
		created = p
		return &model.Profile{ID: "p1", AuthUserID: p.IdentityID, Username: p.Username, Handle: p.Handle}, nil
	}

	commitAndWait(h, "u1", "a@example.com")

	assertPhase(t, h.machine, model.PhaseAuthenticated)
	if created.IdentityID != "u1" || created.Username != "alice" || created.Handle != "@alice" {
		t.Errorf("created = %+v", created)
	}
	if created.WalletAddress != "0xwallet" || created.Email != "a@example.com" {
		t.Errorf("created profile should carry the live signal fields: %+v", created)
	}
	if got := lastOutcome(t, h); got != ResolutionCacheCreated {
		t.Errorf("outcome = %q, want %q", got, ResolutionCacheCreated)
	}
}

// スコープ付きキャッシュのユーザー名が使用済みなら、フラグを消して username_setup
func TestCheckProfile_UsernameTakenRecovery(t *testing.T) {
	h := newHarness(t, model.ProviderState{IsLoading: true})
	h.seed(t, map[string]string{
		"username_set_u1": "true",
		"username_u1":     "alice",
		"handle_u1":       "@alice",
	})
	h.store.createFn = func(_ context.Context, p model.NewProfile) (*model.Profile, error) {
		return nil, model.NewUsernameTakenError(p.Username)
	}

	commitAndWait(h, "u1", "")

	assertPhase(t, h.machine, model.PhaseUsernameSetup)
	if _, ok, _ := h.cache.Get(context.Background(), "username_set_u1"); ok {
		t.Error("scoped username_set flag should be cleared")
	}
	if got := lastOutcome(t, h); got != ResolutionUsernameTaken {
		t.Errorf("outcome = %q, want %q", got, ResolutionUsernameTaken)
	}
}

func TestCheckProfile_GlobalCacheMigration(t *testing.T) {
	tests := []struct {
		name      string
		createErr error
		wantPhase model.Phase
		want      string
		flagKept  bool
	}{
		{name: "作成成功", createErr: nil, wantPhase: model.PhaseAuthenticated, want: ResolutionCacheCreated, flagKept: true},
		{name: "ユーザー名使用済み", createErr: model.NewUsernameTakenError("legacy"), wantPhase: model.PhaseUsernameSetup, want: ResolutionUsernameTaken, flagKept: false},
		{name: "その他のエラーはキャッシュを信頼", createErr: errStoreDown, wantPhase: model.PhaseAuthenticated, want: ResolutionCacheTrusted, flagKept: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, model.ProviderState{IsLoading: true})
			h.seed(t, map[string]string{
				"username_set": "true",
				"username":     "legacy",
				"handle":       "@legacy",
			})
			// 旧形式のユーザー名はストアに無い
			h.store.getByUsernameFn = func(context.Context, string) (*model.Profile, error) {
				return nil, nil
			}
			if tt.createErr != nil {
				h.store.createFn = func(context.Context, model.NewProfile) (*model.Profile, error) {
					return nil, tt.createErr
				}
			}

			commitAndWait(h, "u1", "")

			assertPhase(t, h.machine, tt.wantPhase)
			if got := lastOutcome(t, h); got != tt.want {
				t.Errorf("outcome = %q, want %q", got, tt.want)
			}
			_, ok, _ := h.cache.Get(context.Background(), "username_set")
			if ok != tt.flagKept {
				t.Errorf("global username_set present = %v, want %v", ok, tt.flagKept)
			}
		})
	}
}

func TestCheckProfile_NewUser(t *testing.T) {
	h := newHarness(t, model.ProviderState{IsLoading: true})

	commitAndWait(h, "u1", "a@example.com")

	assertPhase(t, h.machine, model.PhaseUsernameSetup)
	if got := lastOutcome(t, h); got != ResolutionNewUser {
		t.Errorf("outcome = %q, want %q", got, ResolutionNewUser)
	}
	if h.store.storeWrites() != 0 {
		t.Errorf("new user path should not write to the store: %v", h.store.Calls())
	}
}

func TestCheckProfile_LastResort(t *testing.T) {
	down := func(context.Context, string) (*model.Profile, error) { return nil, errStoreDown }

	tests := []struct {
		name      string
		seed      map[string]string
		wantPhase model.Phase
		want      string
	}{
		{
			name:      "グローバルキャッシュあり",
			seed:      map[string]string{"username": "alice", "handle": "@alice"},
			wantPhase: model.PhaseAuthenticated,
			want:      ResolutionLastResort,
		},
		{
			name: "スコープ付きキャッシュあり",
			seed: map[string]string{
				"username_set_u1": "true",
				"username_u1":     "alice",
				"handle_u1":       "@alice",
			},
			wantPhase: model.PhaseAuthenticated,
			want:      ResolutionLastResort,
		},
		{
			name:      "キャッシュなし",
			seed:      nil,
			wantPhase: model.PhaseUsernameSetup,
			want:      ResolutionLastResortNone,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, model.ProviderState{IsLoading: true})
			h.seed(t, tt.seed)
			h.store.getByIdentityFn = down
			h.store.getByEmailFn = down
			h.store.getByUsernameFn = down
			h.store.createFn = func(context.Context, model.NewProfile) (*model.Profile, error) {
				return nil, model.ErrUsernameTaken
			}

			commitAndWait(h, "u1", "a@example.com")

			assertPhase(t, h.machine, tt.wantPhase)
			if got := lastOutcome(t, h); got != tt.want {
				t.Errorf("outcome = %q, want %q", got, tt.want)
			}
			calls := h.store.Calls()
			if len(calls) != 1 || calls[0] != "GetProfileByIdentityID" {
				t.Errorf("store calls = %v, want only GetProfileByIdentityID", calls)
			}
			if h.store.storeWrites() != 0 {
				t.Errorf("lookup failure should not write to the store: %v", calls)
			}
		})
	}
}

// 途中の検索でエラーが起きてもキャッシュ由来の作成には進まず、キャッシュのフラグも残す
func TestCheckProfile_LookupErrorSkipsCreate(t *testing.T) {
	h := newHarness(t, model.ProviderState{IsLoading: true})
	h.seed(t, map[string]string{
		"username_set_u1": "true",
		"username_u1":     "alice",
		"handle_u1":       "@alice",
	})
	h.store.getByEmailFn = func(context.Context, string) (*model.Profile, error) {
		return nil, errStoreDown
	}
	h.store.createFn = func(context.Context, model.NewProfile) (*model.Profile, error) {
		return nil, model.ErrUsernameTaken
	}

	commitAndWait(h, "u1", "a@example.com")

	assertPhase(t, h.machine, model.PhaseAuthenticated)
	if got := lastOutcome(t, h); got != ResolutionLastResort {
		t.Errorf("outcome = %q, want %q", got, ResolutionLastResort)
	}
	if n := h.store.count("GetProfileByUsername"); n != 0 {
		t.Errorf("GetProfileByUsername calls = %d, want 0", n)
	}
	if n := h.store.count("CreateProfile"); n != 0 {
		t.Errorf("CreateProfile calls = %d, want 0", n)
	}
	if got := h.cached("username_set_u1"); got != "true" {
		t.Errorf("username_set_u1 = %q, want true", got)
	}
}

func TestCheckProfile_PanicNeverLeavesCheckingProfile(t *testing.T) {
	h := newHarness(t, model.ProviderState{IsLoading: true})
	h.store.getByIdentityFn = func(context.Context, string) (*model.Profile, error) {
		panic("unexpected")
	}

	commitAndWait(h, "u1", "")

	assertPhase(t, h.machine, model.PhaseUsernameSetup)
	if got := lastOutcome(t, h); got != ResolutionLastResortNone {
		t.Errorf("outcome = %q, want %q", got, ResolutionLastResortNone)
	}
}

func TestCheckProfile_Idempotent(t *testing.T) {
	h := newHarness(t, fullyAuthenticated("u1", ""))
	h.seed(t, map[string]string{
		"username_set_u1": "true",
		"username_u1":     "alice",
		"handle_u1":       "@alice",
	})

	h.machine.checkProfile("u1")
	h.machine.checkProfile("u1")
	h.machine.Wait()

	if got := h.store.storeWrites(); got > 1 {
		t.Errorf("store writes = %d, want at most 1", got)
	}
	if got := h.store.count("GetProfileByIdentityID"); got != 1 {
		t.Errorf("GetProfileByIdentityID calls = %d, want 1", got)
	}
	if got := len(h.recorder.Outcomes()); got != 1 {
		t.Errorf("resolutions = %d, want 1", got)
	}
}
