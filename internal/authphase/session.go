package authphase

import (
	"log/slog"

	"github.com/hitoshi/linkpay/internal/cache"
	"github.com/hitoshi/linkpay/internal/model"
)

const flagTrue = "true"

// cachedSession はキャッシュに残っている前回セッションの識別情報。
type cachedSession struct {
	identityID string
	username   string
	handle     string
}

// setBoth はグローバルキーとIdPユーザーIDでスコープしたキーの両方に値を保存する。
func (m *Machine) setBoth(name, identityID, value string) {
	if value == "" {
		return
	}
	ctx, cancel := m.storeContext()
	defer cancel()

	if err := m.cache.Set(ctx, name, value); err != nil {
		m.logger.Warn("キャッシュの保存に失敗しました",
			slog.String("key", name),
			slog.String("error", err.Error()),
		)
	}
	if identityID == "" {
		return
	}
	if err := m.cache.Set(ctx, cache.Scoped(name, identityID), value); err != nil {
		m.logger.Warn("キャッシュの保存に失敗しました",
			slog.String("key", cache.Scoped(name, identityID)),
			slog.String("error", err.Error()),
		)
	}
}

// get はキャッシュの値を返す。読み取りエラーは値なしとして扱う。
func (m *Machine) get(key string) string {
	ctx, cancel := m.storeContext()
	defer cancel()

	v, ok, err := m.cache.Get(ctx, key)
	if err != nil {
		m.logger.Warn("キャッシュの読み取りに失敗しました",
			slog.String("key", key),
			slog.String("error", err.Error()),
		)
		return ""
	}
	if !ok {
		return ""
	}
	return v
}

func (m *Machine) del(key string) {
	ctx, cancel := m.storeContext()
	defer cancel()

	if err := m.cache.Delete(ctx, key); err != nil {
		m.logger.Warn("キャッシュの削除に失敗しました",
			slog.String("key", key),
			slog.String("error", err.Error()),
		)
	}
}

// getScopedOrGlobal はスコープ付きキーを優先して値を返す。
func (m *Machine) getScopedOrGlobal(name, identityID string) string {
	if identityID != "" {
		if v := m.get(cache.Scoped(name, identityID)); v != "" {
			return v
		}
	}
	return m.get(name)
}

// persistIdentity はIdPから得た識別情報をキャッシュに保存する。
func (m *Machine) persistIdentity(sig model.IdentitySignal) {
	m.setBoth(cache.KeyIdentityID, sig.UserID, sig.UserID)
	m.setBoth(cache.KeyEmail, sig.UserID, sig.Email)
	m.setBoth(cache.KeyWalletAddress, sig.UserID, sig.WalletAddress)
}

// persistProfile はプロフィールの内容をキャッシュに保存する。
func (m *Machine) persistProfile(identityID, username, handle string) {
	m.setBoth(cache.KeyUsername, identityID, username)
	m.setBoth(cache.KeyHandle, identityID, handle)
	m.setBoth(cache.KeyUsernameSet, identityID, flagTrue)
}

// restoreProfile はストアから得たプロフィールでキャッシュを復元する。
func (m *Machine) restoreProfile(p *model.Profile, identityID string) {
	handle := p.Handle
	if handle == "" {
		handle = model.HandleFor(p.Username)
	}
	m.setBoth(cache.KeyIdentityID, identityID, identityID)
	m.setBoth(cache.KeyEmail, identityID, p.Email)
	m.setBoth(cache.KeyWalletAddress, identityID, p.WalletAddress)
	m.persistProfile(identityID, p.Username, handle)
}

// isReturningUser はキャッシュに既知のIdPユーザーIDがあればtrueを返す。
func (m *Machine) isReturningUser() bool {
	return m.get(cache.KeyIdentityID) != ""
}

// lookupCachedSession は再訪ユーザーとして扱えるだけの情報がキャッシュにあれば返す。
func (m *Machine) lookupCachedSession() (cachedSession, bool) {
	id := m.get(cache.KeyIdentityID)
	if id == "" {
		return cachedSession{}, false
	}
	s := cachedSession{
		identityID: id,
		username:   m.getScopedOrGlobal(cache.KeyUsername, id),
		handle:     m.getScopedOrGlobal(cache.KeyHandle, id),
	}
	if s.username == "" || s.handle == "" {
		return cachedSession{}, false
	}
	return s, true
}

func (m *Machine) onboardingComplete() bool {
	return m.get(cache.KeyOnboardingComplete) == flagTrue
}

// activeIdentityID はメモリ上のID、IdPの最新値、キャッシュの順にIdPユーザーIDを解決する。
func (m *Machine) activeIdentityID() string {
	m.mu.Lock()
	id := m.identityID
	m.mu.Unlock()
	if id != "" {
		return id
	}
	if sig := m.liveSignal(); sig.UserID != "" {
		return sig.UserID
	}
	return m.get(cache.KeyIdentityID)
}
