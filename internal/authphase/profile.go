package authphase

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/hitoshi/linkpay/internal/cache"
	"github.com/hitoshi/linkpay/internal/model"
)

// checkProfile はコミット後のプロフィール解決を行う。
// 同じIdPユーザーIDに対しては一度しか実行しない。
// どの経路を通っても checking_profile のまま終わることはない。
func (m *Machine) checkProfile(authID string) {
	m.mu.Lock()
	if m.profileDone[authID] {
		m.mu.Unlock()
		return
	}
	m.profileDone[authID] = true
	m.mu.Unlock()

	var outcome string
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("プロフィール解決中にパニックが発生しました",
				slog.String("identity_id", authID),
				slog.Any("panic", r),
			)
			outcome = m.lastResort(authID)
		} else if m.Phase() == model.PhaseCheckingProfile {
			outcome = m.lastResort(authID)
		}
		m.logger.Info("プロフィールを解決しました",
			slog.String("identity_id", authID),
			slog.String("outcome", outcome),
		)
		m.recorder.RecordResolution(outcome)
	}()

	outcome = m.resolveProfile(authID)
}

// resolveProfile は次の順にプロフィールを探し、最初に成功した経路で遷移する。
//  1. IdPユーザーIDで検索
//  2. メールアドレスで検索し、IdPユーザーIDを付け替え
//  3. キャッシュに残るユーザー名で検索し、IdPユーザーIDを付け替え
//  4. スコープ付きキャッシュの内容でプロフィールを作成
//  5. グローバルキャッシュの内容でプロフィールを作成
//  6. 見つからなければ username_setup
//
// 1〜3の検索でストアのエラーが起きた場合はストアへ書き込まず、キャッシュの最終確認に回す。
func (m *Machine) resolveProfile(authID string) string {
	sig := m.liveSignal()

	// 1. IdPユーザーID
	p, err := m.lookup("identity_id", authID, func() (*model.Profile, error) {
		ctx, cancel := m.storeContext()
		defer cancel()
		return m.profiles.GetProfileByIdentityID(ctx, authID)
	})
	if err != nil {
		return m.lastResort(authID)
	}
	if p != nil {
		m.acceptProfile(p, authID, sig)
		return ResolutionByIdentity
	}

	// 2. メールアドレス
	if email := m.knownEmail(authID, sig); email != "" {
		p, err := m.lookup("email", email, func() (*model.Profile, error) {
			ctx, cancel := m.storeContext()
			defer cancel()
			return m.profiles.GetProfileByEmail(ctx, email)
		})
		if err != nil {
			return m.lastResort(authID)
		}
		if p != nil {
			if migrated := m.migrate(p, authID); migrated != nil {
				m.acceptProfile(migrated, authID, sig)
				return ResolutionByEmail
			}
		}
	}

	// 3. キャッシュに残るユーザー名
	if username := m.getScopedOrGlobal(cache.KeyUsername, authID); username != "" {
		p, err := m.lookup("username", username, func() (*model.Profile, error) {
			ctx, cancel := m.storeContext()
			defer cancel()
			return m.profiles.GetProfileByUsername(ctx, username)
		})
		if err != nil {
			return m.lastResort(authID)
		}
		if p != nil {
			// 付け替えに失敗しても、ユーザー名が一致するプロフィールは本人のものとして扱う
			if migrated := m.migrate(p, authID); migrated != nil {
				p = migrated
			}
			m.acceptProfile(p, authID, sig)
			return ResolutionByUsername
		}
	}

	// 4. スコープ付きキャッシュからの移行
	if m.get(cache.Scoped(cache.KeyUsernameSet, authID)) == flagTrue {
		username := m.get(cache.Scoped(cache.KeyUsername, authID))
		handle := m.get(cache.Scoped(cache.KeyHandle, authID))
		if username != "" && handle != "" {
			return m.createFromCache(authID, username, handle, sig, cache.Scoped(cache.KeyUsernameSet, authID))
		}
	}

	// 5. グローバルキャッシュからの移行（旧形式）
	if m.get(cache.KeyUsernameSet) == flagTrue {
		username := m.get(cache.KeyUsername)
		handle := m.get(cache.KeyHandle)
		if username != "" && handle != "" {
			return m.createFromCache(authID, username, handle, sig, cache.KeyUsernameSet)
		}
	}

	// 6. 新規ユーザー
	m.goTo(model.PhaseUsernameSetup)
	return ResolutionNewUser
}

func (m *Machine) lookup(by, key string, fn func() (*model.Profile, error)) (*model.Profile, error) {
	p, err := fn()
	if err != nil {
		m.logger.Warn("プロフィールの検索に失敗しました",
			slog.String("by", by),
			slog.String("key", key),
			slog.String("error", err.Error()),
		)
		return nil, fmt.Errorf("failed to find profile by %s: %w", by, err)
	}
	return p, nil
}

// migrate は既存プロフィールのIdPユーザーIDを付け替える。失敗した場合はnilを返す。
func (m *Machine) migrate(p *model.Profile, authID string) *model.Profile {
	if p.AuthUserID == authID {
		return p
	}
	ctx, cancel := m.storeContext()
	defer cancel()

	migrated, err := m.profiles.MigrateIdentityID(ctx, p, authID)
	if err != nil {
		m.logger.Warn("IdPユーザーIDの付け替えに失敗しました",
			slog.String("profile_id", p.ID),
			slog.String("identity_id", authID),
			slog.String("error", err.Error()),
		)
		return nil
	}
	if migrated != nil {
		m.logger.Info("IdPユーザーIDを付け替えました",
			slog.String("profile_id", migrated.ID),
			slog.String("identity_id", authID),
		)
	}
	return migrated
}

// acceptProfile は見つかったプロフィールでキャッシュを復元し、差分を非同期に反映して認証済みにする。
func (m *Machine) acceptProfile(p *model.Profile, authID string, sig model.IdentitySignal) {
	m.restoreProfile(p, authID)
	m.reconcileDrift(p, authID, sig)
	m.goTo(model.PhaseAuthenticated)
}

// reconcileDrift はIdPのメールアドレスと画像URLがプロフィールと異なる場合に更新する。
// 更新は投げっぱなしで、失敗は無視する。
func (m *Machine) reconcileDrift(p *model.Profile, authID string, sig model.IdentitySignal) {
	if sig.UserID != authID {
		return
	}
	var update model.ProfileUpdate
	if sig.Email != "" && !strings.EqualFold(sig.Email, p.Email) {
		email := sig.Email
		update.Email = &email
	}
	if sig.ImageURL != "" && sig.ImageURL != p.ImageURL {
		image := sig.ImageURL
		update.ImageURL = &image
	}
	if update.IsEmpty() {
		return
	}

	m.spawn(func() {
		ctx, cancel := m.storeContext()
		defer cancel()
		if _, err := m.profiles.UpdateProfile(ctx, authID, update); err != nil {
			m.logger.Debug("プロフィール差分の反映に失敗しました",
				slog.String("identity_id", authID),
				slog.String("error", err.Error()),
			)
		}
	})
}

// createFromCache はキャッシュの内容でプロフィールを作成する。
// ユーザー名が使用済みならsetKeyのフラグを消して username_setup に、
// それ以外の失敗ではキャッシュを信頼して authenticated に遷移する。
func (m *Machine) createFromCache(authID, username, handle string, sig model.IdentitySignal, setKey string) string {
	ctx, cancel := m.storeContext()
	defer cancel()

	p, err := m.profiles.CreateProfile(ctx, model.NewProfile{
		IdentityID:    authID,
		Username:      username,
		Handle:        handle,
		WalletAddress: sig.WalletAddress,
		Email:         sig.Email,
		ImageURL:      sig.ImageURL,
	})
	switch {
	case errors.Is(err, model.ErrUsernameTaken):
		m.logger.Info("キャッシュのユーザー名は既に使われています",
			slog.String("identity_id", authID),
			slog.String("username", username),
		)
		m.del(setKey)
		m.goTo(model.PhaseUsernameSetup)
		return ResolutionUsernameTaken
	case err != nil:
		m.logger.Warn("キャッシュからのプロフィール作成に失敗しました。キャッシュを信頼します",
			slog.String("identity_id", authID),
			slog.String("error", err.Error()),
		)
		m.persistProfile(authID, username, handle)
		m.goTo(model.PhaseAuthenticated)
		return ResolutionCacheTrusted
	}

	if p != nil {
		m.restoreProfile(p, authID)
	} else {
		m.persistProfile(authID, username, handle)
	}
	m.goTo(model.PhaseAuthenticated)
	return ResolutionCacheCreated
}

// lastResort はキャッシュにユーザー名とハンドルがあれば authenticated、なければ username_setup に遷移する。
func (m *Machine) lastResort(authID string) string {
	username := m.getScopedOrGlobal(cache.KeyUsername, authID)
	handle := m.getScopedOrGlobal(cache.KeyHandle, authID)
	if username != "" && handle != "" {
		m.goTo(model.PhaseAuthenticated)
		return ResolutionLastResort
	}
	m.goTo(model.PhaseUsernameSetup)
	return ResolutionLastResortNone
}

// knownEmail はIdPの最新値、キャッシュの順にメールアドレスを返す。
func (m *Machine) knownEmail(authID string, sig model.IdentitySignal) string {
	if sig.UserID == authID && sig.Email != "" {
		return sig.Email
	}
	return m.getScopedOrGlobal(cache.KeyEmail, authID)
}
