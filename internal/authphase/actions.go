package authphase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/hitoshi/linkpay/internal/cache"
	"github.com/hitoshi/linkpay/internal/model"
)

// CompleteOnboarding はオンボーディング完了をキャッシュに記録し、ログイン画面に遷移する。
// onboarding 以外のフェーズでは model.ErrInvalidPhase を返し、何もしない。
// キャッシュへの保存に失敗しても遷移は行う。
func (m *Machine) CompleteOnboarding(ctx context.Context) error {
	if phase, ok := m.phaseIs(model.PhaseOnboarding, false); !ok {
		m.logger.Warn("オンボーディング画面以外での完了要求を拒否しました", slog.String("phase", phase.String()))
		return model.NewInvalidPhaseError(phase.String())
	}

	var saveErr error
	if err := m.cache.Set(ctx, cache.KeyOnboardingComplete, flagTrue); err != nil {
		m.logger.Warn("オンボーディング完了の保存に失敗しました", slog.String("error", err.Error()))
		saveErr = fmt.Errorf("failed to save onboarding state: %w", err)
	}
	m.goTo(model.PhaseUnauthenticated)
	return saveErr
}

// CompleteUsernameSetup はユーザー名を登録してプロフィールを作成し、認証済みに遷移する。
//
// ユーザー名が使用済みの場合は model.ErrUsernameTaken を返し、フェーズもキャッシュも変更しない。
// コミット後の username_setup 以外では model.ErrInvalidPhase を返す。
// IdPユーザーIDを解決できない場合は ErrNoIdentity を返す。
// それ以外のストアのエラーはログに残して処理を続ける。
func (m *Machine) CompleteUsernameSetup(ctx context.Context, username, referralCode string) error {
	if phase, ok := m.phaseIs(model.PhaseUsernameSetup, true); !ok {
		m.logger.Warn("ユーザー名登録画面以外での登録要求を拒否しました", slog.String("phase", phase.String()))
		return model.NewInvalidPhaseError(phase.String())
	}

	username = strings.TrimPrefix(strings.TrimSpace(username), "@")
	if username == "" {
		return model.NewInvalidUsernameError(username)
	}

	identityID := m.activeIdentityID()
	if identityID == "" {
		m.logger.Error("ユーザー名登録時にIdPユーザーIDを解決できません",
			slog.String("username", username),
		)
		return model.NewNoIdentityError()
	}

	taken, err := m.profiles.IsUsernameTaken(ctx, username)
	if err != nil {
		m.logger.Warn("ユーザー名の重複確認に失敗しました",
			slog.String("username", username),
			slog.String("error", err.Error()),
		)
	} else if taken {
		m.logger.Info("ユーザー名は既に使われています", slog.String("username", username))
		return model.NewUsernameTakenError(username)
	}

	sig := m.liveSignal()
	if sig.UserID != identityID {
		sig = model.IdentitySignal{UserID: identityID}
		sig.Email = m.getScopedOrGlobal(cache.KeyEmail, identityID)
		sig.WalletAddress = m.getScopedOrGlobal(cache.KeyWalletAddress, identityID)
	}
	handle := model.HandleFor(username)

	_, err = m.profiles.CreateProfile(ctx, model.NewProfile{
		IdentityID:    identityID,
		Username:      username,
		Handle:        handle,
		WalletAddress: sig.WalletAddress,
		Email:         sig.Email,
		ImageURL:      sig.ImageURL,
	})
	switch {
	case errors.Is(err, model.ErrUsernameTaken):
		m.logger.Info("ユーザー名は既に使われています", slog.String("username", username))
		return model.NewUsernameTakenError(username)
	case err != nil:
		m.logger.Warn("プロフィールの作成に失敗しました。登録を続行します",
			slog.String("identity_id", identityID),
			slog.String("error", err.Error()),
		)
	case referralCode != "" && m.referrals != nil:
		code := strings.TrimSpace(referralCode)
		m.spawn(func() {
			m.applyReferral(code, identityID)
		})
	}

	m.mu.Lock()
	m.identityID = identityID
	m.mu.Unlock()

	m.persistIdentity(sig)
	m.persistProfile(identityID, username, handle)
	m.goTo(model.PhaseAuthenticated)
	return nil
}

func (m *Machine) applyReferral(code, identityID string) {
	ctx, cancel := m.storeContext()
	defer cancel()

	if err := m.referrals.ApplyReferralCode(ctx, code, identityID); err != nil {
		m.logger.Debug("紹介コードの適用に失敗しました",
			slog.String("code", code),
			slog.String("identity_id", identityID),
			slog.String("error", err.Error()),
		)
		return
	}
	m.logger.Info("紹介コードを適用しました",
		slog.String("code", code),
		slog.String("identity_id", identityID),
	)
}

// phaseIs は現在のフェーズが want で、コミット状態が committed と一致するかを返す。
func (m *Machine) phaseIs(want model.Phase, committed bool) (model.Phase, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.phase, m.phase == want && m.committed == committed
}
