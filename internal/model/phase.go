package model

// Phase はUIルーティングの唯一の情報源となる認証フェーズを表す。
type Phase string

const (
	// PhaseBoot は起動直後、IdPの状態が確定する前のフェーズ。
	PhaseBoot Phase = "boot"
	// PhaseOnboarding は初回訪問者向けのオンボーディング表示フェーズ。
	PhaseOnboarding Phase = "onboarding"
	// PhaseUnauthenticated はログイン画面を表示するフェーズ。
	PhaseUnauthenticated Phase = "unauthenticated"
	// PhaseCheckingProfile はコミット後、プロフィールを解決中のフェーズ。
	PhaseCheckingProfile Phase = "checking_profile"
	// PhaseUsernameSetup はユーザー名の登録待ちフェーズ。
	PhaseUsernameSetup Phase = "username_setup"
	// PhaseAuthenticated は認証とプロフィール解決が完了したフェーズ。
	PhaseAuthenticated Phase = "authenticated"
)

// Valid は定義済みのフェーズであればtrueを返す。
func (p Phase) Valid() bool {
	switch p {
	case PhaseBoot, PhaseOnboarding, PhaseUnauthenticated,
		PhaseCheckingProfile, PhaseUsernameSetup, PhaseAuthenticated:
		return true
	default:
		return false
	}
}

// AllowedAfterCommit はコミット後にも遷移先として許可されるフェーズであればtrueを返す。
func (p Phase) AllowedAfterCommit() bool {
	switch p {
	case PhaseCheckingProfile, PhaseUsernameSetup, PhaseAuthenticated:
		return true
	default:
		return false
	}
}

// String はフェーズ名を返す。
func (p Phase) String() string {
	return string(p)
}
