// Package model はドメインモデルを定義する。
package model

import "fmt"

// APIError は統一エラーフォーマットを表す。
// UIに表示する原因カテゴリと対処方法を含む。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: auth, validation, profile, referral, system
	Action   string // ユーザー向け対処方法
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Is はエラーコードが一致する場合にtrueを返す。
// errors.Is(err, ErrUsernameTaken) のように定義済みエラーとの比較に使う。
func (e *APIError) Is(target error) bool {
	t, ok := target.(*APIError)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// 定義済みエラーコード
const (
	ErrCodeUsernameTaken     = "USERNAME_TAKEN"
	ErrCodeInvalidUsername   = "INVALID_USERNAME"
	ErrCodeInvalidEmail      = "INVALID_EMAIL"
	ErrCodeInvalidImageURL   = "INVALID_IMAGE_URL"
	ErrCodeInvalidIdentityID = "INVALID_IDENTITY_ID"
	ErrCodeProfileNotFound   = "PROFILE_NOT_FOUND"
	ErrCodeReferralNotFound  = "REFERRAL_NOT_FOUND"
	ErrCodeSelfReferral      = "SELF_REFERRAL"
	ErrCodeAlreadyReferred   = "ALREADY_REFERRED"
	ErrCodeNoIdentity        = "NO_IDENTITY"
	ErrCodeInvalidPhase      = "INVALID_PHASE"
)

// errors.Is で比較するための定義済みエラー。
var (
	ErrUsernameTaken     = &APIError{Code: ErrCodeUsernameTaken}
	ErrInvalidUsername   = &APIError{Code: ErrCodeInvalidUsername}
	ErrInvalidEmail      = &APIError{Code: ErrCodeInvalidEmail}
	ErrInvalidImageURL   = &APIError{Code: ErrCodeInvalidImageURL}
	ErrInvalidIdentityID = &APIError{Code: ErrCodeInvalidIdentityID}
	ErrProfileNotFound   = &APIError{Code: ErrCodeProfileNotFound}
	ErrReferralNotFound  = &APIError{Code: ErrCodeReferralNotFound}
	ErrSelfReferral      = &APIError{Code: ErrCodeSelfReferral}
	ErrAlreadyReferred   = &APIError{Code: ErrCodeAlreadyReferred}
	ErrNoIdentity        = &APIError{Code: ErrCodeNoIdentity}
	ErrInvalidPhase      = &APIError{Code: ErrCodeInvalidPhase}
)

// NewUsernameTakenError はユーザー名重複エラーを生成する。
func NewUsernameTakenError(username string) *APIError {
	return &APIError{
		Code:     ErrCodeUsernameTaken,
		Message:  fmt.Sprintf("ユーザー名は既に使われています: %s", username),
		Category: "profile",
		Action:   "別のユーザー名を選んでください。",
	}
}

// NewInvalidUsernameError は無効なユーザー名エラーを生成する。
func NewInvalidUsernameError(username string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidUsername,
		Message:  fmt.Sprintf("無効なユーザー名です: %q", username),
		Category: "validation",
		Action:   "ユーザー名は英数字とアンダースコアで3〜20文字にしてください。",
	}
}

// NewInvalidEmailError は無効なメールアドレスエラーを生成する。
func NewInvalidEmailError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidEmail,
		Message:  fmt.Sprintf("無効なメールアドレスです: %s", reason),
		Category: "validation",
		Action:   "正しいメールアドレスを指定してください。",
	}
}

// NewInvalidImageURLError は無効な画像URLエラーを生成する。
func NewInvalidImageURLError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidImageURL,
		Message:  fmt.Sprintf("無効な画像URLです: %s", reason),
		Category: "validation",
		Action:   "公開されているhttpsの画像URLを指定してください。",
	}
}

// NewInvalidIdentityIDError はIdPユーザーIDが空の場合のエラーを生成する。
func NewInvalidIdentityIDError() *APIError {
	return &APIError{
		Code:     ErrCodeInvalidIdentityID,
		Message:  "IdPユーザーIDが指定されていません。",
		Category: "validation",
		Action:   "ログインし直してください。",
	}
}

// NewProfileNotFoundError はプロフィールが見つからない場合のエラーを生成する。
func NewProfileNotFoundError(key string) *APIError {
	return &APIError{
		Code:     ErrCodeProfileNotFound,
		Message:  fmt.Sprintf("プロフィールが見つかりません: %s", key),
		Category: "profile",
		Action:   "ユーザー名を登録してください。",
	}
}

// NewReferralNotFoundError は紹介コードが存在しない場合のエラーを生成する。
func NewReferralNotFoundError(code string) *APIError {
	return &APIError{
		Code:     ErrCodeReferralNotFound,
		Message:  fmt.Sprintf("紹介コードが見つかりません: %s", code),
		Category: "referral",
		Action:   "紹介コードを確認してください。",
	}
}

// NewSelfReferralError は自分自身の紹介コードを使おうとした場合のエラーを生成する。
func NewSelfReferralError() *APIError {
	return &APIError{
		Code:     ErrCodeSelfReferral,
		Message:  "自分の紹介コードは利用できません。",
		Category: "referral",
		Action:   "他のユーザーの紹介コードを入力してください。",
	}
}

// NewAlreadyReferredError は既に紹介コードを利用済みの場合のエラーを生成する。
func NewAlreadyReferredError() *APIError {
	return &APIError{
		Code:     ErrCodeAlreadyReferred,
		Message:  "紹介コードは既に利用済みです。",
		Category: "referral",
		Action:   "紹介コードは1アカウントにつき1回のみ利用できます。",
	}
}

// NewNoIdentityError はアクティブなIdPユーザーIDを解決できない場合のエラーを生成する。
func NewNoIdentityError() *APIError {
	return &APIError{
		Code:     ErrCodeNoIdentity,
		Message:  "ログイン中のユーザーを特定できません。",
		Category: "auth",
		Action:   "アプリを再読み込みしてログインし直してください。",
	}
}

// NewInvalidPhaseError は現在のフェーズでは実行できない操作を要求された場合のエラーを生成する。
func NewInvalidPhaseError(phase string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidPhase,
		Message:  fmt.Sprintf("現在のフェーズでは実行できません: %s", phase),
		Category: "auth",
		Action:   "画面を再読み込みしてください。",
	}
}
