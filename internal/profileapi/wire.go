// Package profileapi はプロフィールストアREST APIのワイヤ形式とHTTPクライアントを提供する。
package profileapi

import (
	"time"

	"github.com/hitoshi/linkpay/internal/model"
)

// ProfileJSON はプロフィールのJSON表現。
type ProfileJSON struct {
	ID            string    `json:"id"`
	AuthUserID    string    `json:"authUserId"`
	Username      string    `json:"username"`
	Handle        string    `json:"handle"`
	WalletAddress string    `json:"walletAddress"`
	Email         string    `json:"email"`
	ImageURL      string    `json:"imageUrl"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// NewProfileJSON はモデルをJSON表現に変換する。
func NewProfileJSON(p *model.Profile) ProfileJSON {
	return ProfileJSON{
		ID:            p.ID,
		AuthUserID:    p.AuthUserID,
		Username:      p.Username,
		Handle:        p.Handle,
		WalletAddress: p.WalletAddress,
		Email:         p.Email,
		ImageURL:      p.ImageURL,
		CreatedAt:     p.CreatedAt,
		UpdatedAt:     p.UpdatedAt,
	}
}

// Model はJSON表現をモデルに変換する。
func (j ProfileJSON) Model() *model.Profile {
	return &model.Profile{
		ID:            j.ID,
		AuthUserID:    j.AuthUserID,
		Username:      j.Username,
		Handle:        j.Handle,
		WalletAddress: j.WalletAddress,
		Email:         j.Email,
		ImageURL:      j.ImageURL,
		CreatedAt:     j.CreatedAt,
		UpdatedAt:     j.UpdatedAt,
	}
}

// CreateProfileRequest は POST /api/profiles のリクエストボディ。
type CreateProfileRequest struct {
	IdentityID    string `json:"identityId"`
	Username      string `json:"username"`
	Handle        string `json:"handle,omitempty"`
	WalletAddress string `json:"walletAddress,omitempty"`
	Email         string `json:"email,omitempty"`
	ImageURL      string `json:"imageUrl,omitempty"`
}

// Model はリクエストをモデルの作成入力に変換する。
func (r CreateProfileRequest) Model() model.NewProfile {
	return model.NewProfile{
		IdentityID:    r.IdentityID,
		Username:      r.Username,
		Handle:        r.Handle,
		WalletAddress: r.WalletAddress,
		Email:         r.Email,
		ImageURL:      r.ImageURL,
	}
}

// UpdateProfileRequest は PATCH /api/profiles/identity/{identityID} のリクエストボディ。
// 省略したフィールドは変更しない。
type UpdateProfileRequest struct {
	Email         *string `json:"email,omitempty"`
	ImageURL      *string `json:"imageUrl,omitempty"`
	WalletAddress *string `json:"walletAddress,omitempty"`
}

// Model はリクエストをモデルの部分更新に変換する。
func (r UpdateProfileRequest) Model() model.ProfileUpdate {
	return model.ProfileUpdate{
		Email:         r.Email,
		ImageURL:      r.ImageURL,
		WalletAddress: r.WalletAddress,
	}
}

// MigrateIdentityRequest は PUT /api/profiles/{id}/identity のリクエストボディ。
type MigrateIdentityRequest struct {
	IdentityID string `json:"identityId"`
}

// RedeemReferralRequest は POST /api/referrals/redeem のリクエストボディ。
type RedeemReferralRequest struct {
	Code       string `json:"code"`
	IdentityID string `json:"identityId"`
}

// UsernameAvailability は GET /api/usernames/{username} のレスポンス。
type UsernameAvailability struct {
	Username string `json:"username"`
	Taken    bool   `json:"taken"`
}

// errorBody はサーバーが返す統一エラーフォーマット。
type errorBody struct {
	Code     string `json:"code"`
	Message  string `json:"message"`
	Category string `json:"category"`
	Action   string `json:"action"`
}

// apiError はJSON表現をAPIErrorに変換する。
func (b errorBody) apiError() *model.APIError {
	return &model.APIError{Code: b.Code, Message: b.Message, Category: b.Category, Action: b.Action}
}
