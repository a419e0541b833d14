// Package model はドメインモデルを定義する。
package model

import (
	"strings"
	"time"
)

// Profile はアプリ利用者のプロフィールを表す。
// AuthUserIDは外部IdPのユーザーIDで、IdP移行時に付け替えられることがある。
// Usernameは大文字小文字を区別せず一意で、HandleはUsernameから導出される。
type Profile struct {
	ID            string
	AuthUserID    string
	Username      string
	Handle        string
	WalletAddress string
	Email         string
	ImageURL      string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// NewProfile はプロフィール作成時の入力を表す。
type NewProfile struct {
	IdentityID    string
	Username      string
	Handle        string
	WalletAddress string
	Email         string
	ImageURL      string
}

// ProfileUpdate はプロフィールの部分更新を表す。
// nilのフィールドは変更しない。
type ProfileUpdate struct {
	Email         *string
	ImageURL      *string
	WalletAddress *string
}

// IsEmpty は更新対象のフィールドが1つもない場合にtrueを返す。
func (u ProfileUpdate) IsEmpty() bool {
	return u.Email == nil && u.ImageURL == nil && u.WalletAddress == nil
}

// HandleFor はユーザー名からハンドル（"@" + username）を導出する。
func HandleFor(username string) string {
	return "@" + strings.TrimPrefix(username, "@")
}
