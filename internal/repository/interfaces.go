// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"
	"errors"

	"github.com/hitoshi/linkpay/internal/model"
)

// ErrIdentityExists は同じIdPユーザーIDのプロフィールが既に存在する場合のエラー。
var ErrIdentityExists = errors.New("profile already exists for identity")

// ProfileRepository はプロフィールの永続化インターフェース。
// 検索系は見つからない場合にnilを返す。
type ProfileRepository interface {
	// FindByID は指定IDのプロフィールを取得する。
	FindByID(ctx context.Context, id string) (*model.Profile, error)

	// FindByIdentityID はIdPユーザーIDでプロフィールを取得する。
	FindByIdentityID(ctx context.Context, identityID string) (*model.Profile, error)

	// FindByEmail はメールアドレスでプロフィールを取得する（大文字小文字を区別しない）。
	// 複数該当する場合は最も古いものを返す。
	FindByEmail(ctx context.Context, email string) (*model.Profile, error)

	// FindByUsername はユーザー名でプロフィールを取得する（大文字小文字を区別しない）。
	FindByUsername(ctx context.Context, username string) (*model.Profile, error)

	// IsUsernameTaken はユーザー名が使用済みかどうかを返す（大文字小文字を区別しない）。
	IsUsernameTaken(ctx context.Context, username string) (bool, error)

	// Create はプロフィールを作成する。
	// ユーザー名が使用済みの場合は model.ErrUsernameTaken、
	// IdPユーザーIDが登録済みの場合は ErrIdentityExists を返す。
	Create(ctx context.Context, profile *model.Profile) error

	// UpdateIdentityID はプロフィールのIdPユーザーIDを付け替える。
	UpdateIdentityID(ctx context.Context, id, newIdentityID string) (*model.Profile, error)

	// UpdateByIdentityID はIdPユーザーIDで特定したプロフィールを部分更新する。
	UpdateByIdentityID(ctx context.Context, identityID string, update model.ProfileUpdate) (*model.Profile, error)
}

// ReferralRepository は紹介コード利用記録の永続化インターフェース。
type ReferralRepository interface {
	// Redeem は紹介コードの利用を記録する。
	// 被紹介者が既に利用済みの場合は記録せずfalseを返す。
	Redeem(ctx context.Context, redemption *model.ReferralRedemption) (bool, error)

	// FindByReferee は被紹介者の利用記録を取得する。見つからない場合はnilを返す。
	FindByReferee(ctx context.Context, refereeProfileID string) (*model.ReferralRedemption, error)
}
