// Package cache は端末ローカルのキーバリューキャッシュを提供する。
// プロフィールストアに到達できない場合の耐障害層として、
// ユーザー名やハンドルなどの識別情報を有効期限なしで保持する。
package cache

import (
	"context"
	"fmt"
	"strings"
)

// Store は文字列キーバリューストアのインターフェース。
// 有効期限は持たない。
type Store interface {
	// Get はキーの値を返す。キーが存在しない場合はokがfalseになる。
	Get(ctx context.Context, key string) (value string, ok bool, err error)
	// Set はキーに値を保存する。
	Set(ctx context.Context, key, value string) error
	// Delete はキーを削除する。存在しないキーの削除はエラーにならない。
	Delete(ctx context.Context, key string) error
}

// キャッシュのキー名。
// いずれもグローバルキーとIdPユーザーIDでスコープしたキーの両方に保存される。
const (
	KeyIdentityID         = "identity_id"
	KeyEmail              = "email"
	KeyWalletAddress      = "wallet_address"
	KeyUsername           = "username"
	KeyHandle             = "handle"
	KeyUsernameSet        = "username_set"
	KeyOnboardingComplete = "onboarding_complete"
)

// Scoped はIdPユーザーIDでスコープしたキー名（name_identityID）を返す。
func Scoped(name, identityID string) string {
	return name + "_" + identityID
}

// Backend はキャッシュのバックエンド種別。
type Backend string

const (
	// BackendMemory はプロセス内メモリ（再起動で消える）。
	BackendMemory Backend = "memory"
	// BackendSQLite はSQLiteファイル。
	BackendSQLite Backend = "sqlite"
	// BackendRedis はRedis。
	BackendRedis Backend = "redis"
)

// Open は設定に応じたバックエンドのStoreを開く。
// dsnはsqliteではファイルパス、redisでは接続URLを指定する。
// 返されるclose関数は呼び出し側で必ず実行すること。
func Open(ctx context.Context, backend, dsn string) (Store, func() error, error) {
	switch Backend(strings.ToLower(backend)) {
	case BackendMemory, "":
		return NewMemoryStore(), func() error { return nil }, nil
	case BackendSQLite:
		s, err := OpenSQLite(dsn)
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil
	case BackendRedis:
		s, err := OpenRedis(ctx, dsn, DefaultRedisPrefix)
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil
	default:
		return nil, nil, fmt.Errorf("unsupported cache backend: %s", backend)
	}
}
