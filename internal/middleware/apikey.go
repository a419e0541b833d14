// Package middleware はHTTPミドルウェアを提供する。
package middleware

import (
	"context"
	"crypto/subtle"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
)

// contextKey はコンテキストに値を格納するための型安全なキー。
type contextKey string

// clientKeyContextKey はリクエストコンテキストにクライアント識別子を格納するためのキー。
var clientKeyContextKey = contextKey("client_key")

// NewAPIKeyMiddleware はAuthorizationヘッダーのBearerトークンを検証するミドルウェアを返す。
// apiKeyが空の場合は検証を行わない。
// いずれの場合もクライアント識別子（接続元IP）をリクエストコンテキストに注入する。
// 不一致のリクエストには401 Unauthorizedを返す。
func NewAPIKeyMiddleware(apiKey string) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			client := clientAddr(r)

			if apiKey != "" {
				token, ok := bearerToken(r)
				if !ok || subtle.ConstantTimeCompare([]byte(token), []byte(apiKey)) != 1 {
					slog.Warn("invalid api key",
						slog.String("client", client),
						slog.String("path", r.URL.Path),
					)
					WriteUnauthorized(w)
					return
				}
			}

			ctx := context.WithValue(r.Context(), clientKeyContextKey, client)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// ClientKeyFromContext はリクエストコンテキストからクライアント識別子を取得する。
// APIキーミドルウェアを通過したリクエストでのみ有効。
func ClientKeyFromContext(ctx context.Context) (string, error) {
	key, ok := ctx.Value(clientKeyContextKey).(string)
	if !ok || key == "" {
		return "", fmt.Errorf("client key not found in context")
	}
	return key, nil
}

// ContextWithClientKey はコンテキストにクライアント識別子を注入する。
// テストやミドルウェア以外のコンテキスト生成で使用する。
func ContextWithClientKey(ctx context.Context, key string) context.Context {
	return context.WithValue(ctx, clientKeyContextKey, key)
}

// bearerToken はAuthorizationヘッダーからトークンを取り出す。
// ブラウザのwebsocketはヘッダーを付けられないため、アップグレード要求に限りaccess_tokenクエリも受け付ける。
func bearerToken(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(h) > len(prefix) && strings.EqualFold(h[:len(prefix)], prefix) {
		return strings.TrimSpace(h[len(prefix):]), true
	}
	if strings.EqualFold(r.Header.Get("Upgrade"), "websocket") {
		if token := r.URL.Query().Get("access_token"); token != "" {
			return token, true
		}
	}
	return "", false
}

// clientAddr はRemoteAddrからホスト部を取り出す。
func clientAddr(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
