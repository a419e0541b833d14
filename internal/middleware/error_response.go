package middleware

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/hitoshi/linkpay/internal/model"
)

// HTTP層で発生するエラーのコード。
// ドメインのエラーコードはmodelパッケージに定義する。
const (
	CodeInvalidRequest    = "INVALID_REQUEST"
	CodeUnauthorized      = "UNAUTHORIZED"
	CodeRateLimitExceeded = "RATE_LIMIT_EXCEEDED"
	CodeInternalError     = "INTERNAL_ERROR"
)

// ErrorResponseBody はAPIエラーレスポンスの統一フォーマット。
// プロフィールストアAPIとエージェントのフェーズAPIで共通に使う。
type ErrorResponseBody struct {
	Code     string `json:"code"`
	Message  string `json:"message"`
	Category string `json:"category"`
	Action   string `json:"action"`
}

// WriteErrorResponse は統一エラーフォーマットでHTTPエラーレスポンスを書き込む。
func WriteErrorResponse(w http.ResponseWriter, statusCode int, apiErr *model.APIError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(ErrorResponseBody{
		Code:     apiErr.Code,
		Message:  apiErr.Message,
		Category: apiErr.Category,
		Action:   apiErr.Action,
	})
}

// WriteInvalidRequest はリクエスト形式の誤りを400で返す。
func WriteInvalidRequest(w http.ResponseWriter, message, action string) {
	WriteErrorResponse(w, http.StatusBadRequest, &model.APIError{
		Code:     CodeInvalidRequest,
		Message:  message,
		Category: "validation",
		Action:   action,
	})
}

// WriteUnauthorized はAPIキーの不一致を401で返す。
func WriteUnauthorized(w http.ResponseWriter) {
	WriteErrorResponse(w, http.StatusUnauthorized, &model.APIError{
		Code:     CodeUnauthorized,
		Message:  "APIキーが無効です。",
		Category: "auth",
		Action:   "正しいAPIキーを設定してください。",
	})
}

// WriteTooManyRequests は429を返す。retryAfterSecは1秒未満に切り上げない。
func WriteTooManyRequests(w http.ResponseWriter, retryAfterSec int) {
	if retryAfterSec < 1 {
		retryAfterSec = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(retryAfterSec))
	WriteErrorResponse(w, http.StatusTooManyRequests, &model.APIError{
		Code:     CodeRateLimitExceeded,
		Message:  "リクエストが多すぎます。",
		Category: "system",
		Action:   "しばらく待ってから再度お試しください。",
	})
}

// WriteInternalServerError は内部サーバーエラーの統一レスポンスを書き込む。
// 詳細はログのみに記録し、ユーザーには一般的なメッセージを返す。
func WriteInternalServerError(w http.ResponseWriter) {
	WriteErrorResponse(w, http.StatusInternalServerError, &model.APIError{
		Code:     CodeInternalError,
		Message:  "内部エラーが発生しました。",
		Category: "system",
		Action:   "しばらく待ってから再度お試しください。",
	})
}
