package handler

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/hitoshi/linkpay/internal/middleware"
	"github.com/hitoshi/linkpay/internal/model"
)

// maxRequestBodyBytes はJSONリクエストボディの上限（64KB）。
const maxRequestBodyBytes = 64 << 10

// writeJSON はJSONレスポンスを書き込む。
func writeJSON(w http.ResponseWriter, statusCode int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(v)
}

// decodeJSON はリクエストボディをvにデコードする。
// 失敗した場合は400レスポンスを書き込んでfalseを返す。
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBodyBytes))
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		middleware.WriteInvalidRequest(w, "リクエストボディが不正です。", "JSON形式で送信してください。")
		return false
	}
	return true
}

// handleServiceError はサービス層から返されたエラーを適切なHTTPステータスコードに変換する。
func handleServiceError(w http.ResponseWriter, err error) {
	var apiErr *model.APIError
	if errors.As(err, &apiErr) {
		middleware.WriteErrorResponse(w, mapAPIErrorToHTTPStatus(apiErr), apiErr)
		return
	}

	// APIError以外のエラーは内部サーバーエラーとして扱う
	slog.Error("internal server error", slog.String("error", err.Error()))
	middleware.WriteInternalServerError(w)
}

// mapAPIErrorToHTTPStatus はAPIErrorコードからHTTPステータスコードにマッピングする。
func mapAPIErrorToHTTPStatus(apiErr *model.APIError) int {
	switch apiErr.Code {
	case model.ErrCodeUsernameTaken, model.ErrCodeInvalidPhase:
		return http.StatusConflict
	case model.ErrCodeInvalidUsername,
		model.ErrCodeInvalidEmail,
		model.ErrCodeInvalidImageURL,
		model.ErrCodeInvalidIdentityID,
		model.ErrCodeSelfReferral,
		model.ErrCodeAlreadyReferred:
		return http.StatusBadRequest
	case model.ErrCodeProfileNotFound, model.ErrCodeReferralNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}
