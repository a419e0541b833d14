package handler

import (
	"errors"
	"net/http"
	"net/url"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/linkpay/internal/authphase"
	"github.com/hitoshi/linkpay/internal/model"
	"github.com/hitoshi/linkpay/internal/profileapi"
)

// ProfileServiceInterface はプロフィールハンドラーが必要とするサービスインターフェース。
// エージェントの状態機械が使うプロフィールストアと同じ操作をHTTPで公開する。
type ProfileServiceInterface interface {
	authphase.ProfileStore
	authphase.ReferralApplier
}

// ConflictRecorder はユーザー名の重複を記録する。
type ConflictRecorder interface {
	RecordUsernameConflict()
}

// ProfileHandler はプロフィールストアのHTTPハンドラー。
type ProfileHandler struct {
	service   ProfileServiceInterface
	conflicts ConflictRecorder
}

// NewProfileHandler はProfileHandlerを生成する。conflictsはnilでもよい。
func NewProfileHandler(service ProfileServiceInterface, conflicts ConflictRecorder) *ProfileHandler {
	return &ProfileHandler{service: service, conflicts: conflicts}
}

// GetByIdentityID はIdPユーザーIDでプロフィールを取得する。
// GET /api/profiles/identity/{identityID}
func (h *ProfileHandler) GetByIdentityID(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "identityID")
	p, err := h.service.GetProfileByIdentityID(r.Context(), id)
	h.writeProfile(w, p, err, id)
}

// GetByEmail はメールアドレスでプロフィールを取得する。
// GET /api/profiles/email/{email}
func (h *ProfileHandler) GetByEmail(w http.ResponseWriter, r *http.Request) {
	email := pathParam(r, "email")
	p, err := h.service.GetProfileByEmail(r.Context(), email)
	h.writeProfile(w, p, err, email)
}

// GetByUsername はユーザー名でプロフィールを取得する。
// GET /api/profiles/username/{username}
func (h *ProfileHandler) GetByUsername(w http.ResponseWriter, r *http.Request) {
	username := pathParam(r, "username")
	p, err := h.service.GetProfileByUsername(r.Context(), username)
	h.writeProfile(w, p, err, username)
}

// CheckUsername はユーザー名が使用済みかどうかを返す。
// GET /api/usernames/{username}
func (h *ProfileHandler) CheckUsername(w http.ResponseWriter, r *http.Request) {
	username := pathParam(r, "username")
	taken, err := h.service.IsUsernameTaken(r.Context(), username)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, profileapi.UsernameAvailability{Username: username, Taken: taken})
}

// Create はプロフィールを作成する。
// POST /api/profiles
func (h *ProfileHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req profileapi.CreateProfileRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	p, err := h.service.CreateProfile(r.Context(), req.Model())
	if err != nil {
		if errors.Is(err, model.ErrUsernameTaken) && h.conflicts != nil {
			h.conflicts.RecordUsernameConflict()
		}
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, profileapi.NewProfileJSON(p))
}

// MigrateIdentity はプロフィールのIdPユーザーIDを付け替える。
// PUT /api/profiles/{id}/identity
func (h *ProfileHandler) MigrateIdentity(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")
	var req profileapi.MigrateIdentityRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	p, err := h.service.MigrateIdentityID(r.Context(), &model.Profile{ID: id}, req.IdentityID)
	h.writeProfile(w, p, err, id)
}

// Update はIdPユーザーIDで特定したプロフィールを部分更新する。
// PATCH /api/profiles/identity/{identityID}
func (h *ProfileHandler) Update(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "identityID")
	var req profileapi.UpdateProfileRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	p, err := h.service.UpdateProfile(r.Context(), id, req.Model())
	h.writeProfile(w, p, err, id)
}

// RedeemReferral は紹介コードを適用する。
// POST /api/referrals/redeem
func (h *ProfileHandler) RedeemReferral(w http.ResponseWriter, r *http.Request) {
	var req profileapi.RedeemReferralRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	if err := h.service.ApplyReferralCode(r.Context(), req.Code, req.IdentityID); err != nil {
		handleServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// writeProfile はプロフィールを返す。nilの場合は404を返す。
func (h *ProfileHandler) writeProfile(w http.ResponseWriter, p *model.Profile, err error, key string) {
	if err != nil {
		handleServiceError(w, err)
		return
	}
	if p == nil {
		handleServiceError(w, model.NewProfileNotFoundError(key))
		return
	}
	writeJSON(w, http.StatusOK, profileapi.NewProfileJSON(p))
}

// pathParam はURLパラメータをデコードして返す。
func pathParam(r *http.Request, key string) string {
	raw := chi.URLParam(r, key)
	if v, err := url.PathUnescape(raw); err == nil {
		return v
	}
	return raw
}
