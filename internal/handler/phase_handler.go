package handler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hitoshi/linkpay/internal/identity"
	"github.com/hitoshi/linkpay/internal/middleware"
	"github.com/hitoshi/linkpay/internal/model"
)

const (
	// streamWriteTimeout はwebsocketへの1回の書き込みのタイムアウト。
	streamWriteTimeout = 5 * time.Second
	// streamPingInterval は接続維持のためのPing送信間隔。
	streamPingInterval = 30 * time.Second
)

// PhaseMachine はフェーズハンドラーが必要とする状態機械のインターフェース。
type PhaseMachine interface {
	Phase() model.Phase
	Subscribe() (<-chan model.Phase, func())
	CompleteOnboarding(ctx context.Context) error
	CompleteUsernameSetup(ctx context.Context, username, referralCode string) error
}

// IdentityStateSink はSDKブリッジから受け取ったIdPの状態を反映する。
type IdentityStateSink interface {
	Set(state model.ProviderState) bool
}

// PhaseResponse はフェーズのJSON表現。
type PhaseResponse struct {
	Phase model.Phase `json:"phase"`
}

// UsernameSetupRequest は POST /username のリクエストボディ。
type UsernameSetupRequest struct {
	Username     string `json:"username"`
	ReferralCode string `json:"referralCode,omitempty"`
}

// PhaseHandler はエージェントの認証フェーズHTTPハンドラー。
type PhaseHandler struct {
	machine  PhaseMachine
	identity IdentityStateSink
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

// NewPhaseHandler はPhaseHandlerを生成する。
// allowedOriginが空の場合、websocketはOriginヘッダーのない接続かホストと同一オリジンのみ受け付ける。
func NewPhaseHandler(machine PhaseMachine, sink IdentityStateSink, allowedOrigin string, logger *slog.Logger) *PhaseHandler {
	if logger == nil {
		logger = slog.Default()
	}
	h := &PhaseHandler{machine: machine, identity: sink, logger: logger}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" || (allowedOrigin != "" && origin == allowedOrigin) {
				return true
			}
			return strings.EqualFold(strings.TrimPrefix(strings.TrimPrefix(origin, "http://"), "https://"), r.Host)
		},
	}
	return h
}

// GetPhase は現在のフェーズを返す。
// GET /phase
func (h *PhaseHandler) GetPhase(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, PhaseResponse{Phase: h.machine.Phase()})
}

// StreamPhase はフェーズの変化をwebsocketで配信する。
// 接続直後に現在のフェーズを送り、以降は変化のたびに最新のフェーズを送る。
// GET /phase/stream
func (h *PhaseHandler) StreamPhase(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgradeがエラーレスポンスを書き込み済み
		h.logger.Warn("websocketのアップグレードに失敗しました", slog.String("error", err.Error()))
		return
	}
	defer conn.Close()

	phases, cancel := h.machine.Subscribe()
	defer cancel()

	// クライアントからの切断を検知する
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(streamPingInterval)
	defer ping.Stop()

	for {
		select {
		case phase := <-phases:
			conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
			if err := conn.WriteJSON(PhaseResponse{Phase: phase}); err != nil {
				h.logger.Debug("フェーズの配信を終了します", slog.String("error", err.Error()))
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(streamWriteTimeout)); err != nil {
				return
			}
		case <-closed:
			return
		}
	}
}

// PushIdentityState はSDKブリッジからIdPの状態を受け取る。
// POST /identity/state
func (h *PhaseHandler) PushIdentityState(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBodyBytes))
	if err != nil {
		middleware.WriteErrorResponse(w, http.StatusRequestEntityTooLarge, &model.APIError{
			Code:     "INVALID_REQUEST",
			Message:  "リクエストボディが大きすぎます。",
			Category: "validation",
			Action:   "IdPの状態のみを送信してください。",
		})
		return
	}

	state, err := identity.DecodeState(body)
	if err != nil {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, &model.APIError{
			Code:     "INVALID_IDENTITY_STATE",
			Message:  "IdPの状態を解析できません。",
			Category: "validation",
			Action:   "SDKブリッジの出力形式を確認してください。",
		})
		return
	}

	if h.identity.Set(state) {
		h.logger.Debug("IdPの状態を更新しました",
			slog.Bool("connected", state.IsConnected),
			slog.Bool("loading", state.IsLoading),
		)
	}
	w.WriteHeader(http.StatusNoContent)
}

// CompleteOnboarding はオンボーディングの完了を記録する。
// キャッシュへの保存に失敗してもフェーズは進むため204を返す。
// POST /onboarding/complete
func (h *PhaseHandler) CompleteOnboarding(w http.ResponseWriter, r *http.Request) {
	err := h.machine.CompleteOnboarding(r.Context())
	if errors.Is(err, model.ErrInvalidPhase) {
		handleServiceError(w, err)
		return
	}
	if err != nil {
		h.logger.Warn("オンボーディング完了の保存に失敗しました", slog.String("error", err.Error()))
	}
	w.WriteHeader(http.StatusNoContent)
}

// CompleteUsernameSetup はユーザー名を登録する。
// POST /username
func (h *PhaseHandler) CompleteUsernameSetup(w http.ResponseWriter, r *http.Request) {
	var req UsernameSetupRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	if err := h.machine.CompleteUsernameSetup(r.Context(), req.Username, req.ReferralCode); err != nil {
		handleServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
