package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/linkpay/internal/middleware"
)

// HealthChecker は依存先の疎通を確認する。
type HealthChecker interface {
	PingContext(ctx context.Context) error
}

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	// ミドルウェア依存
	Logger            *slog.Logger
	APIKey            string
	CORSAllowedOrigin string
	RateLimiter       *middleware.RateLimiter
	RequestRecorder   middleware.RequestRecorder

	// ヘルスチェックとメトリクス
	HealthChecker  HealthChecker
	MetricsHandler http.Handler

	// プロフィール
	ProfileService   ProfileServiceInterface
	ConflictRecorder ConflictRecorder
}

// NewRouter はプロフィールストアAPIのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	CORS → Recovery → Logging → SecurityHeaders → APIKey → RateLimit(General)
//
// /health と /metrics はAPIキーとレート制限の外に配置する。
func NewRouter(deps *RouterDeps) http.Handler {
	r := chi.NewRouter()
	logger := loggerOrDefault(deps.Logger)

	r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigin))
	r.Use(middleware.NewRecoveryMiddleware(logger))
	r.Use(middleware.NewLoggingMiddleware(logger, deps.RequestRecorder))

	profileHandler := NewProfileHandler(deps.ProfileService, deps.ConflictRecorder)

	r.Get("/health", healthHandler(deps.HealthChecker))
	if deps.MetricsHandler != nil {
		r.Handle("/metrics", deps.MetricsHandler)
	}

	r.Group(func(r chi.Router) {
		r.Use(middleware.NewSecurityHeadersMiddleware())
		r.Use(middleware.NewAPIKeyMiddleware(deps.APIKey))
		r.Use(deps.RateLimiter.GeneralMiddleware())

		registration := deps.RateLimiter.RegistrationMiddleware()

		r.Route("/api/profiles", func(r chi.Router) {
			// POST /api/profiles - プロフィール作成（登録系のレート制限を追加）
			r.With(registration).Post("/", profileHandler.Create)

			r.Get("/identity/{identityID}", profileHandler.GetByIdentityID)
			r.Patch("/identity/{identityID}", profileHandler.Update)
			r.Get("/email/{email}", profileHandler.GetByEmail)
			r.Get("/username/{username}", profileHandler.GetByUsername)
			r.Put("/{id}/identity", profileHandler.MigrateIdentity)
		})

		r.With(registration).Get("/api/usernames/{username}", profileHandler.CheckUsername)
		r.Post("/api/referrals/redeem", profileHandler.RedeemReferral)
	})

	return r
}

// AgentRouterDeps はNewAgentRouterに必要な依存関係をまとめた構造体。
type AgentRouterDeps struct {
	Logger            *slog.Logger
	APIKey            string
	CORSAllowedOrigin string
	RequestRecorder   middleware.RequestRecorder
	MetricsHandler    http.Handler

	Machine  PhaseMachine
	Identity IdentityStateSink
}

// NewAgentRouter はエージェントのフェーズAPIのルーティングを構成したchi.Routerを返す。
func NewAgentRouter(deps *AgentRouterDeps) http.Handler {
	r := chi.NewRouter()
	logger := loggerOrDefault(deps.Logger)

	r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigin))
	r.Use(middleware.NewRecoveryMiddleware(logger))
	r.Use(middleware.NewLoggingMiddleware(logger, deps.RequestRecorder))

	h := NewPhaseHandler(deps.Machine, deps.Identity, deps.CORSAllowedOrigin, logger)

	r.Get("/health", healthHandler(nil))
	if deps.MetricsHandler != nil {
		r.Handle("/metrics", deps.MetricsHandler)
	}

	r.Group(func(r chi.Router) {
		r.Use(middleware.NewAPIKeyMiddleware(deps.APIKey))

		r.Get("/phase", h.GetPhase)
		r.Get("/phase/stream", h.StreamPhase)
		r.Post("/identity/state", h.PushIdentityState)
		r.Post("/onboarding/complete", h.CompleteOnboarding)
		r.Post("/username", h.CompleteUsernameSetup)
	})

	return r
}

// healthHandler は疎通確認のハンドラーを返す。checkerがnilの場合は常に200を返す。
func healthHandler(checker HealthChecker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if checker != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
			defer cancel()
			if err := checker.PingContext(ctx); err != nil {
				slog.Error("health check failed", slog.String("error", err.Error()))
				writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
				return
			}
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

func loggerOrDefault(logger *slog.Logger) *slog.Logger {
	if logger == nil {
		return slog.Default()
	}
	return logger
}
