package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/hitoshi/linkpay/internal/authphase"
	"github.com/hitoshi/linkpay/internal/cache"
	"github.com/hitoshi/linkpay/internal/config"
	"github.com/hitoshi/linkpay/internal/database"
	"github.com/hitoshi/linkpay/internal/handler"
	"github.com/hitoshi/linkpay/internal/identity"
	"github.com/hitoshi/linkpay/internal/logger"
	"github.com/hitoshi/linkpay/internal/metrics"
	"github.com/hitoshi/linkpay/internal/middleware"
	"github.com/hitoshi/linkpay/internal/model"
	"github.com/hitoshi/linkpay/internal/profile"
	"github.com/hitoshi/linkpay/internal/profileapi"
	"github.com/hitoshi/linkpay/internal/repository"
	"github.com/hitoshi/linkpay/internal/security"
)

const (
	// imageProbeTimeout は画像URLの到達確認のタイムアウト。
	imageProbeTimeout = 5 * time.Second
	// shutdownTimeout はグレースフルシャットダウンの待ち時間。
	shutdownTimeout = 30 * time.Second
)

// Init はアプリケーションの初期化を行う。
// JSON構造化ログをセットアップし、環境変数からConfigを読み込んでサブコマンドに必要な項目を検証する。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer, cmd Command) (*config.Config, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w, string(cmd))

	// 2. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(string(cmd)); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	if err := logger.SetLevel(cfg.LogLevel); err != nil {
		slog.Warn("ログレベルの指定が不正なためinfoで出力します", slog.String("log_level", cfg.LogLevel))
	}

	return cfg, nil
}

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// argsにはos.Args[1:]を渡す。
func Run(w io.Writer, args []string) error {
	cmd := ParseCommand(args)

	// healthcheck は軽量サブコマンドのため、フル初期化をスキップする
	if cmd == CommandHealthcheck {
		return runHealthcheck(healthcheckPort(healthcheckTarget(args)))
	}

	cfg, err := Init(w, cmd)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	slog.Info("starting application", slog.String("command", string(cmd)))

	switch cmd {
	case CommandAgent:
		return runAgent(ctx, cfg)
	case CommandMigrate:
		return runMigrate(cfg)
	default:
		return runServe(ctx, cfg)
	}
}

// runServe はプロフィールストアAPIサーバーモードで起動する。
// DB接続を開き、全依存関係をワイヤリングし、HTTPサーバーを起動する。
// ctxがキャンセルされるとグレースフルシャットダウンを行う。
func runServe(ctx context.Context, cfg *config.Config) error {
	// 1. DB接続
	db, err := database.Open(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	slog.Info("database connection established")

	// 2. リポジトリとサービスの初期化
	profileRepo := repository.NewPostgresProfileRepo(db)
	referralRepo := repository.NewPostgresReferralRepo(db)
	imageGuard := security.NewImageGuard(imageProbeTimeout)
	profileService := profile.NewService(profileRepo, referralRepo, imageGuard, cfg.VerifyImageURLs, slog.Default())

	// 3. メトリクス
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	collector := metrics.NewCollector(registry)

	// 4. ルーターの構築
	rateLimiter := middleware.NewRateLimiter(
		middleware.PerMinuteRateLimiterConfig(cfg.RateLimitGeneral, cfg.RateLimitRegistration),
	)
	defer rateLimiter.Stop()

	router := handler.NewRouter(&handler.RouterDeps{
		Logger:            slog.Default(),
		APIKey:            cfg.APIKey,
		CORSAllowedOrigin: cfg.CORSAllowedOrigin,
		RateLimiter:       rateLimiter,
		RequestRecorder:   collector,
		HealthChecker:     db,
		MetricsHandler:    metrics.Handler(registry),
		ProfileService:    profileService,
		ConflictRecorder:  collector,
	})

	if cfg.APIKey == "" {
		slog.Warn("API_KEYが未設定のため認証なしでAPIを公開します")
	}

	// 5. HTTPサーバーの起動
	return serveHTTP(ctx, &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	})
}

// runAgent は認証フェーズエージェントとして起動する。
// 端末キャッシュを開き、IdPの状態を監視して状態機械を駆動し、フェーズAPIを公開する。
func runAgent(ctx context.Context, cfg *config.Config) error {
	// 1. 端末キャッシュ
	cacheDSN := cfg.CachePath
	if cfg.CacheBackend == string(cache.BackendRedis) {
		cacheDSN = cfg.RedisURL
	}
	store, closeCache, err := cache.Open(ctx, cfg.CacheBackend, cacheDSN)
	if err != nil {
		return fmt.Errorf("failed to open cache: %w", err)
	}
	defer func() {
		if err := closeCache(); err != nil {
			slog.Error("キャッシュのクローズに失敗しました", slog.String("error", err.Error()))
		}
	}()

	slog.Info("cache opened", slog.String("backend", cfg.CacheBackend))

	// 2. IdPの状態
	// SDKブリッジかポーラーが最初の状態を届けるまでは読み込み中として扱う
	source := identity.NewSource(model.ProviderState{IsLoading: true})
	if cfg.IdentityStatusURL != "" {
		poller := identity.NewPoller(source, &http.Client{Timeout: 5 * time.Second},
			cfg.IdentityStatusURL, cfg.IdentityPollInterval, slog.Default())
		go poller.Start(ctx)
	}

	// 3. プロフィールストアクライアント
	client := profileapi.NewClient(cfg.ProfileAPIURL, cfg.APIKey,
		&http.Client{Timeout: cfg.ProfileStoreTimeout}, slog.Default())

	// 4. メトリクス
	registry := prometheus.NewRegistry()
	collector := metrics.NewCollector(registry)

	// 5. 状態機械
	machine := authphase.New(authphase.Deps{
		Provider:  source,
		Profiles:  client,
		Referrals: client,
		Cache:     store,
		Logger:    slog.Default(),
		Recorder:  collector,
	}, authphase.Config{
		FreshWindow:     cfg.BootWindowFresh,
		ReturningWindow: cfg.BootWindowReturning,
		ExtensionWindow: cfg.BootWindowExtension,
		StoreTimeout:    cfg.ProfileStoreTimeout,
	})

	// サーバーが異常終了した場合も状態機械を止める
	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()

	runDone := make(chan struct{})
	go func() {
		defer close(runDone)
		machine.Run(runCtx)
	}()

	router := handler.NewAgentRouter(&handler.AgentRouterDeps{
		Logger:            slog.Default(),
		APIKey:            cfg.APIKey,
		CORSAllowedOrigin: cfg.CORSAllowedOrigin,
		RequestRecorder:   collector,
		MetricsHandler:    metrics.Handler(registry),
		Machine:           machine,
		Identity:          source,
	})

	// websocketの配信が長時間続くためWriteTimeoutは設定しない
	err = serveHTTP(ctx, &http.Server{
		Addr:              ":" + cfg.AgentPort,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	})

	cancelRun()
	<-runDone
	// 実行中のプロフィール解決とキャッシュ書き込みを待つ
	machine.Wait()
	slog.Info("agent stopped", slog.String("phase", string(machine.Phase())))
	return err
}

// serveHTTP はHTTPサーバーを起動し、ctxのキャンセルでグレースフルシャットダウンする。
func serveHTTP(ctx context.Context, server *http.Server) error {
	errCh := make(chan error, 1)
	go func() {
		slog.Info("HTTP server starting", slog.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("server listen error: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	slog.Info("shutting down HTTP server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	slog.Info("HTTP server stopped gracefully")
	return nil
}

// runMigrate はデータベースマイグレーションを実行する。
// すべての未適用マイグレーションを順番に適用する。
func runMigrate(cfg *config.Config) error {
	slog.Info("running database migrations",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	version, err := database.RunMigrations(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	slog.Info("database migrations completed successfully", slog.Uint64("version", uint64(version)))
	return nil
}

// healthcheckPort は確認対象のポートを環境変数から決める。
func healthcheckPort(target Command) string {
	key, def := "SERVER_PORT", "8080"
	if target == CommandAgent {
		key, def = "AGENT_PORT", "8081"
	}
	if port := os.Getenv(key); port != "" {
		return port
	}
	return def
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /health エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(port string) error {
	target := fmt.Sprintf("http://localhost:%s/health", port)
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(target)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}

// maskDatabaseURL はデータベースURLのパスワードをマスクする。
// 解析できない場合は全体を伏せる。
func maskDatabaseURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "***"
	}
	if _, ok := u.User.Password(); ok {
		u.User = url.UserPassword(u.User.Username(), "xxxxx")
	}
	u.RawQuery = ""
	return u.String()
}
