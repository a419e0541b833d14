package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Database
	DatabaseURL string

	// Profile Store API（エージェント側の接続先）
	ProfileAPIURL string

	// Server
	ServerPort string
	AgentPort  string
	APIKey     string

	// CORS
	CORSAllowedOrigin string

	// Device cache
	CacheBackend string
	CachePath    string
	RedisURL     string

	// Identity provider
	IdentityStatusURL    string
	IdentityPollInterval time.Duration

	// Boot windows
	BootWindowFresh     time.Duration
	BootWindowReturning time.Duration
	BootWindowExtension time.Duration
	ProfileStoreTimeout time.Duration

	// Rate Limit (req/min)
	RateLimitGeneral      int
	RateLimitRegistration int

	// Image URL
	VerifyImageURLs bool

	// Logging
	LogLevel string
}

// Load は環境変数からConfigを読み込む。
// 必須項目はサブコマンドごとに異なるため、検証はValidateで行う。
func Load() (*Config, error) {
	cfg := &Config{
		DatabaseURL:   os.Getenv("DATABASE_URL"),
		ProfileAPIURL: strings.TrimRight(os.Getenv("PROFILE_API_URL"), "/"),
		APIKey:        os.Getenv("API_KEY"),
		RedisURL:      os.Getenv("REDIS_URL"),

		IdentityStatusURL: os.Getenv("IDENTITY_STATUS_URL"),
	}

	cfg.ServerPort = getEnvString("SERVER_PORT", "8080")
	cfg.AgentPort = getEnvString("AGENT_PORT", "8081")
	cfg.CORSAllowedOrigin = getEnvString("CORS_ALLOWED_ORIGIN", "")
	cfg.CacheBackend = strings.ToLower(getEnvString("CACHE_BACKEND", "sqlite"))
	cfg.CachePath = getEnvString("CACHE_PATH", "linkpay-cache.db")
	cfg.IdentityPollInterval = getEnvDuration("IDENTITY_POLL_INTERVAL", time.Second)
	cfg.BootWindowFresh = getEnvDuration("BOOT_WINDOW_FRESH", 1500*time.Millisecond)
	cfg.BootWindowReturning = getEnvDuration("BOOT_WINDOW_RETURNING", 5*time.Second)
	cfg.BootWindowExtension = getEnvDuration("BOOT_WINDOW_EXTENSION", 8*time.Second)
	cfg.ProfileStoreTimeout = getEnvDuration("PROFILE_STORE_TIMEOUT", 10*time.Second)
	cfg.RateLimitGeneral = getEnvInt("RATE_LIMIT_GENERAL", 120)
	cfg.RateLimitRegistration = getEnvInt("RATE_LIMIT_REGISTRATION", 10)
	cfg.VerifyImageURLs = getEnvBool("VERIFY_IMAGE_URLS", false)
	cfg.LogLevel = getEnvString("LOG_LEVEL", "info")

	switch cfg.CacheBackend {
	case "memory", "sqlite", "redis":
	default:
		return nil, fmt.Errorf("unsupported CACHE_BACKEND: %q", cfg.CacheBackend)
	}
	if cfg.CacheBackend == "redis" && cfg.RedisURL == "" {
		return nil, fmt.Errorf("REDIS_URL is required when CACHE_BACKEND=redis")
	}

	return cfg, nil
}

// Validate はサブコマンドに必要な環境変数が設定されているかを検証する。
func (c *Config) Validate(command string) error {
	var missing []string

	switch command {
	case "serve", "migrate":
		if c.DatabaseURL == "" {
			missing = append(missing, "DATABASE_URL")
		}
	case "agent":
		if c.ProfileAPIURL == "" {
			missing = append(missing, "PROFILE_API_URL")
		}
	}

	if len(missing) > 0 {
		return fmt.Errorf("required environment variables are not set: %v", missing)
	}
	return nil
}

func getEnvString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil || i <= 0 {
		return defaultVal
	}
	return i
}

func getEnvBool(key string, defaultVal bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultVal
	}
	return b
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return defaultVal
	}
	return d
}
