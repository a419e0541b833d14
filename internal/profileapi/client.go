package profileapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hitoshi/linkpay/internal/authphase"
	"github.com/hitoshi/linkpay/internal/model"
)

// コンパイル時にインターフェース実装を検証する。
var (
	_ authphase.ProfileStore    = (*Client)(nil)
	_ authphase.ReferralApplier = (*Client)(nil)
)

const (
	// defaultMaxRetries は429/5xxと通信エラー時の最大リトライ回数。
	defaultMaxRetries = 3
	// initialBackoff は指数バックオフの初回遅延。
	initialBackoff = 200 * time.Millisecond
	// maxBackoff は指数バックオフの最大遅延。
	maxBackoff = 2 * time.Second
	// maxResponseBytes はレスポンスボディの読み取り上限（1MB）。
	maxResponseBytes = 1 << 20
)

// errNotFound は404を表す内部エラー。検索系では (nil, nil) に変換する。
var errNotFound = errors.New("not found")

// Client はプロフィールストアREST APIのクライアント。
// エージェントの状態機械からプロフィールストアとして使われる。
type Client struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	logger     *slog.Logger
	maxRetries int
	sleep      func(ctx context.Context, d time.Duration) error // テスト用に差し替え可能
}

// NewClient はClientの新しいインスタンスを生成する。
// apiKeyが空の場合はAuthorizationヘッダーを付けない。
func NewClient(baseURL, apiKey string, httpClient *http.Client, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		httpClient: httpClient,
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		logger:     logger,
		maxRetries: defaultMaxRetries,
		sleep:      sleepContext,
	}
}

// GetProfileByIdentityID はIdPユーザーIDでプロフィールを取得する。
func (c *Client) GetProfileByIdentityID(ctx context.Context, identityID string) (*model.Profile, error) {
	return c.getProfile(ctx, "/api/profiles/identity/"+url.PathEscape(identityID))
}

// GetProfileByEmail はメールアドレスでプロフィールを取得する。
func (c *Client) GetProfileByEmail(ctx context.Context, email string) (*model.Profile, error) {
	return c.getProfile(ctx, "/api/profiles/email/"+url.PathEscape(email))
}

// GetProfileByUsername はユーザー名でプロフィールを取得する。
func (c *Client) GetProfileByUsername(ctx context.Context, username string) (*model.Profile, error) {
	return c.getProfile(ctx, "/api/profiles/username/"+url.PathEscape(username))
}

// IsUsernameTaken はユーザー名が使用済みかどうかを返す。
func (c *Client) IsUsernameTaken(ctx context.Context, username string) (bool, error) {
	var out UsernameAvailability
	if err := c.do(ctx, http.MethodGet, "/api/usernames/"+url.PathEscape(username), nil, &out); err != nil {
		return false, err
	}
	return out.Taken, nil
}

// CreateProfile はプロフィールを作成する。
// ユーザー名が使用済みの場合は model.ErrUsernameTaken に一致するエラーを返す。
func (c *Client) CreateProfile(ctx context.Context, p model.NewProfile) (*model.Profile, error) {
	req := CreateProfileRequest{
		IdentityID:    p.IdentityID,
		Username:      p.Username,
		Handle:        p.Handle,
		WalletAddress: p.WalletAddress,
		Email:         p.Email,
		ImageURL:      p.ImageURL,
	}
	var out ProfileJSON
	if err := c.do(ctx, http.MethodPost, "/api/profiles", req, &out); err != nil {
		return nil, err
	}
	return out.Model(), nil
}

// MigrateIdentityID は既存プロフィールのIdPユーザーIDを付け替える。
func (c *Client) MigrateIdentityID(ctx context.Context, existing *model.Profile, newIdentityID string) (*model.Profile, error) {
	if existing == nil || existing.ID == "" {
		return nil, model.NewProfileNotFoundError("")
	}
	var out ProfileJSON
	err := c.do(ctx, http.MethodPut, "/api/profiles/"+url.PathEscape(existing.ID)+"/identity",
		MigrateIdentityRequest{IdentityID: newIdentityID}, &out)
	if errors.Is(err, errNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return out.Model(), nil
}

// UpdateProfile はIdPユーザーIDで特定したプロフィールを部分更新する。
func (c *Client) UpdateProfile(ctx context.Context, identityID string, update model.ProfileUpdate) (*model.Profile, error) {
	req := UpdateProfileRequest{
		Email:         update.Email,
		ImageURL:      update.ImageURL,
		WalletAddress: update.WalletAddress,
	}
	var out ProfileJSON
	err := c.do(ctx, http.MethodPatch, "/api/profiles/identity/"+url.PathEscape(identityID), req, &out)
	if errors.Is(err, errNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return out.Model(), nil
}

// ApplyReferralCode は紹介コードを適用する。
func (c *Client) ApplyReferralCode(ctx context.Context, code, identityID string) error {
	err := c.do(ctx, http.MethodPost, "/api/referrals/redeem",
		RedeemReferralRequest{Code: code, IdentityID: identityID}, nil)
	if errors.Is(err, errNotFound) {
		return model.NewProfileNotFoundError(identityID)
	}
	return err
}

func (c *Client) getProfile(ctx context.Context, path string) (*model.Profile, error) {
	var out ProfileJSON
	err := c.do(ctx, http.MethodGet, path, nil, &out)
	if errors.Is(err, errNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return out.Model(), nil
}

// do はリクエストを送信し、2xxのレスポンスボディをoutにデコードする。
// 429/5xxと通信エラーは指数バックオフでリトライする。
func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var payload []byte
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		payload = b
	}

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			if err := c.sleep(ctx, backoff(attempt-1)); err != nil {
				return err
			}
		}

		status, body, err := c.send(ctx, method, path, payload)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			lastErr = err
			c.logger.Warn("プロフィールAPIの呼び出しに失敗しました",
				slog.String("method", method),
				slog.String("path", path),
				slog.Int("attempt", attempt+1),
				slog.String("error", err.Error()),
			)
			continue
		}

		if retryable(status) {
			lastErr = fmt.Errorf("プロフィールAPIがステータス %d を返しました", status)
			c.logger.Warn("プロフィールAPIがリトライ対象のステータスを返しました",
				slog.String("method", method),
				slog.String("path", path),
				slog.Int("http_status", status),
				slog.Int("attempt", attempt+1),
			)
			continue
		}

		return c.decodeResponse(method, path, status, body, out)
	}

	return fmt.Errorf("プロフィールAPIのリトライ上限に達しました: %w", lastErr)
}

func (c *Client) send(ctx context.Context, method, path string, payload []byte) (int, []byte, error) {
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return 0, nil, fmt.Errorf("HTTPリクエストの作成に失敗しました: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return 0, nil, fmt.Errorf("レスポンスボディの読み取りに失敗しました: %w", err)
	}
	return resp.StatusCode, body, nil
}

// decodeResponse はステータスに応じてボディをデコードする。
func (c *Client) decodeResponse(method, path string, status int, body []byte, out any) error {
	if status >= 200 && status < 300 {
		if out == nil || status == http.StatusNoContent || len(body) == 0 {
			return nil
		}
		if err := json.Unmarshal(body, out); err != nil {
			return fmt.Errorf("レスポンスJSONのパースに失敗しました: %w", err)
		}
		return nil
	}

	var eb errorBody
	if len(body) > 0 {
		if err := json.Unmarshal(body, &eb); err != nil {
			c.logger.Debug("エラーレスポンスのパースに失敗しました",
				slog.String("method", method),
				slog.String("path", path),
				slog.Int("http_status", status),
				slog.String("error", err.Error()),
			)
		}
	}

	switch {
	case status == http.StatusNotFound && (eb.Code == "" || eb.Code == model.ErrCodeProfileNotFound):
		return errNotFound
	case status == http.StatusConflict && eb.Code == "":
		return model.NewUsernameTakenError("")
	case eb.Code != "":
		return eb.apiError()
	default:
		return fmt.Errorf("プロフィールAPIがステータス %d を返しました", status)
	}
}

func retryable(status int) bool {
	return status == http.StatusTooManyRequests || status >= 500
}

// backoff はリトライ回数に応じた遅延を返す。初回200ms、2倍ずつ増加、最大2秒。
func backoff(retry int) time.Duration {
	d := initialBackoff
	for i := 0; i < retry; i++ {
		d *= 2
		if d > maxBackoff {
			return maxBackoff
		}
	}
	return d
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
