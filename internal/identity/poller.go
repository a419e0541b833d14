package identity

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/time/rate"
)

// maxStateSize はSDKブリッジ応答の最大サイズ。
const maxStateSize = 64 * 1024

// Poller はSDKブリッジの状態エンドポイントを定期的に取得し、Sourceへ反映する。
// 取得に失敗した場合は直前の状態を維持する。
type Poller struct {
	source     *Source
	httpClient *http.Client
	url        string
	limiter    *rate.Limiter
	logger     *slog.Logger
}

// NewPoller はPollerを生成する。intervalが0以下の場合は1秒間隔で取得する。
func NewPoller(source *Source, httpClient *http.Client, url string, interval time.Duration, logger *slog.Logger) *Poller {
	if interval <= 0 {
		interval = time.Second
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 5 * time.Second}
	}
	return &Poller{
		source:     source,
		httpClient: httpClient,
		url:        url,
		limiter:    rate.NewLimiter(rate.Every(interval), 1),
		logger:     logger,
	}
}

// Start はコンテキストがキャンセルされるまでポーリングを継続する。
func (p *Poller) Start(ctx context.Context) {
	p.logger.Info("IdP状態のポーリングを開始しました",
		slog.String("url", p.url),
	)

	for {
		if err := p.limiter.Wait(ctx); err != nil {
			p.logger.Info("IdP状態のポーリングを停止しました")
			return
		}
		if err := p.RunOnce(ctx); err != nil {
			p.logger.Warn("IdP状態の取得に失敗しました",
				slog.String("error", err.Error()),
			)
		}
	}
}

// RunOnce は状態エンドポイントを1回取得してSourceに反映する。
func (p *Poller) RunOnce(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, nil)
	if err != nil {
		return fmt.Errorf("failed to create state request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("state request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("state endpoint returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxStateSize))
	if err != nil {
		return fmt.Errorf("failed to read state response: %w", err)
	}

	state, err := DecodeState(body)
	if err != nil {
		return err
	}

	p.source.Set(state)
	return nil
}
