// Package security はアプリケーションのセキュリティ機能を提供する。
package security

import (
	"context"
	"fmt"
	"io"
	"mime"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/doyensec/safeurl"
)

// ImageURLGuard はプロフィール画像URLの検証インターフェースを定義する。
// IdPから渡される画像URLは外部入力として扱う。
type ImageURLGuard interface {
	// ValidateImageURL はURLを静的に検証する。DNS解決は行わない。
	ValidateImageURL(rawURL string) error

	// ProbeImage はURLを静的に検証したうえで実際にリクエストし、画像が取得できることを確認する。
	ProbeImage(ctx context.Context, rawURL string) error
}

// maxImageURLLength は保存する画像URLの最大長。
const maxImageURLLength = 2048

// blockedNetworks は画像URLとして許可しないネットワーク範囲。
// safeurlはDNS解決後のIPアドレスもDialerで検証するため、ここでの照合はIPリテラルに対する事前チェック。
var blockedNetworks []net.IPNet

func init() {
	cidrs := []string{
		// プライベートIPアドレス (RFC 1918)
		"10.0.0.0/8",
		"172.16.0.0/12",
		"192.168.0.0/16",
		// ループバック
		"127.0.0.0/8",
		// リンクローカル（クラウドメタデータIPを含む）
		"169.254.0.0/16",
		"0.0.0.0/8",
		"::1/128",
		"fe80::/10",
		"fc00::/7",
	}
	for _, cidr := range cidrs {
		_, network, err := net.ParseCIDR(cidr)
		if err != nil {
			panic(fmt.Sprintf("invalid CIDR in blockedNetworks: %s: %v", cidr, err))
		}
		blockedNetworks = append(blockedNetworks, *network)
	}
}

// ImageGuard はImageURLGuardの実装。
type ImageGuard struct {
	client *http.Client
}

// NewImageGuard はSSRF防止機能付きのHTTPクライアントを持つImageGuardを生成する。
// safeurlによりプライベートIP、ループバック、リンクローカル、メタデータIPへの接続は
// DNS解決後の段階でもブロックされる。
func NewImageGuard(timeout time.Duration) *ImageGuard {
	config := safeurl.GetConfigBuilder().
		SetTimeout(timeout).
		SetAllowedSchemes("https").
		SetAllowedPorts(443).
		Build()

	return &ImageGuard{client: safeurl.Client(config).Client}
}

// ValidateImageURL は画像URLを静的に検証する。
// httpsのみ許可し、IPリテラルのプライベートアドレスとlocalhostを拒否する。
func (g *ImageGuard) ValidateImageURL(rawURL string) error {
	if rawURL == "" {
		return fmt.Errorf("empty URL")
	}
	if len(rawURL) > maxImageURLLength {
		return fmt.Errorf("URL too long: %d bytes", len(rawURL))
	}

	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}
	if !strings.EqualFold(parsed.Scheme, "https") {
		return fmt.Errorf("disallowed scheme: %q (only https)", parsed.Scheme)
	}
	if parsed.User != nil {
		return fmt.Errorf("credentials in URL are not allowed")
	}

	host := parsed.Hostname()
	if host == "" {
		return fmt.Errorf("empty host in URL: %s", rawURL)
	}
	if ip := net.ParseIP(host); ip != nil {
		if isBlockedIP(ip) {
			return fmt.Errorf("blocked IP address: %s", ip.String())
		}
		return nil
	}
	if isBlockedHostname(host) {
		return fmt.Errorf("blocked host: %s", host)
	}
	return nil
}

// ProbeImage は画像URLを検証し、SSRF防止クライアントで取得できることを確認する。
func (g *ImageGuard) ProbeImage(ctx context.Context, rawURL string) error {
	if err := g.ValidateImageURL(rawURL); err != nil {
		return err
	}
	return g.probe(ctx, rawURL)
}

// probe はGETで先頭だけを読み、ステータスとContent-Typeを確認する。
func (g *ImageGuard) probe(ctx context.Context, rawURL string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return fmt.Errorf("failed to create image request: %w", err)
	}
	req.Header.Set("Range", "bytes=0-511")

	resp, err := g.client.Do(req)
	if err != nil {
		return fmt.Errorf("image request failed: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 512))

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusPartialContent {
		return fmt.Errorf("image endpoint returned status %d", resp.StatusCode)
	}
	mediaType, _, err := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if err != nil || !strings.HasPrefix(mediaType, "image/") {
		return fmt.Errorf("not an image: %q", resp.Header.Get("Content-Type"))
	}
	return nil
}

func isBlockedIP(ip net.IP) bool {
	for _, network := range blockedNetworks {
		if network.Contains(ip) {
			return true
		}
	}
	return false
}

func isBlockedHostname(host string) bool {
	lower := strings.TrimSuffix(strings.ToLower(host), ".")
	return lower == "localhost" || strings.HasSuffix(lower, ".localhost")
}

// compile-time interface check
var _ ImageURLGuard = (*ImageGuard)(nil)
