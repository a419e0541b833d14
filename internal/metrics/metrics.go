// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hitoshi/linkpay/internal/authphase"
	"github.com/hitoshi/linkpay/internal/model"
)

// Collector が状態機械のRecorderとして使えることを保証する。
var _ authphase.Recorder = (*Collector)(nil)

// HTTPRecorder はHTTPハンドラーから利用するメトリクスのインターフェース。
type HTTPRecorder interface {
	RecordHTTPRequest(method string, statusCode int, duration time.Duration)
	RecordUsernameConflict()
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	transitions      *prometheus.CounterVec
	dropped          *prometheus.CounterVec
	commits          prometheus.Counter
	resolutions      *prometheus.CounterVec
	usernameConflict prometheus.Counter
	httpStatus       *prometheus.CounterVec
	httpLatency      prometheus.Histogram
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "linkpay_phase_transitions_total",
			Help: "フェーズ遷移の合計数",
		}, []string{"phase"}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "linkpay_phase_transitions_dropped_total",
			Help: "コミット後に破棄された後退遷移の合計数",
		}, []string{"phase"}),
		commits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "linkpay_commits_total",
			Help: "認証コミットの合計数",
		}),
		resolutions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "linkpay_profile_resolutions_total",
			Help: "プロフィール解決の結果別の合計数",
		}, []string{"outcome"}),
		usernameConflict: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "linkpay_username_conflicts_total",
			Help: "ユーザー名の重複で作成できなかった回数",
		}),
		httpStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "linkpay_http_requests_total",
			Help: "HTTPメソッドとステータスコード別のリクエスト数",
		}, []string{"method", "status_code"}),
		httpLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "linkpay_http_request_duration_seconds",
			Help:    "HTTPリクエストの処理時間（秒）",
			Buckets: prometheus.DefBuckets,
		}),
	}

	reg.MustRegister(
		c.transitions,
		c.dropped,
		c.commits,
		c.resolutions,
		c.usernameConflict,
		c.httpStatus,
		c.httpLatency,
	)

	return c
}

// RecordTransition はフェーズ遷移を記録する。
func (c *Collector) RecordTransition(phase model.Phase) {
	c.transitions.WithLabelValues(string(phase)).Inc()
}

// RecordDroppedTransition は破棄された遷移を記録する。
func (c *Collector) RecordDroppedTransition(phase model.Phase) {
	c.dropped.WithLabelValues(string(phase)).Inc()
}

// RecordCommit は認証コミットを記録する。
func (c *Collector) RecordCommit() {
	c.commits.Inc()
}

// RecordResolution はプロフィール解決の結果を記録する。
func (c *Collector) RecordResolution(outcome string) {
	c.resolutions.WithLabelValues(outcome).Inc()
	if outcome == authphase.ResolutionUsernameTaken {
		c.usernameConflict.Inc()
	}
}

// RecordUsernameConflict はユーザー名の重複を記録する。
func (c *Collector) RecordUsernameConflict() {
	c.usernameConflict.Inc()
}

// RecordHTTPRequest はHTTPリクエストの結果と処理時間を記録する。
func (c *Collector) RecordHTTPRequest(method string, statusCode int, duration time.Duration) {
	c.httpStatus.WithLabelValues(method, strconv.Itoa(statusCode)).Inc()
	c.httpLatency.Observe(duration.Seconds())
}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
