// Package authphase は認証フェーズの解決を担う状態機械を提供する。
//
// IdPの接続シグナルは初期化中に揺れるため、シグナルの変化ごとに画面を切り替えるのではなく、
// 一度だけ取り消せない判断（コミット）を行い、その後はフェーズを前進方向にしか動かさない。
// コミット後はプロフィールストアでプロフィールを解決または作成し、
// username_setup か authenticated のどちらかに着地する。
package authphase

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/hitoshi/linkpay/internal/cache"
	"github.com/hitoshi/linkpay/internal/clock"
	"github.com/hitoshi/linkpay/internal/model"
)

// ErrNoIdentity はアクティブなIdPユーザーIDを解決できない場合のエラー。
var ErrNoIdentity = model.ErrNoIdentity

// SignalReader はIdPの最新状態の読み取りと変更通知を提供する。
type SignalReader interface {
	Snapshot() model.ProviderState
	Changes() <-chan struct{}
}

// ProfileStore はプロフィールストアの操作を定義する。
// 検索系は該当なしの場合 (nil, nil) を返す。
type ProfileStore interface {
	GetProfileByIdentityID(ctx context.Context, identityID string) (*model.Profile, error)
	GetProfileByEmail(ctx context.Context, email string) (*model.Profile, error)
	GetProfileByUsername(ctx context.Context, username string) (*model.Profile, error)
	IsUsernameTaken(ctx context.Context, username string) (bool, error)
	// CreateProfile はユーザー名が使用済みの場合 model.ErrUsernameTaken を返す。
	CreateProfile(ctx context.Context, p model.NewProfile) (*model.Profile, error)
	MigrateIdentityID(ctx context.Context, existing *model.Profile, newIdentityID string) (*model.Profile, error)
	UpdateProfile(ctx context.Context, identityID string, update model.ProfileUpdate) (*model.Profile, error)
}

// ReferralApplier は紹介コードの適用を行う。
type ReferralApplier interface {
	ApplyReferralCode(ctx context.Context, code, identityID string) error
}

// Recorder は状態機械のメトリクスを記録する。
type Recorder interface {
	RecordTransition(phase model.Phase)
	RecordDroppedTransition(phase model.Phase)
	RecordCommit()
	RecordResolution(outcome string)
}

// プロフィール解決の結果。Recorder.RecordResolution に渡される。
const (
	ResolutionByIdentity     = "identity"
	ResolutionByEmail        = "email"
	ResolutionByUsername     = "username"
	ResolutionCacheCreated   = "cache_created"
	ResolutionCacheTrusted   = "cache_trusted"
	ResolutionUsernameTaken  = "username_taken"
	ResolutionNewUser        = "new_user"
	ResolutionLastResort     = "last_resort_cached"
	ResolutionLastResortNone = "last_resort_setup"
	ResolutionCachedSession  = "cached_session"
)

// Config は起動判定ウィンドウとストア呼び出しの設定。
type Config struct {
	// FreshWindow は初回訪問者の起動判定ウィンドウ。
	FreshWindow time.Duration
	// ReturningWindow はキャッシュに既知のIDがある再訪ユーザーの起動判定ウィンドウ。
	ReturningWindow time.Duration
	// ExtensionWindow は部分接続のまま起動判定ウィンドウが満了した場合の延長ウィンドウ。
	ExtensionWindow time.Duration
	// StoreTimeout はプロフィールストアとキャッシュの1呼び出しあたりのタイムアウト。
	StoreTimeout time.Duration
}

// DefaultConfig はデフォルト設定を返す。
func DefaultConfig() Config {
	return Config{
		FreshWindow:     1500 * time.Millisecond,
		ReturningWindow: 5 * time.Second,
		ExtensionWindow: 8 * time.Second,
		StoreTimeout:    10 * time.Second,
	}
}

// Deps は状態機械の依存関係。
// Referrals と Recorder は省略できる。
type Deps struct {
	Provider  SignalReader
	Profiles  ProfileStore
	Referrals ReferralApplier
	Cache     cache.Store
	Clock     clock.Clock
	Logger    *slog.Logger
	Recorder  Recorder
}

// Machine は認証フェーズの状態機械。
type Machine struct {
	provider  SignalReader
	profiles  ProfileStore
	referrals ReferralApplier
	cache     cache.Store
	clock     clock.Clock
	logger    *slog.Logger
	recorder  Recorder
	cfg       Config

	mu          sync.Mutex
	phase       model.Phase
	committed   bool
	profileDone map[string]bool
	bootStarted bool
	bootDone    bool
	closed      bool
	bootTimer   clock.Timer
	extTimer    clock.Timer
	identityID  string
	subs        map[int]chan model.Phase
	nextSubID   int

	wg sync.WaitGroup
}

// New は状態機械を生成する。初期フェーズは boot。
func New(deps Deps, cfg Config) *Machine {
	def := DefaultConfig()
	if cfg.FreshWindow <= 0 {
		cfg.FreshWindow = def.FreshWindow
	}
	if cfg.ReturningWindow <= 0 {
		cfg.ReturningWindow = def.ReturningWindow
	}
	if cfg.ExtensionWindow <= 0 {
		cfg.ExtensionWindow = def.ExtensionWindow
	}
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = def.StoreTimeout
	}
	if deps.Clock == nil {
		deps.Clock = clock.New()
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Recorder == nil {
		deps.Recorder = nopRecorder{}
	}

	return &Machine{
		provider:    deps.Provider,
		profiles:    deps.Profiles,
		referrals:   deps.Referrals,
		cache:       deps.Cache,
		clock:       deps.Clock,
		logger:      deps.Logger,
		recorder:    deps.Recorder,
		cfg:         cfg,
		phase:       model.PhaseBoot,
		profileDone: make(map[string]bool),
		subs:        make(map[int]chan model.Phase),
	}
}

// Phase は現在のフェーズを返す。
func (m *Machine) Phase() model.Phase {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.phase
}

// Committed はコミット済みであればtrueを返す。
func (m *Machine) Committed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.committed
}

// Subscribe はフェーズ変更の通知チャネルを返す。
// チャネルには現在のフェーズが最初に入り、以降は最新のフェーズだけが保持される。
// 返される関数で購読を解除する。
func (m *Machine) Subscribe() (<-chan model.Phase, func()) {
	ch := make(chan model.Phase, 1)

	m.mu.Lock()
	id := m.nextSubID
	m.nextSubID++
	m.subs[id] = ch
	ch <- m.phase
	m.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.subs, id)
			m.mu.Unlock()
		})
	}
}

// Close は起動判定タイマーと延長タイマーを停止する。
// 停止後に発火したタイマーは何もしない。実行中のプロフィール解決は中断しない。
func (m *Machine) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	if m.bootTimer != nil {
		m.bootTimer.Stop()
		m.bootTimer = nil
	}
	if m.extTimer != nil {
		m.extTimer.Stop()
		m.extTimer = nil
	}
}

// Wait はバックグラウンドで実行中の処理（プロフィール解決、差分反映、紹介コード適用）の完了を待つ。
func (m *Machine) Wait() {
	m.wg.Wait()
}

// goTo はフェーズを遷移させる。
// コミット後は checking_profile / username_setup / authenticated 以外への遷移を黙って破棄する。
func (m *Machine) goTo(next model.Phase) bool {
	m.mu.Lock()
	if m.committed && !next.AllowedAfterCommit() {
		m.mu.Unlock()
		m.logger.Debug("コミット後の遷移を破棄しました", slog.String("phase", next.String()))
		m.recorder.RecordDroppedTransition(next)
		return false
	}
	if m.phase == next {
		m.mu.Unlock()
		return true
	}
	m.phase = next
	for _, ch := range m.subs {
		select {
		case <-ch:
		default:
		}
		ch <- next
	}
	m.mu.Unlock()

	m.logger.Info("フェーズを遷移しました", slog.String("phase", next.String()))
	m.recorder.RecordTransition(next)
	return true
}

// commit はコミットゲートを閉じ、IDをキャッシュに保存して checking_profile に遷移し、
// プロフィール解決を非同期に開始する。
// 既にゲートが閉じていれば何もせずfalseを返す。
func (m *Machine) commit(sig model.IdentitySignal) bool {
	m.mu.Lock()
	if m.committed {
		m.mu.Unlock()
		return false
	}
	m.committed = true
	m.identityID = sig.UserID
	if m.extTimer != nil {
		m.extTimer.Stop()
		m.extTimer = nil
	}
	m.mu.Unlock()

	m.logger.Info("認証状態をコミットしました", slog.String("identity_id", sig.UserID))
	m.recorder.RecordCommit()

	m.persistIdentity(sig)
	m.goTo(model.PhaseCheckingProfile)

	authID := sig.UserID
	m.spawn(func() {
		m.checkProfile(authID)
	})
	return true
}

// spawn はWaitで待機できるバックグラウンド処理を開始する。
func (m *Machine) spawn(fn func()) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		fn()
	}()
}

func (m *Machine) storeContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), m.cfg.StoreTimeout)
}

func (m *Machine) liveSignal() model.IdentitySignal {
	return m.provider.Snapshot().Signal()
}

type nopRecorder struct{}

func (nopRecorder) RecordTransition(model.Phase)        {}
func (nopRecorder) RecordDroppedTransition(model.Phase) {}
func (nopRecorder) RecordCommit()                       {}
func (nopRecorder) RecordResolution(string)             {}
