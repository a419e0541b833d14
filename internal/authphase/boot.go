package authphase

import (
	"context"
	"log/slog"

	"github.com/hitoshi/linkpay/internal/model"
)

// Run は現在のシグナルで一度Observeし、以降はIdPの変更通知ごとにObserveする。
// ctxが終了するとCloseして戻る。
func (m *Machine) Run(ctx context.Context) {
	defer m.Close()

	m.Observe()
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.provider.Changes():
			m.Observe()
		}
	}
}

// Observe はIdPの最新状態で状態機械を駆動する。
// 起動判定が終わるまでは、SDKの読み込み完了後に一度だけ起動判定を開始する。
// 起動判定の完了後は起動後ウォッチャーとして動作する。
func (m *Machine) Observe() {
	st := m.provider.Snapshot()

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	if !m.bootDone {
		if m.bootStarted || st.IsLoading {
			m.mu.Unlock()
			return
		}
		m.bootStarted = true
		m.mu.Unlock()
		m.boot(st.Signal())
		return
	}
	m.mu.Unlock()

	m.watch(st.Signal())
}

// boot は起動判定を開始する。
// 完全に認証済みであれば即座にコミットし、そうでなければ起動判定ウィンドウを開始する。
func (m *Machine) boot(sig model.IdentitySignal) {
	if sig.FullyAuthenticated() {
		m.mu.Lock()
		m.bootDone = true
		m.mu.Unlock()
		m.commit(sig)
		return
	}

	window := m.cfg.FreshWindow
	returning := m.isReturningUser()
	if returning {
		window = m.cfg.ReturningWindow
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.logger.Info("起動判定ウィンドウを開始します",
		slog.Bool("returning", returning),
		slog.Duration("window", window),
	)
	m.bootTimer = m.clock.AfterFunc(window, m.onBootWindow)
}

// onBootWindow は起動判定ウィンドウの満了時に最新のシグナルで判定する。
func (m *Machine) onBootWindow() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.bootTimer = nil
	m.bootDone = true
	m.mu.Unlock()

	sig := m.liveSignal()
	switch {
	case sig.FullyAuthenticated():
		m.commit(sig)
	case sig.Connected:
		if s, ok := m.lookupCachedSession(); ok {
			m.resumeCachedSession(s)
			return
		}
		m.startExtension()
	default:
		m.giveUp()
	}
}

func (m *Machine) startExtension() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed || m.committed {
		return
	}
	m.logger.Info("部分接続のため延長ウィンドウを開始します",
		slog.Duration("window", m.cfg.ExtensionWindow),
	)
	m.extTimer = m.clock.AfterFunc(m.cfg.ExtensionWindow, m.onExtensionWindow)
}

// onExtensionWindow は延長ウィンドウの満了時にもう一度だけ認証状態を確認する。
func (m *Machine) onExtensionWindow() {
	m.mu.Lock()
	if m.closed || m.committed {
		m.mu.Unlock()
		return
	}
	m.extTimer = nil
	m.mu.Unlock()

	sig := m.liveSignal()
	if sig.FullyAuthenticated() {
		m.commit(sig)
		return
	}
	m.giveUp()
}

// resumeCachedSession はプロフィールストアを呼ばずにキャッシュの情報を信頼して認証済みにする。
// コミットゲートは閉じるが、プロフィール解決は行わない。
func (m *Machine) resumeCachedSession(s cachedSession) {
	m.mu.Lock()
	if m.committed {
		m.mu.Unlock()
		return
	}
	m.committed = true
	m.identityID = s.identityID
	m.mu.Unlock()

	m.logger.Info("キャッシュのセッションで認証済みにします",
		slog.String("identity_id", s.identityID),
		slog.String("username", s.username),
	)
	m.recorder.RecordResolution(ResolutionCachedSession)
	m.goTo(model.PhaseAuthenticated)
}

// giveUp はオンボーディング完了済みかどうかでログイン画面かオンボーディングに遷移する。
// コミット後に呼ばれた場合の遷移はゲートで破棄される。
func (m *Machine) giveUp() {
	if m.onboardingComplete() {
		m.goTo(model.PhaseUnauthenticated)
		return
	}
	m.goTo(model.PhaseOnboarding)
}

// watch は起動後ウォッチャー。
// コミット後はフェーズを変えず、完全に認証済みであればキャッシュだけを更新する。
// コミット前に完全な認証状態になればコミットする。
func (m *Machine) watch(sig model.IdentitySignal) {
	if !sig.FullyAuthenticated() {
		return
	}
	if m.Committed() {
		m.persistIdentity(sig)
		return
	}
	m.commit(sig)
}
