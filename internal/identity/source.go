// Package identity は外部IdP（ウォレット/認証SDK）の状態を取り込む。
// SDKの状態は初期化中に何度も揺れるため、ここでは解釈せずそのまま保持し、
// 最新値の読み取りと変更通知だけを提供する。
package identity

import (
	"sync"

	"github.com/hitoshi/linkpay/internal/model"
)

// Source はIdPの最新状態を保持する。
// Snapshotは常に呼び出し時点の最新値を返すため、タイマー発火時の再判定に使える。
type Source struct {
	mu      sync.RWMutex
	state   model.ProviderState
	changes chan struct{}
}

// NewSource は初期状態を指定してSourceを生成する。
// SDKの読み込み完了前であれば IsLoading=true を渡す。
func NewSource(initial model.ProviderState) *Source {
	return &Source{
		state:   cloneState(initial),
		changes: make(chan struct{}, 1),
	}
}

// Snapshot は現在の状態のコピーを返す。
func (s *Source) Snapshot() model.ProviderState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return cloneState(s.state)
}

// Set は状態を置き換え、値が変わった場合のみ変更を通知する。
// 通知した場合はtrueを返す。
func (s *Source) Set(state model.ProviderState) bool {
	s.mu.Lock()
	if equalState(s.state, state) {
		s.mu.Unlock()
		return false
	}
	s.state = cloneState(state)
	s.mu.Unlock()
	s.notify()
	return true
}

// Changes は状態変更の通知チャネルを返す。
// 通知は合体されるため、受信側は受信のたびにSnapshotで最新値を読むこと。
func (s *Source) Changes() <-chan struct{} {
	return s.changes
}

func (s *Source) notify() {
	select {
	case s.changes <- struct{}{}:
	default:
		// 未読の通知が残っていれば十分
	}
}

func cloneState(st model.ProviderState) model.ProviderState {
	out := model.ProviderState{
		IsConnected: st.IsConnected,
		IsLoading:   st.IsLoading,
	}
	if st.Embedded != nil {
		e := *st.Embedded
		out.Embedded = &e
	}
	if st.Wallet != nil {
		w := *st.Wallet
		out.Wallet = &w
	}
	return out
}

func equalState(a, b model.ProviderState) bool {
	if a.IsConnected != b.IsConnected || a.IsLoading != b.IsLoading {
		return false
	}
	if (a.Embedded == nil) != (b.Embedded == nil) || (a.Wallet == nil) != (b.Wallet == nil) {
		return false
	}
	if a.Embedded != nil && *a.Embedded != *b.Embedded {
		return false
	}
	if a.Wallet != nil && *a.Wallet != *b.Wallet {
		return false
	}
	return true
}
