// Package clock はタイマーの抽象化を提供する。
// 起動判定ウィンドウのように時間経過で状態遷移する処理を、
// テストでは手動で時間を進めて決定的に検証できるようにする。
package clock

import "time"

// Timer は停止可能なタイマー。
type Timer interface {
	// Stop はタイマーを停止する。既に発火済みまたは停止済みの場合はfalseを返す。
	Stop() bool
}

// Clock は現在時刻とタイマーを提供するインターフェース。
type Clock interface {
	Now() time.Time
	// AfterFunc はdの経過後にfを別goroutineで呼び出す。
	AfterFunc(d time.Duration, f func()) Timer
}

// Real は実時間に基づくClock。
type Real struct{}

// New は実時間に基づくClockを返す。
func New() Real {
	return Real{}
}

// Now は現在時刻を返す。
func (Real) Now() time.Time {
	return time.Now()
}

// AfterFunc はtime.AfterFuncに委譲する。
func (Real) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// compile-time interface check
var _ Clock = Real{}
