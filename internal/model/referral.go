package model

import "time"

// ReferralRedemption は紹介コードの利用記録を表す。
// 1人の被紹介者につき1件のみ存在する。
type ReferralRedemption struct {
	ID                string
	Code              string
	ReferrerProfileID string
	RefereeProfileID  string
	CreatedAt         time.Time
}
