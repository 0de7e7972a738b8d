// Package model はドメインモデルを定義する。
package model

import "time"

// LoginAttempt はログイン試行1回分の記録。作成後に変更されることはない。
type LoginAttempt struct {
	ID        string
	Email     string
	IPAddress string // 空文字は不明
	Success   bool
	AttemptAt time.Time
}

// RateLimitInfo はログイン試行のレート制限判定結果。
// RetryAfterSeconds はロック中のみ設定される。
type RateLimitInfo struct {
	FailedAttempts    uint
	RetryAfterSeconds *uint
	IsLocked          bool
}
