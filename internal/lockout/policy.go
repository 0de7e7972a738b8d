// Package lockout はログイン試行の失敗回数にもとづくロックアウト判定を提供する。
package lockout

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/romu70/jearch/internal/model"
)

// Ledger はログイン試行台帳のうち、判定に必要な読み取り操作。
type Ledger interface {
	RecentFailures(ctx context.Context, email string, windowStart, now time.Time) (uint, error)
	NthMostRecentFailure(ctx context.Context, email string, windowStart, now time.Time, n uint) (time.Time, bool, error)
}

// Policy は直近Window内の失敗がThreshold件以上あればロックする判定ルール。
type Policy struct {
	ledger    Ledger
	threshold uint
	window    time.Duration
}

// NewPolicy はPolicyを生成する。thresholdとwindowは正の値でなければならない。
func NewPolicy(ledger Ledger, threshold uint, window time.Duration) (*Policy, error) {
	if threshold == 0 {
		return nil, fmt.Errorf("lockout threshold must be greater than 0")
	}
	if window <= 0 {
		return nil, fmt.Errorf("lockout window must be positive")
	}
	return &Policy{ledger: ledger, threshold: threshold, window: window}, nil
}

// Threshold はロックに必要な失敗件数を返す。
func (p *Policy) Threshold() uint { return p.threshold }

// Window は失敗を数える期間を返す。
func (p *Policy) Window() time.Duration { return p.window }

// WindowStart は失敗を数え始める時刻を返す。
// clearedAt（解除操作の日時）がウィンドウ内にある場合は、それより前の失敗を数えない。
func (p *Policy) WindowStart(now time.Time, clearedAt *time.Time) time.Time {
	start := now.Add(-p.window)
	if clearedAt != nil && clearedAt.After(start) {
		return *clearedAt
	}
	return start
}

// Evaluate はemailの現在のロック状態を判定する。台帳への書き込みは行わない。
//
// ロック中の RetryAfterSeconds は、新しい方からThreshold番目の失敗がウィンドウから外れるまでの
// 秒数（切り上げ、最小1）。その時点で失敗件数がThreshold未満に戻る。
func (p *Policy) Evaluate(ctx context.Context, email string, now time.Time, clearedAt *time.Time) (model.RateLimitInfo, error) {
	windowStart := p.WindowStart(now, clearedAt)

	failed, err := p.ledger.RecentFailures(ctx, email, windowStart, now)
	if err != nil {
		return model.RateLimitInfo{}, fmt.Errorf("failed to count recent failures: %w", err)
	}

	info := model.RateLimitInfo{FailedAttempts: failed}
	if failed < p.threshold {
		return info, nil
	}

	nth, ok, err := p.ledger.NthMostRecentFailure(ctx, email, windowStart, now, p.threshold)
	if err != nil {
		return model.RateLimitInfo{}, fmt.Errorf("failed to read lockout boundary: %w", err)
	}

	retryAfter := uint(1)
	if ok {
		retryAfter = RetryAfterSeconds(nth.Add(p.window).Sub(now))
	}
	info.IsLocked = true
	info.RetryAfterSeconds = &retryAfter
	return info, nil
}

// RetryAfterSeconds は残り時間を秒に切り上げる。0以下は1秒とする。
func RetryAfterSeconds(remaining time.Duration) uint {
	secs := math.Ceil(remaining.Seconds())
	if secs < 1 {
		return 1
	}
	return uint(secs)
}
