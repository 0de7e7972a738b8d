// Package retry は「上限付きリトライと終端失敗」の状態遷移を提供する。
//
// 送信キューのように、失敗のたびに試行回数を増やし、上限に達したら終端状態へ、
// そうでなければバックオフ後に再試行する処理で共通に使う。
package retry

import (
	"fmt"
	"time"

	goretry "github.com/sethvargo/go-retry"
)

// BackoffFunc は失敗回数（1始まり）から次の試行までの待ち時間を返す。
type BackoffFunc func(failures uint) time.Duration

// Exponential は base から失敗ごとに2倍になり、ceiling で頭打ちになるバックオフを返す。
// 1回目の失敗後は base、2回目は 2*base、以降 ceiling まで倍増する。
func Exponential(base, ceiling time.Duration) BackoffFunc {
	return func(failures uint) time.Duration {
		if failures == 0 {
			return 0
		}
		b := goretry.WithCappedDuration(ceiling, goretry.NewExponential(base))
		var delay time.Duration
		// 上限到達後はシフトのオーバーフローを避けるため打ち切る
		for i := uint(0); i < failures; i++ {
			delay, _ = b.Next()
			if delay >= ceiling {
				break
			}
		}
		return delay
	}
}

// Policy は1件の処理に対するリトライ方針。
type Policy struct {
	MaxAttempts uint
	Backoff     BackoffFunc
}

// Outcome は失敗1回分を反映した結果。
type Outcome struct {
	// Attempts は今回の失敗を含めた試行回数。
	Attempts uint
	// Exhausted は試行回数が上限に達し、終端失敗とすべきことを示す。
	Exhausted bool
	// Delay は次の試行までの待ち時間。Exhausted の場合は0。
	Delay time.Duration
}

// Validate は方針の設定値を検証する。
func (p Policy) Validate() error {
	if p.MaxAttempts == 0 {
		return fmt.Errorf("max attempts must be greater than 0")
	}
	if p.Backoff == nil {
		return fmt.Errorf("backoff function is required")
	}
	return nil
}

// OnFailure は試行回数 attempts の処理が失敗したときの次の状態を返す。
// 試行回数が MaxAttempts を超えることはない。
func (p Policy) OnFailure(attempts uint) Outcome {
	next := attempts + 1
	if next >= p.MaxAttempts {
		return Outcome{Attempts: p.MaxAttempts, Exhausted: true}
	}
	return Outcome{Attempts: next, Delay: p.Backoff(next)}
}
