// Package versionguard は編集可能レコードの楽観的排他制御を提供する。
//
// クライアントが最後に観測した updatedAt とサーバー上の updatedAt を
// 値の等価性で比較する。古い・新しいにかかわらず一致しなければ競合とし、
// 変更は適用しない。大小比較ではなく等価比較にすることで、
// クライアント時計のずれや古い値の再送を黙って受け入れることを防ぐ。
//
// 比較と書き込みの原子性は呼び出し側のストア（行ロック付きトランザクション）が保証する。
package versionguard

import (
	"time"

	"github.com/romu70/jearch/internal/model"
)

// Resolution は版トークンの精度。PostgreSQLのtimestamptzはマイクロ秒精度のため、
// これより細かい値をクライアントへ返すと往復後に一致しなくなる。
const Resolution = time.Microsecond

// Versioned は版トークンを持つレコード。
type Versioned interface {
	Version() time.Time
	SetVersion(t time.Time)
}

// Mutation はレコードへのフィールド変更。
type Mutation[T any] func(rec T) error

// CheckAndApply は clientTimestamp と record の版トークンを比較し、一致する場合のみ mutation を適用する。
//
// 競合時は ConflictDecision を返し、record には一切触れない。エラーではない。
// 一致時は mutation を適用して版トークンを NextVersion(record.Version(), now) に進める。
// mutation がエラーを返した場合、版トークンは進めない。
func CheckAndApply[T Versioned](record T, clientTimestamp time.Time, mutation Mutation[T], now time.Time) (*model.ConflictDecision[T], error) {
	if decision := Check(record, clientTimestamp); decision != nil {
		return decision, nil
	}

	if err := mutation(record); err != nil {
		return nil, err
	}
	record.SetVersion(NextVersion(record.Version(), now))
	return nil, nil
}

// Check は版トークンの一致を確認する。一致すればnil、不一致なら競合判定を返す。
func Check[T Versioned](record T, clientTimestamp time.Time) *model.ConflictDecision[T] {
	if clientTimestamp.Equal(record.Version()) {
		return nil
	}
	return &model.ConflictDecision[T]{
		HasConflict:     true,
		LocalTimestamp:  clientTimestamp,
		ServerTimestamp: record.Version(),
		ServerSnapshot:  record,
	}
}

// NextVersion は prev より厳密に大きい次の版トークンを返す。
// 時計が巻き戻った場合や同一マイクロ秒内の連続書き込みでも単調増加を保つ。
func NextVersion(prev, now time.Time) time.Time {
	next := now.UTC().Truncate(Resolution)
	if !next.After(prev) {
		next = prev.UTC().Truncate(Resolution).Add(Resolution)
	}
	return next
}

// Initial は新規作成レコードの版トークンを返す。
func Initial(now time.Time) time.Time {
	return now.UTC().Truncate(Resolution)
}
