package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/romu70/jearch/internal/model"
)

// PostgresLoginAttemptRepo はログイン試行の追記専用台帳。
// 行の更新・削除は行わない。保持期間を過ぎた行の削除はクリーンアップジョブが担う。
type PostgresLoginAttemptRepo struct {
	db *sql.DB
}

// NewPostgresLoginAttemptRepo はPostgresLoginAttemptRepoを生成する。
func NewPostgresLoginAttemptRepo(db *sql.DB) *PostgresLoginAttemptRepo {
	return &PostgresLoginAttemptRepo{db: db}
}

// Record は試行を1件追記する。
func (r *PostgresLoginAttemptRepo) Record(ctx context.Context, attempt *model.LoginAttempt) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO login_attempts (id, email, ip_address, success, attempt_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		attempt.ID, attempt.Email, nullString(attempt.IPAddress), attempt.Success, attempt.AttemptAt,
	)
	if err != nil {
		return fmt.Errorf("ログイン試行の記録に失敗しました: %w", err)
	}
	return nil
}

// RecentFailures は [windowStart, now] の失敗件数を返す。
// 時計の進んだ別インスタンスが書いた未来時刻の行は数えない。
func (r *PostgresLoginAttemptRepo) RecentFailures(ctx context.Context, email string, windowStart, now time.Time) (uint, error) {
	var count int64
	err := r.db.QueryRowContext(ctx,
		`SELECT count(*) FROM login_attempts
		 WHERE email = $1 AND NOT success AND attempt_at >= $2 AND attempt_at <= $3`,
		email, windowStart, now,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("ログイン失敗件数の取得に失敗しました: %w", err)
	}
	return uint(count), nil
}

// NthMostRecentFailure は [windowStart, now] の失敗のうち、新しい方からn番目（1始まり）の試行時刻を返す。
func (r *PostgresLoginAttemptRepo) NthMostRecentFailure(ctx context.Context, email string, windowStart, now time.Time, n uint) (time.Time, bool, error) {
	if n == 0 {
		return time.Time{}, false, nil
	}

	var at time.Time
	err := r.db.QueryRowContext(ctx,
		`SELECT attempt_at FROM login_attempts
		 WHERE email = $1 AND NOT success AND attempt_at >= $2 AND attempt_at <= $3
		 ORDER BY attempt_at DESC
		 OFFSET $4 LIMIT 1`,
		email, windowStart, now, int64(n-1),
	).Scan(&at)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("ログイン失敗時刻の取得に失敗しました: %w", err)
	}
	return at, true, nil
}

// compile-time interface check
var _ LoginAttemptRepository = (*PostgresLoginAttemptRepo)(nil)
