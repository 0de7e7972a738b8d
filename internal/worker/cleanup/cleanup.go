// Package cleanup は保持期間を過ぎたデータの自動削除ジョブを提供する。
// ログイン試行台帳、期限切れのセッションとトークン、終端状態のメールを
// 日次バッチで削除する。台帳そのものは追記専用で、削除はこのジョブだけが行う。
package cleanup

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"
)

// Executor はSQLのExecContextを抽象化するインターフェース。
// *sql.DB や *sql.Tx を受け付けることができる。
type Executor interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// target は削除対象1種類分の定義。
type target struct {
	name  string
	query string
	args  func(j *CleanupJob) []interface{}
}

var targets = []target{
	{
		name:  "login_attempts",
		query: `DELETE FROM login_attempts WHERE attempt_at < now() - $1::interval`,
		args: func(j *CleanupJob) []interface{} {
			return []interface{}{fmt.Sprintf("%d days", j.LoginAttemptRetentionDays)}
		},
	},
	{
		name:  "sessions",
		query: `DELETE FROM sessions WHERE expires_at < now()`,
	},
	{
		name:  "user_tokens",
		query: `DELETE FROM user_tokens WHERE expires_at < now() OR used_at IS NOT NULL`,
	},
	{
		name:  "email_queue",
		query: `DELETE FROM email_queue WHERE status IN ('sent', 'failed') AND updated_at < now() - $1::interval`,
		args: func(j *CleanupJob) []interface{} {
			return []interface{}{fmt.Sprintf("%d days", j.EmailRetentionDays)}
		},
	},
}

// CleanupJob は保持期間を超過したデータの自動削除ジョブ。
// 冪等な削除処理のみで構成され、何度実行しても結果は変わらない。
type CleanupJob struct {
	db     Executor
	logger *slog.Logger

	LoginAttemptRetentionDays int // ログイン試行の保持日数（デフォルト: 90）
	EmailRetentionDays        int // 送信済み・失敗メールの保持日数（デフォルト: 30）
}

// NewCleanupJob は新しいCleanupJobを生成する。
func NewCleanupJob(db Executor, logger *slog.Logger) *CleanupJob {
	return &CleanupJob{
		db:                        db,
		logger:                    logger,
		LoginAttemptRetentionDays: 90,
		EmailRetentionDays:        30,
	}
}

// Run は保持期間を超過したデータを削除する。
// いずれかの削除に失敗した時点で中断し、エラーを返す。
// 冪等: 削除対象がない場合でもエラーにならない。
func (j *CleanupJob) Run(ctx context.Context) error {
	start := time.Now()
	var total int64

	for _, t := range targets {
		var args []interface{}
		if t.args != nil {
			args = t.args(j)
		}

		result, err := j.db.ExecContext(ctx, t.query, args...)
		if err != nil {
			j.logger.Error("クリーンアップジョブの実行に失敗しました",
				slog.String("target", t.name),
				slog.String("error", err.Error()),
			)
			return fmt.Errorf("%s のクリーンアップに失敗: %w", t.name, err)
		}

		deletedCount, err := result.RowsAffected()
		if err != nil {
			j.logger.Error("削除件数の取得に失敗しました",
				slog.String("target", t.name),
				slog.String("error", err.Error()),
			)
			return fmt.Errorf("削除件数の取得に失敗: %w", err)
		}
		total += deletedCount

		j.logger.Info("クリーンアップ対象を削除しました",
			slog.String("target", t.name),
			slog.Int64("deleted_count", deletedCount),
		)
	}

	j.logger.Info("クリーンアップジョブが完了しました",
		slog.Int64("deleted_count", total),
		slog.Int("login_attempt_retention_days", j.LoginAttemptRetentionDays),
		slog.Int("email_retention_days", j.EmailRetentionDays),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)

	return nil
}

// Start は指定間隔でジョブを実行する。コンテキストがキャンセルされるまで継続する。
func (j *CleanupJob) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	j.logger.Info("クリーンアップジョブを開始しました", slog.Duration("interval", interval))

	if err := j.Run(ctx); err != nil && ctx.Err() == nil {
		j.logger.Error("クリーンアップジョブが失敗しました", slog.String("error", err.Error()))
	}

	for {
		select {
		case <-ctx.Done():
			j.logger.Info("クリーンアップジョブを停止しました")
			return
		case <-ticker.C:
			if err := j.Run(ctx); err != nil && ctx.Err() == nil {
				j.logger.Error("クリーンアップジョブが失敗しました", slog.String("error", err.Error()))
			}
		}
	}
}
