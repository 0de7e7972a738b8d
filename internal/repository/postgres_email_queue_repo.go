package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/romu70/jearch/internal/model"
)

// PostgresEmailQueueRepo はPostgreSQLを使用した送信キューリポジトリ。
//
// 占有は claim_token と claimed_until の2列で表す。ClaimReady が発行したトークンを
// 保持している間だけ SaveAttempt が結果を書き込める。
type PostgresEmailQueueRepo struct {
	db *sql.DB
}

// NewPostgresEmailQueueRepo はPostgresEmailQueueRepoを生成する。
func NewPostgresEmailQueueRepo(db *sql.DB) *PostgresEmailQueueRepo {
	return &PostgresEmailQueueRepo{db: db}
}

const emailColumns = `id, to_email, subject, body_text, body_html, template_type, user_id,
		attempts, max_attempts, next_retry_at, status, error_message, sent_at,
		claim_token, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEmail(row rowScanner) (*model.QueuedEmail, error) {
	e := &model.QueuedEmail{}
	var bodyHTML, userID, errorMessage, claimToken sql.NullString
	var templateKind, status string
	var attempts, maxAttempts int64

	err := row.Scan(
		&e.ID, &e.ToAddress, &e.Subject, &e.BodyText, &bodyHTML, &templateKind, &userID,
		&attempts, &maxAttempts, &e.NextRetryAt, &status, &errorMessage, &e.SentAt,
		&claimToken, &e.CreatedAt, &e.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	e.BodyHTML = nullStringValue(bodyHTML)
	e.UserID = nullStringValue(userID)
	e.ErrorMessage = nullStringValue(errorMessage)
	e.ClaimToken = nullStringValue(claimToken)
	e.TemplateKind = model.TemplateKind(templateKind)
	e.Status = model.EmailStatus(status)
	e.Attempts = uint(attempts)
	e.MaxAttempts = uint(maxAttempts)
	return e, nil
}

// Enqueue はメールをキューに追加する。
func (r *PostgresEmailQueueRepo) Enqueue(ctx context.Context, email *model.QueuedEmail) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO email_queue (id, to_email, subject, body_text, body_html, template_type, user_id,
		     attempts, max_attempts, next_retry_at, status, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		email.ID, email.ToAddress, email.Subject, email.BodyText, nullString(email.BodyHTML),
		string(email.TemplateKind), nullString(email.UserID),
		int64(email.Attempts), int64(email.MaxAttempts), email.NextRetryAt, string(email.Status),
		email.CreatedAt, email.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to enqueue email: %w", err)
	}
	return nil
}

// FindByID は指定IDのメールを取得する。見つからない場合はnilを返す。
func (r *PostgresEmailQueueRepo) FindByID(ctx context.Context, id string) (*model.QueuedEmail, error) {
	e, err := scanEmail(r.db.QueryRowContext(ctx,
		`SELECT `+emailColumns+` FROM email_queue WHERE id = $1`,
		id,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find queued email: %w", err)
	}
	return e, nil
}

// ClaimReady は送信時刻に達した pending のメールを最大limit件占有して返す。
// FOR UPDATE SKIP LOCKED で選び、同じ文で占有トークンとリース期限を書き込むため、
// 並行するワーカー同士が同じメールを取得することはない。
// リース期限が切れた占有（ワーカーの異常終了など）は再取得の対象になる。
func (r *PostgresEmailQueueRepo) ClaimReady(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]*model.QueuedEmail, error) {
	token := uuid.NewString()

	rows, err := r.db.QueryContext(ctx,
		`UPDATE email_queue SET claim_token = $1, claimed_until = $2
		 WHERE id IN (
		     SELECT id FROM email_queue
		     WHERE status = 'pending'
		       AND next_retry_at <= $3
		       AND (claimed_until IS NULL OR claimed_until < $3)
		     ORDER BY next_retry_at ASC
		     LIMIT $4
		     FOR UPDATE SKIP LOCKED
		 )
		 RETURNING `+emailColumns,
		token, now.Add(lease), now, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("送信対象メールの取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var emails []*model.QueuedEmail
	for rows.Next() {
		e, err := scanEmail(rows)
		if err != nil {
			return nil, fmt.Errorf("送信対象メールの読み取りに失敗しました: %w", err)
		}
		emails = append(emails, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("送信対象メールの走査に失敗しました: %w", err)
	}

	return emails, nil
}

// SaveAttempt は送信試行の結果を書き込み、占有を解放する。
// メールが pending のままで、同じ占有トークンを保持している場合のみ書き込む。
// 管理操作で中止された、またはリース切れで別のワーカーに再取得されたメールには書き込まず、falseを返す。
func (r *PostgresEmailQueueRepo) SaveAttempt(ctx context.Context, email *model.QueuedEmail, now time.Time) (bool, error) {
	result, err := r.db.ExecContext(ctx,
		`UPDATE email_queue SET
		    attempts = $3,
		    status = $4,
		    next_retry_at = $5,
		    error_message = $6,
		    sent_at = $7,
		    claim_token = NULL,
		    claimed_until = NULL,
		    updated_at = $8
		 WHERE id = $1 AND claim_token = $2 AND status = 'pending'`,
		email.ID, email.ClaimToken,
		int64(email.Attempts), string(email.Status), email.NextRetryAt,
		nullString(email.ErrorMessage), email.SentAt, now,
	)
	if err != nil {
		return false, fmt.Errorf("failed to save delivery attempt: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to save delivery attempt: %w", err)
	}
	return n == 1, nil
}

// Cancel は pending のメールを failed にする。
// attempts を max_attempts に揃え、failed ならば試行回数が上限に達しているという不変条件を保つ。
// 占有も解放するため、送信中の試行の結果は SaveAttempt で破棄される。
func (r *PostgresEmailQueueRepo) Cancel(ctx context.Context, id, reason string, now time.Time) (bool, error) {
	result, err := r.db.ExecContext(ctx,
		`UPDATE email_queue SET
		    status = 'failed',
		    attempts = max_attempts,
		    next_retry_at = NULL,
		    error_message = $2,
		    claim_token = NULL,
		    claimed_until = NULL,
		    updated_at = $3
		 WHERE id = $1 AND status = 'pending'`,
		id, reason, now,
	)
	if err != nil {
		return false, fmt.Errorf("failed to cancel queued email: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to cancel queued email: %w", err)
	}
	return n == 1, nil
}

// CancelByUserID はユーザー宛ての pending のメールをまとめて failed にする。
// 送信中の試行は占有トークンが消えるため、その結果は書き込まれない。
func (r *PostgresEmailQueueRepo) CancelByUserID(ctx context.Context, userID, reason string, now time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		`UPDATE email_queue SET
		    status = 'failed',
		    attempts = max_attempts,
		    next_retry_at = NULL,
		    error_message = $2,
		    claim_token = NULL,
		    claimed_until = NULL,
		    updated_at = $3
		 WHERE user_id = $1 AND status = 'pending'`,
		userID, reason, now,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to cancel queued emails for user: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to cancel queued emails for user: %w", err)
	}
	return n, nil
}

// compile-time interface check
var _ EmailQueueRepository = (*PostgresEmailQueueRepo)(nil)
