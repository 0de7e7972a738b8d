package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/romu70/jearch/internal/model"
)

// PostgresTokenRepo はPostgreSQLを使用したワンタイムトークンリポジトリ。
type PostgresTokenRepo struct {
	db *sql.DB
}

// NewPostgresTokenRepo はPostgresTokenRepoを生成する。
func NewPostgresTokenRepo(db *sql.DB) *PostgresTokenRepo {
	return &PostgresTokenRepo{db: db}
}

// Create はトークンを保存する。
func (r *PostgresTokenRepo) Create(ctx context.Context, token *model.UserToken) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO user_tokens (token_hash, user_id, purpose, expires_at, created_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		token.TokenHash, token.UserID, string(token.Purpose), token.ExpiresAt, token.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create token: %w", err)
	}
	return nil
}

// Consume は未使用かつ有効期限内のトークンを使用済みにして返す。
// 条件付きUPDATEの1文で行うため、同じトークンを2回消費することはできない。
func (r *PostgresTokenRepo) Consume(ctx context.Context, tokenHash string, purpose model.TokenPurpose, now time.Time) (*model.UserToken, error) {
	token := &model.UserToken{}
	var p string
	err := r.db.QueryRowContext(ctx,
		`UPDATE user_tokens SET used_at = $3
		 WHERE token_hash = $1 AND purpose = $2 AND used_at IS NULL AND expires_at > $3
		 RETURNING token_hash, user_id, purpose, expires_at, used_at, created_at`,
		tokenHash, string(purpose), now,
	).Scan(&token.TokenHash, &token.UserID, &p, &token.ExpiresAt, &token.UsedAt, &token.CreatedAt)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to consume token: %w", err)
	}

	token.Purpose = model.TokenPurpose(p)
	return token, nil
}

// compile-time interface check
var _ TokenRepository = (*PostgresTokenRepo)(nil)
