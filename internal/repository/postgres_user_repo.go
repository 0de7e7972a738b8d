package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/romu70/jearch/internal/model"
)

// PostgresUserRepo はPostgreSQLを使用したユーザーリポジトリ。
type PostgresUserRepo struct {
	db *sql.DB
}

// NewPostgresUserRepo はPostgresUserRepoを生成する。
func NewPostgresUserRepo(db *sql.DB) *PostgresUserRepo {
	return &PostgresUserRepo{db: db}
}

const userColumns = `id, email, password_hash, email_confirmed_at, lockout_cleared_at, created_at, updated_at`

func scanUser(row *sql.Row) (*model.User, error) {
	user := &model.User{}
	err := row.Scan(
		&user.ID, &user.Email, &user.PasswordHash,
		&user.EmailConfirmedAt, &user.LockoutClearedAt,
		&user.CreatedAt, &user.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return user, nil
}

// FindByID は指定IDのユーザーを取得する。見つからない場合はnilを返す。
func (r *PostgresUserRepo) FindByID(ctx context.Context, id string) (*model.User, error) {
	user, err := scanUser(r.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE id = $1`,
		id,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find user by ID: %w", err)
	}
	return user, nil
}

// FindByEmail はメールアドレスでユーザーを検索する。見つからない場合はnilを返す。
func (r *PostgresUserRepo) FindByEmail(ctx context.Context, email string) (*model.User, error) {
	user, err := scanUser(r.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE email = $1`,
		email,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find user by email: %w", err)
	}
	return user, nil
}

// Create はユーザーを作成する。メールアドレスが登録済みの場合はErrDuplicateを返す。
func (r *PostgresUserRepo) Create(ctx context.Context, user *model.User) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO users (id, email, password_hash, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		user.ID, user.Email, user.PasswordHash, user.CreatedAt, user.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("failed to insert user: %w", err)
	}
	return nil
}

// ConfirmEmail はメールアドレス確認日時を記録する。確認済みの場合は最初の日時を保持する。
func (r *PostgresUserRepo) ConfirmEmail(ctx context.Context, userID string, at time.Time) error {
	return r.execOne(ctx, "confirm email",
		`UPDATE users SET email_confirmed_at = COALESCE(email_confirmed_at, $2), updated_at = $2
		 WHERE id = $1`,
		userID, at,
	)
}

// UpdatePassword はパスワードハッシュを更新し、同時にロックアウトを解除する。
func (r *PostgresUserRepo) UpdatePassword(ctx context.Context, userID, passwordHash string, at time.Time) error {
	return r.execOne(ctx, "update password",
		`UPDATE users SET password_hash = $2, lockout_cleared_at = $3, updated_at = $3
		 WHERE id = $1`,
		userID, passwordHash, at,
	)
}

// ClearLockout はロックアウト解除日時を記録する。
func (r *PostgresUserRepo) ClearLockout(ctx context.Context, userID string, at time.Time) error {
	return r.execOne(ctx, "clear lockout",
		`UPDATE users SET lockout_cleared_at = $2, updated_at = $2
		 WHERE id = $1`,
		userID, at,
	)
}

// DeleteByID はユーザーを削除する。経歴・セッション・トークンはCASCADE削除される。
func (r *PostgresUserRepo) DeleteByID(ctx context.Context, id string) error {
	return r.execOne(ctx, "delete user", `DELETE FROM users WHERE id = $1`, id)
}

// execOne は1行を更新するクエリを実行し、対象がなければErrNotFoundを返す。
func (r *PostgresUserRepo) execOne(ctx context.Context, op, query string, args ...any) error {
	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to %s: %w", op, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to %s: %w", op, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// compile-time interface check
var _ UserRepository = (*PostgresUserRepo)(nil)
