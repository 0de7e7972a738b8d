package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/romu70/jearch/internal/database"
	"github.com/romu70/jearch/internal/model"
)

const selectProfileSQL = `SELECT user_id, full_name, preferred_language, created_at, updated_at FROM profiles WHERE user_id = $1`

// PostgresProfileRepo はProfileRepositoryのPostgreSQL実装。
type PostgresProfileRepo struct {
	db *sql.DB
}

// NewPostgresProfileRepo はPostgresProfileRepoを生成する。
func NewPostgresProfileRepo(db *sql.DB) *PostgresProfileRepo {
	return &PostgresProfileRepo{db: db}
}

// FindOrCreate はプロフィールを返す。未作成なら作成時刻 now で作成する。
// 同時に呼ばれても ON CONFLICT により1行だけ作られる。
func (r *PostgresProfileRepo) FindOrCreate(ctx context.Context, userID string, now time.Time) (*model.Profile, error) {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO profiles (user_id, preferred_language, created_at, updated_at)
		 VALUES ($1, $2, $3, $3)
		 ON CONFLICT (user_id) DO NOTHING`,
		userID, model.DefaultPreferredLanguage, now,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create profile: %w", err)
	}

	p, err := scanProfile(r.db.QueryRowContext(ctx, selectProfileSQL, userID))
	if err != nil {
		return nil, fmt.Errorf("failed to find profile: %w", err)
	}
	return p, nil
}

// UpdateLocked は SELECT ... FOR UPDATE で取得した現在値をfnに渡し、
// fnがtrueを返した場合のみ同じトランザクション内で書き戻す。
func (r *PostgresProfileRepo) UpdateLocked(ctx context.Context, userID string, fn func(current *model.Profile) (bool, error)) (*model.Profile, error) {
	var out *model.Profile
	err := database.WithTx(ctx, r.db, func(tx database.DBTX) error {
		p, err := scanProfile(tx.QueryRowContext(ctx, selectProfileSQL+` FOR UPDATE`, userID))
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to lock profile: %w", err)
		}

		write, err := fn(p)
		if err != nil {
			return err
		}
		out = p
		if !write {
			return nil
		}

		var fullName sql.NullString
		if p.FullName != nil {
			fullName = sql.NullString{String: *p.FullName, Valid: true}
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE profiles SET full_name = $2, preferred_language = $3, updated_at = $4 WHERE user_id = $1`,
			p.UserID, fullName, p.PreferredLanguage, p.UpdatedAt,
		); err != nil {
			return fmt.Errorf("failed to update profile: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func scanProfile(row *sql.Row) (*model.Profile, error) {
	var (
		p        model.Profile
		fullName sql.NullString
	)
	if err := row.Scan(&p.UserID, &fullName, &p.PreferredLanguage, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return nil, err
	}
	if fullName.Valid {
		p.FullName = &fullName.String
	}
	return &p, nil
}

// compile-time interface check
var _ ProfileRepository = (*PostgresProfileRepo)(nil)
