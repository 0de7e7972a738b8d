package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/romu70/jearch/internal/database"
	"github.com/romu70/jearch/internal/model"
)

// recordSchema はレコード種別ごとのテーブル定義。
// columns は id, user_id, created_at, updated_at 以外の列で、fields と同じ順序で並ぶ。
type recordSchema[T model.EditableRecord] struct {
	table   string
	columns []string
	newRec  func() T
	// fields はレコードの各列に対応するフィールドへのポインタを返す。
	// Scan の宛先と INSERT/UPDATE の値の両方に使う。
	fields func(rec T) []any
}

// PostgresRecordRepo は編集可能レコードの汎用PostgreSQLリポジトリ。
type PostgresRecordRepo[T model.EditableRecord] struct {
	db     *sql.DB
	schema recordSchema[T]

	selectSQL string
	insertSQL string
	updateSQL string
}

func newPostgresRecordRepo[T model.EditableRecord](db *sql.DB, schema recordSchema[T]) *PostgresRecordRepo[T] {
	cols := strings.Join(schema.columns, ", ")

	placeholders := make([]string, 0, len(schema.columns)+4)
	for i := 1; i <= len(schema.columns)+4; i++ {
		placeholders = append(placeholders, fmt.Sprintf("$%d", i))
	}

	// $1 = id, $2 = user_id, $3.. = 各列, 最後が updated_at
	sets := make([]string, 0, len(schema.columns)+1)
	for i, c := range schema.columns {
		sets = append(sets, fmt.Sprintf("%s = $%d", c, i+3))
	}
	sets = append(sets, fmt.Sprintf("updated_at = $%d", len(schema.columns)+3))

	return &PostgresRecordRepo[T]{
		db:     db,
		schema: schema,
		selectSQL: fmt.Sprintf(`SELECT id, user_id, %s, created_at, updated_at FROM %s`,
			cols, schema.table),
		insertSQL: fmt.Sprintf(`INSERT INTO %s (id, user_id, %s, created_at, updated_at) VALUES (%s)`,
			schema.table, cols, strings.Join(placeholders, ", ")),
		updateSQL: fmt.Sprintf(`UPDATE %s SET %s WHERE id = $1 AND user_id = $2`,
			schema.table, strings.Join(sets, ", ")),
	}
}

// scanDest はSELECT列順のScan宛先を返す。
func (r *PostgresRecordRepo[T]) scanDest(rec T) []any {
	m := rec.Meta()
	dest := []any{&m.ID, &m.UserID}
	dest = append(dest, r.schema.fields(rec)...)
	return append(dest, &m.CreatedAt, &m.UpdatedAt)
}

// values はポインタを外した列値を返す。
func (r *PostgresRecordRepo[T]) values(rec T) []any {
	ptrs := r.schema.fields(rec)
	vals := make([]any, 0, len(ptrs))
	for _, p := range ptrs {
		vals = append(vals, deref(p))
	}
	return vals
}

// Create はレコードを作成する。
func (r *PostgresRecordRepo[T]) Create(ctx context.Context, rec T) error {
	m := rec.Meta()
	args := []any{m.ID, m.UserID}
	args = append(args, r.values(rec)...)
	args = append(args, m.CreatedAt, m.UpdatedAt)

	if _, err := r.db.ExecContext(ctx, r.insertSQL, args...); err != nil {
		return fmt.Errorf("failed to insert %s: %w", rec.Kind(), err)
	}
	return nil
}

// FindByID はレコードを取得する。見つからない場合はErrNotFoundを返す。
func (r *PostgresRecordRepo[T]) FindByID(ctx context.Context, userID, id string) (T, error) {
	rec := r.schema.newRec()
	err := r.db.QueryRowContext(ctx,
		r.selectSQL+` WHERE id = $1 AND user_id = $2`,
		id, userID,
	).Scan(r.scanDest(rec)...)
	if errors.Is(err, sql.ErrNoRows) {
		var zero T
		return zero, ErrNotFound
	}
	if err != nil {
		var zero T
		return zero, fmt.Errorf("failed to find %s: %w", rec.Kind(), err)
	}
	return rec, nil
}

// ListByUser はユーザーのレコードを開始日の新しい順に返す。
func (r *PostgresRecordRepo[T]) ListByUser(ctx context.Context, userID string) ([]T, error) {
	rows, err := r.db.QueryContext(ctx,
		r.selectSQL+` WHERE user_id = $1 ORDER BY start_date DESC, created_at DESC`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", r.schema.table, err)
	}
	defer rows.Close()

	list := []T{}
	for rows.Next() {
		rec := r.schema.newRec()
		if err := rows.Scan(r.scanDest(rec)...); err != nil {
			return nil, fmt.Errorf("failed to scan %s: %w", r.schema.table, err)
		}
		list = append(list, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate %s: %w", r.schema.table, err)
	}
	return list, nil
}

// Delete はレコードを削除する。見つからない場合はErrNotFoundを返す。
func (r *PostgresRecordRepo[T]) Delete(ctx context.Context, userID, id string) error {
	result, err := r.db.ExecContext(ctx,
		fmt.Sprintf(`DELETE FROM %s WHERE id = $1 AND user_id = $2`, r.schema.table),
		id, userID,
	)
	if err != nil {
		return fmt.Errorf("failed to delete from %s: %w", r.schema.table, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to delete from %s: %w", r.schema.table, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateLocked は SELECT ... FOR UPDATE で行ロックを取得した現在値をfnに渡し、
// fnがtrueを返した場合のみ同じトランザクション内で書き戻す。
// 同じ行への並行更新はロック解放まで待たされるため、後続は先行の書き込み結果を読む。
func (r *PostgresRecordRepo[T]) UpdateLocked(ctx context.Context, userID, id string, fn func(current T) (bool, error)) (T, error) {
	var out T
	err := database.WithTx(ctx, r.db, func(tx database.DBTX) error {
		rec := r.schema.newRec()
		err := tx.QueryRowContext(ctx,
			r.selectSQL+` WHERE id = $1 AND user_id = $2 FOR UPDATE`,
			id, userID,
		).Scan(r.scanDest(rec)...)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to lock %s: %w", rec.Kind(), err)
		}

		write, err := fn(rec)
		if err != nil {
			return err
		}
		out = rec
		if !write {
			return nil
		}

		m := rec.Meta()
		args := []any{m.ID, m.UserID}
		args = append(args, r.values(rec)...)
		args = append(args, m.UpdatedAt)
		if _, err := tx.ExecContext(ctx, r.updateSQL, args...); err != nil {
			return fmt.Errorf("failed to update %s: %w", rec.Kind(), err)
		}
		return nil
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return out, nil
}

// deref はフィールドへのポインタから値を取り出す。
func deref(p any) any {
	switch v := p.(type) {
	case *string:
		return *v
	case *bool:
		return *v
	case *time.Time:
		return *v
	case **time.Time:
		return *v
	default:
		panic(fmt.Sprintf("repository: unsupported record field type %T", p))
	}
}
