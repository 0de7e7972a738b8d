// Package repository はデータ永続化のインターフェースとPostgreSQL実装を提供する。
package repository

import (
	"context"
	"errors"
	"time"

	"github.com/romu70/jearch/internal/model"
)

var (
	// ErrNotFound は更新・削除対象が存在しないことを表す。
	ErrNotFound = errors.New("repository: not found")
	// ErrDuplicate は一意制約違反を表す。
	ErrDuplicate = errors.New("repository: duplicate")
)

// UserRepository はユーザーデータの永続化インターフェース。
type UserRepository interface {
	// FindByID は指定IDのユーザーを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.User, error)
	// FindByEmail はメールアドレスでユーザーを検索する。見つからない場合はnilを返す。
	FindByEmail(ctx context.Context, email string) (*model.User, error)
	// Create はユーザーを作成する。メールアドレスが登録済みの場合はErrDuplicateを返す。
	Create(ctx context.Context, user *model.User) error
	// ConfirmEmail はメールアドレス確認日時を記録する。
	ConfirmEmail(ctx context.Context, userID string, at time.Time) error
	// UpdatePassword はパスワードハッシュを更新し、同時にロックアウトを解除する。
	UpdatePassword(ctx context.Context, userID, passwordHash string, at time.Time) error
	// ClearLockout はロックアウト解除日時を記録する。
	ClearLockout(ctx context.Context, userID string, at time.Time) error
	// DeleteByID はユーザーを削除する。見つからない場合はErrNotFoundを返す。
	DeleteByID(ctx context.Context, id string) error
}

// SessionRepository はセッションデータの永続化インターフェース。
type SessionRepository interface {
	// Create はセッションを作成する。
	Create(ctx context.Context, session *model.Session) error
	// FindByID は指定IDのセッションを取得する。期限切れの場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Session, error)
	// DeleteByID は指定IDのセッションを削除する。
	DeleteByID(ctx context.Context, id string) error
	// DeleteByUserID は指定ユーザーの全セッションを削除する。
	DeleteByUserID(ctx context.Context, userID string) error
}

// TokenRepository はメールで送るワンタイムトークンの永続化インターフェース。
type TokenRepository interface {
	// Create はトークンを保存する。
	Create(ctx context.Context, token *model.UserToken) error
	// Consume は未使用かつ有効期限内のトークンを使用済みにして返す。
	// 該当するトークンがない場合はnilを返す。
	Consume(ctx context.Context, tokenHash string, purpose model.TokenPurpose, now time.Time) (*model.UserToken, error)
}

// RecordRepository は編集可能レコードの永続化インターフェース。
// 他ユーザーのレコードは存在しないものとして扱う。
type RecordRepository[T model.EditableRecord] interface {
	// Create はレコードを作成する。
	Create(ctx context.Context, rec T) error
	// FindByID はレコードを取得する。見つからない場合はErrNotFoundを返す。
	FindByID(ctx context.Context, userID, id string) (T, error)
	// ListByUser はユーザーのレコードを開始日の新しい順に返す。
	ListByUser(ctx context.Context, userID string) ([]T, error)
	// Delete はレコードを削除する。見つからない場合はErrNotFoundを返す。
	Delete(ctx context.Context, userID, id string) error
	// UpdateLocked は行ロックを取得した現在値をfnに渡し、fnがtrueを返した場合のみ書き戻す。
	// 読み取りから書き込みまでを1トランザクションで行う。
	// 戻り値はfn適用後の値（書き込まなかった場合は現在値）。
	UpdateLocked(ctx context.Context, userID, id string, fn func(current T) (bool, error)) (T, error)
}

// ProfileRepository はユーザーごとに1件のプロフィールの永続化インターフェース。
type ProfileRepository interface {
	// FindOrCreate はプロフィールを返す。未作成なら既定値で作成してから返す。
	FindOrCreate(ctx context.Context, userID string, now time.Time) (*model.Profile, error)
	// UpdateLocked は行ロックを取得した現在値をfnに渡し、fnがtrueを返した場合のみ書き戻す。
	// 未作成の場合はErrNotFoundを返す。
	UpdateLocked(ctx context.Context, userID string, fn func(current *model.Profile) (bool, error)) (*model.Profile, error)
}

// EmailQueueRepository は送信キューの永続化インターフェース。
type EmailQueueRepository interface {
	// Enqueue はメールをキューに追加する。
	Enqueue(ctx context.Context, email *model.QueuedEmail) error
	// FindByID は指定IDのメールを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.QueuedEmail, error)
	// ClaimReady は送信時刻に達した pending のメールを最大limit件占有して返す。
	// 占有はleaseの間だけ有効で、他のワーカーからは取得されない。
	ClaimReady(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]*model.QueuedEmail, error)
	// SaveAttempt は送信試行の結果を書き込む。
	// メールがまだ pending で、同じ占有トークンを保持している場合のみ書き込み、trueを返す。
	SaveAttempt(ctx context.Context, email *model.QueuedEmail, now time.Time) (bool, error)
	// Cancel は pending のメールを failed にする。pending でなかった場合はfalseを返す。
	Cancel(ctx context.Context, id, reason string, now time.Time) (bool, error)
	// CancelByUserID はユーザー宛ての pending のメールをすべて failed にし、件数を返す。
	CancelByUserID(ctx context.Context, userID, reason string, now time.Time) (int64, error)
}

// LoginAttemptRepository はログイン試行の追記専用台帳。
type LoginAttemptRepository interface {
	// Record は試行を1件追記する。
	Record(ctx context.Context, attempt *model.LoginAttempt) error
	// RecentFailures は [windowStart, now] の失敗件数を返す。
	RecentFailures(ctx context.Context, email string, windowStart, now time.Time) (uint, error)
	// NthMostRecentFailure は [windowStart, now] の失敗のうち、新しい方からn番目の試行時刻を返す。
	// 該当がない場合はfalseを返す。
	NthMostRecentFailure(ctx context.Context, email string, windowStart, now time.Time, n uint) (time.Time, bool, error)
}
