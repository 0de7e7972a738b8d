// Package model はドメインモデルを定義する。
package model

import "time"

// User はサービス利用ユーザーを表す。
type User struct {
	ID               string
	Email            string
	PasswordHash     string
	EmailConfirmedAt *time.Time
	// LockoutClearedAt より前のログイン失敗はロックアウト判定に数えない。
	LockoutClearedAt *time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Session はユーザーのログインセッションを表す。
type Session struct {
	ID        string
	UserID    string
	ExpiresAt time.Time
	CreatedAt time.Time
}

// TokenPurpose はメールで送るワンタイムトークンの用途。
type TokenPurpose string

const (
	// TokenPurposeVerification はメールアドレス確認用。
	TokenPurposeVerification TokenPurpose = "verification"
	// TokenPurposePasswordReset はパスワード再設定用。
	TokenPurposePasswordReset TokenPurpose = "password_reset"
	// TokenPurposeUnlock はロックアウト解除用。
	TokenPurposeUnlock TokenPurpose = "unlock"
)

// UserToken はワンタイムトークンの永続化表現。
// 平文トークンは保存せず、SHA-256ハッシュのみを保持する。
type UserToken struct {
	TokenHash string
	UserID    string
	Purpose   TokenPurpose
	ExpiresAt time.Time
	UsedAt    *time.Time
	CreatedAt time.Time
}
