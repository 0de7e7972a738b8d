// Package model はドメインモデルを定義する。
package model

import (
	"fmt"
	"time"
)

// APIError は統一エラーフォーマットを表す。
// UIに表示する原因カテゴリと対処方法を含む。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: auth, validation, record, system
	Action   string // ユーザー向け対処方法
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// 定義済みエラーコード
const (
	ErrCodeInvalidRequest     = "INVALID_REQUEST"
	ErrCodeValidationFailed   = "VALIDATION_FAILED"
	ErrCodeUnauthorized       = "UNAUTHORIZED"
	ErrCodeRecordNotFound     = "RECORD_NOT_FOUND"
	ErrCodeConflict           = "CONFLICT"
	ErrCodeEmailTaken         = "EMAIL_ALREADY_REGISTERED"
	ErrCodeWeakPassword       = "WEAK_PASSWORD"
	ErrCodeInvalidCredentials = "INVALID_CREDENTIALS"
	ErrCodeAccountLocked      = "ACCOUNT_LOCKED"
	ErrCodeInvalidToken       = "INVALID_TOKEN"
	ErrCodeUserNotFound       = "USER_NOT_FOUND"
	ErrCodeEmailNotFound      = "EMAIL_NOT_FOUND"
	ErrCodeEmailNotPending    = "EMAIL_NOT_PENDING"
	ErrCodeRateLimited        = "RATE_LIMITED"
	ErrCodeCSRFFailed         = "CSRF_VALIDATION_FAILED"
	ErrCodeInternal           = "INTERNAL_ERROR"
)

// NewInvalidRequestError はリクエストボディの解析失敗エラーを生成する。
func NewInvalidRequestError() *APIError {
	return &APIError{
		Code:     ErrCodeInvalidRequest,
		Message:  "The request body could not be parsed.",
		Category: "validation",
		Action:   "Send a well-formed JSON body.",
	}
}

// NewValidationError は入力値検証エラーを生成する。
func NewValidationError(detail string) *APIError {
	return &APIError{
		Code:     ErrCodeValidationFailed,
		Message:  fmt.Sprintf("Invalid input: %s", detail),
		Category: "validation",
		Action:   "Correct the highlighted fields and submit again.",
	}
}

// NewUnauthorizedError は未認証エラーを生成する。
func NewUnauthorizedError() *APIError {
	return &APIError{
		Code:     ErrCodeUnauthorized,
		Message:  "Authentication is required.",
		Category: "auth",
		Action:   "Sign in and retry.",
	}
}

// NewRecordNotFoundError は編集対象レコード未検出エラーを生成する。
func NewRecordNotFoundError(kind RecordKind, id string) *APIError {
	return &APIError{
		Code:     ErrCodeRecordNotFound,
		Message:  fmt.Sprintf("%s not found: %s", kind, id),
		Category: "record",
		Action:   "Reload the list; the entry may have been deleted.",
	}
}

// NewEmailTakenError は登録済みメールアドレスでの再登録エラーを生成する。
func NewEmailTakenError() *APIError {
	return &APIError{
		Code:     ErrCodeEmailTaken,
		Message:  "An account already exists for this email address.",
		Category: "auth",
		Action:   "Sign in, or request a password reset.",
	}
}

// NewWeakPasswordError はパスワード長不足エラーを生成する。
func NewWeakPasswordError(minLength int) *APIError {
	return &APIError{
		Code:     ErrCodeWeakPassword,
		Message:  fmt.Sprintf("The password must contain at least %d characters.", minLength),
		Category: "validation",
		Action:   "Choose a longer password.",
	}
}

// NewInvalidTokenError は無効・期限切れ・使用済みトークンのエラーを生成する。
func NewInvalidTokenError() *APIError {
	return &APIError{
		Code:     ErrCodeInvalidToken,
		Message:  "The link is invalid or has expired.",
		Category: "auth",
		Action:   "Request a new email and use the most recent link.",
	}
}

// NewUserNotFoundError はユーザーが見つからない場合のエラーを生成する。
func NewUserNotFoundError() *APIError {
	return &APIError{
		Code:     ErrCodeUserNotFound,
		Message:  "User not found.",
		Category: "auth",
		Action:   "Sign in again.",
	}
}

// NewEmailNotFoundError は送信キュー上のメール未検出エラーを生成する。
func NewEmailNotFoundError(id string) *APIError {
	return &APIError{
		Code:     ErrCodeEmailNotFound,
		Message:  fmt.Sprintf("queued email not found: %s", id),
		Category: "system",
		Action:   "Check the email id.",
	}
}

// NewEmailNotPendingError は送信待ちでないメールに対する操作のエラーを生成する。
func NewEmailNotPendingError(id string, status EmailStatus) *APIError {
	return &APIError{
		Code:     ErrCodeEmailNotPending,
		Message:  fmt.Sprintf("queued email %s is %s, only pending emails can be cancelled", id, status),
		Category: "system",
		Action:   "No action needed; the email already reached a terminal state.",
	}
}

// NewRateLimitedError はリクエスト頻度の上限超過エラーを生成する。
func NewRateLimitedError() *APIError {
	return &APIError{
		Code:     ErrCodeRateLimited,
		Message:  "Too many requests.",
		Category: "system",
		Action:   "Wait for the time given in Retry-After and retry.",
	}
}

// NewCSRFFailedError はCSRFトークン検証失敗エラーを生成する。
func NewCSRFFailedError() *APIError {
	return &APIError{
		Code:     ErrCodeCSRFFailed,
		Message:  "CSRF token validation failed.",
		Category: "auth",
		Action:   "Reload the page and retry.",
	}
}

// NewInternalError は内部エラーを生成する。詳細はログにのみ記録する。
func NewInternalError() *APIError {
	return &APIError{
		Code:     ErrCodeInternal,
		Message:  "An internal error occurred.",
		Category: "system",
		Action:   "Wait a moment and retry.",
	}
}

// InvalidCredentialsError は認証情報不一致を表す。
// 直近の失敗回数を含めてクライアントに返す。
type InvalidCredentialsError struct {
	Info RateLimitInfo
}

// Error はerrorインターフェースを実装する。
func (e *InvalidCredentialsError) Error() string {
	return fmt.Sprintf("[%s] invalid email or password (%d recent failures)", ErrCodeInvalidCredentials, e.Info.FailedAttempts)
}

// LockedError はログイン試行がロックアウト中であることを表す。
type LockedError struct {
	Info RateLimitInfo
}

// Error はerrorインターフェースを実装する。
func (e *LockedError) Error() string {
	return fmt.Sprintf("[%s] too many failed attempts (%d)", ErrCodeAccountLocked, e.Info.FailedAttempts)
}

// ConflictError は楽観的排他制御による競合をHTTP層へ伝えるためのエラー。
// サービス層は ConflictDecision を返し、ハンドラーでのみこの形に変換する。
type ConflictError struct {
	Kind            RecordKind
	LocalTimestamp  time.Time
	ServerTimestamp time.Time
	ServerData      any
}

// Error はerrorインターフェースを実装する。
func (e *ConflictError) Error() string {
	return fmt.Sprintf("[%s] %s was modified at %s (client saw %s)",
		ErrCodeConflict, e.Kind,
		e.ServerTimestamp.Format(time.RFC3339Nano), e.LocalTimestamp.Format(time.RFC3339Nano))
}
