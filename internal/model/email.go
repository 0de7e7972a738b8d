// Package model はドメインモデルを定義する。
package model

import "time"

// EmailStatus は送信キュー上のメールの状態を表す。
// sent と failed は終端状態で、それ以降の遷移はない。
type EmailStatus string

const (
	// EmailStatusPending は送信待ち（リトライ待ちを含む）。
	EmailStatusPending EmailStatus = "pending"
	// EmailStatusSent は送信完了。
	EmailStatusSent EmailStatus = "sent"
	// EmailStatusFailed は試行回数を使い切った、または管理操作で中止された状態。
	EmailStatusFailed EmailStatus = "failed"
)

// TemplateKind はメールの種類を表す。
type TemplateKind string

const (
	// TemplateVerification はメールアドレス確認メール。
	TemplateVerification TemplateKind = "verification"
	// TemplatePasswordReset はパスワード再設定メール。
	TemplatePasswordReset TemplateKind = "password_reset"
	// TemplateUnlock はロックアウト解除メール。
	TemplateUnlock TemplateKind = "unlock"
)

// QueuedEmail は送信キュー上のメールを表す。
//
// 不変条件:
//   - Attempts <= MaxAttempts
//   - Status == sent ならば SentAt != nil かつ NextRetryAt == nil
//   - Status == failed ならば Attempts == MaxAttempts
type QueuedEmail struct {
	ID           string
	ToAddress    string
	Subject      string
	BodyText     string
	BodyHTML     string // 空文字はHTMLパートなし
	TemplateKind TemplateKind
	UserID       string // 空文字は紐付けなし
	Attempts     uint
	MaxAttempts  uint
	NextRetryAt  *time.Time
	Status       EmailStatus
	ErrorMessage string
	SentAt       *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time

	// ClaimToken はディスパッチャーがこのメールを占有している間だけ設定される。
	ClaimToken string
}

// IsTerminal はメールが終端状態かどうかを返す。
func (e *QueuedEmail) IsTerminal() bool {
	return e.Status == EmailStatusSent || e.Status == EmailStatusFailed
}
