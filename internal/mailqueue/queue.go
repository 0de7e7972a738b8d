// Package mailqueue は送信キューへのメール登録と管理操作を提供する。
// 実際の送信はワーカープロセスのディスパッチャーが行う。
package mailqueue

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/romu70/jearch/internal/logger"
	"github.com/romu70/jearch/internal/mail"
	"github.com/romu70/jearch/internal/model"
	"github.com/romu70/jearch/internal/repository"
	"github.com/romu70/jearch/internal/security"
)

// EnqueueRequest はキューに登録するメールの内容。
type EnqueueRequest struct {
	To           string
	Subject      string
	BodyText     string
	BodyHTML     string
	TemplateKind model.TemplateKind
	UserID       string
}

// Queue は送信キューのサービス。
type Queue struct {
	repo        repository.EmailQueueRepository
	renderer    *mail.Renderer
	sanitizer   security.ContentSanitizer
	maxAttempts uint
	now         func() time.Time
}

// NewQueue はQueueを生成する。maxAttemptsは登録時に各メールへ固定される。
func NewQueue(repo repository.EmailQueueRepository, renderer *mail.Renderer, sanitizer security.ContentSanitizer, maxAttempts uint) (*Queue, error) {
	if maxAttempts == 0 {
		return nil, fmt.Errorf("maxAttempts must be positive")
	}
	return &Queue{
		repo:        repo,
		renderer:    renderer,
		sanitizer:   sanitizer,
		maxAttempts: maxAttempts,
		now:         time.Now,
	}, nil
}

// Enqueue はメールを pending で登録し、直ちに送信対象にする。
// 同じ内容のメールでも重複排除はしない。
func (q *Queue) Enqueue(ctx context.Context, req EnqueueRequest) (*model.QueuedEmail, error) {
	to := strings.TrimSpace(req.To)
	if to == "" {
		return nil, fmt.Errorf("recipient address is required")
	}
	if req.Subject == "" || req.BodyText == "" {
		return nil, fmt.Errorf("subject and text body are required")
	}

	now := q.now().UTC().Truncate(time.Microsecond)
	next := now
	email := &model.QueuedEmail{
		ID:           uuid.NewString(),
		ToAddress:    to,
		Subject:      req.Subject,
		BodyText:     req.BodyText,
		TemplateKind: req.TemplateKind,
		UserID:       req.UserID,
		Attempts:     0,
		MaxAttempts:  q.maxAttempts,
		NextRetryAt:  &next,
		Status:       model.EmailStatusPending,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if req.BodyHTML != "" {
		email.BodyHTML = q.sanitizer.EmailHTML(req.BodyHTML)
	}

	if err := q.repo.Enqueue(ctx, email); err != nil {
		return nil, err
	}

	slog.Default().Info("email enqueued",
		slog.String("email_id", email.ID),
		slog.String("to", logger.MaskEmail(email.ToAddress)),
		slog.String("template", string(email.TemplateKind)),
	)
	return email, nil
}

// EnqueueTemplate はテンプレートから本文を生成して登録する。
func (q *Queue) EnqueueTemplate(ctx context.Context, kind model.TemplateKind, to, userID, token string, expiresIn time.Duration) (*model.QueuedEmail, error) {
	msg, err := q.renderer.Render(kind, to, token, expiresIn)
	if err != nil {
		return nil, err
	}
	return q.Enqueue(ctx, EnqueueRequest{
		To:           to,
		Subject:      msg.Subject,
		BodyText:     msg.BodyText,
		BodyHTML:     msg.BodyHTML,
		TemplateKind: kind,
		UserID:       userID,
	})
}

// CancelForUser はユーザー宛ての送信待ちメールをすべて取り消し、件数を返す。退会時に使う。
func (q *Queue) CancelForUser(ctx context.Context, userID string) (int64, error) {
	n, err := q.repo.CancelByUserID(ctx, userID, "recipient account deleted", q.now().UTC().Truncate(time.Microsecond))
	if err != nil {
		return 0, err
	}
	if n > 0 {
		slog.Default().Info("queued emails cancelled for deleted account",
			slog.String("user_id", userID),
			slog.Int64("count", n),
		)
	}
	return n, nil
}

// Cancel は pending のメールを管理操作として failed にする。
// 送信中の試行があっても、その結果は書き込まれない。
func (q *Queue) Cancel(ctx context.Context, id, reason string) error {
	if _, err := uuid.Parse(id); err != nil {
		return model.NewEmailNotFoundError(id)
	}
	if reason == "" {
		reason = "cancelled by operator"
	}

	ok, err := q.repo.Cancel(ctx, id, reason, q.now().UTC().Truncate(time.Microsecond))
	if err != nil {
		return err
	}
	if ok {
		slog.Default().Warn("queued email cancelled",
			slog.String("email_id", id),
			slog.String("reason", reason),
		)
		return nil
	}

	email, err := q.repo.FindByID(ctx, id)
	if err != nil {
		return err
	}
	if email == nil {
		return model.NewEmailNotFoundError(id)
	}
	return model.NewEmailNotPendingError(id, email.Status)
}
