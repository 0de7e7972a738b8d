// Package user はユーザー管理のドメインロジックを提供する。
package user

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/romu70/jearch/internal/model"
	"github.com/romu70/jearch/internal/repository"
)

// MailCanceller は退会したユーザー宛ての送信待ちメールを取り消す。
type MailCanceller interface {
	CancelForUser(ctx context.Context, userID string) (int64, error)
}

// Service はユーザー管理のサービス層。
// 退会処理のビジネスロジックを提供する。
type Service struct {
	userRepo    repository.UserRepository
	sessionRepo repository.SessionRepository
	mail        MailCanceller
}

// NewService はServiceの新しいインスタンスを生成する。
func NewService(userRepo repository.UserRepository, sessionRepo repository.SessionRepository, mail MailCanceller) *Service {
	return &Service{
		userRepo:    userRepo,
		sessionRepo: sessionRepo,
		mail:        mail,
	}
}

// Withdraw はユーザーの退会処理を実行する。
// 処理順序: 送信待ちメールの取消 → sessions → user（+ CASCADE: 経歴3種, user_tokens）
// 取り消したメールは failed として残り、保持期間の削除に任せる。
// ログイン試行台帳はメールアドレス単位のため削除しない。
func (s *Service) Withdraw(ctx context.Context, userID string) error {
	user, err := s.userRepo.FindByID(ctx, userID)
	if err != nil {
		return fmt.Errorf("ユーザーの取得に失敗しました: %w", err)
	}
	if user == nil {
		return model.NewUserNotFoundError()
	}

	slog.Info("退会処理を開始します",
		slog.String("user_id", userID),
	)

	// 1. 送信待ちメールを取り消す（ユーザー削除後は user_id で引けなくなる）
	cancelled, err := s.mail.CancelForUser(ctx, userID)
	if err != nil {
		return fmt.Errorf("送信待ちメールの取り消しに失敗しました: %w", err)
	}

	// 2. セッションを削除
	if err := s.sessionRepo.DeleteByUserID(ctx, userID); err != nil {
		return fmt.Errorf("セッションの削除に失敗しました: %w", err)
	}

	// 3. ユーザーを削除
	if err := s.userRepo.DeleteByID(ctx, userID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return model.NewUserNotFoundError()
		}
		return fmt.Errorf("ユーザーの削除に失敗しました: %w", err)
	}

	slog.Info("退会処理が完了しました",
		slog.String("user_id", userID),
		slog.Int64("cancelled_emails", cancelled),
	)

	return nil
}
