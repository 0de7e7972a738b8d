// Package mail はメールの本文生成と送信トランスポートを提供する。
package mail

import (
	"context"
	"log/slog"

	"github.com/romu70/jearch/internal/logger"
	"github.com/romu70/jearch/internal/model"
)

// Transport はメール1通を外部に送信する。送信キューが行う唯一のネットワークI/O。
// ctxの期限を超えた送信は中断してエラーを返すこと。
type Transport interface {
	Send(ctx context.Context, email *model.QueuedEmail) error
}

// LogTransport は送信せずにログへ出力するトランスポート。開発環境用。
type LogTransport struct {
	logger *slog.Logger
}

// NewLogTransport はLogTransportを生成する。
func NewLogTransport(l *slog.Logger) *LogTransport {
	return &LogTransport{logger: l}
}

// Send はメールの宛先と件名をログに出力する。
// 本文には有効なトークンを含むリンクが入るため、DEBUGレベルでのみ出力する。
func (t *LogTransport) Send(ctx context.Context, email *model.QueuedEmail) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t.logger.Info("email delivered to log transport",
		slog.String("email_id", email.ID),
		slog.String("to", logger.MaskEmail(email.ToAddress)),
		slog.String("template", string(email.TemplateKind)),
		slog.String("subject", email.Subject),
	)
	if t.logger.Enabled(ctx, slog.LevelDebug) {
		t.logger.Debug("email body",
			slog.String("email_id", email.ID),
			slog.String("body", email.BodyText),
		)
	}
	return nil
}

// compile-time interface check
var (
	_ Transport = (*LogTransport)(nil)
	_ Transport = (*SMTPTransport)(nil)
)
