// Package dispatch は送信キューのバックグラウンド配信処理を提供する。
// 送信時刻に達したメールを占有し、並列数を制限しながら1件ずつ送信を試みる。
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/romu70/jearch/internal/logger"
	"github.com/romu70/jearch/internal/mail"
	"github.com/romu70/jearch/internal/metrics"
	"github.com/romu70/jearch/internal/model"
	"github.com/romu70/jearch/internal/repository"
	"github.com/romu70/jearch/internal/retry"
)

// Alerter は試行回数を使い切ったメールを運用者へ通知する。
type Alerter interface {
	EmailFailed(ctx context.Context, email *model.QueuedEmail)
}

// LogAlerter はERRORログで通知するAlerter。
type LogAlerter struct {
	Logger *slog.Logger
}

// EmailFailed はfailedになったメールをERRORログに出力する。
func (a LogAlerter) EmailFailed(ctx context.Context, email *model.QueuedEmail) {
	a.Logger.ErrorContext(ctx, "メール送信が上限回数に達したため中止しました",
		slog.String("email_id", email.ID),
		slog.String("to", logger.MaskEmail(email.ToAddress)),
		slog.String("template", string(email.TemplateKind)),
		slog.Int("attempts", int(email.Attempts)),
		slog.String("error", email.ErrorMessage),
	)
}

// Options はDispatcherの動作設定。
type Options struct {
	Backoff        retry.BackoffFunc
	SendTimeout    time.Duration
	Lease          time.Duration
	BatchSize      int
	MaxConcurrency int
}

// Summary は1サイクル分の配信結果。
type Summary struct {
	Claimed   int
	Sent      int
	Retrying  int
	Failed    int
	Discarded int
}

// Dispatcher は送信キューの配信と並列制御を行う。
type Dispatcher struct {
	repo      repository.EmailQueueRepository
	transport mail.Transport
	alerter   Alerter
	metrics   metrics.MetricsCollector
	logger    *slog.Logger
	opts      Options
}

// NewDispatcher はDispatcherの新しいインスタンスを生成する。
// MaxConcurrencyが0以下の場合はデフォルト値5を使用する。
func NewDispatcher(
	repo repository.EmailQueueRepository,
	transport mail.Transport,
	alerter Alerter,
	mc metrics.MetricsCollector,
	logger *slog.Logger,
	opts Options,
) (*Dispatcher, error) {
	if opts.Backoff == nil {
		return nil, fmt.Errorf("backoff function is required")
	}
	if opts.SendTimeout <= 0 {
		return nil, fmt.Errorf("send timeout must be positive")
	}
	if opts.Lease <= opts.SendTimeout {
		return nil, fmt.Errorf("lease (%s) must exceed send timeout (%s)", opts.Lease, opts.SendTimeout)
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 100
	}
	if opts.MaxConcurrency <= 0 {
		opts.MaxConcurrency = 5
	}
	if mc == nil {
		mc = metrics.Nop{}
	}
	if alerter == nil {
		alerter = LogAlerter{Logger: logger}
	}
	return &Dispatcher{
		repo:      repo,
		transport: transport,
		alerter:   alerter,
		metrics:   mc,
		logger:    logger,
		opts:      opts,
	}, nil
}

// Start は指定間隔のティッカーで配信サイクルを起動する。
// コンテキストがキャンセルされるまで実行を継続する。
func (d *Dispatcher) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	d.logger.Info("メールディスパッチャーを開始しました",
		slog.Duration("interval", interval),
		slog.Int("max_concurrency", d.opts.MaxConcurrency),
	)

	// 起動直後に1回実行
	d.runCycle(ctx)

	for {
		select {
		case <-ctx.Done():
			d.logger.Info("メールディスパッチャーを停止しました")
			return
		case <-ticker.C:
			d.runCycle(ctx)
		}
	}
}

func (d *Dispatcher) runCycle(ctx context.Context) {
	if _, err := d.DispatchReady(ctx, time.Now()); err != nil && !errors.Is(err, context.Canceled) {
		d.logger.Error("配信サイクルの実行に失敗しました",
			slog.String("error", err.Error()),
		)
	}
}

// DispatchReady は clock 時点で送信時刻に達したメールを占有し、1件につき1回ずつ送信を試みる。
// ストレージのエラーはそのまま返し、このサイクル内で再試行はしない。
func (d *Dispatcher) DispatchReady(ctx context.Context, clock time.Time) (Summary, error) {
	start := time.Now()
	clock = clock.UTC().Truncate(time.Microsecond)

	var summary Summary
	emails, err := d.repo.ClaimReady(ctx, clock, d.opts.Lease, d.opts.BatchSize)
	if err != nil {
		return summary, err
	}
	summary.Claimed = len(emails)
	if len(emails) == 0 {
		d.logger.Debug("送信対象のメールはありません")
		return summary, nil
	}

	d.logger.Info("配信サイクルを開始します",
		slog.Int("email_count", len(emails)),
	)

	// semaphoreパターンで並列数を制御
	sem := make(chan struct{}, d.opts.MaxConcurrency)
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		firstErr error
	)

	for _, email := range emails {
		wg.Add(1)
		sem <- struct{}{}

		go func(e *model.QueuedEmail) {
			defer wg.Done()
			defer func() { <-sem }()

			result, err := d.deliver(ctx, e, clock)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				if firstErr == nil {
					firstErr = err
				}
				return
			}
			switch result {
			case resultSent:
				summary.Sent++
			case resultRetrying:
				summary.Retrying++
			case resultFailed:
				summary.Failed++
			case resultDiscarded:
				summary.Discarded++
			}
		}(email)
	}

	wg.Wait()

	d.logger.Info("配信サイクルが完了しました",
		slog.Int("email_count", summary.Claimed),
		slog.Int("sent", summary.Sent),
		slog.Int("retrying", summary.Retrying),
		slog.Int("failed", summary.Failed),
		slog.Int("discarded", summary.Discarded),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)

	return summary, firstErr
}

type deliveryResult int

const (
	resultSent deliveryResult = iota
	resultRetrying
	resultFailed
	resultDiscarded
)

// deliver は1件のメールの送信を試み、結果を書き込む。
func (d *Dispatcher) deliver(ctx context.Context, email *model.QueuedEmail, clock time.Time) (deliveryResult, error) {
	sendCtx, cancel := context.WithTimeout(ctx, d.opts.SendTimeout)
	sendStart := time.Now()
	sendErr := d.transport.Send(sendCtx, email)
	cancel()
	d.metrics.RecordMailSendLatency(time.Since(sendStart))

	result := applyOutcome(email, sendErr, clock, d.opts.Backoff)

	saved, err := d.repo.SaveAttempt(ctx, email, clock)
	if err != nil {
		d.logger.Error("送信結果の保存に失敗しました",
			slog.String("email_id", email.ID),
			slog.String("error", err.Error()),
		)
		return 0, err
	}
	if !saved {
		// 送信中に中止された、またはリース切れで再取得されたメール
		d.logger.Warn("送信結果を破棄しました",
			slog.String("email_id", email.ID),
			slog.Bool("delivered", sendErr == nil),
		)
		return resultDiscarded, nil
	}

	template := string(email.TemplateKind)
	switch result {
	case resultSent:
		d.metrics.RecordMailSent(template)
		d.logger.Info("メールを送信しました",
			slog.String("email_id", email.ID),
			slog.String("template", template),
		)
	case resultRetrying:
		d.metrics.RecordMailRetry(template)
		d.logger.Warn("メール送信に失敗しました。再試行します",
			slog.String("email_id", email.ID),
			slog.String("template", template),
			slog.Int("attempts", int(email.Attempts)),
			slog.Time("next_retry_at", *email.NextRetryAt),
			slog.String("error", email.ErrorMessage),
		)
	case resultFailed:
		d.metrics.RecordMailFailed(template)
		d.alerter.EmailFailed(ctx, email)
	}
	return result, nil
}

// applyOutcome は送信結果をメールの状態に反映する。
//   - 成功: sent、sentAt = clock、nextRetryAt = nil
//   - 失敗: attempts を1増やし、上限なら failed、そうでなければ clock + backoff で pending のまま
func applyOutcome(email *model.QueuedEmail, sendErr error, clock time.Time, backoff retry.BackoffFunc) deliveryResult {
	if sendErr == nil {
		sentAt := clock
		email.Status = model.EmailStatusSent
		email.SentAt = &sentAt
		email.NextRetryAt = nil
		email.ErrorMessage = ""
		return resultSent
	}

	policy := retry.Policy{MaxAttempts: email.MaxAttempts, Backoff: backoff}
	outcome := policy.OnFailure(email.Attempts)
	email.Attempts = outcome.Attempts
	email.ErrorMessage = sendErr.Error()

	if outcome.Exhausted {
		email.Status = model.EmailStatusFailed
		email.NextRetryAt = nil
		return resultFailed
	}

	next := clock.Add(outcome.Delay)
	email.NextRetryAt = &next
	return resultRetrying
}
