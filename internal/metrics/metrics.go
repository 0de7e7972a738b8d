// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsCollector はメトリクス収集のインターフェース。
// ワーカーやサービス層から利用する。
type MetricsCollector interface {
	RecordMailSent(template string)
	RecordMailRetry(template string)
	RecordMailFailed(template string)
	RecordMailSendLatency(duration time.Duration)
	RecordLoginAttempt(success bool)
	RecordLoginLocked()
	RecordRecordConflict(kind string)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	mailSent        *prometheus.CounterVec
	mailRetry       *prometheus.CounterVec
	mailFailed      *prometheus.CounterVec
	mailLatency     prometheus.Histogram
	loginAttempts   *prometheus.CounterVec
	loginLocked     prometheus.Counter
	recordConflicts *prometheus.CounterVec
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		mailSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "jearch_mail_sent_total",
			Help: "送信に成功したメールの合計数",
		}, []string{"template"}),
		mailRetry: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "jearch_mail_retry_total",
			Help: "送信に失敗し再試行を予約したメールの合計数",
		}, []string{"template"}),
		mailFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "jearch_mail_failed_total",
			Help: "試行回数を使い切って failed になったメールの合計数",
		}, []string{"template"}),
		mailLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "jearch_mail_send_latency_seconds",
			Help:    "メール送信1回あたりのレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}),
		loginAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "jearch_login_attempts_total",
			Help: "結果別のログイン試行数",
		}, []string{"result"}),
		loginLocked: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "jearch_login_locked_total",
			Help: "ロックアウト中に拒否したログイン試行数",
		}),
		recordConflicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "jearch_record_conflicts_total",
			Help: "レコード種別ごとの更新競合数",
		}, []string{"kind"}),
	}

	reg.MustRegister(
		c.mailSent,
		c.mailRetry,
		c.mailFailed,
		c.mailLatency,
		c.loginAttempts,
		c.loginLocked,
		c.recordConflicts,
	)

	return c
}

// RecordMailSent は送信成功を記録する。
func (c *Collector) RecordMailSent(template string) {
	c.mailSent.WithLabelValues(template).Inc()
}

// RecordMailRetry は再試行の予約を記録する。
func (c *Collector) RecordMailRetry(template string) {
	c.mailRetry.WithLabelValues(template).Inc()
}

// RecordMailFailed は終端失敗を記録する。
func (c *Collector) RecordMailFailed(template string) {
	c.mailFailed.WithLabelValues(template).Inc()
}

// RecordMailSendLatency は送信のレイテンシを記録する。
func (c *Collector) RecordMailSendLatency(duration time.Duration) {
	c.mailLatency.Observe(duration.Seconds())
}

// RecordLoginAttempt はログイン試行の結果を記録する。
func (c *Collector) RecordLoginAttempt(success bool) {
	result := "failure"
	if success {
		result = "success"
	}
	c.loginAttempts.WithLabelValues(result).Inc()
}

// RecordLoginLocked はロックアウトによる拒否を記録する。
func (c *Collector) RecordLoginLocked() {
	c.loginLocked.Inc()
}

// RecordRecordConflict は更新競合を記録する。
func (c *Collector) RecordRecordConflict(kind string) {
	c.recordConflicts.WithLabelValues(kind).Inc()
}

// Nop は何も記録しないMetricsCollector。テストやメトリクス無効時に使う。
type Nop struct{}

func (Nop) RecordMailSent(string) {}
func (Nop) RecordMailRetry(string) {}
func (Nop) RecordMailFailed(string) {}
func (Nop) RecordMailSendLatency(time.Duration) {}
func (Nop) RecordLoginAttempt(bool) {}
func (Nop) RecordLoginLocked() {}
func (Nop) RecordRecordConflict(string) {}

// compile-time interface check
var (
	_ MetricsCollector = (*Collector)(nil)
	_ MetricsCollector = Nop{}
)

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// SetupMetricsRoute は/metricsエンドポイントを提供するHTTPハンドラーを返す。
func SetupMetricsRoute(gatherer prometheus.Gatherer) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler(gatherer))
	return mux
}
