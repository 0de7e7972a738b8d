package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/romu70/jearch/internal/auth"
	"github.com/romu70/jearch/internal/config"
	"github.com/romu70/jearch/internal/database"
	"github.com/romu70/jearch/internal/handler"
	"github.com/romu70/jearch/internal/lockout"
	"github.com/romu70/jearch/internal/logger"
	"github.com/romu70/jearch/internal/mail"
	"github.com/romu70/jearch/internal/mailqueue"
	"github.com/romu70/jearch/internal/metrics"
	"github.com/romu70/jearch/internal/middleware"
	"github.com/romu70/jearch/internal/record"
	"github.com/romu70/jearch/internal/repository"
	"github.com/romu70/jearch/internal/retry"
	"github.com/romu70/jearch/internal/security"
	"github.com/romu70/jearch/internal/user"
	"github.com/romu70/jearch/internal/worker/cleanup"
	"github.com/romu70/jearch/internal/worker/dispatch"
)

// Init はアプリケーションの初期化を行う。
// 環境変数からConfigを読み込み、JSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w, slog.LevelInfo)

	// 2. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	// 3. 設定されたログレベルで再初期化
	logger.SetupDefault(w, logger.ParseLevel(cfg.LogLevel))

	return cfg, nil
}

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// argsにはos.Args[1:]を渡す。
func Run(w io.Writer, args []string) error {
	cmd := ParseCommand(args)
	var rest []string
	if len(args) > 1 {
		rest = args[1:]
	}

	// healthcheck は軽量サブコマンドのため、フル初期化をスキップする
	if cmd == CommandHealthcheck {
		port := os.Getenv("SERVER_PORT")
		if port == "" {
			port = "8080"
		}
		return runHealthcheck(port)
	}

	cfg, err := Init(w)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	slog.Info("starting application",
		slog.String("command", string(cmd)),
		slog.String("port", cfg.ServerPort),
		slog.String("base_url", cfg.BaseURL),
		slog.String("mail_transport", cfg.MailTransport),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	switch cmd {
	case CommandWorker:
		return runWorker(ctx, cfg)
	case CommandMigrate:
		margs, err := ParseMigrateArgs(rest)
		if err != nil {
			return err
		}
		return runMigrate(cfg, margs)
	case CommandCancelEmail:
		cargs, err := ParseCancelEmailArgs(rest)
		if err != nil {
			return err
		}
		return runCancelEmail(ctx, cfg, cargs)
	default:
		return runServe(ctx, cfg)
	}
}

// openDB はDB接続を開き、疎通を確認する。
func openDB(ctx context.Context, cfg *config.Config) (*sql.DB, error) {
	db, err := database.Open(cfg.DatabaseURL, database.DefaultPoolConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	slog.Info("database connection established")
	return db, nil
}

// newMetricsRegistry はアプリケーション用のレジストリとCollectorを生成する。
func newMetricsRegistry() (*prometheus.Registry, *metrics.Collector) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg, metrics.NewCollector(reg)
}

// newMailQueue は認証サービスがメールを登録するためのキューを生成する。
func newMailQueue(cfg *config.Config, db *sql.DB, sanitizer security.ContentSanitizer) (*mailqueue.Queue, error) {
	renderer, err := mail.NewRenderer(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare email templates: %w", err)
	}
	return mailqueue.NewQueue(repository.NewPostgresEmailQueueRepo(db), renderer, sanitizer, cfg.MailMaxAttempts)
}

// newAPIHandler は全依存関係をワイヤリングしたHTTPハンドラーを返す。
// 返り値のstopはレートリミッターのクリーンアップを停止する。
func newAPIHandler(cfg *config.Config, db *sql.DB, reg *prometheus.Registry, mc metrics.MetricsCollector) (http.Handler, func(), error) {
	// 1. リポジトリの初期化
	userRepo := repository.NewPostgresUserRepo(db)
	sessionRepo := repository.NewPostgresSessionRepo(db)
	tokenRepo := repository.NewPostgresTokenRepo(db)
	ledger := repository.NewPostgresLoginAttemptRepo(db)

	// 2. セキュリティとメールキュー
	sanitizer := security.NewContentSanitizer()
	queue, err := newMailQueue(cfg, db, sanitizer)
	if err != nil {
		return nil, nil, err
	}

	// 3. ドメインサービスの初期化
	policy, err := lockout.NewPolicy(ledger, cfg.LoginLockoutThreshold, cfg.LoginLockoutWindow)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid lockout policy: %w", err)
	}
	authService, err := auth.NewService(
		userRepo, sessionRepo, tokenRepo, ledger, policy, queue, mc,
		auth.ServiceConfig{
			SessionMaxAge:         cfg.SessionMaxAge,
			SessionRememberMaxAge: cfg.SessionRememberMaxAge,
			VerificationTokenTTL:  cfg.VerificationTokenTTL,
			ResetTokenTTL:         cfg.ResetTokenTTL,
			UnlockTokenTTL:        cfg.UnlockTokenTTL,
		},
	)
	if err != nil {
		return nil, nil, err
	}
	userService := user.NewService(userRepo, sessionRepo, queue)

	experiences := record.NewService(repository.NewProfessionalExperienceRepo(db), record.ProfessionalExperience, sanitizer, mc)
	extras := record.NewService(repository.NewExtraProfessionalExperienceRepo(db), record.ExtraProfessionalExperience, sanitizer, mc)
	educations := record.NewService(repository.NewEducationRepo(db), record.Education, sanitizer, mc)
	profiles := record.NewProfileService(repository.NewPostgresProfileRepo(db), sanitizer, mc)

	// 4. ルーターの構築
	rateLimiter := middleware.NewRateLimiter(middleware.NewRateLimiterConfig(cfg.RateLimitGeneral, cfg.RateLimitAuth))

	deps := &handler.RouterDeps{
		Logger:            slog.Default(),
		HealthChecker:     db,
		MetricsGatherer:   reg,
		SessionFinder:     sessionRepo,
		CORSAllowedOrigin: cfg.CORSAllowedOrigin,
		CSRFConfig: middleware.CSRFConfig{
			CookieSecure: cfg.CookieSecure,
			CookieDomain: cfg.CookieDomain,
		},
		RateLimiter: rateLimiter,

		AuthService: authService,
		AuthConfig: handler.AuthHandlerConfig{
			CookieDomain: cfg.CookieDomain,
			CookieSecure: cfg.CookieSecure,
		},
		UserService: userService,
		Profiles:    profiles,

		ProfessionalExperiences:      experiences,
		ExtraProfessionalExperiences: extras,
		Educations:                   educations,
	}

	return handler.NewRouter(deps), rateLimiter.Stop, nil
}

// runServe はAPIサーバーモードで起動する。
// ctxがキャンセルされる（SIGINT/SIGTERM）とグレースフルシャットダウンを行う。
func runServe(ctx context.Context, cfg *config.Config) error {
	db, err := openDB(ctx, cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	reg, mc := newMetricsRegistry()
	router, stopLimiter, err := newAPIHandler(cfg, db, reg, mc)
	if err != nil {
		return err
	}
	defer stopLimiter()

	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return serveUntilDone(ctx, server, "API server")
}

// serveUntilDone はctxがキャンセルされるまでサーバーを動かし、その後シャットダウンする。
func serveUntilDone(ctx context.Context, server *http.Server, name string) error {
	errCh := make(chan error, 1)
	go func() {
		slog.Info(name+" starting", slog.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("%s listen error: %w", name, err)
		}
		return nil
	case <-ctx.Done():
	}

	slog.Info("shutting down " + name + "...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("%s shutdown failed: %w", name, err)
	}
	slog.Info(name + " stopped gracefully")
	return nil
}

// newMailTransport は設定に応じたメール送信方式を返す。
func newMailTransport(cfg *config.Config, l *slog.Logger) mail.Transport {
	if cfg.MailTransport == config.MailTransportSMTP {
		return mail.NewSMTPTransport(mail.SMTPConfig{
			Host:        cfg.SMTPHost,
			Port:        cfg.SMTPPort,
			Username:    cfg.SMTPUsername,
			Password:    cfg.SMTPPassword,
			FromAddress: cfg.MailFromAddress,
			FromName:    cfg.MailFromName,
		})
	}
	return mail.NewLogTransport(l)
}

// newDispatcher は送信キューのディスパッチャーを生成する。
func newDispatcher(cfg *config.Config, db *sql.DB, mc metrics.MetricsCollector, l *slog.Logger) (*dispatch.Dispatcher, error) {
	return dispatch.NewDispatcher(
		repository.NewPostgresEmailQueueRepo(db),
		newMailTransport(cfg, l),
		dispatch.LogAlerter{Logger: l},
		mc,
		l,
		dispatch.Options{
			Backoff:        retry.Exponential(cfg.MailBackoffBase, cfg.MailBackoffMax),
			SendTimeout:    cfg.MailSendTimeout,
			Lease:          cfg.MailLease,
			BatchSize:      cfg.MailBatchSize,
			MaxConcurrency: cfg.MailMaxConcurrent,
		},
	)
}

// newCleanupJob は保持期間を設定したクリーンアップジョブを生成する。
func newCleanupJob(cfg *config.Config, db cleanup.Executor, l *slog.Logger) *cleanup.CleanupJob {
	job := cleanup.NewCleanupJob(db, l)
	job.LoginAttemptRetentionDays = cfg.LoginAttemptRetentionDays
	job.EmailRetentionDays = cfg.EmailRetentionDays
	return job
}

// runWorker はワーカーモードで起動する。
// メール配信を設定間隔で、クリーンアップを日次で実行し、/metrics を公開する。
func runWorker(ctx context.Context, cfg *config.Config) error {
	db, err := openDB(ctx, cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	l := slog.Default()
	reg, mc := newMetricsRegistry()

	dispatcher, err := newDispatcher(cfg, db, mc, l)
	if err != nil {
		return fmt.Errorf("failed to create dispatcher: %w", err)
	}
	cleanupJob := newCleanupJob(cfg, db, l)

	metricsServer := &http.Server{
		Addr:              ":" + cfg.ServerPort,
		Handler:           metrics.SetupMetricsRoute(reg),
		ReadHeaderTimeout: 5 * time.Second,
	}

	slog.Info("worker starting",
		slog.Duration("dispatch_interval", cfg.MailDispatchInterval),
		slog.Int("max_concurrent", cfg.MailMaxConcurrent),
		slog.Uint64("max_attempts", uint64(cfg.MailMaxAttempts)),
	)

	done := make(chan struct{})
	go func() {
		defer close(done)
		cleanupJob.Start(ctx, 24*time.Hour)
	}()
	go func() {
		if err := serveUntilDone(ctx, metricsServer, "worker metrics server"); err != nil {
			slog.Error("metrics server failed", slog.String("error", err.Error()))
		}
	}()

	// ディスパッチャーをメインgoroutineで実行（ブロッキング）
	dispatcher.Start(ctx, cfg.MailDispatchInterval)
	<-done

	slog.Info("worker stopped gracefully")
	return nil
}

// runMigrate はデータベースマイグレーションを適用または取り消す。
func runMigrate(cfg *config.Config, args MigrateArgs) error {
	slog.Info("running database migrations",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
		slog.String("direction", string(args.Direction)),
		slog.Int("steps", args.Steps),
	)

	var (
		version uint
		err     error
	)
	if args.Direction == MigrateDown {
		version, err = database.RollbackMigrations(cfg.DatabaseURL, args.Steps)
	} else {
		version, err = database.RunMigrations(cfg.DatabaseURL)
	}
	if err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	slog.Info("database migrations completed successfully", slog.Uint64("version", uint64(version)))
	return nil
}

// runCancelEmail は送信待ちのメールを1件取り消す。
func runCancelEmail(ctx context.Context, cfg *config.Config, args CancelEmailArgs) error {
	db, err := openDB(ctx, cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	queue, err := newMailQueue(cfg, db, security.NewContentSanitizer())
	if err != nil {
		return err
	}
	if err := queue.Cancel(ctx, args.ID, args.Reason); err != nil {
		return fmt.Errorf("failed to cancel email %s: %w", args.ID, err)
	}
	return nil
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /health エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(port string) error {
	url := fmt.Sprintf("http://localhost:%s/health", port)
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}

// maskDatabaseURL はデータベースURLの認証情報をマスクする。
func maskDatabaseURL(url string) string {
	if len(url) > 20 {
		return url[:12] + "***@..."
	}
	return "***"
}
