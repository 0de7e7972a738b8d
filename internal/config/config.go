package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Database
	DatabaseURL string

	// Session
	SessionMaxAge         int
	SessionRememberMaxAge int

	// Token
	VerificationTokenTTL time.Duration
	ResetTokenTTL        time.Duration
	UnlockTokenTTL       time.Duration

	// Mail transport
	MailTransport   string
	SMTPHost        string
	SMTPPort        int
	SMTPUsername    string
	SMTPPassword    string
	MailFromAddress string
	MailFromName    string

	// Mail queue
	MailMaxAttempts      uint
	MailBackoffBase      time.Duration
	MailBackoffMax       time.Duration
	MailSendTimeout      time.Duration
	MailLease            time.Duration
	MailDispatchInterval time.Duration
	MailMaxConcurrent    int
	MailBatchSize        int

	// Login lockout
	LoginLockoutThreshold uint
	LoginLockoutWindow    time.Duration

	// Rate Limit
	RateLimitGeneral int
	RateLimitAuth    int

	// Retention
	LoginAttemptRetentionDays int
	EmailRetentionDays        int

	// Server
	ServerPort string
	BaseURL    string

	// Cookie
	CookieSecure bool
	CookieDomain string

	// CORS
	CORSAllowedOrigin string

	// Logging
	LogLevel string
}

// メール送信方式
const (
	MailTransportSMTP = "smtp"
	MailTransportLog  = "log"
)

// Load は環境変数からConfigを読み込む。
// 必須環境変数が未設定の場合、または値の組み合わせが不正な場合はエラーを返す。
func Load() (*Config, error) {
	cfg := &Config{}

	// Required fields
	var missing []string

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.DatabaseURL == "" {
		missing = append(missing, "DATABASE_URL")
	}

	cfg.BaseURL = os.Getenv("BASE_URL")
	if cfg.BaseURL == "" {
		missing = append(missing, "BASE_URL")
	}

	cfg.MailTransport = getEnvString("MAIL_TRANSPORT", MailTransportLog)
	if cfg.MailTransport == MailTransportSMTP {
		cfg.SMTPHost = os.Getenv("SMTP_HOST")
		if cfg.SMTPHost == "" {
			missing = append(missing, "SMTP_HOST")
		}
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	// Optional fields with defaults
	cfg.SessionMaxAge = getEnvInt("SESSION_MAX_AGE", 86400)
	cfg.SessionRememberMaxAge = getEnvInt("SESSION_REMEMBER_MAX_AGE", 30*86400)
	cfg.VerificationTokenTTL = getEnvDuration("VERIFICATION_TOKEN_TTL", 24*time.Hour)
	cfg.ResetTokenTTL = getEnvDuration("RESET_TOKEN_TTL", time.Hour)
	cfg.UnlockTokenTTL = getEnvDuration("UNLOCK_TOKEN_TTL", time.Hour)

	cfg.SMTPPort = getEnvInt("SMTP_PORT", 587)
	cfg.SMTPUsername = getEnvString("SMTP_USERNAME", "")
	cfg.SMTPPassword = getEnvString("SMTP_PASSWORD", "")
	cfg.MailFromAddress = getEnvString("MAIL_FROM_ADDRESS", "no-reply@localhost")
	cfg.MailFromName = getEnvString("MAIL_FROM_NAME", "Jearch")

	cfg.MailMaxAttempts = getEnvUint("MAIL_MAX_ATTEMPTS", 5)
	cfg.MailBackoffBase = getEnvDuration("MAIL_BACKOFF_BASE", time.Minute)
	cfg.MailBackoffMax = getEnvDuration("MAIL_BACKOFF_MAX", time.Hour)
	cfg.MailSendTimeout = getEnvDuration("MAIL_SEND_TIMEOUT", 15*time.Second)
	cfg.MailLease = getEnvDuration("MAIL_LEASE", 2*time.Minute)
	cfg.MailDispatchInterval = getEnvDuration("MAIL_DISPATCH_INTERVAL", 30*time.Second)
	cfg.MailMaxConcurrent = getEnvInt("MAIL_MAX_CONCURRENT", 5)
	cfg.MailBatchSize = getEnvInt("MAIL_BATCH_SIZE", 100)

	// 開発用のデフォルト値。運用環境では明示的に設定する
	cfg.LoginLockoutThreshold = getEnvUint("LOGIN_LOCKOUT_THRESHOLD", 5)
	cfg.LoginLockoutWindow = getEnvDuration("LOGIN_LOCKOUT_WINDOW", 15*time.Minute)

	cfg.RateLimitGeneral = getEnvInt("RATE_LIMIT_GENERAL", 120)
	cfg.RateLimitAuth = getEnvInt("RATE_LIMIT_AUTH", 20)
	cfg.LoginAttemptRetentionDays = getEnvInt("LOGIN_ATTEMPT_RETENTION_DAYS", 90)
	cfg.EmailRetentionDays = getEnvInt("EMAIL_RETENTION_DAYS", 30)
	cfg.ServerPort = getEnvString("SERVER_PORT", "8080")
	cfg.CookieSecure = strings.HasPrefix(cfg.BaseURL, "https://")
	cfg.CookieDomain = getEnvString("COOKIE_DOMAIN", "")
	cfg.CORSAllowedOrigin = getEnvString("CORS_ALLOWED_ORIGIN", "http://localhost:3000")
	cfg.LogLevel = getEnvString("LOG_LEVEL", "info")

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate は設定値の整合性を検証する。
func (c *Config) Validate() error {
	var problems []string

	if c.MailTransport != MailTransportSMTP && c.MailTransport != MailTransportLog {
		problems = append(problems, fmt.Sprintf("MAIL_TRANSPORT must be %q or %q", MailTransportSMTP, MailTransportLog))
	}
	if c.MailMaxAttempts == 0 {
		problems = append(problems, "MAIL_MAX_ATTEMPTS must be greater than 0")
	}
	if c.MailBackoffBase <= 0 {
		problems = append(problems, "MAIL_BACKOFF_BASE must be positive")
	}
	if c.MailBackoffMax < c.MailBackoffBase {
		problems = append(problems, "MAIL_BACKOFF_MAX must not be less than MAIL_BACKOFF_BASE")
	}
	if c.MailSendTimeout <= 0 {
		problems = append(problems, "MAIL_SEND_TIMEOUT must be positive")
	}
	// リースが送信タイムアウトより短いと、送信中の項目が別のワーカーに再取得される
	if c.MailLease <= c.MailSendTimeout {
		problems = append(problems, "MAIL_LEASE must exceed MAIL_SEND_TIMEOUT")
	}
	if c.MailDispatchInterval <= 0 {
		problems = append(problems, "MAIL_DISPATCH_INTERVAL must be positive")
	}
	if c.MailMaxConcurrent <= 0 {
		problems = append(problems, "MAIL_MAX_CONCURRENT must be positive")
	}
	if c.MailBatchSize <= 0 {
		problems = append(problems, "MAIL_BATCH_SIZE must be positive")
	}
	if c.LoginLockoutThreshold == 0 {
		problems = append(problems, "LOGIN_LOCKOUT_THRESHOLD must be greater than 0")
	}
	if c.LoginLockoutWindow <= 0 {
		problems = append(problems, "LOGIN_LOCKOUT_WINDOW must be positive")
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(problems, "; "))
	}
	return nil
}

func getEnvString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func getEnvUint(key string, defaultVal uint) uint {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.ParseUint(v, 10, 32)
	if err != nil {
		return defaultVal
	}
	return uint(i)
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}
