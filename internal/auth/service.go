// Package auth はアカウント登録、ログイン、セッション管理を提供する。
// ログインはロックアウト判定を経てから資格情報を照合し、結果を試行台帳に追記する。
package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/romu70/jearch/internal/lockout"
	"github.com/romu70/jearch/internal/logger"
	"github.com/romu70/jearch/internal/metrics"
	"github.com/romu70/jearch/internal/model"
	"github.com/romu70/jearch/internal/repository"
)

// MinPasswordLength はパスワードの最小文字数。
const MinPasswordLength = 12

// maxPasswordBytes はbcryptが扱える最大バイト数。
const maxPasswordBytes = 72

// Mailer はテンプレートメールを送信キューに登録する。
type Mailer interface {
	EnqueueTemplate(ctx context.Context, kind model.TemplateKind, to, userID, token string, expiresIn time.Duration) (*model.QueuedEmail, error)
}

// ServiceConfig は認証サービスの設定。
type ServiceConfig struct {
	SessionMaxAge         int // セッション有効期間（秒）
	SessionRememberMaxAge int // rememberMe 指定時のセッション有効期間（秒）
	VerificationTokenTTL  time.Duration
	ResetTokenTTL         time.Duration
	UnlockTokenTTL        time.Duration
	BcryptCost            int // 0はbcrypt.DefaultCost
}

// LoginInput はログイン要求。
type LoginInput struct {
	Email      string
	Password   string
	RememberMe bool
	IPAddress  string
}

// LoginResult はログイン成功時の結果。
type LoginResult struct {
	Session *model.Session
	User    *model.User
	MaxAge  int // Cookieの有効期間（秒）
}

// Service は認証に関するビジネスロジックを提供する。
type Service struct {
	userRepo    repository.UserRepository
	sessionRepo repository.SessionRepository
	tokenRepo   repository.TokenRepository
	ledger      repository.LoginAttemptRepository
	policy      *lockout.Policy
	mailer      Mailer
	metrics     metrics.MetricsCollector
	config      ServiceConfig
	now         func() time.Time

	// dummyHash は存在しないユーザーに対しても照合時間を揃えるためのハッシュ。
	dummyHash []byte
}

// NewService はServiceを生成する。
func NewService(
	userRepo repository.UserRepository,
	sessionRepo repository.SessionRepository,
	tokenRepo repository.TokenRepository,
	ledger repository.LoginAttemptRepository,
	policy *lockout.Policy,
	mailer Mailer,
	mc metrics.MetricsCollector,
	config ServiceConfig,
) (*Service, error) {
	if config.BcryptCost == 0 {
		config.BcryptCost = bcrypt.DefaultCost
	}
	if mc == nil {
		mc = metrics.Nop{}
	}
	dummy, err := bcrypt.GenerateFromPassword([]byte("jearch-dummy-password"), config.BcryptCost)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare password hasher: %w", err)
	}
	return &Service{
		userRepo:    userRepo,
		sessionRepo: sessionRepo,
		tokenRepo:   tokenRepo,
		ledger:      ledger,
		policy:      policy,
		mailer:      mailer,
		metrics:     mc,
		config:      config,
		now:         time.Now,
		dummyHash:   dummy,
	}, nil
}

// NormalizeEmail はメールアドレスを台帳とユーザー検索のキーとなる形に揃える。
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func (s *Service) clock() time.Time {
	return s.now().UTC().Truncate(time.Microsecond)
}

// Register はユーザーを作成し、メールアドレス確認メールをキューに登録する。
func (s *Service) Register(ctx context.Context, email, password string) (*model.User, error) {
	email = NormalizeEmail(email)
	if err := validateEmail(email); err != nil {
		return nil, err
	}
	if err := validatePassword(password); err != nil {
		return nil, err
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.config.BcryptCost)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}

	now := s.clock()
	user := &model.User{
		ID:           uuid.New().String(),
		Email:        email,
		PasswordHash: string(hash),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.userRepo.Create(ctx, user); err != nil {
		if errors.Is(err, repository.ErrDuplicate) {
			return nil, model.NewEmailTakenError()
		}
		return nil, fmt.Errorf("failed to create user: %w", err)
	}

	if err := s.sendTokenEmail(ctx, user, model.TokenPurposeVerification, model.TemplateVerification, s.config.VerificationTokenTTL); err != nil {
		return nil, err
	}

	slog.Info("new user registered",
		slog.String("user_id", user.ID),
		slog.String("email", logger.MaskEmail(email)),
	)
	return user, nil
}

// VerifyEmail は確認トークンを消費し、メールアドレスを確認済みにする。
func (s *Service) VerifyEmail(ctx context.Context, token string) error {
	t, err := s.consumeToken(ctx, token, model.TokenPurposeVerification)
	if err != nil {
		return err
	}
	if err := s.userRepo.ConfirmEmail(ctx, t.UserID, s.clock()); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return model.NewInvalidTokenError()
		}
		return fmt.Errorf("failed to confirm email: %w", err)
	}
	slog.Info("email confirmed", slog.String("user_id", t.UserID))
	return nil
}

// RequestPasswordReset はユーザーが存在する場合のみパスワード再設定メールを登録する。
// 登録の有無を呼び出し元に明かさないため、ユーザーが存在しなくてもエラーにしない。
func (s *Service) RequestPasswordReset(ctx context.Context, email string) error {
	email = NormalizeEmail(email)
	user, err := s.userRepo.FindByEmail(ctx, email)
	if err != nil {
		return fmt.Errorf("failed to find user: %w", err)
	}
	if user == nil {
		slog.Info("password reset requested for unknown email", slog.String("email", logger.MaskEmail(email)))
		return nil
	}
	return s.sendTokenEmail(ctx, user, model.TokenPurposePasswordReset, model.TemplatePasswordReset, s.config.ResetTokenTTL)
}

// ResetPassword は再設定トークンを消費して新しいパスワードを設定する。
// ロックアウトも解除し、既存のセッションは全て破棄する。
func (s *Service) ResetPassword(ctx context.Context, token, password string) error {
	if err := validatePassword(password); err != nil {
		return err
	}
	t, err := s.consumeToken(ctx, token, model.TokenPurposePasswordReset)
	if err != nil {
		return err
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.config.BcryptCost)
	if err != nil {
		return fmt.Errorf("failed to hash password: %w", err)
	}
	if err := s.userRepo.UpdatePassword(ctx, t.UserID, string(hash), s.clock()); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return model.NewInvalidTokenError()
		}
		return fmt.Errorf("failed to update password: %w", err)
	}
	if err := s.sessionRepo.DeleteByUserID(ctx, t.UserID); err != nil {
		return fmt.Errorf("failed to revoke sessions: %w", err)
	}

	slog.Info("password reset", slog.String("user_id", t.UserID))
	return nil
}

// Unlock は解除トークンを消費してロックアウトを解除する。
// 解除時刻より前の失敗はロックアウト判定に数えなくなる。
func (s *Service) Unlock(ctx context.Context, token string) error {
	t, err := s.consumeToken(ctx, token, model.TokenPurposeUnlock)
	if err != nil {
		return err
	}
	if err := s.userRepo.ClearLockout(ctx, t.UserID, s.clock()); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return model.NewInvalidTokenError()
		}
		return fmt.Errorf("failed to clear lockout: %w", err)
	}
	slog.Info("account unlocked", slog.String("user_id", t.UserID))
	return nil
}

// Login はロックアウト判定、資格情報の照合、試行の記録を順に行う。
//   - ロック中は照合せずに *model.LockedError を返し、試行を失敗として記録する
//   - 照合に失敗した場合は *model.InvalidCredentialsError を返す
//   - 失敗件数がちょうど閾値に達した場合、登録ユーザーであれば解除メールを登録する
func (s *Service) Login(ctx context.Context, in LoginInput) (*LoginResult, error) {
	email := NormalizeEmail(in.Email)
	now := s.clock()

	user, err := s.userRepo.FindByEmail(ctx, email)
	if err != nil {
		return nil, fmt.Errorf("failed to find user: %w", err)
	}
	var clearedAt *time.Time
	if user != nil {
		clearedAt = user.LockoutClearedAt
	}

	info, err := s.policy.Evaluate(ctx, email, now, clearedAt)
	if err != nil {
		return nil, err
	}
	if info.IsLocked {
		if err := s.record(ctx, email, in.IPAddress, false, now); err != nil {
			return nil, err
		}
		s.metrics.RecordLoginLocked()
		slog.Warn("login rejected while locked",
			slog.String("email", logger.MaskEmail(email)),
			slog.Int("failed_attempts", int(info.FailedAttempts)),
		)
		return nil, &model.LockedError{Info: info}
	}

	if !s.verifyPassword(user, in.Password) {
		if err := s.record(ctx, email, in.IPAddress, false, now); err != nil {
			return nil, err
		}
		failed := info.FailedAttempts + 1
		if failed == s.policy.Threshold() && user != nil {
			if err := s.sendTokenEmail(ctx, user, model.TokenPurposeUnlock, model.TemplateUnlock, s.config.UnlockTokenTTL); err != nil {
				return nil, err
			}
		}
		slog.Info("login failed",
			slog.String("email", logger.MaskEmail(email)),
			slog.Int("failed_attempts", int(failed)),
		)
		return nil, &model.InvalidCredentialsError{Info: model.RateLimitInfo{FailedAttempts: failed}}
	}

	if err := s.record(ctx, email, in.IPAddress, true, now); err != nil {
		return nil, err
	}

	maxAge := s.config.SessionMaxAge
	if in.RememberMe {
		maxAge = s.config.SessionRememberMaxAge
	}
	session, err := s.createSession(ctx, user.ID, now, maxAge)
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	slog.Info("user logged in",
		slog.String("user_id", user.ID),
		slog.Bool("remember_me", in.RememberMe),
	)
	return &LoginResult{Session: session, User: user, MaxAge: maxAge}, nil
}

// Logout はセッションを破棄する。
func (s *Service) Logout(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return fmt.Errorf("session ID is required")
	}

	if err := s.sessionRepo.DeleteByID(ctx, sessionID); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}

	slog.Info("user logged out")
	return nil
}

// GetCurrentUser はユーザーIDから現在のユーザーを取得する。
func (s *Service) GetCurrentUser(ctx context.Context, userID string) (*model.User, error) {
	user, err := s.userRepo.FindByID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to find user: %w", err)
	}
	if user == nil {
		return nil, model.NewUserNotFoundError()
	}
	return user, nil
}

// verifyPassword はパスワードを照合する。ユーザーが存在しない場合もダミーハッシュと照合する。
func (s *Service) verifyPassword(user *model.User, password string) bool {
	if user == nil {
		_ = bcrypt.CompareHashAndPassword(s.dummyHash, []byte(password))
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)) == nil
}

// record はログイン試行を台帳に追記する。
func (s *Service) record(ctx context.Context, email, ip string, success bool, at time.Time) error {
	err := s.ledger.Record(ctx, &model.LoginAttempt{
		ID:        uuid.New().String(),
		Email:     email,
		IPAddress: ip,
		Success:   success,
		AttemptAt: at,
	})
	if err != nil {
		return fmt.Errorf("failed to record login attempt: %w", err)
	}
	s.metrics.RecordLoginAttempt(success)
	return nil
}

// sendTokenEmail はワンタイムトークンを発行し、リンク付きメールを登録する。
func (s *Service) sendTokenEmail(ctx context.Context, user *model.User, purpose model.TokenPurpose, kind model.TemplateKind, ttl time.Duration) error {
	plain, err := generateToken()
	if err != nil {
		return fmt.Errorf("failed to generate token: %w", err)
	}
	now := s.clock()
	if err := s.tokenRepo.Create(ctx, &model.UserToken{
		TokenHash: HashToken(plain),
		UserID:    user.ID,
		Purpose:   purpose,
		ExpiresAt: now.Add(ttl),
		CreatedAt: now,
	}); err != nil {
		return fmt.Errorf("failed to store %s token: %w", purpose, err)
	}
	if _, err := s.mailer.EnqueueTemplate(ctx, kind, user.Email, user.ID, plain, ttl); err != nil {
		return fmt.Errorf("failed to enqueue %s email: %w", kind, err)
	}
	return nil
}

// consumeToken はトークンを使用済みにする。無効な場合はInvalidTokenエラーを返す。
func (s *Service) consumeToken(ctx context.Context, token string, purpose model.TokenPurpose) (*model.UserToken, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, model.NewInvalidTokenError()
	}
	t, err := s.tokenRepo.Consume(ctx, HashToken(token), purpose, s.clock())
	if err != nil {
		return nil, fmt.Errorf("failed to consume token: %w", err)
	}
	if t == nil {
		return nil, model.NewInvalidTokenError()
	}
	return t, nil
}

// createSession はセッションを作成し永続化する。
func (s *Service) createSession(ctx context.Context, userID string, now time.Time, maxAge int) (*model.Session, error) {
	sessionID, err := generateToken()
	if err != nil {
		return nil, fmt.Errorf("failed to generate session ID: %w", err)
	}

	session := &model.Session{
		ID:        sessionID,
		UserID:    userID,
		ExpiresAt: now.Add(time.Duration(maxAge) * time.Second),
		CreatedAt: now,
	}

	if err := s.sessionRepo.Create(ctx, session); err != nil {
		return nil, fmt.Errorf("failed to save session: %w", err)
	}

	return session, nil
}

// HashToken はトークンの保存用ハッシュを返す。
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// generateToken は暗号的に安全な32バイトのランダム値を16進文字列で返す。
func generateToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

func validateEmail(email string) error {
	if err := validate.Var(email, "required,max=255,email"); err != nil {
		return model.NewValidationError("email is not a valid address")
	}
	return nil
}

func validatePassword(password string) error {
	if len([]rune(password)) < MinPasswordLength {
		return model.NewWeakPasswordError(MinPasswordLength)
	}
	if len(password) > maxPasswordBytes {
		return model.NewValidationError(fmt.Sprintf("password must be at most %d bytes", maxPasswordBytes))
	}
	return nil
}
