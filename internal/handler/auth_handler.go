package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/romu70/jearch/internal/auth"
	"github.com/romu70/jearch/internal/middleware"
	"github.com/romu70/jearch/internal/model"
)

// AuthServiceInterface は認証ハンドラーが必要とするサービスインターフェース。
type AuthServiceInterface interface {
	Register(ctx context.Context, email, password string) (*model.User, error)
	VerifyEmail(ctx context.Context, token string) error
	RequestPasswordReset(ctx context.Context, email string) error
	ResetPassword(ctx context.Context, token, password string) error
	Unlock(ctx context.Context, token string) error
	Login(ctx context.Context, in auth.LoginInput) (*auth.LoginResult, error)
	Logout(ctx context.Context, sessionID string) error
	GetCurrentUser(ctx context.Context, userID string) (*model.User, error)
}

// AuthHandlerConfig は認証ハンドラーの設定。
type AuthHandlerConfig struct {
	CookieDomain string
	CookieSecure bool
}

// AuthHandler はアカウントとセッションのHTTPハンドラー。
type AuthHandler struct {
	service AuthServiceInterface
	config  AuthHandlerConfig
}

// NewAuthHandler はAuthHandlerを生成する。
func NewAuthHandler(service AuthServiceInterface, config AuthHandlerConfig) *AuthHandler {
	return &AuthHandler{service: service, config: config}
}

type credentialsRequest struct {
	Email      string `json:"email"`
	Password   string `json:"password"`
	RememberMe bool   `json:"rememberMe"`
}

type tokenRequest struct {
	Token    string `json:"token"`
	Password string `json:"password"`
}

type emailRequest struct {
	Email string `json:"email"`
}

type userResponse struct {
	ID               string     `json:"id"`
	Email            string     `json:"email"`
	EmailConfirmed   bool       `json:"emailConfirmed"`
	EmailConfirmedAt *time.Time `json:"emailConfirmedAt,omitempty"`
	CreatedAt        time.Time  `json:"createdAt"`
}

// registerResponse は登録直後の応答。確認メールの送信を案内する。
type registerResponse struct {
	UserID  string `json:"userId"`
	Message string `json:"message"`
}

func toUserResponse(u *model.User) userResponse {
	return userResponse{
		ID:               u.ID,
		Email:            u.Email,
		EmailConfirmed:   u.EmailConfirmedAt != nil,
		EmailConfirmedAt: u.EmailConfirmedAt,
		CreatedAt:        u.CreatedAt,
	}
}

// Register はアカウントを作成し、確認メールを送信キューに登録する。
// POST /api/auth/register
func (h *AuthHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := decodeJSON(w, r, &req); err != nil {
		handleServiceError(w, err)
		return
	}
	user, err := h.service.Register(r.Context(), req.Email, req.Password)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	middleware.WriteJSON(w, http.StatusCreated, registerResponse{
		UserID:  user.ID,
		Message: "Account created. Check your inbox to confirm your email address.",
	})
}

// Verify はメールアドレス確認トークンを消費する。
// POST /api/auth/verify
func (h *AuthHandler) Verify(w http.ResponseWriter, r *http.Request) {
	h.consumeToken(w, r, func(ctx context.Context, req tokenRequest) error {
		return h.service.VerifyEmail(ctx, req.Token)
	})
}

// RequestPasswordReset はパスワード再設定メールを登録する。
// 登録の有無を推測されないよう、常に202を返す。
// POST /api/auth/password-reset
func (h *AuthHandler) RequestPasswordReset(w http.ResponseWriter, r *http.Request) {
	var req emailRequest
	if err := decodeJSON(w, r, &req); err != nil {
		handleServiceError(w, err)
		return
	}
	if err := h.service.RequestPasswordReset(r.Context(), req.Email); err != nil {
		handleServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// ConfirmPasswordReset は再設定トークンで新しいパスワードを設定する。
// POST /api/auth/password-reset/confirm
func (h *AuthHandler) ConfirmPasswordReset(w http.ResponseWriter, r *http.Request) {
	h.consumeToken(w, r, func(ctx context.Context, req tokenRequest) error {
		return h.service.ResetPassword(ctx, req.Token, req.Password)
	})
}

// Unlock はロックアウト解除トークンを消費する。
// POST /api/auth/unlock
func (h *AuthHandler) Unlock(w http.ResponseWriter, r *http.Request) {
	h.consumeToken(w, r, func(ctx context.Context, req tokenRequest) error {
		return h.service.Unlock(ctx, req.Token)
	})
}

func (h *AuthHandler) consumeToken(w http.ResponseWriter, r *http.Request, fn func(ctx context.Context, req tokenRequest) error) {
	var req tokenRequest
	if err := decodeJSON(w, r, &req); err != nil {
		handleServiceError(w, err)
		return
	}
	if req.Token == "" {
		handleServiceError(w, model.NewInvalidTokenError())
		return
	}
	if err := fn(r.Context(), req); err != nil {
		handleServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Login は資格情報を照合し、成功時にセッションCookieを発行する。
// ロック中は429とRetry-After、照合失敗は401と直近の失敗件数を返す。
// POST /api/auth/login
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := decodeJSON(w, r, &req); err != nil {
		handleServiceError(w, err)
		return
	}

	result, err := h.service.Login(r.Context(), auth.LoginInput{
		Email:      req.Email,
		Password:   req.Password,
		RememberMe: req.RememberMe,
		IPAddress:  middleware.ClientIP(r),
	})
	if err != nil {
		handleServiceError(w, err)
		return
	}

	h.setSessionCookie(w, result.Session.ID, result.MaxAge)
	middleware.WriteJSON(w, http.StatusOK, toUserResponse(result.User))
}

// Logout はセッションを破棄し、Cookieを消去する。
// POST /api/auth/logout
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	if sessionID, ok := middleware.SessionIDFromContext(r.Context()); ok {
		if err := h.service.Logout(r.Context(), sessionID); err != nil {
			// 失敗してもCookieは消去する
			slog.Error("failed to logout", slog.String("error", err.Error()))
		}
	}
	h.setSessionCookie(w, "", -1)
	w.WriteHeader(http.StatusNoContent)
}

// Me は現在のログインユーザーを返す。
// GET /api/auth/me
func (h *AuthHandler) Me(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUserID(w, r)
	if !ok {
		return
	}
	user, err := h.service.GetCurrentUser(r.Context(), userID)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	middleware.WriteJSON(w, http.StatusOK, toUserResponse(user))
}

func (h *AuthHandler) setSessionCookie(w http.ResponseWriter, value string, maxAge int) {
	http.SetCookie(w, &http.Cookie{
		Name:     middleware.SessionCookieName,
		Value:    value,
		Path:     "/",
		Domain:   h.config.CookieDomain,
		MaxAge:   maxAge,
		HttpOnly: true,
		Secure:   h.config.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
}
