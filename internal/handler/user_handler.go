package handler

import (
	"context"
	"net/http"
)

// UserServiceInterface はユーザーハンドラーが必要とするサービスインターフェース。
type UserServiceInterface interface {
	// Withdraw は退会処理を行う。ユーザーの経歴・学歴レコードとトークンも削除される。
	Withdraw(ctx context.Context, userID string) error
}

// UserHandler はユーザー管理のHTTPハンドラー。
type UserHandler struct {
	service UserServiceInterface
	auth    *AuthHandler
}

// NewUserHandler はUserHandlerを生成する。authはセッションCookieの消去に使う。
func NewUserHandler(service UserServiceInterface, auth *AuthHandler) *UserHandler {
	return &UserHandler{service: service, auth: auth}
}

// Withdraw は退会処理を行い、セッションCookieを消去する。
// DELETE /api/users/me
func (h *UserHandler) Withdraw(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUserID(w, r)
	if !ok {
		return
	}
	if err := h.service.Withdraw(r.Context(), userID); err != nil {
		handleServiceError(w, err)
		return
	}
	if h.auth != nil {
		h.auth.setSessionCookie(w, "", -1)
	}
	w.WriteHeader(http.StatusNoContent)
}
