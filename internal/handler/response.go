// Package handler はHTTPハンドラーを提供する。
package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/romu70/jearch/internal/middleware"
	"github.com/romu70/jearch/internal/model"
)

// maxBodyBytes はリクエストボディの上限。STAR項目4つが上限いっぱいでも収まる大きさ。
const maxBodyBytes = 1 << 20

// rateLimitResponse はログイン試行の判定結果を含むエラーレスポンス。
type rateLimitResponse struct {
	middleware.ErrorResponseBody
	FailedAttempts uint  `json:"failedAttempts"`
	RetryAfter     *uint `json:"retryAfter,omitempty"`
	IsLocked       bool  `json:"isLocked"`
}

// conflictResponse は更新競合のレスポンス。
type conflictResponse struct {
	middleware.ErrorResponseBody
	Conflict        bool      `json:"conflict"`
	ServerData      any       `json:"serverData"`
	ServerUpdatedAt time.Time `json:"serverUpdatedAt"`
	LocalUpdatedAt  time.Time `json:"localUpdatedAt"`
}

// decodeJSON はリクエストボディをdstに読み込む。
// 解析できない場合は INVALID_REQUEST を返す。
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	body, err := readBody(w, r)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, dst); err != nil {
		return invalidBody(err)
	}
	return nil
}

func readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		return nil, invalidBody(err)
	}
	return body, nil
}

func invalidBody(err error) error {
	var dateErr *dateParseError
	if errors.As(err, &dateErr) {
		return model.NewValidationError(dateErr.Error())
	}
	slog.Debug("invalid request body", slog.String("error", err.Error()))
	return model.NewInvalidRequestError()
}

// handleServiceError はサービス層のエラーを統一フォーマットのレスポンスに変換する。
func handleServiceError(w http.ResponseWriter, err error) {
	var (
		apiErr      *model.APIError
		lockedErr   *model.LockedError
		credErr     *model.InvalidCredentialsError
		conflictErr *model.ConflictError
	)
	switch {
	case errors.As(err, &lockedErr):
		writeLocked(w, lockedErr.Info)
	case errors.As(err, &credErr):
		middleware.WriteJSON(w, http.StatusUnauthorized, rateLimitResponse{
			ErrorResponseBody: middleware.ErrorResponseBody{
				Code:     model.ErrCodeInvalidCredentials,
				Message:  "Invalid email or password.",
				Category: "auth",
				Action:   "Check your email address and password.",
			},
			FailedAttempts: credErr.Info.FailedAttempts,
		})
	case errors.As(err, &conflictErr):
		middleware.WriteJSON(w, http.StatusConflict, conflictResponse{
			ErrorResponseBody: middleware.ErrorResponseBody{
				Code:     model.ErrCodeConflict,
				Message:  "This entry was changed since you loaded it.",
				Category: "record",
				Action:   "Review the latest version and apply your changes again.",
			},
			Conflict:        true,
			ServerData:      conflictErr.ServerData,
			ServerUpdatedAt: conflictErr.ServerTimestamp,
			LocalUpdatedAt:  conflictErr.LocalTimestamp,
		})
	case errors.As(err, &apiErr):
		middleware.WriteErrorResponse(w, mapAPIErrorToHTTPStatus(apiErr), apiErr)
	default:
		slog.Error("internal server error", slog.String("error", err.Error()))
		middleware.WriteInternalServerError(w)
	}
}

// writeLocked はロックアウト中の429レスポンスを書き込む。
func writeLocked(w http.ResponseWriter, info model.RateLimitInfo) {
	if info.RetryAfterSeconds != nil {
		w.Header().Set("Retry-After", strconv.FormatUint(uint64(*info.RetryAfterSeconds), 10))
	}
	message := "Too many failed sign-in attempts."
	if info.RetryAfterSeconds != nil {
		message = fmt.Sprintf("Too many failed sign-in attempts. Try again in %d seconds.", *info.RetryAfterSeconds)
	}
	middleware.WriteJSON(w, http.StatusTooManyRequests, rateLimitResponse{
		ErrorResponseBody: middleware.ErrorResponseBody{
			Code:     model.ErrCodeAccountLocked,
			Message:  message,
			Category: "auth",
			Action:   "Wait and retry, or use the unlock link sent to your email.",
		},
		FailedAttempts: info.FailedAttempts,
		RetryAfter:     info.RetryAfterSeconds,
		IsLocked:       true,
	})
}

// mapAPIErrorToHTTPStatus はAPIErrorコードからHTTPステータスコードにマッピングする。
func mapAPIErrorToHTTPStatus(apiErr *model.APIError) int {
	switch apiErr.Code {
	case model.ErrCodeInvalidRequest:
		return http.StatusBadRequest
	case model.ErrCodeValidationFailed, model.ErrCodeWeakPassword:
		return http.StatusUnprocessableEntity
	case model.ErrCodeUnauthorized, model.ErrCodeInvalidCredentials:
		return http.StatusUnauthorized
	case model.ErrCodeCSRFFailed:
		return http.StatusForbidden
	case model.ErrCodeRecordNotFound, model.ErrCodeUserNotFound, model.ErrCodeEmailNotFound:
		return http.StatusNotFound
	case model.ErrCodeConflict, model.ErrCodeEmailTaken, model.ErrCodeEmailNotPending:
		return http.StatusConflict
	case model.ErrCodeInvalidToken:
		return http.StatusBadRequest
	case model.ErrCodeAccountLocked, model.ErrCodeRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// requireUserID はセッションミドルウェアが注入したユーザーIDを返す。無ければ401を書き込んでfalseを返す。
func requireUserID(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		middleware.WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
		return "", false
	}
	return userID, true
}
