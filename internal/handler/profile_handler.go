package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/romu70/jearch/internal/middleware"
	"github.com/romu70/jearch/internal/model"
	"github.com/romu70/jearch/internal/record"
)

// ProfileServiceInterface はプロフィールハンドラーが必要とするサービスインターフェース。
type ProfileServiceInterface interface {
	Get(ctx context.Context, userID string) (*model.Profile, error)
	Update(ctx context.Context, userID string, clientTimestamp time.Time, in *record.ProfileInput) (*model.Profile, *model.ConflictDecision[*model.Profile], error)
}

// ProfileHandler はログイン中ユーザーのプロフィールのHTTPハンドラー。
type ProfileHandler struct {
	service ProfileServiceInterface
}

// NewProfileHandler はProfileHandlerを生成する。
func NewProfileHandler(service ProfileServiceInterface) *ProfileHandler {
	return &ProfileHandler{service: service}
}

type profileRequest struct {
	FullName          *string    `json:"fullName"`
	PreferredLanguage string     `json:"preferredLanguage"`
	UpdatedAt         *time.Time `json:"updatedAt"`
}

type profileResponse struct {
	ID                string    `json:"id"`
	FullName          *string   `json:"fullName"`
	PreferredLanguage string    `json:"preferredLanguage"`
	CreatedAt         time.Time `json:"createdAt"`
	UpdatedAt         time.Time `json:"updatedAt"`
}

func toProfileResponse(p *model.Profile) profileResponse {
	return profileResponse{
		ID:                p.UserID,
		FullName:          p.FullName,
		PreferredLanguage: p.PreferredLanguage,
		CreatedAt:         p.CreatedAt.UTC(),
		UpdatedAt:         p.UpdatedAt.UTC(),
	}
}

// Get はプロフィールを返す。
// GET /api/users/me/profile
func (h *ProfileHandler) Get(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUserID(w, r)
	if !ok {
		return
	}
	p, err := h.service.Get(r.Context(), userID)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	middleware.WriteJSON(w, http.StatusOK, toProfileResponse(p))
}

// Update はクライアントが保持する updatedAt を版トークンとしてプロフィールを更新する。
// PUT /api/users/me/profile
func (h *ProfileHandler) Update(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUserID(w, r)
	if !ok {
		return
	}
	body, err := readBody(w, r)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	var req profileRequest
	if err := json.Unmarshal(body, &req); err != nil {
		handleServiceError(w, invalidBody(err))
		return
	}
	if req.UpdatedAt == nil {
		handleServiceError(w, model.NewValidationError("updatedAt is required"))
		return
	}

	p, decision, err := h.service.Update(r.Context(), userID, *req.UpdatedAt, &record.ProfileInput{
		FullName:          req.FullName,
		PreferredLanguage: req.PreferredLanguage,
	})
	if err != nil {
		handleServiceError(w, err)
		return
	}
	if decision != nil {
		handleServiceError(w, &model.ConflictError{
			Kind:            model.RecordKindProfile,
			LocalTimestamp:  decision.LocalTimestamp.UTC(),
			ServerTimestamp: decision.ServerTimestamp.UTC(),
			ServerData:      toProfileResponse(decision.ServerSnapshot),
		})
		return
	}
	middleware.WriteJSON(w, http.StatusOK, toProfileResponse(p))
}
