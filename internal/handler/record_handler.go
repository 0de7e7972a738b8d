package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/romu70/jearch/internal/middleware"
	"github.com/romu70/jearch/internal/model"
	"github.com/romu70/jearch/internal/record"
)

// RecordService はレコードハンドラーが必要とするサービスインターフェース。
type RecordService[T model.EditableRecord, In any] interface {
	Kind() model.RecordKind
	Create(ctx context.Context, userID string, in *In) (T, error)
	Get(ctx context.Context, userID, id string) (T, error)
	List(ctx context.Context, userID string) ([]T, error)
	Update(ctx context.Context, userID, id string, clientTimestamp time.Time, in *In) (T, *model.ConflictDecision[T], error)
	Delete(ctx context.Context, userID, id string) error
}

// recordRequest はJSONリクエストをサービスの入力に変換できる型。
type recordRequest[In any] interface {
	toInput() *In
}

// RecordHandler は1種類のレコードのCRUDハンドラー。
// Req はリクエストボディの型で、*Req が recordRequest[In] を実装する。
type RecordHandler[T model.EditableRecord, In any, Req any, PReq interface {
	*Req
	recordRequest[In]
}] struct {
	service    RecordService[T, In]
	toResponse func(T) any
}

// versionRequest は更新リクエストのうち版トークンの部分。
type versionRequest struct {
	UpdatedAt *time.Time `json:"updatedAt"`
}

// List はユーザーのレコード一覧を返す。
// GET /api/{kind}
func (h *RecordHandler[T, In, Req, PReq]) List(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUserID(w, r)
	if !ok {
		return
	}
	recs, err := h.service.List(r.Context(), userID)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	out := make([]any, 0, len(recs))
	for _, rec := range recs {
		out = append(out, h.toResponse(rec))
	}
	middleware.WriteJSON(w, http.StatusOK, out)
}

// Create はレコードを作成する。
// POST /api/{kind}
func (h *RecordHandler[T, In, Req, PReq]) Create(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUserID(w, r)
	if !ok {
		return
	}
	req := PReq(new(Req))
	if err := decodeJSON(w, r, req); err != nil {
		handleServiceError(w, err)
		return
	}
	rec, err := h.service.Create(r.Context(), userID, req.toInput())
	if err != nil {
		handleServiceError(w, err)
		return
	}
	middleware.WriteJSON(w, http.StatusCreated, h.toResponse(rec))
}

// Get はレコードを1件返す。
// GET /api/{kind}/{id}
func (h *RecordHandler[T, In, Req, PReq]) Get(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUserID(w, r)
	if !ok {
		return
	}
	rec, err := h.service.Get(r.Context(), userID, chi.URLParam(r, "id"))
	if err != nil {
		handleServiceError(w, err)
		return
	}
	middleware.WriteJSON(w, http.StatusOK, h.toResponse(rec))
}

// Update はクライアントが保持する updatedAt を版トークンとしてレコードを更新する。
// 版が一致しなければ409とサーバー側の現在値を返す。
// PUT /api/{kind}/{id}
func (h *RecordHandler[T, In, Req, PReq]) Update(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUserID(w, r)
	if !ok {
		return
	}
	body, err := readBody(w, r)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	var version versionRequest
	if err := json.Unmarshal(body, &version); err != nil {
		handleServiceError(w, invalidBody(err))
		return
	}
	if version.UpdatedAt == nil {
		handleServiceError(w, model.NewValidationError("updatedAt is required"))
		return
	}
	req := PReq(new(Req))
	if err := json.Unmarshal(body, req); err != nil {
		handleServiceError(w, invalidBody(err))
		return
	}

	id := chi.URLParam(r, "id")
	rec, decision, err := h.service.Update(r.Context(), userID, id, *version.UpdatedAt, req.toInput())
	if err != nil {
		handleServiceError(w, err)
		return
	}
	if decision != nil {
		handleServiceError(w, &model.ConflictError{
			Kind:            h.service.Kind(),
			LocalTimestamp:  decision.LocalTimestamp.UTC(),
			ServerTimestamp: decision.ServerTimestamp.UTC(),
			ServerData:      h.toResponse(decision.ServerSnapshot),
		})
		return
	}
	middleware.WriteJSON(w, http.StatusOK, h.toResponse(rec))
}

// Delete はレコードを削除する。
// DELETE /api/{kind}/{id}
func (h *RecordHandler[T, In, Req, PReq]) Delete(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUserID(w, r)
	if !ok {
		return
	}
	if err := h.service.Delete(r.Context(), userID, chi.URLParam(r, "id")); err != nil {
		handleServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Routes はレコードのルーティングを登録する。
func (h *RecordHandler[T, In, Req, PReq]) Routes(r chi.Router) {
	r.Get("/", h.List)
	r.Post("/", h.Create)
	r.Route("/{id}", func(r chi.Router) {
		r.Get("/", h.Get)
		r.Put("/", h.Update)
		r.Delete("/", h.Delete)
	})
}

// NewProfessionalExperienceHandler は職務経歴のハンドラーを生成する。
func NewProfessionalExperienceHandler(
	service RecordService[*model.ProfessionalExperience, record.ProfessionalExperienceInput],
) *RecordHandler[*model.ProfessionalExperience, record.ProfessionalExperienceInput, professionalExperienceRequest, *professionalExperienceRequest] {
	return &RecordHandler[*model.ProfessionalExperience, record.ProfessionalExperienceInput, professionalExperienceRequest, *professionalExperienceRequest]{
		service:    service,
		toResponse: toProfessionalExperienceResponse,
	}
}

// NewExtraProfessionalExperienceHandler は職務外の活動経歴のハンドラーを生成する。
func NewExtraProfessionalExperienceHandler(
	service RecordService[*model.ExtraProfessionalExperience, record.ExtraProfessionalExperienceInput],
) *RecordHandler[*model.ExtraProfessionalExperience, record.ExtraProfessionalExperienceInput, extraProfessionalExperienceRequest, *extraProfessionalExperienceRequest] {
	return &RecordHandler[*model.ExtraProfessionalExperience, record.ExtraProfessionalExperienceInput, extraProfessionalExperienceRequest, *extraProfessionalExperienceRequest]{
		service:    service,
		toResponse: toExtraProfessionalExperienceResponse,
	}
}

// NewEducationHandler は学歴のハンドラーを生成する。
func NewEducationHandler(
	service RecordService[*model.Education, record.EducationInput],
) *RecordHandler[*model.Education, record.EducationInput, educationRequest, *educationRequest] {
	return &RecordHandler[*model.Education, record.EducationInput, educationRequest, *educationRequest]{
		service:    service,
		toResponse: toEducationResponse,
	}
}
