package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/romu70/jearch/internal/auth"
	"github.com/romu70/jearch/internal/middleware"
	"github.com/romu70/jearch/internal/model"
	"github.com/romu70/jearch/internal/record"
)

// --- モック定義 ---

type mockAuthService struct {
	registerFn       func(ctx context.Context, email, password string) (*model.User, error)
	verifyEmailFn    func(ctx context.Context, token string) error
	requestResetFn   func(ctx context.Context, email string) error
	resetPasswordFn  func(ctx context.Context, token, password string) error
	unlockFn         func(ctx context.Context, token string) error
	loginFn          func(ctx context.Context, in auth.LoginInput) (*auth.LoginResult, error)
	logoutFn         func(ctx context.Context, sessionID string) error
	getCurrentUserFn func(ctx context.Context, userID string) (*model.User, error)
}

func (m *mockAuthService) Register(ctx context.Context, email, password string) (*model.User, error) {
	if m.registerFn != nil {
		return m.registerFn(ctx, email, password)
	}
	return nil, errors.New("not implemented")
}

func (m *mockAuthService) VerifyEmail(ctx context.Context, token string) error {
	if m.verifyEmailFn != nil {
		return m.verifyEmailFn(ctx, token)
	}
	return nil
}

func (m *mockAuthService) RequestPasswordReset(ctx context.Context, email string) error {
	if m.requestResetFn != nil {
		return m.requestResetFn(ctx, email)
	}
	return nil
}

func (m *mockAuthService) ResetPassword(ctx context.Context, token, password string) error {
	if m.resetPasswordFn != nil {
		return m.resetPasswordFn(ctx, token, password)
	}
	return nil
}

func (m *mockAuthService) Unlock(ctx context.Context, token string) error {
	if m.unlockFn != nil {
		return m.unlockFn(ctx, token)
	}
	return nil
}

func (m *mockAuthService) Login(ctx context.Context, in auth.LoginInput) (*auth.LoginResult, error) {
	if m.loginFn != nil {
		return m.loginFn(ctx, in)
	}
	return nil, errors.New("not implemented")
}

func (m *mockAuthService) Logout(ctx context.Context, sessionID string) error {
	if m.logoutFn != nil {
		return m.logoutFn(ctx, sessionID)
	}
	return nil
}

func (m *mockAuthService) GetCurrentUser(ctx context.Context, userID string) (*model.User, error) {
	if m.getCurrentUserFn != nil {
		return m.getCurrentUserFn(ctx, userID)
	}
	return &model.User{ID: userID, Email: "owner@example.com"}, nil
}

type mockUserService struct {
	withdrawFn func(ctx context.Context, userID string) error
}

func (m *mockUserService) Withdraw(ctx context.Context, userID string) error {
	if m.withdrawFn != nil {
		return m.withdrawFn(ctx, userID)
	}
	return nil
}

type mockProfileService struct {
	getFn    func(ctx context.Context, userID string) (*model.Profile, error)
	updateFn func(ctx context.Context, userID string, client time.Time, in *record.ProfileInput) (*model.Profile, *model.ConflictDecision[*model.Profile], error)
}

func (m *mockProfileService) Get(ctx context.Context, userID string) (*model.Profile, error) {
	return m.getFn(ctx, userID)
}

func (m *mockProfileService) Update(ctx context.Context, userID string, client time.Time, in *record.ProfileInput) (*model.Profile, *model.ConflictDecision[*model.Profile], error) {
	return m.updateFn(ctx, userID, client, in)
}

type mockRecordService[T model.EditableRecord, In any] struct {
	kind     model.RecordKind
	createFn func(ctx context.Context, userID string, in *In) (T, error)
	getFn    func(ctx context.Context, userID, id string) (T, error)
	listFn   func(ctx context.Context, userID string) ([]T, error)
	updateFn func(ctx context.Context, userID, id string, client time.Time, in *In) (T, *model.ConflictDecision[T], error)
	deleteFn func(ctx context.Context, userID, id string) error
}

func (m *mockRecordService[T, In]) Kind() model.RecordKind { return m.kind }

func (m *mockRecordService[T, In]) Create(ctx context.Context, userID string, in *In) (T, error) {
	return m.createFn(ctx, userID, in)
}

func (m *mockRecordService[T, In]) Get(ctx context.Context, userID, id string) (T, error) {
	return m.getFn(ctx, userID, id)
}

func (m *mockRecordService[T, In]) List(ctx context.Context, userID string) ([]T, error) {
	return m.listFn(ctx, userID)
}

func (m *mockRecordService[T, In]) Update(ctx context.Context, userID, id string, client time.Time, in *In) (T, *model.ConflictDecision[T], error) {
	return m.updateFn(ctx, userID, id, client, in)
}

func (m *mockRecordService[T, In]) Delete(ctx context.Context, userID, id string) error {
	return m.deleteFn(ctx, userID, id)
}

type mockSessionFinder struct {
	sessions map[string]*model.Session
}

func (m *mockSessionFinder) FindByID(ctx context.Context, id string) (*model.Session, error) {
	return m.sessions[id], nil
}

type mockHealthChecker struct {
	err error
}

func (m *mockHealthChecker) PingContext(ctx context.Context) error { return m.err }

var _ AuthServiceInterface = (*mockAuthService)(nil)

var _ RecordService[*model.ProfessionalExperience, record.ProfessionalExperienceInput] = (*mockRecordService[*model.ProfessionalExperience, record.ProfessionalExperienceInput])(nil)

// --- ヘルパー ---

const (
	testUserID    = "user-1"
	testSessionID = "session-1"
	testCSRFToken = "csrf-token-value"
)

type testEnv struct {
	router      http.Handler
	auth        *mockAuthService
	users       *mockUserService
	profiles    *mockProfileService
	experiences *mockRecordService[*model.ProfessionalExperience, record.ProfessionalExperienceInput]
	extras      *mockRecordService[*model.ExtraProfessionalExperience, record.ExtraProfessionalExperienceInput]
	educations  *mockRecordService[*model.Education, record.EducationInput]
	health      *mockHealthChecker
	rateLimiter *middleware.RateLimiter
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{
		auth:        &mockAuthService{},
		users:       &mockUserService{},
		profiles:    &mockProfileService{},
		experiences: &mockRecordService[*model.ProfessionalExperience, record.ProfessionalExperienceInput]{kind: model.RecordKindProfessional},
		extras:      &mockRecordService[*model.ExtraProfessionalExperience, record.ExtraProfessionalExperienceInput]{kind: model.RecordKindExtraProfessional},
		educations:  &mockRecordService[*model.Education, record.EducationInput]{kind: model.RecordKindEducation},
		health:      &mockHealthChecker{},
		rateLimiter: middleware.NewRateLimiter(middleware.NewRateLimiterConfig(1000, 1000)),
	}
	t.Cleanup(env.rateLimiter.Stop)

	env.router = NewRouter(&RouterDeps{
		HealthChecker: env.health,
		SessionFinder: &mockSessionFinder{sessions: map[string]*model.Session{
			testSessionID: {ID: testSessionID, UserID: testUserID, ExpiresAt: time.Now().Add(time.Hour)},
		}},
		CORSAllowedOrigin:            "http://localhost:3000",
		RateLimiter:                  env.rateLimiter,
		AuthService:                  env.auth,
		UserService:                  env.users,
		Profiles:                     env.profiles,
		ProfessionalExperiences:      env.experiences,
		ExtraProfessionalExperiences: env.extras,
		Educations:                   env.educations,
	})
	return env
}

type requestOption func(r *http.Request)

// anonymous はセッションCookieを付けない。
func anonymous(r *http.Request) {
	var kept []*http.Cookie
	for _, c := range r.Cookies() {
		if c.Name != middleware.SessionCookieName {
			kept = append(kept, c)
		}
	}
	r.Header.Del("Cookie")
	for _, c := range kept {
		r.AddCookie(c)
	}
}

// withoutCSRF はCSRFトークンを付けない。
func withoutCSRF(r *http.Request) {
	r.Header.Del("X-CSRF-Token")
}

// do はセッションとCSRFトークンを付けたリクエストを送る。
func (e *testEnv) do(t *testing.T, method, path string, body any, opts ...requestOption) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	switch b := body.(type) {
	case nil:
	case string:
		buf.WriteString(b)
	default:
		if err := json.NewEncoder(&buf).Encode(b); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-CSRF-Token", testCSRFToken)
	req.AddCookie(&http.Cookie{Name: "csrf_token", Value: testCSRFToken})
	req.AddCookie(&http.Cookie{Name: middleware.SessionCookieName, Value: testSessionID})
	for _, opt := range opts {
		opt(req)
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("failed to decode body: %v\nraw: %s", err, w.Body.String())
	}
	return out
}

func findCookie(w *httptest.ResponseRecorder, name string) *http.Cookie {
	for _, c := range w.Result().Cookies() {
		if c.Name == name {
			return c
		}
	}
	return nil
}
