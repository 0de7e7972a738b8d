package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/romu70/jearch/internal/metrics"
	"github.com/romu70/jearch/internal/middleware"
	"github.com/romu70/jearch/internal/model"
	"github.com/romu70/jearch/internal/record"
)

// HealthChecker はDB接続の確認に必要なインターフェース。*sql.DB が実装する。
type HealthChecker interface {
	PingContext(ctx context.Context) error
}

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	// ミドルウェア依存
	Logger            *slog.Logger
	HealthChecker     HealthChecker
	MetricsGatherer   prometheus.Gatherer
	SessionFinder     middleware.SessionFinder
	CORSAllowedOrigin string
	CSRFConfig        middleware.CSRFConfig
	RateLimiter       *middleware.RateLimiter

	// 認証・ユーザー
	AuthService AuthServiceInterface
	AuthConfig  AuthHandlerConfig
	UserService UserServiceInterface
	Profiles    ProfileServiceInterface

	// 経歴・学歴
	ProfessionalExperiences      RecordService[*model.ProfessionalExperience, record.ProfessionalExperienceInput]
	ExtraProfessionalExperiences RecordService[*model.ExtraProfessionalExperience, record.ExtraProfessionalExperienceInput]
	Educations                   RecordService[*model.Education, record.EducationInput]
}

// NewRouter は全エンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアの実行順序:
//
//	RequestID → RealIP → Logging → Recovery → SecurityHeaders → CORS → CSRF(/api)
//	  認証エンドポイント: AuthRateLimit(IP単位)
//	  認証済みルート:     Session → GeneralRateLimit(ユーザー単位)
func NewRouter(deps *RouterDeps) http.Handler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.NewLoggingMiddleware(logger))
	r.Use(middleware.NewRecoveryMiddleware())
	r.Use(middleware.NewSecurityHeadersMiddleware())
	r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigin))

	r.Get("/health", healthHandler(deps.HealthChecker))
	if deps.MetricsGatherer != nil {
		r.Handle("/metrics", metrics.Handler(deps.MetricsGatherer))
	}

	authHandler := NewAuthHandler(deps.AuthService, deps.AuthConfig)
	userHandler := NewUserHandler(deps.UserService, authHandler)
	profileHandler := NewProfileHandler(deps.Profiles)
	sessionMW := middleware.NewSessionMiddleware(deps.SessionFinder)

	r.Route("/api", func(r chi.Router) {
		r.Use(middleware.NewCSRFMiddleware(deps.CSRFConfig))

		r.Method(http.MethodGet, "/csrf-token", middleware.NewCSRFTokenHandler(deps.CSRFConfig))

		r.Route("/auth", func(r chi.Router) {
			// 未認証で呼べるエンドポイント
			r.Group(func(r chi.Router) {
				r.Use(deps.RateLimiter.AuthMiddleware())
				r.Post("/register", authHandler.Register)
				r.Post("/verify", authHandler.Verify)
				r.Post("/password-reset", authHandler.RequestPasswordReset)
				r.Post("/password-reset/confirm", authHandler.ConfirmPasswordReset)
				r.Post("/unlock", authHandler.Unlock)
				r.Post("/login", authHandler.Login)
			})

			r.Group(func(r chi.Router) {
				r.Use(sessionMW)
				r.Post("/logout", authHandler.Logout)
				r.Get("/me", authHandler.Me)
			})
		})

		// 認証済みルート
		r.Group(func(r chi.Router) {
			r.Use(sessionMW)
			r.Use(deps.RateLimiter.GeneralMiddleware())

			r.Route("/professional-experiences", NewProfessionalExperienceHandler(deps.ProfessionalExperiences).Routes)
			r.Route("/extra-professional-experiences", NewExtraProfessionalExperienceHandler(deps.ExtraProfessionalExperiences).Routes)
			r.Route("/educations", NewEducationHandler(deps.Educations).Routes)

			r.Delete("/users/me", userHandler.Withdraw)
			r.Get("/users/me/profile", profileHandler.Get)
			r.Put("/users/me/profile", profileHandler.Update)
		})
	})

	return r
}

// healthHandler はDB接続を確認するヘルスチェックハンドラーを返す。
// GET /health
func healthHandler(checker HealthChecker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if checker != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := checker.PingContext(ctx); err != nil {
				slog.Error("health check failed", slog.String("error", err.Error()))
				middleware.WriteJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
				return
			}
		}
		middleware.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}
