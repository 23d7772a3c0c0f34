package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/hitoshi/agendamail/internal/middleware"
)

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	// ミドルウェア依存
	UserResolver      middleware.UserResolver
	CORSAllowedOrigin string
	RateLimiter       *middleware.RateLimiter
	Logger            *slog.Logger

	// 認証
	AuthService AuthServiceInterface
	AuthConfig  AuthHandlerConfig

	// ジョブ管理
	Scheduler SchedulerInterface
	JobQuery  JobQueryInterface
	Location  *time.Location

	// 配信ログ
	RunLogQuery RunLogQueryInterface

	// ユーザー管理
	UserService UserServiceInterface

	// 運用エンドポイント
	MetricsHandler http.Handler
	HealthCheck    func(ctx context.Context) error
}

// NewRouter は全APIエンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	CORS → SecurityHeaders → Logging → Recovery → Session → RateLimit(General)
//
// 認証ルート（/auth/*）と運用エンドポイント（/health、/metrics）は
// セッションミドルウェアの外に配置する。
func NewRouter(deps *RouterDeps) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigin))
	r.Use(middleware.NewSecurityHeadersMiddleware())
	if deps.Logger != nil {
		r.Use(middleware.NewLoggingMiddleware(deps.Logger))
	}
	r.Use(middleware.NewRecoveryMiddleware())

	authHandler := NewAuthHandler(deps.AuthService, deps.AuthConfig)
	jobHandler := NewJobHandler(deps.Scheduler, deps.JobQuery, deps.Location)
	runLogHandler := NewRunLogHandler(deps.RunLogQuery)
	userHandler := NewUserHandler(deps.UserService)

	// --- 認証不要のルート ---

	r.Get("/health", healthHandler(deps.HealthCheck))
	if deps.MetricsHandler != nil {
		r.Handle("/metrics", deps.MetricsHandler)
	}

	// 認証ルート（OAuthフロー）
	r.Route("/auth", func(r chi.Router) {
		r.Get("/google/login", authHandler.Login)
		r.Get("/google/callback", authHandler.Callback)
		r.Post("/logout", authHandler.Logout)
		r.Get("/me", authHandler.Me)
	})

	// --- 認証が必要なルート ---
	// ミドルウェアスタック: Session → RateLimit(General)
	r.Group(func(r chi.Router) {
		r.Use(middleware.NewSessionMiddleware(deps.UserResolver))
		r.Use(deps.RateLimiter.GeneralMiddleware())

		// ジョブ管理（管理者専用）
		r.Route("/api/jobs", func(r chi.Router) {
			r.Get("/", jobHandler.ListJobs)
			r.Post("/", jobHandler.ScheduleJob)

			// POST /api/jobs/trigger - 即時配信（トリガー専用レート制限を追加）
			r.With(deps.RateLimiter.TriggerMiddleware()).Post("/trigger", jobHandler.TriggerNow)

			// DELETE /api/jobs/terminal - 終端ジョブの一括削除
			r.Delete("/terminal", jobHandler.ClearTerminalJobs)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", jobHandler.GetJob)
				r.Delete("/", jobHandler.CancelJob)
			})
		})

		// 配信ログ（管理者専用）
		r.Route("/api/runlogs", func(r chi.Router) {
			r.Get("/", runLogHandler.ListRunLogs)
			r.Get("/stats", runLogHandler.GetStats)
		})

		// ユーザー管理
		r.Route("/api/users", func(r chi.Router) {
			r.Get("/", userHandler.ListUsers)
			r.Get("/me", userHandler.GetMe)
			r.Put("/me/preference", userHandler.UpdateMyPreference)
			r.Put("/{id}/preference", userHandler.UpdateUserPreference)
		})
	})

	return r
}

// healthHandler はヘルスチェックのHTTPハンドラーを返す。
// checkがnilでない場合は依存先（DB等）の疎通を確認する。
func healthHandler(check func(ctx context.Context) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if check != nil {
			if err := check(r.Context()); err != nil {
				slog.Error("health check failed", slog.String("error", err.Error()))
				writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy"})
				return
			}
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}
