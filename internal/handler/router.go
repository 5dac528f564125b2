package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/taskagency/internal/middleware"
)

// HealthChecker は依存先の疎通確認インターフェース。
type HealthChecker interface {
	PingContext(ctx context.Context) error
}

// RemoteHealthChecker はリモートストアの疎通確認インターフェース。
// pocketbase.Clientが実装する。
type RemoteHealthChecker interface {
	Health(ctx context.Context) error
}

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	// ミドルウェア依存
	Workspaces        middleware.WorkspaceFinder
	WorkspaceDropper  WorkspaceDropper
	CORSAllowedOrigin string
	CSRF              middleware.CSRFConfig
	RateLimiter       *middleware.RateLimiter
	AccessLog         func(next http.Handler) http.Handler
	Recovery          func(next http.Handler) http.Handler

	// ヘルスチェック・メトリクス
	Database       HealthChecker
	Remote         RemoteHealthChecker
	MetricsHandler http.Handler

	// 認証
	AuthService AuthServiceInterface
	AuthConfig  AuthHandlerConfig

	// 画面・操作
	AccountService    AccountServiceInterface
	WithdrawalService WithdrawalServiceInterface
	LevelHandler      *LevelHandler
	SessionEvents     SessionEventsConfig
}

// NewRouter は全APIエンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	Recovery → CORS → SecurityHeaders → Session → AccessLog → RateLimit(General) → CSRF
//
// /health と /metrics はセッションを必要としない。
func NewRouter(deps *RouterDeps) http.Handler {
	r := chi.NewRouter()

	if deps.Recovery != nil {
		r.Use(deps.Recovery)
	}
	r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigin))

	r.Get("/health", healthHandler(deps.Database, deps.Remote))
	if deps.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", deps.MetricsHandler)
	}

	authHandler := NewAuthHandler(deps.AuthService, deps.AuthConfig)
	pageHandler := NewPageHandler()
	accountHandler := NewAccountHandler(deps.AccountService, deps.WorkspaceDropper, authHandler)
	withdrawalHandler := NewWithdrawalHandler(deps.WithdrawalService)
	eventsHandler := NewSessionEventsHandler(deps.SessionEvents)

	r.Group(func(r chi.Router) {
		r.Use(middleware.NewSecurityHeadersMiddleware())
		r.Use(middleware.NewSessionMiddleware(deps.Workspaces))
		if deps.AccessLog != nil {
			r.Use(deps.AccessLog)
		}
		if deps.RateLimiter != nil {
			r.Use(deps.RateLimiter.GeneralMiddleware())
		}

		// WebSocketはGETのみのためCSRF検証の外に置く
		r.With(middleware.RequireWorkspace).Get("/ws/session", eventsHandler.Stream)

		r.Group(func(r chi.Router) {
			r.Use(middleware.NewCSRFMiddleware(deps.CSRF))

			r.Route("/auth", func(r chi.Router) {
				r.Method(http.MethodGet, "/csrf-token", middleware.NewCSRFTokenHandler(deps.CSRF))
				r.Post("/login", authHandler.Login)
				r.Post("/register", authHandler.Register)
				r.Get("/captcha", authHandler.Captcha)
				r.Post("/logout", authHandler.Logout)
				r.Post("/refresh", authHandler.Refresh)
				r.Get("/me", authHandler.Me)
			})

			r.Route("/api", func(r chi.Router) {
				if deps.LevelHandler != nil {
					r.Get("/levels", deps.LevelHandler.List)
				}

				r.Route("/pages", func(r chi.Router) {
					r.Get("/{page}", pageHandler.Get)
					r.Post("/{page}/refresh", pageHandler.Refresh)
					r.Post("/account/edit", pageHandler.BeginEdit)
					r.Post("/account/cancel", pageHandler.CancelEdit)
				})

				r.Group(func(r chi.Router) {
					r.Use(middleware.RequireWorkspace)

					r.Route("/account", func(r chi.Router) {
						r.Delete("/", accountHandler.DeleteAccount)
						r.Patch("/profile", accountHandler.UpdateProfile)
						r.Post("/password", accountHandler.ChangePassword)
						r.Get("/export", accountHandler.Export)
						r.Get("/referral-link", accountHandler.ReferralLink)
					})

					r.Route("/withdrawals", func(r chi.Router) {
						r.Get("/", withdrawalHandler.List)
						if deps.RateLimiter != nil {
							r.With(deps.RateLimiter.WithdrawalMiddleware()).Post("/", withdrawalHandler.Create)
						} else {
							r.Post("/", withdrawalHandler.Create)
						}
						r.Get("/remembered", withdrawalHandler.Remembered)
						r.Delete("/remembered", withdrawalHandler.Forget)
					})
				})
			})
		})
	})

	return r
}

// healthHandler はDBとリモートストアの疎通を返す。
// DBに接続できない場合は503、リモートストアのみ接続できない場合はdegradedで200を返す。
func healthHandler(db HealthChecker, remote RemoteHealthChecker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
		defer cancel()

		resp := map[string]string{"status": "ok", "database": "ok", "remote": "ok"}
		status := http.StatusOK
		if db != nil {
			if err := db.PingContext(ctx); err != nil {
				resp["status"] = "unavailable"
				resp["database"] = "unavailable"
				status = http.StatusServiceUnavailable
			}
		}
		if remote != nil {
			if err := remote.Health(ctx); err != nil {
				resp["remote"] = "unavailable"
				if status == http.StatusOK {
					resp["status"] = "degraded"
				}
			}
		}
		writeJSON(w, status, resp)
	}
}
