package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/hitoshi/chatcore/internal/metrics"
	"github.com/hitoshi/chatcore/internal/middleware"
	"github.com/hitoshi/chatcore/internal/security"
)

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	// ミドルウェア依存
	SessionFinder     middleware.SessionFinder
	CORSAllowedOrigin string
	RateLimiter       *middleware.RateLimiter
	CSRF              middleware.CSRFConfig

	// 認証
	Sessions   SessionFactory
	AuthConfig AuthHandlerConfig

	// アカウント・プロフィール
	UserService UserServiceInterface

	// 利用枠
	Meter     MeterInterface
	Sanitizer security.ContentSanitizerService

	// 通知
	Queue NotificationQueue

	// 可観測性
	Collector metrics.MetricsCollector
	Gatherer  prometheus.Gatherer

	// ヘルスチェック
	DB Pinger
}

// NewRouter は全APIエンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	Recovery → Logging → SecurityHeaders → CORS → SessionMiddleware → CSRFMiddleware → RateLimitMiddleware(GeneralMiddleware)
//
// 認証ルート（/auth/*）とヘルスチェック・メトリクス・CSRFトークン取得は
// セッションミドルウェアの外に配置する。
func NewRouter(deps *RouterDeps) http.Handler {
	r := chi.NewRouter()

	// 全ルートに効くミドルウェア
	r.Use(middleware.NewRecoveryMiddleware())
	r.Use(middleware.NewLoggingMiddleware(slog.Default()))
	r.Use(middleware.NewSecurityHeadersMiddleware())
	r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigin))

	authHandler := NewAuthHandler(deps.Sessions, deps.AuthConfig, deps.Collector)
	profileHandler := NewProfileHandler(deps.UserService)
	entitlementHandler := NewEntitlementHandler(deps.Meter, deps.UserService, deps.Sanitizer, deps.Collector)
	notificationHandler := NewNotificationHandler(deps.Queue, deps.UserService, deps.Sanitizer, deps.Collector)
	userHandler := NewUserHandler(deps.UserService)

	// --- 認証不要のルート ---

	r.Route("/auth", func(r chi.Router) {
		r.Post("/signin", authHandler.SignIn)
		r.Post("/signup", authHandler.SignUp)
		r.Post("/phone/start", authHandler.PhoneStart)
		r.Post("/phone/verify", authHandler.PhoneVerify)
		r.Post("/logout", authHandler.Logout)
		r.Get("/me", authHandler.Me)
	})

	// ユーザー名の確認はサインアップ前に呼ばれるため認証不要
	r.Get("/api/username/available", authHandler.UsernameAvailable)

	// CSRFトークンはサインイン後の最初の状態変更リクエストより前に取得される
	r.Get("/api/csrf-token", middleware.NewCSRFTokenHandler(deps.CSRF).ServeHTTP)

	r.Get("/health", NewHealthHandler(deps.DB))
	if deps.Gatherer != nil {
		r.Handle("/metrics", metrics.Handler(deps.Gatherer))
	}

	// --- 認証が必要なルート ---
	// ミドルウェアスタック: Session → CSRF → RateLimit(General)
	r.Group(func(r chi.Router) {
		r.Use(middleware.NewSessionMiddleware(deps.SessionFinder))
		r.Use(middleware.NewCSRFMiddleware(deps.CSRF))
		r.Use(deps.RateLimiter.GeneralMiddleware())

		// プロフィール管理
		r.Route("/api/profile", func(r chi.Router) {
			r.Get("/", profileHandler.GetProfile)
			r.Patch("/", profileHandler.UpdateProfile)
		})

		// 利用枠の適用対象の操作
		// POST /api/messages - メッセージ送信（送信専用レート制限を追加）
		r.With(deps.RateLimiter.MessageSendMiddleware()).Post("/api/messages", entitlementHandler.SendMessage)
		r.Post("/api/anonymous", entitlementHandler.PostAnonymous)
		r.Post("/api/groups", entitlementHandler.CreateGroup)
		r.Get("/api/entitlements", entitlementHandler.GetEntitlements)

		// 通知
		r.Route("/api/notifications", func(r chi.Router) {
			r.Post("/", notificationHandler.Notify)
			r.Delete("/{key}", notificationHandler.CancelNotification)
		})

		// アカウント管理
		r.Route("/api/users/me", func(r chi.Router) {
			r.Delete("/", userHandler.RequestDeletion)
			r.Post("/restore", userHandler.Restore)
		})
	})

	return r
}
