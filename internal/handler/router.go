package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/hitoshi/chatauth/internal/middleware"
)

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	Logger *slog.Logger

	// ミドルウェア依存
	RateLimiter    *middleware.RateLimiter
	StatusRecorder middleware.StatusRecorder
	AdminToken     string

	// 受信メッセージ
	Turns               TurnHandler
	ServiceURLValidator URLValidator

	// サインイン
	Logins     LoginCompleter
	States     StateLookup
	Provider   LoginURLBuilder
	AuthConfig AuthHandlerConfig

	// 運用
	Recovery       RecoveryService
	Events         EventLister
	HealthChecker  HealthChecker
	MetricsHandler http.Handler
}

// NewRouter は全エンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	Logging → Recovery → SecurityHeaders
//
// /auth/* にはクライアントごとのレート制限、/admin/* には管理トークン認証を追加する。
func NewRouter(deps *RouterDeps) http.Handler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r := chi.NewRouter()
	r.Use(middleware.NewLoggingMiddleware(logger, deps.StatusRecorder))
	r.Use(middleware.NewRecoveryMiddleware(logger))
	r.Use(middleware.NewSecurityHeadersMiddleware())

	var limiter MessageLimiter
	if deps.RateLimiter != nil {
		limiter = deps.RateLimiter
	}
	messageHandler := NewMessageHandler(deps.Turns, limiter, deps.ServiceURLValidator, logger)
	authHandler := NewAuthHandler(deps.Logins, deps.States, deps.Provider, deps.AuthConfig, logger)
	adminHandler := NewAdminHandler(deps.Recovery, deps.Events, logger)

	r.Get("/health", NewHealthHandler(deps.HealthChecker, logger))
	if deps.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", deps.MetricsHandler)
	}

	r.Post("/api/messages", messageHandler.Handle)

	r.Route("/auth", func(r chi.Router) {
		if deps.RateLimiter != nil {
			r.Use(deps.RateLimiter.AuthMiddleware())
		}
		r.Get("/login", authHandler.Login)
		r.Get("/callback", authHandler.Callback)
	})

	r.Route("/admin", func(r chi.Router) {
		r.Use(middleware.NewAdminAuthMiddleware(deps.AdminToken, logger))
		r.Get("/overview", adminHandler.Overview)
		r.Post("/recover", adminHandler.RecoverAll)
		r.Route("/users/{id}", func(r chi.Router) {
			r.Get("/", adminHandler.Diagnose)
			r.Get("/events", adminHandler.Events)
			r.Post("/recover", adminHandler.RecoverUser)
		})
	})

	return r
}
