package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/arete-app/arete/internal/metrics"
	"github.com/arete-app/arete/internal/middleware"
)

// HealthChecker はヘルスチェックでDB接続を確認するためのインターフェース。
// *sql.DB が満たす。
type HealthChecker interface {
	PingContext(ctx context.Context) error
}

// SetupAuthRoutes は認証関連のルーティングを設定したchi.Routerを返す。
func SetupAuthRoutes(service AuthServiceInterface, config AuthHandlerConfig) http.Handler {
	r := chi.NewRouter()
	mountAuthRoutes(r, NewAuthHandler(service, config))
	return r
}

func mountAuthRoutes(r chi.Router, h *AuthHandler) {
	r.Route("/auth", func(r chi.Router) {
		// OAuthフロー
		r.Get("/google/login", h.Login)
		r.Get("/google/callback", h.Callback)

		// セッション管理
		r.Post("/logout", h.Logout)
		r.Get("/me", h.Me)
	})
}

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	// ミドルウェア依存
	HealthChecker     HealthChecker
	SessionFinder     middleware.SessionFinder
	CORSAllowedOrigin string
	CSRFConfig        middleware.CSRFConfig
	RateLimiter       *middleware.RateLimiter
	Logger            *slog.Logger

	// メトリクス（MetricsHandler がnilの場合は /metrics を公開しない）
	Metrics        metrics.MetricsCollector
	MetricsHandler http.Handler

	// 認証
	AuthService AuthServiceInterface
	AuthConfig  AuthHandlerConfig

	// クレジット・AI生成
	CreditService         CreditServiceInterface
	NarrativeGenerator    NarrativeGenerator
	RefundFailureRecorder RefundFailureRecorder
	AICreditCost          int64

	// 決済
	PaymentService PaymentServiceInterface
	PaymentConfig  PaymentHandlerConfig

	// 予約
	SchedulingService SchedulingServiceInterface
}

// NewRouter は全APIエンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	RequestInfo → Recovery → SecurityHeaders → CORS → Metrics → Logging
//	  → (認証が必要なルート) Session → RateLimit(General) → CSRF
//
// 認証ルート（/auth/*）、Webpayの戻り、CalendlyのWebhookはセッションの外に配置する。
func NewRouter(deps *RouterDeps) http.Handler {
	r := chi.NewRouter()

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r.Use(middleware.NewRequestInfoMiddleware())
	r.Use(middleware.NewRecoveryMiddleware(logger))
	// HTTPSで公開している場合のみHSTSを付与する
	r.Use(middleware.NewSecurityHeadersMiddleware(deps.AuthConfig.CookieSecure))
	// CORS ミドルウェアを上位に適用（全ルートに効く）
	r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigin))
	collector := deps.Metrics
	if collector == nil {
		collector = metrics.Nop{}
	}
	r.Use(middleware.NewMetricsMiddleware(collector))
	r.Use(middleware.NewLoggingMiddleware(logger))

	authHandler := NewAuthHandler(deps.AuthService, deps.AuthConfig)
	creditHandler := NewCreditHandler(deps.CreditService, deps.NarrativeGenerator, deps.RefundFailureRecorder, collector, deps.AICreditCost)
	paymentHandler := NewPaymentHandler(deps.PaymentService, deps.PaymentConfig)
	schedulingHandler := NewSchedulingHandler(deps.SchedulingService)

	// --- 認証不要のルート ---

	r.Get("/health", healthHandler(deps.HealthChecker))
	if deps.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", deps.MetricsHandler)
	}

	// 認証ルート（OAuthフロー）
	mountAuthRoutes(r, authHandler)

	// CSRFトークン取得
	r.Method(http.MethodGet, "/api/csrf-token", middleware.NewCSRFTokenHandler(deps.CSRFConfig))

	// Webpayの戻り（ブラウザがWebpayから遷移してくるためセッション・CSRFの外）
	r.Get("/api/payments/webpay/return", paymentHandler.WebpayReturn)
	r.Post("/api/payments/webpay/return", paymentHandler.WebpayReturn)
	r.Get("/api/payments/products", paymentHandler.ListProducts)

	// CalendlyのWebhook（署名で認証する）
	r.Post("/webhooks/calendly", schedulingHandler.Webhook)

	// --- 認証が必要なルート ---
	// ミドルウェアスタック: Session → RateLimit(General) → CSRF
	r.Group(func(r chi.Router) {
		r.Use(middleware.NewSessionMiddleware(deps.SessionFinder))
		r.Use(deps.RateLimiter.GeneralMiddleware())
		r.Use(middleware.NewCSRFMiddleware(deps.CSRFConfig))

		r.Get("/api/credits", creditHandler.GetBalance)

		// AI生成（生成専用レート制限を追加）
		r.With(deps.RateLimiter.AIGenerationMiddleware()).Post("/api/ai/generate", creditHandler.Generate)

		r.Post("/api/payments/webpay", paymentHandler.CreatePayment)
		r.Post("/api/scheduling/confirm", schedulingHandler.Confirm)
	})

	return r
}

// healthHandler はDB接続を確認するヘルスチェックハンドラーを返す。
// GET /health
func healthHandler(checker HealthChecker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if checker != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
			defer cancel()
			if err := checker.PingContext(ctx); err != nil {
				slog.Error("health check failed", slog.String("error", err.Error()))
				writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
				return
			}
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}
