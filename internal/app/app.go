package app

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/time/rate"

	"github.com/arete-app/arete/internal/auth"
	"github.com/arete-app/arete/internal/calendly"
	"github.com/arete-app/arete/internal/config"
	"github.com/arete-app/arete/internal/credit"
	"github.com/arete-app/arete/internal/database"
	"github.com/arete-app/arete/internal/handler"
	"github.com/arete-app/arete/internal/logger"
	"github.com/arete-app/arete/internal/metrics"
	"github.com/arete-app/arete/internal/middleware"
	"github.com/arete-app/arete/internal/narrative"
	"github.com/arete-app/arete/internal/reconcile"
	"github.com/arete-app/arete/internal/repository"
	"github.com/arete-app/arete/internal/security"
	"github.com/arete-app/arete/internal/webpay"
	"github.com/arete-app/arete/internal/worker/cleanup"
	"github.com/arete-app/arete/internal/worker/refund"
)

// Init はアプリケーションの初期化を行う。
// JSON構造化ログをセットアップし、環境変数からConfigを読み込む。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w, os.Getenv("LOG_LEVEL"))

	// 2. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	return cfg, nil
}

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// argsにはos.Args[1:]を渡す。
func Run(w io.Writer, args []string) error {
	cmd := ParseCommand(args)

	// healthcheck は軽量サブコマンドのため、フル初期化をスキップする
	if cmd == CommandHealthcheck {
		port := os.Getenv("SERVER_PORT")
		if port == "" {
			port = "8080"
		}
		return runHealthcheck(port)
	}

	cfg, err := Init(w)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	slog.Info("starting application",
		slog.String("command", string(cmd)),
		slog.String("port", cfg.ServerPort),
		slog.String("base_url", cfg.BaseURL),
		slog.String("webpay_environment", cfg.WebpayEnvironment),
	)

	switch cmd {
	case CommandServe:
		return runServe(cfg)
	case CommandWorker:
		return runWorker(cfg)
	case CommandMigrate:
		return runMigrate(cfg)
	case CommandRetryRefunds:
		return runRetryRefunds(cfg)
	default:
		return runServe(cfg)
	}
}

// openDB はDB接続を開き、疎通を確認する。
func openDB(cfg *config.Config) (*sql.DB, error) {
	db, err := database.Open(cfg.DatabaseURL, database.PoolConfig{
		MaxOpenConns:    cfg.DBMaxOpenConns,
		MaxIdleConns:    cfg.DBMaxIdleConns,
		ConnMaxLifetime: 30 * time.Minute,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return db, nil
}

// newRegistry はアプリケーションのメトリクスとGo/プロセスの標準メトリクスを登録したレジストリを返す。
func newRegistry() (*prometheus.Registry, *metrics.Collector) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg, metrics.NewCollector(reg)
}

// rateLimiterConfig は設定値（req/min）をレートリミッターの設定（req/sec）に変換する。
// バーストサイズは1分あたりの上限と同じにする。
func rateLimiterConfig(cfg *config.Config) middleware.RateLimiterConfig {
	rl := middleware.DefaultRateLimiterConfig()
	if cfg.RateLimitGeneral > 0 {
		rl.GeneralRate = rate.Limit(float64(cfg.RateLimitGeneral) / 60.0)
		rl.GeneralBurst = cfg.RateLimitGeneral
	}
	if cfg.RateLimitAI > 0 {
		rl.AIRate = rate.Limit(float64(cfg.RateLimitAI) / 60.0)
		rl.AIBurst = cfg.RateLimitAI
	}
	return rl
}

// signatureVerifier は設定に応じたWebhook署名検証器を返す。
// スキップ指定時のみnilを返す。
func signatureVerifier(cfg *config.Config) reconcile.SignatureVerifier {
	if !cfg.WebhookSignatureRequired() {
		slog.Warn("Calendly Webhookの署名検証が無効化されています")
		return nil
	}
	return calendly.NewVerifier(cfg.CalendlyWebhookSigningKey, cfg.CalendlySignatureTolerance)
}

// runServe はAPIサーバーモードで起動する。
// DB接続を開き、全依存関係をワイヤリングし、HTTPサーバーを起動する。
// SIGINTまたはSIGTERMシグナルを受信するとグレースフルシャットダウンを行う。
func runServe(cfg *config.Config) error {
	// 1. DB接続
	db, err := openDB(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	slog.Info("database connection established")

	// 2. メトリクス
	reg, collector := newRegistry()

	// 3. リポジトリの初期化
	userRepo := repository.NewPostgresUserRepo(db)
	sessionRepo := repository.NewPostgresSessionRepo(db)
	ledgerRepo := repository.NewPostgresLedgerRepo(db)
	orderRepo := repository.NewPostgresPaymentOrderRepo(db)
	refundRepo := repository.NewPostgresRefundFailureRepo(db)

	// 4. セキュリティサービスの初期化
	ssrfGuard := security.NewSSRFGuard()
	sanitizer := security.NewContentSanitizer()

	// 5. ドメインサービスの初期化
	oauthProvider := auth.NewGoogleOAuthProvider(auth.GoogleOAuthConfig{
		ClientID:     cfg.GoogleClientID,
		ClientSecret: cfg.GoogleClientSecret,
		RedirectURL:  cfg.GoogleRedirectURL,
	})
	authService := auth.NewService(
		oauthProvider, userRepo, sessionRepo,
		auth.ServiceConfig{SessionMaxAge: cfg.SessionMaxAge},
	)

	creditService := credit.NewService(ledgerRepo, collector, slog.Default())

	generator := narrative.NewClient(nil, slog.Default(), sanitizer, narrative.Config{
		BaseURL: cfg.LLMBaseURL,
		APIKey:  cfg.LLMAPIKey,
		Model:   cfg.LLMModel,
		Timeout: cfg.LLMTimeout,
	})

	webpayConfig := webpay.Config{
		Environment:  cfg.WebpayEnvironment,
		CommerceCode: cfg.WebpayCommerceCode,
		APIKey:       cfg.WebpayAPIKey,
		BaseURL:      cfg.WebpayBaseURL,
	}
	webpayHTTP, err := ssrfGuard.ClientFor(webpayConfig.BaseURLFor(), cfg.ProviderTimeout)
	if err != nil {
		return fmt.Errorf("invalid WEBPAY_BASE_URL: %w", err)
	}
	webpayClient := webpay.NewClient(webpayHTTP, slog.Default(), webpayConfig)
	paymentReconciler := reconcile.NewPaymentReconciler(
		webpayClient, orderRepo, creditService, collector, slog.Default(),
	)

	// 照会先URIはブラウザから渡されるため、Calendly APIホストのみ許可するクライアントを使う
	calendlyClient := calendly.NewClient(
		ssrfGuard.NewSafeClient(cfg.ProviderTimeout, calendly.DefaultAPIHost),
		slog.Default(),
		cfg.CalendlyAPIToken,
	)
	schedulingReconciler := reconcile.NewSchedulingReconciler(
		signatureVerifier(cfg), calendlyClient, userRepo, creditService, collector, slog.Default(),
	)

	// 6. ルーターの構築
	rateLimiter := middleware.NewRateLimiter(rateLimiterConfig(cfg))
	defer rateLimiter.Stop()

	deps := &handler.RouterDeps{
		HealthChecker:     db,
		SessionFinder:     sessionRepo,
		CORSAllowedOrigin: cfg.CORSAllowedOrigin,
		CSRFConfig: middleware.CSRFConfig{
			CookieSecure: cfg.CookieSecure,
			CookieDomain: cfg.CookieDomain,
		},
		RateLimiter: rateLimiter,
		Logger:      slog.Default(),

		Metrics:        collector,
		MetricsHandler: metrics.Handler(reg),

		AuthService: authService,
		AuthConfig: handler.AuthHandlerConfig{
			BaseURL:       cfg.BaseURL,
			CookieDomain:  cfg.CookieDomain,
			CookieSecure:  cfg.CookieSecure,
			SessionMaxAge: cfg.SessionMaxAge,
		},

		CreditService:         creditService,
		NarrativeGenerator:    generator,
		RefundFailureRecorder: refundRepo,
		AICreditCost:          cfg.AICreditCost,

		PaymentService: paymentReconciler,
		PaymentConfig: handler.PaymentHandlerConfig{
			ReturnURL:  cfg.BaseURL + "/api/payments/webpay/return",
			SuccessURL: cfg.PaymentSuccessURL,
			FailureURL: cfg.PaymentFailureURL,
		},

		SchedulingService: schedulingReconciler,
	}

	router := handler.NewRouter(deps)

	// 7. HTTPサーバーの起動
	// WriteTimeout はAI生成の待ち時間を含めて設定する
	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: cfg.LLMTimeout + 15*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// グレースフルシャットダウンのためのシグナルハンドリング
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		slog.Info("API server starting",
			slog.String("addr", server.Addr),
		)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server listen error", slog.String("error", err.Error()))
		}
	}()

	<-stop
	slog.Info("shutting down API server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	slog.Info("API server stopped gracefully")
	return nil
}

// runWorker はワーカーモードで起動する。
// DB接続を開き、補償返金の再試行ジョブとクリーンアップジョブを起動する。
// SIGINTまたはSIGTERMシグナルを受信するとシャットダウンする。
func runWorker(cfg *config.Config) error {
	// 1. DB接続
	db, err := openDB(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	slog.Info("database connection established (worker)")

	// 2. メトリクス
	reg, collector := newRegistry()

	// 3. リポジトリとサービスの初期化
	ledgerRepo := repository.NewPostgresLedgerRepo(db)
	refundRepo := repository.NewPostgresRefundFailureRepo(db)
	creditService := credit.NewService(ledgerRepo, collector, slog.Default())

	// 4. ジョブの初期化
	retryJob := refund.NewRetryJob(refundRepo, creditService, collector, slog.Default(), refund.Config{
		Interval:    cfg.RefundRetryInterval,
		MaxAttempts: cfg.RefundRetryMaxAttempts,
	})
	cleanupJob := cleanup.NewCleanupJob(db, slog.Default())

	// グレースフルシャットダウンのためのシグナルハンドリング
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-stop
		slog.Info("shutting down worker...")
		cancel()
	}()

	// ワーカーのメトリクスは別ポートで公開する
	var metricsServer *http.Server
	if cfg.WorkerMetricsPort != "" {
		metricsServer = &http.Server{
			Addr:              ":" + cfg.WorkerMetricsPort,
			Handler:           metrics.SetupMetricsRoute(reg),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				slog.Error("metrics server listen error", slog.String("error", err.Error()))
			}
		}()
	}

	slog.Info("worker starting",
		slog.Duration("refund_retry_interval", cfg.RefundRetryInterval),
		slog.Int("refund_retry_max_attempts", cfg.RefundRetryMaxAttempts),
		slog.Duration("cleanup_interval", cfg.SessionCleanupInterval),
	)

	// クリーンアップジョブをバックグラウンドで実行
	go cleanupJob.Start(ctx, cfg.SessionCleanupInterval)

	// 返金再試行ジョブをメインgoroutineで実行（ブロッキング）
	retryJob.Start(ctx)

	if metricsServer != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			slog.Error("metrics server shutdown failed", slog.String("error", err.Error()))
		}
	}

	slog.Info("worker stopped gracefully")
	return nil
}

// runRetryRefunds は未解決の補償返金を1サイクル分だけ再試行して終了する。
func runRetryRefunds(cfg *config.Config) error {
	db, err := openDB(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	ledgerRepo := repository.NewPostgresLedgerRepo(db)
	refundRepo := repository.NewPostgresRefundFailureRepo(db)
	creditService := credit.NewService(ledgerRepo, metrics.Nop{}, slog.Default())

	retryJob := refund.NewRetryJob(refundRepo, creditService, metrics.Nop{}, slog.Default(), refund.Config{
		MaxAttempts: cfg.RefundRetryMaxAttempts,
	})

	result, err := retryJob.RunOnce(context.Background())
	if err != nil {
		return fmt.Errorf("refund retry failed: %w", err)
	}
	if result.Failed > 0 {
		return fmt.Errorf("%d refund(s) still failing", result.Failed)
	}
	return nil
}

// runMigrate はデータベースマイグレーションを実行する。
// すべての未適用マイグレーションを順番に適用する。
func runMigrate(cfg *config.Config) error {
	slog.Info("running database migrations",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	version, err := database.RunMigrations(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	slog.Info("database migrations completed successfully",
		slog.Uint64("version", uint64(version)),
	)
	return nil
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /health エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(port string) error {
	url := fmt.Sprintf("http://localhost:%s/health", port)
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}

// maskDatabaseURL はデータベースURLの認証情報をマスクする。
func maskDatabaseURL(url string) string {
	if len(url) > 20 {
		return url[:12] + "***@..."
	}
	return "***"
}
