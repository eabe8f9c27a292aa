package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Database
	DatabaseURL    string
	DBMaxOpenConns int
	DBMaxIdleConns int

	// OAuth
	GoogleClientID     string
	GoogleClientSecret string
	GoogleRedirectURL  string

	// Session
	SessionSecret          string
	SessionMaxAge          int
	SessionCleanupInterval time.Duration

	// Rate Limit（1分あたりのリクエスト数）
	RateLimitGeneral int
	RateLimitAI      int

	// AI生成
	AICreditCost int64
	LLMBaseURL   string
	LLMAPIKey    string
	LLMModel     string
	LLMTimeout   time.Duration

	// Webpay
	WebpayEnvironment  string
	WebpayCommerceCode string
	WebpayAPIKey       string
	WebpayBaseURL      string
	PaymentSuccessURL  string
	PaymentFailureURL  string

	// Calendly
	CalendlyAPIToken           string
	CalendlyWebhookSigningKey  string
	CalendlySkipSignature      bool
	CalendlySignatureTolerance time.Duration

	// 外部プロバイダ呼び出しのタイムアウト
	ProviderTimeout time.Duration

	// 補償返金の再試行
	RefundRetryInterval    time.Duration
	RefundRetryMaxAttempts int

	// Logging
	LogLevel string

	// Server
	ServerPort        string
	BaseURL           string
	WorkerMetricsPort string // 空の場合、ワーカーは /metrics を公開しない

	// Cookie
	CookieSecure bool
	CookieDomain string

	// CORS
	CORSAllowedOrigin string
}

// Load は環境変数からConfigを読み込む。
// 必須環境変数が未設定の場合はエラーを返す。
func Load() (*Config, error) {
	cfg := &Config{}

	// Required fields
	var missing []string

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.DatabaseURL == "" {
		missing = append(missing, "DATABASE_URL")
	}

	cfg.GoogleClientID = os.Getenv("GOOGLE_CLIENT_ID")
	if cfg.GoogleClientID == "" {
		missing = append(missing, "GOOGLE_CLIENT_ID")
	}

	cfg.GoogleClientSecret = os.Getenv("GOOGLE_CLIENT_SECRET")
	if cfg.GoogleClientSecret == "" {
		missing = append(missing, "GOOGLE_CLIENT_SECRET")
	}

	cfg.GoogleRedirectURL = os.Getenv("GOOGLE_REDIRECT_URL")
	if cfg.GoogleRedirectURL == "" {
		missing = append(missing, "GOOGLE_REDIRECT_URL")
	}

	cfg.SessionSecret = os.Getenv("SESSION_SECRET")
	if cfg.SessionSecret == "" {
		missing = append(missing, "SESSION_SECRET")
	}

	cfg.BaseURL = os.Getenv("BASE_URL")
	if cfg.BaseURL == "" {
		missing = append(missing, "BASE_URL")
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	// Optional fields with defaults
	cfg.DBMaxOpenConns = getEnvInt("DB_MAX_OPEN_CONNS", 25)
	cfg.DBMaxIdleConns = getEnvInt("DB_MAX_IDLE_CONNS", 5)
	cfg.SessionMaxAge = getEnvInt("SESSION_MAX_AGE", 86400)
	cfg.SessionCleanupInterval = getEnvDuration("SESSION_CLEANUP_INTERVAL", 24*time.Hour)
	cfg.RateLimitGeneral = getEnvInt("RATE_LIMIT_GENERAL", 120)
	cfg.RateLimitAI = getEnvInt("RATE_LIMIT_AI", 10)

	cfg.AICreditCost = getEnvInt64("AI_CREDIT_COST", 1)
	cfg.LLMBaseURL = strings.TrimRight(getEnvString("LLM_BASE_URL", "https://api.openai.com/v1"), "/")
	cfg.LLMAPIKey = os.Getenv("LLM_API_KEY")
	cfg.LLMModel = getEnvString("LLM_MODEL", "gpt-4o-mini")
	cfg.LLMTimeout = getEnvDuration("LLM_TIMEOUT", 60*time.Second)

	cfg.WebpayEnvironment = strings.ToLower(getEnvString("WEBPAY_ENVIRONMENT", "integration"))
	if cfg.WebpayEnvironment != "integration" && cfg.WebpayEnvironment != "production" {
		return nil, fmt.Errorf("WEBPAY_ENVIRONMENT must be integration or production, got %q", cfg.WebpayEnvironment)
	}
	cfg.WebpayCommerceCode = os.Getenv("WEBPAY_COMMERCE_CODE")
	cfg.WebpayAPIKey = os.Getenv("WEBPAY_API_KEY")
	if cfg.WebpayEnvironment == "production" && (cfg.WebpayCommerceCode == "" || cfg.WebpayAPIKey == "") {
		return nil, fmt.Errorf("WEBPAY_COMMERCE_CODE and WEBPAY_API_KEY are required in production")
	}
	cfg.WebpayBaseURL = os.Getenv("WEBPAY_BASE_URL")

	base := strings.TrimRight(cfg.BaseURL, "/")
	cfg.PaymentSuccessURL = getEnvString("PAYMENT_SUCCESS_URL", base+"/pago/exito")
	cfg.PaymentFailureURL = getEnvString("PAYMENT_FAILURE_URL", base+"/pago/error")

	cfg.CalendlyAPIToken = os.Getenv("CALENDLY_API_TOKEN")
	cfg.CalendlyWebhookSigningKey = os.Getenv("CALENDLY_WEBHOOK_SIGNING_KEY")
	cfg.CalendlySkipSignature = getEnvBool("CALENDLY_SKIP_SIGNATURE_VERIFICATION", false)
	cfg.CalendlySignatureTolerance = getEnvDuration("CALENDLY_SIGNATURE_TOLERANCE", 3*time.Minute)

	cfg.ProviderTimeout = getEnvDuration("PROVIDER_TIMEOUT", 10*time.Second)
	cfg.RefundRetryInterval = getEnvDuration("REFUND_RETRY_INTERVAL", 5*time.Minute)
	cfg.RefundRetryMaxAttempts = getEnvInt("REFUND_RETRY_MAX_ATTEMPTS", 10)

	cfg.LogLevel = getEnvString("LOG_LEVEL", "info")
	cfg.ServerPort = getEnvString("SERVER_PORT", "8080")
	cfg.WorkerMetricsPort = getEnvString("WORKER_METRICS_PORT", "9090")
	cfg.CookieSecure = strings.HasPrefix(cfg.BaseURL, "https://")
	cfg.CookieDomain = getEnvString("COOKIE_DOMAIN", "")
	cfg.CORSAllowedOrigin = getEnvString("CORS_ALLOWED_ORIGIN", "http://localhost:3000")

	return cfg, nil
}

// WebhookSignatureRequired は署名検証を行うかどうかを返す。
// スキップ指定が無い限り、署名キーが未設定でも検証を行い全件拒否する。
func (c *Config) WebhookSignatureRequired() bool {
	return !c.CalendlySkipSignature
}

func getEnvString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func getEnvInt64(key string, defaultVal int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return defaultVal
	}
	return i
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}

func getEnvBool(key string, defaultVal bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultVal
	}
	return b
}
