package middleware

import (
	"log/slog"
	"math"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiterConfig はレート制限の設定を保持する。
type RateLimiterConfig struct {
	GeneralRate     rate.Limit    // 認証済みAPI全般のレート（req/sec）
	GeneralBurst    int           // API全般のバーストサイズ
	AIRate          rate.Limit    // AI生成のレート（req/sec）
	AIBurst         int           // AI生成のバーストサイズ
	CleanupInterval time.Duration // 期限切れエントリのクリーンアップ間隔
}

// DefaultRateLimiterConfig はデフォルトのレート制限設定を返す。
// API全般 120 req/min/user、AI生成 10 req/min/user。
func DefaultRateLimiterConfig() RateLimiterConfig {
	return RateLimiterConfig{
		GeneralRate:     rate.Limit(120.0 / 60.0),
		GeneralBurst:    120,
		AIRate:          rate.Limit(10.0 / 60.0),
		AIBurst:         10,
		CleanupInterval: 5 * time.Minute,
	}
}

const (
	limitTypeGeneral = "general"
	limitTypeAI      = "ai_generation"
)

// limiterPool はユーザーIDごとのトークンバケットを保持する。
type limiterPool struct {
	limit rate.Limit
	burst int
	now   func() time.Time

	mu      sync.Mutex
	entries map[string]*poolEntry
}

type poolEntry struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

func newLimiterPool(limit rate.Limit, burst int) *limiterPool {
	return &limiterPool{
		limit:   limit,
		burst:   burst,
		now:     time.Now,
		entries: make(map[string]*poolEntry),
	}
}

// allow はトークンを1つ消費できればtrueを返す。
// 拒否した場合は次のトークンが補充されるまでの秒数を返す。
func (p *limiterPool) allow(userID string) (bool, int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	e, ok := p.entries[userID]
	if !ok {
		e = &poolEntry{limiter: rate.NewLimiter(p.limit, p.burst)}
		p.entries[userID] = e
	}
	e.lastAccess = now

	if e.limiter.AllowN(now, 1) {
		return true, 0
	}
	return false, retryAfterSeconds(e.limiter.TokensAt(now), p.limit)
}

// evictIdle は最終アクセスからttl以上経過したエントリを削除する。
func (p *limiterPool) evictIdle(ttl time.Duration) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	removed := 0
	for userID, e := range p.entries {
		if now.Sub(e.lastAccess) > ttl {
			delete(p.entries, userID)
			removed++
		}
	}
	return removed
}

func (p *limiterPool) len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

// retryAfterSeconds は残りトークン数から、1トークン貯まるまでの秒数を切り上げで求める。
func retryAfterSeconds(tokens float64, limit rate.Limit) int {
	if limit <= 0 || limit == rate.Inf {
		return 1
	}
	missing := 1 - tokens
	if missing <= 0 {
		return 1
	}
	sec := int(math.Ceil(missing / float64(limit)))
	if sec < 1 {
		sec = 1
	}
	return sec
}

// RateLimiter はユーザーごとのレート制限を管理する。
// API全般とAI生成の2種類のバケットを独立に持つ。
type RateLimiter struct {
	config  RateLimiterConfig
	general *limiterPool
	ai      *limiterPool

	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewRateLimiter は新しいRateLimiterを生成する。
// バックグラウンドで使われなくなったエントリの掃除を開始する。
func NewRateLimiter(config RateLimiterConfig) *RateLimiter {
	if config.CleanupInterval <= 0 {
		config.CleanupInterval = DefaultRateLimiterConfig().CleanupInterval
	}

	rl := &RateLimiter{
		config:  config,
		general: newLimiterPool(config.GeneralRate, config.GeneralBurst),
		ai:      newLimiterPool(config.AIRate, config.AIBurst),
		stopCh:  make(chan struct{}),
	}

	go rl.cleanupLoop()

	return rl
}

// Stop はクリーンアップのゴルーチンを停止する。複数回呼んでもよい。
func (rl *RateLimiter) Stop() {
	rl.stopOnce.Do(func() { close(rl.stopCh) })
}

// GeneralMiddleware は認証済みAPI全般のレート制限ミドルウェアを返す。
// SessionMiddlewareの後に配置する。
func (rl *RateLimiter) GeneralMiddleware() func(next http.Handler) http.Handler {
	return rl.middleware(rl.general, limitTypeGeneral)
}

// AIGenerationMiddleware はAI生成専用のレート制限ミドルウェアを返す。
// 上流のCSRF検証で拒否されたリクエストはここまで届かないため、枠を消費しない。
func (rl *RateLimiter) AIGenerationMiddleware() func(next http.Handler) http.Handler {
	return rl.middleware(rl.ai, limitTypeAI)
}

func (rl *RateLimiter) middleware(pool *limiterPool, limitType string) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID, err := UserIDFromContext(r.Context())
			if err != nil {
				writeUnauthorized(w)
				return
			}

			ok, retryAfter := pool.allow(userID)
			if !ok {
				slog.Warn("rate limit exceeded",
					slog.String("user_id", userID),
					slog.String("limit_type", limitType),
					slog.Int("retry_after_sec", retryAfter),
				)
				WriteRateLimited(w, retryAfter)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// GeneralLimiterCount は管理中のAPI全般バケット数を返す。
func (rl *RateLimiter) GeneralLimiterCount() int {
	return rl.general.len()
}

// AILimiterCount は管理中のAI生成バケット数を返す。
func (rl *RateLimiter) AILimiterCount() int {
	return rl.ai.len()
}

func (rl *RateLimiter) cleanupLoop() {
	ticker := time.NewTicker(rl.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.cleanup()
		case <-rl.stopCh:
			return
		}
	}
}

// cleanup は最終アクセスからCleanupIntervalの2倍を超えたバケットを捨てる。
func (rl *RateLimiter) cleanup() {
	ttl := rl.config.CleanupInterval * 2
	removed := rl.general.evictIdle(ttl) + rl.ai.evictIdle(ttl)
	if removed > 0 {
		slog.Debug("rate limiter entries evicted", slog.Int("count", removed))
	}
}
