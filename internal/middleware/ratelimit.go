package middleware

import (
	"encoding/json"
	"log/slog"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiterConfig はレート制限の設定を保持する。
// ログインと検証コードは認証前なのでクライアントIP単位、
// データAPIは認証後なので学籍番号単位で数える。
type RateLimiterConfig struct {
	LoginRate       rate.Limit    // ログイン試行のレート（req/sec）
	LoginBurst      int           // ログイン試行のバーストサイズ
	CaptchaRate     rate.Limit    // 検証コード取得のレート（req/sec）
	CaptchaBurst    int           // 検証コード取得のバーストサイズ
	APIRate         rate.Limit    // データAPIのレート（req/sec）
	APIBurst        int           // データAPIのバーストサイズ
	CleanupInterval time.Duration // 期限切れエントリのクリーンアップ間隔
}

// DefaultRateLimiterConfig はデフォルトのレート制限設定を返す。
// 要件: ログイン 10 req/min/IP、検証コード 20 req/min/IP、API 60 req/min/user
func DefaultRateLimiterConfig() RateLimiterConfig {
	return RateLimiterConfig{
		LoginRate:       rate.Limit(10.0 / 60.0),
		LoginBurst:      10,
		CaptchaRate:     rate.Limit(20.0 / 60.0),
		CaptchaBurst:    20,
		APIRate:         rate.Limit(60.0 / 60.0), // 1 req/sec
		APIBurst:        60,
		CleanupInterval: 5 * time.Minute,
	}
}

// keyedLimiter はキーごとのレートリミッターとアクセス時刻を保持する。
type keyedLimiter struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// limiterBucket は1つの制限クラスのリミッター群を管理する。
type limiterBucket struct {
	mu       sync.RWMutex
	limiters map[string]*keyedLimiter
	rate     rate.Limit
	burst    int
}

func newLimiterBucket(r rate.Limit, burst int) *limiterBucket {
	return &limiterBucket{
		limiters: make(map[string]*keyedLimiter),
		rate:     r,
		burst:    burst,
	}
}

// getOrCreate はキーのリミッターを取得または作成する。
func (b *limiterBucket) getOrCreate(key string) *rate.Limiter {
	b.mu.RLock()
	kl, exists := b.limiters[key]
	b.mu.RUnlock()

	if exists {
		b.mu.Lock()
		kl.lastAccess = time.Now()
		b.mu.Unlock()
		return kl.limiter
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	// ダブルチェック
	if kl, exists := b.limiters[key]; exists {
		kl.lastAccess = time.Now()
		return kl.limiter
	}

	limiter := rate.NewLimiter(b.rate, b.burst)
	b.limiters[key] = &keyedLimiter{
		limiter:    limiter,
		lastAccess: time.Now(),
	}
	return limiter
}

// count は現在のエントリ数を返す。
func (b *limiterBucket) count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.limiters)
}

// cleanup は最終アクセスがttlを超えたエントリを削除する。
func (b *limiterBucket) cleanup(now time.Time, ttl time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for key, kl := range b.limiters {
		if now.Sub(kl.lastAccess) > ttl {
			delete(b.limiters, key)
		}
	}
}

// RateLimiter はクラスごと・キーごとのレート制限を管理する。
// グローバル変数は持たず、依存として注入して使う。
type RateLimiter struct {
	config  RateLimiterConfig
	login   *limiterBucket
	captcha *limiterBucket
	api     *limiterBucket
	stopCh  chan struct{}
}

// NewRateLimiter は新しいRateLimiterを生成する。
// バックグラウンドで期限切れエントリのクリーンアップを開始する。
func NewRateLimiter(config RateLimiterConfig) *RateLimiter {
	rl := &RateLimiter{
		config:  config,
		login:   newLimiterBucket(config.LoginRate, config.LoginBurst),
		captcha: newLimiterBucket(config.CaptchaRate, config.CaptchaBurst),
		api:     newLimiterBucket(config.APIRate, config.APIBurst),
		stopCh:  make(chan struct{}),
	}

	go rl.cleanupLoop()

	return rl
}

// Stop はクリーンアップのバックグラウンドゴルーチンを停止する。
func (rl *RateLimiter) Stop() {
	close(rl.stopCh)
}

// LoginMiddleware はログイン試行のレート制限ミドルウェアを返す。クライアントIP単位。
func (rl *RateLimiter) LoginMiddleware() func(next http.Handler) http.Handler {
	return rl.ipLimitMiddleware(rl.login, "login")
}

// CaptchaMiddleware は検証コード取得のレート制限ミドルウェアを返す。クライアントIP単位。
func (rl *RateLimiter) CaptchaMiddleware() func(next http.Handler) http.Handler {
	return rl.ipLimitMiddleware(rl.captcha, "captcha")
}

// APIMiddleware はデータAPIのレート制限ミドルウェアを返す。
// リクエストコンテキストに学籍番号が必要（SessionMiddlewareの後に配置）。
func (rl *RateLimiter) APIMiddleware() func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			studentID, err := StudentIDFromContext(r.Context())
			if err != nil {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}

			if !rl.api.getOrCreate(studentID).Allow() {
				writeRateLimitResponse(w, rl.api.rate)
				slog.Warn("rate limit exceeded",
					slog.String("limit_type", "api"),
				)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// APILimiterCount は現在管理されているAPIリミッターのエントリ数を返す。
// テストおよびメトリクス用。
func (rl *RateLimiter) APILimiterCount() int {
	return rl.api.count()
}

func (rl *RateLimiter) ipLimitMiddleware(bucket *limiterBucket, limitType string) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := ClientIP(r)

			if !bucket.getOrCreate(ip).Allow() {
				writeRateLimitResponse(w, bucket.rate)
				slog.Warn("rate limit exceeded",
					slog.String("limit_type", limitType),
					slog.String("ip", ip),
				)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// cleanupLoop はバックグラウンドで期限切れエントリを定期的にクリーンアップする。
func (rl *RateLimiter) cleanupLoop() {
	ticker := time.NewTicker(rl.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.cleanupAll()
		case <-rl.stopCh:
			return
		}
	}
}

// cleanupAll は最終アクセス時刻がCleanupIntervalの2倍を超えたエントリを削除する。
func (rl *RateLimiter) cleanupAll() {
	ttl := rl.config.CleanupInterval * 2
	now := time.Now()
	rl.login.cleanup(now, ttl)
	rl.captcha.cleanup(now, ttl)
	rl.api.cleanup(now, ttl)
}

// ClientIP はリクエスト元IPを返す。プロキシ背後の場合は
// X-Forwarded-Forの先頭を採用する。
func ClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// writeRateLimitResponse は429 Too Many Requestsレスポンスを書き込む。
// Retry-Afterヘッダーにはトークンが補充されるまでの推定秒数を設定する。
func writeRateLimitResponse(w http.ResponseWriter, r rate.Limit) {
	// Retry-Afterの算出: 1トークンが補充されるまでの秒数
	retryAfterSec := int(math.Ceil(1.0 / float64(r)))
	if retryAfterSec < 1 {
		retryAfterSec = 1
	}

	w.Header().Set("Retry-After", strconv.Itoa(retryAfterSec))
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusTooManyRequests)

	json.NewEncoder(w).Encode(map[string]string{
		"code":     "rate_limit_exceeded",
		"message":  "Too many requests. Please try again later.",
		"category": "system",
		"action":   "Please wait and retry after the specified time.",
	})
}
