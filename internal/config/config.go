// Package config は環境変数からのアプリケーション設定読み込みを提供する。
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
	DatabaseURL string

	// CAS / 上流エンドポイント
	CASLoginURL     string // ログインフォーム兼チケット発行
	CASCaptchaURL   string // 検証コード画像
	CASPublicKeyURL string // パスワード暗号化用RSA公開鍵
	PortalService   string // CASのserviceパラメータに渡すポータルURL
	EduService      string // 教務システム有効化用のserviceURL
	ECardAPIURL     string // 一卡通残高API
	ProfileAPIURL   string // 個人情報API
	ScheduleAPIURL  string // 時間割取得エンドポイント
	GradesAPIURL    string // 成績一覧エンドポイント
	ScheduleMode    string // 教務システム固有の時間割表示パラメータ

	// 上流HTTP
	UpstreamTimeout time.Duration

	// キャッシュTTL
	ScheduleTTL time.Duration
	GradesTTL   time.Duration
	ProfileTTL  time.Duration

	// Rate Limit（req/min/クライアント）
	RateLimitLogin   int
	RateLimitCaptcha int
	RateLimitAPI     int

	// クリーンアップ
	ZombieSessionTimeout    time.Duration // 未ログインセッションの保持時間
	InactiveSessionTimeout  time.Duration // 非アクティブセッションの保持時間
	CacheRetention          time.Duration // キャッシュ行の最長保持時間
	CleanupInterval         time.Duration // ワーカーの実行間隔
	CleanupRunOnStart       bool

	// Server
	ServerPort        string
	CORSAllowedOrigin string
}

// Load は環境変数からConfigを読み込む。
// 必須環境変数が未設定の場合はまとめてエラーを返す。
func Load() (*Config, error) {
	cfg := &Config{}

	var missing []string

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.DatabaseURL == "" {
		missing = append(missing, "DATABASE_URL")
	}

	cfg.CASLoginURL = os.Getenv("CAS_LOGIN_URL")
	if cfg.CASLoginURL == "" {
		missing = append(missing, "CAS_LOGIN_URL")
	}

	cfg.PortalService = os.Getenv("PORTAL_SERVICE_URL")
	if cfg.PortalService == "" {
		missing = append(missing, "PORTAL_SERVICE_URL")
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	// CASの派生エンドポイントはログインURLから導出できる。個別上書きも可能。
	casBase := strings.TrimSuffix(cfg.CASLoginURL, "/login")
	cfg.CASCaptchaURL = getEnvString("CAS_CAPTCHA_URL", casBase+"/captcha.jpg")
	cfg.CASPublicKeyURL = getEnvString("CAS_PUBKEY_URL", casBase+"/jwt/publicKey")

	cfg.EduService = getEnvString("EDU_SERVICE_URL", "")
	cfg.ECardAPIURL = getEnvString("ECARD_API_URL", "")
	cfg.ProfileAPIURL = getEnvString("PROFILE_API_URL", "")
	cfg.ScheduleAPIURL = getEnvString("SCHEDULE_API_URL", "")
	cfg.GradesAPIURL = getEnvString("GRADES_API_URL", "")
	cfg.ScheduleMode = getEnvString("SCHEDULE_MODE_VALUE", "")

	cfg.UpstreamTimeout = getEnvDuration("UPSTREAM_TIMEOUT", 15*time.Second)

	cfg.ScheduleTTL = getEnvDuration("SCHEDULE_TTL", time.Hour)
	cfg.GradesTTL = getEnvDuration("GRADES_TTL", time.Hour)
	cfg.ProfileTTL = getEnvDuration("PROFILE_TTL", 30*24*time.Hour)

	cfg.RateLimitLogin = getEnvInt("RATE_LIMIT_LOGIN", 10)
	cfg.RateLimitCaptcha = getEnvInt("RATE_LIMIT_CAPTCHA", 20)
	cfg.RateLimitAPI = getEnvInt("RATE_LIMIT_API", 60)

	cfg.ZombieSessionTimeout = getEnvDuration("ZOMBIE_SESSION_TIMEOUT", 10*time.Minute)
	cfg.InactiveSessionTimeout = getEnvDuration("INACTIVE_SESSION_TIMEOUT", 90*24*time.Hour)
	cfg.CacheRetention = getEnvDuration("CACHE_RETENTION", 60*24*time.Hour)
	cfg.CleanupInterval = getEnvDuration("CLEANUP_INTERVAL", time.Hour)
	cfg.CleanupRunOnStart = getEnvString("CLEANUP_RUN_ON_START", "true") == "true"

	cfg.ServerPort = getEnvString("SERVER_PORT", "8080")
	cfg.CORSAllowedOrigin = getEnvString("CORS_ALLOWED_ORIGIN", "http://localhost:3000")

	return cfg, nil
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
