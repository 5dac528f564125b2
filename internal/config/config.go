package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// レベル表の取得元
const (
	LevelSourceStatic = "static"
	LevelSourceRemote = "remote"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Database
	DatabaseURL string

	// Remote record store
	PocketBaseURL    string
	RemoteTimeout    time.Duration
	FetchRetryDelays []time.Duration

	// Redis
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// Session
	SessionMaxAge        int // 秒
	SessionRetentionDays int
	SessionIdleTimeout   time.Duration // メモリ上の画面状態を破棄するまでの無操作時間

	// Domain
	MinWithdrawal   float64
	ReferralBaseURL string
	DefaultTimezone string
	LevelSource     string
	LevelCacheTTL   time.Duration
	StaleOnFailure  bool
	RememberTTL     time.Duration
	CaptchaTTL      time.Duration

	// Rate Limit（req/min）
	RateLimitGeneral    int
	RateLimitWithdrawal int

	// Logging
	LogLevel string

	// Server
	ServerPort string
	BaseURL    string

	// Cookie
	CookieSecure bool
	CookieDomain string

	// CORS
	CORSAllowedOrigin string
}

// Load は環境変数からConfigを読み込む。
// 必須環境変数が未設定の場合、または値が不正な場合はエラーを返す。
func Load() (*Config, error) {
	cfg := &Config{}

	// Required fields
	var missing []string

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.DatabaseURL == "" {
		missing = append(missing, "DATABASE_URL")
	}

	cfg.PocketBaseURL = os.Getenv("PB_URL")
	if cfg.PocketBaseURL == "" {
		missing = append(missing, "PB_URL")
	}

	cfg.BaseURL = os.Getenv("BASE_URL")
	if cfg.BaseURL == "" {
		missing = append(missing, "BASE_URL")
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	// Optional fields with defaults
	cfg.ServerPort = getEnvString("SERVER_PORT", "8080")
	cfg.RedisAddr = getEnvString("REDIS_ADDR", "localhost:6379")
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	cfg.RedisDB = getEnvInt("REDIS_DB", 0)
	cfg.SessionMaxAge = getEnvInt("SESSION_MAX_AGE", 604800)
	cfg.SessionRetentionDays = getEnvInt("SESSION_RETENTION_DAYS", 30)
	cfg.SessionIdleTimeout = getEnvDuration("SESSION_IDLE_TIMEOUT", 30*time.Minute)
	cfg.RemoteTimeout = getEnvDuration("REMOTE_TIMEOUT", 10*time.Second)
	cfg.FetchRetryDelays = getEnvDurations("FETCH_RETRY_DELAYS",
		[]time.Duration{1 * time.Second, 3 * time.Second, 5 * time.Second})
	cfg.MinWithdrawal = getEnvFloat("MIN_WITHDRAWAL", 1000)
	cfg.ReferralBaseURL = getEnvString("REFERRAL_BASE_URL", "https://zenithagency.com/ref/")
	cfg.DefaultTimezone = getEnvString("DEFAULT_TIMEZONE", "Africa/Nairobi")
	cfg.LevelSource = strings.ToLower(getEnvString("LEVEL_SOURCE", LevelSourceStatic))
	cfg.LevelCacheTTL = getEnvDuration("LEVEL_CACHE_TTL", 10*time.Minute)
	cfg.StaleOnFailure = getEnvBool("STALE_ON_FAILURE", true)
	cfg.RememberTTL = getEnvDuration("REMEMBER_TTL", 90*24*time.Hour)
	cfg.CaptchaTTL = getEnvDuration("CAPTCHA_TTL", 5*time.Minute)
	cfg.RateLimitGeneral = getEnvInt("RATE_LIMIT_GENERAL", 120)
	cfg.RateLimitWithdrawal = getEnvInt("RATE_LIMIT_WITHDRAWAL", 5)
	cfg.LogLevel = getEnvString("LOG_LEVEL", "info")
	cfg.CookieSecure = strings.HasPrefix(cfg.BaseURL, "https://")
	cfg.CookieDomain = getEnvString("COOKIE_DOMAIN", "")
	cfg.CORSAllowedOrigin = getEnvString("CORS_ALLOWED_ORIGIN", "")

	if cfg.LevelSource != LevelSourceStatic && cfg.LevelSource != LevelSourceRemote {
		return nil, fmt.Errorf("LEVEL_SOURCE must be %q or %q, got %q", LevelSourceStatic, LevelSourceRemote, cfg.LevelSource)
	}
	if _, err := time.LoadLocation(cfg.DefaultTimezone); err != nil {
		return nil, fmt.Errorf("invalid DEFAULT_TIMEZONE %q: %w", cfg.DefaultTimezone, err)
	}

	return cfg, nil
}

// Location はDEFAULT_TIMEZONEのタイムゾーンを返す。Loadで検証済みのため失敗時はUTCを返す。
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.DefaultTimezone)
	if err != nil {
		return time.UTC
	}
	return loc
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

func getEnvFloat(key string, defaultVal float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || f <= 0 {
		return defaultVal
	}
	return f
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

// getEnvDurations はカンマ区切りの期間リストを読み込む。1つでも不正な値があればデフォルト値を返す。
func getEnvDurations(key string, defaultVal []time.Duration) []time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	var out []time.Duration
	for _, part := range strings.Split(v, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		d, err := time.ParseDuration(part)
		if err != nil || d < 0 {
			return defaultVal
		}
		out = append(out, d)
	}
	return out
}
