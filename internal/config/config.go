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

	// OAuth
	OAuthClientID     string
	OAuthClientSecret string
	OAuthAuthURL      string
	OAuthTokenURL     string
	OAuthRedirectURL  string
	OAuthScopes       []string

	// Admin
	AdminToken string

	// Session coordination
	LoginTimeout         time.Duration
	ProcessingStaleAfter time.Duration
	TimeoutSweepInterval time.Duration
	TimeoutSweepMargin   time.Duration
	StateTTL             time.Duration

	// Durable store
	DurableTimeout          time.Duration
	DurableRetryInterval    time.Duration
	DurableRetryConcurrency int

	// Proactive notification
	NotifyTimeout      time.Duration
	NotifyAllowedHosts []string
	NotifyAllowHTTP    bool
	BotAppID           string
	BotAppSecret       string
	BotTokenURL        string
	BotTokenScope      string

	// Rate Limit
	RateLimitMessages int

	// Event history
	EventRetentionDays int

	// Server
	ServerPort    string
	PublicBaseURL string
	CookieSecure  bool

	// Logging
	LogLevel string
}

// Load は環境変数からConfigを読み込む。
// 必須環境変数が未設定の場合はエラーを返す。
func Load() (*Config, error) {
	cfg := &Config{}

	// Required fields
	var missing []string
	required := func(key string) string {
		v := os.Getenv(key)
		if v == "" {
			missing = append(missing, key)
		}
		return v
	}

	cfg.DatabaseURL = required("DATABASE_URL")
	cfg.OAuthClientID = required("OAUTH_CLIENT_ID")
	cfg.OAuthClientSecret = required("OAUTH_CLIENT_SECRET")
	cfg.OAuthAuthURL = required("OAUTH_AUTH_URL")
	cfg.OAuthTokenURL = required("OAUTH_TOKEN_URL")
	cfg.OAuthRedirectURL = required("OAUTH_REDIRECT_URL")
	cfg.AdminToken = required("ADMIN_TOKEN")

	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	// Optional fields with defaults
	cfg.OAuthScopes = strings.Fields(getEnvString("OAUTH_SCOPES", "openid email profile"))
	cfg.LoginTimeout = getEnvDuration("LOGIN_TIMEOUT", 120*time.Second)
	cfg.ProcessingStaleAfter = getEnvDuration("PROCESSING_STALE_AFTER", 30*time.Second)
	cfg.TimeoutSweepInterval = getEnvDuration("TIMEOUT_SWEEP_INTERVAL", 5*time.Minute)
	cfg.TimeoutSweepMargin = getEnvDuration("TIMEOUT_SWEEP_MARGIN", 30*time.Second)
	cfg.StateTTL = getEnvDuration("OAUTH_STATE_TTL", 10*time.Minute)
	cfg.DurableTimeout = getEnvDuration("DURABLE_TIMEOUT", 2*time.Second)
	cfg.DurableRetryInterval = getEnvDuration("DURABLE_RETRY_INTERVAL", 30*time.Second)
	cfg.DurableRetryConcurrency = getEnvInt("DURABLE_RETRY_CONCURRENCY", 4)
	cfg.NotifyTimeout = getEnvDuration("NOTIFY_TIMEOUT", 10*time.Second)
	cfg.NotifyAllowedHosts = getEnvList("NOTIFY_ALLOWED_HOSTS")
	cfg.NotifyAllowHTTP = getEnvBool("NOTIFY_ALLOW_HTTP", false)
	cfg.BotAppID = getEnvString("BOT_APP_ID", "")
	cfg.BotAppSecret = getEnvString("BOT_APP_SECRET", "")
	cfg.BotTokenURL = getEnvString("BOT_TOKEN_URL", "")
	cfg.BotTokenScope = getEnvString("BOT_TOKEN_SCOPE", "")
	cfg.RateLimitMessages = getEnvInt("RATE_LIMIT_MESSAGES", 60)
	cfg.EventRetentionDays = getEnvInt("EVENT_RETENTION_DAYS", 14)
	cfg.ServerPort = getEnvString("SERVER_PORT", "8080")
	cfg.PublicBaseURL = strings.TrimRight(getEnvString("PUBLIC_BASE_URL", "http://localhost:"+cfg.ServerPort), "/")
	cfg.CookieSecure = strings.HasPrefix(cfg.PublicBaseURL, "https://")
	cfg.LogLevel = getEnvString("LOG_LEVEL", "info")

	if cfg.BotAppID != "" && (cfg.BotAppSecret == "" || cfg.BotTokenURL == "") {
		return nil, fmt.Errorf("BOT_APP_SECRET and BOT_TOKEN_URL are required when BOT_APP_ID is set")
	}

	return cfg, nil
}

// BotCredentialsConfigured はプロアクティブ送信用のボット資格情報が設定されているかを返す。
func (c *Config) BotCredentialsConfigured() bool {
	return c.BotAppID != ""
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
	if err != nil || d <= 0 {
		return defaultVal
	}
	return d
}

// getEnvList はカンマ区切りの値を空白を除いて分割する。
func getEnvList(key string) []string {
	var out []string
	for _, s := range strings.Split(os.Getenv(key), ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
