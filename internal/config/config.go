package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// DeliveryMode は配信モードを表す。
type DeliveryMode string

const (
	// ModeIndividual は各ユーザーが自身の予定の要約を受け取るモード。
	ModeIndividual DeliveryMode = "individual"
	// ModeBroadcast は1人の配信元ユーザーの予定を全受信者に送るモード。
	ModeBroadcast DeliveryMode = "broadcast"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Database
	DatabaseURL string

	// OAuth
	GoogleClientID     string
	GoogleClientSecret string
	GoogleRedirectURL  string

	// Session
	SessionSecret string
	SessionMaxAge int

	// Encryption
	EncryptionSecret string

	// Generation
	GeminiAPIKey string

	// Admin
	AdminEmails []string

	// Scheduler
	DailyHourUTC        int
	SchedulerPoll       time.Duration
	DeliverMaxConcurrent int
	DefaultMode         DeliveryMode
	CanonicalTimezone   string

	// Delivery timeouts
	FetchTimeout    time.Duration
	GenerateTimeout time.Duration
	SendTimeout     time.Duration

	// Retention
	RunLogRetentionDays int
	JobRetentionDays    int

	// Rate Limit
	RateLimitGeneral int
	RateLimitTrigger int

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

	cfg.EncryptionSecret = os.Getenv("ENCRYPTION_SECRET")
	if cfg.EncryptionSecret == "" {
		missing = append(missing, "ENCRYPTION_SECRET")
	}

	cfg.GeminiAPIKey = os.Getenv("GEMINI_API_KEY")
	if cfg.GeminiAPIKey == "" {
		missing = append(missing, "GEMINI_API_KEY")
	}

	cfg.BaseURL = os.Getenv("BASE_URL")
	if cfg.BaseURL == "" {
		missing = append(missing, "BASE_URL")
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	// Optional fields with defaults
	cfg.SessionMaxAge = getEnvInt("SESSION_MAX_AGE", 86400)
	cfg.AdminEmails = splitEmails(os.Getenv("ADMIN_EMAILS"))
	cfg.DailyHourUTC = getEnvInt("DAILY_HOUR_UTC", 0)
	if cfg.DailyHourUTC < 0 || cfg.DailyHourUTC > 23 {
		return nil, fmt.Errorf("DAILY_HOUR_UTC must be between 0 and 23: %d", cfg.DailyHourUTC)
	}
	cfg.SchedulerPoll = getEnvDuration("SCHEDULER_POLL_INTERVAL", time.Minute)
	cfg.DeliverMaxConcurrent = getEnvInt("DELIVER_MAX_CONCURRENT", 4)
	cfg.DefaultMode = ModeIndividual
	if getEnvString("DELIVERY_MODE", "individual") == string(ModeBroadcast) {
		cfg.DefaultMode = ModeBroadcast
	}
	cfg.CanonicalTimezone = getEnvString("CANONICAL_TIMEZONE", "UTC")
	cfg.FetchTimeout = getEnvDuration("FETCH_TIMEOUT", 10*time.Second)
	cfg.GenerateTimeout = getEnvDuration("GENERATE_TIMEOUT", 20*time.Second)
	cfg.SendTimeout = getEnvDuration("SEND_TIMEOUT", 15*time.Second)
	cfg.RunLogRetentionDays = getEnvInt("RUNLOG_RETENTION_DAYS", 90)
	cfg.JobRetentionDays = getEnvInt("JOB_RETENTION_DAYS", 30)
	cfg.RateLimitGeneral = getEnvInt("RATE_LIMIT_GENERAL", 120)
	cfg.RateLimitTrigger = getEnvInt("RATE_LIMIT_TRIGGER", 10)
	cfg.ServerPort = getEnvString("SERVER_PORT", "8080")
	cfg.CookieSecure = strings.HasPrefix(cfg.BaseURL, "https://")
	cfg.CookieDomain = getEnvString("COOKIE_DOMAIN", "")
	cfg.CORSAllowedOrigin = getEnvString("CORS_ALLOWED_ORIGIN", "http://localhost:3000")

	return cfg, nil
}

// splitEmails はカンマ区切りのメールアドレスリストを正規化して分割する。
func splitEmails(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	emails := make([]string, 0, len(parts))
	for _, p := range parts {
		e := strings.ToLower(strings.TrimSpace(p))
		if e != "" {
			emails = append(emails, e)
		}
	}
	return emails
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
