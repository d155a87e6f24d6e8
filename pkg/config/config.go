package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds environment-driven settings for the bot engine.
type Config struct {
	Port string

	// Storage
	DBPath     string
	JournalDir string // empty keeps intents in memory

	// Bots
	ProfilesPath       string
	AutoStart          []string // user ids started at boot, besides profiles marked autostart
	PaperBalance       float64  // initial paper balance when a profile sets none
	DefaultPoll        time.Duration
	SignalMaxAge       time.Duration // active signals older than this expire
	PoolHealthInterval time.Duration
	ShutdownTimeout    time.Duration

	// API. An empty JWTSecret disables token checks.
	JWTSecret   string
	CORSOrigins []string
	RateLimit   float64 // requests per second per client IP

	// Localization
	Language string // "en" or "zh"
}

// Load reads environment variables (optionally via .env) into Config.
func Load() (*Config, error) {
	// Ignore error so the app still starts when .env is missing.
	_ = godotenv.Load()

	// Database path: prefer DB_PATH, then DATABASE_PATH for backward compatibility.
	dbPath := getEnv("DB_PATH", "")
	if dbPath == "" {
		dbPath = getEnv("DATABASE_PATH", "./data/signalist.db")
	}

	return &Config{
		Port:               getEnv("PORT", "8080"),
		DBPath:             dbPath,
		JournalDir:         getEnv("JOURNAL_DIR", "./data/journal"),
		ProfilesPath:       getEnv("BOT_PROFILES_PATH", "./bots.yaml"),
		AutoStart:          splitAndTrim(getEnv("BOT_AUTOSTART", "")),
		PaperBalance:       getEnvFloat("PAPER_INITIAL_BALANCE", 10000),
		DefaultPoll:        getEnvDuration("BOT_POLL_INTERVAL", 5*time.Second),
		SignalMaxAge:       getEnvDuration("SIGNAL_MAX_AGE", 10*time.Minute),
		PoolHealthInterval: getEnvDuration("POOL_HEALTH_INTERVAL", 30*time.Second),
		ShutdownTimeout:    getEnvDuration("SHUTDOWN_TIMEOUT", 30*time.Second),
		JWTSecret:          os.Getenv("JWT_SECRET"),
		CORSOrigins:        splitAndTrim(getEnv("API_CORS_ORIGINS", "")),
		RateLimit:          getEnvFloat("API_RATE_LIMIT", 20),
		Language:           strings.ToLower(getEnv("LANGUAGE", "en")),
	}, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func splitAndTrim(val string) []string {
	parts := strings.Split(val, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
