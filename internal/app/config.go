package app

import (
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	HTTPAddr          string
	RequestTimeout    time.Duration
	PageTimeout       time.Duration
	LogLevel          string
	LogFormat         string
	UserAgent         string
	CanonicalEndpoint string
	MirrorHubEndpoint string
	PostgresURL       string
	RedisURL          string
	SyncSecret        string
	SyncBatchSize     int
	SyncRateLimit     time.Duration
	LiveCacheTTL      time.Duration
	CacheDisabled     bool
	PageBatchSize     int
	MaxPagesPerSource int
	Environment       string
	OTLPEndpoint      string
	OTLPInsecure      bool
}

func LoadConfig() Config {
	return Config{
		HTTPAddr:          getEnv("HTTP_ADDR", ":8080"),
		RequestTimeout:    time.Duration(getEnvInt("SEARCH_TIMEOUT_SECONDS", 20)) * time.Second,
		PageTimeout:       time.Duration(getEnvInt("PAGE_TIMEOUT_SECONDS", 8)) * time.Second,
		LogLevel:          strings.ToLower(getEnv("LOG_LEVEL", "info")),
		LogFormat:         strings.ToLower(getEnv("LOG_FORMAT", "text")),
		UserAgent:         getEnv("CATALOG_USER_AGENT", "mangastream-catalog/1.0"),
		CanonicalEndpoint: getEnv("CANONICAL_API_ENDPOINT", "https://api.mangadex.org"),
		MirrorHubEndpoint: getEnv("MIRRORHUB_API_ENDPOINT", "https://api.mirrorhub.to/manga"),
		PostgresURL:       getEnv("DATABASE_URL", ""),
		RedisURL:          getEnv("REDIS_URL", ""),
		SyncSecret:        strings.TrimSpace(os.Getenv("SYNC_SECRET")),
		SyncBatchSize:     getEnvInt("SYNC_BATCH_SIZE", 100),
		SyncRateLimit:     time.Duration(getEnvInt("SYNC_RATE_LIMIT_MS", 500)) * time.Millisecond,
		LiveCacheTTL:      time.Duration(getEnvInt("LIVE_CACHE_TTL_MINUTES", 10)) * time.Minute,
		CacheDisabled:     getEnvBool("LIVE_CACHE_DISABLED", false),
		PageBatchSize:     getEnvInt("AGGREGATION_PAGE_BATCH", 10),
		MaxPagesPerSource: getEnvInt("AGGREGATION_MAX_PAGES", 50),
		Environment:       strings.ToLower(getEnv("DEPLOY_ENV", "development")),
		OTLPEndpoint:      getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		OTLPInsecure:      getEnvBool("OTEL_EXPORTER_OTLP_INSECURE", true),
	}
}

func getEnv(key, fallback string) string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	return value
}

func getEnvInt(key string, fallback int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(raw)
	if err != nil || parsed <= 0 {
		return fallback
	}
	return parsed
}

func getEnvBool(key string, fallback bool) bool {
	raw := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	if raw == "" {
		return fallback
	}
	switch raw {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}
