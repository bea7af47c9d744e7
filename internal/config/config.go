package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/fx"
)

// Config holds application configuration.
type Config struct {
	AppName     string
	AppVersion  string
	Environment string
	HTTPAddr    string

	OTLPEndpoint string

	DBType            string
	DBHost            string
	DBPort            string
	DBName            string
	DBUser            string
	DBPassword        string
	DBSSLMode         string
	DBMaxIdleConn     int
	DBMaxOpenConn     int
	DBConnMaxLifetime int
	DBConnMaxIdleTime int

	RecordStore RecordStoreConfig
	Redis       RedisConfig
	Files       FilesConfig
	Notify      NotifyConfig

	// ViewerTimezone is the IANA zone used for day grouping when the caller
	// does not send its own.
	ViewerTimezone string
	TimelineConfig string

	// SeedDemo creates a sample project on startup when the store is empty.
	SeedDemo bool
}

type RecordStoreConfig struct {
	Backend    string
	BaseURL    string
	Token      string
	MaxRetries int
	Timeout    time.Duration
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	LockTTL  time.Duration
}

type FilesConfig struct {
	BaseURL      string
	GCSBucket    string
	GCSAccessID  string
	GCSKeyFile   string
	SignedURLTTL time.Duration
	CacheSize    int
}

type NotifyConfig struct {
	WebhookURL string
}

const (
	RecordStoreGorm = "gorm"
	RecordStoreHTTP = "http"
)

// Load loads configuration from environment variables and .env file.
func Load() Config {
	_ = godotenv.Load()

	return Config{
		AppName:           getenv("APP_SERVICE", "worksite"),
		AppVersion:        getenv("APP_VERSION", "0.1.0"),
		Environment:       getenv("ENVIRONMENT", "development"),
		HTTPAddr:          getenv("HTTP_ADDR", ":8080"),
		OTLPEndpoint:      getenv("OTLP_ENDPOINT", "localhost:4317"),
		DBType:            getenv("DATABASE_TYPE", "sqlite"),
		DBHost:            getenv("DATABASE_HOST", "localhost"),
		DBPort:            getenv("DATABASE_PORT", "5432"),
		DBName:            getenv("DATABASE_NAME", "worksite"),
		DBUser:            getenv("DATABASE_USER", "postgres"),
		DBPassword:        getenv("DATABASE_PASSWORD", ""),
		DBSSLMode:         getenv("DATABASE_SSLMODE", "disable"),
		DBMaxIdleConn:     getenvInt("DATABASE_MAX_IDLE_CONN", 5),
		DBMaxOpenConn:     getenvInt("DATABASE_MAX_OPEN_CONN", 20),
		DBConnMaxLifetime: getenvInt("DATABASE_CONN_MAX_LIFETIME", 300),
		DBConnMaxIdleTime: getenvInt("DATABASE_CONN_MAX_IDLE_TIME", 60),
		RecordStore: RecordStoreConfig{
			Backend:    normalizeBackend(getenv("RECORD_STORE_BACKEND", RecordStoreGorm)),
			BaseURL:    strings.TrimRight(strings.TrimSpace(getenv("RECORD_STORE_URL", "")), "/"),
			Token:      strings.TrimSpace(getenv("RECORD_STORE_TOKEN", "")),
			MaxRetries: getenvInt("RECORD_STORE_MAX_RETRIES", 3),
			Timeout:    getenvDuration("RECORD_STORE_TIMEOUT", 15*time.Second),
		},
		Redis: RedisConfig{
			Addr:     strings.TrimSpace(getenv("REDIS_ADDR", "")),
			Password: getenv("REDIS_PASSWORD", ""),
			DB:       getenvInt("REDIS_DB", 0),
			LockTTL:  getenvDuration("MUTATION_LOCK_TTL", 30*time.Second),
		},
		Files: FilesConfig{
			BaseURL:      strings.TrimSpace(getenv("FILES_BASE_URL", "")),
			GCSBucket:    strings.TrimSpace(getenv("FILES_GCS_BUCKET", "")),
			GCSAccessID:  strings.TrimSpace(getenv("FILES_GCS_ACCESS_ID", "")),
			GCSKeyFile:   strings.TrimSpace(getenv("FILES_GCS_KEY_FILE", "")),
			SignedURLTTL: getenvDuration("FILES_SIGNED_URL_TTL", 15*time.Minute),
			CacheSize:    getenvInt("FILES_URL_CACHE_SIZE", 512),
		},
		Notify: NotifyConfig{
			WebhookURL: strings.TrimSpace(getenv("NOTIFY_WEBHOOK_URL", "")),
		},
		ViewerTimezone: getenv("VIEWER_TIMEZONE", "Europe/Paris"),
		TimelineConfig: strings.TrimSpace(getenv("TIMELINE_CONFIG_PATH", "")),
		SeedDemo:       getenvBool("SEED_DEMO_DATA", false),
	}
}

// Location resolves ViewerTimezone, falling back to UTC.
func (c Config) Location() *time.Location {
	loc, err := time.LoadLocation(strings.TrimSpace(c.ViewerTimezone))
	if err != nil {
		return time.UTC
	}
	return loc
}

func normalizeBackend(raw string) string {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case RecordStoreHTTP:
		return RecordStoreHTTP
	default:
		return RecordStoreGorm
	}
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return def
	}
	return parsed
}

func getenvBool(key string, def bool) bool {
	value, err := strconv.ParseBool(strings.TrimSpace(os.Getenv(key)))
	if err != nil {
		return def
	}
	return value
}

func getenvDuration(key string, def time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return def
	}
	return parsed
}

var Module = fx.Module("config",
	fx.Provide(Load),
	fx.Provide(NewTimelineConfigHolder),
)
