package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Reference modes for the sync hub.
const (
	ReferenceCanonical = "canonical"
	ReferencePeer      = "peer"
)

// Config holds application configuration loaded from environment.
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Redis    RedisConfig
	NATS     NATSConfig
	JWT      JWTConfig
	AWS      AWSConfig
	Timeline TimelineConfig
	Sync     SyncConfig
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port               string
	ReadTimeout        int
	WriteTimeout       int
	CORSAllowedOrigins string // comma-separated, or "*" for all
}

// DatabaseConfig holds PostgreSQL connection settings.
// An empty URL selects the in-memory session store.
type DatabaseConfig struct {
	URL string
}

// Enabled reports whether a PostgreSQL DSN was configured.
func (c DatabaseConfig) Enabled() bool { return c.URL != "" }

// RedisConfig holds Redis connection settings. Empty Addr runs the hub single-instance.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// NATSConfig selects NATS as the cross-instance sync bridge when URL is set.
// It takes precedence over Redis.
type NATSConfig struct {
	URL string
}

// JWTConfig holds the secret used to validate tokens issued by the identity service.
type JWTConfig struct {
	Secret      string
	ExpireHours int
}

// AWSConfig holds S3 settings for presigned playback URLs.
type AWSConfig struct {
	Region               string
	AccessKeyID          string
	SecretAccessKey      string
	MediaBucket          string
	PresignExpireMinutes int
}

// TimelineConfig holds scheduler settings.
type TimelineConfig struct {
	// Epoch is the fixed instant the broadcast timeline is measured from.
	// Changing it once viewers depend on it jumps every computed position.
	Epoch       time.Time
	CacheTTL    time.Duration
	CatalogFile string // YAML catalog used when no database is configured
}

// SyncConfig holds session and sync hub tolerances.
type SyncConfig struct {
	DriftThreshold  float64 // seconds
	ReportInterval  time.Duration
	StaleTimeout    time.Duration
	RewindEpsilon   float64 // seconds
	DisconnectGrace time.Duration
	RegisterTimeout time.Duration
	ReferenceMode   string
}

// Load reads configuration from environment, with optional .env file.
func Load() (*Config, error) {
	_ = godotenv.Load()

	epochStr := getEnv("GLOBAL_EPOCH", "")
	if epochStr == "" {
		return nil, errors.New("GLOBAL_EPOCH is required")
	}
	epoch, err := time.Parse(time.RFC3339, epochStr)
	if err != nil {
		return nil, fmt.Errorf("parse GLOBAL_EPOCH: %w", err)
	}

	mode := strings.ToLower(getEnv("SYNC_REFERENCE_MODE", ReferenceCanonical))
	if mode != ReferenceCanonical && mode != ReferencePeer {
		return nil, fmt.Errorf("invalid SYNC_REFERENCE_MODE %q", mode)
	}

	cfg := &Config{
		Server: ServerConfig{
			Port:               getEnv("PORT", "8080"),
			ReadTimeout:        getEnvInt("READ_TIMEOUT_SEC", 30),
			WriteTimeout:       getEnvInt("WRITE_TIMEOUT_SEC", 30),
			CORSAllowedOrigins: getEnv("CORS_ALLOWED_ORIGINS", "http://localhost:3000"),
		},
		Database: DatabaseConfig{
			URL: getEnv("DATABASE_URL", ""),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", ""),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
		},
		NATS: NATSConfig{
			URL: getEnv("NATS_URL", ""),
		},
		JWT: JWTConfig{
			Secret:      getEnv("JWT_SECRET", "change-me-in-production"),
			ExpireHours: getEnvInt("JWT_EXPIRE_HOURS", 24),
		},
		AWS: AWSConfig{
			Region:               getEnv("AWS_REGION", ""),
			AccessKeyID:          getEnv("AWS_ACCESS_KEY_ID", ""),
			SecretAccessKey:      getEnv("AWS_SECRET_ACCESS_KEY", ""),
			MediaBucket:          getEnv("AWS_S3_MEDIA_BUCKET", "broadcast-media"),
			PresignExpireMinutes: getEnvInt("AWS_PRESIGN_EXPIRE_MINUTES", 60),
		},
		Timeline: TimelineConfig{
			Epoch:       epoch,
			CacheTTL:    seconds(getEnvFloat("CATALOG_CACHE_TTL_SECONDS", 5)),
			CatalogFile: getEnv("CATALOG_FILE", "catalog.yaml"),
		},
		Sync: SyncConfig{
			DriftThreshold:  getEnvFloat("DRIFT_THRESHOLD_SECONDS", 5),
			ReportInterval:  seconds(getEnvFloat("REPORT_INTERVAL_SECONDS", 5)),
			StaleTimeout:    seconds(getEnvFloat("SESSION_STALE_TIMEOUT_SECONDS", 60)),
			RewindEpsilon:   getEnvFloat("REWIND_EPSILON_SECONDS", 0.5),
			DisconnectGrace: seconds(getEnvFloat("DISCONNECT_GRACE_SECONDS", 10)),
			RegisterTimeout: seconds(getEnvFloat("REGISTER_TIMEOUT_SECONDS", 10)),
			ReferenceMode:   mode,
		},
	}
	return cfg, nil
}

func seconds(v float64) time.Duration {
	return time.Duration(v * float64(time.Second))
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f >= 0 {
			return f
		}
	}
	return fallback
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
