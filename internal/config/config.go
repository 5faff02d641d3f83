// Package config loads broker configuration from the environment, with
// the defaults named throughout spec §6.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds broker configuration.
type Config struct {
	Port     string
	LogLevel string

	// Relationship Store
	DatabaseURL string // Postgres DSN; empty falls back to SQLitePath
	SQLitePath  string // used when DatabaseURL is empty and persistence is still wanted

	// Lifecycle defaults (spec §3)
	DefaultTimeboxHours int
	DefaultMaxDepth     int

	// Admission Pipeline (spec §5)
	AdmissionDeadline time.Duration
	GracePeriod       time.Duration

	// Delivery Subsystem (spec §4.7, §5)
	DeliveryAckTimeout   time.Duration
	HeartbeatInterval    time.Duration
	ResponderQueueSize   int
	RedisURL             string // empty selects the in-process queue

	// Event Chain (spec §4.5, §5)
	ChainHashKeySecret string // root secret; the actual HMAC key is derived via HKDF
	ChainHashKeySalt   string // broker ID salt

	// Policy Registry (spec §3, §9)
	PolicyFilePath string

	// Identity (L1 signature verification)
	TrustKeysPath string

	// Archival (spec §4.3 retention/legal-hold)
	ArchiveBackend string // "none", "s3", "gcs"
	ArchiveBucket  string
	AWSRegion      string
	GCPProjectID   string

	ShadowMode bool

	// Observability
	OTelEnabled  bool
	OTelEndpoint string
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
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

// Load loads configuration from environment variables, falling back to
// the defaults spec §6 names.
func Load() *Config {
	return &Config{
		Port:     getEnv("PORT", "8080"),
		LogLevel: getEnv("LOG_LEVEL", "INFO"),

		DatabaseURL: getEnv("DATABASE_URL", ""),
		SQLitePath:  getEnv("SQLITE_PATH", "intentkeep.db"),

		DefaultTimeboxHours: getEnvInt("DEFAULT_TIMEBOX_HOURS", 24),
		DefaultMaxDepth:     getEnvInt("DEFAULT_MAX_DEPTH", 5),

		AdmissionDeadline: getEnvDuration("ADMISSION_DEADLINE", 2*time.Second),
		GracePeriod:       getEnvDuration("GRACE_PERIOD", 5*time.Minute),

		DeliveryAckTimeout: getEnvDuration("DELIVERY_ACK_TIMEOUT", 10*time.Second),
		HeartbeatInterval:  getEnvDuration("HEARTBEAT_INTERVAL", 5*time.Second),
		ResponderQueueSize: getEnvInt("RESPONDER_QUEUE_SIZE", 64),
		RedisURL:           getEnv("REDIS_URL", ""),

		ChainHashKeySecret: getEnv("CHAIN_HASH_KEY_SECRET", "dev-only-insecure-secret"),
		ChainHashKeySalt:   getEnv("CHAIN_HASH_KEY_SALT", "intentkeep-broker"),

		PolicyFilePath: getEnv("POLICY_FILE_PATH", "policy.yaml"),
		TrustKeysPath:  getEnv("TRUST_KEYS_PATH", "trust_keys.json"),

		ArchiveBackend: getEnv("ARCHIVE_BACKEND", "none"),
		ArchiveBucket:  getEnv("ARCHIVE_BUCKET", ""),
		AWSRegion:      getEnv("AWS_REGION", "us-east-1"),
		GCPProjectID:   getEnv("GCP_PROJECT_ID", ""),

		ShadowMode: getEnv("SHADOW_MODE", "") == "true",

		OTelEnabled:  getEnv("OTEL_ENABLED", "") == "true",
		OTelEndpoint: getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
	}
}
