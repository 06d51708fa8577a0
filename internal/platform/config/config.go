// Package config builds process configuration from environment variables so
// main stays lean. The result is an immutable value threaded into
// constructors; nothing here is global or mutable after startup.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Server captures HTTP server level configuration.
type Server struct {
	Addr          string
	JWTSigningKey string
}

// Postgres captures the optional SQL backing store. An empty DSN selects the
// in-memory stores.
type Postgres struct {
	DSN string
}

// Redis captures the optional idempotency index backing. Empty URL selects
// the in-memory index.
type Redis struct {
	URL          string
	PoolSize     int
	MinIdleConns int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// Kafka captures the optional audit outbox relay target. No brokers disables
// the relay.
type Kafka struct {
	Brokers    []string
	AuditTopic string
}

// Verification holds the orchestration and decision tunables. Thresholds are
// configuration rather than code so tests can vary them per case.
type Verification struct {
	DocumentDeadline time.Duration
	FaceDeadline     time.Duration
	LivenessDeadline time.Duration

	MaxRetries     int
	RetryBackoff   time.Duration
	InferenceSlots int64

	SessionMaxLifetime time.Duration
	SweepInterval      time.Duration
	RetentionWindow    time.Duration

	FaceMatchThreshold float64
	LivenessThreshold  float64
	BorderlineMargin   float64
}

// Config is the full process configuration.
type Config struct {
	Server       Server
	Postgres     Postgres
	Redis        Redis
	Kafka        Kafka
	Verification Verification
}

// FromEnv builds a Config from environment variables, applying defaults that
// mirror the deployed system.
func FromEnv() Config {
	return Config{
		Server: Server{
			Addr:          envString("VERIFID_ADDR", ":8080"),
			JWTSigningKey: envString("VERIFID_JWT_SIGNING_KEY", "dev-secret-key-change-in-production"),
		},
		Postgres: Postgres{
			DSN: os.Getenv("VERIFID_POSTGRES_DSN"),
		},
		Redis: Redis{
			URL:          os.Getenv("VERIFID_REDIS_URL"),
			PoolSize:     envInt("VERIFID_REDIS_POOL_SIZE", 10),
			MinIdleConns: envInt("VERIFID_REDIS_MIN_IDLE", 2),
			DialTimeout:  envDuration("VERIFID_REDIS_DIAL_TIMEOUT", 5*time.Second),
			ReadTimeout:  envDuration("VERIFID_REDIS_READ_TIMEOUT", 3*time.Second),
			WriteTimeout: envDuration("VERIFID_REDIS_WRITE_TIMEOUT", 3*time.Second),
		},
		Kafka: Kafka{
			Brokers:    splitNonEmpty(os.Getenv("VERIFID_KAFKA_BROKERS")),
			AuditTopic: envString("VERIFID_KAFKA_AUDIT_TOPIC", "verifid.audit.v1"),
		},
		Verification: Verification{
			DocumentDeadline:   envDuration("VERIFID_DOCUMENT_DEADLINE", 30*time.Second),
			FaceDeadline:       envDuration("VERIFID_FACE_DEADLINE", 20*time.Second),
			LivenessDeadline:   envDuration("VERIFID_LIVENESS_DEADLINE", 45*time.Second),
			MaxRetries:         envInt("VERIFID_STAGE_MAX_RETRIES", 2),
			RetryBackoff:       envDuration("VERIFID_STAGE_RETRY_BACKOFF", 500*time.Millisecond),
			InferenceSlots:     int64(envInt("VERIFID_INFERENCE_SLOTS", 8)),
			SessionMaxLifetime: envDuration("VERIFID_SESSION_MAX_LIFETIME", 15*time.Minute),
			SweepInterval:      envDuration("VERIFID_SWEEP_INTERVAL", time.Minute),
			RetentionWindow:    envDuration("VERIFID_RETENTION_WINDOW", 90*24*time.Hour),
			FaceMatchThreshold: envFloat("VERIFID_FACE_MODEL_THRESHOLD", 0.6),
			LivenessThreshold:  envFloat("VERIFID_LIVENESS_CONFIDENCE_THRESHOLD", 0.9),
			BorderlineMargin:   envFloat("VERIFID_BORDERLINE_MARGIN", 0.1),
		},
	}
}

func envString(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func splitNonEmpty(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
