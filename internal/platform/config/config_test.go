package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFromEnvDefaults(t *testing.T) {
	cfg := FromEnv()

	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, 2, cfg.Verification.MaxRetries)
	assert.Equal(t, 0.6, cfg.Verification.FaceMatchThreshold)
	assert.Equal(t, 0.9, cfg.Verification.LivenessThreshold)
	assert.Equal(t, 0.1, cfg.Verification.BorderlineMargin)
	assert.Equal(t, 15*time.Minute, cfg.Verification.SessionMaxLifetime)
	assert.Empty(t, cfg.Kafka.Brokers)
}

func TestFromEnvOverrides(t *testing.T) {
	t.Setenv("VERIFID_ADDR", ":9999")
	t.Setenv("VERIFID_STAGE_MAX_RETRIES", "5")
	t.Setenv("VERIFID_FACE_MODEL_THRESHOLD", "0.75")
	t.Setenv("VERIFID_DOCUMENT_DEADLINE", "10s")
	t.Setenv("VERIFID_KAFKA_BROKERS", "one:9092, two:9092,")

	cfg := FromEnv()

	assert.Equal(t, ":9999", cfg.Server.Addr)
	assert.Equal(t, 5, cfg.Verification.MaxRetries)
	assert.Equal(t, 0.75, cfg.Verification.FaceMatchThreshold)
	assert.Equal(t, 10*time.Second, cfg.Verification.DocumentDeadline)
	assert.Equal(t, []string{"one:9092", "two:9092"}, cfg.Kafka.Brokers)
}

func TestFromEnvIgnoresMalformedValues(t *testing.T) {
	t.Setenv("VERIFID_STAGE_MAX_RETRIES", "many")
	t.Setenv("VERIFID_LIVENESS_CONFIDENCE_THRESHOLD", "high")

	cfg := FromEnv()

	assert.Equal(t, 2, cfg.Verification.MaxRetries)
	assert.Equal(t, 0.9, cfg.Verification.LivenessThreshold)
}
