package config_test

import (
	"testing"
	"time"

	"github.com/intentkeep/broker/internal/config"
	"github.com/stretchr/testify/assert"
)

// TestLoad_Defaults verifies the broker boots with safe, spec-named
// defaults when no environment variables are set.
func TestLoad_Defaults(t *testing.T) {
	t.Setenv("PORT", "")
	t.Setenv("DATABASE_URL", "")
	t.Setenv("DEFAULT_TIMEBOX_HOURS", "")
	t.Setenv("DEFAULT_MAX_DEPTH", "")
	t.Setenv("ADMISSION_DEADLINE", "")
	t.Setenv("GRACE_PERIOD", "")
	t.Setenv("SHADOW_MODE", "")

	cfg := config.Load()

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, 24, cfg.DefaultTimeboxHours)
	assert.Equal(t, 5, cfg.DefaultMaxDepth)
	assert.Equal(t, 2*time.Second, cfg.AdmissionDeadline)
	assert.Equal(t, 5*time.Minute, cfg.GracePeriod)
	assert.Equal(t, 10*time.Second, cfg.DeliveryAckTimeout)
	assert.Equal(t, 64, cfg.ResponderQueueSize)
	assert.Equal(t, "none", cfg.ArchiveBackend)
	assert.False(t, cfg.ShadowMode)
}

// TestLoad_Overrides verifies environment variables override defaults.
func TestLoad_Overrides(t *testing.T) {
	t.Setenv("DEFAULT_MAX_DEPTH", "10")
	t.Setenv("ADMISSION_DEADLINE", "500ms")
	t.Setenv("RESPONDER_QUEUE_SIZE", "128")
	t.Setenv("ARCHIVE_BACKEND", "s3")

	cfg := config.Load()

	assert.Equal(t, 10, cfg.DefaultMaxDepth)
	assert.Equal(t, 500*time.Millisecond, cfg.AdmissionDeadline)
	assert.Equal(t, 128, cfg.ResponderQueueSize)
	assert.Equal(t, "s3", cfg.ArchiveBackend)
}
