package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, "redis://localhost:6379", cfg.RedisURL)
	assert.Equal(t, 300*time.Second, cfg.PresenceTTL)
	assert.Equal(t, 60*time.Second, cfg.CursorTTL)
	assert.Equal(t, 60*time.Second, cfg.ReconcileInterval)
	assert.Equal(t, 100*time.Millisecond, cfg.CursorMinInterval)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("PORT", "9000")
	t.Setenv("PRESENCE_TTL", "2m")
	t.Setenv("CURSOR_TTL", "30")
	t.Setenv("CURSOR_MIN_INTERVAL", "250ms")

	cfg := Load()

	assert.Equal(t, "9000", cfg.Port)
	assert.Equal(t, 2*time.Minute, cfg.PresenceTTL)
	assert.Equal(t, 30*time.Second, cfg.CursorTTL)
	assert.Equal(t, 250*time.Millisecond, cfg.CursorMinInterval)
}

func TestLoadBadDurationFallsBack(t *testing.T) {
	t.Setenv("PRESENCE_TTL", "soon")

	cfg := Load()

	assert.Equal(t, 300*time.Second, cfg.PresenceTTL)
}
