package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()
	assert.Equal(t, "memory", cfg.StoreBackend)
	assert.Equal(t, "memory", cfg.FeedBackend)
	assert.True(t, cfg.ReloadOnReconnect)
	assert.NoError(t, cfg.Validate())
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("STORE_BACKEND", "postgres")
	t.Setenv("FEED_BACKEND", "postgres")
	t.Setenv("SYNC_RECONNECT_MIN", "2s")
	t.Setenv("SYNC_UPSERT_UNKNOWN", "true")
	t.Setenv("RATE_LIMIT_PER_MIN", "30")
	t.Setenv("CORS_ORIGINS", "https://a.example, https://b.example,")

	cfg := Load()
	assert.Equal(t, 2*time.Second, cfg.ReconnectMin)
	assert.True(t, cfg.UpsertUnknown)
	assert.Equal(t, 30, cfg.RateLimitPerMin)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.CORSOrigins)
	assert.NoError(t, cfg.Validate())
}

func TestBadValuesFallBack(t *testing.T) {
	t.Setenv("SYNC_RECONNECT_MAX", "soon")
	t.Setenv("AUTO_MIGRATE", "maybe")
	t.Setenv("FEED_BUFFER", "lots")
	cfg := Load()
	assert.Equal(t, 30*time.Second, cfg.ReconnectMax)
	assert.True(t, cfg.AutoMigrate)
	assert.Equal(t, 256, cfg.FeedBuffer)
}

func TestValidateRejects(t *testing.T) {
	cfg := Load()
	cfg.FeedBackend = "kafka"
	assert.Error(t, cfg.Validate())

	cfg = Load()
	cfg.FeedBackend = "postgres"
	cfg.StoreBackend = "memory"
	assert.Error(t, cfg.Validate())
}
