package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("APP_ENV", "test")
	t.Setenv("REDIS_URL", "")
	t.Setenv("PAGE_SIZE", "")
	cfg := Load()
	assert.Equal(t, 20, cfg.PageSize)
	assert.Equal(t, 3*time.Second, cfg.ReconnectDelay)
	assert.Equal(t, ":8080", cfg.ServerAddr)
}

// REDIS_URL has no fallback on purpose: unset selects in-memory sessions
// instead of a doomed connect retry loop against localhost.
func TestRedisURLUnsetStaysEmpty(t *testing.T) {
	t.Setenv("APP_ENV", "test")
	t.Setenv("REDIS_URL", "")
	cfg := Load()
	assert.Empty(t, cfg.Redis.URL)
}

func TestRedisURLFromEnvironment(t *testing.T) {
	t.Setenv("APP_ENV", "test")
	t.Setenv("REDIS_URL", "redis://cache:6379")
	cfg := Load()
	assert.Equal(t, "redis://cache:6379", cfg.Redis.URL)
}
